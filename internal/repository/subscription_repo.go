package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	contractmq "subscan/contracts/mq"
	"subscan/internal/model"
	"subscan/pkg/outbox"
	"subscan/pkg/trace"
)

type SubscriptionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewSubscriptionRepository(db *pgxpool.Pool, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
	}
}

// ListSubscriptionsByUser returns manual and auto-detected subscriptions.
func (r *SubscriptionRepository) ListSubscriptionsByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	query := `
        SELECT id, user_id, name, normalized_name, price::float8, currency, billing_cycle,
               category, is_manual, source_analysis_id, created_at
        FROM subscriptions
        WHERE user_id = $1
        ORDER BY id ASC
    `
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var s model.Subscription
		if err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.Name,
			&s.NormalizedName,
			&s.Price,
			&s.Currency,
			&s.BillingCycle,
			&s.Category,
			&s.IsManual,
			&s.SourceAnalysisID,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// InsertAutoSubscription inserts an auto-detected subscription, marks the
// source task promoted and queues a subscription.detected event, all in one
// transaction. inserted is false when the user already has an auto-detected
// subscription with the same normalized name.
func (r *SubscriptionRepository) InsertAutoSubscription(ctx context.Context, sub *model.Subscription, task model.AnalysisTask) (bool, error) {
	inserted := false
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
            INSERT INTO subscriptions
                (user_id, name, normalized_name, price, currency, billing_cycle, category, is_manual, source_analysis_id)
            VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
            ON CONFLICT (user_id, normalized_name) WHERE NOT is_manual DO NOTHING
            RETURNING id, created_at
        `,
			sub.UserID,
			sub.Name,
			sub.NormalizedName,
			sub.Price,
			sub.Currency,
			sub.BillingCycle,
			sub.Category,
			task.ID,
		).Scan(&sub.ID, &sub.CreatedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// lost the race to another sweeper; still mark the task examined
		case err != nil:
			return fmt.Errorf("failed to insert subscription: %w", err)
		default:
			inserted = true
			sub.SourceAnalysisID = &task.ID
		}

		if _, err := tx.Exec(ctx, `
            UPDATE analysis_tasks SET promoted_at = NOW(), updated_at = NOW()
            WHERE id = $1 AND promoted_at IS NULL
        `, task.ID); err != nil {
			return fmt.Errorf("failed to mark task promoted: %w", err)
		}

		if !inserted {
			return nil
		}
		event, err := outbox.NewEvent("subscription", strconv.FormatInt(sub.ID, 10), contractmq.RoutingSubscriptionDetected,
			contractmq.SubscriptionDetectedPayload{
				SubscriptionID:   sub.ID,
				UserID:           sub.UserID,
				ScanID:           task.ScanID,
				Name:             sub.Name,
				Price:            sub.Price,
				Currency:         sub.Currency,
				BillingCycle:     sub.BillingCycle,
				SourceAnalysisID: task.ID,
				TraceID:          trace.FromContext(ctx),
			})
		if err != nil {
			return err
		}
		return outbox.InsertEvent(ctx, tx, event)
	})
	if err != nil {
		r.logger.Error("Failed to insert auto subscription",
			zap.String("user_id", sub.UserID),
			zap.Int64("task_id", task.ID),
			zap.Error(err),
		)
		return false, err
	}
	return inserted, nil
}
