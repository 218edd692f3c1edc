package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"subscan/internal/model"
)

type EmailRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewEmailRepository(db *pgxpool.Pool, logger *zap.Logger) *EmailRepository {
	return &EmailRepository{
		db:     db,
		logger: logger,
	}
}

// SaveEmailWithTask writes the message and its pending AnalysisTask in one
// transaction. A message already stored for the scan is left untouched and
// reported with created=false.
func (r *EmailRepository) SaveEmailWithTask(ctx context.Context, rec *model.EmailRecord) (bool, error) {
	created := false
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
            INSERT INTO email_records
                (scan_id, user_id, provider_message_id, subject, sender, date, content, content_preview)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            ON CONFLICT (scan_id, provider_message_id) DO NOTHING
            RETURNING id, created_at
        `,
			rec.ScanID,
			rec.UserID,
			rec.ProviderMessageID,
			rec.Subject,
			rec.Sender,
			rec.Date,
			rec.Content,
			rec.ContentPreview,
		).Scan(&rec.ID, &rec.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert email record: %w", err)
		}

		_, err = tx.Exec(ctx, `
            INSERT INTO analysis_tasks (email_record_id, scan_id, user_id, status)
            VALUES ($1, $2, $3, 'pending')
            ON CONFLICT (email_record_id) DO NOTHING
        `, rec.ID, rec.ScanID, rec.UserID)
		if err != nil {
			return fmt.Errorf("failed to seed analysis task: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to save email with task",
			zap.String("scan_id", rec.ScanID),
			zap.String("provider_message_id", rec.ProviderMessageID),
			zap.Error(err),
		)
		return false, err
	}
	return created, nil
}
