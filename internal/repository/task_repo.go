package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"subscan/internal/model"
)

const taskColumns = `t.id, t.email_record_id, t.scan_id::text, t.user_id, t.status, t.subscription_name,
        t.price::float8, t.currency, t.billing_cycle, t.next_billing_date, t.provider, t.confidence,
        t.raw_model_output, t.error_message, t.promoted_at, t.created_at, t.updated_at`

type TaskRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTaskRepository(db *pgxpool.Pool, logger *zap.Logger) *TaskRepository {
	return &TaskRepository{
		db:     db,
		logger: logger,
	}
}

func scanTask(row pgx.Row, extra ...any) (*model.AnalysisTask, error) {
	var t model.AnalysisTask
	var status string
	dest := []any{
		&t.ID,
		&t.EmailRecordID,
		&t.ScanID,
		&t.UserID,
		&status,
		&t.SubscriptionName,
		&t.Price,
		&t.Currency,
		&t.BillingCycle,
		&t.NextBillingDate,
		&t.Provider,
		&t.Confidence,
		&t.RawModelOutput,
		&t.ErrorMessage,
		&t.PromotedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	return &t, nil
}

// ListPendingTasks returns pending tasks of a scan joined with their message,
// oldest first.
func (r *TaskRepository) ListPendingTasks(ctx context.Context, scanID string, limit int) ([]model.PendingTask, error) {
	query := `
        SELECT ` + taskColumns + `,
               e.provider_message_id, e.subject, e.sender, e.date, e.content, e.content_preview
        FROM analysis_tasks t
        JOIN email_records e ON e.id = t.email_record_id
        WHERE t.scan_id = $1 AND t.status = 'pending'
        ORDER BY t.id ASC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, scanID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []model.PendingTask
	for rows.Next() {
		var e model.EmailRecord
		t, err := scanTask(rows,
			&e.ProviderMessageID,
			&e.Subject,
			&e.Sender,
			&e.Date,
			&e.Content,
			&e.ContentPreview,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending task: %w", err)
		}
		e.ID = t.EmailRecordID
		e.ScanID = t.ScanID
		e.UserID = t.UserID
		out = append(out, model.PendingTask{Task: *t, Email: e})
	}
	return out, rows.Err()
}

// CompleteTask records a verdict on a pending task. ErrTaskConflict means
// another worker already finished it.
func (r *TaskRepository) CompleteTask(ctx context.Context, taskID int64, v model.Verdict) error {
	query := `
        UPDATE analysis_tasks
        SET status = 'completed',
            subscription_name = $2,
            price = $3,
            currency = $4,
            billing_cycle = $5,
            next_billing_date = $6,
            provider = $7,
            confidence = $8,
            raw_model_output = $9,
            updated_at = NOW()
        WHERE id = $1 AND status = 'pending'
    `
	tag, err := r.db.Exec(ctx, query,
		taskID,
		v.Name,
		v.Price,
		v.Currency,
		v.BillingCycle,
		v.NextBillingDate,
		v.Provider,
		v.Confidence,
		v.RawModelOutput,
	)
	if err != nil {
		r.logger.Error("Failed to complete task", zap.Int64("task_id", taskID), zap.Error(err))
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskConflict
	}
	return nil
}

// FailTask marks a pending task failed, keeping the raw model text.
func (r *TaskRepository) FailTask(ctx context.Context, taskID int64, raw, reason string) error {
	query := `
        UPDATE analysis_tasks
        SET status = 'failed', raw_model_output = NULLIF($2, ''), error_message = $3, updated_at = NOW()
        WHERE id = $1 AND status = 'pending'
    `
	tag, err := r.db.Exec(ctx, query, taskID, raw, reason)
	if err != nil {
		r.logger.Error("Failed to fail task", zap.Int64("task_id", taskID), zap.Error(err))
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskConflict
	}
	return nil
}

// TaskCounts returns the status breakdown of a scan's tasks.
func (r *TaskRepository) TaskCounts(ctx context.Context, scanID string) (model.TaskCounts, error) {
	query := `
        SELECT
            COUNT(*) FILTER (WHERE status = 'pending'),
            COUNT(*) FILTER (WHERE status = 'completed'),
            COUNT(*) FILTER (WHERE status = 'failed'),
            COUNT(*) FILTER (WHERE status = 'completed' AND subscription_name IS NOT NULL)
        FROM analysis_tasks
        WHERE scan_id = $1
    `
	var c model.TaskCounts
	if err := r.db.QueryRow(ctx, query, scanID).Scan(&c.Pending, &c.Completed, &c.Failed, &c.Positive); err != nil {
		return c, fmt.Errorf("failed to count tasks: %w", err)
	}
	return c, nil
}

// ListPromotable returns completed tasks with a subscription name that the
// sweeper has not examined yet. An empty scanID lists across all scans.
func (r *TaskRepository) ListPromotable(ctx context.Context, scanID string, limit int) ([]model.AnalysisTask, error) {
	query := `
        SELECT ` + taskColumns + `
        FROM analysis_tasks t
        WHERE t.status = 'completed'
          AND t.subscription_name IS NOT NULL
          AND t.promoted_at IS NULL
          AND ($1 = '' OR t.scan_id::text = $1)
        ORDER BY t.id ASC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, scanID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list promotable tasks: %w", err)
	}
	defer rows.Close()

	var out []model.AnalysisTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan promotable task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MarkTaskPromoted records that the sweeper examined the task.
func (r *TaskRepository) MarkTaskPromoted(ctx context.Context, taskID int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE analysis_tasks SET promoted_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND promoted_at IS NULL
    `, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task promoted: %w", err)
	}
	return nil
}
