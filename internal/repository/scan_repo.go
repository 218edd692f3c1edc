package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"subscan/internal/model"
	"subscan/pkg/metrics"
)

const scanColumns = `scan_id::text, user_id, stage, progress, emails_found, emails_to_process,
        emails_processed, subscriptions_found, tasks_failed, degraded, redispatch_count,
        last_pending_count, error_message, created_at, updated_at, completed_at`

// ScanRepository owns scan_jobs. Every stage write is conditioned on the
// expected prior stage.
type ScanRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewScanRepository(db *pgxpool.Pool, logger *zap.Logger) *ScanRepository {
	return &ScanRepository{
		db:     db,
		logger: logger,
	}
}

func scanJob(row pgx.Row) (*model.ScanJob, error) {
	var j model.ScanJob
	var stage string
	err := row.Scan(
		&j.ScanID,
		&j.UserID,
		&stage,
		&j.Progress,
		&j.EmailsFound,
		&j.EmailsToProcess,
		&j.EmailsProcessed,
		&j.SubscriptionsFound,
		&j.TasksFailed,
		&j.Degraded,
		&j.RedispatchCount,
		&j.LastPendingCount,
		&j.ErrorMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Stage = model.Stage(stage)
	return &j, nil
}

func collectScanJobs(rows pgx.Rows) ([]*model.ScanJob, error) {
	defer rows.Close()
	var jobs []*model.ScanJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateScan inserts a pending job for userID.
func (r *ScanRepository) CreateScan(ctx context.Context, userID string) (*model.ScanJob, error) {
	query := `
        INSERT INTO scan_jobs (scan_id, user_id, stage, progress)
        VALUES ($1, $2, 'pending', 0)
        RETURNING ` + scanColumns
	job, err := scanJob(r.db.QueryRow(ctx, query, uuid.NewString(), userID))
	if err != nil {
		r.logger.Error("Failed to create scan job", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to create scan job: %w", err)
	}
	return job, nil
}

// GetScan returns the job or ErrNotFound.
func (r *ScanRepository) GetScan(ctx context.Context, scanID string) (*model.ScanJob, error) {
	if _, err := uuid.Parse(scanID); err != nil {
		return nil, ErrNotFound
	}
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+scanColumns+` FROM scan_jobs WHERE scan_id = $1`, scanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan job: %w", err)
	}
	return job, nil
}

// Transition moves scanID from -> to and applies upd in the same statement.
// It returns ErrStageConflict when the job was not in stage from.
func (r *ScanRepository) Transition(ctx context.Context, scanID string, from, to model.Stage, upd model.ScanUpdate) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	args := []any{scanID, string(from), string(to)}
	sets := []string{"stage = $3", "updated_at = NOW()"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Progress != nil {
		set("progress", *upd.Progress)
	}
	if upd.EmailsFound != nil {
		set("emails_found", *upd.EmailsFound)
	}
	if upd.EmailsToProcess != nil {
		set("emails_to_process", *upd.EmailsToProcess)
	}
	if upd.EmailsProcessed != nil {
		set("emails_processed", *upd.EmailsProcessed)
	}
	if upd.SubscriptionsFound != nil {
		set("subscriptions_found", *upd.SubscriptionsFound)
	}
	if upd.TasksFailed != nil {
		set("tasks_failed", *upd.TasksFailed)
	}
	if upd.Degraded != nil {
		set("degraded", *upd.Degraded)
	}
	if upd.ErrorMessage != nil {
		set("error_message", *upd.ErrorMessage)
	}
	if upd.MarkCompleted {
		sets = append(sets, "completed_at = NOW()")
	}

	query := `UPDATE scan_jobs SET ` + strings.Join(sets, ", ") + ` WHERE scan_id = $1 AND stage = $2`
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to transition scan job",
			zap.String("scan_id", scanID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to transition scan job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.IncrementStageConflict(string(to))
		return ErrStageConflict
	}
	metrics.RecordStageTransition(string(from), string(to))
	return nil
}

// ClaimForIngestion moves a pending job, or one the watchdog nudged into
// in_progress, to in_progress at the claimed progress mark. Only one caller
// can win the claim.
func (r *ScanRepository) ClaimForIngestion(ctx context.Context, scanID string) (*model.ScanJob, error) {
	query := `
        UPDATE scan_jobs
        SET stage = 'in_progress', progress = $2, updated_at = NOW()
        WHERE scan_id = $1
          AND (stage = 'pending' OR (stage = 'in_progress' AND progress < $2))
        RETURNING ` + scanColumns
	job, err := scanJob(r.db.QueryRow(ctx, query, scanID, model.ProgressClaimed))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.IncrementStageConflict(string(model.StageInProgress))
		return nil, ErrStageConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim scan job: %w", err)
	}
	metrics.RecordStageTransition(string(model.StagePending), string(model.StageInProgress))
	return job, nil
}

// UpdateProgress raises progress while the job is still in stage. It never
// lowers progress.
func (r *ScanRepository) UpdateProgress(ctx context.Context, scanID string, stage model.Stage, progress int) error {
	query := `
        UPDATE scan_jobs
        SET progress = GREATEST(progress, $3), updated_at = NOW()
        WHERE scan_id = $1 AND stage = $2
    `
	tag, err := r.db.Exec(ctx, query, scanID, string(stage), progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStageConflict
	}
	return nil
}

// ListStale returns jobs in stage whose last update is before idleBefore.
func (r *ScanRepository) ListStale(ctx context.Context, stage model.Stage, idleBefore time.Time, limit int) ([]*model.ScanJob, error) {
	query := `
        SELECT ` + scanColumns + `
        FROM scan_jobs
        WHERE stage = $1 AND updated_at < $2
        ORDER BY updated_at ASC
        LIMIT $3
    `
	rows, err := r.db.Query(ctx, query, string(stage), idleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return collectScanJobs(rows)
}

// ListDispatchable returns ready_for_analysis jobs whose user has no other
// job already analyzing.
func (r *ScanRepository) ListDispatchable(ctx context.Context, limit int) ([]*model.ScanJob, error) {
	query := `
        SELECT ` + scanColumns + `
        FROM scan_jobs j
        WHERE j.stage = 'ready_for_analysis'
          AND NOT EXISTS (
              SELECT 1 FROM scan_jobs s
              WHERE s.user_id = j.user_id
                AND s.stage = 'analyzing'
                AND s.scan_id <> j.scan_id
          )
        ORDER BY j.updated_at ASC
        LIMIT $1
    `
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatchable jobs: %w", err)
	}
	return collectScanJobs(rows)
}

// RecordRedispatch touches an analyzing job and tracks how many consecutive
// re-dispatches saw the same pending count. It returns the new streak.
func (r *ScanRepository) RecordRedispatch(ctx context.Context, scanID string, pendingCount int) (int, error) {
	query := `
        UPDATE scan_jobs
        SET redispatch_count = CASE WHEN last_pending_count = $2 THEN redispatch_count + 1 ELSE 1 END,
            last_pending_count = $2,
            updated_at = NOW()
        WHERE scan_id = $1 AND stage = 'analyzing'
        RETURNING redispatch_count
    `
	var streak int
	err := r.db.QueryRow(ctx, query, scanID, pendingCount).Scan(&streak)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrStageConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record redispatch: %w", err)
	}
	metrics.RecordStageTransition(string(model.StageAnalyzing), string(model.StageAnalyzing))
	return streak, nil
}
