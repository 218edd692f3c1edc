package service

import (
	"context"
	"time"

	"subscan/internal/model"
)

// Store is the persistence surface the pipeline runs against. Both the
// Postgres repositories and memstore implement it.
type Store interface {
	CreateScan(ctx context.Context, userID string) (*model.ScanJob, error)
	GetScan(ctx context.Context, scanID string) (*model.ScanJob, error)
	Transition(ctx context.Context, scanID string, from, to model.Stage, upd model.ScanUpdate) error
	ClaimForIngestion(ctx context.Context, scanID string) (*model.ScanJob, error)
	UpdateProgress(ctx context.Context, scanID string, stage model.Stage, progress int) error
	ListStale(ctx context.Context, stage model.Stage, idleBefore time.Time, limit int) ([]*model.ScanJob, error)
	ListDispatchable(ctx context.Context, limit int) ([]*model.ScanJob, error)
	RecordRedispatch(ctx context.Context, scanID string, pendingCount int) (int, error)

	SaveEmailWithTask(ctx context.Context, rec *model.EmailRecord) (bool, error)

	ListPendingTasks(ctx context.Context, scanID string, limit int) ([]model.PendingTask, error)
	CompleteTask(ctx context.Context, taskID int64, v model.Verdict) error
	FailTask(ctx context.Context, taskID int64, raw, reason string) error
	TaskCounts(ctx context.Context, scanID string) (model.TaskCounts, error)
	ListPromotable(ctx context.Context, scanID string, limit int) ([]model.AnalysisTask, error)
	MarkTaskPromoted(ctx context.Context, taskID int64) error

	ListSubscriptionsByUser(ctx context.Context, userID string) ([]model.Subscription, error)
	InsertAutoSubscription(ctx context.Context, sub *model.Subscription, task model.AnalysisTask) (bool, error)

	AccessToken(ctx context.Context, userID string) (string, error)
}
