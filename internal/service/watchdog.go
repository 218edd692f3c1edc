package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
	"subscan/internal/model"
	"subscan/internal/repository"
	"subscan/pkg/logger"
	"subscan/pkg/metrics"
)

const reasonIngestionStalled = "ingestion stalled"

type WatchdogConfig struct {
	PendingAfter           time.Duration `yaml:"pending_after"`
	InProgressAfter        time.Duration `yaml:"in_progress_after"`
	ReadyAfter             time.Duration `yaml:"ready_after"`
	AnalyzingAfter         time.Duration `yaml:"analyzing_after"`
	MaxStalledRedispatches int           `yaml:"max_stalled_redispatches"`
	BatchSize              int           `yaml:"batch_size"`
	KickTimeout            time.Duration `yaml:"kick_timeout"`
}

// WatchdogService repairs scans whose invocation died or stalled. It only
// moves jobs forward, to failed, or re-dispatches analyzing jobs in place.
type WatchdogService struct {
	store     Store
	ingest    IngestTrigger
	dispatch  DispatchTrigger
	submitter Submitter
	cfg       WatchdogConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewWatchdogService(store Store, ingest IngestTrigger, dispatch DispatchTrigger, submitter Submitter, cfg WatchdogConfig, logger *zap.Logger) *WatchdogService {
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = 2 * time.Minute
	}
	if cfg.InProgressAfter <= 0 {
		cfg.InProgressAfter = 10 * time.Minute
	}
	if cfg.ReadyAfter <= 0 {
		cfg.ReadyAfter = 5 * time.Minute
	}
	if cfg.AnalyzingAfter <= 0 {
		cfg.AnalyzingAfter = 15 * time.Minute
	}
	if cfg.MaxStalledRedispatches <= 0 {
		cfg.MaxStalledRedispatches = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &WatchdogService{
		store:     store,
		ingest:    ingest,
		dispatch:  dispatch,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run applies one reconciliation pass over every non-terminal stage.
func (s *WatchdogService) Run(ctx context.Context) (*Report, error) {
	log := logger.WithTrace(ctx, s.logger)
	report := &Report{Actions: []Action{}}
	now := s.now()

	steps := []struct {
		stage model.Stage
		after time.Duration
		fn    func(context.Context, *zap.Logger, *model.ScanJob, *Report)
	}{
		{model.StagePending, s.cfg.PendingAfter, s.repairPending},
		{model.StageInProgress, s.cfg.InProgressAfter, s.repairInProgress},
		{model.StageReadyForAnalysis, s.cfg.ReadyAfter, s.repairReady},
		{model.StageAnalyzing, s.cfg.AnalyzingAfter, s.repairAnalyzing},
	}
	for _, step := range steps {
		jobs, err := s.store.ListStale(ctx, step.stage, now.Add(-step.after), s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to list stale %s scans: %w", step.stage, err)
		}
		for _, job := range jobs {
			jlog := log.With(zap.String("scan_id", job.ScanID), zap.String("stage", string(job.Stage)))
			step.fn(ctx, jlog, job, report)
		}
	}

	if needsDispatch(report) && s.dispatch != nil {
		detach(ctx, s.logger, "dispatch", s.cfg.KickTimeout, s.dispatch.TriggerDispatch)
	}
	for _, a := range report.Actions {
		metrics.IncrementWatchdogAction(a.Kind)
	}
	if len(report.Actions) > 0 {
		log.Info("Watchdog pass finished", zap.Int("actions", len(report.Actions)), zap.Int("errors", len(report.Errors)))
	}
	return report, nil
}

func needsDispatch(r *Report) bool {
	for _, a := range r.Actions {
		if a.Kind == ActionForceReady || a.Kind == ActionKickDispatch {
			return true
		}
	}
	return false
}

func (s *WatchdogService) record(r *Report, job *model.ScanJob, kind, detail string) {
	r.Actions = append(r.Actions, Action{ScanID: job.ScanID, Stage: job.Stage, Kind: kind, Detail: detail})
}

func (s *WatchdogService) recordErr(r *Report, log *zap.Logger, job *model.ScanJob, err error) {
	if errors.Is(err, repository.ErrStageConflict) {
		s.record(r, job, ActionConflict, "")
		return
	}
	log.Error("Watchdog repair failed", zap.Error(err))
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", job.ScanID, err))
}

// repairPending nudges a never-claimed scan into in_progress below the
// claim mark, so ingestion can still claim it.
func (s *WatchdogService) repairPending(ctx context.Context, log *zap.Logger, job *model.ScanJob, r *Report) {
	err := s.store.Transition(ctx, job.ScanID, model.StagePending, model.StageInProgress, model.ScanUpdate{
		Progress: model.IntPtr(model.ProgressWatchdogKicked),
	})
	if err != nil {
		s.recordErr(r, log, job, err)
		return
	}
	s.record(r, job, ActionKickIngestion, "")
	log.Warn("Pending scan stalled, kicking ingestion")
	if s.ingest != nil {
		scanID := job.ScanID
		detach(ctx, s.logger, "ingest", s.cfg.KickTimeout, func(ctx context.Context) error {
			return s.ingest.TriggerIngest(ctx, scanID)
		})
	}
}

func (s *WatchdogService) repairInProgress(ctx context.Context, log *zap.Logger, job *model.ScanJob, r *Report) {
	counts, err := s.store.TaskCounts(ctx, job.ScanID)
	if err != nil {
		s.recordErr(r, log, job, err)
		return
	}
	err = s.store.Transition(ctx, job.ScanID, model.StageInProgress, model.StageReadyForAnalysis, model.ScanUpdate{
		Progress:        model.IntPtr(model.ProgressIngested),
		EmailsFound:     model.IntPtr(max(job.EmailsFound, counts.Total())),
		EmailsToProcess: model.IntPtr(counts.Total()),
		Degraded:        model.BoolPtr(true),
		ErrorMessage:    model.StringPtr(reasonIngestionStalled),
	})
	if err != nil {
		s.recordErr(r, log, job, err)
		return
	}
	s.record(r, job, ActionForceReady, fmt.Sprintf("%d emails kept", counts.Total()))
	log.Warn("Ingestion stalled, forcing ready_for_analysis", zap.Int("emails_to_process", counts.Total()))
}

func (s *WatchdogService) repairReady(_ context.Context, _ *zap.Logger, job *model.ScanJob, r *Report) {
	s.record(r, job, ActionKickDispatch, "")
}

func (s *WatchdogService) repairAnalyzing(ctx context.Context, log *zap.Logger, job *model.ScanJob, r *Report) {
	counts, err := s.store.TaskCounts(ctx, job.ScanID)
	if err != nil {
		s.recordErr(r, log, job, err)
		return
	}
	if counts.Pending == 0 {
		if err := finalizeScan(ctx, s.store, job.ScanID, counts); err != nil {
			s.recordErr(r, log, job, err)
			return
		}
		s.record(r, job, ActionFinalize, fmt.Sprintf("%d failed of %d", counts.Failed, counts.Total()))
		log.Warn("Analyzing scan had no pending tasks, finalized", zap.Int("tasks_failed", counts.Failed))
		return
	}

	streak, err := s.store.RecordRedispatch(ctx, job.ScanID, counts.Pending)
	if err != nil {
		s.recordErr(r, log, job, err)
		return
	}
	if streak >= s.cfg.MaxStalledRedispatches {
		msg := fmt.Sprintf("no progress after %d re-dispatches", streak)
		err := s.store.Transition(ctx, job.ScanID, model.StageAnalyzing, model.StageFailed, model.ScanUpdate{
			ErrorMessage: model.StringPtr(msg),
		})
		if err != nil {
			s.recordErr(r, log, job, err)
			return
		}
		s.record(r, job, ActionFail, msg)
		log.Error("Analyzing scan made no progress, failing", zap.Int("pending", counts.Pending), zap.Int("streak", streak))
		return
	}

	if s.submitter != nil {
		req := contracthttp.ClassifyRequest{ScanIDs: []string{job.ScanID}, UserIDs: []string{job.UserID}}
		if err := s.submitter.Submit(ctx, req); err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: redispatch: %v", job.ScanID, err))
			log.Warn("Re-dispatch submit failed", zap.Error(err))
		}
	}
	s.record(r, job, ActionRedispatch, fmt.Sprintf("%d pending, streak %d", counts.Pending, streak))
	log.Warn("Analyzing scan stalled, re-dispatched", zap.Int("pending", counts.Pending), zap.Int("streak", streak))
}
