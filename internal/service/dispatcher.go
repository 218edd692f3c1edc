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

type DispatchConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// DispatcherService claims ready scans and hands them to the Classification
// Worker in one batch.
type DispatcherService struct {
	store     Store
	submitter Submitter
	cfg       DispatchConfig
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDispatcherService(store Store, submitter Submitter, cfg DispatchConfig, logger *zap.Logger) *DispatcherService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &DispatcherService{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run claims every dispatchable scan and submits the claimed batch. Scans
// another invocation already claimed are skipped silently.
func (s *DispatcherService) Run(ctx context.Context) (*DispatchSummary, error) {
	log := logger.WithTrace(ctx, s.logger)
	summary := &DispatchSummary{Claimed: []string{}}

	jobs, err := s.store.ListDispatchable(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	summary.Listed = len(jobs)

	var req contracthttp.ClassifyRequest
	seenUser := map[string]bool{}
	for _, job := range jobs {
		// 同一用户一次只派发一个 scan
		if seenUser[job.UserID] {
			summary.Skipped++
			continue
		}
		err := s.store.Transition(ctx, job.ScanID, model.StageReadyForAnalysis, model.StageAnalyzing, model.ScanUpdate{})
		if errors.Is(err, repository.ErrStageConflict) {
			summary.Skipped++
			continue
		}
		if err != nil {
			log.Error("Failed to claim scan for analysis", zap.String("scan_id", job.ScanID), zap.Error(err))
			summary.Skipped++
			continue
		}
		seenUser[job.UserID] = true
		req.ScanIDs = append(req.ScanIDs, job.ScanID)
		req.UserIDs = append(req.UserIDs, job.UserID)
	}
	summary.Claimed = req.ScanIDs
	if summary.Claimed == nil {
		summary.Claimed = []string{}
	}
	if len(req.ScanIDs) == 0 {
		return summary, nil
	}

	attempts, err := s.submit(ctx, req)
	summary.Attempts = attempts
	if err == nil {
		summary.Submitted = true
		log.Info("Dispatched scans for analysis", zap.Strings("scan_ids", req.ScanIDs), zap.Int("attempts", attempts))
		return summary, nil
	}

	summary.Error = err.Error()
	msg := fmt.Sprintf("dispatch failed after %d attempts: %v", attempts, err)
	for _, scanID := range req.ScanIDs {
		terr := s.store.Transition(ctx, scanID, model.StageAnalyzing, model.StageFailed, model.ScanUpdate{
			ErrorMessage: model.StringPtr(msg),
		})
		if terr != nil && !errors.Is(terr, repository.ErrStageConflict) {
			log.Error("Failed to mark scan failed after dispatch exhaustion", zap.String("scan_id", scanID), zap.Error(terr))
			continue
		}
		if terr == nil {
			summary.Failed = append(summary.Failed, scanID)
		}
	}
	log.Error("Dispatch exhausted retries", zap.Strings("scan_ids", req.ScanIDs), zap.Error(err))
	return summary, nil
}

// submit retries with a fixed backoff and returns the attempts made.
func (s *DispatcherService) submit(ctx context.Context, req contracthttp.ClassifyRequest) (int, error) {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = s.submitter.Submit(ctx, req)
		if err == nil {
			metrics.IncrementDispatchAttempt("success")
			return attempt, nil
		}
		metrics.IncrementDispatchAttempt("error")
		s.logger.Warn("Classification submit failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(err),
		)
		if attempt == s.cfg.MaxAttempts {
			break
		}
		if serr := s.sleep(ctx, s.cfg.Backoff); serr != nil {
			return attempt, err
		}
	}
	return s.cfg.MaxAttempts, err
}
