package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	contracthttp "subscan/contracts/http"
	"subscan/internal/classify"
	"subscan/internal/llm"
	"subscan/internal/model"
	"subscan/internal/repository"
	"subscan/pkg/logger"
	"subscan/pkg/metrics"
	"subscan/pkg/ratelimit"
	"subscan/pkg/util"
)

const reasonLLMTimeout = "llm timeout"

type ClassificationConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	TaskBatch    int           `yaml:"task_batch"`
	MaxBodyChars int           `yaml:"max_body_chars"`
	MaxDeferWait time.Duration `yaml:"max_defer_wait"`
	LLMTimeout   time.Duration `yaml:"-"`
}

// Promoter promotes the positive verdicts of one scan.
type Promoter interface {
	PromoteScan(ctx context.Context, scanID string) (*SweepSummary, error)
}

type taskResult int

const (
	taskCompleted taskResult = iota
	taskFailed
	taskDeferred
	taskLost
)

// ClassificationService runs pending AnalysisTasks through the LLM and
// finalizes scans that have nothing left to classify.
type ClassificationService struct {
	store    Store
	llm      llm.Client
	limiter  *ratelimit.Limiter
	cache    VerdictCache
	promoter Promoter
	cfg      ClassificationConfig
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewClassificationService(
	store Store,
	client llm.Client,
	limiter *ratelimit.Limiter,
	cache VerdictCache,
	promoter Promoter,
	cfg ClassificationConfig,
	logger *zap.Logger,
) *ClassificationService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.TaskBatch <= 0 {
		cfg.TaskBatch = 50
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = 4000
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 30 * time.Second
	}
	if cache == nil {
		cache = noCache{}
	}
	return &ClassificationService{
		store:    store,
		llm:      client,
		limiter:  limiter,
		cache:    cache,
		promoter: promoter,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Classify processes every scan of the batch concurrently. One scan's
// failure never affects another's outcome.
func (s *ClassificationService) Classify(ctx context.Context, req contracthttp.ClassifyRequest) (*BatchResult, error) {
	if len(req.ScanIDs) != len(req.UserIDs) {
		return nil, fmt.Errorf("scan_ids and user_ids differ in length: %d != %d", len(req.ScanIDs), len(req.UserIDs))
	}
	result := &BatchResult{Scans: make([]ScanOutcome, len(req.ScanIDs))}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range req.ScanIDs {
		g.Go(func() error {
			result.Scans[i] = s.classifyScan(ctx, req.ScanIDs[i], req.UserIDs[i])
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

func (s *ClassificationService) classifyScan(ctx context.Context, scanID, userID string) ScanOutcome {
	out := ScanOutcome{ScanID: scanID, UserID: userID}
	log := logger.WithTrace(ctx, s.logger).With(zap.String("scan_id", scanID))

	job, err := s.store.GetScan(ctx, scanID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.UserID = job.UserID
	out.Stage = job.Stage
	if job.Stage != model.StageAnalyzing {
		log.Info("Scan is not analyzing, nothing to classify", zap.String("stage", string(job.Stage)))
		return out
	}
	log = log.With(zap.String("user_id", job.UserID))

	counts, err := s.store.TaskCounts(ctx, scanID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	terminal := counts.Terminal()

loop:
	for {
		tasks, err := s.store.ListPendingTasks(ctx, scanID, s.cfg.TaskBatch)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		if len(tasks) == 0 {
			break
		}
		for _, pt := range tasks {
			switch s.classifyTask(ctx, log, job.UserID, pt) {
			case taskCompleted:
				out.Completed++
				terminal++
			case taskFailed:
				out.Failed++
				terminal++
			case taskLost:
				terminal++
			case taskDeferred:
				// 剩余任务保持 pending，由下一次派发或 watchdog 继续
				break loop
			}

			err := s.store.UpdateProgress(ctx, scanID, model.StageAnalyzing, analysisProgress(terminal, counts.Total()))
			if errors.Is(err, repository.ErrStageConflict) {
				log.Warn("Scan left analyzing during classification, stopping")
				return s.refreshOutcome(ctx, out)
			}
			if err != nil {
				out.Error = err.Error()
				return out
			}
		}
	}

	counts, err = s.store.TaskCounts(ctx, scanID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Positive = counts.Positive
	out.Deferred = counts.Pending
	if counts.Pending > 0 {
		log.Info("Classification paused with pending tasks", zap.Int("pending", counts.Pending))
		return out
	}

	err = finalizeScan(ctx, s.store, scanID, counts)
	if errors.Is(err, repository.ErrStageConflict) {
		return s.refreshOutcome(ctx, out)
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Finalized = true
	out.Stage = model.StageCompleted
	log.Info("Scan completed",
		zap.Int("processed", counts.Terminal()),
		zap.Int("subscriptions_found", counts.Positive),
		zap.Int("tasks_failed", counts.Failed),
	)

	if s.promoter != nil {
		if _, err := s.promoter.PromoteScan(ctx, scanID); err != nil {
			log.Warn("Inline promotion failed, sweeper will retry", zap.Error(err))
		}
	}
	return out
}

func (s *ClassificationService) refreshOutcome(ctx context.Context, out ScanOutcome) ScanOutcome {
	if job, err := s.store.GetScan(ctx, out.ScanID); err == nil {
		out.Stage = job.Stage
	}
	return out
}

func (s *ClassificationService) classifyTask(ctx context.Context, log *zap.Logger, userID string, pt model.PendingTask) taskResult {
	log = log.With(zap.Int64("task_id", pt.Task.ID))
	prompt := classify.BuildPrompt(pt.Email, s.cfg.MaxBodyChars)

	raw, hit := s.cache.Get(ctx, prompt)
	if !hit {
		if !s.acquire(ctx, userID) {
			metrics.IncrementTaskOutcome("deferred")
			log.Info("Rate limited, deferring task")
			return taskDeferred
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)
		var err error
		raw, err = s.llm.Complete(callCtx, classify.SystemPrompt, prompt)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return taskDeferred
			}
			if timedOut || errors.Is(err, context.DeadlineExceeded) {
				return s.failTask(ctx, log, pt, "", reasonLLMTimeout)
			}
			if retryable, kind := util.IsRetryableError(err); retryable {
				metrics.IncrementTaskOutcome("deferred")
				log.Warn("Transient LLM error, deferring task", zap.String("kind", kind), zap.Error(err))
				return taskDeferred
			}
			return s.failTask(ctx, log, pt, "", err.Error())
		}
	}

	v, err := classify.ParseVerdict(raw)
	if err != nil {
		return s.failTask(ctx, log, pt, raw, err.Error())
	}
	if !hit {
		s.cache.Set(ctx, prompt, raw)
	}

	if err := s.store.CompleteTask(ctx, pt.Task.ID, v); err != nil {
		if errors.Is(err, repository.ErrTaskConflict) {
			return taskLost
		}
		log.Error("Failed to record verdict", zap.Error(err))
		return taskDeferred
	}
	metrics.IncrementTaskOutcome("completed")
	return taskCompleted
}

// acquire asks the limiter for a slot, waiting up to MaxDeferWait.
func (s *ClassificationService) acquire(ctx context.Context, userID string) bool {
	key := fmt.Sprintf("llm:%s:%s", s.llm.Provider(), userID)
	if s.limiter.CanMakeRequest(key) {
		return true
	}
	metrics.IncrementRateLimited("llm")
	wait := s.limiter.TimeUntilReset(key)
	if wait > s.cfg.MaxDeferWait {
		return false
	}
	if err := s.sleep(ctx, wait); err != nil {
		return false
	}
	return s.limiter.CanMakeRequest(key)
}

func (s *ClassificationService) failTask(ctx context.Context, log *zap.Logger, pt model.PendingTask, raw, reason string) taskResult {
	log.Warn("Classification failed", zap.String("reason", reason))
	if err := s.store.FailTask(ctx, pt.Task.ID, raw, reason); err != nil {
		if errors.Is(err, repository.ErrTaskConflict) {
			return taskLost
		}
		log.Error("Failed to record task failure", zap.Error(err))
		return taskDeferred
	}
	metrics.IncrementTaskOutcome("failed")
	return taskFailed
}
