package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"subscan/internal/classify"
	"subscan/internal/mailbox"
	"subscan/internal/model"
	"subscan/internal/repository"
	"subscan/pkg/logger"
	"subscan/pkg/metrics"
	"subscan/pkg/util"
)

const previewChars = 200

// Mailbox is a token-scoped view of one user's mailbox.
type Mailbox interface {
	Probe(ctx context.Context) error
	Search(ctx context.Context, query string, max int) ([]string, error)
	Fetch(ctx context.Context, id string) (*mailbox.Message, error)
}

// MailboxOpener returns a Mailbox authenticated with token.
type MailboxOpener func(ctx context.Context, token string) (Mailbox, error)

// DefaultSearchQuery matches billing mail from the last year.
const DefaultSearchQuery = `newer_than:1y (subscription OR receipt OR invoice OR renewal OR "billing" OR "your plan" OR trial)`

type IngestionConfig struct {
	Query         string        `yaml:"query"`
	MaxResults    int           `yaml:"max_results"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// IngestionService pulls matching messages into EmailRecords and seeds one
// pending AnalysisTask per message.
type IngestionService struct {
	store    Store
	open     MailboxOpener
	dispatch DispatchTrigger
	cfg      IngestionConfig
	logger   *zap.Logger
}

func NewIngestionService(store Store, open MailboxOpener, dispatch DispatchTrigger, cfg IngestionConfig, logger *zap.Logger) *IngestionService {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.Query == "" {
		cfg.Query = DefaultSearchQuery
	}
	return &IngestionService{
		store:    store,
		open:     open,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger,
	}
}

// ingestProgress maps done of n messages onto [ProgressClaimed, ProgressIngested].
func ingestProgress(done, n int) int {
	if n <= 0 {
		return model.ProgressClaimed
	}
	p := model.ProgressClaimed + (model.ProgressIngested-model.ProgressClaimed)*done/n
	return min(max(p, model.ProgressClaimed), model.ProgressIngested)
}

// Run ingests scanID. accessToken is optional; without it the stored
// credential for the job's user is used. Losing the claim is not an error.
func (s *IngestionService) Run(ctx context.Context, scanID, accessToken string) (*IngestionResult, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("scan_id", scanID))
	result := &IngestionResult{ScanID: scanID}

	job, err := s.store.ClaimForIngestion(ctx, scanID)
	if errors.Is(err, repository.ErrStageConflict) {
		if current, err := s.store.GetScan(ctx, scanID); err == nil {
			result.Stage = current.Stage
		}
		log.Info("Ingestion not claimed, another invocation owns the scan", zap.String("stage", string(result.Stage)))
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Claimed = true
	result.Stage = job.Stage
	log = log.With(zap.String("user_id", job.UserID))

	token := accessToken
	if token == "" {
		token, err = s.store.AccessToken(ctx, job.UserID)
		if err != nil {
			return s.degrade(ctx, log, result, fmt.Sprintf("no usable mailbox credential: %v", err))
		}
	}

	mb, err := s.open(ctx, token)
	if err != nil {
		return s.degrade(ctx, log, result, fmt.Sprintf("mailbox client unavailable: %v", err))
	}
	if err := mb.Probe(ctx); err != nil {
		return s.degrade(ctx, log, result, fmt.Sprintf("mailbox token rejected: %v", err))
	}

	ids, err := mb.Search(ctx, s.cfg.Query, s.cfg.MaxResults)
	if err != nil {
		var statusErr *util.HTTPStatusError
		if !errors.As(err, &statusErr) {
			return s.fail(ctx, log, result, fmt.Errorf("mailbox search failed: %w", err))
		}
		// 非 2xx 视为空结果
		log.Warn("Mailbox search returned an error status, treating as empty", zap.Error(err))
		ids = nil
	}
	result.EmailsFound = len(ids)
	log.Info("Mailbox search finished", zap.Int("emails_found", len(ids)))

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome := s.ingestOne(ctx, mb, job, id)
		result.Items = append(result.Items, outcome)
		switch outcome.Status {
		case ItemStored:
			result.Stored++
		case ItemDuplicate:
			result.Duplicates++
		default:
			result.Skipped++
			log.Warn("Skipped mailbox message", zap.String("message_id", id), zap.String("reason", outcome.Error))
		}
		metrics.IncrementEmailIngested(outcome.Status)

		err := s.store.UpdateProgress(ctx, scanID, model.StageInProgress, ingestProgress(i+1, len(ids)))
		if errors.Is(err, repository.ErrStageConflict) {
			result.Superseded = true
			log.Warn("Scan moved on during ingestion, stopping")
			return result, nil
		}
		if err != nil {
			return s.fail(ctx, log, result, err)
		}
	}

	counts, err := s.store.TaskCounts(ctx, scanID)
	if err != nil {
		return s.fail(ctx, log, result, err)
	}

	err = s.store.Transition(ctx, scanID, model.StageInProgress, model.StageReadyForAnalysis, model.ScanUpdate{
		Progress:        model.IntPtr(model.ProgressIngested),
		EmailsFound:     model.IntPtr(len(ids)),
		EmailsToProcess: model.IntPtr(counts.Total()),
	})
	if errors.Is(err, repository.ErrStageConflict) {
		result.Superseded = true
		return result, nil
	}
	if err != nil {
		return s.fail(ctx, log, result, err)
	}
	result.Stage = model.StageReadyForAnalysis
	log.Info("Ingestion finished",
		zap.Int("stored", result.Stored),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("skipped", result.Skipped),
	)
	s.notifyDispatcher(ctx)
	return result, nil
}

func (s *IngestionService) ingestOne(ctx context.Context, mb Mailbox, job *model.ScanJob, id string) ItemOutcome {
	msg, err := mb.Fetch(ctx, id)
	if err != nil {
		return ItemOutcome{MessageID: id, Status: ItemSkipped, Error: err.Error()}
	}
	preview := msg.Snippet
	if preview == "" {
		preview = classify.Truncate(msg.Body, previewChars)
	}
	rec := &model.EmailRecord{
		ScanID:            job.ScanID,
		UserID:            job.UserID,
		ProviderMessageID: id,
		Subject:           msg.Subject,
		Sender:            msg.From,
		Date:              msg.Date,
		Content:           msg.Body,
		ContentPreview:    preview,
	}
	created, err := s.store.SaveEmailWithTask(ctx, rec)
	if err != nil {
		return ItemOutcome{MessageID: id, Status: ItemSkipped, Error: err.Error()}
	}
	if !created {
		return ItemOutcome{MessageID: id, Status: ItemDuplicate}
	}
	return ItemOutcome{MessageID: id, Status: ItemStored}
}

// degrade moves the job forward with zero emails so a broken token never
// strands it.
func (s *IngestionService) degrade(ctx context.Context, log *zap.Logger, result *IngestionResult, reason string) (*IngestionResult, error) {
	log.Warn("Degrading scan to zero emails", zap.String("reason", reason))
	err := s.store.Transition(ctx, result.ScanID, model.StageInProgress, model.StageReadyForAnalysis, model.ScanUpdate{
		Progress:        model.IntPtr(model.ProgressIngested),
		EmailsFound:     model.IntPtr(0),
		EmailsToProcess: model.IntPtr(0),
		Degraded:        model.BoolPtr(true),
		ErrorMessage:    model.StringPtr(reason),
	})
	if errors.Is(err, repository.ErrStageConflict) {
		result.Superseded = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Stage = model.StageReadyForAnalysis
	result.Degraded = true
	result.Error = reason
	s.notifyDispatcher(ctx)
	return result, nil
}

func (s *IngestionService) fail(ctx context.Context, log *zap.Logger, result *IngestionResult, cause error) (*IngestionResult, error) {
	log.Error("Ingestion failed", zap.Error(cause))
	result.Error = cause.Error()
	err := s.store.Transition(ctx, result.ScanID, model.StageInProgress, model.StageFailed, model.ScanUpdate{
		ErrorMessage: model.StringPtr(cause.Error()),
	})
	if err != nil && !errors.Is(err, repository.ErrStageConflict) {
		return result, fmt.Errorf("failed to record ingestion failure: %w (cause: %v)", err, cause)
	}
	if err == nil {
		result.Stage = model.StageFailed
	}
	return result, nil
}

func (s *IngestionService) notifyDispatcher(ctx context.Context) {
	if s.dispatch == nil {
		return
	}
	detach(ctx, s.logger, "dispatch", s.cfg.NotifyTimeout, s.dispatch.TriggerDispatch)
}
