package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
)

// InProcess wires triggers to services running in this process. Every
// trigger returns as soon as the work is started; the work itself runs on a
// detached context bounded by budget, not by the caller's deadline.
type InProcess struct {
	budget time.Duration
	logger *zap.Logger
}

func NewInProcess(budget time.Duration, logger *zap.Logger) *InProcess {
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	return &InProcess{budget: budget, logger: logger}
}

// Submitter starts a classification batch.
func (p *InProcess) Submitter(classifier *ClassificationService) Submitter {
	return SubmitFunc(func(ctx context.Context, req contracthttp.ClassifyRequest) error {
		detach(ctx, p.logger, "classify", p.budget, func(ctx context.Context) error {
			_, err := classifier.Classify(ctx, req)
			return err
		})
		return nil
	})
}

// IngestTrigger starts ingestion for one scan with the stored credential.
func (p *InProcess) IngestTrigger(ingestion *IngestionService) IngestTrigger {
	return IngestTriggerFunc(func(ctx context.Context, scanID string) error {
		detach(ctx, p.logger, "ingest", p.budget, func(ctx context.Context) error {
			_, err := ingestion.Run(ctx, scanID, "")
			return err
		})
		return nil
	})
}

// DispatchTrigger starts one dispatcher pass.
func (p *InProcess) DispatchTrigger(dispatcher *DispatcherService) DispatchTrigger {
	return DispatchTriggerFunc(func(ctx context.Context) error {
		detach(ctx, p.logger, "dispatch", p.budget, func(ctx context.Context) error {
			_, err := dispatcher.Run(ctx)
			return err
		})
		return nil
	})
}
