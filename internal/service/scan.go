package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"subscan/internal/model"
	"subscan/pkg/logger"
)

// ScanService starts scans and serves their status to pollers.
type ScanService struct {
	store         Store
	ingest        IngestTrigger
	notifyTimeout time.Duration
	logger        *zap.Logger
}

func NewScanService(store Store, ingest IngestTrigger, notifyTimeout time.Duration, logger *zap.Logger) *ScanService {
	return &ScanService{
		store:         store,
		ingest:        ingest,
		notifyTimeout: notifyTimeout,
		logger:        logger,
	}
}

// Create inserts a pending scan and kicks ingestion without waiting.
func (s *ScanService) Create(ctx context.Context, userID string) (*model.ScanJob, error) {
	job, err := s.store.CreateScan(ctx, userID)
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Scan created", zap.String("scan_id", job.ScanID), zap.String("user_id", userID))
	if s.ingest != nil {
		scanID := job.ScanID
		detach(ctx, s.logger, "ingest", s.notifyTimeout, func(ctx context.Context) error {
			return s.ingest.TriggerIngest(ctx, scanID)
		})
	}
	return job, nil
}

func (s *ScanService) Get(ctx context.Context, scanID string) (*model.ScanJob, error) {
	return s.store.GetScan(ctx, scanID)
}
