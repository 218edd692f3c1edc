package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"subscan/internal/model"
	"subscan/internal/normalize"
	"subscan/pkg/logger"
	"subscan/pkg/metrics"
	"subscan/pkg/util"
)

const dedupScopeSweep = "sweep"

type SweeperConfig struct {
	BatchSize int           `yaml:"batch_size"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`
}

// SweeperService promotes positive verdicts into Subscriptions, at most one
// auto-detected Subscription per user and normalized name.
type SweeperService struct {
	store  Store
	dedup  *util.Deduper
	cfg    SweeperConfig
	logger *zap.Logger
}

func NewSweeperService(store Store, dedup *util.Deduper, cfg SweeperConfig, logger *zap.Logger) *SweeperService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &SweeperService{
		store:  store,
		dedup:  dedup,
		cfg:    cfg,
		logger: logger,
	}
}

type promotion int

const (
	promotedInserted promotion = iota
	promotedDuplicate
	promotedSkipped
	promotionBusy
	promotionError
)

// Run examines promotable tasks across all scans.
func (s *SweeperService) Run(ctx context.Context) (*SweepSummary, error) {
	return s.sweep(ctx, "")
}

// PromoteScan examines the promotable tasks of one scan.
func (s *SweeperService) PromoteScan(ctx context.Context, scanID string) (*SweepSummary, error) {
	return s.sweep(ctx, scanID)
}

func (s *SweeperService) sweep(ctx context.Context, scanID string) (*SweepSummary, error) {
	log := logger.WithTrace(ctx, s.logger)
	summary := &SweepSummary{}
	known := map[string][]string{}

	for {
		tasks, err := s.store.ListPromotable(ctx, scanID, s.cfg.BatchSize)
		if err != nil {
			return summary, err
		}
		if len(tasks) == 0 {
			break
		}
		progressed := 0
		for _, task := range tasks {
			p := s.promote(ctx, log, task, known)
			switch p {
			case promotedInserted:
				summary.Inserted++
			case promotedDuplicate:
				summary.Duplicates++
			case promotedSkipped:
				summary.Skipped++
			case promotionError:
				summary.Errors++
			}
			if p != promotionBusy && p != promotionError {
				summary.Examined++
				progressed++
			}
		}
		// 剩余任务被其他 sweeper 占用或出错，下次再处理
		if progressed < len(tasks) {
			break
		}
	}

	if summary.Examined > 0 {
		log.Info("Sweep finished",
			zap.String("scan_id", scanID),
			zap.Int("examined", summary.Examined),
			zap.Int("inserted", summary.Inserted),
			zap.Int("duplicates", summary.Duplicates),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}

func (s *SweeperService) promote(ctx context.Context, log *zap.Logger, task model.AnalysisTask, known map[string][]string) promotion {
	log = log.With(zap.Int64("task_id", task.ID), zap.String("user_id", task.UserID))
	if !s.dedup.AcquireOnce(ctx, dedupScopeSweep, task.ID) {
		return promotionBusy
	}

	name := ""
	if task.SubscriptionName != nil {
		name = strings.TrimSpace(*task.SubscriptionName)
	}
	key := normalize.Name(name)
	if key == "" {
		return s.markExamined(ctx, log, task, promotedSkipped)
	}

	existing, ok := known[task.UserID]
	if !ok {
		subs, err := s.store.ListSubscriptionsByUser(ctx, task.UserID)
		if err != nil {
			log.Error("Failed to load subscriptions", zap.Error(err))
			s.dedup.Release(ctx, dedupScopeSweep, task.ID)
			return promotionError
		}
		for _, sub := range subs {
			k := sub.NormalizedName
			if k == "" {
				k = normalize.Name(sub.Name)
			}
			existing = append(existing, k)
		}
		known[task.UserID] = existing
	}
	for _, k := range existing {
		if normalize.Matches(k, key) {
			return s.markExamined(ctx, log, task, promotedDuplicate)
		}
	}

	sub := &model.Subscription{
		UserID:         task.UserID,
		Name:           name,
		NormalizedName: key,
		Price:          task.Price,
		Currency:       task.Currency,
		BillingCycle:   task.BillingCycle,
		Category:       model.CategoryOther,
	}
	inserted, err := s.store.InsertAutoSubscription(ctx, sub, task)
	if err != nil {
		s.dedup.Release(ctx, dedupScopeSweep, task.ID)
		metrics.IncrementPromotion("error")
		return promotionError
	}
	known[task.UserID] = append(known[task.UserID], key)
	if !inserted {
		metrics.IncrementPromotion("duplicate")
		return promotedDuplicate
	}
	metrics.IncrementPromotion("inserted")
	log.Info("Promoted subscription", zap.String("name", name), zap.Int64("subscription_id", sub.ID))
	return promotedInserted
}

func (s *SweeperService) markExamined(ctx context.Context, log *zap.Logger, task model.AnalysisTask, p promotion) promotion {
	if err := s.store.MarkTaskPromoted(ctx, task.ID); err != nil {
		log.Error("Failed to mark task promoted", zap.Error(err))
		s.dedup.Release(ctx, dedupScopeSweep, task.ID)
		return promotionError
	}
	if p == promotedDuplicate {
		metrics.IncrementPromotion("duplicate")
	} else {
		metrics.IncrementPromotion("skipped")
	}
	return p
}
