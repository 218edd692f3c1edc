package app

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"subscan/internal/config"
	"subscan/internal/httpserver"
	"subscan/internal/llm"
	"subscan/internal/mailbox"
	"subscan/internal/service"
	"subscan/pkg/auth"
	"subscan/pkg/circuitbreaker"
	"subscan/pkg/outbox"
	"subscan/pkg/ratelimit"
	"subscan/pkg/util"
)

// App is the wired pipeline shared by cmd/server and cmd/worker.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Backend    *Backend
	Router     *gin.Engine
	Scans      *service.ScanService
	Ingestion  *service.IngestionService
	Dispatcher *service.DispatcherService
	Classifier *service.ClassificationService
	Sweeper    *service.SweeperService
	Watchdog   *service.WatchdogService
	Outbox     *outbox.Dispatcher

	closers *closers
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	a.closers.run()
}

// Build wires every component from cfg. component names the binary in
// service tokens it issues.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, component string) (*App, error) {
	c, err := BuildContainer(ctx, cfg, log, component)
	if err != nil {
		return nil, err
	}
	var a *App
	if err := c.Invoke(func(app *App) { a = app }); err != nil {
		return nil, err
	}
	return a, nil
}

type appParams struct {
	dig.In

	Config     *config.Config
	Logger     *zap.Logger
	Backend    *Backend
	Router     *gin.Engine
	Scans      *service.ScanService
	Ingestion  *service.IngestionService
	Dispatcher *service.DispatcherService
	Classifier *service.ClassificationService
	Sweeper    *service.SweeperService
	Watchdog   *service.WatchdogService
	Outbox     *outbox.Dispatcher
	Closers    *closers
}

// BuildContainer registers every constructor. HTTP collaborators are used
// where services.*_url is set, in-process calls otherwise.
func BuildContainer(ctx context.Context, cfg *config.Config, log *zap.Logger, component string) (*dig.Container, error) {
	container := dig.New()

	providers := []interface{}{
		func() *config.Config { return cfg },
		func() *zap.Logger { return log },
		func() *closers { return &closers{} },
		newBackend,
		newRedis,
		newPublisher,
		func(b *Backend) service.Store { return b.Store },

		// Register auth and the trigger client
		func(cfg *config.Config) *auth.Signer {
			return auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TTL)
		},
		func(cfg *config.Config, signer *auth.Signer, log *zap.Logger) *service.TriggerClient {
			cb := circuitbreaker.NewCircuitBreaker("triggers", cfg.Services.Breaker)
			return service.NewTriggerClient(cfg.Services.Timeout, signer, component, cb, log)
		},
		func(cfg *config.Config, log *zap.Logger) *service.InProcess {
			return service.NewInProcess(cfg.Services.RunTimeout, log)
		},

		// Register redis-backed helpers
		func(rdb *redis.Client, cfg *config.Config, log *zap.Logger) *util.Deduper {
			return util.NewDeduper(rdb, cfg.Sweeper.DedupTTL, log)
		},
		func(rdb *redis.Client, client llm.Client, cfg *config.Config, log *zap.Logger) service.VerdictCache {
			if rdb == nil {
				return nil
			}
			return service.NewRedisVerdictCache(rdb, client.Provider(), cfg.LLM.Model, cfg.Classification.CacheTTL, log)
		},

		// Register providers
		func(cfg *config.Config, log *zap.Logger) (llm.Client, error) {
			return llm.New(ctx, cfg.LLM, log)
		},
		func(cfg *config.Config) *ratelimit.Limiter {
			return ratelimit.New(cfg.Classification.RateLimit.Max, cfg.Classification.RateLimit.Window)
		},
		func(cfg *config.Config, log *zap.Logger) service.MailboxOpener {
			dialer := mailbox.NewDialer(cfg.Mailbox, log)
			return func(ctx context.Context, token string) (service.Mailbox, error) {
				client, err := dialer.Open(ctx, token)
				if err != nil {
					return nil, err
				}
				return client, nil
			}
		},

		// Register pipeline services
		func(store service.Store, dedup *util.Deduper, cfg *config.Config, log *zap.Logger) *service.SweeperService {
			return service.NewSweeperService(store, dedup, cfg.Sweeper, log)
		},
		func(store service.Store, client llm.Client, limiter *ratelimit.Limiter, cache service.VerdictCache,
			sweeper *service.SweeperService, cfg *config.Config, log *zap.Logger) *service.ClassificationService {
			return service.NewClassificationService(store, client, limiter, cache, sweeper, cfg.Classification.ClassificationConfig, log)
		},
		func(cfg *config.Config, tc *service.TriggerClient, local *service.InProcess, classifier *service.ClassificationService) service.Submitter {
			if cfg.Services.ClassifyURL != "" {
				return service.NewHTTPSubmitter(tc, cfg.Services.ClassifyURL)
			}
			return local.Submitter(classifier)
		},
		func(store service.Store, submitter service.Submitter, cfg *config.Config, log *zap.Logger) *service.DispatcherService {
			return service.NewDispatcherService(store, submitter, cfg.Dispatch, log)
		},
		func(cfg *config.Config, tc *service.TriggerClient, local *service.InProcess, dispatcher *service.DispatcherService) service.DispatchTrigger {
			if cfg.Services.DispatchURL != "" {
				return service.NewHTTPDispatchTrigger(tc, cfg.Services.DispatchURL)
			}
			return local.DispatchTrigger(dispatcher)
		},
		func(store service.Store, open service.MailboxOpener, dispatch service.DispatchTrigger, cfg *config.Config, log *zap.Logger) *service.IngestionService {
			return service.NewIngestionService(store, open, dispatch, cfg.Ingestion, log)
		},
		func(cfg *config.Config, tc *service.TriggerClient, local *service.InProcess, ingestion *service.IngestionService) service.IngestTrigger {
			if cfg.Services.IngestURL != "" {
				return service.NewHTTPIngestTrigger(tc, cfg.Services.IngestURL)
			}
			return local.IngestTrigger(ingestion)
		},
		func(store service.Store, ingest service.IngestTrigger, dispatch service.DispatchTrigger, submitter service.Submitter,
			cfg *config.Config, log *zap.Logger) *service.WatchdogService {
			return service.NewWatchdogService(store, ingest, dispatch, submitter, cfg.Watchdog, log)
		},
		func(store service.Store, ingest service.IngestTrigger, cfg *config.Config, log *zap.Logger) *service.ScanService {
			return service.NewScanService(store, ingest, cfg.Ingestion.NotifyTimeout, log)
		},

		// Register outbox dispatcher
		func(b *Backend, pub outbox.Publisher, cfg *config.Config, log *zap.Logger) *outbox.Dispatcher {
			return outbox.NewDispatcher(b.Outbox, pub, log).
				WithInterval(cfg.Outbox.Interval).
				WithBatchSize(cfg.Outbox.BatchSize).
				WithMaxRetries(cfg.Outbox.MaxRetries)
		},

		// Register HTTP surface
		func(scans *service.ScanService, ingestion *service.IngestionService, dispatcher *service.DispatcherService,
			classifier *service.ClassificationService, sweeper *service.SweeperService, watchdog *service.WatchdogService,
			b *Backend, cfg *config.Config, log *zap.Logger) *httpserver.Handler {
			return httpserver.NewHandler(scans, ingestion, dispatcher, classifier, sweeper, watchdog, b.Outbox, cfg.Services.RunTimeout, log)
		},
		func(h *httpserver.Handler, signer *auth.Signer, b *Backend, log *zap.Logger) *gin.Engine {
			return httpserver.NewRouter(h, signer, b.Ready, log)
		},

		func(p appParams) *App {
			return &App{
				Config:     p.Config,
				Logger:     p.Logger,
				Backend:    p.Backend,
				Router:     p.Router,
				Scans:      p.Scans,
				Ingestion:  p.Ingestion,
				Dispatcher: p.Dispatcher,
				Classifier: p.Classifier,
				Sweeper:    p.Sweeper,
				Watchdog:   p.Watchdog,
				Outbox:     p.Outbox,
				closers:    p.Closers,
			}
		},
	}

	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return nil, err
		}
	}
	return container, nil
}
