package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"subscan/internal/app"
	"subscan/internal/config"
	"subscan/pkg/logger"
	"subscan/pkg/otel"
)

// loop 是一个定时任务
type loop struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("Starting subscan worker...")

	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("otel init failed", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, "worker")
	if err != nil {
		log.Fatal("failed to wire pipeline", zap.Error(err))
	}
	defer a.Close()

	loops := []loop{
		{name: "dispatch", interval: cfg.Schedule.Dispatch, run: func(ctx context.Context) error {
			_, err := a.Dispatcher.Run(ctx)
			return err
		}},
		{name: "sweep", interval: cfg.Schedule.Sweep, run: func(ctx context.Context) error {
			_, err := a.Sweeper.Run(ctx)
			return err
		}},
		{name: "watchdog", interval: cfg.Schedule.Watchdog, run: func(ctx context.Context) error {
			_, err := a.Watchdog.Run(ctx)
			return err
		}},
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		if l.interval <= 0 {
			log.Info("Loop disabled", zap.String("loop", l.name))
			continue
		}
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			runLoop(ctx, l, cfg.Schedule.Jitter, log)
		}(l)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Outbox.Start(ctx)
	}()

	log.Info("Worker running")
	<-ctx.Done()

	log.Info("Shutting down subscan worker gracefully...")
	wg.Wait()
	log.Info("subscan worker shutdown complete")
}

func runLoop(ctx context.Context, l loop, jitter time.Duration, log *zap.Logger) {
	log = log.With(zap.String("loop", l.name))
	log.Info("Loop started", zap.Duration("interval", l.interval), zap.Duration("jitter", jitter))

	ticker := jitterbug.New(l.interval, &jitterbug.Norm{Stdev: jitter})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Loop stopped")
			return
		case <-ticker.C:
		}

		start := time.Now()
		if err := l.run(ctx); err != nil {
			log.Error("Loop run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			continue
		}
		log.Debug("Loop run finished", zap.Duration("elapsed", time.Since(start)))
	}
}
