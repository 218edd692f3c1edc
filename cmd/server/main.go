package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"subscan/internal/app"
	"subscan/internal/config"
	"subscan/internal/httpserver"
	"subscan/pkg/logger"
	"subscan/pkg/otel"
)

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

	log.Info("Starting subscan server...", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))

	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("otel init failed", zap.Error(err))
	}
	defer shutdownTracing()

	// 收到 SIGINT/SIGTERM 后 ctx 结束，HTTP server 和 outbox 一起退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, "server")
	if err != nil {
		log.Fatal("failed to wire pipeline", zap.Error(err))
	}
	defer a.Close()

	go a.Outbox.Start(ctx)

	srv := httpserver.NewServer(cfg.Server.Port, a.Router, cfg.Server.ShutdownTimeout, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return
	}

	log.Info("subscan server shutdown complete")
}
