package main

import (
	"go.uber.org/zap"

	"subscan/internal/config"
	"subscan/pkg/db"
	"subscan/pkg/logger"
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

	if cfg.Store.Driver != config.StorePostgres {
		log.Fatal("migrations need store.driver=postgres", zap.String("driver", cfg.Store.Driver))
	}

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(pool); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("migrations applied", zap.String("db", cfg.DB.Name))
}
