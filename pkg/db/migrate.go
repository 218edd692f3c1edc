package db

import (
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate 执行 migrations 目录下的 goose 迁移
func Migrate(pool *pgxpool.Pool) error {
	goose.SetLogger(&gooseLogger{})
	goose.SetBaseFS(migrationFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// gooseLogger implements goose.Logger on top of the global zap logger.
type gooseLogger struct{}

func (l *gooseLogger) Printf(format string, v ...interface{}) { zap.S().Infof(format, v...) }
func (l *gooseLogger) Fatalf(format string, v ...interface{}) { zap.S().Fatalf(format, v...) }
