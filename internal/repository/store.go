package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store bundles the Postgres repositories behind one value.
type Store struct {
	*ScanRepository
	*EmailRepository
	*TaskRepository
	*SubscriptionRepository
	*CredentialRepository
}

func NewStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		ScanRepository:         NewScanRepository(db, logger),
		EmailRepository:        NewEmailRepository(db, logger),
		TaskRepository:         NewTaskRepository(db, logger),
		SubscriptionRepository: NewSubscriptionRepository(db, logger),
		CredentialRepository:   NewCredentialRepository(db),
	}
}
