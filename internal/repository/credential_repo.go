package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialRepository reads mailbox access tokens stored by the OAuth
// collaborator. It never writes them.
type CredentialRepository struct {
	db *pgxpool.Pool
}

func NewCredentialRepository(db *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// AccessToken returns the user's unexpired mailbox token or ErrNotFound.
func (r *CredentialRepository) AccessToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := r.db.QueryRow(ctx, `
        SELECT access_token FROM mail_credentials
        WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
    `, userID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load access token: %w", err)
	}
	return token, nil
}
