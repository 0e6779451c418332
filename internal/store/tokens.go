package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/exla-ai/synv2/internal/apierr"
)

// CreateOperatorToken hashes and persists a new operator bearer token.
// Called once at first start from a seed environment variable, or by an
// operator-rotation flow.
func (s *Store) CreateOperatorToken(ctx context.Context, plaintext, principal string) error {
	if principal == "" {
		principal = "operator"
	}
	hash := HashToken(plaintext)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token_hash, principal, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(token_hash) DO NOTHING;
	`, hash, principal)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "insert operator token")
	}
	return nil
}

// VerifyOperatorToken reports whether plaintext hashes to a known token.
func (s *Store) VerifyOperatorToken(ctx context.Context, plaintext string) (bool, error) {
	hash := HashToken(plaintext)
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT token_hash FROM tokens WHERE token_hash = ?;`, hash).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apierr.Wrap(apierr.KindFatalInit, err, "lookup operator token")
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1, nil
}

// HasAnyOperatorToken reports whether at least one token has been seeded,
// so startup can decide whether to consume the seed environment variable.
func (s *Store) HasAnyOperatorToken(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tokens;`).Scan(&count); err != nil {
		return false, apierr.Wrap(apierr.KindFatalInit, err, "count operator tokens")
	}
	return count > 0, nil
}

// NewOpaqueID generates a random opaque identifier suitable for a worker
// instance id in local-dev / test configurations where no cloud provider
// assigns one.
func NewOpaqueID(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", apierr.Wrap(apierr.KindFatalInit, err, "generating opaque id")
	}
	return prefix + "-" + hex.EncodeToString(buf), nil
}
