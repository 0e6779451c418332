package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

// Secret is a row in the secrets table, keyed by (project, key). Value is
// stored as secretbox ciphertext only.
type Secret struct {
	ProjectName     string    `json:"project_name"`
	Key             string    `json:"key"`
	ValueCiphertext string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UpsertSecret inserts or replaces a secret value for a project.
func (s *Store) UpsertSecret(ctx context.Context, projectName, key, valueCiphertext string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO secrets (project_name, key, value_ciphertext, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(project_name, key) DO UPDATE SET
				value_ciphertext = excluded.value_ciphertext,
				updated_at = CURRENT_TIMESTAMP;
		`, projectName, key, valueCiphertext)
		return err
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return apierr.NotFoundf("project %q not found", projectName)
		}
		return apierr.Wrap(apierr.KindFatalInit, err, "upsert secret")
	}
	return nil
}

// GetSecret fetches one secret's ciphertext. Returns NotFoundError if absent.
func (s *Store) GetSecret(ctx context.Context, projectName, key string) (*Secret, error) {
	var sec Secret
	err := s.db.QueryRowContext(ctx, `
		SELECT project_name, key, value_ciphertext, created_at, updated_at
		FROM secrets WHERE project_name = ? AND key = ?;
	`, projectName, key).Scan(&sec.ProjectName, &sec.Key, &sec.ValueCiphertext, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFoundf("secret %q not found for project %q", key, projectName)
		}
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "get secret")
	}
	return &sec, nil
}

// ListSecrets returns every secret row (including ciphertext) for a
// project, for ContainerManager's env-composition pass. Callers decrypt.
func (s *Store) ListSecrets(ctx context.Context, projectName string) ([]*Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_name, key, value_ciphertext, created_at, updated_at
		FROM secrets WHERE project_name = ? ORDER BY key ASC;
	`, projectName)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "list secrets")
	}
	defer rows.Close()

	var out []*Secret
	for rows.Next() {
		var sec Secret
		if err := rows.Scan(&sec.ProjectName, &sec.Key, &sec.ValueCiphertext, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, apierr.Wrap(apierr.KindFatalInit, err, "scan secret")
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}

// ListSecretKeys returns every secret key (never the ciphertext) for a
// project, so ControlAPI can report which secrets exist without touching
// SecretBox.
func (s *Store) ListSecretKeys(ctx context.Context, projectName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM secrets WHERE project_name = ? ORDER BY key ASC;
	`, projectName)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "list secret keys")
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, apierr.Wrap(apierr.KindFatalInit, err, "scan secret key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteSecret removes one secret. Returns NotFoundError if absent.
func (s *Store) DeleteSecret(ctx context.Context, projectName, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE project_name = ? AND key = ?;`, projectName, key)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "delete secret")
	}
	return requireOneRowAffected(res, "secret %q not found for project %q", key, projectName)
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
