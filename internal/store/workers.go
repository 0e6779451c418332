package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

// WorkerStatus is the lifecycle state of a Worker instance.
type WorkerStatus string

const (
	WorkerProvisioning  WorkerStatus = "provisioning"
	WorkerBootstrapping WorkerStatus = "bootstrapping"
	WorkerReady         WorkerStatus = "ready"
	WorkerStopping      WorkerStatus = "stopping"
	WorkerTerminated    WorkerStatus = "terminated"
	WorkerError         WorkerStatus = "error"
)

// Worker is a row in the workers table. WorkerTokenHash is the SHA-256 hash
// of the bearer token the worker presents to the control plane; the
// plaintext is returned once, at creation, and never stored.
type Worker struct {
	InstanceID       string       `json:"instance_id"`
	ProjectName      string       `json:"project_name"`
	InstanceType     string       `json:"instance_type"`
	Region           string       `json:"region"`
	AvailabilityZone string       `json:"availability_zone"`
	PrivateIP        string       `json:"private_ip"`
	PublicIP         string       `json:"public_ip"`
	Status           WorkerStatus `json:"status"`
	WorkerTokenHash  string       `json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
	LastHeartbeat    *time.Time   `json:"last_heartbeat,omitempty"`
}

// CreateWorker inserts a new worker row for a project, generating and
// returning a fresh bearer token. A project may have at most one
// non-terminated worker; callers should DetachWorker/terminate the prior
// one before calling this.
func (s *Store) CreateWorker(ctx context.Context, instanceID, projectName, instanceType, region, az string) (*Worker, string, error) {
	plaintext, err := NewWorkerToken()
	if err != nil {
		return nil, "", err
	}
	tokenHash := HashToken(plaintext)

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workers (instance_id, project_name, instance_type, region, availability_zone, status, worker_token_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, instanceID, projectName, instanceType, region, az, WorkerProvisioning, tokenHash)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, "", apierr.Conflictf("project %q already has a worker", projectName)
		}
		if isForeignKeyViolation(err) {
			return nil, "", apierr.NotFoundf("project %q not found", projectName)
		}
		return nil, "", apierr.Wrap(apierr.KindFatalInit, err, "insert worker")
	}

	w, err := s.GetWorker(ctx, instanceID)
	if err != nil {
		return nil, "", err
	}
	return w, plaintext, nil
}

// GetWorker fetches a worker by instance id.
func (s *Store) GetWorker(ctx context.Context, instanceID string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, project_name, instance_type, region, availability_zone, private_ip, public_ip,
			status, worker_token_hash, created_at, last_heartbeat
		FROM workers WHERE instance_id = ?;
	`, instanceID)
	return scanWorker(row)
}

// GetWorkerByProject fetches the worker owning a project, if any.
func (s *Store) GetWorkerByProject(ctx context.Context, projectName string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, project_name, instance_type, region, availability_zone, private_ip, public_ip,
			status, worker_token_hash, created_at, last_heartbeat
		FROM workers WHERE project_name = ?;
	`, projectName)
	return scanWorker(row)
}

// ListWorkers returns every worker row.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, project_name, instance_type, region, availability_zone, private_ip, public_ip,
			status, worker_token_hash, created_at, last_heartbeat
		FROM workers ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "list workers")
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkerStatus sets a worker's status.
func (s *Store) UpdateWorkerStatus(ctx context.Context, instanceID string, status WorkerStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status = ? WHERE instance_id = ?;`, status, instanceID)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "update worker status")
	}
	return requireOneRowAffected(res, "worker %q not found", instanceID)
}

// UpdateWorkerNetwork records a worker's addresses once it has booted.
func (s *Store) UpdateWorkerNetwork(ctx context.Context, instanceID, privateIP, publicIP string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET private_ip = ?, public_ip = ? WHERE instance_id = ?;
	`, privateIP, publicIP, instanceID)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "update worker network")
	}
	return requireOneRowAffected(res, "worker %q not found", instanceID)
}

// RecordHeartbeat stamps last_heartbeat with now.
func (s *Store) RecordHeartbeat(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = CURRENT_TIMESTAMP WHERE instance_id = ?;
	`, instanceID)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "record heartbeat")
	}
	return requireOneRowAffected(res, "worker %q not found", instanceID)
}

// StaleWorkers returns ready workers whose last_heartbeat is older than
// olderThan, for the fleet-health sweep to flag.
func (s *Store) StaleWorkers(ctx context.Context, olderThan time.Duration) ([]*Worker, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, project_name, instance_type, region, availability_zone, private_ip, public_ip,
			status, worker_token_hash, created_at, last_heartbeat
		FROM workers WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?);
	`, WorkerReady, cutoff)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "query stale workers")
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorker removes a worker row, e.g. after termination completes.
func (s *Store) DeleteWorker(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE instance_id = ?;`, instanceID)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "delete worker")
	}
	return requireOneRowAffected(res, "worker %q not found", instanceID)
}

// VerifyWorkerToken checks plaintext against the stored hash for instanceID
// using a constant-time comparison.
func (s *Store) VerifyWorkerToken(ctx context.Context, instanceID, plaintext string) (bool, error) {
	w, err := s.GetWorker(ctx, instanceID)
	if err != nil {
		return false, err
	}
	want := HashToken(plaintext)
	return subtle.ConstantTimeCompare([]byte(want), []byte(w.WorkerTokenHash)) == 1, nil
}

// HashToken computes the SHA-256 hash stored in place of a bearer token.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&w.InstanceID, &w.ProjectName, &w.InstanceType, &w.Region, &w.AvailabilityZone,
		&w.PrivateIP, &w.PublicIP, &w.Status, &w.WorkerTokenHash, &w.CreatedAt, &lastHeartbeat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFoundf("worker not found")
		}
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "scan worker")
	}
	if lastHeartbeat.Valid {
		w.LastHeartbeat = &lastHeartbeat.Time
	}
	return &w, nil
}
