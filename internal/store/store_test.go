package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/exla-ai/synv2/internal/apierr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "fleet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateProjectAndConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "acme", "ct-llm", "ct-env", []string{"filesystem"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Status != ProjectCreating {
		t.Fatalf("expected creating status, got %s", p.Status)
	}

	_, err = s.CreateProject(ctx, "acme", "ct-llm", "ct-env", nil)
	if !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected ConflictError on duplicate name, got %v", err)
	}
}

func TestDeleteProjectCascadesSecretsAndWorker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "acme", "ct", "ct", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.UpsertSecret(ctx, "acme", "OPENAI_API_KEY", "ct-secret"); err != nil {
		t.Fatalf("UpsertSecret: %v", err)
	}
	if _, _, err := s.CreateWorker(ctx, "i-1", "acme", "m5.large", "us-east-1", "us-east-1a"); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	if err := s.DeleteProject(ctx, "acme"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}

	if _, err := s.GetSecret(ctx, "acme", "OPENAI_API_KEY"); !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected secret gone after cascade, got %v", err)
	}
	if _, err := s.GetWorker(ctx, "i-1"); !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected worker gone after cascade, got %v", err)
	}
}

func TestUpsertSecretUpdatesExistingValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "acme", "ct", "ct", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	if err := s.UpsertSecret(ctx, "acme", "KEY", "v1"); err != nil {
		t.Fatalf("UpsertSecret v1: %v", err)
	}
	if err := s.UpsertSecret(ctx, "acme", "KEY", "v2"); err != nil {
		t.Fatalf("UpsertSecret v2: %v", err)
	}

	sec, err := s.GetSecret(ctx, "acme", "KEY")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if sec.ValueCiphertext != "v2" {
		t.Fatalf("expected upsert to replace value, got %q", sec.ValueCiphertext)
	}
}

func TestUpsertSecretMissingProjectNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.UpsertSecret(ctx, "ghost", "KEY", "v1")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestWorkerUniquePerProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "acme", "ct", "ct", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, _, err := s.CreateWorker(ctx, "i-1", "acme", "m5.large", "us-east-1", "us-east-1a"); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if _, _, err := s.CreateWorker(ctx, "i-2", "acme", "m5.large", "us-east-1", "us-east-1a"); !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected ConflictError for second worker on same project, got %v", err)
	}
}

func TestVerifyWorkerToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "acme", "ct", "ct", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	_, plaintext, err := s.CreateWorker(ctx, "i-1", "acme", "m5.large", "us-east-1", "us-east-1a")
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	ok, err := s.VerifyWorkerToken(ctx, "i-1", plaintext)
	if err != nil || !ok {
		t.Fatalf("expected valid token to verify, ok=%v err=%v", ok, err)
	}
	ok, err = s.VerifyWorkerToken(ctx, "i-1", "wrong-token")
	if err != nil || ok {
		t.Fatalf("expected wrong token to fail verification, ok=%v err=%v", ok, err)
	}
}

func TestOperatorTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasAnyOperatorToken(ctx)
	if err != nil {
		t.Fatalf("HasAnyOperatorToken: %v", err)
	}
	if has {
		t.Fatalf("expected no tokens on a fresh store")
	}

	if err := s.CreateOperatorToken(ctx, "seed-token-value", ""); err != nil {
		t.Fatalf("CreateOperatorToken: %v", err)
	}
	ok, err := s.VerifyOperatorToken(ctx, "seed-token-value")
	if err != nil || !ok {
		t.Fatalf("expected seeded token to verify, ok=%v err=%v", ok, err)
	}
	ok, err = s.VerifyOperatorToken(ctx, "not-the-token")
	if err != nil || ok {
		t.Fatalf("expected unknown token to fail verification, ok=%v err=%v", ok, err)
	}
}
