package provisioner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/exla-ai/synv2/internal/secretbox"
	"github.com/exla-ai/synv2/internal/store"
)

func testBox(t *testing.T) *secretbox.Box {
	t.Helper()
	b, err := secretbox.New("test-master-secret")
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	return b
}

func TestDiskSizeGBHeuristic(t *testing.T) {
	cases := []struct {
		instanceType string
		want         int
	}{
		{"g5.xlarge", 200},
		{"p4d.24xlarge", 200},
		{"c6i.24xlarge", 500},
		{"c6i.12xlarge", 200},
		{"c6i.4xlarge", 100},
		{"c6i.xlarge", 50},
		{"m5.large", 50},
	}
	for _, c := range cases {
		if got := DiskSizeGB(c.instanceType); got != c.want {
			t.Errorf("DiskSizeGB(%q) = %d, want %d", c.instanceType, got, c.want)
		}
	}
}

// fakeProvider is an in-memory CloudProvider double for exercising
// WorkerProvisioner without a real cloud backend.
type fakeProvider struct {
	mu        sync.Mutex
	launched  []InstanceSpec
	state     string
	ip        string
	terminate []string
}

func (f *fakeProvider) LatestBaseImage(ctx context.Context, instanceType string) (string, error) {
	return "ami-test", nil
}

func (f *fakeProvider) Launch(ctx context.Context, spec InstanceSpec, imageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, spec)
	f.state = "running"
	f.ip = "10.0.0.5"
	return "i-fake-1", nil
}

func (f *fakeProvider) Describe(ctx context.Context, instanceID string) (InstanceDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return InstanceDescription{PrivateIP: f.ip, PublicIP: f.ip, State: f.state}, nil
}

func (f *fakeProvider) Stop(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = "stopped"
	return nil
}

func (f *fakeProvider) Start(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = "running"
	return nil
}

func (f *fakeProvider) ModifyType(ctx context.Context, instanceID, newType string) error {
	return nil
}

func (f *fakeProvider) Terminate(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminate = append(f.terminate, instanceID)
	f.state = "terminated"
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.CreateProject(context.Background(), "demo", "ct-llm", "ct-env", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProvisionRecordsWorkerAndLaunchesWithDiskHeuristic(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{}
	p := New(provider, st, testBox(t), testLogger())

	worker, token, err := p.Provision(context.Background(), "demo", "c6i.24xlarge", "us-east-1", "us-east-1a")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a non-empty worker token")
	}
	if worker.Status != store.WorkerProvisioning {
		t.Fatalf("expected new worker to start in provisioning, got %v", worker.Status)
	}
	if len(provider.launched) != 1 || provider.launched[0].DiskSizeGB != 500 {
		t.Fatalf("expected one launch with 500GB disk, got %+v", provider.launched)
	}
}

func TestTerminateMarksTerminatedEvenOnProviderError(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{}
	p := New(provider, st, testBox(t), testLogger())

	_, _, err := p.Provision(context.Background(), "demo", "m5.large", "us-east-1", "us-east-1a")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if err := p.Terminate(context.Background(), "i-fake-1"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	w, err := st.GetWorker(context.Background(), "i-fake-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.Status != store.WorkerTerminated {
		t.Fatalf("expected terminated status, got %v", w.Status)
	}
}
