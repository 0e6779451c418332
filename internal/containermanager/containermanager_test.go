package containermanager

import (
	"context"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/exla-ai/synv2/internal/sandbox"
	"github.com/exla-ai/synv2/internal/secretbox"
	"github.com/exla-ai/synv2/internal/store"
	"github.com/exla-ai/synv2/internal/workeragent"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "fleet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testBox(t *testing.T) *secretbox.Box {
	t.Helper()
	b, err := secretbox.New("test-master-secret")
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	return b
}

func TestRouteForNoWorkerIsLocal(t *testing.T) {
	st := openTestStore(t)
	box := testBox(t)
	m := New(st, box, sandbox.NewFake("10.0.0.1"), Defaults{}, nil)

	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "proj", "ct", "", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	remote, err := m.IsRemote(ctx, "proj")
	if err != nil {
		t.Fatalf("IsRemote: %v", err)
	}
	if remote {
		t.Fatalf("expected local routing with no worker row")
	}
}

func TestRouteForReadyWorkerIsRemote(t *testing.T) {
	st := openTestStore(t)
	box := testBox(t)
	m := New(st, box, nil, Defaults{}, nil)

	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "proj", "ct", "", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, _, err := st.CreateWorker(ctx, "i-1", "proj", "c6i.xlarge", "us-east-1", "us-east-1a"); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	remote, err := m.IsRemote(ctx, "proj")
	if err != nil {
		t.Fatalf("IsRemote: %v", err)
	}
	if remote {
		t.Fatalf("expected local routing while worker is still provisioning")
	}

	if err := st.UpdateWorkerStatus(ctx, "i-1", store.WorkerReady); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}
	remote, err = m.IsRemote(ctx, "proj")
	if err != nil {
		t.Fatalf("IsRemote: %v", err)
	}
	if !remote {
		t.Fatalf("expected remote routing once worker is ready")
	}
}

func TestComposeEnvMergesSecretsAndExtraEnv(t *testing.T) {
	st := openTestStore(t)
	box := testBox(t)
	m := New(st, box, sandbox.NewFake("10.0.0.1"), Defaults{CPUs: 2, MemoryMB: 2048, HostCPUs: 4, HostMemoryMB: 8192}, nil)
	ctx := context.Background()

	llmCt, err := box.Seal([]byte("sk-test-key"))
	if err != nil {
		t.Fatalf("seal llm key: %v", err)
	}
	extraCt, err := box.Seal([]byte(`{"FOO":"bar"}`))
	if err != nil {
		t.Fatalf("seal extra env: %v", err)
	}

	project, err := st.CreateProject(ctx, "proj", llmCt, extraCt, []string{"filesystem"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	secretCt, err := box.Seal([]byte("secret-value"))
	if err != nil {
		t.Fatalf("seal secret: %v", err)
	}
	if err := st.UpsertSecret(ctx, "proj", "MY_SECRET", secretCt); err != nil {
		t.Fatalf("UpsertSecret: %v", err)
	}

	env, err := m.ComposeEnv(ctx, project, route{remote: false})
	if err != nil {
		t.Fatalf("ComposeEnv: %v", err)
	}
	if env["LLM_API_KEY"] != "sk-test-key" {
		t.Fatalf("expected decrypted LLM key, got %q", env["LLM_API_KEY"])
	}
	if env["MY_SECRET"] != "secret-value" {
		t.Fatalf("expected decrypted secret merged, got %q", env["MY_SECRET"])
	}
	if env["FOO"] != "bar" {
		t.Fatalf("expected decrypted extra-env merged, got %q", env["FOO"])
	}
	if env["PROJECT_NAME"] != "proj" {
		t.Fatalf("expected project name in env, got %q", env["PROJECT_NAME"])
	}
	if env["WORKSPACE"] == "" {
		t.Fatalf("expected a fixed workspace path")
	}
	if env["HOST_CPUS"] != "4" || env["HOST_MEMORY_MB"] != "8192" {
		t.Fatalf("expected local host capability reflected, got cpus=%q mem=%q", env["HOST_CPUS"], env["HOST_MEMORY_MB"])
	}
}

func TestExecRoutesToLocalSandbox(t *testing.T) {
	st := openTestStore(t)
	box := testBox(t)
	fake := sandbox.NewFake("10.0.0.1")
	fake.ExecScript = []sandbox.ExecResult{{ExitCode: 0, Stdout: "local-output"}}
	m := New(st, box, fake, Defaults{}, nil)
	ctx := context.Background()

	if _, err := st.CreateProject(ctx, "proj", "ct", "", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	_, _ = fake.Create(ctx, nil, 0, 0)

	result, err := m.Exec(ctx, "proj", []string{"echo", "hi"}, 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "local-output" {
		t.Fatalf("expected local sandbox output, got %q", result.Stdout)
	}
}

func TestExecRoutesToRemoteWorkerAgent(t *testing.T) {
	st := openTestStore(t)
	box := testBox(t)
	ctx := context.Background()

	fakeSandbox := sandbox.NewFake("172.17.0.2")
	fakeSandbox.ExecScript = []sandbox.ExecResult{{ExitCode: 0, Stdout: "remote-output"}}
	_, _ = fakeSandbox.Create(ctx, nil, 0, 0)

	waSrv := workeragent.New(workeragent.Config{
		WorkerToken:  "wtok-plain",
		HostCPUs:     4,
		HostMemoryMB: 8192,
		Sandbox:      fakeSandbox,
	})
	httpSrv := httptest.NewServer(waSrv.Handler())
	defer httpSrv.Close()

	u, err := url.Parse(httpSrv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}

	m := New(st, box, nil, Defaults{WorkerAgentPort: port}, nil)

	if _, err := st.CreateProject(ctx, "proj", "ct", "", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, _, err := st.CreateWorker(ctx, "i-1", "proj", "c6i.xlarge", "us-east-1", "us-east-1a"); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if err := st.UpdateWorkerNetwork(ctx, "i-1", "127.0.0.1", "127.0.0.1"); err != nil {
		t.Fatalf("UpdateWorkerNetwork: %v", err)
	}
	if err := st.UpdateWorkerStatus(ctx, "i-1", store.WorkerReady); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}

	tokenCt, err := box.Seal([]byte("wtok-plain"))
	if err != nil {
		t.Fatalf("seal worker token: %v", err)
	}
	if err := st.UpsertSecret(ctx, "proj", "SYNV2_WORKER_TOKEN", tokenCt); err != nil {
		t.Fatalf("UpsertSecret: %v", err)
	}

	result, err := m.Exec(ctx, "proj", []string{"echo", "hi"}, 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "remote-output" {
		t.Fatalf("expected remote worker agent output, got %q", result.Stdout)
	}
}

func TestInstanceCapabilityHeuristic(t *testing.T) {
	m := New(nil, nil, nil, Defaults{HostCPUs: 4, HostMemoryMB: 8192}, nil)
	cases := []struct {
		instanceType string
		wantCPUs     float64
	}{
		{"c6i.24xlarge", 96},
		{"c6i.12xlarge", 48},
		{"c6i.4xlarge", 16},
		{"c6i.xlarge", 4},
		{"c6i.large", 2},
		{"", 4}, // falls back to configured host capability
	}
	for _, c := range cases {
		cpus, _ := m.instanceCapability(c.instanceType)
		if cpus != c.wantCPUs {
			t.Errorf("instanceCapability(%q) cpus = %v, want %v", c.instanceType, cpus, c.wantCPUs)
		}
	}
}
