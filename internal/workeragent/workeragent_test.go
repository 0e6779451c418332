package workeragent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/exla-ai/synv2/internal/sandbox"
)

func newTestServer() (*Server, *sandbox.Fake) {
	fake := sandbox.NewFake("10.0.0.5")
	srv := New(Config{
		WorkerToken:  "test-worker-token",
		HostCPUs:     4,
		HostMemoryMB: 8192,
		GatewayAddr:  "127.0.0.1:1", // deliberately unreachable in unit tests
		Sandbox:      fake,
	})
	return srv, fake
}

func authedRequest(method, path string, body any, token string) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestUnauthorizedRequestRejected(t *testing.T) {
	srv, _ := newTestServer()
	req := authedRequest(http.MethodPost, "/exec", map[string]any{"argv": []string{"echo", "hi"}}, "wrong-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestExecProxiesToSandbox(t *testing.T) {
	srv, fake := newTestServer()
	fake.ExecScript = []sandbox.ExecResult{{ExitCode: 0, Stdout: "hi\n"}}

	req := authedRequest(http.MethodPost, "/exec", map[string]any{"argv": []string{"echo", "hi"}}, "test-worker-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result sandbox.ExecResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Stdout != "hi\n" {
		t.Fatalf("expected exec output relayed, got %+v", result)
	}
	if len(fake.ExecCalls()) != 1 {
		t.Fatalf("expected exactly one exec call recorded")
	}
}

func TestContainerDestroyIsIdempotent(t *testing.T) {
	srv, _ := newTestServer()
	req := authedRequest(http.MethodPost, "/container/destroy", map[string]any{"remove_volume": true}, "test-worker-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first destroy, got %d", rec.Code)
	}

	req2 := authedRequest(http.MethodPost, "/container/destroy", map[string]any{"remove_volume": true}, "test-worker-token")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected destroy on already-destroyed sandbox to still return 200, got %d", rec2.Code)
	}
}
