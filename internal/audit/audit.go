// Package audit records policy-relevant decisions — secret reads/writes,
// project destroy, supervisor control actions — to an append-only JSONL log
// and exposes a running deny counter for health surfaces.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exla-ai/synv2/internal/shared"
)

// Decision is the outcome of a policy-relevant action.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionFatal Decision = "fatal"
)

type entry struct {
	Timestamp string   `json:"timestamp"`
	Decision  Decision `json:"decision"`
	Action    string   `json:"action"`
	Reason    string   `json:"reason,omitempty"`
	Actor     string   `json:"actor,omitempty"`
	Subject   string   `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens (creating if needed) <homeDir>/logs/audit.jsonl for appending.
// Calling Init more than once is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close releases the underlying log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions recorded since
// startup, consumed by ControlAPI's health surface.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. Reason and subject are redacted of any
// secret-shaped substrings before being written.
func Record(decision Decision, action, reason, actor, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    reason,
		Actor:     actor,
		Subject:   subject,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
