// Package audit keeps an append-only journal of operation calls in
// <home>/logs/operations.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/studiobridge/internal/shared"
)

// Entry is one journal line.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	TraceID    string `json:"trace_id,omitempty"`
	Operation  string `json:"operation"`
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Mode       string `json:"mode,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	failedCount atomic.Int64
)

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
	f, err := os.OpenFile(filepath.Join(logDir, "operations.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

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

// FailedCount returns the number of failed operations recorded since startup.
func FailedCount() int64 {
	return failedCount.Load()
}

// Record appends e to the journal. Without Init it only updates counters.
func Record(e Entry) {
	if e.Status != "ok" {
		failedCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Error = shared.Redact(e.Error)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
