// Package capture provides an append-only JSONL sink for best-effort
// side effects that failed silently (write-side mirror, outbox
// enqueue), per spec.md §7: these never fail the command itself, but
// are captured here for offline triage ahead of recovery (C9) closing
// the gap.
package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one captured failure.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	AggregateID string               `json:"aggregateId,omitempty"`
	Error     string                 `json:"error"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Sink appends Entry records to a single JSONL file under dir.
type Sink struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (creating if needed) capture.jsonl under dir.
func New(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "capture.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	return &Sink{file: f}, nil
}

// Record appends one entry. Errors writing to the sink itself are
// swallowed — this is already the last-resort failure path and must
// never be allowed to affect the caller.
func (s *Sink) Record(component, aggregateID string, err error, context map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{
		Timestamp:   time.Now().UTC(),
		Component:   component,
		AggregateID: aggregateID,
		Error:       err.Error(),
		Context:     context,
	}
	b, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return
	}
	b = append(b, '\n')
	s.file.Write(b)
}

func (s *Sink) Close() error {
	return s.file.Close()
}
