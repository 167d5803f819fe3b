// Package history keeps an optional SQLite catalog of finished
// recording sessions.
package history

import (
	"context"
	"time"
)

// Recorder defines the core domain interface
type Recorder interface {
	Record(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
	Enabled() bool
}

// Repository defines the interface for session record storage
type Repository interface {
	Insert(rec *Record) error
	List(limit int) ([]Record, error)
	Close() error
}

// Status is the outcome of a finished session.
type Status string

const (
	StatusSaved  Status = "saved"
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
)

// Record describes one finished recording session.
type Record struct {
	RunID      string    `json:"run_id"`
	LogID      int       `json:"log_id"`
	Filename   string    `json:"filename"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	IntervalMS float64   `json:"log_interval_ms"`
	Entries    int       `json:"entries"`
	Signals    []string  `json:"signals"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
