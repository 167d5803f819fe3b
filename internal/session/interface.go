// Package session manages recording sessions: one active session at a
// time, sampled into memory and flushed to a CSV artifact on stop.
package session

import (
	"time"

	"codeberg.org/mutker/canlogd/internal/artifacts"
	"codeberg.org/mutker/canlogd/internal/history"
	"codeberg.org/mutker/canlogd/internal/sampler"
)

// State of the manager.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// StopStatus distinguishes a stop that produced an artifact from one
// that had nothing to write.
type StopStatus string

const (
	StopStopped StopStatus = "stopped"
	StopEmpty   StopStatus = "empty"
)

// StartOptions override the configured defaults for one session.
type StartOptions struct {
	// Signals restricts the session to these qualified names. Empty uses
	// the configured default filter.
	Signals []string
	// IntervalMS overrides the sample interval when set. It is clamped to
	// the configured floor.
	IntervalMS *float64
}

// Info describes a session.
type Info struct {
	ID         int       `json:"log_id"`
	RunID      string    `json:"run_id"`
	Filename   string    `json:"filename"`
	StartedAt  time.Time `json:"started_at"`
	IntervalMS float64   `json:"log_interval_ms"`
	Signals    []string  `json:"signals_to_log"`
}

type StopResult struct {
	Status  StopStatus `json:"status"`
	Session Info       `json:"session"`
	Entries int        `json:"entry_count"`
}

// FlushResult is the outcome of the most recent flush.
type FlushResult struct {
	ID       int            `json:"log_id"`
	RunID    string         `json:"run_id"`
	Filename string         `json:"filename"`
	Entries  int            `json:"entry_count"`
	Status   history.Status `json:"status"`
	Error    string         `json:"error,omitempty"`
	Removed  []string       `json:"removed,omitempty"`
	At       time.Time      `json:"at"`
}

type Status struct {
	State        State        `json:"state"`
	IsLogging    bool         `json:"is_logging"`
	EntriesCount int          `json:"entries_count"`
	CurrentLogID int          `json:"current_log_id"`
	IntervalMS   float64      `json:"log_interval_ms"`
	Session      *Info        `json:"session,omitempty"`
	PendingFlush int          `json:"pending_flushes"`
	LastFlush    *FlushResult `json:"last_flush,omitempty"`
}

// Debug is a diagnostic view of the manager and the live state.
type Debug struct {
	IsLogging         bool               `json:"is_logging"`
	IntervalMS        float64            `json:"log_interval_ms"`
	SamplerStatus     string             `json:"logging_thread_status"`
	SignalsToLog      []string           `json:"signals_to_log"`
	SignalsToLogCount int                `json:"signals_to_log_count"`
	EntriesCount      int                `json:"log_entries_count"`
	SampleKeys        []string           `json:"sample_vehicle_data_keys"`
	LiveCount         int                `json:"vehicle_data_count"`
	SampleValues      map[string]float64 `json:"sample_vehicle_data"`
}

// LiveView is the part of the live state the manager reads.
type LiveView interface {
	Snapshot() map[string]float64
	SnapshotFiltered(names []string) map[string]float64
	Len() int
}

// ArtifactStore is where finished sessions are written.
type ArtifactStore interface {
	Name(id int) string
	List() ([]artifacts.Info, error)
	Write(id int, entries []sampler.Entry) (artifacts.Info, error)
	Retain(keep int) ([]artifacts.Info, error)
}
