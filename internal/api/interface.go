// Package api exposes live values, definitions and recording control
// over HTTP.
package api

import (
	"os"

	"codeberg.org/mutker/canlogd/internal/artifacts"
	"codeberg.org/mutker/canlogd/internal/frame"
	"codeberg.org/mutker/canlogd/internal/ingest"
	"codeberg.org/mutker/canlogd/internal/registry"
	"codeberg.org/mutker/canlogd/internal/session"
)

type LiveReader interface {
	Snapshot() map[string]float64
}

type Definitions interface {
	Current() *registry.Registry
	Store(name string, data []byte) (*registry.Registry, string, error)
}

type Sessions interface {
	Start(opts session.StartOptions) (session.Info, error)
	Stop() (session.StopResult, error)
	Status() session.Status
	Debug() session.Debug
}

type Artifacts interface {
	List() ([]artifacts.Info, error)
	Open(id int) (*os.File, artifacts.Info, error)
}

// BusStats is reported by /can_statistics.
type BusStats struct {
	ingest.Stats
	Mode        frame.Mode `json:"mode"`
	SourceError string     `json:"source_error,omitempty"`
	Messages    int        `json:"messages"`
	LiveSignals int        `json:"live_signals"`
}

// StatsFunc returns the current bus statistics.
type StatsFunc func() BusStats
