// Package frame provides the sources of raw bus frames consumed by the
// ingestion loop: a SocketCAN reader and a synthetic generator used when
// no bus is available.
package frame

import (
	"context"
	"time"
)

// Frame is one raw bus frame.
type Frame struct {
	ID         uint32
	Extended   bool
	Data       []byte
	ReceivedAt time.Time
}

// Source yields frames one at a time. Next blocks for at most timeout
// and returns an ErrTimeout error when nothing arrived. Implementations
// are used by a single consumer.
type Source interface {
	Next(ctx context.Context, timeout time.Duration) (Frame, error)
	Close() error
	Name() string
}

// Mode is the kind of source selected at startup.
type Mode string

const (
	ModeLive      Mode = "live"
	ModeSynthetic Mode = "synthetic"
	ModeNone      Mode = "none"
)
