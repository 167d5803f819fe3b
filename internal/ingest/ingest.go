// Package ingest runs the loop that turns raw frames into live signal
// values.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/frame"
	"codeberg.org/mutker/canlogd/internal/livestate"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/registry"
)

// decodeWarnInterval limits decode failure warnings to one per frame ID.
const decodeWarnInterval = time.Second

type Config struct {
	FrameTimeout time.Duration
	RetryPause   time.Duration
}

func DefaultConfig() Config {
	return Config{
		FrameTimeout: 100 * time.Millisecond,
		RetryPause:   time.Second,
	}
}

// Stats are the loop's counters.
type Stats struct {
	Source         string    `json:"source"`
	Running        bool      `json:"running"`
	FramesReceived uint64    `json:"frames_received"`
	FramesDecoded  uint64    `json:"frames_decoded"`
	FramesUnknown  uint64    `json:"frames_unknown"`
	DecodeErrors   uint64    `json:"decode_errors"`
	SourceErrors   uint64    `json:"source_errors"`
	LastFrameAt    time.Time `json:"last_frame_at"`
}

// Loop pulls frames from a Source, resolves them against the current
// registry and publishes decoded values into the store.
type Loop struct {
	src    frame.Source
	holder *registry.Holder
	store  *livestate.Store
	cfg    Config
	clk    clock.Clock
	log    logger.Logger

	running      atomic.Bool
	received     atomic.Uint64
	decoded      atomic.Uint64
	unknown      atomic.Uint64
	decodeErrors atomic.Uint64
	sourceErrors atomic.Uint64
	lastFrame    atomic.Int64

	// Owned by the Run goroutine.
	warned     map[uint32]time.Time
	suppressed map[uint32]int
}

func New(src frame.Source, holder *registry.Holder, store *livestate.Store, cfg Config, clk clock.Clock, log logger.Logger) *Loop {
	return &Loop{
		src:        src,
		holder:     holder,
		store:      store,
		cfg:        cfg,
		clk:        clk,
		log:        log,
		warned:     make(map[uint32]time.Time),
		suppressed: make(map[uint32]int),
	}
}

// Run consumes frames until ctx is cancelled. The source is closed on
// return.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	defer func() {
		if err := l.src.Close(); err != nil {
			l.log.Warn().Err(err).Str("source", l.src.Name()).Msg("Failed to close frame source")
		}
	}()

	l.log.Info().Str("source", l.src.Name()).Msg("Ingestion started")

	for {
		if ctx.Err() != nil {
			l.log.Info().Uint64("frames", l.received.Load()).Msg("Ingestion stopped")
			return nil
		}

		f, err := l.src.Next(ctx, l.cfg.FrameTimeout)
		if err != nil {
			if frame.IsTimeout(err) || ctx.Err() != nil {
				continue
			}

			l.sourceErrors.Add(1)
			l.log.Warn().
				Err(err).
				Str("source", l.src.Name()).
				Dur("pause", l.cfg.RetryPause).
				Msg("Frame source error")

			select {
			case <-l.clk.After(l.cfg.RetryPause):
			case <-ctx.Done():
			}
			continue
		}

		l.handle(f)
	}
}

func (l *Loop) handle(f frame.Frame) {
	l.received.Add(1)

	at := f.ReceivedAt
	if at.IsZero() {
		at = l.clk.Now()
	}
	l.lastFrame.Store(at.UnixNano())

	// One registry for the whole frame, even if it is swapped meanwhile.
	msg, ok := l.holder.Current().Lookup(f.ID)
	if !ok || msg.Extended != f.Extended {
		l.unknown.Add(1)
		return
	}

	values, err := msg.Decode(f.Data)
	if err != nil {
		l.decodeErrors.Add(1)
		l.warnDecode(f.ID, msg.Name, err, at)
		return
	}

	l.store.Publish(values, at)
	l.decoded.Add(1)
}

func (l *Loop) warnDecode(id uint32, name string, err error, at time.Time) {
	if last, ok := l.warned[id]; ok && at.Sub(last) < decodeWarnInterval {
		l.suppressed[id]++
		return
	}

	l.log.Warn().
		Err(err).
		Uint32("frame_id", id).
		Str("message", name).
		Int("suppressed", l.suppressed[id]).
		Msg("Dropping frame that failed to decode")

	l.warned[id] = at
	delete(l.suppressed, id)
}

func (l *Loop) Stats() Stats {
	s := Stats{
		Source:         l.src.Name(),
		Running:        l.running.Load(),
		FramesReceived: l.received.Load(),
		FramesDecoded:  l.decoded.Load(),
		FramesUnknown:  l.unknown.Load(),
		DecodeErrors:   l.decodeErrors.Load(),
		SourceErrors:   l.sourceErrors.Load(),
	}
	if ns := l.lastFrame.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}

	return s
}
