// Package sampler snapshots the live state on a fixed period and hands
// each snapshot to an Appender.
package sampler

import (
	"sync"
	"time"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
)

const (
	DefaultInterval    = 5 * time.Millisecond
	DefaultMinInterval = time.Millisecond

	// progressEvery is how often, in entries, progress is logged.
	progressEvery = 1000
)

type Config struct {
	Interval    time.Duration
	MinInterval time.Duration
	// Filter restricts snapshots to these names. Empty means all.
	Filter    []string
	StartedAt time.Time
}

// ClampInterval raises d to floor. A non-positive floor falls back to
// DefaultMinInterval.
func ClampInterval(d, floor time.Duration) time.Duration {
	if floor <= 0 {
		floor = DefaultMinInterval
	}
	if d < floor {
		return floor
	}
	return d
}

// Sampler is idle until Start and returns to idle on Stop.
type Sampler struct {
	clk clock.Clock
	src Snapshotter
	log logger.Logger

	mu  sync.Mutex
	run *run
}

type run struct {
	cfg    Config
	out    Appender
	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

func New(clk clock.Clock, src Snapshotter, log logger.Logger) *Sampler {
	return &Sampler{clk: clk, src: src, log: log}
}

// Start begins sampling into out. It fails with ErrAlreadyRunning, and
// changes nothing, if a run is in progress.
func (s *Sampler) Start(cfg Config, out Appender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return errors.New().New(ErrAlreadyRunning)
	}

	cfg.Interval = ClampInterval(cfg.Interval, cfg.MinInterval)
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = s.clk.Now()
	}
	cfg.Filter = append([]string(nil), cfg.Filter...)

	r := &run{
		cfg:    cfg,
		out:    out,
		ticker: s.clk.NewTicker(cfg.Interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.run = r

	go s.loop(r)

	s.log.Debug().
		Dur("interval", cfg.Interval).
		Strs("filter", cfg.Filter).
		Msg("Sampler started")

	return nil
}

// Stop ends the run and waits up to timeout for an in-flight tick to
// finish. Stopping an idle sampler is a no-op. After ErrStopTimeout the
// sampler is idle but the old goroutine may still deliver one entry.
func (s *Sampler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()

	if r == nil {
		return nil
	}

	close(r.stop)

	select {
	case <-r.done:
		return nil
	case <-s.clk.After(timeout):
		return errors.New().WithData(ErrStopTimeout, struct {
			Timeout time.Duration
		}{timeout})
	}
}

func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *Sampler) loop(r *run) {
	defer close(r.done)
	defer r.ticker.Stop()

	var (
		count       int
		lastElapsed float64
	)

	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C:
		}

		// Stop wins over a tick that became ready at the same time.
		select {
		case <-r.stop:
			return
		default:
		}

		var values map[string]float64
		if len(r.cfg.Filter) > 0 {
			values = s.src.SnapshotFiltered(r.cfg.Filter)
		} else {
			values = s.src.Snapshot()
		}

		now := s.clk.Now()
		elapsed := float64(now.Sub(r.cfg.StartedAt)) / float64(time.Millisecond)
		if elapsed < lastElapsed {
			elapsed = lastElapsed
		}
		lastElapsed = elapsed

		r.out.Append(Entry{
			Timestamp: now,
			ElapsedMS: elapsed,
			Values:    values,
		})

		count++
		if count%progressEvery == 0 {
			rate := 0.0
			if elapsed > 0 {
				rate = float64(count) / (elapsed / 1000)
			}
			s.log.Info().
				Int("entries", count).
				Float64("rate_hz", rate).
				Msg("Sampling progress")
		}
	}
}
