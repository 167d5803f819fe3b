package frame

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/registry"
)

// Config selects the bus and the fallback behaviour.
type Config struct {
	Network           string
	Interface         string
	Fallback          bool
	SyntheticInterval time.Duration
}

// Open makes the single startup choice of frame source. The live bus is
// tried first; if it cannot be opened and Fallback is set, a Synthetic
// source is used instead. Without fallback an idle source is returned
// and the live state simply stays empty. The returned error is the live
// bus failure, if any; it is informational and never fatal.
func Open(ctx context.Context, cfg Config, holder *registry.Holder, clk clock.Clock, log logger.Logger) (Source, Mode, error) {
	return open(ctx, cfg, dialSocketCAN, holder, clk, log)
}

func open(ctx context.Context, cfg Config, dial dialFunc, holder *registry.Holder, clk clock.Clock, log logger.Logger) (Source, Mode, error) {
	live, err := newLive(ctx, cfg.Network, cfg.Interface, dial, clk, log)
	if err == nil {
		log.Info().Str("source", live.Name()).Msg("Reading frames from bus")
		return live, ModeLive, nil
	}

	if cfg.Fallback {
		log.Warn().
			Err(err).
			Str("interface", cfg.Interface).
			Dur("interval", cfg.SyntheticInterval).
			Msg("Bus unavailable, degrading to synthetic frames")
		return NewSynthetic(holder, cfg.SyntheticInterval, clk), ModeSynthetic, err
	}

	log.Warn().
		Err(err).
		Str("interface", cfg.Interface).
		Msg("Bus unavailable and fallback disabled, no live data")
	return newIdle(clk), ModeNone, err
}

// idle never yields a frame.
type idle struct {
	clk  clock.Clock
	done chan struct{}
	once sync.Once
}

func newIdle(clk clock.Clock) *idle {
	return &idle{clk: clk, done: make(chan struct{})}
}

func (*idle) Name() string {
	return "none"
}

func (s *idle) Next(ctx context.Context, timeout time.Duration) (Frame, error) {
	select {
	case <-s.clk.After(timeout):
		return Frame{}, timeoutErr
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, errors.New().New(ErrSourceClosed)
	}
}

func (s *idle) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
