package frame

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/registry"
)

// syntheticSpan is the range of generated values before clamping.
const syntheticSpan = 100

// Synthetic emits one frame per known message every interval, carrying
// random signal values. Messages are taken from the registry current at
// generation time, so hot-swapped definitions show up on the next tick.
type Synthetic struct {
	holder *registry.Holder
	clk    clock.Clock
	ticker *clock.Ticker

	mu      sync.Mutex
	rnd     *rand.Rand
	pending []Frame
	closed  bool
	// turn counts ticks per message ID for multiplexer round-robin.
	turn map[uint32]int
}

// NewSynthetic starts the generation ticker.
func NewSynthetic(holder *registry.Holder, interval time.Duration, clk clock.Clock) *Synthetic {
	return newSynthetic(holder, interval, clk, rand.New(rand.NewSource(time.Now().UnixNano()))) //nolint:gosec // G404: synthetic values only
}

func newSynthetic(holder *registry.Holder, interval time.Duration, clk clock.Clock, rnd *rand.Rand) *Synthetic {
	return &Synthetic{
		holder: holder,
		clk:    clk,
		ticker: clk.NewTicker(interval),
		rnd:    rnd,
		turn:   make(map[uint32]int),
	}
}

func (s *Synthetic) Name() string {
	return "synthetic"
}

func (s *Synthetic) Next(ctx context.Context, timeout time.Duration) (Frame, error) {
	if f, ok, err := s.pop(); err != nil || ok {
		return f, err
	}

	deadline := s.clk.After(timeout)
	for {
		select {
		case at := <-s.ticker.C:
			s.generate(at)
		case <-deadline:
			return Frame{}, timeoutErr
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}

		if f, ok, err := s.pop(); err != nil || ok {
			return f, err
		}
	}
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.ticker.Stop()
		s.pending = nil
	}

	return nil
}

func (s *Synthetic) pop() (Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, false, errors.New().New(ErrSourceClosed)
	}
	if len(s.pending) == 0 {
		return Frame{}, false, nil
	}

	f := s.pending[0]
	s.pending = s.pending[1:]

	return f, true, nil
}

func (s *Synthetic) generate(at time.Time) {
	messages := s.holder.Current().Messages()

	s.mu.Lock()
	defer s.mu.Unlock()

	// A tick that arrives before the previous batch was consumed replaces
	// it rather than queueing behind it.
	s.pending = s.pending[:0]
	for _, msg := range messages {
		values := make(map[string]float64, len(msg.Signals))
		for _, sig := range msg.Signals {
			values[sig.Name] = clampToRange(s.rnd.Float64()*syntheticSpan, sig)
		}

		var data []byte
		if branches := msg.Branches(); len(branches) > 0 {
			n := s.turn[msg.ID]
			s.turn[msg.ID] = n + 1
			data = msg.EncodeBranch(values, branches[n%len(branches)])
		} else {
			data = msg.Encode(values)
		}

		s.pending = append(s.pending, Frame{
			ID:         msg.ID,
			Extended:   msg.Extended,
			Data:       data,
			ReceivedAt: at,
		})
	}
}

// clampToRange limits v to the signal's declared range. A range with
// max <= min is treated as unbounded.
func clampToRange(v float64, sig registry.Signal) float64 {
	if sig.Max <= sig.Min {
		return v
	}
	if v < sig.Min {
		return sig.Min
	}
	if v > sig.Max {
		return sig.Max
	}
	return v
}
