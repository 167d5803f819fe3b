package frame

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/registry"
)

type fakeReceiver struct {
	frames chan can.Frame
	cur    can.Frame
	err    error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		frames: make(chan can.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (r *fakeReceiver) Receive() bool {
	select {
	case f, ok := <-r.frames:
		if !ok {
			return false
		}
		r.cur = f
		return true
	case <-r.closed:
		return false
	}
}

func (*fakeReceiver) HasErrorFrame() bool { return false }
func (r *fakeReceiver) Frame() can.Frame  { return r.cur }
func (r *fakeReceiver) Err() error        { return r.err }

func (r *fakeReceiver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// fail ends the receive loop with err.
func (r *fakeReceiver) fail(err error) {
	r.err = err
	close(r.frames)
}

func (r *fakeReceiver) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu        sync.Mutex
	receivers []*fakeReceiver
	dials     int
	err       error
}

func (d *fakeDialer) dial(_ context.Context, _, _ string) (receiver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.receivers) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	rx := d.receivers[0]
	d.receivers = d.receivers[1:]
	return rx, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testHolder(t *testing.T) *registry.Holder {
	t.Helper()

	data, err := os.ReadFile(filepath.Join("testdata", "engine.dbc"))
	require.NoError(t, err)

	reg, err := registry.Load(logger.Nop(), registry.Source{Name: "engine.dbc", Data: data})
	require.NoError(t, err)

	return registry.NewHolder(reg)
}

func TestLiveDeliversDataFrames(t *testing.T) {
	rx := newFakeReceiver()
	dialer := &fakeDialer{receivers: []*fakeReceiver{rx}}

	live, err := newLive(context.Background(), "can", "vcan0", dialer.dial, clock.Real(), logger.Nop())
	require.NoError(t, err)
	defer live.Close()

	rx.frames <- can.Frame{ID: 0x100, IsRemote: true}
	rx.frames <- can.Frame{ID: 0x100, Length: 2, Data: can.Data{0x01, 0x02, 0xFF}}
	rx.frames <- can.Frame{ID: 0x1ABCDE, IsExtended: true, Length: 1, Data: can.Data{0x07}}

	f, err := live.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), f.ID)
	assert.Equal(t, []byte{0x01, 0x02}, f.Data)
	assert.False(t, f.Extended)

	f, err = live.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1ABCDE), f.ID)
	assert.True(t, f.Extended)
	assert.Equal(t, "can:vcan0", live.Name())
}

func TestLiveTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	dialer := &fakeDialer{receivers: []*fakeReceiver{newFakeReceiver()}}

	live, err := newLive(context.Background(), "can", "vcan0", dialer.dial, clk, logger.Nop())
	require.NoError(t, err)
	defer live.Close()

	go func() {
		clk.WaitForTimers(1)
		clk.Advance(100 * time.Millisecond)
	}()

	_, err = live.Next(context.Background(), 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestLiveReconnectsAfterFailure(t *testing.T) {
	first, second := newFakeReceiver(), newFakeReceiver()
	dialer := &fakeDialer{receivers: []*fakeReceiver{first, second}}

	live, err := newLive(context.Background(), "can", "vcan0", dialer.dial, clock.Real(), logger.Nop())
	require.NoError(t, err)
	defer live.Close()

	first.frames <- can.Frame{ID: 1, Length: 1}
	first.fail(io.ErrClosedPipe)

	f, err := live.Next(context.Background(), time.Second)
	require.NoError(t, err, "buffered frames are delivered before the failure")
	assert.Equal(t, uint32(1), f.ID)

	_, err = live.Next(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrSourceIO))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.True(t, first.isClosed())

	second.frames <- can.Frame{ID: 2, Length: 1}
	f, err = live.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.ID)
	assert.Equal(t, 2, dialer.count())
}

func TestLiveDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: io.ErrUnexpectedEOF}

	_, err := newLive(context.Background(), "can", "can9", dialer.dial, clock.Real(), logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrSourceUnavailable))
}

func TestLiveClose(t *testing.T) {
	rx := newFakeReceiver()
	dialer := &fakeDialer{receivers: []*fakeReceiver{rx}}

	live, err := newLive(context.Background(), "can", "vcan0", dialer.dial, clock.Real(), logger.Nop())
	require.NoError(t, err)

	require.NoError(t, live.Close())
	require.NoError(t, live.Close())
	assert.True(t, rx.isClosed())

	_, err = live.Next(context.Background(), time.Second)
	assert.True(t, errors.HasCode(err, ErrSourceClosed))
	assert.Equal(t, 1, dialer.count())
}

func TestSyntheticEmitsOneFramePerMessage(t *testing.T) {
	holder := testHolder(t)
	clk := clock.Fake(time.Unix(1000, 0))
	s := newSynthetic(holder, 500*time.Millisecond, clk, rand.New(rand.NewSource(1)))
	defer s.Close()

	type result struct {
		f   Frame
		err error
	}
	results := make(chan result, 1)
	go func() {
		f, err := s.Next(context.Background(), time.Hour)
		results <- result{f, err}
	}()

	clk.WaitForTimers(2)
	clk.Advance(500 * time.Millisecond)

	r := <-results
	require.NoError(t, r.err)
	second, err := s.Next(context.Background(), time.Hour)
	require.NoError(t, err)

	got := []Frame{r.f, second}
	assert.Equal(t, uint32(100), got[0].ID)
	assert.Equal(t, uint32(200), got[1].ID)
	assert.Equal(t, time.Unix(1000, 0).Add(500*time.Millisecond), got[0].ReceivedAt)

	reg := holder.Current()
	for _, f := range got {
		msg, err := reg.Resolve(f.ID)
		require.NoError(t, err)
		assert.Len(t, f.Data, msg.Length)

		values, err := msg.Decode(f.Data)
		require.NoError(t, err)
		assert.Len(t, values, len(msg.Signals))
		for name, v := range values {
			assert.GreaterOrEqual(t, v, 0.0, name)
			assert.LessOrEqual(t, v, 100.0, name)
		}
		if load, ok := values["Engine.Load"]; ok {
			assert.GreaterOrEqual(t, load, 10.0)
			assert.LessOrEqual(t, load, 20.0)
		}
	}

	go func() {
		clk.WaitForTimers(3)
		clk.Advance(100 * time.Millisecond)
	}()
	_, err = s.Next(context.Background(), 100*time.Millisecond)
	assert.True(t, IsTimeout(err))
}

func TestSyntheticCyclesMultiplexerBranches(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "vehicle.dbc"))
	require.NoError(t, err)
	reg, err := registry.Load(logger.Nop(), registry.Source{Name: "vehicle.dbc", Data: data})
	require.NoError(t, err)

	s := newSynthetic(registry.NewHolder(reg), time.Second, clock.Fake(time.Unix(0, 0)), rand.New(rand.NewSource(4)))
	defer s.Close()

	msg, err := reg.Resolve(512)
	require.NoError(t, err)

	seen := make(map[string]int)
	for tick := 0; tick < 2; tick++ {
		s.generate(time.Unix(int64(tick), 0))
		for {
			f, ok, err := s.pop()
			require.NoError(t, err)
			if !ok {
				break
			}
			if f.ID != msg.ID {
				continue
			}
			values, err := msg.Decode(f.Data)
			require.NoError(t, err)
			for name := range values {
				seen[name]++
			}
		}
	}

	assert.Equal(t, 2, seen["MotorData.Mux"])
	assert.Equal(t, 1, seen["MotorData.Torque"])
	assert.Equal(t, 1, seen["MotorData.Rpm"])
}

func TestSyntheticFollowsRegistrySwap(t *testing.T) {
	holder := testHolder(t)
	clk := clock.Fake(time.Unix(0, 0))
	s := newSynthetic(holder, time.Second, clk, rand.New(rand.NewSource(2)))
	defer s.Close()

	holder.Replace(registry.Empty())

	// An empty registry yields nothing; the wait ends at the timeout.
	go func() {
		clk.WaitForTimers(2)
		clk.Advance(time.Second)
	}()
	_, err := s.Next(context.Background(), time.Second)
	assert.True(t, IsTimeout(err))

	holder.Replace(testHolder(t).Current())
	go func() {
		clk.WaitForTimers(2)
		clk.Advance(time.Second)
	}()
	f, err := s.Next(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), f.ID)
}

func TestSyntheticClosed(t *testing.T) {
	s := newSynthetic(testHolder(t), time.Second, clock.Fake(time.Unix(0, 0)), rand.New(rand.NewSource(3)))
	require.NoError(t, s.Close())

	_, err := s.Next(context.Background(), time.Second)
	assert.True(t, errors.HasCode(err, ErrSourceClosed))
}

func TestClampToRange(t *testing.T) {
	bounded := registry.Signal{Min: 10, Max: 20}
	assert.InDelta(t, 10.0, clampToRange(3, bounded), 0)
	assert.InDelta(t, 20.0, clampToRange(42, bounded), 0)
	assert.InDelta(t, 15.0, clampToRange(15, bounded), 0)

	unbounded := registry.Signal{}
	assert.InDelta(t, 42.0, clampToRange(42, unbounded), 0)
}

func TestOpenPrefersLive(t *testing.T) {
	dialer := &fakeDialer{receivers: []*fakeReceiver{newFakeReceiver()}}
	cfg := Config{Network: "can", Interface: "vcan0", Fallback: true, SyntheticInterval: time.Second}

	src, mode, err := open(context.Background(), cfg, dialer.dial, testHolder(t), clock.Real(), logger.Nop())
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, ModeLive, mode)
	assert.IsType(t, &Live{}, src)
}

func TestOpenFallsBackOnce(t *testing.T) {
	dialer := &fakeDialer{err: io.ErrUnexpectedEOF}
	cfg := Config{Network: "can", Interface: "can0", Fallback: true, SyntheticInterval: time.Second}

	src, mode, err := open(context.Background(), cfg, dialer.dial, testHolder(t), clock.Fake(time.Unix(0, 0)), logger.Nop())
	require.Error(t, err)
	defer src.Close()

	assert.True(t, errors.HasCode(err, ErrSourceUnavailable))
	assert.Equal(t, ModeSynthetic, mode)
	assert.Equal(t, "synthetic", src.Name())
	assert.Equal(t, 1, dialer.count())
}

func TestOpenWithoutFallbackIsIdle(t *testing.T) {
	dialer := &fakeDialer{err: io.ErrUnexpectedEOF}
	cfg := Config{Network: "can", Interface: "can0"}
	clk := clock.Fake(time.Unix(0, 0))

	src, mode, err := open(context.Background(), cfg, dialer.dial, testHolder(t), clk, logger.Nop())
	require.Error(t, err)
	assert.Equal(t, ModeNone, mode)

	go func() {
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
	}()
	_, err = src.Next(context.Background(), time.Second)
	assert.True(t, IsTimeout(err))

	require.NoError(t, src.Close())
	_, err = src.Next(context.Background(), time.Second)
	assert.True(t, errors.HasCode(err, ErrSourceClosed))
}
