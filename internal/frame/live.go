package frame

import (
	"context"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
)

const liveBufferSize = 256

// receiver abstracts socketcan.Receiver for testing
type receiver interface {
	Receive() bool
	HasErrorFrame() bool
	Frame() can.Frame
	Err() error
	Close() error
}

type dialFunc func(ctx context.Context, network, iface string) (receiver, error)

func dialSocketCAN(ctx context.Context, network, iface string) (receiver, error) {
	conn, err := socketcan.DialContext(ctx, network, iface)
	if err != nil {
		return nil, err
	}

	return socketcan.NewReceiver(conn), nil
}

// Live reads frames from a SocketCAN interface. A pump goroutine feeds
// received frames into a buffered channel. When the connection fails the
// next call to Next reports the failure and the call after that dials
// again.
type Live struct {
	network string
	iface   string
	dial    dialFunc
	clk     clock.Clock
	log     logger.Logger

	mu     sync.Mutex
	conn   *liveConn
	closed bool
}

type liveConn struct {
	rx     receiver
	frames chan Frame
	done   chan struct{}
	// err is written before frames is closed.
	err  error
	once sync.Once
}

// NewLive dials the interface and starts receiving.
func NewLive(ctx context.Context, network, iface string, clk clock.Clock, log logger.Logger) (*Live, error) {
	return newLive(ctx, network, iface, dialSocketCAN, clk, log)
}

func newLive(ctx context.Context, network, iface string, dial dialFunc, clk clock.Clock, log logger.Logger) (*Live, error) {
	l := &Live{
		network: network,
		iface:   iface,
		dial:    dial,
		clk:     clk,
		log:     log,
	}

	if _, err := l.connect(ctx); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Live) Name() string {
	return l.network + ":" + l.iface
}

func (l *Live) Next(ctx context.Context, timeout time.Duration) (Frame, error) {
	c, err := l.connect(ctx)
	if err != nil {
		return Frame{}, err
	}

	select {
	case f, ok := <-c.frames:
		if ok {
			return f, nil
		}
		l.drop(c)
		return Frame{}, c.err
	default:
	}

	select {
	case f, ok := <-c.frames:
		if ok {
			return f, nil
		}
		l.drop(c)
		return Frame{}, c.err
	case <-l.clk.After(timeout):
		return Frame{}, timeoutErr
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.conn == nil {
		return nil
	}
	err := l.conn.close()
	l.conn = nil

	if err != nil {
		return errors.New().Wrap(ErrSourceIO, err)
	}

	return nil
}

// connect returns the running connection, dialing a new one if the last
// one failed.
func (l *Live) connect(ctx context.Context) (*liveConn, error) {
	errFactory := errors.New()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errFactory.New(ErrSourceClosed)
	}
	if l.conn != nil {
		return l.conn, nil
	}

	rx, err := l.dial(ctx, l.network, l.iface)
	if err != nil {
		return nil, errFactory.WithData(ErrSourceUnavailable, struct {
			Network   string
			Interface string
			Error     string
		}{l.network, l.iface, err.Error()})
	}

	c := &liveConn{
		rx:     rx,
		frames: make(chan Frame, liveBufferSize),
		done:   make(chan struct{}),
	}
	go c.pump(l.clk, l.log)
	l.conn = c

	l.log.Debug().Str("source", l.Name()).Msg("Connected to bus")

	return c, nil
}

func (l *Live) drop(c *liveConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == c {
		_ = c.close()
		l.conn = nil
	}
}

func (c *liveConn) pump(clk clock.Clock, log logger.Logger) {
	defer close(c.frames)

	for c.rx.Receive() {
		if c.rx.HasErrorFrame() {
			log.Debug().Msg("Skipping bus error frame")
			continue
		}

		raw := c.rx.Frame()
		if raw.IsRemote {
			continue
		}

		f := Frame{
			ID:         raw.ID,
			Extended:   raw.IsExtended,
			Data:       append([]byte(nil), raw.Data[:raw.Length]...),
			ReceivedAt: clk.Now(),
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}

	select {
	case <-c.done:
		c.err = errors.New().New(ErrSourceClosed)
		return
	default:
	}

	if err := c.rx.Err(); err != nil {
		c.err = errors.New().Wrap(ErrSourceIO, err)
	} else {
		c.err = errors.New().WithMessage(ErrSourceIO, "Bus connection ended")
	}
}

func (c *liveConn) close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.rx.Close()
	})
	return err
}
