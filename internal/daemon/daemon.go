// Package daemon wires the pipeline together and runs it until the
// context ends.
package daemon

import (
	"context"
	"net"
	"sync"
	"time"

	"codeberg.org/mutker/canlogd/internal/api"
	"codeberg.org/mutker/canlogd/internal/artifacts"
	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/config"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/frame"
	"codeberg.org/mutker/canlogd/internal/history"
	"codeberg.org/mutker/canlogd/internal/ingest"
	"codeberg.org/mutker/canlogd/internal/livestate"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/pid"
	"codeberg.org/mutker/canlogd/internal/registry"
	"codeberg.org/mutker/canlogd/internal/session"
)

const shutdownTimeout = 10 * time.Second

type Daemon struct {
	cfg *config.Config
	clk clock.Clock
	log logger.Logger

	definitions *registry.Manager
	live        *livestate.Store
	source      frame.Source
	mode        frame.Mode
	sourceErr   error
	loop        *ingest.Loop
	artifacts   *artifacts.Store
	history     history.Recorder
	sessions    *session.Manager
	server      *api.Server
	pidPath     string

	mu   sync.Mutex
	addr string
}

// New loads definitions, opens the frame source and builds every
// component. Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, clk clock.Clock, log logger.Logger) (*Daemon, error) {
	errFactory := errors.New()

	d := &Daemon{
		cfg:     cfg,
		clk:     clk,
		log:     log,
		live:    livestate.New(),
		pidPath: cfg.PIDFile,
	}
	if d.pidPath == "" {
		d.pidPath = pid.DefaultPath()
	}

	holder := registry.NewHolder(registry.Empty())
	d.definitions = registry.NewManager(holder, cfg.Definitions.Dir, clk, log.With("registry"))
	if err := d.loadDefinitions(); err != nil {
		return nil, err
	}

	d.source, d.mode, d.sourceErr = frame.Open(ctx, frame.Config{
		Network:           cfg.Bus.Network,
		Interface:         cfg.Bus.Interface,
		Fallback:          cfg.Bus.FallbackSynthetic,
		SyntheticInterval: cfg.SyntheticInterval(),
	}, holder, clk, log.With("frame"))

	d.loop = ingest.New(d.source, holder, d.live, ingest.Config{
		FrameTimeout: cfg.FrameTimeout(),
		RetryPause:   cfg.RetryPause(),
	}, clk, log.With("ingest"))

	rec, err := history.NewService(history.Config{
		DBPath:  cfg.History.DBPath,
		Enabled: cfg.History.Enabled,
	}, log.With("history"))
	if err != nil {
		_ = d.source.Close()
		return nil, errFactory.Wrap(errors.ErrInitFailed, err)
	}
	d.history = rec

	d.artifacts = artifacts.NewStore(cfg.Recording.Dir, log.With("artifacts"))
	d.sessions = session.NewManager(session.Config{
		Interval:    cfg.SampleInterval(),
		MinInterval: cfg.MinSampleInterval(),
		Signals:     cfg.Recording.Signals,
		Keep:        cfg.Recording.Keep,
		StopTimeout: cfg.StopTimeout(),
	}, d.live, d.artifacts, d.history, clk, log.With("session"))

	d.server = api.New(d.live, d.definitions, d.sessions, d.artifacts, d.history, d.Stats, log.With("api"))

	return d, nil
}

// loadDefinitions merges the configured files followed by whatever is
// already in the definitions directory. An empty or partly broken set is
// not fatal; definitions can still be uploaded.
func (d *Daemon) loadDefinitions() error {
	paths := append([]string(nil), d.cfg.Definitions.Files...)

	scanned, err := d.definitions.Scan()
	if err != nil {
		d.log.Warn().Err(err).Str("dir", d.cfg.Definitions.Dir).Msg("Failed to scan definitions directory")
	}
	paths = append(paths, scanned...)

	if len(paths) == 0 {
		d.log.Warn().Msg("No definition files configured, waiting for uploads")
		return nil
	}

	reg, err := d.definitions.LoadFiles(paths)
	if err != nil {
		d.log.Warn().Err(err).Int("messages", reg.Len()).Msg("Some definition sources failed to load")
	}

	return nil
}

// Run starts ingestion, the definitions watcher and the HTTP server and
// blocks until ctx is done, then tears down in order: HTTP, sessions
// (flushing any active one), ingestion, history, PID file.
func (d *Daemon) Run(ctx context.Context) error {
	if err := pid.Write(d.pidPath); err != nil {
		_ = d.source.Close()
		_ = d.history.Close()
		return err
	}
	defer func() {
		if err := pid.Remove(d.pidPath); err != nil {
			d.log.Warn().Err(err).Str("path", d.pidPath).Msg("Failed to remove PID file")
		}
	}()

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.loop.Run(ingestCtx); err != nil {
			d.log.Error().Err(err).Msg("Ingestion loop failed")
		}
	}()

	if d.cfg.Definitions.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.definitions.Watch(ingestCtx); err != nil {
				d.log.Warn().Err(err).Msg("Definitions watcher stopped")
			}
		}()
	}

	ln, err := net.Listen("tcp", d.cfg.Listen)
	var serveErr error
	if err != nil {
		serveErr = errors.New().Wrap(errors.ErrServeAPI, err)
	} else {
		d.setAddr(ln.Addr().String())
		serveErr = d.server.ServeListener(ctx, ln)
	}
	if serveErr != nil {
		d.log.Error().Err(serveErr).Str("listen", d.cfg.Listen).Msg("HTTP server failed")
	}

	d.log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.sessions.Shutdown(shutdownCtx); err != nil {
		d.log.Error().Err(err).Msg("Session shutdown incomplete")
	}

	stopIngest()
	wg.Wait()

	if err := d.history.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close session history")
	}

	return serveErr
}

// Stats reports ingestion counters together with the source mode.
func (d *Daemon) Stats() api.BusStats {
	stats := api.BusStats{
		Stats:       d.loop.Stats(),
		Mode:        d.mode,
		Messages:    d.definitions.Current().Len(),
		LiveSignals: d.live.Len(),
	}
	if d.sourceErr != nil {
		stats.SourceError = d.sourceErr.Error()
	}

	return stats
}

func (d *Daemon) Mode() frame.Mode {
	return d.mode
}

// Addr is the bound HTTP address once Run is serving, or "".
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.addr
}

func (d *Daemon) setAddr(addr string) {
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
}
