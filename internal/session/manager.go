package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeberg.org/mutker/canlogd/internal/artifacts"
	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/history"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/sampler"
)

const (
	historyTimeout  = 5 * time.Second
	debugSampleKeys = 10
	debugSampleVals = 5
)

type Config struct {
	Interval    time.Duration
	MinInterval time.Duration
	// Signals is the default filter; empty records everything.
	Signals     []string
	Keep        int
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    sampler.DefaultInterval,
		MinInterval: sampler.DefaultMinInterval,
		Keep:        artifacts.DefaultKeep,
		StopTimeout: 5 * time.Second,
	}
}

// Manager owns the session lifecycle: idle, active, stopping, idle.
type Manager struct {
	cfg     Config
	live    LiveView
	store   ArtifactStore
	history history.Recorder
	sampler *sampler.Sampler
	clk     clock.Clock
	log     logger.Logger

	mu        sync.Mutex
	state     State
	current   *active
	lastID    int
	lastFlush *FlushResult
	// reserved holds IDs of the active session and of flushes still
	// writing, so a new session never reuses them.
	reserved map[int]struct{}
	pending  int
	// flushed counts finished flushes; Start relists if it moved.
	flushed int

	flushes sync.WaitGroup
}

type active struct {
	info     Info
	interval time.Duration
	buf      *Buffer
}

func NewManager(cfg Config, live LiveView, store ArtifactStore, rec history.Recorder, clk clock.Clock, log logger.Logger) *Manager {
	if rec == nil {
		rec, _ = history.NewService(history.DefaultConfig(), log)
	}

	return &Manager{
		cfg:      cfg,
		live:     live,
		store:    store,
		history:  rec,
		sampler:  sampler.New(clk, live, log.With("sampler")),
		clk:      clk,
		log:      log,
		state:    StateIdle,
		reserved: make(map[int]struct{}),
	}
}

// Start begins a session. If one is already active its Info is returned
// along with ErrAlreadyActive and nothing changes.
func (m *Manager) Start(opts StartOptions) (Info, error) {
	errFactory := errors.New()

	infos, listErr := m.lockWithListing()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		var info Info
		if m.current != nil {
			info = m.current.info
		}
		return info, errFactory.WithData(ErrAlreadyActive, struct {
			LogID int
			State State
		}{info.ID, m.state})
	}

	if listErr != nil {
		return Info{}, errFactory.Wrap(ErrStartFailed, listErr)
	}
	id := artifacts.FirstFreeID(infos, m.reserved)

	interval := m.cfg.Interval
	if opts.IntervalMS != nil {
		interval = time.Duration(*opts.IntervalMS * float64(time.Millisecond))
	}
	interval = sampler.ClampInterval(interval, m.cfg.MinInterval)

	signals := opts.Signals
	if len(signals) == 0 {
		signals = m.cfg.Signals
	}
	signals = append([]string(nil), signals...)

	cur := &active{
		info: Info{
			ID:         id,
			RunID:      uuid.NewString(),
			Filename:   m.store.Name(id),
			StartedAt:  m.clk.Now(),
			IntervalMS: durationMS(interval),
			Signals:    signals,
		},
		interval: interval,
		buf:      &Buffer{},
	}

	err := m.sampler.Start(sampler.Config{
		Interval:    interval,
		MinInterval: m.cfg.MinInterval,
		Filter:      signals,
		StartedAt:   cur.info.StartedAt,
	}, cur.buf)
	if err != nil {
		return Info{}, errFactory.Wrap(ErrStartFailed, err)
	}

	m.current = cur
	m.state = StateActive
	m.lastID = id
	m.reserved[id] = struct{}{}

	event := m.log.Info().
		Int("log_id", id).
		Str("run_id", cur.info.RunID).
		Float64("interval_ms", cur.info.IntervalMS)
	if len(signals) > 0 {
		event.Int("signals", len(signals)).Strs("first_signals", firstN(signals, debugSampleVals))
	} else {
		event.Str("signals", "all")
	}
	event.Msg("Logging started")

	return cur.info, nil
}

// lockWithListing lists the artifacts without holding the lock so status
// readers never wait on the directory scan, then takes the lock. If a
// flush finished meanwhile the listing may miss its file, so it is
// repeated. The lock is held on return.
func (m *Manager) lockWithListing() ([]artifacts.Info, error) {
	for {
		m.mu.Lock()
		gen := m.flushed
		m.mu.Unlock()

		infos, err := m.store.List()

		m.mu.Lock()
		if err != nil || gen == m.flushed {
			return infos, err
		}
		m.mu.Unlock()
	}
}

// Stop ends the active session. A non-empty buffer is flushed in the
// background; Wait blocks until it is on disk.
func (m *Manager) Stop() (StopResult, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return StopResult{}, errors.New().New(ErrNotActive)
	}
	cur := m.current
	m.state = StateStopping
	m.pending++
	m.flushes.Add(1)
	m.mu.Unlock()

	if err := m.sampler.Stop(m.cfg.StopTimeout); err != nil {
		m.log.Warn().Err(err).Int("log_id", cur.info.ID).Msg("Sampler did not stop in time, sealing buffer")
	}

	entries := cur.buf.Seal()
	stoppedAt := m.clk.Now()

	m.mu.Lock()
	m.current = nil
	m.state = StateIdle
	m.mu.Unlock()

	go m.flush(cur.info, entries, stoppedAt)

	res := StopResult{Status: StopStopped, Session: cur.info, Entries: len(entries)}
	if len(entries) == 0 {
		res.Status = StopEmpty
		m.log.Info().Int("log_id", cur.info.ID).Msg("Logging stopped, no data logged")
		return res, nil
	}

	m.log.Info().
		Int("log_id", cur.info.ID).
		Int("entries", len(entries)).
		Str("file", cur.info.Filename).
		Int("keep", m.cfg.Keep).
		Msg("Logging stopped, saving")

	return res, nil
}

func (m *Manager) flush(info Info, entries []sampler.Entry, stoppedAt time.Time) {
	defer m.flushes.Done()

	result := FlushResult{
		ID:       info.ID,
		RunID:    info.RunID,
		Filename: info.Filename,
		Entries:  len(entries),
		Status:   history.StatusEmpty,
	}

	if len(entries) > 0 {
		if _, err := m.store.Write(info.ID, entries); err != nil {
			result.Status = history.StatusFailed
			result.Error = err.Error()
			m.log.Error().
				Err(err).
				Int("log_id", info.ID).
				Int("entries", len(entries)).
				Bool("data_lost", true).
				Msg("Failed to save log")
		} else {
			result.Status = history.StatusSaved
		}

		removed, err := m.store.Retain(m.cfg.Keep)
		if err != nil {
			m.log.Warn().Err(err).Msg("Log retention incomplete")
		}
		for _, r := range removed {
			result.Removed = append(result.Removed, r.Name)
		}
	}
	result.At = m.clk.Now()

	m.mu.Lock()
	delete(m.reserved, info.ID)
	m.pending--
	m.flushed++
	if len(entries) > 0 {
		m.lastFlush = &result
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	err := m.history.Record(ctx, &history.Record{
		RunID:      info.RunID,
		LogID:      info.ID,
		Filename:   info.Filename,
		StartedAt:  info.StartedAt,
		StoppedAt:  stoppedAt,
		IntervalMS: info.IntervalMS,
		Entries:    len(entries),
		Signals:    info.Signals,
		Status:     result.Status,
		Error:      result.Error,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("run_id", info.RunID).Msg("Failed to record session history")
	}
}

// Wait blocks until every scheduled flush has finished.
func (m *Manager) Wait() {
	m.flushes.Wait()
}

// Shutdown stops an active session and waits for all flushes, bounded
// by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.Active() {
		m.log.Warn().Msg("Logging active during shutdown, saving data")
		if _, err := m.Stop(); err != nil && !errors.HasCode(err, ErrNotActive) {
			m.log.Error().Err(err).Msg("Failed to stop logging")
		}
	}

	done := make(chan struct{})
	go func() {
		m.flushes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.log.Error().Bool("data_lost", true).Msg("Shutdown before pending logs were saved")
		return errors.New().Wrap(ErrShutdownTimeout, ctx.Err())
	}
}

func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:        m.state,
		IsLogging:    m.state == StateActive,
		CurrentLogID: m.lastID,
		IntervalMS:   durationMS(sampler.ClampInterval(m.cfg.Interval, m.cfg.MinInterval)),
		PendingFlush: m.pending,
		LastFlush:    m.lastFlush,
	}
	if m.current != nil {
		info := m.current.info
		s.Session = &info
		s.EntriesCount = m.current.buf.Len()
		s.IntervalMS = info.IntervalMS
	}

	return s
}

func (m *Manager) Debug() Debug {
	status := m.Status()

	d := Debug{
		IsLogging:     status.IsLogging,
		IntervalMS:    status.IntervalMS,
		SamplerStatus: "Not running",
		EntriesCount:  status.EntriesCount,
		LiveCount:     m.live.Len(),
		SampleKeys:    []string{},
		SampleValues:  map[string]float64{},
	}
	if m.sampler.Running() {
		d.SamplerStatus = "Running"
	}
	if status.Session != nil {
		d.SignalsToLog = status.Session.Signals
		d.SignalsToLogCount = len(status.Session.Signals)
	}

	snapshot := m.live.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d.SampleKeys = firstN(keys, debugSampleKeys)
	for _, k := range firstN(keys, debugSampleVals) {
		d.SampleValues[k] = snapshot[k]
	}

	return d
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
