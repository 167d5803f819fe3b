package registry

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// Manager owns the list of definition files and rebuilds the active
// Registry whenever it changes. Rebuilds are serialized; readers never
// wait on them.
type Manager struct {
	holder *Holder
	dir    string
	clock  clock.Clock
	log    logger.Logger

	mu    sync.Mutex
	paths []string
}

func NewManager(holder *Holder, dir string, clk clock.Clock, log logger.Logger) *Manager {
	return &Manager{
		holder: holder,
		dir:    dir,
		clock:  clk,
		log:    log,
	}
}

func (m *Manager) Holder() *Holder {
	return m.holder
}

func (m *Manager) Current() *Registry {
	return m.holder.Current()
}

// Paths returns the tracked definition files in merge order.
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.paths))
	copy(out, m.paths)
	return out
}

// Scan lists the definition files already present in the managed
// directory, sorted by name.
func (m *Manager) Scan() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New().Wrap(ErrDefinitionUnreadable, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(m.dir, entry.Name()))
	}
	sort.Strings(paths)

	return paths, nil
}

// LoadFiles sets the tracked files and builds the first registry.
func (m *Manager) LoadFiles(paths []string) (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paths = m.paths[:0]
	for _, p := range paths {
		m.paths = appendUnique(m.paths, p)
	}

	return m.rebuildLocked()
}

// Reload rebuilds the registry from every tracked file.
func (m *Manager) Reload() (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rebuildLocked()
}

// Add validates path on its own and, if it parses, merges it with the
// tracked files into a new registry. When path fails to load the active
// registry stays in effect.
func (m *Manager) Add(path string) (*Registry, error) {
	src, err := ReadFile(path)
	if err != nil {
		return m.holder.Current(), err
	}
	if _, err := parse(src); err != nil {
		return m.holder.Current(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.paths = appendUnique(m.paths, path)

	return m.rebuildLocked()
}

// Remove drops path from the tracked files and rebuilds.
func (m *Manager) Remove(path string) (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.paths[:0]
	found := false
	for _, p := range m.paths {
		if p == path {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	m.paths = kept
	if !found {
		return m.holder.Current(), nil
	}

	return m.rebuildLocked()
}

// Store validates an uploaded definition, writes it into the managed
// directory and merges it.
func (m *Manager) Store(name string, data []byte) (*Registry, string, error) {
	errFactory := errors.New()

	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || !IsDefinitionFile(base) {
		return m.holder.Current(), "", errFactory.WithData(ErrDefinitionInvalid, struct {
			Name   string
			Reason string
		}{name, "expected a .dbc file"})
	}

	if _, err := parse(Source{Name: base, Data: data}); err != nil {
		return m.holder.Current(), "", err
	}

	if err := os.MkdirAll(m.dir, defaultDirPerm); err != nil {
		return m.holder.Current(), "", errFactory.Wrap(ErrStoreDefinition, err)
	}

	path := filepath.Join(m.dir, base)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, defaultFilePerm); err != nil {
		return m.holder.Current(), "", errFactory.Wrap(ErrStoreDefinition, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return m.holder.Current(), "", errFactory.Wrap(ErrStoreDefinition, err)
	}

	reg, err := m.Add(path)
	return reg, path, err
}

// rebuildLocked reads every tracked file and swaps in the result. If no
// source could be loaded while some were configured, the previous
// registry is kept.
func (m *Manager) rebuildLocked() (*Registry, error) {
	errFactory := errors.New()

	sources := make([]Source, 0, len(m.paths))
	var failed []error
	for _, p := range m.paths {
		src, err := ReadFile(p)
		if err != nil {
			m.log.Warn().Err(err).Str("source", p).Msg("Skipping unreadable definition source")
			failed = append(failed, err)
			continue
		}
		sources = append(sources, src)
	}

	reg, err := Load(m.log, sources...)
	if err != nil {
		failed = append(failed, err)
	}

	if len(m.paths) > 0 && len(reg.Sources()) == 0 {
		return m.holder.Current(), errFactory.Wrap(ErrNoDefinitions, errors.Join(failed...))
	}

	m.holder.Replace(reg)
	m.log.Info().
		Int("messages", reg.Len()).
		Strs("sources", reg.Sources()).
		Msg("Definition registry loaded")

	if len(failed) > 0 {
		return reg, errors.Join(failed...)
	}

	return reg, nil
}

func appendUnique(paths []string, p string) []string {
	for _, existing := range paths {
		if existing == p {
			return paths
		}
	}
	return append(paths, p)
}
