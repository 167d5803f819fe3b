package registry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"codeberg.org/mutker/canlogd/internal/errors"
)

// watchDebounce coalesces the burst of events an editor or an upload
// produces for a single file.
const watchDebounce = 250 * time.Millisecond

// Watch follows the managed directory and merges definition files as they
// appear or change, dropping them when they are removed. It blocks until
// ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	errFactory := errors.New()

	if err := os.MkdirAll(m.dir, defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrWatchFailed, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(ErrWatchFailed, err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return errFactory.Wrap(ErrWatchFailed, err)
	}

	m.log.Info().Str("dir", m.dir).Msg("Watching definitions directory")

	changed := make(map[string]struct{})
	removed := make(map[string]struct{})
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			path := filepath.Clean(event.Name)
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				changed[path] = struct{}{}
				delete(removed, path)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				removed[path] = struct{}{}
				delete(changed, path)
			default:
				continue
			}
			fire = m.clock.After(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("Definitions watcher error")

		case <-fire:
			fire = nil
			m.applyChanges(changed, removed)
			changed = make(map[string]struct{})
			removed = make(map[string]struct{})
		}
	}
}

func (m *Manager) applyChanges(changed, removed map[string]struct{}) {
	for path := range removed {
		if _, err := m.Remove(path); err != nil {
			m.log.Warn().Err(err).Str("source", path).Msg("Reload after removal failed")
		}
	}

	for path := range changed {
		if _, err := m.Add(path); err != nil {
			m.log.Error().Err(err).Str("source", path).Msg("Definition file rejected, keeping active registry")
			continue
		}
		m.log.Info().Str("source", path).Msg("Definition file merged")
	}
}
