// Package artifacts manages the CSV files produced by recording
// sessions: naming, ID allocation, listing and retention.
package artifacts

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/sampler"
)

const (
	DefaultPrefix = "keymetrics-"
	DefaultExt    = ".csv"
	DefaultKeep   = 5

	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// Info describes one artifact on disk.
type Info struct {
	ID      int       `json:"id"`
	Name    string    `json:"filename"`
	Size    int64     `json:"size_bytes"`
	Created time.Time `json:"created"`
}

type Store struct {
	Dir    string
	Prefix string
	Ext    string

	log logger.Logger
}

func NewStore(dir string, log logger.Logger) *Store {
	return &Store{
		Dir:    dir,
		Prefix: DefaultPrefix,
		Ext:    DefaultExt,
		log:    log,
	}
}

// Name returns the file name for id.
func (s *Store) Name(id int) string {
	return s.Prefix + strconv.Itoa(id) + s.Ext
}

func (s *Store) Path(id int) string {
	return filepath.Join(s.Dir, s.Name(id))
}

// ParseID extracts the ID from an artifact file name.
func (s *Store) ParseID(name string) (int, bool) {
	if !strings.HasPrefix(name, s.Prefix) || !strings.HasSuffix(name, s.Ext) {
		return 0, false
	}

	id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, s.Prefix), s.Ext))
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

// NextID returns the smallest positive ID that neither names an existing
// artifact nor appears in reserved.
func (s *Store) NextID(reserved map[int]struct{}) (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}

	return FirstFreeID(infos, reserved), nil
}

// FirstFreeID returns the smallest positive ID not used by infos or
// reserved.
func FirstFreeID(infos []Info, reserved map[int]struct{}) int {
	used := make(map[int]struct{}, len(infos)+len(reserved))
	for _, info := range infos {
		used[info.ID] = struct{}{}
	}
	for id := range reserved {
		used[id] = struct{}{}
	}

	id := 1
	for {
		if _, ok := used[id]; !ok {
			return id
		}
		id++
	}
}

// List returns every artifact sorted by ID. A missing directory is an
// empty list.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New().WithData(ErrList, struct {
			Path  string
			Error string
		}{s.Dir, err.Error()})
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := s.ParseID(entry.Name())
		if !ok {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}

		infos = append(infos, Info{
			ID:      id,
			Name:    entry.Name(),
			Size:    fi.Size(),
			Created: createdAt(fi),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos, nil
}

// Open returns the artifact for reading.
func (s *Store) Open(id int) (*os.File, Info, error) {
	errFactory := errors.New()

	f, err := os.Open(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, errFactory.WithData(ErrNotFound, struct {
			Name string
		}{s.Name(id)})
	}
	if err != nil {
		return nil, Info{}, errFactory.Wrap(ErrList, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, errFactory.Wrap(ErrList, err)
	}

	return f, Info{ID: id, Name: s.Name(id), Size: fi.Size(), Created: createdAt(fi)}, nil
}

// Write serializes entries into the artifact for id. The file appears
// under its final name only once it is complete.
func (s *Store) Write(id int, entries []sampler.Entry) (Info, error) {
	errFactory := errors.New()
	name := s.Name(id)

	fail := func(phase string, err error) error {
		return errFactory.WithData(ErrWrite, struct {
			Phase string
			Name  string
			Error string
		}{phase, name, err.Error()})
	}

	if err := os.MkdirAll(s.Dir, defaultDirPerm); err != nil {
		return Info{}, fail("create_directory", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+name+".*.tmp")
	if err != nil {
		return Info{}, fail("create_temp", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := WriteCSV(tmp, entries); err != nil {
		tmp.Close()
		return Info{}, fail("write_rows", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Info{}, fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fail("close", err)
	}
	if err := os.Chmod(tmpName, defaultFilePerm); err != nil {
		return Info{}, fail("chmod", err)
	}
	if err := os.Rename(tmpName, s.Path(id)); err != nil {
		return Info{}, fail("rename", err)
	}

	fi, err := os.Stat(s.Path(id))
	if err != nil {
		return Info{}, fail("stat", err)
	}

	s.log.Info().
		Str("file", name).
		Int("entries", len(entries)).
		Int64("bytes", fi.Size()).
		Msg("Log artifact written")

	return Info{ID: id, Name: name, Size: fi.Size(), Created: createdAt(fi)}, nil
}

// Retain deletes all but the keep most recently created artifacts.
// Creation-time ties go to the higher ID. A failed delete is logged and
// the sweep continues; the failures are returned joined.
func (s *Store) Retain(keep int) ([]Info, error) {
	if keep < 0 {
		keep = 0
	}

	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(infos) <= keep {
		return nil, nil
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].Created.Equal(infos[j].Created) {
			return infos[i].Created.After(infos[j].Created)
		}
		return infos[i].ID > infos[j].ID
	})

	var (
		removed []Info
		failed  []error
	)
	for _, info := range infos[keep:] {
		if err := os.Remove(filepath.Join(s.Dir, info.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("file", info.Name).Msg("Failed to delete old log artifact")
			failed = append(failed, errors.New().WithData(ErrDelete, struct {
				Name  string
				Error string
			}{info.Name, err.Error()}))
			continue
		}

		s.log.Debug().Str("file", info.Name).Msg("Deleted old log artifact")
		removed = append(removed, info)
	}

	if len(failed) > 0 {
		return removed, errors.Join(failed...)
	}

	return removed, nil
}

// createdAt approximates creation time by modification time; artifacts
// are written once and never modified.
func createdAt(fi fs.FileInfo) time.Time {
	return fi.ModTime()
}
