package history

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout has fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	mu     sync.Mutex
	closed bool
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	// Validate if schema is current, with backup if needed
	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("History repository initialized")

	return &repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

func (r *repository) Insert(rec *Record) error {
	errFactory := errors.New()

	signals := rec.Signals
	if signals == nil {
		signals = []string{}
	}
	encoded, err := json.Marshal(signals)
	if err != nil {
		return errFactory.Wrap(ErrInvalidRecord, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errFactory.WithMessage(ErrStorageAccess, "History repository is closed")
	}

	_, err = r.db.Exec(insertSessionSQL,
		rec.RunID,
		int64(rec.LogID),
		rec.Filename,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.StoppedAt.UTC().Format(timeLayout),
		rec.IntervalMS,
		int64(rec.Entries),
		string(encoded),
		string(rec.Status),
		rec.Error,
	)
	if err != nil {
		r.logger.Error().Err(err).Str("run_id", rec.RunID).Msg("Failed to insert session record")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Str("run_id", rec.RunID).Int("log_id", rec.LogID).Msg("Session recorded")

	return nil
}

func (r *repository) List(limit int) ([]Record, error) {
	errFactory := errors.New()

	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(listSessionsSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec                  Record
			logID, entries       int64
			startedAt, stoppedAt string
			signals, status      string
		)
		if err := rows.Scan(&rec.RunID, &logID, &rec.Filename, &startedAt, &stoppedAt,
			&rec.IntervalMS, &entries, &signals, &status, &rec.Error); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		rec.LogID = int(logID)
		rec.Entries = int(entries)
		rec.Status = Status(status)
		if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if rec.StoppedAt, err = time.Parse(timeLayout, stoppedAt); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if err := json.Unmarshal([]byte(signals), &rec.Signals); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.db.Close()
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("History repository closed")

	return nil
}
