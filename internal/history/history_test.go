package history_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/history"
	"codeberg.org/mutker/canlogd/internal/logger"
)

func record(runID string, logID int, started time.Time, status history.Status) *history.Record {
	return &history.Record{
		RunID:      runID,
		LogID:      logID,
		Filename:   "keymetrics-1.csv",
		StartedAt:  started,
		StoppedAt:  started.Add(time.Minute),
		IntervalMS: 5,
		Entries:    12000,
		Signals:    []string{"Engine.Rpm"},
		Status:     status,
	}
}

func TestDisabledServiceIsNoop(t *testing.T) {
	rec, err := history.NewService(history.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	assert.False(t, rec.Enabled())

	require.NoError(t, rec.Record(context.Background(), record("a", 1, time.Now(), history.StatusSaved)))
	list, err := rec.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, rec.Close())
}

func TestInvalidConfig(t *testing.T) {
	_, err := history.NewService(history.Config{Enabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, history.ErrInvalidDBPath))
}

func TestRecordAndList(t *testing.T) {
	cfg := history.Config{Enabled: true, DBPath: filepath.Join(t.TempDir(), "db", "history.db")}
	rec, err := history.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()
	assert.True(t, rec.Enabled())

	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, record("run-1", 1, base, history.StatusSaved)))
	require.NoError(t, rec.Record(ctx, record("run-2", 2, base.Add(100*time.Millisecond), history.StatusEmpty)))
	failed := record("run-3", 3, base.Add(time.Hour), history.StatusFailed)
	failed.Error = "disk full"
	failed.Signals = nil
	require.NoError(t, rec.Record(ctx, failed))

	list, err := rec.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "run-3", list[0].RunID)
	assert.Equal(t, "run-2", list[1].RunID)
	assert.Equal(t, "run-1", list[2].RunID)

	assert.Equal(t, history.StatusFailed, list[0].Status)
	assert.Equal(t, "disk full", list[0].Error)
	assert.Empty(t, list[0].Signals)
	assert.Equal(t, []string{"Engine.Rpm"}, list[2].Signals)
	assert.Equal(t, base, list[2].StartedAt)
	assert.Equal(t, 12000, list[2].Entries)

	limited, err := rec.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "run-3", limited[0].RunID)
}

func TestRecordRejectsInvalid(t *testing.T) {
	cfg := history.Config{Enabled: true, DBPath: filepath.Join(t.TempDir(), "history.db")}
	rec, err := history.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	err = rec.Record(context.Background(), nil)
	assert.True(t, errors.HasCode(err, history.ErrInvalidRecord))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = rec.Record(ctx, record("x", 1, time.Now(), history.StatusSaved))
	assert.True(t, errors.HasCode(err, history.ErrOperationTimeout))
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	dir := t.TempDir()
	cfg := history.Config{Enabled: true, DBPath: filepath.Join(dir, "history.db")}

	rec, err := history.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), record("old", 1, time.Now(), history.StatusSaved)))
	require.NoError(t, rec.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schema_versions SET version = ?`, history.SchemaVersion+41)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	rec, err = history.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	list, err := rec.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list, "tables are recreated")

	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "history_v42_")
}
