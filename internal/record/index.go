package record

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sandgrid.dev/internal/grid"
)

// Index keeps recording metadata in a sqlite database next to the recording
// files, so operators can list sessions without scanning containers.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (and if needed creates) the recordings index.
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty index path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL suits the append-style workload; this is a secondary index, not
	// the source of truth.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS recordings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	path        TEXT NOT NULL UNIQUE,
	started_ms  INTEGER NOT NULL,
	grid_w      INTEGER NOT NULL,
	grid_h      INTEGER NOT NULL,
	elev_min    REAL NOT NULL,
	elev_max    REAL NOT NULL,
	frames      INTEGER NOT NULL DEFAULT 0,
	raw_bytes   INTEGER NOT NULL DEFAULT 0,
	finished_ms INTEGER
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// AddRecording registers a recording when it starts.
func (ix *Index) AddRecording(path string, started time.Time, geom grid.Geometry) error {
	_, err := ix.db.Exec(`
INSERT INTO recordings (path, started_ms, grid_w, grid_h, elev_min, elev_max)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	started_ms = excluded.started_ms,
	grid_w = excluded.grid_w,
	grid_h = excluded.grid_h,
	elev_min = excluded.elev_min,
	elev_max = excluded.elev_max,
	frames = 0, raw_bytes = 0, finished_ms = NULL`,
		path, started.UnixMilli(), geom.Width, geom.Height, geom.Range.Min, geom.Range.Max)
	return err
}

// FinishRecording stores final counters when a recording closes.
func (ix *Index) FinishRecording(path string, frames int, rawBytes int64) error {
	_, err := ix.db.Exec(`
UPDATE recordings SET frames = ?, raw_bytes = ?, finished_ms = ? WHERE path = ?`,
		frames, rawBytes, time.Now().UnixMilli(), path)
	return err
}

// RecordingInfo is one row of the recordings index.
type RecordingInfo struct {
	ID       int64
	Path     string
	Started  time.Time
	GridW    uint32
	GridH    uint32
	Frames   int
	RawBytes int64
}

// Recordings lists indexed recordings, most recent first.
func (ix *Index) Recordings() ([]RecordingInfo, error) {
	rows, err := ix.db.Query(`
SELECT id, path, started_ms, grid_w, grid_h, frames, raw_bytes
FROM recordings ORDER BY started_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecordingInfo
	for rows.Next() {
		var ri RecordingInfo
		var startedMS int64
		if err := rows.Scan(&ri.ID, &ri.Path, &startedMS, &ri.GridW, &ri.GridH, &ri.Frames, &ri.RawBytes); err != nil {
			return nil, err
		}
		ri.Started = time.UnixMilli(startedMS)
		out = append(out, ri)
	}
	return out, rows.Err()
}

// Close closes the index database.
func (ix *Index) Close() error { return ix.db.Close() }
