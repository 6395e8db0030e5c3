package tilestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/myworld/mywdb/pkg/types"
)

const tileSchema = `
CREATE TABLE IF NOT EXISTS tiles (
	layer       TEXT NOT NULL,
	zoom_level  INTEGER NOT NULL,
	tile_column INTEGER NOT NULL,
	tile_row    INTEGER NOT NULL,
	tile_data   BLOB,
	version     INTEGER NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (layer, zoom_level, tile_column, tile_row)
);
CREATE INDEX IF NOT EXISTS idx_tiles_version ON tiles(version);
CREATE TABLE IF NOT EXISTS version_stamp (
	component TEXT PRIMARY KEY,
	version   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint (
	name    TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	date    INTEGER NOT NULL
);
INSERT OR IGNORE INTO version_stamp (component, version) VALUES ('data', 1);
`

// SQLiteStore is a tile file held in an SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	readOnly bool
	mu       sync.Mutex
}

// Open opens a tile file.
func Open(filePath string, mode Mode) (*SQLiteStore, error) {
	if mode != ModeCreate {
		if _, err := os.Stat(filePath); err != nil {
			return nil, fmt.Errorf("tilestore: failed to open %s: %w", filePath, err)
		}
	}
	dsn := filePath + "?_journal_mode=WAL&_busy_timeout=5000"
	if mode == ModeRead {
		dsn = "file:" + filePath + "?_busy_timeout=5000&mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("tilestore: failed to open %s: %w", filePath, err)
	}
	db.SetMaxOpenConns(1)

	st := &SQLiteStore{db: db, path: filePath, readOnly: mode == ModeRead}
	if mode == ModeCreate {
		if _, err := db.Exec(tileSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("tilestore: failed to create tables in %s: %w", filePath, err)
		}
	}
	return st, nil
}

// Name returns the tile file name without directory or extension.
func (st *SQLiteStore) Name() string {
	base := filepath.Base(st.path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func (st *SQLiteStore) Path() string { return st.path }

func (st *SQLiteStore) Close() error { return st.db.Close() }

func (st *SQLiteStore) checkWritable() error {
	if st.readOnly {
		return fmt.Errorf("tilestore: %s is open read-only", st.path)
	}
	return nil
}

func (st *SQLiteStore) Layers(ctx context.Context) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, "SELECT DISTINCT layer FROM tiles WHERE deleted = 0 ORDER BY layer")
	if err != nil {
		return nil, fmt.Errorf("tilestore: failed to list layers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Tiles returns the tiles of a layer matching a filter, ordered by zoom,
// column and row. An empty layer returns tiles of every layer.
func (st *SQLiteStore) Tiles(ctx context.Context, layer string, f Filter) ([]Tile, error) {
	q := "SELECT layer, zoom_level, tile_column, tile_row, tile_data, version, deleted FROM tiles WHERE version > ?"
	args := []interface{}{f.SinceVersion}
	if layer != "" {
		q += " AND layer = ?"
		args = append(args, layer)
	}
	if f.MinZoom != nil {
		q += " AND zoom_level >= ?"
		args = append(args, *f.MinZoom)
	}
	if f.MaxZoom != nil {
		q += " AND zoom_level <= ?"
		args = append(args, *f.MaxZoom)
	}
	rows, err := st.db.QueryContext(ctx, q+" ORDER BY layer, zoom_level, tile_column, tile_row", args...)
	if err != nil {
		return nil, fmt.Errorf("tilestore: failed to read tiles: %w", err)
	}
	defer rows.Close()

	var out []Tile
	for rows.Next() {
		var t Tile
		if err := rows.Scan(&t.Layer, &t.Zoom, &t.X, &t.Y, &t.Data, &t.Version, &t.Deleted); err != nil {
			return nil, err
		}
		if f.matches(t) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (st *SQLiteStore) dataVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, "SELECT version FROM version_stamp WHERE component = 'data'").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("tilestore: failed to read data version: %w", err)
	}
	return v, nil
}

func (st *SQLiteStore) DataVersion(ctx context.Context) (int64, error) {
	return st.dataVersion(ctx, st.db)
}

func (st *SQLiteStore) writeTiles(ctx context.Context, tiles []Tile) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tilestore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	version, err := st.dataVersion(ctx, tx)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tiles (layer, zoom_level, tile_column, tile_row, tile_data, version, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (layer, zoom_level, tile_column, tile_row)
		DO UPDATE SET tile_data = excluded.tile_data, version = excluded.version, deleted = excluded.deleted`)
	if err != nil {
		return fmt.Errorf("tilestore: failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range tiles {
		var data interface{}
		if !t.Deleted {
			data = t.Data
		}
		if _, err := stmt.ExecContext(ctx, t.Layer, t.Zoom, t.X, t.Y, data, version, t.Deleted); err != nil {
			return fmt.Errorf("tilestore: failed to write tile %s/%d/%d/%d: %w", t.Layer, t.Zoom, t.X, t.Y, err)
		}
	}
	return tx.Commit()
}

// PutTile stores a tile at the current data version.
func (st *SQLiteStore) PutTile(ctx context.Context, t Tile) error {
	t.Deleted = false
	return st.writeTiles(ctx, []Tile{t})
}

// DeleteTile records the removal of a tile so later change copies carry it.
func (st *SQLiteStore) DeleteTile(ctx context.Context, layer string, zoom, x, y int) error {
	return st.writeTiles(ctx, []Tile{{Layer: layer, Zoom: zoom, X: x, Y: y, Deleted: true}})
}

func (st *SQLiteStore) LoadFromDB(ctx context.Context, src Store, opts LoadOptions) (int, error) {
	f := Filter{
		MinZoom:        opts.MinZoom,
		MaxZoom:        opts.MaxZoom,
		SinceVersion:   opts.SinceVersion,
		IncludeDeleted: opts.SinceVersion > 0 || opts.IncludeDeleted,
	}
	if opts.Clip {
		f.Bounds = opts.Bounds
	}
	layers := opts.Layers
	if len(layers) == 0 {
		layers = []string{""}
	}
	var batch []Tile
	for _, layer := range layers {
		tiles, err := src.Tiles(ctx, layer, f)
		if err != nil {
			return 0, err
		}
		batch = append(batch, tiles...)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := st.writeTiles(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// SetCheckpoint positions a named checkpoint. With version 0 it takes the
// current data version and advances it, so later tiles fall after it.
func (st *SQLiteStore) SetCheckpoint(ctx context.Context, name string, version int64) (*types.Checkpoint, error) {
	if err := st.checkWritable(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tilestore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version == 0 {
		if version, err = st.dataVersion(ctx, tx); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE version_stamp SET version = version + 1 WHERE component = 'data'"); err != nil {
			return nil, fmt.Errorf("tilestore: failed to advance data version: %w", err)
		}
	}
	cp := &types.Checkpoint{Name: name, Version: version, Date: time.Now().UTC()}
	if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoint (name, version, date) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET version = excluded.version, date = excluded.date`,
		name, version, cp.Date.UnixNano()); err != nil {
		return nil, fmt.Errorf("tilestore: failed to set checkpoint %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cp, nil
}

// DataVersionFor returns the version of a checkpoint, or 0 if it is unset.
func (st *SQLiteStore) DataVersionFor(ctx context.Context, name string) (int64, error) {
	var v int64
	err := st.db.QueryRowContext(ctx, "SELECT version FROM checkpoint WHERE name = ?", name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tilestore: failed to read checkpoint %s: %w", name, err)
	}
	return v, nil
}

func (st *SQLiteStore) HasChangesSince(ctx context.Context, version int64) (bool, error) {
	var n int
	if err := st.db.QueryRowContext(ctx, "SELECT count(*) FROM tiles WHERE version > ?", version).Scan(&n); err != nil {
		return false, fmt.Errorf("tilestore: failed to check changes: %w", err)
	}
	return n > 0, nil
}

var _ Store = (*SQLiteStore)(nil)
