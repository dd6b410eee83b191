// Package store persists downloaded atlas resources in a local SQLite
// database so that later sessions start without a network round trip.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/pkg/colormap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found in store")

// canaryTable is populated last by Load; a non-empty canary means the
// store holds a complete download.
const canaryTable = "slices_top"

// Store provides SQLite-based persistence for atlas resources.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Open opens or creates the SQLite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serializing connections avoids SQLITE_BUSY
	// on the bulk inserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func sliceTable(axis atlas.Axis) (string, error) {
	switch axis {
	case atlas.Coronal:
		return "slices_coronal", nil
	case atlas.Horizontal:
		return "slices_horizontal", nil
	case atlas.Sagittal:
		return "slices_sagittal", nil
	case atlas.Top:
		return "slices_top", nil
	case atlas.Swanson:
		return "slices_swanson", nil
	}
	return "", fmt.Errorf("unknown axis %q", axis)
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS colormaps (
			name TEXT PRIMARY KEY,
			colors BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS regions (
			mapping TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS buckets (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS features (
			bucket TEXT NOT NULL,
			fname TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (bucket, fname)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	for _, axis := range atlas.AllAxes {
		table, err := sliceTable(axis)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (idx INTEGER PRIMARY KEY, svg BLOB NOT NULL)`, table)
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) tables() []string {
	out := []string{"colormaps", "regions", "buckets", "features"}
	for _, axis := range atlas.AllAxes {
		table, _ := sliceTable(axis)
		out = append(out, table)
	}
	return out
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// IsComplete reports whether a previous Load finished.
func (s *Store) IsComplete(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+canaryTable).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteAndReset drops every table and recreates an empty schema.
func (s *Store) DeleteAndReset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range s.tables() {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return s.migrate()
}

// Counts returns the number of rows of every table.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, table := range s.tables() {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, err
		}
		out[table] = n
	}
	return out, nil
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func decode(blob []byte, v any) error {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return json.Unmarshal(raw, v)
}

type row struct {
	key  any
	blob []byte
}

// insert writes rows into table in one transaction and returns the number
// of stored bytes.
func (s *Store) insert(ctx context.Context, table, keyCol, valCol string, rows []row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (%s, %s) VALUES (?, ?)`, table, keyCol, valCol))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	size := 0
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.key, r.blob); err != nil {
			return 0, err
		}
		size += len(r.blob)
	}
	return size, tx.Commit()
}

func (s *Store) get(ctx context.Context, query string, v any, args ...any) error {
	var blob []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return decode(blob, v)
}

// PutColormaps stores colormaps by name.
func (s *Store) PutColormaps(ctx context.Context, cmaps map[string][]string) (int, error) {
	rows := make([]row, 0, len(cmaps))
	for name, colors := range cmaps {
		blob, err := encode(colors)
		if err != nil {
			return 0, fmt.Errorf("colormap %s: %w", name, err)
		}
		rows = append(rows, row{key: name, blob: blob})
	}
	return s.insert(ctx, "colormaps", "name", "colors", rows)
}

// Colormap returns one colormap.
func (s *Store) Colormap(ctx context.Context, name string) (colormap.Swatches, error) {
	var colors []string
	if err := s.get(ctx, `SELECT colors FROM colormaps WHERE name = ?`, &colors, name); err != nil {
		return nil, fmt.Errorf("colormap %s: %w", name, err)
	}
	return colormap.Swatches(colors), nil
}

// ColormapNames lists stored colormap names.
func (s *Store) ColormapNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM colormaps ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PutRegions stores one region catalog per mapping.
func (s *Store) PutRegions(ctx context.Context, catalogs map[string]atlas.RegionCatalog) (int, error) {
	rows := make([]row, 0, len(catalogs))
	for mapping, catalog := range catalogs {
		blob, err := encode(catalogRegions(catalog))
		if err != nil {
			return 0, fmt.Errorf("regions %s: %w", mapping, err)
		}
		rows = append(rows, row{key: mapping, blob: blob})
	}
	return s.insert(ctx, "regions", "mapping", "data", rows)
}

// catalogRegions flattens a catalog into the array form accepted by
// RegionCatalog.UnmarshalJSON.
func catalogRegions(c atlas.RegionCatalog) []atlas.Region {
	out := make([]atlas.Region, 0, len(c))
	for _, idx := range c.Indices() {
		out = append(out, c[idx])
	}
	return out
}

// Regions returns the catalog of one mapping.
func (s *Store) Regions(ctx context.Context, mapping string) (atlas.RegionCatalog, error) {
	var catalog atlas.RegionCatalog
	if err := s.get(ctx, `SELECT data FROM regions WHERE mapping = ?`, &catalog, mapping); err != nil {
		return nil, fmt.Errorf("regions %s: %w", mapping, err)
	}
	return catalog, nil
}

// PutSlices stores the SVG documents of one axis.
func (s *Store) PutSlices(ctx context.Context, axis atlas.Axis, svgs map[int]string) (int, error) {
	table, err := sliceTable(axis)
	if err != nil {
		return 0, err
	}
	idxs := make([]int, 0, len(svgs))
	for idx := range svgs {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	rows := make([]row, 0, len(svgs))
	for _, idx := range idxs {
		blob, err := encode(svgs[idx])
		if err != nil {
			return 0, err
		}
		rows = append(rows, row{key: idx, blob: blob})
	}
	return s.insert(ctx, table, "idx", "svg", rows)
}

// Slice returns the SVG document of one slice.
func (s *Store) Slice(ctx context.Context, axis atlas.Axis, idx int) (string, error) {
	table, err := sliceTable(axis)
	if err != nil {
		return "", err
	}
	var svg string
	if err := s.get(ctx, fmt.Sprintf(`SELECT svg FROM %s WHERE idx = ?`, table), &svg, idx); err != nil {
		return "", fmt.Errorf("slice %s/%d: %w", axis, idx, err)
	}
	return svg, nil
}

// PutBucket stores bucket metadata.
func (s *Store) PutBucket(ctx context.Context, id string, b *atlas.Bucket) (int, error) {
	blob, err := encode(b)
	if err != nil {
		return 0, err
	}
	return s.insert(ctx, "buckets", "id", "data", []row{{key: id, blob: blob}})
}

// Bucket returns stored bucket metadata.
func (s *Store) Bucket(ctx context.Context, id string) (*atlas.Bucket, error) {
	var b atlas.Bucket
	if err := s.get(ctx, `SELECT data FROM buckets WHERE id = ?`, &b, id); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", id, err)
	}
	return &b, nil
}

// PutFeatures stores a feature of a bucket.
func (s *Store) PutFeatures(ctx context.Context, bucket, fname string, f *atlas.Feature) error {
	blob, err := encode(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO features (bucket, fname, data) VALUES (?, ?, ?)`,
		bucket, fname, blob)
	return err
}

// Features returns a stored feature.
func (s *Store) Features(ctx context.Context, bucket, fname string) (*atlas.Feature, error) {
	var f atlas.Feature
	err := s.get(ctx, `SELECT data FROM features WHERE bucket = ? AND fname = ?`, &f, bucket, fname)
	if err != nil {
		return nil, fmt.Errorf("features %s/%s: %w", bucket, fname, err)
	}
	return &f, nil
}
