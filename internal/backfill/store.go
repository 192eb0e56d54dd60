// Package backfill walks tracked assets backward through history in
// bounded chunks: a sqlite registry of active assets and per-interval
// cursors, a chunked fetch loop, canonical CSV output and train/val/
// test split materialization on completion.
package backfill

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/fks-trading/fks-data/internal/secrets"
)

// ErrNotFound marks lookups for unknown assets.
var ErrNotFound = errors.New("asset not found")

// fullHistoryYears approximates "all history"; providers clamp further.
const fullHistoryYears = 20

// Asset is one tracked (source, symbol) with the intervals to backfill.
// The collector never mutates assets; only the admin surface does.
type Asset struct {
	ID          int64     `json:"id"`
	Source      string    `json:"source"`
	Symbol      string    `json:"symbol"`
	Intervals   []string  `json:"intervals"`
	AssetType   string    `json:"asset_type,omitempty"`
	Exchange    string    `json:"exchange,omitempty"`
	Years       float64   `json:"years,omitempty"`
	FullHistory bool      `json:"full_history"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Progress is the persistent cursor for one (asset, interval). The
// cursor only moves forward and never passes TargetEnd.
type Progress struct {
	AssetID     int64     `json:"asset_id"`
	Interval    string    `json:"interval"`
	LastCursor  time.Time `json:"last_cursor"`
	TargetStart time.Time `json:"target_start"`
	TargetEnd   time.Time `json:"target_end"`
	LastRows    int       `json:"last_rows"`
	LastRun     time.Time `json:"last_run"`
}

// Done reports whether the cursor has reached the target.
func (p Progress) Done() bool { return !p.LastCursor.Before(p.TargetEnd) }

// Store persists assets and cursors in a local sqlite file. sqlite
// serializes writers; the mutex keeps our own transactions coherent.
type Store struct {
	db  *sqlx.DB
	mu  sync.Mutex
	now func() time.Time
}

// OpenStore opens (and migrates) the registry database. Empty path
// resolves ACTIVE_ASSETS_DB, then <ACTIVE_ASSETS_DIR>/active_assets.db,
// then ./data/managed/active_assets.db.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = secrets.EnvAny("ACTIVE_ASSETS_DB")
	}
	if path == "" {
		dir := secrets.EnvAny("ACTIVE_ASSETS_DIR")
		if dir == "" {
			dir = filepath.Join(".", "data", "managed")
		}
		path = filepath.Join(dir, "active_assets.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS active_assets (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			source       TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			intervals    TEXT NOT NULL,
			asset_type   TEXT,
			exchange     TEXT,
			years        REAL,
			full_history INTEGER NOT NULL DEFAULT 0,
			enabled      INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			UNIQUE (source, symbol))`,
		`CREATE TABLE IF NOT EXISTS backfill_progress (
			asset_id     INTEGER NOT NULL,
			interval     TEXT NOT NULL,
			last_cursor  TEXT NOT NULL,
			target_start TEXT NOT NULL,
			target_end   TEXT NOT NULL,
			last_rows    INTEGER NOT NULL DEFAULT 0,
			last_run     TEXT,
			PRIMARY KEY (asset_id, interval))`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339

// AddAsset registers (or re-registers) an asset and initializes one
// progress row per interval with the cursor at target_start. years <= 0
// without full_history defaults to one year.
func (s *Store) AddAsset(a Asset) (Asset, error) {
	if a.Source == "" || a.Symbol == "" {
		return Asset{}, fmt.Errorf("source and symbol required")
	}
	if len(a.Intervals) == 0 {
		return Asset{}, fmt.Errorf("at least one interval required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	years := a.Years
	if a.FullHistory {
		years = fullHistoryYears
	} else if years <= 0 {
		years = 1
	}
	targetStart := now.Add(-time.Duration(years * 365 * 24 * float64(time.Hour)))

	tx, err := s.db.Beginx()
	if err != nil {
		return Asset{}, fmt.Errorf("begin add asset: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO active_assets (source, symbol, intervals, asset_type, exchange,
			years, full_history, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (source, symbol) DO UPDATE SET
			intervals = excluded.intervals, asset_type = excluded.asset_type,
			exchange = excluded.exchange, years = excluded.years,
			full_history = excluded.full_history, enabled = 1,
			updated_at = excluded.updated_at`,
		a.Source, a.Symbol, strings.Join(a.Intervals, ","), a.AssetType, a.Exchange,
		a.Years, boolToInt(a.FullHistory), now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return Asset{}, fmt.Errorf("insert asset: %w", err)
	}

	// last_insert_rowid() is stale on the conflict-update path, so the
	// id always comes from the unique key.
	var id int64
	if err := tx.Get(&id, `SELECT id FROM active_assets WHERE source = ? AND symbol = ?`,
		a.Source, a.Symbol); err != nil {
		return Asset{}, fmt.Errorf("resolve asset id: %w", err)
	}

	for _, interval := range a.Intervals {
		if _, err := tx.Exec(`
			INSERT INTO backfill_progress (asset_id, interval, last_cursor, target_start, target_end, last_rows)
			VALUES (?, ?, ?, ?, ?, 0)
			ON CONFLICT (asset_id, interval) DO NOTHING`,
			id, interval, targetStart.Format(timeLayout),
			targetStart.Format(timeLayout), now.Format(timeLayout)); err != nil {
			return Asset{}, fmt.Errorf("init progress %s: %w", interval, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Asset{}, fmt.Errorf("commit add asset: %w", err)
	}

	a.ID = id
	a.Enabled = true
	a.CreatedAt = now
	a.UpdatedAt = now
	return a, nil
}

// SetEnabled toggles collection for an asset.
func (s *Store) SetEnabled(id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE active_assets SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), s.now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	return affectedOrNotFound(res)
}

// RemoveAsset deletes the asset and its cursors.
func (s *Store) RemoveAsset(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin remove: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM backfill_progress WHERE asset_id = ?`, id); err != nil {
		return fmt.Errorf("remove progress: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM active_assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove asset: %w", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return err
	}
	return tx.Commit()
}

type assetRow struct {
	ID          int64          `db:"id"`
	Source      string         `db:"source"`
	Symbol      string         `db:"symbol"`
	Intervals   string         `db:"intervals"`
	AssetType   sql.NullString `db:"asset_type"`
	Exchange    sql.NullString `db:"exchange"`
	Years       float64        `db:"years"`
	FullHistory int            `db:"full_history"`
	Enabled     int            `db:"enabled"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

func (r assetRow) asset() Asset {
	return Asset{
		ID:          r.ID,
		Source:      r.Source,
		Symbol:      r.Symbol,
		Intervals:   strings.Split(r.Intervals, ","),
		AssetType:   r.AssetType.String,
		Exchange:    r.Exchange.String,
		Years:       r.Years,
		FullHistory: r.FullHistory != 0,
		Enabled:     r.Enabled != 0,
		CreatedAt:   parseStoredTime(r.CreatedAt),
		UpdatedAt:   parseStoredTime(r.UpdatedAt),
	}
}

// ListAssets returns all registered assets ordered by id.
func (s *Store) ListAssets() ([]Asset, error) {
	var rows []assetRow
	if err := s.db.Select(&rows, `SELECT * FROM active_assets ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	out := make([]Asset, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.asset())
	}
	return out, nil
}

// Asset returns one asset by id.
func (s *Store) Asset(id int64) (Asset, error) {
	var r assetRow
	if err := s.db.Get(&r, `SELECT * FROM active_assets WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return r.asset(), nil
}

type progressRow struct {
	AssetID     int64          `db:"asset_id"`
	Interval    string         `db:"interval"`
	LastCursor  string         `db:"last_cursor"`
	TargetStart string         `db:"target_start"`
	TargetEnd   string         `db:"target_end"`
	LastRows    int            `db:"last_rows"`
	LastRun     sql.NullString `db:"last_run"`
}

func (r progressRow) progress() Progress {
	return Progress{
		AssetID:     r.AssetID,
		Interval:    r.Interval,
		LastCursor:  parseStoredTime(r.LastCursor),
		TargetStart: parseStoredTime(r.TargetStart),
		TargetEnd:   parseStoredTime(r.TargetEnd),
		LastRows:    r.LastRows,
		LastRun:     parseStoredTime(r.LastRun.String),
	}
}

// Progress returns every cursor for an asset.
func (s *Store) Progress(assetID int64) ([]Progress, error) {
	var rows []progressRow
	if err := s.db.Select(&rows,
		`SELECT * FROM backfill_progress WHERE asset_id = ? ORDER BY interval`, assetID); err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	out := make([]Progress, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.progress())
	}
	return out, nil
}

// ProgressFor returns the cursor of one (asset, interval).
func (s *Store) ProgressFor(assetID int64, interval string) (Progress, error) {
	var r progressRow
	err := s.db.Get(&r,
		`SELECT * FROM backfill_progress WHERE asset_id = ? AND interval = ?`, assetID, interval)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Progress{}, ErrNotFound
		}
		return Progress{}, fmt.Errorf("get progress: %w", err)
	}
	return r.progress(), nil
}

// AdvanceCursor moves the cursor forward. The new value clamps to
// target_end and never decreases; a stale caller cannot move it back.
func (s *Store) AdvanceCursor(assetID int64, interval string, cursor time.Time, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.ProgressFor(assetID, interval)
	if err != nil {
		return err
	}
	next := cursor.UTC()
	if next.After(p.TargetEnd) {
		next = p.TargetEnd
	}
	if next.Before(p.LastCursor) {
		next = p.LastCursor
	}

	_, err = s.db.Exec(`
		UPDATE backfill_progress
		SET last_cursor = ?, last_rows = ?, last_run = ?
		WHERE asset_id = ? AND interval = ?`,
		next.Format(timeLayout), rows, s.now().UTC().Format(timeLayout), assetID, interval)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
