package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/photolala/catalog/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    fast_key TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    filename TEXT NOT NULL,
    byte_size INTEGER NOT NULL,
    capture_date TEXT NOT NULL, -- RFC3339
    modified_date TEXT NOT NULL, -- RFC3339
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    platform_asset_id TEXT NOT NULL DEFAULT '',
    starred INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_entries_hash ON entries(content_hash);
CREATE INDEX IF NOT EXISTS idx_entries_filename ON entries(filename);
`

// Database is the canonical keyed store of catalog entries. It is the single
// writer for its backing sqlite file; mutations are serialized internally and
// apply whole-entry (replace or remove), never partial edits, except the
// starred flag.
type Database struct {
	db *sqlx.DB
	mu sync.RWMutex
}

type entryRow struct {
	FastKey         string `db:"fast_key"`
	ContentHash     string `db:"content_hash"`
	Filename        string `db:"filename"`
	ByteSize        int64  `db:"byte_size"`
	CaptureDate     string `db:"capture_date"`
	ModifiedDate    string `db:"modified_date"`
	Width           int    `db:"width"`
	Height          int    `db:"height"`
	PlatformAssetID string `db:"platform_asset_id"`
	Starred         bool   `db:"starred"`
}

const upsertSQL = `INSERT OR REPLACE INTO entries
    (fast_key, content_hash, filename, byte_size, capture_date, modified_date, width, height, platform_asset_id, starred)
    VALUES (:fast_key, :content_hash, :filename, :byte_size, :capture_date, :modified_date, :width, :height, :platform_asset_id, :starred)`

// NewDatabase opens (or creates) the working database at path. Use
// ":memory:" for an ephemeral database.
func NewDatabase(path string) (*Database, error) {
	sqlxDB, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	if _, err := sqlxDB.Exec(schema); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}
	return &Database{db: sqlxDB}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func toRow(e *Entry) *entryRow {
	return &entryRow{
		FastKey:         e.FastKey,
		ContentHash:     e.ContentHash,
		Filename:        e.Filename,
		ByteSize:        e.ByteSize,
		CaptureDate:     e.CaptureDate.UTC().Format(time.RFC3339),
		ModifiedDate:    e.ModifiedDate.UTC().Format(time.RFC3339),
		Width:           e.Width,
		Height:          e.Height,
		PlatformAssetID: e.PlatformAssetID,
		Starred:         e.Starred,
	}
}

func fromRow(r *entryRow) (*Entry, error) {
	capture, err := time.Parse(time.RFC3339, r.CaptureDate)
	if err != nil {
		return nil, fmt.Errorf("parse capture date %q: %w", r.CaptureDate, err)
	}
	modified, err := time.Parse(time.RFC3339, r.ModifiedDate)
	if err != nil {
		return nil, fmt.Errorf("parse modified date %q: %w", r.ModifiedDate, err)
	}
	return &Entry{
		FastKey:         r.FastKey,
		ContentHash:     r.ContentHash,
		Filename:        r.Filename,
		ByteSize:        r.ByteSize,
		CaptureDate:     capture,
		ModifiedDate:    modified,
		Width:           r.Width,
		Height:          r.Height,
		PlatformAssetID: r.PlatformAssetID,
		Starred:         r.Starred,
	}, nil
}

// Get retrieves an entry by fast key. Not found is (nil, nil).
func (d *Database) Get(fastKey string) (*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getWhere("fast_key = ?", fastKey)
}

// GetByHash retrieves one entry with the given content hash. Not found is
// (nil, nil).
func (d *Database) GetByHash(hash string) (*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getWhere("content_hash = ?", hash)
}

// GetByFilename retrieves the entry for a catalog-relative path. Not found is
// (nil, nil).
func (d *Database) GetByFilename(filename string) (*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getWhere("filename = ?", filename)
}

func (d *Database) getWhere(where string, arg any) (*Entry, error) {
	var row entryRow
	err := d.db.Get(&row, "SELECT * FROM entries WHERE "+where+" LIMIT 1", arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return fromRow(&row)
}

// Upsert inserts or replaces an entry, keyed by fast key.
func (d *Database) Upsert(e *Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.NamedExec(upsertSQL, toRow(e)); err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.FastKey, err)
	}
	return nil
}

// Remove deletes all entries with the given content hash. Removing an absent
// hash is a no-op.
func (d *Database) Remove(hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec("DELETE FROM entries WHERE content_hash = ?", hash); err != nil {
		return fmt.Errorf("remove hash %s: %w", hash, err)
	}
	return nil
}

// ContainsHash reports whether any entry has the given content hash.
func (d *Database) ContainsHash(hash string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	if err := d.db.Get(&n, "SELECT COUNT(1) FROM entries WHERE content_hash = ?", hash); err != nil {
		return false, fmt.Errorf("contains hash: %w", err)
	}
	return n > 0, nil
}

// SetStarred flips the starred flag on all entries with the given content
// hash. Unknown hashes are a no-op.
func (d *Database) SetStarred(hash string, starred bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec("UPDATE entries SET starred = ? WHERE content_hash = ?", starred, hash); err != nil {
		return fmt.Errorf("set starred %s: %w", hash, err)
	}
	return nil
}

// AllEntries returns every entry ordered by content hash then fast key. The
// read runs as one statement, so it is consistent relative to concurrent
// writes.
func (d *Database) AllEntries() ([]*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rows []entryRow
	if err := d.db.Select(&rows, "SELECT * FROM entries ORDER BY content_hash, fast_key"); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Count returns the number of entries.
func (d *Database) Count() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	if err := d.db.Get(&n, "SELECT COUNT(1) FROM entries"); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// InsertBatch inserts entries in one transaction. Used when hydrating a
// working database from snapshot shards.
func (d *Database) InsertBatch(entries []*Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin insert batch: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.NamedExec(upsertSQL, toRow(e)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert entry %s: %w", e.FastKey, err)
		}
	}
	return tx.Commit()
}

// ApplyChanges commits a detected change set in a single transaction:
// upserted entries replace their fast-key row (dropping any stale row for the
// same filename first), removed rows are deleted by fast key. Deletion by fast
// key keeps rows for still-existing files intact when a duplicate or renamed
// copy vanishes. All-or-nothing.
func (d *Database) ApplyChanges(upserts []*Entry, removedKeys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin apply changes: %w", err)
	}
	for _, e := range upserts {
		if _, err := tx.Exec("DELETE FROM entries WHERE filename = ?", e.Filename); err != nil {
			tx.Rollback()
			return fmt.Errorf("drop stale entry %s: %w", e.Filename, err)
		}
		if _, err := tx.NamedExec(upsertSQL, toRow(e)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply upsert %s: %w", e.FastKey, err)
		}
	}
	for _, key := range removedKeys {
		if _, err := tx.Exec("DELETE FROM entries WHERE fast_key = ?", key); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply remove %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Statistics summarizes the database.
type Statistics struct {
	Entries    int
	Starred    int
	TotalBytes int64
}

func (s Statistics) String() string {
	return fmt.Sprintf("%s photos, %s starred, %s",
		humanize.Comma(int64(s.Entries)),
		humanize.Comma(int64(s.Starred)),
		humanize.Bytes(uint64(s.TotalBytes)),
	)
}

// Statistics returns entry counts and total photo bytes.
func (d *Database) Statistics() (Statistics, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var stats Statistics
	row := d.db.QueryRow("SELECT COUNT(1), COALESCE(SUM(byte_size), 0), COALESCE(SUM(starred), 0) FROM entries")
	if err := row.Scan(&stats.Entries, &stats.TotalBytes, &stats.Starred); err != nil {
		return Statistics{}, fmt.Errorf("query statistics: %w", err)
	}
	return stats, nil
}
