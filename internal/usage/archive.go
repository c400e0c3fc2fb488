package usage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS daily_usage (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    key_hash  TEXT NOT NULL,
    masked_id TEXT NOT NULL,
    date      TEXT NOT NULL,
    requests  INTEGER NOT NULL,
    errors    INTEGER NOT NULL,
    UNIQUE(key_hash, date)
);
CREATE INDEX IF NOT EXISTS idx_daily_usage_date ON daily_usage(date);
`

// ArchiveRow is one pruned (key, day) rollup.
type ArchiveRow struct {
	KeyHash  string
	MaskedID string
	Date     string
	Requests int
	Errors   int
}

// Archive is the sqlite history of daily usage pruned from the live
// record files. Cleanup feeds it; the history command reads it.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the history database at dbPath and
// runs migrations.
func OpenArchive(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// WAL so status reads don't block cleanup writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Archive{db: db}, nil
}

// Insert stores pruned rollups. Re-archiving the same (key, day)
// replaces the row, so repeated cleanups are idempotent.
func (a *Archive) Insert(rows []ArchiveRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO daily_usage (key_hash, masked_id, date, requests, errors)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_hash, date) DO UPDATE SET
			requests = excluded.requests,
			errors   = excluded.errors`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.KeyHash, r.MaskedID, r.Date, r.Requests, r.Errors); err != nil {
			return fmt.Errorf("archive %s/%s: %w", r.MaskedID, r.Date, err)
		}
	}

	return tx.Commit()
}

// QueryRecent returns archived rollups newest-first, up to limit.
func (a *Archive) QueryRecent(limit int) ([]ArchiveRow, error) {
	rows, err := a.db.Query(`
		SELECT key_hash, masked_id, date, requests, errors
		FROM daily_usage
		ORDER BY date DESC, masked_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ArchiveRow
	for rows.Next() {
		var r ArchiveRow
		if err := rows.Scan(&r.KeyHash, &r.MaskedID, &r.Date, &r.Requests, &r.Errors); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}
