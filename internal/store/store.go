// Package store persists the roaming-contacts buddy list to a local
// SQLite database so a restarted process has something to show before
// the first roaming-contacts NOTIFY arrives. The in-memory buddy table
// the account context builds from NOTIFY bodies is authoritative at
// runtime; this package only ever mirrors the last-known-good snapshot
// to survive a restart, grounded on flowpbx's internal/database.DB
// (single sql.DB wrapper, WAL mode, busy_timeout) adapted from a
// multi-table PBX schema down to the one table this client needs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the roaming-contacts cache.
type DB struct {
	*sql.DB
}

// Open creates or opens the cache database at dataDir/contacts.db with WAL
// mode enabled, creating its one table if it does not already exist. A
// single open connection is enough: SQLite serializes writers regardless,
// and this client has exactly one account writing to its own cache.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "contacts.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.createSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) createSchema() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS roaming_contacts (
		uri          TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		group_ids    TEXT NOT NULL DEFAULT '',
		updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("store: creating roaming_contacts table: %w", err)
	}
	return nil
}

// Contact is one cached roaming-contacts entry.
type Contact struct {
	URI         string
	DisplayName string
	GroupIDs    string // comma-separated, matching the wire's <groupIDs> shape
}

// Upsert inserts or updates the cached entry for c.URI.
func (db *DB) Upsert(ctx context.Context, c Contact) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO roaming_contacts (uri, display_name, group_ids, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(uri) DO UPDATE SET
		   display_name = excluded.display_name,
		   group_ids    = excluded.group_ids,
		   updated_at   = excluded.updated_at`,
		c.URI, c.DisplayName, c.GroupIDs,
	)
	if err != nil {
		return fmt.Errorf("store: upserting contact %q: %w", c.URI, err)
	}
	return nil
}

// Delete removes the cached entry for uri, if any.
func (db *DB) Delete(ctx context.Context, uri string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM roaming_contacts WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("store: deleting contact %q: %w", uri, err)
	}
	return nil
}

// ReplaceAll atomically clears the cache and repopulates it with contacts,
// used when a roaming-contacts NOTIFY carries a full snapshot rather than
// an incremental delta.
func (db *DB) ReplaceAll(ctx context.Context, contacts []Contact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM roaming_contacts`); err != nil {
		return fmt.Errorf("store: clearing roaming_contacts: %w", err)
	}
	for _, c := range contacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO roaming_contacts (uri, display_name, group_ids, updated_at)
			 VALUES (?, ?, ?, datetime('now'))`,
			c.URI, c.DisplayName, c.GroupIDs,
		); err != nil {
			return fmt.Errorf("store: inserting contact %q: %w", c.URI, err)
		}
	}
	return tx.Commit()
}

// Get returns the cached entry for uri, if any.
func (db *DB) Get(ctx context.Context, uri string) (Contact, bool, error) {
	var c Contact
	err := db.QueryRowContext(ctx,
		`SELECT uri, display_name, group_ids FROM roaming_contacts WHERE uri = ?`, uri,
	).Scan(&c.URI, &c.DisplayName, &c.GroupIDs)
	if err == sql.ErrNoRows {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, fmt.Errorf("store: getting contact %q: %w", uri, err)
	}
	return c, true, nil
}

// List returns every cached contact, ordered by URI.
func (db *DB) List(ctx context.Context) ([]Contact, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT uri, display_name, group_ids FROM roaming_contacts ORDER BY uri`)
	if err != nil {
		return nil, fmt.Errorf("store: querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.URI, &c.DisplayName, &c.GroupIDs); err != nil {
			return nil, fmt.Errorf("store: scanning contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
