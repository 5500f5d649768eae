// Package store provides SQLite persistence for mailpilot: the ledger of
// already-processed messages and an audit log of executed actions. Both
// survive restarts so the daemon never re-prompts for mail it already
// handled.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mailpilot/mailpilot/internal/types"
)

// DB wraps a SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the mailpilot database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// MarkProcessed records that an email has been fully handled.
func (d *DB) MarkProcessed(emailID string) error {
	_, err := d.conn.Exec(
		`INSERT INTO processed (email_id, processed_at) VALUES (?, ?)
		 ON CONFLICT(email_id) DO NOTHING`,
		emailID, now())
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", emailID, err)
	}
	return nil
}

// IsProcessed reports whether an email id was handled before.
func (d *DB) IsProcessed(emailID string) (bool, error) {
	var one int
	err := d.conn.QueryRow(
		`SELECT 1 FROM processed WHERE email_id = ?`, emailID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", emailID, err)
	}
	return true, nil
}

// FilterProcessed returns only the ids not handled before, preserving order.
func (d *DB) FilterProcessed(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		done, err := d.IsProcessed(id)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, id)
		}
	}
	return out, nil
}

// LogAction appends one executed action to the audit log.
func (d *DB) LogAction(action, emailID, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO actions (id, action, email_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		genID(), action, emailID, detail, now())
	if err != nil {
		return fmt.Errorf("log action %s on %s: %w", action, emailID, err)
	}
	return nil
}

// ActionEntry is one audit-log row.
type ActionEntry struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	EmailID   string `json:"email_id"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// RecentActions returns the newest limit audit entries.
func (d *DB) RecentActions(limit int) ([]ActionEntry, error) {
	rows, err := d.conn.Query(
		`SELECT id, action, email_id, detail, created_at
		 FROM actions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []ActionEntry
	for rows.Next() {
		var e ActionEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.EmailID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogResults writes the outcome of a bulk run to the audit log.
func (d *DB) LogResults(action string, results []types.ActionResult) {
	for _, r := range results {
		detail := "bulk"
		if !r.OK {
			detail = "bulk failed: " + r.Error
		}
		_ = d.LogAction(action, r.EmailID, detail)
	}
}

// genID generates a random 16-character hex id.
func genID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// now returns the current time as an ISO 8601 string.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
