// Package storage keeps the local call history in SQLite.
package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const schemaVersion = "1"

// DB wraps the SQLite database in the node's config directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at dbPath, creating its directory.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_records (
			call_id          TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			callee_id        TEXT NOT NULL,
			call_type        TEXT NOT NULL,
			started_at       INTEGER NOT NULL,
			ended_at         INTEGER,
			duration_seconds INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS call_records_started ON call_records(started_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call records table: %w", err)
	}

	if _, err := db.Exec(
		`INSERT INTO _meta (key, value) VALUES ('schema_version', ?) ON CONFLICT(key) DO NOTHING`,
		schemaVersion,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	log.Debugf("STORAGE: opened %s (schema %s)", dbPath, schemaVersion)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// DumpSQL produces a SQL script that recreates the call history on a fresh
// database.
func (d *DB) DumpSQL() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT call_id, caller_id, callee_id, call_type, started_at, ended_at, duration_seconds
		FROM call_records ORDER BY started_at, call_id`)
	if err != nil {
		return "", fmt.Errorf("select call_records: %w", err)
	}
	defer rows.Close()

	var buf strings.Builder
	buf.WriteString("CREATE TABLE IF NOT EXISTS call_records (\n")
	buf.WriteString("  call_id TEXT PRIMARY KEY,\n  caller_id TEXT NOT NULL,\n  callee_id TEXT NOT NULL,\n")
	buf.WriteString("  call_type TEXT NOT NULL,\n  started_at INTEGER NOT NULL,\n  ended_at INTEGER,\n")
	buf.WriteString("  duration_seconds INTEGER DEFAULT 0\n);\n")

	cols, _ := rows.Columns()
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		buf.WriteString(fmt.Sprintf("INSERT INTO call_records (%s) VALUES (", strings.Join(cols, ", ")))
		for i, v := range values {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(sqlEscapeValue(v))
		}
		buf.WriteString(");\n")
	}
	return buf.String(), rows.Err()
}

// sqlEscapeValue converts a Go value to a SQL literal for use in INSERT statements.
func sqlEscapeValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%g", val)
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case []byte:
		return "X'" + hex.EncodeToString(val) + "'"
	case time.Time:
		return "'" + val.UTC().Format("2006-01-02 15:04:05") + "'"
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		s := fmt.Sprintf("%v", val)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}
