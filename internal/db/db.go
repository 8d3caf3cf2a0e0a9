// Package db opens and prepares the answerdesk SQLite store.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema lists every table the service uses. The statements are idempotent
// so InitDB can run against fresh and existing databases alike.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_questions (
		id          TEXT PRIMARY KEY,
		question    TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		status      TEXT NOT NULL,
		answer      TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		answered_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		email       TEXT UNIQUE,
		name        TEXT,
		provider    TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_login  DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS admin_users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL DEFAULT 'editor',
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS login_attempts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		success    INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS login_bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL,
		unlocks_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
}

type columnMigration struct {
	table  string
	column string
	ddl    string
}

// migrations add columns introduced after the first release. Each entry
// runs only while its column is still missing.
var migrations = []columnMigration{
	{"admin_users", "permissions", "ALTER TABLE admin_users ADD COLUMN permissions TEXT DEFAULT ''"},
	{"chat_sessions", "title", "ALTER TABLE chat_sessions ADD COLUMN title TEXT DEFAULT ''"},
}

// InitDB opens the SQLite database at dbPath, switches it to WAL mode with
// foreign keys on, and brings the schema up to date.
func InitDB(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	steps := []func(*sql.DB) error{ping, applyPragmas, applySchema, applyMigrations}
	for _, step := range steps {
		if err := step(conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func ping(conn *sql.DB) error {
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

// applySchema creates all tables in one transaction so a partially built
// schema never survives a failure.
func applySchema(conn *sql.DB) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, ddl := range schema {
		if _, err := tx.Exec(ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return tx.Commit()
}

func applyMigrations(conn *sql.DB) error {
	for _, m := range migrations {
		if hasColumn(conn, m.table, m.column) {
			continue
		}
		if _, err := conn.Exec(m.ddl); err != nil {
			return fmt.Errorf("migration failed (%s.%s): %w", m.table, m.column, err)
		}
	}
	return nil
}

// hasColumn reports whether the table already carries the named column,
// using SQLite's table_info pragma.
func hasColumn(conn *sql.DB, table, column string) bool {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             *string
		)
		if rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk) == nil && name == column {
			return true
		}
	}
	return false
}
