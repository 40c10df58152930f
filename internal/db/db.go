// Package db opens and migrates the sqlite-backed stores used across
// the orchestration backend. Each store (core, scheduler, workflow)
// gets its own file, configured via DB_PATH / SCHEDULER_DB_PATH /
// WORKFLOW_DB_PATH.
package db

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens a sqlite database at path, enables WAL journaling, and
// applies any migrations found in migFS that are not yet recorded in
// schema_migrations.
func Open(path string, migFS fs.FS) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open %s: %w", path, err)
	}

	// sqlite allows a single writer; one connection avoids "database is
	// locked" errors while WAL still lets readers proceed concurrently.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if _, err := conn.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL for %s: %w", path, err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("enable foreign_keys for %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("db ping %s: %w", path, err)
	}
	if err := applyMigrations(conn, migFS); err != nil {
		return nil, fmt.Errorf("apply migrations for %s: %w", path, err)
	}
	return conn, nil
}

// applyMigrations reads *.sql files from migFS in lexical order and
// executes any not yet recorded in schema_migrations.
func applyMigrations(conn *sql.DB, migFS fs.FS) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := conn.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	applied := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = struct{}{}
	}
	rows.Close()

	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if _, ok := applied[name]; ok {
			continue // already applied
		}
		sqlBytes, err := fs.ReadFile(migFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := conn.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
		if _, err := conn.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		log.Printf("db: migrated %s", name)
	}
	return nil
}

// Tx runs fn inside a SQL transaction, rolling back on error.
func Tx(conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
