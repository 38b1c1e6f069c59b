// Package database persists operation runs, backup records and last-known
// server status in a local SQLite file.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the database connection.
type DB struct {
	*sql.DB
}

// New opens (and creates, if needed) the database at dbPath.
func New(dbPath string, maxConns int) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn, err := buildSQLiteDSN(dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func buildSQLiteDSN(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}

	// Ensure forward slashes for SQLite file URI
	absPath = strings.ReplaceAll(absPath, "\\", "/")

	// Apply pragmas on every connection
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", absPath), nil
}

// OperationRun records one lifecycle invocation.
type OperationRun struct {
	ID         string
	Profile    string
	Kind       string // "update", "shutdown", "restart", "backup", "branch-update"
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Detail     string
}

// InsertOperation records the start of an operation run.
func (db *DB) InsertOperation(run *OperationRun) error {
	_, err := db.Exec(`
		INSERT INTO operation_runs (id, profile, kind, started_at, exit_code, detail)
		VALUES (?, ?, ?, ?, -1, '')
	`, run.ID, run.Profile, run.Kind, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert operation run: %w", err)
	}
	return nil
}

// FinishOperation finalizes an operation run with its exit code.
func (db *DB) FinishOperation(id string, exitCode int, detail string) error {
	_, err := db.Exec(`
		UPDATE operation_runs
		SET finished_at = ?, exit_code = ?, detail = ?
		WHERE id = ?
	`, time.Now(), exitCode, detail, id)
	if err != nil {
		return fmt.Errorf("failed to finish operation run: %w", err)
	}
	return nil
}

// BackupRecord describes one archive produced by the backup archiver.
type BackupRecord struct {
	ID        string
	Profile   string
	Kind      string // "config" or "world"
	Filename  string
	SizeBytes int64
	CreatedAt time.Time
}

// InsertBackup records a produced archive.
func (db *DB) InsertBackup(rec *BackupRecord) error {
	_, err := db.Exec(`
		INSERT INTO backup_records (id, profile, kind, filename, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Profile, rec.Kind, rec.Filename, rec.SizeBytes, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert backup record: %w", err)
	}
	return nil
}

// ListBackups returns the recorded archives for a profile, newest first.
func (db *DB) ListBackups(profileName string) ([]*BackupRecord, error) {
	rows, err := db.Query(`
		SELECT id, profile, kind, filename, size_bytes, created_at
		FROM backup_records
		WHERE profile = ?
		ORDER BY created_at DESC
	`, profileName)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var out []*BackupRecord
	for rows.Next() {
		rec := &BackupRecord{}
		if err := rows.Scan(&rec.ID, &rec.Profile, &rec.Kind, &rec.Filename, &rec.SizeBytes, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBackupByFilename removes the record for a pruned archive.
func (db *DB) DeleteBackupByFilename(filename string) error {
	_, err := db.Exec(`DELETE FROM backup_records WHERE filename = ?`, filename)
	return err
}

// UpsertServerStatus stores the last status the watcher observed.
func (db *DB) UpsertServerStatus(profileName, status string, pid int32, players int) error {
	now := time.Now()
	_, err := db.Exec(`
		INSERT INTO server_status (profile, status, pid, players, last_checked)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET
			status = excluded.status,
			pid = excluded.pid,
			players = excluded.players,
			last_checked = excluded.last_checked
	`, profileName, status, pid, players, now)
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	return nil
}

// LastServerStatus returns the last recorded status for a profile, or "" when
// the profile has never been observed.
func (db *DB) LastServerStatus(profileName string) (string, time.Time, error) {
	var status string
	var checked time.Time
	err := db.QueryRow(`
		SELECT status, last_checked FROM server_status WHERE profile = ?
	`, profileName).Scan(&status, &checked)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read server status: %w", err)
	}
	return status, checked, nil
}
