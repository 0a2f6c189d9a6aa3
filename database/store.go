// Package database implements the Metadata Store Adapter (spec §4.4): a
// transactional catalog of recordings, backed by SQLite the way
// windalfin-ayo-mwr/database/sqlite.go persists its video catalog —
// plain database/sql, hand-written queries, sql.Null* conversions.
package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status is the lifecycle state of a Recording row (spec §3).
type Status string

const (
	StatusRecording Status = "RECORDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Recording mirrors the recordings table (spec §4.4).
type Recording struct {
	ID              string
	SessionID       string
	FileName        string
	FilePath        string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds *int64
	FileSizeBytes   *int64
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store is the Metadata Store Adapter's interface (spec §4.4).
type Store interface {
	Create(rec Recording) error
	MarkCompleted(id string, end time.Time, durationSeconds, sizeBytes int64) error
	MarkFailed(id string) error
	Get(id string) (*Recording, error)
	ListAll() ([]Recording, error)
	Delete(id string) error
	// ActiveForSession returns the RECORDING-status row for a session, if any.
	ActiveForSession(sessionID string) (*Recording, error)
	ReconcileStaleRecordings() (int, error)
	Close() error
}

// SQLiteStore is the SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the SQLite database at path
// and ensures the recordings schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under the write-heavy
	// recording lifecycle; reads are cheap enough to share it.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_path TEXT NOT NULL UNIQUE,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			duration_seconds INTEGER,
			file_size_bytes INTEGER,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_recordings_start_time ON recordings (start_time DESC)`)
	return err
}

// Create inserts a new recording row (spec §4.3.1 step 4). Callers must set
// Status to StatusRecording before calling.
func (s *SQLiteStore) Create(rec Recording) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO recordings (
			id, session_id, file_name, file_path, start_time, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.FileName, rec.FilePath, rec.StartTime, rec.Status, now, now)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	return nil
}

// MarkCompleted transitions a recording to COMPLETED (spec §4.3.2 step 6).
// It is a no-op if the row is already in a terminal status.
func (s *SQLiteStore) MarkCompleted(id string, end time.Time, durationSeconds, sizeBytes int64) error {
	res, err := s.db.Exec(`
		UPDATE recordings
		SET status = ?, end_time = ?, duration_seconds = ?, file_size_bytes = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusCompleted, end, durationSeconds, sizeBytes, time.Now(), id, StatusRecording)
	if err != nil {
		return fmt.Errorf("failed to mark recording completed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		log.Printf("[database] MarkCompleted(%s): no RECORDING row to transition (already terminal or missing)", id)
	}
	return nil
}

// MarkFailed transitions a recording to FAILED (spec §4.3.2/§4.3.3). It is
// a no-op if the row is already terminal.
func (s *SQLiteStore) MarkFailed(id string) error {
	res, err := s.db.Exec(`
		UPDATE recordings
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusFailed, time.Now(), id, StatusRecording)
	if err != nil {
		return fmt.Errorf("failed to mark recording failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		log.Printf("[database] MarkFailed(%s): no RECORDING row to transition (already terminal or missing)", id)
	}
	return nil
}

// Get retrieves a recording by id, returning (nil, nil) if not found.
func (s *SQLiteStore) Get(id string) (*Recording, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, file_name, file_path, start_time, end_time,
		       duration_seconds, file_size_bytes, status, created_at, updated_at
		FROM recordings WHERE id = ?
	`, id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

// ActiveForSession returns the RECORDING-status row for sessionID, if any.
func (s *SQLiteStore) ActiveForSession(sessionID string) (*Recording, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, file_name, file_path, start_time, end_time,
		       duration_seconds, file_size_bytes, status, created_at, updated_at
		FROM recordings WHERE session_id = ? AND status = ?
		ORDER BY start_time DESC LIMIT 1
	`, sessionID, StatusRecording)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active recording: %w", err)
	}
	return rec, nil
}

// ListAll returns all recordings ordered by start_time desc (spec §6).
func (s *SQLiteStore) ListAll() ([]Recording, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, file_name, file_path, start_time, end_time,
		       duration_seconds, file_size_bytes, status, created_at, updated_at
		FROM recordings ORDER BY start_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes a recording row. The caller is responsible for removing
// the underlying file.
func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	return nil
}

// ReconcileStaleRecordings implements the startup reconciliation pass
// (spec §4.4): every row still RECORDING after a restart is a crash
// leftover and transitions to FAILED. Returns the number of rows fixed.
func (s *SQLiteStore) ReconcileStaleRecordings() (int, error) {
	res, err := s.db.Exec(`
		UPDATE recordings SET status = ?, updated_at = ? WHERE status = ?
	`, StatusFailed, time.Now(), StatusRecording)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile stale recordings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[database] reconciled %d stale RECORDING row(s) to FAILED on startup", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(row scanner) (*Recording, error) {
	var rec Recording
	var endTime sql.NullTime
	var duration, size sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.FileName, &rec.FilePath, &rec.StartTime,
		&endTime, &duration, &size, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		rec.EndTime = &endTime.Time
	}
	if duration.Valid {
		rec.DurationSeconds = &duration.Int64
	}
	if size.Valid {
		rec.FileSizeBytes = &size.Int64
	}
	return &rec, nil
}
