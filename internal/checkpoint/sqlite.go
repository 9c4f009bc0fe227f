package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("checkpoint store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the ledger database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT NOT NULL PRIMARY KEY,
		stage TEXT NOT NULL,
		item TEXT NOT NULL,
		state TEXT NOT NULL,
		status TEXT NOT NULL,
		rows INTEGER DEFAULT 0,
		last_error TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_records_stage_item ON records(stage, item);
	`

	_, err := s.db.Exec(query)
	return err
}

// GetRecord returns the record with the given id, or nil when absent
func (s *SQLiteStore) GetRecord(id string) (*Record, error) {
	if s.closed {
		return nil, ErrClosed
	}

	var result *Record
	err := s.retryOnBusy(func() error {
		query := `
		SELECT id, stage, item, state, status, rows, last_error, started_at, ended_at, updated_at
		FROM records WHERE id = ?
		`
		record, err := scanRecord(s.db.QueryRow(query, id))
		if err == sql.ErrNoRows {
			result = nil
			return nil
		}
		if err != nil {
			return err
		}
		result = record
		return nil
	})
	return result, err
}

// SaveRecord inserts or updates a record
func (s *SQLiteStore) SaveRecord(record *Record) error {
	if s.closed {
		return ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent workers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveRecordWithTransaction(record)
	})
}

func (s *SQLiteStore) saveRecordWithTransaction(record *Record) error {
	record.UpdatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // ignored once committed

	query := `
	INSERT INTO records
	(id, stage, item, state, status, rows, last_error, started_at, ended_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		stage = excluded.stage,
		item = excluded.item,
		state = excluded.state,
		status = excluded.status,
		rows = excluded.rows,
		last_error = excluded.last_error,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at,
		updated_at = excluded.updated_at
	`

	_, err = tx.Exec(query,
		record.ID,
		record.Stage,
		record.Item,
		record.State,
		record.Status,
		record.Rows,
		record.LastError,
		record.StartedAt,
		record.EndedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to execute insert: %w", err)
	}

	return tx.Commit()
}

// ListByStatus returns all records with the given status, oldest first
func (s *SQLiteStore) ListByStatus(status Status) ([]*Record, error) {
	if s.closed {
		return nil, ErrClosed
	}

	query := `
	SELECT id, stage, item, state, status, rows, last_error, started_at, ended_at, updated_at
	FROM records WHERE status = ?
	ORDER BY updated_at ASC
	`

	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var record Record
	var lastError sql.NullString
	var started, ended sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.Stage,
		&record.Item,
		&record.State,
		&record.Status,
		&record.Rows,
		&lastError,
		&started,
		&ended,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.LastError = lastError.String
	record.StartedAt = started.Time
	record.EndedAt = ended.Time
	return &record, nil
}

// retryOnBusy retries the operation while SQLite reports contention
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		time.Sleep(baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond)
	}
	return err
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
