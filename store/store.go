// Package store persists the local share list and the download block
// journal in SQLite.
//
// The journal records every block written by a download so an
// interrupted transfer can resume at the first missing block instead of
// starting over.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a shared file is not in the store.
var ErrNotFound = errors.New("not found")

// FileRecord is a locally shared file.
type FileRecord struct {
	ID           string
	Path         string
	Name         string
	Size         int64
	LastModified time.Time
	MimeType     string
	Added        time.Time
}

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and initializes
// the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Debug("Opened store")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp with the default config. Every write
// goes through it.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shared_files (
		id            TEXT PRIMARY KEY,
		path          TEXT NOT NULL,
		name          TEXT NOT NULL,
		size          INTEGER NOT NULL,
		last_modified TEXT NOT NULL,
		mime_type     TEXT NOT NULL DEFAULT '',
		added_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS block_journal (
		file_id     TEXT NOT NULL,
		block_index INTEGER NOT NULL,
		PRIMARY KEY (file_id, block_index)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Shared files
// ---------------------------------------------------------------------------

// SaveFile inserts or replaces a shared file.
func (s *Store) SaveFile(f FileRecord) error {
	if f.Added.IsZero() {
		f.Added = time.Now()
	}
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO shared_files (id, path, name, size, last_modified, mime_type, added_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   path = excluded.path, name = excluded.name, size = excluded.size,
			   last_modified = excluded.last_modified, mime_type = excluded.mime_type`,
			f.ID, f.Path, f.Name, f.Size,
			f.LastModified.UTC().Format(time.RFC3339Nano), f.MimeType,
			f.Added.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// DeleteFile removes a shared file. Deleting a missing file is not an
// error.
func (s *Store) DeleteFile(id string) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM shared_files WHERE id = ?`, id)
		return err
	})
}

// GetFile returns one shared file.
func (s *Store) GetFile(id string) (*FileRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, path, name, size, last_modified, mime_type, added_at
		 FROM shared_files WHERE id = ?`, id,
	)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return f, err
}

// LoadFiles returns every shared file in the order they were added.
func (s *Store) LoadFiles() ([]FileRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, path, name, size, last_modified, mime_type, added_at
		 FROM shared_files ORDER BY added_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*FileRecord, error) {
	var f FileRecord
	var modified, added string
	if err := row.Scan(&f.ID, &f.Path, &f.Name, &f.Size, &modified, &f.MimeType, &added); err != nil {
		return nil, err
	}
	var err error
	if f.LastModified, err = time.Parse(time.RFC3339Nano, modified); err != nil {
		return nil, fmt.Errorf("file %s last_modified: %w", f.ID, err)
	}
	if f.Added, err = time.Parse(time.RFC3339Nano, added); err != nil {
		return nil, fmt.Errorf("file %s added_at: %w", f.ID, err)
	}
	return &f, nil
}

// ---------------------------------------------------------------------------
// Block journal
// ---------------------------------------------------------------------------

// RecordBlock marks a block of fileID as written. Recording the same
// block twice is not an error.
func (s *Store) RecordBlock(fileID string, index uint32) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO block_journal (file_id, block_index) VALUES (?, ?)`,
			fileID, index,
		)
		return err
	})
}

// ReceivedBlocks returns the recorded block indices of fileID in
// ascending order.
func (s *Store) ReceivedBlocks(fileID string) ([]uint32, error) {
	rows, err := s.db.Query(
		`SELECT block_index FROM block_journal WHERE file_id = ? ORDER BY block_index`, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("received blocks: %w", err)
	}
	defer rows.Close()

	var blocks []uint32
	for rows.Next() {
		var idx uint32
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		blocks = append(blocks, idx)
	}
	return blocks, rows.Err()
}

// ClearJournal forgets every recorded block of fileID.
func (s *Store) ClearJournal(fileID string) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM block_journal WHERE file_id = ?`, fileID)
		return err
	})
}
