// Package state persists what has been ingested: one row per source file,
// the chunk IDs derived from it, and per-post fingerprints for forum
// change detection. Incremental ingestion diffs the corpus against this
// store, so losing it means a full re-ingest, not data loss.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

// FileRecord is one row of the files relation.
type FileRecord struct {
	FilePath     string
	ContentHash  string
	LastIngested time.Time
	ChunkCount   int
}

// Stats summarizes store contents for status reporting.
type Stats struct {
	FileCount  int
	ChunkCount int
	PostCount  int
}

// Store is the SQLite-backed ingestion state store. WAL mode plus a
// single-connection pool keeps one writer at a time without lock
// contention errors.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// validateIntegrity checks an existing database before opening it for
// real. Returns nil when the file is absent (it will be created).
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	return nil
}

// NewStore opens (or creates) the state store at path. An empty path
// creates an in-memory store for testing.
func NewStore(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, ragerrors.StateStoreError(fmt.Sprintf("cannot create state directory %s", dir), err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			slog.Warn("state_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, ragerrors.StateStoreError(
					fmt.Sprintf("state store corrupted at %s and cannot remove", path), removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("state_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, next ingest will be full"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ragerrors.StateStoreError("cannot open state store", err)
	}

	// Single writer prevents SQLITE_BUSY under the flusher.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Pragmas must be set via statements: modernc.org/sqlite may ignore
	// DSN parameters.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, ragerrors.StateStoreError("cannot set pragma", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, ragerrors.StateStoreError("cannot initialize schema", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS files (
		file_path     TEXT PRIMARY KEY,
		content_hash  TEXT NOT NULL,
		last_ingested TIMESTAMP NOT NULL,
		chunk_count   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id        TEXT PRIMARY KEY,
		file_path TEXT NOT NULL REFERENCES files(file_path) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks(file_path);

	CREATE TABLE IF NOT EXISTS posts (
		thread_id   TEXT NOT NULL,
		post_id     TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (thread_id, post_id)
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the record for one file, or nil when the file has never
// been ingested.
func (s *Store) Get(ctx context.Context, filePath string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ragerrors.StateStoreError("store is closed", nil)
	}

	rec := &FileRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT file_path, content_hash, last_ingested, chunk_count
		 FROM files WHERE file_path = ?`, filePath).
		Scan(&rec.FilePath, &rec.ContentHash, &rec.LastIngested, &rec.ChunkCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ragerrors.StateStoreError("cannot read file record", err)
	}
	return rec, nil
}

// List returns every file record, ordered by path.
func (s *Store) List(ctx context.Context) ([]*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ragerrors.StateStoreError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, content_hash, last_ingested, chunk_count
		 FROM files ORDER BY file_path`)
	if err != nil {
		return nil, ragerrors.StateStoreError("cannot list file records", err)
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec := &FileRecord{}
		if err := rows.Scan(&rec.FilePath, &rec.ContentHash, &rec.LastIngested, &rec.ChunkCount); err != nil {
			return nil, ragerrors.StateStoreError("cannot scan file record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerrors.StateStoreError("cannot list file records", err)
	}
	return records, nil
}

// Upsert replaces a file's record and its chunk ID set in one
// transaction.
func (s *Store) Upsert(ctx context.Context, filePath, contentHash string, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, []FileUpsert{{
		FilePath:    filePath,
		ContentHash: contentHash,
		ChunkIDs:    chunkIDs,
	}}, nil)
}

// Delete removes a file's record and returns the chunk IDs that were
// attached to it, so the caller can remove the matching vectors.
func (s *Store) Delete(ctx context.Context, filePath string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ragerrors.StateStoreError("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ragerrors.StateStoreError("cannot begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE file_path = ? ORDER BY id`, filePath)
	if err != nil {
		return nil, ragerrors.StateStoreError("cannot read chunk ids", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, ragerrors.StateStoreError("cannot scan chunk id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, ragerrors.StateStoreError("cannot read chunk ids", err)
	}
	rows.Close()

	// Cascade removes the chunk rows.
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE file_path = ?`, filePath); err != nil {
		return nil, ragerrors.StateStoreError("cannot delete file record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, ragerrors.StateStoreError("cannot commit delete", err)
	}
	return ids, nil
}

// ChunkIDs returns the chunk IDs recorded for a file, ordered, without
// touching the record.
func (s *Store) ChunkIDs(ctx context.Context, filePath string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ragerrors.StateStoreError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE file_path = ? ORDER BY id`, filePath)
	if err != nil {
		return nil, ragerrors.StateStoreError("cannot read chunk ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ragerrors.StateStoreError("cannot scan chunk id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerrors.StateStoreError("cannot read chunk ids", err)
	}
	return ids, nil
}

// ClearAll empties every relation. Used by full ingestion.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ragerrors.StateStoreError("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerrors.StateStoreError("cannot begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM chunks`,
		`DELETE FROM files`,
		`DELETE FROM posts`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return ragerrors.StateStoreError("cannot clear state", err)
		}
	}
	return tx.Commit()
}

// GetPostFingerprint returns the stored fingerprint for a post, or ""
// when the post has never been ingested.
func (s *Store) GetPostFingerprint(ctx context.Context, threadID, postID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ragerrors.StateStoreError("store is closed", nil)
	}

	var fp string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM posts WHERE thread_id = ? AND post_id = ?`,
		threadID, postID).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", ragerrors.StateStoreError("cannot read post fingerprint", err)
	}
	return fp, nil
}

// SetPostFingerprint records a post's fingerprint, replacing any
// previous value.
func (s *Store) SetPostFingerprint(ctx context.Context, threadID, postID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, nil, []PostFingerprint{{
		ThreadID:    threadID,
		PostID:      postID,
		Fingerprint: fingerprint,
	}})
}

// FileUpsert is one buffered file-state write.
type FileUpsert struct {
	FilePath    string
	ContentHash string
	ChunkIDs    []string
}

// PostFingerprint is one buffered post-fingerprint write.
type PostFingerprint struct {
	ThreadID    string
	PostID      string
	Fingerprint string
}

// ApplyBatch persists a set of buffered writes in a single transaction,
// so a flush is atomic: either every buffered update lands or none do.
func (s *Store) ApplyBatch(ctx context.Context, files []FileUpsert, posts []PostFingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, files, posts)
}

func (s *Store) applyLocked(ctx context.Context, files []FileUpsert, posts []PostFingerprint) error {
	if s.closed {
		return ragerrors.StateStoreError("store is closed", nil)
	}
	if len(files) == 0 && len(posts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerrors.StateStoreError("cannot begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(files) > 0 {
		fileStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO files (file_path, content_hash, last_ingested, chunk_count)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(file_path) DO UPDATE SET
				content_hash  = excluded.content_hash,
				last_ingested = excluded.last_ingested,
				chunk_count   = excluded.chunk_count`)
		if err != nil {
			return ragerrors.StateStoreError("cannot prepare file upsert", err)
		}
		defer fileStmt.Close()

		deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM chunks WHERE file_path = ?`)
		if err != nil {
			return ragerrors.StateStoreError("cannot prepare chunk delete", err)
		}
		defer deleteStmt.Close()

		chunkStmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO chunks (id, file_path) VALUES (?, ?)`)
		if err != nil {
			return ragerrors.StateStoreError("cannot prepare chunk insert", err)
		}
		defer chunkStmt.Close()

		now := time.Now().UTC()
		for _, f := range files {
			if _, err := fileStmt.ExecContext(ctx, f.FilePath, f.ContentHash, now, len(f.ChunkIDs)); err != nil {
				return ragerrors.StateStoreError(fmt.Sprintf("cannot upsert file %s", f.FilePath), err)
			}
			if _, err := deleteStmt.ExecContext(ctx, f.FilePath); err != nil {
				return ragerrors.StateStoreError(fmt.Sprintf("cannot replace chunks for %s", f.FilePath), err)
			}
			for _, id := range f.ChunkIDs {
				if _, err := chunkStmt.ExecContext(ctx, id, f.FilePath); err != nil {
					return ragerrors.StateStoreError(fmt.Sprintf("cannot insert chunk %s", id), err)
				}
			}
		}
	}

	if len(posts) > 0 {
		postStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO posts (thread_id, post_id, fingerprint)
			 VALUES (?, ?, ?)
			 ON CONFLICT(thread_id, post_id) DO UPDATE SET
				fingerprint = excluded.fingerprint`)
		if err != nil {
			return ragerrors.StateStoreError("cannot prepare post upsert", err)
		}
		defer postStmt.Close()

		for _, p := range posts {
			if _, err := postStmt.ExecContext(ctx, p.ThreadID, p.PostID, p.Fingerprint); err != nil {
				return ragerrors.StateStoreError(
					fmt.Sprintf("cannot upsert post %s/%s", p.ThreadID, p.PostID), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ragerrors.StateStoreError("cannot commit batch", err)
	}
	return nil
}

// Stats returns row counts for status output.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ragerrors.StateStoreError("store is closed", nil)
	}

	stats := &Stats{}
	queries := []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM files`, &stats.FileCount},
		{`SELECT COUNT(*) FROM chunks`, &stats.ChunkCount},
		{`SELECT COUNT(*) FROM posts`, &stats.PostCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, ragerrors.StateStoreError("cannot read stats", err)
		}
	}
	return stats, nil
}

// Path returns the on-disk location, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints and closes the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
