// Package progress tracks a single ingestion session: per-file chunk
// counts, the last successfully upserted index per file, and every
// failed item. The record is one JSON file replaced atomically, so a
// crashed session can always resume from what actually landed.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

// File statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

const (
	// DefaultFlushThreshold is how many buffered updates trigger an
	// immediate write.
	DefaultFlushThreshold = 20

	// DefaultFlushInterval writes whatever is buffered even when the
	// threshold is never reached.
	DefaultFlushInterval = 3 * time.Second
)

// FileProgress is the per-file slice of the session record.
type FileProgress struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	LastIndex int    `json:"lastIndex"`
	Status    string `json:"status"`
}

// FailedItem records one chunk that could not be embedded or upserted.
type FailedItem struct {
	File       string    `json:"file"`
	ChunkIndex int       `json:"chunkIndex"`
	ChunkID    string    `json:"chunkId"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is the on-disk session record.
type Snapshot struct {
	SessionID         string                   `json:"sessionId"`
	StartedAt         time.Time                `json:"startedAt"`
	LastUpdatedAt     time.Time                `json:"lastUpdatedAt"`
	EmbeddingModel    string                   `json:"embeddingModel"`
	TotalFiles        int                      `json:"totalFiles"`
	TotalChunks       int                      `json:"totalChunks"`
	ProcessedChunks   int                      `json:"processedChunks"`
	FailedChunks      int                      `json:"failedChunks"`
	CurrentFile       string                   `json:"currentFile"`
	CurrentChunkIndex int                      `json:"currentChunkIndex"`
	Files             map[string]*FileProgress `json:"files"`
	FailedItems       []FailedItem             `json:"failedItems"`
}

// Tracker owns the session record. Updates are buffered and written at
// the earlier of the update threshold or the timer interval; Flush is
// awaitable. A write failure is sticky and session-fatal: resume depends
// on this file telling the truth.
type Tracker struct {
	path      string
	threshold int
	interval  time.Duration

	mu    sync.Mutex
	snap  *Snapshot
	dirty int
	err   error

	kickCh    chan struct{}
	flushCh   chan chan error
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewTracker creates a tracker for the record at path and starts its
// flush loop. Zero threshold or interval fall back to the defaults.
func NewTracker(path string, threshold int, interval time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	t := &Tracker{
		path:      path,
		threshold: threshold,
		interval:  interval,
		kickCh:    make(chan struct{}, 1),
		flushCh:   make(chan chan error),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go t.run()
	return t
}

// Create starts a fresh session and returns its ID.
func (t *Tracker) Create(embeddingModel string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.snap = &Snapshot{
		SessionID:      uuid.NewString(),
		StartedAt:      now,
		LastUpdatedAt:  now,
		EmbeddingModel: embeddingModel,
		Files:          make(map[string]*FileProgress),
	}
	t.markDirtyLocked()
	return t.snap.SessionID
}

// Load reads an existing record from disk. Returns false when no record
// exists; an undecodable record is logged and treated as absent rather
// than blocking all future ingestion.
func (t *Tracker) Load() (bool, error) {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, ragerrors.ProgressError("cannot read progress file", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.SessionID == "" {
		slog.Warn("progress_file_undecodable",
			slog.String("path", t.path))
		return false, nil
	}
	if snap.Files == nil {
		snap.Files = make(map[string]*FileProgress)
	}

	t.mu.Lock()
	t.snap = &snap
	t.mu.Unlock()
	return true, nil
}

// InitFile registers a file and its chunk count. Re-registering a file
// already present (resume) keeps its processed counts and adjusts the
// totals.
func (t *Tracker) InitFile(file string, totalChunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return
	}

	if e, ok := t.snap.Files[file]; ok {
		e.Total = totalChunks
	} else {
		t.snap.Files[file] = &FileProgress{
			Total:     totalChunks,
			LastIndex: -1,
			Status:    StatusPending,
		}
	}
	t.recomputeTotalsLocked()
	t.markDirtyLocked()
}

// MarkProcessed records a successful upsert at (file, chunkIndex). The
// per-file lastIndex only ever moves forward.
func (t *Tracker) MarkProcessed(file string, chunkIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return
	}

	e, ok := t.snap.Files[file]
	if !ok {
		e = &FileProgress{LastIndex: -1}
		t.snap.Files[file] = e
	}
	e.Processed++
	if chunkIndex > e.LastIndex {
		e.LastIndex = chunkIndex
	}
	if e.Total > 0 && e.Processed >= e.Total {
		e.Status = StatusCompleted
	} else {
		e.Status = StatusProcessing
	}

	t.snap.ProcessedChunks++
	t.snap.CurrentFile = file
	t.snap.CurrentChunkIndex = chunkIndex
	t.snap.LastUpdatedAt = time.Now().UTC()
	t.markDirtyLocked()
}

// MarkFailed records a chunk failure. The chunk is reported, not
// retried: lastIndex tracks successes only.
func (t *Tracker) MarkFailed(file string, chunkIndex int, chunkID string, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	t.snap.FailedChunks++
	t.snap.FailedItems = append(t.snap.FailedItems, FailedItem{
		File:       file,
		ChunkIndex: chunkIndex,
		ChunkID:    chunkID,
		Error:      msg,
		Timestamp:  time.Now().UTC(),
	})
	if e, ok := t.snap.Files[file]; ok && e.Status == StatusPending {
		e.Status = StatusProcessing
	}
	t.snap.LastUpdatedAt = time.Now().UTC()
	t.markDirtyLocked()
}

// ShouldSkip reports whether (file, index) already landed in a previous
// run.
func (t *Tracker) ShouldSkip(file string, index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return false
	}
	e, ok := t.snap.Files[file]
	return ok && index <= e.LastIndex
}

// ResumeFrom returns the first chunk index of file that still needs
// processing.
func (t *Tracker) ResumeFrom(file string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return 0
	}
	if e, ok := t.snap.Files[file]; ok {
		return e.LastIndex + 1
	}
	return 0
}

// SessionID returns the active session ID, or "" when no session is
// loaded.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return ""
	}
	return t.snap.SessionID
}

// Snapshot returns a deep copy of the current record for reporting.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return nil
	}

	cp := *t.snap
	cp.Files = make(map[string]*FileProgress, len(t.snap.Files))
	for k, v := range t.snap.Files {
		f := *v
		cp.Files[k] = &f
	}
	cp.FailedItems = append([]FailedItem(nil), t.snap.FailedItems...)
	return &cp
}

// Clear deletes the record on disk and resets the tracker.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap = nil
	t.dirty = 0
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return ragerrors.ProgressError("cannot remove progress file", err)
	}
	return nil
}

// Flush forces a write of the current record and waits for it.
func (t *Tracker) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case t.flushCh <- reply:
	case <-t.doneCh:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the sticky write error, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close performs the final write and stops the loop. Idempotent.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
	return t.Err()
}

func (t *Tracker) recomputeTotalsLocked() {
	total := 0
	for _, e := range t.snap.Files {
		total += e.Total
	}
	t.snap.TotalFiles = len(t.snap.Files)
	t.snap.TotalChunks = total
}

func (t *Tracker) markDirtyLocked() {
	t.dirty++
	if t.dirty >= t.threshold {
		select {
		case t.kickCh <- struct{}{}:
		default:
		}
	}
}

func (t *Tracker) run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.flush()
			return
		case <-ticker.C:
			t.flush()
		case <-t.kickCh:
			t.flush()
		case reply := <-t.flushCh:
			reply <- t.flush()
		}
	}
}

func (t *Tracker) flush() error {
	t.mu.Lock()
	if t.snap == nil || t.dirty == 0 {
		err := t.err
		t.mu.Unlock()
		return err
	}
	data, merr := json.MarshalIndent(t.snap, "", "  ")
	t.dirty = 0
	t.mu.Unlock()

	if merr != nil {
		return t.setErr(ragerrors.ProgressError("cannot marshal progress", merr))
	}
	if err := atomicWrite(t.path, data); err != nil {
		return t.setErr(err)
	}

	slog.Debug("progress_flushed", slog.String("path", t.path))
	return t.Err()
}

func (t *Tracker) setErr(err error) error {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	slog.Error("progress_flush_failed", slog.String("error", err.Error()))
	return err
}

// atomicWrite replaces path with data via temp file + rename, so a
// crash never leaves a half-written record.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ragerrors.ProgressError("cannot create progress directory", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return ragerrors.ProgressError("cannot write progress file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return ragerrors.ProgressError("cannot replace progress file", err)
	}
	return nil
}
