package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultFlushThreshold is how many buffered writes trigger an
	// immediate flush.
	DefaultFlushThreshold = 20

	// DefaultFlushInterval flushes whatever is buffered even when the
	// threshold is never reached.
	DefaultFlushInterval = 3 * time.Second

	// flushTimeout bounds a single batch write. Flushes run on their own
	// context so a cancelled session still gets its final flush.
	flushTimeout = 30 * time.Second
)

// Flusher buffers state writes and persists them in batches: at the
// earlier of the buffered-write threshold or the timer interval. All
// writes go through one goroutine, so the store sees a single writer.
//
// A failed flush is sticky: the error surfaces on every later Flush and
// on Close, because silently dropped state writes would corrupt resume.
type Flusher struct {
	store     *Store
	threshold int
	interval  time.Duration

	mu    sync.Mutex
	files []FileUpsert
	posts []PostFingerprint
	err   error

	kickCh    chan struct{}
	flushCh   chan chan error
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewFlusher starts the background flush loop. Zero threshold or
// interval fall back to the defaults.
func NewFlusher(store *Store, threshold int, interval time.Duration) *Flusher {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	f := &Flusher{
		store:     store,
		threshold: threshold,
		interval:  interval,
		kickCh:    make(chan struct{}, 1),
		flushCh:   make(chan chan error),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go f.run()
	return f
}

// BufferFileUpsert queues a file-state write.
func (f *Flusher) BufferFileUpsert(u FileUpsert) {
	f.mu.Lock()
	f.files = append(f.files, u)
	n := len(f.files) + len(f.posts)
	f.mu.Unlock()
	if n >= f.threshold {
		f.kick()
	}
}

// BufferPostFingerprint queues a post-fingerprint write.
func (f *Flusher) BufferPostFingerprint(p PostFingerprint) {
	f.mu.Lock()
	f.posts = append(f.posts, p)
	n := len(f.files) + len(f.posts)
	f.mu.Unlock()
	if n >= f.threshold {
		f.kick()
	}
}

func (f *Flusher) kick() {
	select {
	case f.kickCh <- struct{}{}:
	default:
	}
}

// Flush forces a flush of everything buffered and waits for it.
func (f *Flusher) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case f.flushCh <- reply:
	case <-f.doneCh:
		// Loop already stopped; Close performed the final flush.
		return f.Err()
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

// Err returns the sticky flush error, if any.
func (f *Flusher) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close performs the final flush, stops the loop, and reports the sticky
// error. Idempotent.
func (f *Flusher) Close() error {
	f.closeOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
	return f.Err()
}

func (f *Flusher) run() {
	defer close(f.doneCh)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		case <-f.kickCh:
			f.flush()
		case reply := <-f.flushCh:
			reply <- f.flush()
		}
	}
}

func (f *Flusher) flush() error {
	f.mu.Lock()
	files, posts := f.files, f.posts
	f.files, f.posts = nil, nil
	f.mu.Unlock()

	if len(files) == 0 && len(posts) == 0 {
		return f.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := f.store.ApplyBatch(ctx, files, posts); err != nil {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		slog.Error("state_flush_failed",
			slog.Int("files", len(files)),
			slog.Int("posts", len(posts)),
			slog.String("error", err.Error()))
		return err
	}
	slog.Debug("state_flushed",
		slog.Int("files", len(files)),
		slog.Int("posts", len(posts)))
	return f.Err()
}
