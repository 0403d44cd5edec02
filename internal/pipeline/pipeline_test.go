package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumrag/forumrag/internal/config"
	"github.com/forumrag/forumrag/internal/embed"
	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/progress"
	"github.com/forumrag/forumrag/internal/source"
	"github.com/forumrag/forumrag/internal/state"
	"github.com/forumrag/forumrag/internal/vecindex"
)

// stubEmbedder is a deterministic embedder for pipeline tests. It can
// fail chunks by content substring, return wrong-sized vectors, carry
// retry accounting, and cancel the run after a number of calls.
type stubEmbedder struct {
	mu    sync.Mutex
	dims  int
	calls int

	failSubstring string
	retryCount    int
	rateLimitHits int

	cancelAfter int
	cancel      context.CancelFunc
}

func (s *stubEmbedder) EmbedOne(ctx context.Context, text string) (*embed.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.cancel != nil && n > s.cancelAfter {
		s.cancel()
		<-ctx.Done()
		return &embed.Result{}, ctx.Err()
	}
	if s.failSubstring != "" && strings.Contains(text, s.failSubstring) {
		return &embed.Result{}, fmt.Errorf("embed rejected")
	}
	return &embed.Result{
		Vector:         make([]float32, s.dims),
		RetryCount:     s.retryCount,
		RateLimitHits:  s.rateLimitHits,
		WasRateLimited: s.rateLimitHits > 0,
	}, nil
}

func (s *stubEmbedder) Dimensions() int                  { return s.dims }
func (s *stubEmbedder) ModelName() string                { return "stub-model" }
func (s *stubEmbedder) Available(_ context.Context) bool { return true }
func (s *stubEmbedder) Close() error                     { return nil }

func (s *stubEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memIndex is an in-memory pipeline.Index that evaluates equality
// filters against stored payloads.
type memIndex struct {
	mu     sync.Mutex
	points map[string]*vecindex.Point
}

func newMemIndex() *memIndex {
	return &memIndex{points: make(map[string]*vecindex.Point)}
}

func (m *memIndex) EnsureCollection(_ context.Context, _ int) error { return nil }

func (m *memIndex) Upsert(_ context.Context, points []*vecindex.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *memIndex) DeleteByFilter(_ context.Context, filter vecindex.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		matched := true
		for _, c := range filter.Must {
			if p.Payload[c.Key] != c.Value {
				matched = false
				break
			}
		}
		if matched {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *memIndex) DeleteByIDs(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *memIndex) DropCollection(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string]*vecindex.Point)
	return nil
}

func (m *memIndex) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

func (m *memIndex) pointsForFile(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.points {
		if p.Payload["source_file"] == path {
			n++
		}
	}
	return n
}

// harness wires a pipeline over temp dirs with the stub dependencies.
type harness struct {
	cfg     *config.Config
	store   *state.Store
	tracker *progress.Tracker
	index   *memIndex
	emb     *stubEmbedder
	pipe    *Pipeline
}

func newHarness(t *testing.T, emb *stubEmbedder, ix *memIndex) *harness {
	t.Helper()

	cfg := config.NewConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Corpus.Root = t.TempDir()
	cfg.Embedder.APIKey = "test-key"
	cfg.Embedder.Dimensions = emb.dims
	require.NoError(t, cfg.EnsureDataDir())

	store, err := state.NewStore(cfg.StateDBPath())
	require.NoError(t, err)
	flusher := state.NewFlusher(store, 0, 0)
	tracker := progress.NewTracker(cfg.ProgressPath(), 0, 0)
	t.Cleanup(func() {
		_ = flusher.Close()
		_ = tracker.Close()
		_ = store.Close()
	})

	reader, err := source.NewReader(cfg.Corpus.Root, cfg.Corpus.Extensions)
	require.NoError(t, err)

	pipe, err := NewPipeline(Dependencies{
		Config:   cfg,
		Reader:   reader,
		Embedder: emb,
		Index:    ix,
		Store:    store,
		Flusher:  flusher,
		Tracker:  tracker,
	})
	require.NoError(t, err)

	return &harness{cfg: cfg, store: store, tracker: tracker, index: ix, emb: emb, pipe: pipe}
}

func (h *harness) writeDoc(t *testing.T, relPath, body string) {
	t.Helper()
	abs := filepath.Join(h.cfg.Corpus.Root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(body), 0o644))
}

func (h *harness) writeThread(t *testing.T, relPath, threadID string, posts ...map[string]any) {
	t.Helper()
	rec := map[string]any{
		"threadId": threadID,
		"title":    "Thread " + threadID,
		"category": "support",
		"path":     "t/" + threadID,
		"posts":    posts,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	abs := filepath.Join(h.cfg.Corpus.Root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, data, 0o644))
}

func post(id, user, date, content string) map[string]any {
	return map[string]any{
		"postId":   id,
		"username": user,
		"date":     date,
		"content":  content,
	}
}

func (h *harness) removeFile(t *testing.T, relPath string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(h.cfg.Corpus.Root, filepath.FromSlash(relPath))))
}

func TestIngestFull_DocsAndThreads(t *testing.T) {
	emb := &stubEmbedder{dims: 4}
	h := newHarness(t, emb, newMemIndex())
	h.writeDoc(t, "guides/install.md", "# Install\n\nDownload the package and run the installer.\n")
	h.writeThread(t, "threads/t100.json", "T100",
		post("p1", "alice", "2024-03-01", "The installer fails on step two."),
		post("p2", "bob", "2024-03-02", "Re-run it with elevated permissions."))

	rep, err := h.pipe.IngestFull(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.Equal(t, ModeFull, rep.Mode)
	assert.Equal(t, 2, rep.FilesScanned)
	assert.Equal(t, 2, rep.FilesUpdated)
	assert.Zero(t, rep.ChunksFailed)
	assert.False(t, rep.Cancelled)
	assert.GreaterOrEqual(t, rep.ChunksUpserted, 3)
	assert.Equal(t, rep.ChunksUpserted, h.index.count())

	// Both files landed durably
	docRec, err := h.store.Get(context.Background(), "guides/install.md")
	require.NoError(t, err)
	require.NotNil(t, docRec)
	assert.Greater(t, docRec.ChunkCount, 0)

	threadRec, err := h.store.Get(context.Background(), "threads/t100.json")
	require.NoError(t, err)
	require.NotNil(t, threadRec)

	// A clean run leaves no resumable session behind
	found, err := h.tracker.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIngestIncremental_ChangedModifiedRemoved(t *testing.T) {
	emb := &stubEmbedder{dims: 4}
	h := newHarness(t, emb, newMemIndex())
	h.writeDoc(t, "a.md", "# A\n\nAlpha body text.\n")
	h.writeDoc(t, "b.md", "# B\n\nBeta body text.\n")
	h.writeDoc(t, "c.md", "# C\n\nGamma body text.\n")

	rep, err := h.pipe.IngestIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.FilesUpdated)
	firstCalls := emb.callCount()

	// Modify b, remove c, leave a alone
	h.writeDoc(t, "b.md", "# B\n\nBeta body text, now revised with more detail.\n")
	h.removeFile(t, "c.md")

	rep, err = h.pipe.IngestIncremental(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ModeIncremental, rep.Mode)
	assert.Equal(t, 2, rep.FilesScanned)
	assert.Equal(t, 1, rep.FilesUpdated)
	assert.Equal(t, 1, rep.FilesDeleted)
	assert.Greater(t, rep.ChunksDeleted, 0)

	// Unchanged a.md was never re-embedded
	assert.Greater(t, emb.callCount(), firstCalls)
	assert.LessOrEqual(t, emb.callCount()-firstCalls, rep.ChunksUpserted)

	// c.md is gone from index and state
	assert.Zero(t, h.index.pointsForFile("c.md"))
	rec, err := h.store.Get(context.Background(), "c.md")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// b.md has exactly its new chunks, no stale duplicates
	bRec, err := h.store.Get(context.Background(), "b.md")
	require.NoError(t, err)
	require.NotNil(t, bRec)
	assert.Equal(t, bRec.ChunkCount, h.index.pointsForFile("b.md"))
}

func TestIngestIncremental_NoChanges(t *testing.T) {
	emb := &stubEmbedder{dims: 4}
	h := newHarness(t, emb, newMemIndex())
	h.writeDoc(t, "a.md", "# A\n\nAlpha body text.\n")

	_, err := h.pipe.IngestIncremental(context.Background())
	require.NoError(t, err)
	calls := emb.callCount()

	rep, err := h.pipe.IngestIncremental(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.FilesScanned)
	assert.Zero(t, rep.FilesUpdated)
	assert.Zero(t, rep.FilesDeleted)
	assert.Zero(t, rep.ChunksUpserted)
	assert.Equal(t, calls, emb.callCount(), "unchanged corpus should not embed")
}

func TestIngestFull_CancelThenResume(t *testing.T) {
	ix := newMemIndex()
	ctx, cancel := context.WithCancel(context.Background())
	emb := &stubEmbedder{dims: 4, cancelAfter: 1, cancel: cancel}
	h := newHarness(t, emb, ix)

	h.writeDoc(t, "a.md", "# A\n\nAlpha body text.\n")
	h.writeDoc(t, "b.md", "# B\n\nBeta body text.\n")
	h.writeThread(t, "threads/t1.json", "T1",
		post("p1", "alice", "2024-01-01", "First report of the problem."),
		post("p2", "bob", "2024-01-02", "Confirming on my machine too."),
		post("p3", "carol", "2024-01-03", "A workaround that helped here."),
		post("p4", "dave", "2024-01-04", "Root cause identified upstream."))

	rep, err := h.pipe.IngestFull(ctx)
	require.NoError(t, err, "cancellation is not an error")
	require.NotNil(t, rep)

	assert.True(t, rep.Cancelled)
	assert.Less(t, rep.ChunksUpserted, rep.ChunksPlanned)
	planned := rep.ChunksPlanned

	// The interrupted session is resumable
	found, err := h.tracker.Load()
	require.NoError(t, err)
	assert.True(t, found)

	// Second run converges on the same complete index
	emb.cancel = nil
	h.cfg.Pipeline.Resume = true
	rep2, err := h.pipe.IngestFull(context.Background())
	require.NoError(t, err)

	assert.False(t, rep2.Cancelled)
	assert.Zero(t, rep2.ChunksFailed)
	assert.Equal(t, planned, ix.count())

	// Everything is durably recorded and the checkpoint is gone
	for _, path := range []string{"a.md", "b.md", "threads/t1.json"} {
		rec, err := h.store.Get(context.Background(), path)
		require.NoError(t, err)
		assert.NotNil(t, rec, "state record for %s", path)
	}
	found, err = h.tracker.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIngestFull_ResumeModelMismatchAborts(t *testing.T) {
	ix := newMemIndex()
	ctx, cancel := context.WithCancel(context.Background())
	emb := &stubEmbedder{dims: 4, cancelAfter: 1, cancel: cancel}
	h := newHarness(t, emb, ix)
	h.writeThread(t, "threads/t1.json", "T1",
		post("p1", "alice", "2024-01-01", "First post."),
		post("p2", "bob", "2024-01-02", "Second post."),
		post("p3", "carol", "2024-01-03", "Third post."))

	rep, err := h.pipe.IngestFull(ctx)
	require.NoError(t, err)
	require.True(t, rep.Cancelled)

	// Forge a checkpoint from a different embedding model
	snap := h.tracker.Snapshot()
	require.NotNil(t, snap)
	snap.EmbeddingModel = "other-model"
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, h.tracker.Close())
	require.NoError(t, os.WriteFile(h.cfg.ProgressPath(), data, 0o644))

	tracker2 := progress.NewTracker(h.cfg.ProgressPath(), 0, 0)
	t.Cleanup(func() { _ = tracker2.Close() })
	reader, err := source.NewReader(h.cfg.Corpus.Root, h.cfg.Corpus.Extensions)
	require.NoError(t, err)
	flusher2 := state.NewFlusher(h.store, 0, 0)
	t.Cleanup(func() { _ = flusher2.Close() })
	h.cfg.Pipeline.Resume = true
	pipe2, err := NewPipeline(Dependencies{
		Config:   h.cfg,
		Reader:   reader,
		Embedder: &stubEmbedder{dims: 4},
		Index:    ix,
		Store:    h.store,
		Flusher:  flusher2,
		Tracker:  tracker2,
	})
	require.NoError(t, err)

	_, err = pipe2.IngestFull(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedder mismatch")
}

func TestIngestFull_DimensionMismatchAbortsSession(t *testing.T) {
	emb := &stubEmbedder{dims: 3} // config will still say 4
	h := newHarness(t, emb, newMemIndex())
	h.cfg.Embedder.Dimensions = 4
	h.writeDoc(t, "a.md", "# A\n\nAlpha body text.\n")

	rep, err := h.pipe.IngestFull(context.Background())

	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeDimensionMismatch, ragerrors.GetCode(err))
	require.NotNil(t, rep, "a fatal run still reports what happened")
	assert.Zero(t, rep.ChunksUpserted)
	assert.Greater(t, rep.ChunksFailed, 0)

	// Nothing was recorded for the poisoned file
	rec, err := h.store.Get(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIngestFull_PerChunkFailureIsolated(t *testing.T) {
	emb := &stubEmbedder{dims: 4, failSubstring: "REJECTME"}
	h := newHarness(t, emb, newMemIndex())
	h.writeDoc(t, "good.md", "# Good\n\nThis file embeds fine.\n")
	h.writeDoc(t, "bad.md", "# Bad\n\nREJECTME this content.\n")

	rep, err := h.pipe.IngestFull(context.Background())
	require.NoError(t, err, "one bad chunk never fails the run")

	assert.Greater(t, rep.ChunksFailed, 0)
	assert.Greater(t, rep.ChunksUpserted, 0)
	require.NotEmpty(t, rep.Failed)
	assert.Equal(t, "bad.md", rep.Failed[0].File)

	// The clean file is durable, the failed one is left for a retry
	goodRec, err := h.store.Get(context.Background(), "good.md")
	require.NoError(t, err)
	assert.NotNil(t, goodRec)
	badRec, err := h.store.Get(context.Background(), "bad.md")
	require.NoError(t, err)
	assert.Nil(t, badRec)
}

func TestIngestSelected_PathValidation(t *testing.T) {
	emb := &stubEmbedder{dims: 4}
	h := newHarness(t, emb, newMemIndex())
	h.writeDoc(t, "a.md", "# A\n\nAlpha body text.\n")

	rep, err := h.pipe.IngestSelected(context.Background(), []string{"a.md", "../escape.md"})
	require.NoError(t, err)

	assert.Greater(t, rep.ChunksUpserted, 0)
	require.NotEmpty(t, rep.Failed)
	assert.Equal(t, "../escape.md", rep.Failed[0].File)
	assert.Equal(t, -1, rep.Failed[0].ChunkIndex)
}

func TestIngestSelected_NoPaths(t *testing.T) {
	emb := &stubEmbedder{dims: 4}
	h := newHarness(t, emb, newMemIndex())

	_, err := h.pipe.IngestSelected(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))
}

func TestIngestFullPartial_BatchesConverge(t *testing.T) {
	ix := newMemIndex()
	emb := &stubEmbedder{dims: 4}
	h := newHarness(t, emb, ix)
	h.writeDoc(t, "a.md", "# A\n\nAlpha body text.\n")
	h.writeThread(t, "threads/t1.json", "T1",
		post("p1", "alice", "2024-01-01", "First post."),
		post("p2", "bob", "2024-01-02", "Second post."))

	start := 0
	batches := 0
	for {
		rep, err := h.pipe.IngestFullPartial(context.Background(), 1, start)
		require.NoError(t, err)
		batches++
		require.Less(t, batches, 20, "batched rebuild must terminate")
		if !rep.HasMore {
			break
		}
		assert.Equal(t, start+1, rep.NextStartIndex)
		start = rep.NextStartIndex
	}

	assert.GreaterOrEqual(t, batches, 3)
	assert.GreaterOrEqual(t, ix.count(), 3)

	// The completed rebuild is durable like a plain full ingest
	rec, err := h.store.Get(context.Background(), "a.md")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestIngestFullPartial_Validation(t *testing.T) {
	emb := &stubEmbedder{dims: 4}
	h := newHarness(t, emb, newMemIndex())

	_, err := h.pipe.IngestFullPartial(context.Background(), 0, 0)
	require.Error(t, err)

	_, err = h.pipe.IngestFullPartial(context.Background(), 10, -1)
	require.Error(t, err)
}

func TestIngestFull_RateLimitAccounting(t *testing.T) {
	emb := &stubEmbedder{dims: 4, retryCount: 2, rateLimitHits: 1}
	h := newHarness(t, emb, newMemIndex())
	h.writeDoc(t, "a.md", "# A\n\nAlpha body text.\n")

	rep, err := h.pipe.IngestFull(context.Background())
	require.NoError(t, err)
	require.Greater(t, rep.ChunksUpserted, 0)

	d := rep.Diagnostics
	assert.Equal(t, rep.ChunksUpserted, d.EmbeddedChunks)
	assert.Equal(t, rep.ChunksUpserted*2, d.RetryCount)
	assert.Equal(t, rep.ChunksUpserted, d.RateLimitHits)
	assert.Greater(t, d.MeanEmbedLatency, time.Duration(0))
}

func TestNewPipeline_RequiresDependencies(t *testing.T) {
	_, err := NewPipeline(Dependencies{})
	require.Error(t, err)
}
