package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forumrag/forumrag/internal/embed"
	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/identity"
	"github.com/forumrag/forumrag/internal/vecindex"
)

const (
	embedQueueDepth  = 32
	upsertQueueDepth = 32

	// finalFlushTimeout bounds the durable writes after a run ends,
	// including after cancellation.
	finalFlushTimeout = 30 * time.Second
)

type embedJob struct {
	unit *fileUnit
	pc   plannedChunk
}

type upsertJob struct {
	unit  *fileUnit
	pc    plannedChunk
	point *vecindex.Point
}

// run is the mutable state of one pipeline invocation. Fields above the
// mutex are written by a single goroutine at a time; everything below
// it is shared with workers.
type run struct {
	mode      string
	sessionID string
	startedAt time.Time

	filesScanned  int
	filesUpdated  int
	filesDeleted  int
	postsSkipped  int
	chunksSkipped int
	planned       int

	nextStart int
	hasMore   bool
	cancelled bool

	mu     sync.Mutex
	fatal  error
	failed []FailedChunk

	upserted      int
	processed     int
	embedded      int
	chunksDeleted int

	embedInFlight  int
	peakEmbed      int
	upsertInFlight int
	peakUpsert     int

	latencySum time.Duration
	latencyN   int

	rateLimitHits int
	retryCount    int
}

func newRun(mode string) *run {
	return &run{mode: mode, startedAt: time.Now()}
}

// setFatal records the first session-fatal error; later ones lose.
func (r *run) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *run) recordFileFailure(path string, cause error) {
	r.mu.Lock()
	r.failed = append(r.failed, FailedChunk{File: path, ChunkIndex: -1, Err: cause.Error()})
	r.mu.Unlock()
	slog.Warn("file_failed",
		slog.String("file", path),
		slog.String("error", cause.Error()))
}

func (r *run) addDeleted(n int) {
	r.mu.Lock()
	r.chunksDeleted += n
	r.mu.Unlock()
}

// absorb folds a planned unit's skip tallies into the run. Plan time is
// single-threaded, so no locking.
func (r *run) absorb(u *fileUnit) {
	r.chunksSkipped += u.skippedUnchanged + u.skippedResume
	r.postsSkipped += u.postsSkipped
}

func (r *run) noteEmbedStart() {
	r.mu.Lock()
	r.embedInFlight++
	if r.embedInFlight > r.peakEmbed {
		r.peakEmbed = r.embedInFlight
	}
	r.mu.Unlock()
}

// noteEmbedDone folds in retry accounting from the embedder, which is
// populated even when the call failed.
func (r *run) noteEmbedDone(res *embed.Result, elapsed time.Duration, ok bool) {
	r.mu.Lock()
	r.embedInFlight--
	r.latencySum += elapsed
	r.latencyN++
	if res != nil {
		r.retryCount += res.RetryCount
		r.rateLimitHits += res.RateLimitHits
	}
	if ok {
		r.embedded++
	}
	r.mu.Unlock()
}

func (r *run) noteUpsertStart() {
	r.mu.Lock()
	r.upsertInFlight++
	if r.upsertInFlight > r.peakUpsert {
		r.peakUpsert = r.upsertInFlight
	}
	r.mu.Unlock()
}

func (r *run) noteUpsertDone() {
	r.mu.Lock()
	r.upsertInFlight--
	r.mu.Unlock()
}

func (r *run) buildReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	wall := time.Since(r.startedAt)
	d := Diagnostics{
		PeakEmbeddingInFlight: r.peakEmbed,
		PeakUpsertInFlight:    r.peakUpsert,
		RateLimitHits:         r.rateLimitHits,
		RetryCount:            r.retryCount,
		EmbeddedChunks:        r.embedded,
		WallTime:              wall,
	}
	if r.latencyN > 0 {
		d.MeanEmbedLatency = r.latencySum / time.Duration(r.latencyN)
	}
	if secs := wall.Seconds(); secs > 0 {
		d.VectorsPerSecond = float64(r.upserted) / secs
	}

	chunksFailed := 0
	for _, f := range r.failed {
		if f.ChunkIndex >= 0 {
			chunksFailed++
		}
	}

	return &Report{
		Mode:           r.mode,
		SessionID:      r.sessionID,
		StartedAt:      r.startedAt,
		Duration:       wall,
		FilesScanned:   r.filesScanned,
		FilesUpdated:   r.filesUpdated,
		FilesDeleted:   r.filesDeleted,
		PostsSkipped:   r.postsSkipped,
		ChunksPlanned:  r.planned,
		ChunksUpserted: r.upserted,
		ChunksFailed:   chunksFailed,
		ChunksDeleted:  r.chunksDeleted,
		ChunksSkipped:  r.chunksSkipped,
		Cancelled:      r.cancelled,
		NextStartIndex: r.nextStart,
		HasMore:        r.hasMore,
		Failed:         append([]FailedChunk(nil), r.failed...),
		Diagnostics:    d,
	}
}

// execute drives the producer, the embedding pool, and the upsert pool
// over the planned units, then drains whatever the run left behind.
//
// Cancellation policy: the producer and embedders stop at the group
// context, while upserters keep writing already-embedded vectors on an
// uncancelled context, so paid-for embeddings are never thrown away.
// On a session-fatal error the upserters stop writing and drain their
// queue as failures instead.
func (p *Pipeline) execute(ctx context.Context, r *run, units []*fileUnit) {
	for _, u := range units {
		r.planned += len(u.queued)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	drainCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(runCtx)
	embedCh := make(chan embedJob, embedQueueDepth)
	upsertCh := make(chan upsertJob, upsertQueueDepth)

	g.Go(func() error {
		defer close(embedCh)
		return p.produce(gctx, r, units, embedCh)
	})

	var embedWG sync.WaitGroup
	for i := 0; i < p.cfg.Pipeline.EmbeddingThreads; i++ {
		embedWG.Add(1)
		g.Go(func() error {
			defer embedWG.Done()
			return p.embedWorker(gctx, r, embedCh, upsertCh)
		})
	}
	go func() {
		embedWG.Wait()
		close(upsertCh)
	}()

	for i := 0; i < p.cfg.Pipeline.UpsertThreads; i++ {
		g.Go(func() error {
			return p.upsertWorker(drainCtx, r, upsertCh)
		})
	}

	_ = g.Wait()

	// Whatever is still sitting in the closed channels never reached
	// the index; mark it failed so a later run retries it. Chunks the
	// producer never pushed stay untouched: resume re-queues them.
	residue := r.fatalErr()
	if residue == nil {
		residue = ctx.Err()
	}
	if residue == nil {
		residue = ragerrors.InternalError("pipeline stopped before this chunk was processed", nil)
	}
	for job := range embedCh {
		p.failChunk(r, job.unit, job.pc, residue)
	}
	for job := range upsertCh {
		p.failChunk(r, job.unit, job.pc, residue)
	}

	if ctx.Err() != nil {
		r.cancelled = true
	}
}

// produce clears each unit's stale points and feeds its queued chunks
// to the embedding pool in plan order.
func (p *Pipeline) produce(gctx context.Context, r *run, units []*fileUnit, out chan<- embedJob) error {
	for _, unit := range units {
		if err := gctx.Err(); err != nil {
			return err
		}
		ok, err := p.clearStale(gctx, r, unit)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, pc := range unit.queued {
			select {
			case out <- embedJob{unit: unit, pc: pc}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	}
	return nil
}

// clearStale runs a unit's deletions before any of its upserts: the
// whole-file purge for modified docs, per-post purges for edited
// posts, and the chunk IDs the new plan no longer produces.
func (p *Pipeline) clearStale(gctx context.Context, r *run, unit *fileUnit) (bool, error) {
	if unit.deleteFirst {
		if err := p.index.DeleteByFilter(gctx, docFileFilter(unit.path)); err != nil {
			return p.staleDeleteFailed(gctx, r, unit, err)
		}
		r.addDeleted(unit.oldChunkCount)
	}
	for _, f := range unit.postDeletes {
		if err := p.index.DeleteByFilter(gctx, f); err != nil {
			return p.staleDeleteFailed(gctx, r, unit, err)
		}
	}
	if len(unit.staleIDs) > 0 {
		if err := p.index.DeleteByIDs(gctx, pointUUIDs(unit.staleIDs)); err != nil {
			return p.staleDeleteFailed(gctx, r, unit, err)
		}
		r.addDeleted(len(unit.staleIDs))
	}
	return true, nil
}

func (p *Pipeline) staleDeleteFailed(gctx context.Context, r *run, unit *fileUnit, err error) (bool, error) {
	if ctxErr := gctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if ragerrors.IsSessionFatal(err) {
		r.setFatal(err)
		return false, err
	}
	// Upserting over undeleted points risks stale duplicates; skip the
	// file and let the next run retry it.
	r.recordFileFailure(unit.path, err)
	r.mu.Lock()
	unit.anyFailed = true
	r.mu.Unlock()
	return false, nil
}

// embedWorker turns queued chunks into vectors. Per-chunk failures are
// recorded and skipped; a dimension mismatch or other session-fatal
// error stops the run.
func (p *Pipeline) embedWorker(gctx context.Context, r *run, in <-chan embedJob, out chan<- upsertJob) error {
	for job := range in {
		c := job.pc.chunk

		// The chunkers enforce the ceiling at plan time; this guards
		// against an injected chunker that does not.
		if c.TokenCount > p.cfg.Chunking.AbsoluteMaxTokens {
			err := ragerrors.New(ragerrors.ErrCodeChunkTooLarge,
				fmt.Sprintf("chunk %s is %d tokens, ceiling is %d",
					c.ID, c.TokenCount, p.cfg.Chunking.AbsoluteMaxTokens), nil)
			if p.cfg.Pipeline.FailFastValidation {
				r.setFatal(err)
				p.failChunk(r, job.unit, job.pc, err)
				return err
			}
			slog.Warn("chunk_over_ceiling",
				slog.String("chunk_id", c.ID),
				slog.Int("tokens", c.TokenCount))
		}

		r.noteEmbedStart()
		start := time.Now()
		res, err := p.embedder.EmbedOne(gctx, c.Content)
		r.noteEmbedDone(res, time.Since(start), err == nil)
		if err != nil {
			if ctxErr := gctx.Err(); ctxErr != nil {
				p.failChunk(r, job.unit, job.pc, ctxErr)
				return ctxErr
			}
			if ragerrors.IsSessionFatal(err) {
				r.setFatal(err)
				p.failChunk(r, job.unit, job.pc, err)
				return err
			}
			p.failChunk(r, job.unit, job.pc, err)
			continue
		}

		if len(res.Vector) != p.cfg.Embedder.Dimensions {
			err := ragerrors.DimensionMismatchError(p.cfg.Embedder.Dimensions, len(res.Vector))
			r.setFatal(err)
			p.failChunk(r, job.unit, job.pc, err)
			return err
		}

		up := upsertJob{
			unit: job.unit,
			pc:   job.pc,
			point: &vecindex.Point{
				ID:      identity.PointUUID(c.ID),
				Vector:  res.Vector,
				Payload: vecindex.BuildPayload(c),
			},
		}
		select {
		case out <- up:
		case <-gctx.Done():
			p.failChunk(r, job.unit, job.pc, gctx.Err())
			return gctx.Err()
		}
	}
	return nil
}

// upsertWorker writes embedded points to the index. It runs on an
// uncancelled context so a cancelled run still lands the vectors it
// already paid to embed; once a session-fatal error is recorded it
// stops writing and fails the rest of its queue cheaply.
func (p *Pipeline) upsertWorker(drainCtx context.Context, r *run, in <-chan upsertJob) error {
	for job := range in {
		if r.fatalErr() != nil {
			p.failChunk(r, job.unit, job.pc,
				ragerrors.InternalError("session aborted before upsert", nil))
			continue
		}

		r.noteUpsertStart()
		err := p.index.Upsert(drainCtx, []*vecindex.Point{job.point})
		r.noteUpsertDone()
		if err != nil {
			if ragerrors.IsSessionFatal(err) {
				r.setFatal(err)
				p.failChunk(r, job.unit, job.pc, err)
				return err
			}
			p.failChunk(r, job.unit, job.pc, err)
			continue
		}
		p.finishChunk(r, job.unit, job.pc)
	}
	return nil
}

// failChunk records one chunk's failure everywhere it matters: the
// progress tracker, the run report, and the owning file and post.
func (p *Pipeline) failChunk(r *run, unit *fileUnit, pc plannedChunk, cause error) {
	p.tracker.MarkFailed(unit.path, pc.index, pc.chunk.ID, cause)

	r.mu.Lock()
	r.failed = append(r.failed, FailedChunk{
		File:       unit.path,
		ChunkIndex: pc.index,
		ChunkID:    pc.chunk.ID,
		Err:        cause.Error(),
	})
	r.processed++
	unit.anyFailed = true
	unit.remaining--
	if pc.post != nil {
		pc.post.failed = true
		pc.post.pending--
	}
	processed, total, failedN := r.processed, r.planned, len(r.failed)
	r.mu.Unlock()

	slog.Warn("chunk_failed",
		slog.String("file", unit.path),
		slog.Int("chunk_index", pc.index),
		slog.String("chunk_id", pc.chunk.ID),
		slog.String("error", cause.Error()))

	if p.onProg != nil {
		p.onProg(ProgressEvent{
			File:            unit.path,
			ChunkIndex:      pc.index,
			ProcessedChunks: processed,
			TotalChunks:     total,
			FailedChunks:    failedN,
		})
	}
}

func (p *Pipeline) finishChunk(r *run, unit *fileUnit, pc plannedChunk) {
	p.tracker.MarkProcessed(unit.path, pc.index)

	r.mu.Lock()
	r.upserted++
	r.processed++
	unit.remaining--
	if pc.post != nil {
		pc.post.pending--
	}
	processed, total, failedN := r.processed, r.planned, len(r.failed)
	r.mu.Unlock()

	if p.onProg != nil {
		p.onProg(ProgressEvent{
			File:            unit.path,
			ChunkIndex:      pc.index,
			ProcessedChunks: processed,
			TotalChunks:     total,
			FailedChunks:    failedN,
		})
	}
}
