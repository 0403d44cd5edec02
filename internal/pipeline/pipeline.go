// Package pipeline orchestrates ingestion: it plans the work a corpus
// implies, pushes chunks through bounded embedding and upsert worker
// pools, and records durable progress so interrupted runs resume where
// they stopped. The pipeline never fails a run for a single bad chunk;
// only conditions that poison everything after them (dimension
// mismatch, unreachable index, state-store IO) abort a session.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forumrag/forumrag/internal/chunk"
	"github.com/forumrag/forumrag/internal/config"
	"github.com/forumrag/forumrag/internal/embed"
	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/progress"
	"github.com/forumrag/forumrag/internal/source"
	"github.com/forumrag/forumrag/internal/state"
	"github.com/forumrag/forumrag/internal/token"
	"github.com/forumrag/forumrag/internal/vecindex"
)

// Index is the slice of the vector index the pipeline drives.
type Index interface {
	EnsureCollection(ctx context.Context, dim int) error
	Upsert(ctx context.Context, points []*vecindex.Point) error
	DeleteByFilter(ctx context.Context, filter vecindex.Filter) error
	DeleteByIDs(ctx context.Context, ids []string) error
	DropCollection(ctx context.Context) error
}

var _ Index = (*vecindex.Index)(nil)

// Dependencies carries everything a Pipeline needs. The chunkers and
// OnProgress are optional; everything else is required.
type Dependencies struct {
	Config   *config.Config
	Reader   *source.Reader
	Embedder embed.Embedder
	Index    Index
	Store    *state.Store
	Flusher  *state.Flusher
	Tracker  *progress.Tracker

	// OnProgress, when set, receives an event after every finished
	// chunk. Called from worker goroutines.
	OnProgress ProgressFunc

	// Chunkers are built from Config when nil. Tests inject their own.
	Markdown *chunk.MarkdownChunker
	Forum    *chunk.ForumChunker
}

// Pipeline is the ingestion engine. One instance runs one ingest at a
// time; the file lock enforces that across processes too.
type Pipeline struct {
	cfg      *config.Config
	reader   *source.Reader
	embedder embed.Embedder
	index    Index
	store    *state.Store
	flusher  *state.Flusher
	tracker  *progress.Tracker
	onProg   ProgressFunc

	markdown *chunk.MarkdownChunker
	forum    *chunk.ForumChunker

	lock *Lock
}

// NewPipeline wires a pipeline from its dependencies.
func NewPipeline(deps Dependencies) (*Pipeline, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("pipeline requires a config")
	}
	if deps.Reader == nil {
		return nil, fmt.Errorf("pipeline requires a source reader")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("pipeline requires an embedder")
	}
	if deps.Index == nil {
		return nil, fmt.Errorf("pipeline requires a vector index")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline requires a state store")
	}
	if deps.Flusher == nil {
		return nil, fmt.Errorf("pipeline requires a state flusher")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("pipeline requires a progress tracker")
	}

	md := deps.Markdown
	forum := deps.Forum
	if md == nil || forum == nil {
		counter := token.NewCounter(0)
		if md == nil {
			md = chunk.NewMarkdownChunker(chunk.MarkdownOptions{
				MaxTokens:          deps.Config.Chunking.MaxTokens,
				OverlapTokens:      deps.Config.Chunking.OverlapTokens,
				AbsoluteMaxTokens:  deps.Config.Chunking.AbsoluteMaxTokens,
				EmbeddingModel:     deps.Config.Embedder.Model,
				FailFastValidation: deps.Config.Pipeline.FailFastValidation,
			}, counter)
		}
		if forum == nil {
			var err error
			forum, err = chunk.NewForumChunker(chunk.ForumOptions{
				MaxTokens:          deps.Config.Chunking.MaxTokens,
				OverlapTokens:      deps.Config.Chunking.OverlapTokens,
				EmbeddingModel:     deps.Config.Embedder.Model,
				EmbedQuotedContent: deps.Config.Forum.EmbedQuotedContent,
				QuotedNamespace:    deps.Config.Forum.QuotedContentNamespace,
			}, counter)
			if err != nil {
				return nil, err
			}
		}
	}

	return &Pipeline{
		cfg:      deps.Config,
		reader:   deps.Reader,
		embedder: deps.Embedder,
		index:    deps.Index,
		store:    deps.Store,
		flusher:  deps.Flusher,
		tracker:  deps.Tracker,
		onProg:   deps.OnProgress,
		markdown: md,
		forum:    forum,
		lock:     NewLock(deps.Config.LockPath()),
	}, nil
}

// IngestFull rebuilds the index from the whole corpus. With
// Pipeline.Resume set and a checkpoint on disk, it continues the
// interrupted session instead, skipping chunks that already landed.
//
// Cancellation is not an error: in-flight work drains, progress is
// flushed, and the report comes back with Cancelled set and a nil
// error. Only session-fatal conditions return an error, alongside the
// partial report.
func (p *Pipeline) IngestFull(ctx context.Context) (*Report, error) {
	if err := p.lock.Acquire(); err != nil {
		return nil, err
	}
	defer p.lock.Release()

	r := newRun(ModeFull)
	resumed, err := p.prepareFullSession(ctx)
	if err != nil {
		return nil, err
	}
	r.sessionID = p.tracker.SessionID()
	slog.Info("ingest_started",
		slog.String("mode", r.mode),
		slog.String("session", r.sessionID),
		slog.Bool("resumed", resumed))

	if err := p.index.EnsureCollection(ctx, p.cfg.Embedder.Dimensions); err != nil {
		return nil, err
	}

	units, err := p.planCorpus(ctx, r, resumed, true, false)
	if err != nil {
		return nil, err
	}
	p.initProgress(units)
	if ctx.Err() != nil {
		r.cancelled = true
	} else {
		p.execute(ctx, r, units)
	}
	return p.finish(ctx, r, units)
}

// IngestIncremental diffs the corpus against the state store and
// ingests only what changed: new and modified files are (re)embedded,
// removed files' points are deleted, and unchanged files are never
// parsed past their fingerprint.
func (p *Pipeline) IngestIncremental(ctx context.Context) (*Report, error) {
	if err := p.lock.Acquire(); err != nil {
		return nil, err
	}
	defer p.lock.Release()

	r := newRun(ModeIncremental)
	r.sessionID = p.tracker.Create(p.embedder.ModelName())
	slog.Info("ingest_started",
		slog.String("mode", r.mode),
		slog.String("session", r.sessionID))

	if err := p.index.EnsureCollection(ctx, p.cfg.Embedder.Dimensions); err != nil {
		return nil, err
	}

	units, seen, err := p.planIncremental(ctx, r)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		// A cancelled walk leaves the seen set incomplete; sweeping
		// removed files against it would delete live data.
		r.cancelled = true
		return p.finish(ctx, r, units)
	}
	if err := p.sweepRemoved(ctx, r, seen); err != nil {
		r.setFatal(err)
		return p.finish(ctx, r, units)
	}
	p.initProgress(units)
	if ctx.Err() != nil {
		r.cancelled = true
	} else {
		p.execute(ctx, r, units)
	}
	return p.finish(ctx, r, units)
}

// IngestSelected re-ingests the given corpus-relative paths
// unconditionally, without comparing file fingerprints. Paths outside
// the corpus or pointing at missing files fail individually; the rest
// proceed.
func (p *Pipeline) IngestSelected(ctx context.Context, paths []string) (*Report, error) {
	if len(paths) == 0 {
		return nil, ragerrors.ValidationError("no paths to ingest", nil)
	}
	if err := p.lock.Acquire(); err != nil {
		return nil, err
	}
	defer p.lock.Release()

	r := newRun(ModeSelected)
	r.sessionID = p.tracker.Create(p.embedder.ModelName())
	slog.Info("ingest_started",
		slog.String("mode", r.mode),
		slog.String("session", r.sessionID),
		slog.Int("paths", len(paths)))

	if err := p.index.EnsureCollection(ctx, p.cfg.Embedder.Dimensions); err != nil {
		return nil, err
	}

	var units []*fileUnit
	seen := make(map[string]bool, len(paths))
	for _, raw := range paths {
		rel, err := cleanRelPath(raw)
		if err != nil {
			r.recordFileFailure(raw, err)
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		r.filesScanned++

		rec, err := p.store.Get(ctx, rel)
		if err != nil {
			return nil, err
		}
		ref := &source.FileRef{RelPath: rel, Kind: source.DetectKind(rel)}
		unit, err := p.planFile(ctx, ref, false, rec != nil)
		if err != nil {
			if planAborts(err) {
				return nil, err
			}
			r.recordFileFailure(rel, err)
			continue
		}
		if rec != nil {
			if err := p.attachHistory(ctx, unit, ref, rec.ChunkCount); err != nil {
				return nil, err
			}
		}
		r.filesUpdated++
		r.absorb(unit)
		units = append(units, unit)
	}
	p.initProgress(units)
	if ctx.Err() != nil {
		r.cancelled = true
	} else {
		p.execute(ctx, r, units)
	}
	return p.finish(ctx, r, units)
}

// IngestFullPartial runs one window of a full rebuild: the global chunk
// range [startIndex, startIndex+maxChunksPerBatch) over the corpus
// plan. startIndex zero resets index and state exactly like IngestFull;
// later batches continue the same session. The report's NextStartIndex
// and HasMore drive the caller's loop.
//
// Window positions only stay aligned across calls while the corpus does
// not change between batches, so every plan-time failure aborts instead
// of skipping the file.
func (p *Pipeline) IngestFullPartial(ctx context.Context, maxChunksPerBatch, startIndex int) (*Report, error) {
	if maxChunksPerBatch <= 0 {
		return nil, ragerrors.ValidationError(
			fmt.Sprintf("maxChunksPerBatch must be positive, got %d", maxChunksPerBatch), nil)
	}
	if startIndex < 0 {
		return nil, ragerrors.ValidationError(
			fmt.Sprintf("startIndex must be non-negative, got %d", startIndex), nil)
	}
	if err := p.lock.Acquire(); err != nil {
		return nil, err
	}
	defer p.lock.Release()

	r := newRun(ModePartial)
	if startIndex == 0 {
		if err := p.resetForRebuild(ctx); err != nil {
			return nil, err
		}
	} else {
		found, err := p.tracker.Load()
		if err != nil {
			return nil, err
		}
		if found {
			if err := p.checkResumeModel(); err != nil {
				return nil, err
			}
		} else {
			p.tracker.Create(p.embedder.ModelName())
		}
	}
	r.sessionID = p.tracker.SessionID()
	slog.Info("ingest_started",
		slog.String("mode", r.mode),
		slog.String("session", r.sessionID),
		slog.Int("start_index", startIndex),
		slog.Int("batch_size", maxChunksPerBatch))

	if err := p.index.EnsureCollection(ctx, p.cfg.Embedder.Dimensions); err != nil {
		return nil, err
	}

	units, err := p.planCorpus(ctx, r, false, false, true)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, u := range units {
		total += len(u.queued)
	}
	end := startIndex + maxChunksPerBatch
	if end > total {
		end = total
	}
	sliceWindow(units, startIndex, end)
	r.nextStart = end
	r.hasMore = end < total

	p.initProgress(units)
	if ctx.Err() != nil {
		r.cancelled = true
	} else {
		p.execute(ctx, r, units)
	}
	return p.finish(ctx, r, units)
}

// prepareFullSession resets index and state for a fresh full run, or
// loads the interrupted session when resume is on and a checkpoint
// exists.
func (p *Pipeline) prepareFullSession(ctx context.Context) (bool, error) {
	if p.cfg.Pipeline.Resume {
		found, err := p.tracker.Load()
		if err != nil {
			return false, err
		}
		if found {
			if err := p.checkResumeModel(); err != nil {
				return false, err
			}
			return true, nil
		}
		slog.Info("resume_checkpoint_missing")
	}
	return false, p.resetForRebuild(ctx)
}

func (p *Pipeline) resetForRebuild(ctx context.Context) error {
	if err := p.index.DropCollection(ctx); err != nil {
		// A missing collection is normal on first run; a dead index
		// surfaces at EnsureCollection right after.
		slog.Warn("collection_drop_failed", slog.String("error", err.Error()))
	}
	if err := p.store.ClearAll(ctx); err != nil {
		return err
	}
	if err := p.tracker.Clear(); err != nil {
		return err
	}
	p.tracker.Create(p.embedder.ModelName())
	return nil
}

func (p *Pipeline) checkResumeModel() error {
	snap := p.tracker.Snapshot()
	if snap == nil || snap.EmbeddingModel == "" || snap.EmbeddingModel == p.embedder.ModelName() {
		return nil
	}
	return ragerrors.New(ragerrors.ErrCodeInvalidInput,
		fmt.Sprintf("embedder mismatch on resume: checkpoint used '%s', but current embedder is '%s'",
			snap.EmbeddingModel, p.embedder.ModelName()), nil).
		WithSuggestion("run a full ingest without resume to rebuild the index with the new model")
}

// planCorpus walks the whole corpus and plans every file. With strict
// set, any plan-time failure aborts instead of failing one file.
func (p *Pipeline) planCorpus(ctx context.Context, r *run, resumed, allowPostSkips, strict bool) ([]*fileUnit, error) {
	results, err := p.reader.Walk(ctx)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFileNotFound, "corpus root is not readable", err)
	}
	var units []*fileUnit
	for res := range results {
		if res.Error != nil {
			return nil, res.Error
		}
		r.filesScanned++
		unit, err := p.planFile(ctx, res.File, resumed, allowPostSkips)
		if err != nil {
			if strict || planAborts(err) {
				return nil, err
			}
			r.recordFileFailure(res.File.RelPath, err)
			continue
		}
		r.filesUpdated++
		r.absorb(unit)
		units = append(units, unit)
	}
	return units, nil
}

// planIncremental walks the corpus, comparing each file's fingerprint
// against the state store, and plans only the added and modified ones.
// The returned set holds every path seen, for the removed-file sweep.
func (p *Pipeline) planIncremental(ctx context.Context, r *run) ([]*fileUnit, map[string]bool, error) {
	results, err := p.reader.Walk(ctx)
	if err != nil {
		return nil, nil, ragerrors.New(ragerrors.ErrCodeFileNotFound, "corpus root is not readable", err)
	}
	seen := make(map[string]bool)
	var units []*fileUnit
	for res := range results {
		if res.Error != nil {
			return nil, nil, res.Error
		}
		ref := res.File
		seen[ref.RelPath] = true
		r.filesScanned++

		hash, err := p.reader.FileFingerprint(ref.RelPath)
		if err != nil {
			r.recordFileFailure(ref.RelPath, err)
			continue
		}
		rec, err := p.store.Get(ctx, ref.RelPath)
		if err != nil {
			return nil, nil, err
		}
		if rec != nil && rec.ContentHash == hash {
			continue
		}
		unit, err := p.planFile(ctx, ref, false, rec != nil)
		if err != nil {
			if planAborts(err) {
				return nil, nil, err
			}
			r.recordFileFailure(ref.RelPath, err)
			continue
		}
		if rec != nil {
			if err := p.attachHistory(ctx, unit, ref, rec.ChunkCount); err != nil {
				return nil, nil, err
			}
		}
		r.filesUpdated++
		r.absorb(unit)
		units = append(units, unit)
	}
	return units, seen, nil
}

// sweepRemoved deletes points and state for files no longer in the
// corpus. The index deletion gates the state deletion, so a failed
// index call leaves the record in place for the next run to retry.
func (p *Pipeline) sweepRemoved(ctx context.Context, r *run, seen map[string]bool) error {
	recs, err := p.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if seen[rec.FilePath] {
			continue
		}
		if ctx.Err() != nil {
			r.cancelled = true
			return nil
		}
		ids, err := p.store.ChunkIDs(ctx, rec.FilePath)
		if err != nil {
			return err
		}
		if err := p.index.DeleteByIDs(ctx, pointUUIDs(ids)); err != nil {
			if ragerrors.IsSessionFatal(err) {
				return err
			}
			r.recordFileFailure(rec.FilePath, err)
			continue
		}
		if _, err := p.store.Delete(ctx, rec.FilePath); err != nil {
			return err
		}
		r.filesDeleted++
		r.addDeleted(len(ids))
		slog.Info("file_removed",
			slog.String("file", rec.FilePath),
			slog.Int("chunks", len(ids)))
	}
	return nil
}

func (p *Pipeline) initProgress(units []*fileUnit) {
	for _, u := range units {
		p.tracker.InitFile(u.path, len(u.allChunkIDs))
	}
}

// recordState buffers the durable outcome of the run: a file record for
// every unit that landed completely, and a fingerprint for every post
// whose chunks all landed. Files with any failure are left unrecorded
// so the next incremental re-ingests them.
func (p *Pipeline) recordState(r *run, units []*fileUnit) {
	snap := p.tracker.Snapshot()
	failedByFile := make(map[string]bool)
	if snap != nil {
		for _, it := range snap.FailedItems {
			failedByFile[it.File] = true
		}
	}

	for _, unit := range units {
		r.mu.Lock()
		clean := !unit.anyFailed && unit.remaining == 0 && unit.finalCovered
		var donePosts []*postAcct
		for _, acct := range unit.posts {
			if acct.pending == 0 && !acct.failed {
				donePosts = append(donePosts, acct)
			}
		}
		r.mu.Unlock()

		for _, acct := range donePosts {
			p.flusher.BufferPostFingerprint(state.PostFingerprint{
				ThreadID:    acct.threadID,
				PostID:      acct.postID,
				Fingerprint: acct.fingerprint,
			})
		}
		if clean && !failedByFile[unit.path] {
			p.flusher.BufferFileUpsert(state.FileUpsert{
				FilePath:    unit.path,
				ContentHash: unit.hash,
				ChunkIDs:    unit.allChunkIDs,
			})
		}
	}
}

// finish flushes durable state, decides whether the session checkpoint
// can be discarded, and assembles the report.
func (p *Pipeline) finish(ctx context.Context, r *run, units []*fileUnit) (*Report, error) {
	p.recordState(r, units)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	if err := p.tracker.Flush(flushCtx); err != nil {
		r.setFatal(err)
	}
	if err := p.flusher.Flush(flushCtx); err != nil {
		r.setFatal(err)
	}

	rep := r.buildReport()
	fatal := r.fatalErr()

	complete := fatal == nil && !rep.Cancelled && len(rep.Failed) == 0 && !rep.HasMore
	if complete {
		if err := p.tracker.Clear(); err != nil {
			slog.Warn("progress_clear_failed", slog.String("error", err.Error()))
		}
	}

	slog.Info("ingest_finished",
		slog.String("mode", rep.Mode),
		slog.String("session", rep.SessionID),
		slog.Int("files_scanned", rep.FilesScanned),
		slog.Int("files_updated", rep.FilesUpdated),
		slog.Int("files_deleted", rep.FilesDeleted),
		slog.Int("chunks_upserted", rep.ChunksUpserted),
		slog.Int("chunks_failed", rep.ChunksFailed),
		slog.Int("chunks_deleted", rep.ChunksDeleted),
		slog.Int("chunks_skipped", rep.ChunksSkipped),
		slog.Bool("cancelled", rep.Cancelled),
		slog.Duration("duration", rep.Duration))

	if fatal != nil {
		return rep, fatal
	}
	return rep, nil
}
