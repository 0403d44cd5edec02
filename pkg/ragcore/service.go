// Package ragcore is the embeddable control surface: it wires the
// config, state store, embedder, vector index, ingestion pipeline and
// retrieval engine into one Service. The CLI is a thin shell over this
// package; a server would sit on top of it the same way.
package ragcore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/forumrag/forumrag/internal/config"
	"github.com/forumrag/forumrag/internal/embed"
	"github.com/forumrag/forumrag/internal/pipeline"
	"github.com/forumrag/forumrag/internal/progress"
	"github.com/forumrag/forumrag/internal/retrieval"
	"github.com/forumrag/forumrag/internal/source"
	"github.com/forumrag/forumrag/internal/state"
	"github.com/forumrag/forumrag/internal/ui"
	"github.com/forumrag/forumrag/internal/vecindex"
)

// VectorIndex is the full index surface the service drives: the
// pipeline's write path, the retrieval read path, and the health and
// status probes.
type VectorIndex interface {
	pipeline.Index
	retrieval.Searcher
	CollectionInfo(ctx context.Context) (*vecindex.Stats, error)
	Healthy(ctx context.Context) bool
	Collection() string
	Close() error
}

var _ VectorIndex = (*vecindex.Index)(nil)

// Option configures a Service.
type Option func(*Service)

// WithEmbedder injects an embedder, replacing the provider-backed one.
func WithEmbedder(e embed.Embedder) Option {
	return func(s *Service) {
		s.embedder = e
	}
}

// WithIndex injects a vector index, replacing the qdrant client.
func WithIndex(ix VectorIndex) Option {
	return func(s *Service) {
		s.index = ix
	}
}

// WithProgress registers a callback for per-chunk pipeline progress.
// Called from worker goroutines.
func WithProgress(fn pipeline.ProgressFunc) Option {
	return func(s *Service) {
		s.onProgress = fn
	}
}

// Service owns the wired components for one data dir. Create it with
// New, use it from any goroutine, Close it once.
type Service struct {
	cfg *config.Config

	store    *state.Store
	flusher  *state.Flusher
	tracker  *progress.Tracker
	embedder embed.Embedder
	index    VectorIndex
	engine   *retrieval.Engine

	onProgress pipeline.ProgressFunc

	// The pipeline needs a corpus on disk, which retrieval-only callers
	// may not have. Built on first ingest.
	pipeMu sync.Mutex
	pipe   *pipeline.Pipeline

	closeOnce sync.Once
	closeErr  error
}

// New wires a Service from configuration. The qdrant connection is
// lazy, so an unreachable index surfaces on the first operation, not
// here.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ragcore requires a config")
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	store, err := state.NewStore(cfg.StateDBPath())
	if err != nil {
		return nil, err
	}
	s.store = store
	s.flusher = state.NewFlusher(store, 0, 0)
	s.tracker = progress.NewTracker(cfg.ProgressPath(), 0, 0)

	if s.embedder == nil {
		s.embedder = embed.NewCachedEmbedder(embed.NewOpenAIEmbedder(embed.Config{
			APIKey:         cfg.Embedder.APIKey,
			BaseURL:        cfg.Embedder.BaseURL,
			Model:          cfg.Embedder.Model,
			Dimensions:     cfg.Embedder.Dimensions,
			RequestTimeout: cfg.Embedder.Timeout(),
		}), 0)
	}

	if s.index == nil {
		ix, err := vecindex.New(vecindex.Config{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
		})
		if err != nil {
			s.teardown()
			return nil, err
		}
		s.index = ix
	}

	engine, err := retrieval.NewEngine(s.embedder, s.index, cfg.Retrieval)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.engine = engine

	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// ensurePipeline builds the ingestion pipeline on first use. Requires a
// readable corpus root.
func (s *Service) ensurePipeline() (*pipeline.Pipeline, error) {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()

	if s.pipe != nil {
		return s.pipe, nil
	}

	reader, err := source.NewReader(s.cfg.Corpus.Root, s.cfg.Corpus.Extensions)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.NewPipeline(pipeline.Dependencies{
		Config:     s.cfg,
		Reader:     reader,
		Embedder:   s.embedder,
		Index:      s.index,
		Store:      s.store,
		Flusher:    s.flusher,
		Tracker:    s.tracker,
		OnProgress: s.onProgress,
	})
	if err != nil {
		return nil, err
	}
	s.pipe = pipe
	return pipe, nil
}

// IngestFull rebuilds the index from the whole corpus, resuming an
// interrupted session when the config says so.
func (s *Service) IngestFull(ctx context.Context) (*pipeline.Report, error) {
	if err := s.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	pipe, err := s.ensurePipeline()
	if err != nil {
		return nil, err
	}
	return pipe.IngestFull(ctx)
}

// IngestIncremental ingests only files whose fingerprint changed and
// sweeps removed files out of the index.
func (s *Service) IngestIncremental(ctx context.Context) (*pipeline.Report, error) {
	if err := s.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	pipe, err := s.ensurePipeline()
	if err != nil {
		return nil, err
	}
	return pipe.IngestIncremental(ctx)
}

// IngestSelected force-reingests the named corpus-relative paths.
func (s *Service) IngestSelected(ctx context.Context, paths []string) (*pipeline.Report, error) {
	if err := s.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	pipe, err := s.ensurePipeline()
	if err != nil {
		return nil, err
	}
	return pipe.IngestSelected(ctx, paths)
}

// IngestFullPartial processes at most maxChunksPerBatch chunks starting
// at startIndex and reports where the next batch should begin.
func (s *Service) IngestFullPartial(ctx context.Context, maxChunksPerBatch, startIndex int) (*pipeline.Report, error) {
	if err := s.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	pipe, err := s.ensurePipeline()
	if err != nil {
		return nil, err
	}
	return pipe.IngestFullPartial(ctx, maxChunksPerBatch, startIndex)
}

// Retrieve answers a query over the ingested corpus.
func (s *Service) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	if err := s.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	return s.engine.Retrieve(ctx, q)
}

// ListImages pages through the images collected for a conversation.
func (s *Service) ListImages(conversationID string, offset, limit int) retrieval.ImagePage {
	return s.engine.Images().List(conversationID, offset, limit)
}

// ClearConversation drops a conversation's history and its images.
func (s *Service) ClearConversation(conversationID string) {
	s.engine.Conversations().Clear(conversationID)
	s.engine.Images().Clear(conversationID)
}

// Status collects ingest state and index health for display.
func (s *Service) Status(ctx context.Context) (ui.StatusInfo, error) {
	info := ui.StatusInfo{
		CorpusDir:     s.cfg.Corpus.Root,
		Collection:    s.cfg.Qdrant.Collection,
		EmbedderModel: s.cfg.Embedder.Model,
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return info, err
	}
	info.TotalFiles = stats.FileCount
	info.TotalChunks = stats.ChunkCount
	info.TotalPosts = stats.PostCount

	files, err := s.store.List(ctx)
	if err != nil {
		return info, err
	}
	for _, f := range files {
		if f.LastIngested.After(info.LastIngested) {
			info.LastIngested = f.LastIngested
		}
	}

	if fi, err := os.Stat(s.cfg.StateDBPath()); err == nil {
		info.StateDBSize = fi.Size()
	}
	if fi, err := os.Stat(s.cfg.ProgressPath()); err == nil {
		info.ProgressSize = fi.Size()
	}

	if s.cfg.Embedder.APIKey != "" {
		info.EmbedderStatus = "ready"
	} else {
		info.EmbedderStatus = "offline"
	}

	if s.index.Healthy(ctx) {
		info.IndexStatus = "ready"
		if cs, err := s.index.CollectionInfo(ctx); err == nil {
			info.IndexPoints = cs.PointsCount
			info.IndexDimensions = cs.Dimensions
		}
	} else {
		info.IndexStatus = "offline"
	}

	if found, err := s.tracker.Load(); err == nil && found {
		if snap := s.tracker.Snapshot(); snap != nil {
			info.ResumeSessionID = snap.SessionID
			pending := 0
			for _, fp := range snap.Files {
				if fp.Processed < fp.Total {
					pending++
				}
			}
			info.ResumePending = pending
		}
	}

	return info, nil
}

// Close releases every owned resource. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.teardown()
	})
	return s.closeErr
}

func (s *Service) teardown() error {
	var errs []error
	if s.flusher != nil {
		if err := s.flusher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tracker != nil {
		if err := s.tracker.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.embedder != nil {
		if err := s.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
