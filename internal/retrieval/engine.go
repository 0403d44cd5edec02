// Package retrieval answers queries over the ingested corpus: it embeds
// the query, searches the vector index for forum matches, optionally
// applies time decay and thread grouping, and assembles an LLM-ready
// context that attributes every opinion to a user and a date. Image
// URLs never travel inside the context string; they are collected per
// conversation and served through the paginated registry.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/forumrag/forumrag/internal/config"
	"github.com/forumrag/forumrag/internal/embed"
	"github.com/forumrag/forumrag/internal/vecindex"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Searcher is the slice of the vector index the engine needs.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int, filter *vecindex.Filter) ([]*vecindex.ScoredPoint, error)
}

var _ Searcher = (*vecindex.Index)(nil)

// PostMatch is one forum chunk hit, materialized from its payload.
type PostMatch struct {
	ThreadID      string
	PostID        string
	SubChunkIndex int
	Username      string
	UserID        string
	Date          string // YYYY-MM-DD, "" when the source had none
	ThreadTitle   string
	Anchor        string
	Keywords      []string
	Images        []string
	Content       string

	// Score is the ranking score, time decay included when enabled.
	// RawScore is the cosine similarity the index returned.
	Score    float64
	RawScore float64
}

// ThreadGroup is a per-thread bucket of matches with its aggregates.
type ThreadGroup struct {
	ThreadID    string
	Title       string
	Posts       []*PostMatch
	DateRange   DateRange
	UniqueUsers []string
	AvgScore    float64
}

// DateRange spans the earliest and latest post dates in a group.
type DateRange struct {
	From string
	To   string
}

// Result is the outcome of one retrieval.
type Result struct {
	Query          string
	ConversationID string

	// Matches is the flat ranked list, decay applied.
	Matches []*PostMatch

	// Groups is populated when group-by-thread is on, ordered by
	// AvgScore descending.
	Groups []*ThreadGroup

	// Context is the LLM-ready context string.
	Context string

	// Images are the de-duplicated image references, ordered by match
	// relevance. The same list is retrievable later via ListImages.
	Images []ImageRef
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source used for decay. Tests pin it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithImageRegistry shares an externally owned registry.
func WithImageRegistry(r *ImageRegistry) Option {
	return func(e *Engine) {
		e.images = r
	}
}

// WithConversations shares an externally owned conversation store.
func WithConversations(c *ConversationStore) Option {
	return func(e *Engine) {
		e.convs = c
	}
}

// Engine answers retrieval queries. Safe for concurrent use.
type Engine struct {
	embedder embed.Embedder
	index    Searcher
	cfg      config.RetrievalConfig

	images *ImageRegistry
	convs  *ConversationStore
	now    func() time.Time
}

// NewEngine creates a retrieval engine. The embedder should be the
// cached decorator so repeated queries skip the provider round-trip.
func NewEngine(embedder embed.Embedder, index Searcher, cfg config.RetrievalConfig, opts ...Option) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if index == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	}
	if cfg.RetrievalCount <= 0 {
		cfg.RetrievalCount = 30
	}
	if cfg.MaxPostsPerThreadInContext <= 0 {
		cfg.MaxPostsPerThreadInContext = 10
	}
	if cfg.TimeDecayHalfLifeDays <= 0 {
		cfg.TimeDecayHalfLifeDays = 365
	}

	e := &Engine{
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.images == nil {
		e.images = NewImageRegistry(0)
	}
	if e.convs == nil {
		e.convs = NewConversationStore(0)
	}
	return e, nil
}

// Images returns the engine's image registry.
func (e *Engine) Images() *ImageRegistry {
	return e.images
}

// Conversations returns the engine's conversation store.
func (e *Engine) Conversations() *ConversationStore {
	return e.convs
}

// Query is one retrieval request. An empty ConversationID starts a new
// conversation; the assigned ID comes back on the result.
type Query struct {
	Text           string
	ConversationID string
}

// Retrieve runs the full retrieval flow: embed, search, decay, group,
// format. The returned error is nil on an empty result; no matches is
// an answer, not a failure.
func (e *Engine) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.Text == "" {
		return nil, fmt.Errorf("query text is empty")
	}

	start := time.Now()
	res, err := e.embedder.EmbedOne(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	filter := &vecindex.Filter{Must: []vecindex.Condition{
		vecindex.Eq("docType", vecindex.DocTypeForumPost),
	}}
	hits, err := e.index.Search(ctx, res.Vector, e.cfg.RetrievalCount, filter)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	matches := make([]*PostMatch, 0, len(hits))
	for _, hit := range hits {
		if !vecindex.IsForumPayload(hit.Payload) {
			continue
		}
		matches = append(matches, matchFromPayload(hit))
	}

	if e.cfg.TimeDecayWeighting {
		e.applyTimeDecay(matches)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	out := &Result{
		Query:          q.Text,
		ConversationID: e.convs.Touch(q.ConversationID),
		Matches:        matches,
	}
	if e.cfg.GroupByThread {
		out.Groups = groupByThread(matches, e.cfg.MaxPostsPerThreadInContext)
		out.Context = formatGroupedContext(out.Groups)
	} else {
		out.Context = formatFlatContext(matches)
	}
	out.Images = collectImages(matches)

	e.convs.Append(out.ConversationID, Message{
		Role:    RoleUser,
		Content: q.Text,
		Time:    e.now().UTC(),
	})
	e.images.Put(out.ConversationID, out.Images)

	slog.Info("retrieval_complete",
		slog.String("conversation", out.ConversationID),
		slog.Int("matches", len(matches)),
		slog.Int("threads", len(out.Groups)),
		slog.Int("images", len(out.Images)),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

// matchFromPayload lifts a search hit into a PostMatch.
func matchFromPayload(hit *vecindex.ScoredPoint) *PostMatch {
	p := vecindex.DecodeForumPayload(hit.Payload)
	return &PostMatch{
		ThreadID:      p.ThreadID,
		PostID:        p.PostID,
		SubChunkIndex: p.SubChunkIndex,
		Username:      p.Username,
		UserID:        p.UserID,
		Date:          p.Date,
		ThreadTitle:   p.ThreadTitle,
		Anchor:        p.Anchor,
		Keywords:      p.Keywords,
		Images:        p.Images,
		Content:       p.Content,
		Score:         float64(hit.Score),
		RawScore:      float64(hit.Score),
	}
}
