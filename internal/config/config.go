package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

// Namespaces for chunk identity. The quoted namespace is configurable;
// these are the fixed defaults.
const (
	NamespaceDoc   = "doc"
	NamespaceForum = "forum"

	// DefaultQuotedNamespace separates quoted-content chunks from originals.
	DefaultQuotedNamespace = "forum-quoted"
)

// Worker pool bounds. Configured thread counts are clamped into these
// ranges at load time.
const (
	MinEmbeddingThreads = 4
	MaxEmbeddingThreads = 6
	MinUpsertThreads    = 2
	MaxUpsertThreads    = 4
)

// Config represents the complete forumrag configuration.
type Config struct {
	Version  int    `yaml:"version" json:"version"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Corpus    CorpusConfig    `yaml:"corpus" json:"corpus"`
	Chunking  ChunkingConfig  `yaml:"chunking" json:"chunking"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Forum     ForumConfig     `yaml:"forum" json:"forum"`
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Embedder  EmbedderConfig  `yaml:"embedder" json:"embedder"`
	Qdrant    QdrantConfig    `yaml:"qdrant" json:"qdrant"`
}

// CorpusConfig configures the source tree.
type CorpusConfig struct {
	// Root is the corpus root directory walked for source files.
	Root string `yaml:"root" json:"root"`
	// Extensions lists the file extensions picked up by the walk.
	Extensions []string `yaml:"extensions" json:"extensions"`
}

// ChunkingConfig configures the token budgets shared by both chunkers.
type ChunkingConfig struct {
	// MaxTokens is the target chunk size.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
	// OverlapTokens is the trailing overlap carried between adjacent chunks.
	OverlapTokens int `yaml:"overlap_tokens" json:"overlap_tokens"`
	// AbsoluteMaxTokens is the hard per-chunk ceiling enforced before embedding.
	AbsoluteMaxTokens int `yaml:"absolute_max_tokens" json:"absolute_max_tokens"`
}

// PipelineConfig configures the ingestion pipeline.
type PipelineConfig struct {
	// EmbeddingThreads is the embedding worker count (clamped to 4-6).
	EmbeddingThreads int `yaml:"embedding_threads" json:"embedding_threads"`
	// UpsertThreads is the upsert worker count (clamped to 2-4).
	UpsertThreads int `yaml:"upsert_threads" json:"upsert_threads"`
	// FailFastValidation aborts the session when a chunk exceeds the
	// absolute token ceiling instead of logging and skipping it.
	FailFastValidation bool `yaml:"fail_fast_validation" json:"fail_fast_validation"`
	// Resume skips chunks already recorded as upserted in the progress file.
	Resume bool `yaml:"resume" json:"resume"`
}

// ForumConfig configures forum-thread ingestion.
type ForumConfig struct {
	// EmbedQuotedContent also embeds quoted passages as separate chunks.
	EmbedQuotedContent bool `yaml:"embed_quoted_content" json:"embed_quoted_content"`
	// QuotedContentNamespace is the identity namespace for quoted chunks.
	QuotedContentNamespace string `yaml:"quoted_content_namespace" json:"quoted_content_namespace"`
	// SkipUnchangedPosts skips posts whose fingerprint matches the state store.
	SkipUnchangedPosts bool `yaml:"skip_unchanged_posts" json:"skip_unchanged_posts"`
}

// RetrievalConfig configures query-time behavior.
type RetrievalConfig struct {
	// RetrievalCount is k for the nearest-neighbor search.
	RetrievalCount int `yaml:"retrieval_count" json:"retrieval_count"`
	// GroupByThread groups matches into per-thread buckets for context.
	GroupByThread bool `yaml:"group_by_thread" json:"group_by_thread"`
	// TimeDecayWeighting down-weights older posts.
	TimeDecayWeighting bool `yaml:"time_decay_weighting" json:"time_decay_weighting"`
	// TimeDecayHalfLifeDays is the decay half-life in days.
	TimeDecayHalfLifeDays float64 `yaml:"time_decay_half_life_days" json:"time_decay_half_life_days"`
	// MaxPostsPerThreadInContext truncates each thread block in the context.
	MaxPostsPerThreadInContext int `yaml:"max_posts_per_thread_in_context" json:"max_posts_per_thread_in_context"`
}

// EmbedderConfig configures the embedding provider client.
type EmbedderConfig struct {
	// BaseURL is the OpenAI-compatible API base URL.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Model is the embedding model identifier.
	Model string `yaml:"model" json:"model"`
	// Dimensions is the expected embedding dimensionality.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// RequestTimeout is the per-request deadline (e.g. "60s").
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`

	// APIKey comes from the environment only, never from files.
	APIKey string `yaml:"-" json:"-"`
}

// QdrantConfig configures the vector index connection.
type QdrantConfig struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	Collection string `yaml:"collection" json:"collection"`
	APIKey     string `yaml:"api_key" json:"-"`
	UseTLS     bool   `yaml:"use_tls" json:"use_tls"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version:  1,
		DataDir:  ".forumrag",
		LogLevel: "info",
		Corpus: CorpusConfig{
			Root:       "./corpus",
			Extensions: []string{".md", ".mdx", ".json"},
		},
		Chunking: ChunkingConfig{
			MaxTokens:         800,
			OverlapTokens:     120,
			AbsoluteMaxTokens: 1024,
		},
		Pipeline: PipelineConfig{
			EmbeddingThreads:   4,
			UpsertThreads:      2,
			FailFastValidation: false,
			Resume:             false,
		},
		Forum: ForumConfig{
			EmbedQuotedContent:     false,
			QuotedContentNamespace: DefaultQuotedNamespace,
			SkipUnchangedPosts:     true,
		},
		Retrieval: RetrievalConfig{
			RetrievalCount:             30,
			GroupByThread:              true,
			TimeDecayWeighting:         false,
			TimeDecayHalfLifeDays:      365,
			MaxPostsPerThreadInContext: 10,
		},
		Embedder: EmbedderConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			Dimensions:     1536,
			RequestTimeout: "60s",
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "forumrag",
			APIKey:     "",
			UseTLS:     false,
		},
	}
}

// Timeout returns the parsed per-request deadline, falling back to 60s.
func (e EmbedderConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(e.RequestTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// StateDBPath returns the state store database path under the data dir.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// ProgressPath returns the resumable progress file path under the data dir.
func (c *Config) ProgressPath() string {
	return filepath.Join(c.DataDir, "progress.json")
}

// LockPath returns the single-ingester lock file path under the data dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "ingest.lock")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return ragerrors.ConfigError(fmt.Sprintf("cannot create data dir %s", c.DataDir), err)
	}
	return nil
}

// clampThreads pulls the configured worker counts into their allowed ranges.
func (c *Config) clampThreads() {
	if c.Pipeline.EmbeddingThreads < MinEmbeddingThreads {
		c.Pipeline.EmbeddingThreads = MinEmbeddingThreads
	}
	if c.Pipeline.EmbeddingThreads > MaxEmbeddingThreads {
		c.Pipeline.EmbeddingThreads = MaxEmbeddingThreads
	}
	if c.Pipeline.UpsertThreads < MinUpsertThreads {
		c.Pipeline.UpsertThreads = MinUpsertThreads
	}
	if c.Pipeline.UpsertThreads > MaxUpsertThreads {
		c.Pipeline.UpsertThreads = MaxUpsertThreads
	}
}

// Validate validates the configuration and returns a coded error if invalid.
func (c *Config) Validate() error {
	if c.Chunking.MaxTokens <= 0 {
		return ragerrors.ConfigError(fmt.Sprintf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens), nil)
	}
	if c.Chunking.OverlapTokens < 0 {
		return ragerrors.ConfigError(fmt.Sprintf("chunking.overlap_tokens must be non-negative, got %d", c.Chunking.OverlapTokens), nil)
	}
	if c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		return ragerrors.ConfigError(fmt.Sprintf("chunking.overlap_tokens (%d) must be smaller than max_tokens (%d)",
			c.Chunking.OverlapTokens, c.Chunking.MaxTokens), nil)
	}
	if c.Chunking.AbsoluteMaxTokens < c.Chunking.MaxTokens {
		return ragerrors.ConfigError(fmt.Sprintf("chunking.absolute_max_tokens (%d) must be at least max_tokens (%d)",
			c.Chunking.AbsoluteMaxTokens, c.Chunking.MaxTokens), nil)
	}

	if c.Retrieval.RetrievalCount <= 0 {
		return ragerrors.ConfigError(fmt.Sprintf("retrieval.retrieval_count must be positive, got %d", c.Retrieval.RetrievalCount), nil)
	}
	if c.Retrieval.MaxPostsPerThreadInContext <= 0 {
		return ragerrors.ConfigError(fmt.Sprintf("retrieval.max_posts_per_thread_in_context must be positive, got %d",
			c.Retrieval.MaxPostsPerThreadInContext), nil)
	}
	if c.Retrieval.TimeDecayHalfLifeDays <= 0 {
		return ragerrors.ConfigError(fmt.Sprintf("retrieval.time_decay_half_life_days must be positive, got %f",
			c.Retrieval.TimeDecayHalfLifeDays), nil)
	}

	if c.Embedder.BaseURL == "" {
		return ragerrors.ConfigError("embedder.base_url must not be empty", nil)
	}
	if c.Embedder.Model == "" {
		return ragerrors.ConfigError("embedder.model must not be empty", nil)
	}
	if c.Embedder.Dimensions <= 0 {
		return ragerrors.ConfigError(fmt.Sprintf("embedder.dimensions must be positive, got %d", c.Embedder.Dimensions), nil)
	}
	if c.Embedder.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Embedder.RequestTimeout); err != nil {
			return ragerrors.ConfigError(fmt.Sprintf("embedder.request_timeout is not a duration: %s", c.Embedder.RequestTimeout), err)
		}
	}

	if c.Qdrant.Host == "" {
		return ragerrors.ConfigError("qdrant.host must not be empty", nil)
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return ragerrors.ConfigError(fmt.Sprintf("qdrant.port must be in 1-65535, got %d", c.Qdrant.Port), nil)
	}
	if c.Qdrant.Collection == "" {
		return ragerrors.ConfigError("qdrant.collection must not be empty", nil)
	}

	if c.Forum.QuotedContentNamespace == "" {
		return ragerrors.ConfigError("forum.quoted_content_namespace must not be empty", nil)
	}

	for _, ext := range c.Corpus.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return ragerrors.ConfigError(fmt.Sprintf("corpus.extensions entries must start with '.', got %q", ext), nil)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return ragerrors.ConfigError(fmt.Sprintf("log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.LogLevel), nil)
	}

	return nil
}

// RequireAPIKey returns a coded error when the embedding API key is unset.
// Ingestion and retrieval both need it; status/health do not.
func (c *Config) RequireAPIKey() error {
	if c.Embedder.APIKey == "" {
		return ragerrors.New(ragerrors.ErrCodeAPIKeyMissing,
			"embedding API key is not set", nil).
			WithSuggestion("set FORUMRAG_EMBED_API_KEY in the environment or a .env file")
	}
	return nil
}
