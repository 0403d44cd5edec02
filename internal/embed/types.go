// Package embed turns chunk text into vectors. The provider client owns
// the retry policy: SDK-level retries are disabled and every attempt is
// scheduled by the jittered backoff in internal/errors, so rate-limit
// accounting stays visible to the pipeline.
package embed

import (
	"context"
	"time"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimensions is the vector size of DefaultModel.
	DefaultDimensions = 1536

	// DefaultRequestTimeout bounds a single provider call. It is separate
	// from backoff sleeps: a stalled request and a throttled one are
	// different failures.
	DefaultRequestTimeout = 60 * time.Second
)

// Result is the outcome of one embedding call, including its retry
// accounting. The accounting fields are populated even when the call
// ultimately fails, so the pipeline can fold them into its diagnostics.
type Result struct {
	// Vector is the embedding, nil on failure.
	Vector []float32

	// RetryCount is the number of retries performed (attempts minus one).
	RetryCount int

	// WasRateLimited reports whether any attempt hit a rate-limit signal.
	WasRateLimited bool

	// RateLimitHits counts the individual rate-limit responses.
	RateLimitHits int
}

// Embedder generates vector embeddings for text.
type Embedder interface {
	// EmbedOne embeds a single text. On failure the returned Result still
	// carries retry accounting alongside the error.
	EmbedOne(ctx context.Context, text string) (*Result, error)

	// Dimensions returns the expected embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Config configures the provider-backed embedder.
type Config struct {
	// APIKey authenticates against the provider. Comes from the
	// environment, never from config files.
	APIKey string

	// BaseURL is the OpenAI-compatible endpoint.
	BaseURL string

	// Model is the embedding model identifier.
	Model string

	// Dimensions is the expected vector size for Model.
	Dimensions int

	// RequestTimeout bounds each individual provider call.
	RequestTimeout time.Duration

	// Retry is the backoff policy; the zero value means the default
	// 5-attempt jittered schedule.
	Retry ragerrors.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Dimensions <= 0 {
		c.Dimensions = DefaultDimensions
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = ragerrors.DefaultRetryConfig()
	}
	return c
}
