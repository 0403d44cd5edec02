package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

// OpenAIEmbedder generates embeddings through an OpenAI-compatible API.
type OpenAIEmbedder struct {
	client  openai.Client
	cfg     Config
	breaker *ragerrors.Breaker
}

// Verify interface implementation at compile time
var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder for the configured provider.
// SDK retries are disabled: the backoff schedule here is the only one,
// so retry counts and rate-limit hits reported to callers are exact.
func NewOpenAIEmbedder(cfg Config) *OpenAIEmbedder {
	cfg = cfg.withDefaults()

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEmbedder{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		breaker: ragerrors.NewBreaker("embedding provider", 0, 0),
	}
}

// EmbedOne embeds a single text with up to cfg.Retry.MaxAttempts
// attempts, all through the provider breaker: once the provider looks
// dead, queued chunks fail fast instead of each sleeping out the full
// backoff schedule. Whitespace-only input returns a zero vector without
// a provider call. The Result carries retry accounting even when the
// final attempt fails.
func (e *OpenAIEmbedder) EmbedOne(ctx context.Context, text string) (*Result, error) {
	res := &Result{}
	if strings.TrimSpace(text) == "" {
		res.Vector = make([]float32, e.cfg.Dimensions)
		return res, nil
	}

	calls := 0
	err := ragerrors.Retry(ctx, e.cfg.Retry, func() error {
		calls++
		return e.breaker.Do(func() error {
			vec, rerr := e.requestEmbedding(ctx, text)
			if rerr != nil {
				cerr := classifyProviderError(rerr)
				if ragerrors.GetCode(cerr) == ragerrors.ErrCodeRateLimited {
					res.RateLimitHits++
					res.WasRateLimited = true
				}
				slog.Debug("embedding_attempt_failed",
					slog.Int("attempt", calls),
					slog.String("error", cerr.Error()))
				return cerr
			}
			res.Vector = vec
			return nil
		})
	})
	if calls > 0 {
		res.RetryCount = calls - 1
	}
	return res, err
}

// requestEmbedding performs one provider call under the per-request
// deadline.
func (e *OpenAIEmbedder) requestEmbedding(ctx context.Context, text string) ([]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(reqCtx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model:          openai.EmbeddingModel(e.cfg.Model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ragerrors.New(ragerrors.ErrCodeProviderUnavailable,
			"provider returned no embedding", nil)
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the expected embedding dimension. The pipeline
// validates actual vector lengths against this.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.cfg.Model
}

// Available probes the provider with a single untried embedding call.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	_, err := e.requestEmbedding(ctx, "ping")
	return err == nil
}

// Close releases resources. The SDK shares the default transport, so
// there is nothing to tear down.
func (e *OpenAIEmbedder) Close() error {
	return nil
}

// classifyProviderError maps SDK and transport failures onto coded
// errors so the retry loop can tell transient from permanent.
func classifyProviderError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || isRateLimitMessage(apiErr.Message):
			return ragerrors.RateLimitError("embedding provider throttled the request", err)
		case apiErr.StatusCode >= 500:
			return ragerrors.New(ragerrors.ErrCodeProviderUnavailable,
				fmt.Sprintf("embedding provider returned status %d", apiErr.StatusCode), err)
		default:
			// Permanent rejection: recorded per chunk, never retried.
			return ragerrors.New(ragerrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("embedding request rejected with status %d", apiErr.StatusCode), err)
		}
	}

	if isRateLimitMessage(err.Error()) {
		return ragerrors.RateLimitError("embedding provider throttled the request", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ragerrors.New(ragerrors.ErrCodeNetworkTimeout, "embedding request timed out", err)
	}
	return ragerrors.New(ragerrors.ErrCodeProviderUnavailable, "embedding provider unreachable", err)
}

// isRateLimitMessage recognizes throttling responses that arrive without
// a 429 status.
func isRateLimitMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "rate limit") ||
		strings.Contains(m, "too many requests") ||
		strings.Contains(m, "quota")
}
