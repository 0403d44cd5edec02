package ragcore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CheckStatus represents the result of a health check.
type CheckStatus int

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single health check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Health runs every check and returns the results in a fixed order.
// It never returns an error; failures are results.
func (s *Service) Health(ctx context.Context) []CheckResult {
	results := []CheckResult{
		s.checkConfig(),
		s.checkDataDir(),
		s.checkAPIKey(),
		s.checkStateStore(ctx),
		s.checkIndex(ctx),
	}
	if results[len(results)-1].Status == StatusPass {
		results = append(results, s.checkCollection(ctx))
	}
	return results
}

func (s *Service) checkConfig() CheckResult {
	r := CheckResult{Name: "config", Required: true}
	if err := s.cfg.Validate(); err != nil {
		r.Status = StatusFail
		r.Message = err.Error()
		return r
	}
	r.Status = StatusPass
	r.Message = "valid"
	return r
}

func (s *Service) checkDataDir() CheckResult {
	r := CheckResult{Name: "data_dir", Required: true}

	probe := filepath.Join(s.cfg.DataDir, ".health-probe")
	f, err := os.Create(probe)
	if err != nil {
		r.Status = StatusFail
		r.Message = fmt.Sprintf("not writable: %v", err)
		return r
	}
	_ = f.Close()
	_ = os.Remove(probe)

	r.Status = StatusPass
	r.Message = s.cfg.DataDir
	return r
}

func (s *Service) checkAPIKey() CheckResult {
	r := CheckResult{Name: "embedder_key", Required: false}
	if s.cfg.Embedder.APIKey == "" {
		r.Status = StatusWarn
		r.Message = "API key not set; ingest and retrieve will fail"
		return r
	}
	r.Status = StatusPass
	r.Message = fmt.Sprintf("set, model %s", s.cfg.Embedder.Model)
	return r
}

func (s *Service) checkStateStore(ctx context.Context) CheckResult {
	r := CheckResult{Name: "state_store", Required: true}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		r.Status = StatusFail
		r.Message = err.Error()
		return r
	}
	r.Status = StatusPass
	r.Message = fmt.Sprintf("%d files, %d chunks tracked", stats.FileCount, stats.ChunkCount)
	return r
}

func (s *Service) checkIndex(ctx context.Context) CheckResult {
	r := CheckResult{Name: "vector_index", Required: true}
	if !s.index.Healthy(ctx) {
		r.Status = StatusFail
		r.Message = fmt.Sprintf("unreachable at %s:%d", s.cfg.Qdrant.Host, s.cfg.Qdrant.Port)
		return r
	}
	r.Status = StatusPass
	r.Message = fmt.Sprintf("reachable, collection %q", s.index.Collection())
	return r
}

// checkCollection verifies the stored dimension against the configured
// embedder. A mismatch means nothing upserted now would be searchable.
func (s *Service) checkCollection(ctx context.Context) CheckResult {
	r := CheckResult{Name: "collection", Required: true}
	stats, err := s.index.CollectionInfo(ctx)
	if err != nil {
		r.Status = StatusWarn
		r.Required = false
		r.Message = "not created yet; first ingest will create it"
		return r
	}
	if stats.Dimensions != 0 && stats.Dimensions != s.cfg.Embedder.Dimensions {
		r.Status = StatusFail
		r.Message = fmt.Sprintf("dimension %d does not match embedder dimension %d",
			stats.Dimensions, s.cfg.Embedder.Dimensions)
		return r
	}
	r.Status = StatusPass
	r.Message = fmt.Sprintf("%d points, %d dimensions", stats.PointsCount, stats.Dimensions)
	return r
}

// HasCriticalFailures returns true if any required check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus reduces check results to one word for scripts.
func SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults writes check results in the "[PASS] name: message" form.
func PrintResults(w io.Writer, results []CheckResult) {
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
	}
	_, _ = fmt.Fprintf(w, "\nStatus: %s\n", SummaryStatus(results))
}
