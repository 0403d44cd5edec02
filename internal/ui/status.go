package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StatusInfo contains ingest state and index health information.
type StatusInfo struct {
	// Corpus stats from the local state store
	CorpusDir    string    `json:"corpus_dir"`
	TotalFiles   int       `json:"total_files"`
	TotalChunks  int       `json:"total_chunks"`
	TotalPosts   int       `json:"total_posts"`
	LastIngested time.Time `json:"last_ingested"`

	// Storage sizes (in bytes)
	StateDBSize  int64 `json:"state_db_size"`
	ProgressSize int64 `json:"progress_size"`

	// Vector index
	Collection      string `json:"collection"`
	IndexPoints     uint64 `json:"index_points"`
	IndexDimensions int    `json:"index_dimensions"`
	IndexStatus     string `json:"index_status"` // "ready", "offline", "error"

	// Embedder
	EmbedderModel  string `json:"embedder_model"`
	EmbedderStatus string `json:"embedder_status"` // "ready", "offline", "error"

	// Resumable session, if an interrupted ingest left one behind
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	ResumePending   int    `json:"resume_pending,omitempty"`
}

// StatusRenderer displays ingest status.
type StatusRenderer struct {
	out     io.Writer
	styles  Styles
	noColor bool
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:     out,
		styles:  GetStyles(noColor),
		noColor: noColor,
	}
}

// Render displays status info to terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	// Header
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Ingest Status: "+info.CorpusDir))

	// Corpus stats
	_, _ = fmt.Fprintf(r.out, "  Files:         %d\n", info.TotalFiles)
	_, _ = fmt.Fprintf(r.out, "  Chunks:        %d\n", info.TotalChunks)
	if info.TotalPosts > 0 {
		_, _ = fmt.Fprintf(r.out, "  Forum posts:   %d\n", info.TotalPosts)
	}
	if !info.LastIngested.IsZero() {
		_, _ = fmt.Fprintf(r.out, "  Last ingested: %s\n", formatTime(info.LastIngested))
	}
	_, _ = fmt.Fprintln(r.out)

	// Storage sizes
	_, _ = fmt.Fprintln(r.out, "  Storage:")
	_, _ = fmt.Fprintf(r.out, "    State DB: %s\n", FormatBytes(info.StateDBSize))
	if info.ProgressSize > 0 {
		_, _ = fmt.Fprintf(r.out, "    Progress: %s\n", FormatBytes(info.ProgressSize))
	}
	_, _ = fmt.Fprintln(r.out)

	// Vector index
	_, _ = fmt.Fprintln(r.out, "  Vector index:")
	_, _ = fmt.Fprintf(r.out, "    Collection: %s\n", info.Collection)
	_, _ = fmt.Fprintf(r.out, "    Points:     %d\n", info.IndexPoints)
	if info.IndexDimensions > 0 {
		_, _ = fmt.Fprintf(r.out, "    Dimensions: %d\n", info.IndexDimensions)
	}
	_, _ = fmt.Fprintf(r.out, "    Status:     %s\n", r.renderStatus(info.IndexStatus))
	_, _ = fmt.Fprintln(r.out)

	// Embedder status
	_, _ = fmt.Fprintln(r.out, "  Embedder:")
	if info.EmbedderModel != "" {
		_, _ = fmt.Fprintf(r.out, "    Model:  %s\n", info.EmbedderModel)
	}
	_, _ = fmt.Fprintf(r.out, "    Status: %s\n", r.renderStatus(info.EmbedderStatus))

	// Resumable session
	if info.ResumeSessionID != "" {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "  Resumable session: %s (%d files pending)\n",
			info.ResumeSessionID, info.ResumePending)
	}

	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

// renderStatus formats a status string with color.
func (r *StatusRenderer) renderStatus(status string) string {
	switch status {
	case "ready", "running":
		return r.styles.Success.Render(status)
	case "offline", "stopped":
		return r.styles.Warning.Render(status)
	case "error":
		return r.styles.Error.Render(status)
	default:
		return status
	}
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}

// FormatBytes formats bytes to human-readable format.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
