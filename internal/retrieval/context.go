package retrieval

import (
	"fmt"
	"regexp"
	"strings"
)

// contextPreamble tells the model what kind of material follows and how
// to treat the attributions.
const contextPreamble = "The following excerpts come from community forum discussions. " +
	"Each statement is one user's opinion at the time it was posted, not official documentation; " +
	"attribute claims to their authors and note when the discussion is old.\n\n"

const threadSeparator = "\n---\n\n"

var (
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\(https?://[^\s)]+\)`)
	bareImageURLPattern  = regexp.MustCompile(`https?://[^\s)\]]+\.(?i:png|jpe?g|gif|webp)(?:\?[^\s)\]]*)?`)
	blankRunPattern      = regexp.MustCompile(`\n{3,}`)
)

// formatGroupedContext renders per-thread blocks ordered as given. Each
// block names the thread, its timeframe, and its participants, then
// lists posts as "**user** (date): content".
func formatGroupedContext(groups []*ThreadGroup) string {
	if len(groups) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(contextPreamble)
	for i, g := range groups {
		if i > 0 {
			sb.WriteString(threadSeparator)
		}
		sb.WriteString(fmt.Sprintf("### Thread: %s\n", threadHeading(g)))
		if tf := timeframe(g.DateRange); tf != "" {
			sb.WriteString(fmt.Sprintf("Discussed %s by %s.\n", tf, strings.Join(g.UniqueUsers, ", ")))
		}
		sb.WriteString("\n")
		for _, p := range g.Posts {
			writePostLine(&sb, p)
		}
	}
	return sb.String()
}

// formatFlatContext renders ungrouped matches in rank order.
func formatFlatContext(matches []*PostMatch) string {
	if len(matches) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(contextPreamble)
	for _, m := range matches {
		writePostLine(&sb, m)
	}
	return sb.String()
}

func writePostLine(sb *strings.Builder, m *PostMatch) {
	user := m.Username
	if user == "" {
		user = "unknown"
	}
	date := m.Date
	if date == "" {
		date = "undated"
	}
	sb.WriteString(fmt.Sprintf("**%s** (%s): %s\n\n", user, date, StripImageURLs(m.Content)))
}

func threadHeading(g *ThreadGroup) string {
	if g.Title != "" {
		return g.Title
	}
	return g.ThreadID
}

func timeframe(r DateRange) string {
	switch {
	case r.From == "":
		return ""
	case r.From == r.To:
		return "on " + r.From
	default:
		return fmt.Sprintf("between %s and %s", r.From, r.To)
	}
}

// StripImageURLs removes markdown image syntax and bare image URLs from
// content. The URLs are surfaced separately through the image registry;
// inline they only waste context tokens.
func StripImageURLs(content string) string {
	out := markdownImagePattern.ReplaceAllString(content, "")
	out = bareImageURLPattern.ReplaceAllString(out, "")
	out = blankRunPattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// collectImages gathers every image URL across matches in rank order,
// de-duplicated, each attributed to the first post that carried it.
func collectImages(matches []*PostMatch) []ImageRef {
	seen := make(map[string]bool)
	var refs []ImageRef
	for _, m := range matches {
		for _, url := range m.Images {
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true
			refs = append(refs, ImageRef{
				URL:      url,
				ThreadID: m.ThreadID,
				PostID:   m.PostID,
				Username: m.Username,
			})
		}
	}
	return refs
}
