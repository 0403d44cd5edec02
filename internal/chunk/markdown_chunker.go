package chunk

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/forumrag/forumrag/internal/config"
	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/identity"
	"github.com/forumrag/forumrag/internal/source"
	"github.com/forumrag/forumrag/internal/token"
)

// Default chunking limits. Zero-valued options fall back to these.
const (
	DefaultMaxTokens         = 800
	DefaultOverlapTokens     = 120
	DefaultAbsoluteMaxTokens = 1024

	// minChunkBudget is the floor for the per-chunk token budget after
	// header or title prefixes are subtracted. A pathologically long
	// title must not shrink the budget to nothing.
	minChunkBudget = 100
)

// Matches headings: # Title, ## Title, etc.
var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// MarkdownOptions configures how documentation files are split.
type MarkdownOptions struct {
	MaxTokens          int
	OverlapTokens      int
	AbsoluteMaxTokens  int
	EmbeddingModel     string
	FailFastValidation bool
}

// MarkdownChunker splits markdown documents into section-scoped chunks.
// Each chunk carries a document and section title prefix so the embedded
// text retains its place in the document hierarchy.
type MarkdownChunker struct {
	opts    MarkdownOptions
	counter *token.Counter
}

// NewMarkdownChunker creates a markdown chunker. Zero-valued options are
// filled with defaults; a nil counter gets a private one.
func NewMarkdownChunker(opts MarkdownOptions, counter *token.Counter) *MarkdownChunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.OverlapTokens <= 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	if opts.AbsoluteMaxTokens <= 0 {
		opts.AbsoluteMaxTokens = DefaultAbsoluteMaxTokens
	}
	if counter == nil {
		counter = token.NewCounter(0)
	}
	return &MarkdownChunker{opts: opts, counter: counter}
}

// section is a contiguous run of lines under one heading. Content before
// the first heading lands in a synthesized "Introduction" section.
type section struct {
	title string
	lines []string
}

// Chunk splits a document into chunks. Sections never mix: a chunk holds
// lines from exactly one section. Fenced code blocks stay atomic even
// when that pushes a chunk past the soft budget; the absolute cap is
// checked after assembly.
func (c *MarkdownChunker) Chunk(doc *source.Document) ([]*Chunk, error) {
	if strings.TrimSpace(doc.Body) == "" {
		return nil, nil
	}

	sections := parseSections(doc.Body)
	lastModified := ""
	if !doc.LastModified.IsZero() {
		lastModified = doc.LastModified.UTC().Format(time.RFC3339)
	}

	var chunks []*Chunk
	chunkIndex := 0

	emit := func(sec *section, prefix string, prefixTokens int, lines []string, lineTokens int) error {
		body := strings.TrimRight(strings.Join(lines, "\n"), " \t\n")
		if strings.TrimSpace(body) == "" {
			return nil
		}
		total := prefixTokens + lineTokens
		if total > c.opts.AbsoluteMaxTokens {
			if c.opts.FailFastValidation {
				return ragerrors.New(ragerrors.ErrCodeChunkTooLarge,
					fmt.Sprintf("chunk %d of %s is %d tokens, absolute maximum is %d",
						chunkIndex, doc.FilePath, total, c.opts.AbsoluteMaxTokens), nil)
			}
			slog.Warn("chunk_exceeds_absolute_max",
				"file", doc.FilePath,
				"section", sec.title,
				"chunk_index", chunkIndex,
				"tokens", total,
				"limit", c.opts.AbsoluteMaxTokens)
		}
		chunks = append(chunks, &Chunk{
			ID:         identity.ChunkID(config.NamespaceDoc, doc.SourceKey(), chunkIndex, c.opts.EmbeddingModel),
			Content:    prefix + body,
			TokenCount: total,
			DocMeta: &DocMeta{
				SourceFile:     doc.FilePath,
				DocTitle:       doc.Title,
				SectionTitle:   sec.title,
				DocCategory:    doc.Category,
				URLPath:        doc.URLPath,
				ChunkIndex:     chunkIndex,
				ContentHash:    doc.Fingerprint,
				LastModified:   lastModified,
				EmbeddingModel: c.opts.EmbeddingModel,
			},
		})
		chunkIndex++
		return nil
	}

	for i := range sections {
		sec := &sections[i]
		if sectionBlank(sec) {
			continue
		}

		prefix := fmt.Sprintf("# %s\n\n## %s\n\n", doc.Title, sec.title)
		prefixTokens := c.counter.Count(prefix)
		budget := c.opts.MaxTokens - prefixTokens
		if budget < minChunkBudget {
			budget = minChunkBudget
		}

		var cur []string
		curTokens := 0
		inFence := false

		for _, line := range sec.lines {
			trimmed := strings.TrimSpace(line)

			// Chunks never open on a blank line.
			if len(cur) == 0 && trimmed == "" {
				continue
			}
			lineTokens := c.counter.Count(line)

			// A blank line closes out a chunk that has already
			// reached the budget. No overlap carries across a
			// paragraph boundary.
			if trimmed == "" && !inFence && len(cur) > 0 && curTokens >= budget {
				if err := emit(sec, prefix, prefixTokens, cur, curTokens); err != nil {
					return nil, err
				}
				cur, curTokens = nil, 0
				continue
			}

			// Mid-paragraph split: close the chunk and seed the
			// next one with trailing lines so context spans the cut.
			if !inFence && len(cur) > 0 && curTokens+lineTokens > budget {
				if err := emit(sec, prefix, prefixTokens, cur, curTokens); err != nil {
					return nil, err
				}
				cur, curTokens = c.overlapLines(cur)
			}

			cur = append(cur, line)
			curTokens += lineTokens
			if strings.HasPrefix(trimmed, "```") {
				inFence = !inFence
			}
		}
		if len(cur) > 0 {
			if err := emit(sec, prefix, prefixTokens, cur, curTokens); err != nil {
				return nil, err
			}
		}
	}
	return chunks, nil
}

// overlapLines picks trailing lines from an emitted chunk to seed the
// next one, stopping once the overlap budget is spent. It never takes
// every line and never reaches across a fence marker.
func (c *MarkdownChunker) overlapLines(lines []string) ([]string, int) {
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			break
		}
		t := c.counter.Count(lines[i])
		if total+t > c.opts.OverlapTokens {
			break
		}
		total += t
		start = i
	}
	carry := make([]string, len(lines)-start)
	copy(carry, lines[start:])
	return carry, total
}

// parseSections splits a markdown body at its headings. Heading lines are
// consumed: the title survives in the chunk prefix instead. Headings
// inside fenced code blocks are literal text, not section breaks.
func parseSections(body string) []section {
	sections := []section{{title: "Introduction"}}
	inFence := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			sections[len(sections)-1].lines = append(sections[len(sections)-1].lines, line)
			continue
		}
		if !inFence {
			if m := headingPattern.FindStringSubmatch(line); m != nil {
				sections = append(sections, section{title: strings.TrimSpace(m[2])})
				continue
			}
		}
		sections[len(sections)-1].lines = append(sections[len(sections)-1].lines, line)
	}
	return sections
}

func sectionBlank(sec *section) bool {
	for _, line := range sec.lines {
		if strings.TrimSpace(line) != "" {
			return false
		}
	}
	return true
}
