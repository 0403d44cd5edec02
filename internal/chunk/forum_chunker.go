package chunk

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/forumrag/forumrag/internal/config"
	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/identity"
	"github.com/forumrag/forumrag/internal/source"
	"github.com/forumrag/forumrag/internal/token"
)

const (
	// headerSafetyMargin keeps the assembled chunk under the budget even
	// when the token estimate of header plus body lands a little off.
	headerSafetyMargin = 10

	// keywordTopK is how many keywords are extracted per post when the
	// scraper did not supply any.
	keywordTopK = 8
)

var paragraphPattern = regexp.MustCompile(`\n{2,}`)

// ForumOptions configures how forum posts are split.
type ForumOptions struct {
	MaxTokens          int
	OverlapTokens      int
	EmbeddingModel     string
	EmbedQuotedContent bool
	QuotedNamespace    string
}

// ForumChunker splits forum posts into chunks. Every chunk opens with a
// thread and author header so the embedded text is attributable on its
// own. Posts that fit the budget produce one chunk; long posts split at
// paragraph boundaries first, then sentences, then raw token windows, so
// no content is ever dropped.
type ForumChunker struct {
	opts     ForumOptions
	counter  *token.Counter
	keywords *KeywordExtractor
}

// NewForumChunker creates a forum chunker. Zero-valued options are filled
// with defaults; a nil counter gets a private one.
func NewForumChunker(opts ForumOptions, counter *token.Counter) (*ForumChunker, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.OverlapTokens <= 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	if opts.QuotedNamespace == "" {
		opts.QuotedNamespace = config.DefaultQuotedNamespace
	}
	if counter == nil {
		counter = token.NewCounter(0)
	}
	kw, err := NewKeywordExtractor()
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeTokenizerInit, "keyword analyzer initialization failed", err)
	}
	return &ForumChunker{opts: opts, counter: counter, keywords: kw}, nil
}

// unit is an indivisible piece of post text after decomposition. sep is
// the separator that preceded it in the original text, so joined chunks
// read like the source.
type unit struct {
	text   string
	sep    string
	tokens int
}

// piece is an assembled chunk body before metadata attachment.
type piece struct {
	text   string
	tokens int
}

// Chunk splits a post into original-content chunks, plus quoted-content
// chunks when quote embedding is enabled. Sub-chunk indexes restart at
// zero for the quoted series; the two live in different namespaces.
func (c *ForumChunker) Chunk(post *source.Post) ([]*Chunk, error) {
	var chunks []*Chunk

	if content := strings.TrimSpace(post.Content); content != "" {
		header := forumHeader(post)
		headerTokens := c.counter.Count(header)
		max := c.effectiveMax(headerTokens)
		keywords := post.Keywords
		if len(keywords) == 0 {
			keywords = c.keywords.Extract(content, keywordTopK)
		}
		for i, p := range c.pack(c.decompose(content, max), max) {
			chunks = append(chunks, c.buildChunk(post, header, headerTokens, p, i,
				ChunkTypeOriginal, config.NamespaceForum, keywords, len(post.Content)))
		}
	}

	if c.opts.EmbedQuotedContent {
		if quoted := strings.TrimSpace(post.QuotedContent); quoted != "" {
			header := quotedHeader(post)
			headerTokens := c.counter.Count(header)
			max := c.effectiveMax(headerTokens)
			keywords := c.keywords.Extract(quoted, keywordTopK)
			for i, p := range c.pack(c.decompose(quoted, max), max) {
				chunks = append(chunks, c.buildChunk(post, header, headerTokens, p, i,
					ChunkTypeQuoted, c.opts.QuotedNamespace, keywords, len(quoted)))
			}
		}
	}

	return chunks, nil
}

func (c *ForumChunker) buildChunk(post *source.Post, header string, headerTokens int, p piece,
	idx int, chunkType, namespace string, keywords []string, contentLength int) *Chunk {
	return &Chunk{
		ID:         identity.ChunkID(namespace, post.SourceKey(), idx, c.opts.EmbeddingModel),
		Content:    header + p.text,
		TokenCount: headerTokens + p.tokens,
		ForumMeta: &ForumMeta{
			ThreadID:       post.ThreadID,
			PostID:         post.PostID,
			SubChunkIndex:  idx,
			Username:       post.Username,
			UserID:         post.UserID,
			Date:           post.Date,
			ThreadTitle:    post.ThreadTitle,
			ForumCategory:  post.Category,
			ForumPath:      post.ThreadPath,
			Page:           post.Page,
			Anchor:         post.Anchor,
			Keywords:       keywords,
			Mentions:       post.Mentions,
			HasLinks:       post.HasLinks(),
			HasImages:      post.HasImages(),
			Images:         post.ImageURLs,
			ContentLength:  contentLength,
			Fingerprint:    post.Fingerprint,
			EmbeddingModel: c.opts.EmbeddingModel,
			ChunkType:      chunkType,
		},
	}
}

// effectiveMax is the per-chunk body budget once the header is paid for.
func (c *ForumChunker) effectiveMax(headerTokens int) int {
	m := c.opts.MaxTokens - headerTokens - headerSafetyMargin
	if m < minChunkBudget {
		m = minChunkBudget
	}
	return m
}

// decompose breaks post text into units no larger than max: paragraphs
// where they fit, sentences where a paragraph is too big, raw token
// windows where even a sentence overflows.
func (c *ForumChunker) decompose(text string, max int) []unit {
	var units []unit
	for _, para := range paragraphPattern.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if t := c.counter.Count(para); t <= max {
			units = append(units, unit{text: para, sep: "\n\n", tokens: t})
			continue
		}
		sep := "\n\n"
		for _, sent := range splitSentences(para) {
			if t := c.counter.Count(sent); t <= max {
				units = append(units, unit{text: sent, sep: sep, tokens: t})
				sep = " "
				continue
			}
			for _, w := range c.wordWindows(sent, max) {
				units = append(units, unit{text: w.text, sep: sep, tokens: w.tokens})
				sep = " "
			}
		}
	}
	return units
}

// pack greedily assembles units into pieces within max tokens. When a
// piece closes, trailing units re-seed the next one until the overlap
// budget is met, unless that would crowd out the incoming unit.
func (c *ForumChunker) pack(units []unit, max int) []piece {
	var pieces []piece
	var cur []unit
	curTokens := 0

	for _, u := range units {
		if len(cur) > 0 && curTokens+u.tokens > max {
			pieces = append(pieces, joinUnits(cur, curTokens))
			cur, curTokens = c.carryUnits(cur)
			if len(cur) > 0 && curTokens+u.tokens > max {
				cur, curTokens = nil, 0
			}
		}
		cur = append(cur, u)
		curTokens += u.tokens
	}
	if len(cur) > 0 {
		pieces = append(pieces, joinUnits(cur, curTokens))
	}
	return pieces
}

// carryUnits selects trailing units from an emitted piece until the
// overlap budget is reached. It never carries every unit, so each piece
// is guaranteed to advance through the post.
func (c *ForumChunker) carryUnits(units []unit) ([]unit, int) {
	total := 0
	start := len(units)
	for i := len(units) - 1; i > 0 && total < c.opts.OverlapTokens; i-- {
		total += units[i].tokens
		start = i
	}
	carry := make([]unit, len(units)-start)
	copy(carry, units[start:])
	return carry, total
}

func joinUnits(units []unit, tokens int) piece {
	var b strings.Builder
	for i, u := range units {
		if i > 0 {
			b.WriteString(u.sep)
		}
		b.WriteString(u.text)
	}
	return piece{text: b.String(), tokens: tokens}
}

// wordWindows splits an oversized sentence into windows of whole words,
// each within max tokens, with overlap between consecutive windows.
func (c *ForumChunker) wordWindows(text string, max int) []piece {
	words := strings.Fields(text)
	var out []piece
	var cur []string
	curTokens := 0

	for _, w := range words {
		wt := c.counter.Count(w)
		if len(cur) > 0 && curTokens+wt > max {
			out = append(out, piece{text: strings.Join(cur, " "), tokens: curTokens})
			start := len(cur)
			carried := 0
			for i := len(cur) - 1; i > 0 && carried < c.opts.OverlapTokens; i-- {
				carried += c.counter.Count(cur[i])
				start = i
			}
			if carried+wt > max {
				cur, curTokens = nil, 0
			} else {
				carry := make([]string, len(cur)-start)
				copy(carry, cur[start:])
				cur, curTokens = carry, carried
			}
		}
		cur = append(cur, w)
		curTokens += wt
	}
	if len(cur) > 0 {
		out = append(out, piece{text: strings.Join(cur, " "), tokens: curTokens})
	}
	return out
}

// splitSentences cuts text after sentence terminators followed by
// whitespace. Abbreviation-blind, which is fine: this only runs on
// paragraphs already too large for a single chunk.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(b.String()); s != "" {
					sentences = append(sentences, s)
				}
				b.Reset()
			}
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// forumHeader renders the attribution header for original post content.
// The thread title is preferred; the thread ID stands in when the
// scraper did not capture a title.
func forumHeader(post *source.Post) string {
	return fmt.Sprintf("[Thread: %s]\n[User: %s | %s]\n\n", threadLabel(post), post.Username, post.Date)
}

// quotedHeader renders the attribution header for quoted content,
// crediting both the quoting and the original author.
func quotedHeader(post *source.Post) string {
	original := post.QuotedUser
	if original == "" {
		original = "unknown"
	}
	return fmt.Sprintf("[Thread: %s]\n[Quoted by: %s | %s | Originally by: %s]\n\n",
		threadLabel(post), post.Username, post.Date, original)
}

func threadLabel(post *source.Post) string {
	if post.ThreadTitle != "" {
		return post.ThreadTitle
	}
	return post.ThreadID
}
