package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumrag/forumrag/internal/config"
	"github.com/forumrag/forumrag/internal/identity"
	"github.com/forumrag/forumrag/internal/source"
	"github.com/forumrag/forumrag/internal/token"
)

func makePost(content string) *source.Post {
	return &source.Post{
		ThreadID:      "T1",
		PostID:        "P1",
		Username:      "U",
		UserID:        "u-9",
		Date:          "2024-01-15",
		Category:      "support",
		ThreadPath:    "forums/support/t1",
		Page:          1,
		Anchor:        "post-P1",
		Content:       content,
		ContentFull:   content,
		Fingerprint:   identity.Fingerprint([]byte(content)),
		IsSubstantive: true,
	}
}

// A long post splits into consecutive sub-chunks that all carry the
// attribution header, overlap each other, and cover the whole post.
func TestForumChunker_LongPostSplitsWithOverlap(t *testing.T) {
	// 60 paragraphs of 30 tokens: 1800 tokens of post content.
	paras := make([]string, 60)
	for i := range paras {
		paras[i] = fmt.Sprintf("para%03d %s", i, strings.TrimSpace(strings.Repeat("filler ", 28)))
	}
	post := makePost(strings.Join(paras, "\n\n"))

	counter := token.NewCounter(0)
	chunker, err := NewForumChunker(ForumOptions{
		MaxTokens:      800,
		OverlapTokens:  120,
		EmbeddingModel: "text-embedding-3-small",
	}, counter)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	header := "[Thread: T1]\n[User: U | 2024-01-15]\n\n"
	for i, c := range chunks {
		assert.True(t, strings.HasPrefix(c.Content, header), "chunk %d missing header", i)
		assert.Equal(t, i, c.ForumMeta.SubChunkIndex)
		assert.Equal(t, ChunkTypeOriginal, c.ForumMeta.ChunkType)
		assert.LessOrEqual(t, c.TokenCount, 800)
		assert.Equal(t, identity.ChunkID(config.NamespaceForum, "T1/P1", i, "text-embedding-3-small"), c.ID)
		assert.Nil(t, c.DocMeta)
	}

	// Consecutive chunks share at least 100 tokens of leading content.
	for i := 1; i < len(chunks); i++ {
		body := strings.TrimPrefix(chunks[i].Content, header)
		shared := 0
		for _, para := range strings.Split(body, "\n\n") {
			if !strings.Contains(chunks[i-1].Content, para) {
				break
			}
			shared += counter.Count(para)
		}
		assert.GreaterOrEqual(t, shared, 100, "chunks %d/%d overlap too small", i-1, i)
	}

	// Every paragraph of the post survives somewhere.
	all := chunks[0].Content + chunks[1].Content + chunks[2].Content
	for i := range paras {
		assert.Contains(t, all, fmt.Sprintf("para%03d", i))
	}

	meta := chunks[0].ForumMeta
	assert.Equal(t, "T1", meta.ThreadID)
	assert.Equal(t, "P1", meta.PostID)
	assert.Equal(t, "U", meta.Username)
	assert.Equal(t, "u-9", meta.UserID)
	assert.Equal(t, "2024-01-15", meta.Date)
	assert.Equal(t, "support", meta.ForumCategory)
	assert.Equal(t, "forums/support/t1", meta.ForumPath)
	assert.Equal(t, 1, meta.Page)
	assert.Equal(t, "post-P1", meta.Anchor)
	assert.Equal(t, len(post.Content), meta.ContentLength)
	assert.Equal(t, post.Fingerprint, meta.Fingerprint)
	assert.Equal(t, "text-embedding-3-small", meta.EmbeddingModel)
	assert.False(t, meta.HasLinks)
	assert.False(t, meta.HasImages)
}

func TestForumChunker_ShortPostSingleChunk(t *testing.T) {
	post := makePost("The Database index rebuild failed because the Database index rebuild timed out.")

	chunker, err := NewForumChunker(ForumOptions{EmbeddingModel: "m"}, nil)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, 0, c.ForumMeta.SubChunkIndex)
	assert.Contains(t, c.Content, post.Content)

	// Keywords come from the analyzer when the scraper supplied none.
	assert.Contains(t, c.ForumMeta.Keywords, "database")
	assert.Contains(t, c.ForumMeta.Keywords, "rebuild")
	assert.NotContains(t, c.ForumMeta.Keywords, "the")
	assert.LessOrEqual(t, len(c.ForumMeta.Keywords), 8)
}

func TestForumChunker_ThreadTitlePreferredInHeader(t *testing.T) {
	post := makePost("Short reply about the install.")
	post.ThreadTitle = "Install woes"

	chunker, err := NewForumChunker(ForumOptions{EmbeddingModel: "m"}, nil)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "[Thread: Install woes]\n[User: U | 2024-01-15]\n\n"))
	assert.Equal(t, "Install woes", chunks[0].ForumMeta.ThreadTitle)
}

// Quoted content becomes its own chunk series in the quoted namespace,
// with both the quoting and the original author credited.
func TestForumChunker_QuotedContentChunks(t *testing.T) {
	post := makePost("I disagree with the premise.")
	post.QuotedContent = "The original claim about memory usage."
	post.QuotedUser = "alice"

	chunker, err := NewForumChunker(ForumOptions{
		EmbeddingModel:     "m",
		EmbedQuotedContent: true,
	}, nil)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, ChunkTypeOriginal, chunks[0].ForumMeta.ChunkType)

	q := chunks[1]
	assert.Equal(t, ChunkTypeQuoted, q.ForumMeta.ChunkType)
	assert.True(t, strings.HasPrefix(q.Content, "[Thread: T1]\n[Quoted by: U | 2024-01-15 | Originally by: alice]\n\n"))
	assert.Equal(t, 0, q.ForumMeta.SubChunkIndex)
	assert.Equal(t, identity.ChunkID(config.DefaultQuotedNamespace, "T1/P1", 0, "m"), q.ID)
	assert.NotEqual(t, chunks[0].ID, q.ID)
	assert.Contains(t, q.Content, "memory usage")
	assert.Equal(t, len(post.QuotedContent), q.ForumMeta.ContentLength)

	// Disabled quote embedding drops the quoted series entirely.
	plain, err := NewForumChunker(ForumOptions{EmbeddingModel: "m"}, nil)
	require.NoError(t, err)
	chunks, err = plain.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeOriginal, chunks[0].ForumMeta.ChunkType)
}

func TestForumChunker_QuotedUserUnknown(t *testing.T) {
	post := makePost("Replying to an unattributed quote.")
	post.QuotedContent = "Some earlier statement."

	chunker, err := NewForumChunker(ForumOptions{
		EmbeddingModel:     "m",
		EmbedQuotedContent: true,
	}, nil)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[1].Content, "Originally by: unknown]")
}

func TestForumChunker_ExplicitKeywordsPreserved(t *testing.T) {
	post := makePost("Content that would extract different keywords entirely.")
	post.Keywords = []string{"install", "error"}

	chunker, err := NewForumChunker(ForumOptions{EmbeddingModel: "m"}, nil)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"install", "error"}, chunks[0].ForumMeta.Keywords)
}

// A single sentence with no terminators still splits: raw word windows
// with overlap, nothing dropped.
func TestForumChunker_GiantSentenceWordWindows(t *testing.T) {
	words := make([]string, 400)
	for i := range words {
		words[i] = fmt.Sprintf("w%03d", i)
	}
	post := makePost(strings.Join(words, " "))

	chunker, err := NewForumChunker(ForumOptions{
		MaxTokens:      150,
		OverlapTokens:  30,
		EmbeddingModel: "m",
	}, nil)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(post)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	header := "[Thread: T1]\n[User: U | 2024-01-15]\n\n"
	var all strings.Builder
	for i, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, 150)
		assert.Equal(t, i, c.ForumMeta.SubChunkIndex)
		all.WriteString(c.Content)

		if i > 0 {
			first := strings.Fields(strings.TrimPrefix(c.Content, header))[0]
			assert.Contains(t, chunks[i-1].Content, first, "window %d does not overlap previous", i)
		}
	}
	for _, w := range words {
		assert.Contains(t, all.String(), w)
	}
}

func TestForumChunker_EmptyContent(t *testing.T) {
	post := makePost("")
	post.QuotedContent = "Something quoted here."

	plain, err := NewForumChunker(ForumOptions{EmbeddingModel: "m"}, nil)
	require.NoError(t, err)
	chunks, err := plain.Chunk(post)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	quoting, err := NewForumChunker(ForumOptions{EmbeddingModel: "m", EmbedQuotedContent: true}, nil)
	require.NoError(t, err)
	chunks, err = quoting.Chunk(post)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeQuoted, chunks[0].ForumMeta.ChunkType)
}

func TestNewForumChunker_Defaults(t *testing.T) {
	chunker, err := NewForumChunker(ForumOptions{}, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxTokens, chunker.opts.MaxTokens)
	assert.Equal(t, DefaultOverlapTokens, chunker.opts.OverlapTokens)
	assert.Equal(t, config.DefaultQuotedNamespace, chunker.opts.QuotedNamespace)
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"terminators", "One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"version number not a boundary", "v1.2 is out. Done.", []string{"v1.2 is out.", "Done."}},
		{"no terminator", "no terminator at all", []string{"no terminator at all"}},
		{"trailing space", "Trailing space. ", []string{"Trailing space."}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitSentences(tt.in))
		})
	}
}
