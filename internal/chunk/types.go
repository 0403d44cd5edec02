// Package chunk turns source units into embeddable chunks: markdown
// documents split by section under a token budget, forum posts split by
// paragraph, sentence, and word window. Token counts are computed here,
// once; downstream components never re-tokenize.
package chunk

// ChunkType distinguishes a post's own words from passages it quotes.
const (
	ChunkTypeOriginal = "original"
	ChunkTypeQuoted   = "quoted"
)

// Chunk is the unit of embedding and upsert. Exactly one of DocMeta and
// ForumMeta is set.
type Chunk struct {
	ID         string // deterministic; see internal/identity
	Content    string // text sent to the embedder, context headers included
	TokenCount int
	DocMeta    *DocMeta
	ForumMeta  *ForumMeta
}

// IsForum reports whether the chunk came from a forum post.
func (c *Chunk) IsForum() bool {
	return c.ForumMeta != nil
}

// SourceKey returns the source unit the chunk belongs to: the file path for
// docs, threadId/postId for posts.
func (c *Chunk) SourceKey() string {
	if c.ForumMeta != nil {
		return c.ForumMeta.ThreadID + "/" + c.ForumMeta.PostID
	}
	return c.DocMeta.SourceFile
}

// DocMeta is the payload metadata for a markdown document chunk.
type DocMeta struct {
	SourceFile     string
	DocTitle       string
	SectionTitle   string
	DocCategory    string
	URLPath        string
	ChunkIndex     int
	ContentHash    string
	LastModified   string // RFC 3339
	EmbeddingModel string
}

// ForumMeta is the payload metadata for a forum post chunk.
type ForumMeta struct {
	ThreadID       string
	PostID         string
	SubChunkIndex  int
	Username       string
	UserID         string
	Date           string
	ThreadTitle    string
	ForumCategory  string
	ForumPath      string
	Page           int
	Anchor         string
	Keywords       []string
	Mentions       []string
	HasLinks       bool
	HasImages      bool
	Images         []string
	ContentLength  int
	Fingerprint    string
	EmbeddingModel string
	ChunkType      string
}
