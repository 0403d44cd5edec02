package vecindex

import (
	"github.com/forumrag/forumrag/internal/chunk"
)

// DocTypeForumPost tags forum chunks in the index. Doc chunks carry no
// docType field; its absence is what identifies them.
const DocTypeForumPost = "forum_post"

// DocPayload is the stored form of a documentation chunk.
type DocPayload struct {
	SourceFile     string
	DocTitle       string
	SectionTitle   string
	DocCategory    string
	URLPath        string
	ChunkIndex     int
	ContentHash    string
	LastModified   string
	EmbeddingModel string
	Content        string
}

// ForumPayload is the stored form of a forum post chunk.
type ForumPayload struct {
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
	Content        string
}

// BuildPayload converts a chunk into its index payload. Doc chunks use
// the snake_case documentation schema, forum chunks the camelCase forum
// schema; the two formats predate each other and both are load-bearing
// for retrieval filters.
func BuildPayload(c *chunk.Chunk) map[string]any {
	if c.ForumMeta != nil {
		m := c.ForumMeta
		return map[string]any{
			"docType":        DocTypeForumPost,
			"threadId":       m.ThreadID,
			"postId":         m.PostID,
			"subChunkIndex":  int64(m.SubChunkIndex),
			"username":       m.Username,
			"userId":         m.UserID,
			"date":           m.Date,
			"threadTitle":    m.ThreadTitle,
			"forumCategory":  m.ForumCategory,
			"forumPath":      m.ForumPath,
			"page":           int64(m.Page),
			"anchor":         m.Anchor,
			"keywords":       anySlice(m.Keywords),
			"mentions":       anySlice(m.Mentions),
			"hasLinks":       m.HasLinks,
			"hasImages":      m.HasImages,
			"images":         anySlice(m.Images),
			"contentLength":  int64(m.ContentLength),
			"fingerprint":    m.Fingerprint,
			"embeddingModel": m.EmbeddingModel,
			"chunkType":      m.ChunkType,
			"content":        c.Content,
		}
	}

	m := c.DocMeta
	return map[string]any{
		"source_file":     m.SourceFile,
		"doc_title":       m.DocTitle,
		"section_title":   m.SectionTitle,
		"doc_category":    m.DocCategory,
		"url_path":        m.URLPath,
		"chunk_index":     int64(m.ChunkIndex),
		"content_hash":    m.ContentHash,
		"last_modified":   m.LastModified,
		"embedding_model": m.EmbeddingModel,
		"content":         c.Content,
	}
}

// IsForumPayload reports whether a payload carries the forum schema.
func IsForumPayload(p map[string]any) bool {
	return asString(p["docType"]) == DocTypeForumPost
}

// DecodeForumPayload materializes a forum payload. Unknown or missing
// fields decode to zero values.
func DecodeForumPayload(p map[string]any) *ForumPayload {
	return &ForumPayload{
		ThreadID:       asString(p["threadId"]),
		PostID:         asString(p["postId"]),
		SubChunkIndex:  asInt(p["subChunkIndex"]),
		Username:       asString(p["username"]),
		UserID:         asString(p["userId"]),
		Date:           asString(p["date"]),
		ThreadTitle:    asString(p["threadTitle"]),
		ForumCategory:  asString(p["forumCategory"]),
		ForumPath:      asString(p["forumPath"]),
		Page:           asInt(p["page"]),
		Anchor:         asString(p["anchor"]),
		Keywords:       asStringSlice(p["keywords"]),
		Mentions:       asStringSlice(p["mentions"]),
		HasLinks:       asBool(p["hasLinks"]),
		HasImages:      asBool(p["hasImages"]),
		Images:         asStringSlice(p["images"]),
		ContentLength:  asInt(p["contentLength"]),
		Fingerprint:    asString(p["fingerprint"]),
		EmbeddingModel: asString(p["embeddingModel"]),
		ChunkType:      asString(p["chunkType"]),
		Content:        asString(p["content"]),
	}
}

// DecodeDocPayload materializes a documentation payload.
func DecodeDocPayload(p map[string]any) *DocPayload {
	return &DocPayload{
		SourceFile:     asString(p["source_file"]),
		DocTitle:       asString(p["doc_title"]),
		SectionTitle:   asString(p["section_title"]),
		DocCategory:    asString(p["doc_category"]),
		URLPath:        asString(p["url_path"]),
		ChunkIndex:     asInt(p["chunk_index"]),
		ContentHash:    asString(p["content_hash"]),
		LastModified:   asString(p["last_modified"]),
		EmbeddingModel: asString(p["embedding_model"]),
		Content:        asString(p["content"]),
	}
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
