// Package source discovers and parses corpus files: markdown documents and
// forum thread JSON records. It normalizes both into source units the
// chunkers consume, with image URLs and change-detection fingerprints
// attached at read time.
package source

import (
	"path"
	"time"
)

// Kind classifies a corpus file by how it is parsed.
type Kind string

const (
	// KindDoc is a markdown document (.md, .mdx).
	KindDoc Kind = "doc"
	// KindThread is a forum thread JSON record (.json).
	KindThread Kind = "thread"
)

// DetectKind maps a file path to its parse kind.
func DetectKind(relPath string) Kind {
	if path.Ext(relPath) == ".json" {
		return KindThread
	}
	return KindDoc
}

// FileRef identifies a discovered corpus file.
type FileRef struct {
	AbsPath string // absolute path, for display and logs
	RelPath string // path relative to the corpus root; the stable source key
	Kind    Kind
	Size    int64
	ModTime time.Time
}

// WalkResult is streamed from Reader.Walk.
type WalkResult struct {
	File  *FileRef
	Error error
}

// Document is a markdown source unit.
type Document struct {
	FilePath     string // relative path within the corpus
	AbsPath      string
	Title        string
	Description  string
	Category     string // top-level directory, "" for root files
	URLPath      string // relative path with the extension stripped
	Body         string // markdown body, front-matter removed
	Fingerprint  string // hash of the raw file bytes
	LastModified time.Time
	ImageURLs    []string
}

// SourceKey returns the key chunk IDs are derived from.
func (d *Document) SourceKey() string {
	return d.FilePath
}

// Thread is a forum thread source unit holding its posts.
type Thread struct {
	ThreadID string
	Title    string
	Category string
	Path     string // forum-relative path of the thread page
	Page     int
	Posts    []Post
}

// Post is a single forum utterance, enriched with thread-level defaults and
// a content fingerprint. Immutable once read.
type Post struct {
	ThreadID      string
	PostID        string
	Username      string
	UserID        string
	Date          string // normalized YYYY-MM-DD where parseable
	Content       string // quoted passages stripped
	ContentFull   string // content exactly as scraped
	QuotedContent string
	QuotedUser    string
	Anchor        string
	Page          int
	ThreadTitle   string
	Category      string
	ThreadPath    string
	ImageURLs     []string
	Keywords      []string
	Mentions      []string
	Fingerprint   string
	IsSubstantive bool
}

// SourceKey returns the key chunk IDs are derived from.
func (p *Post) SourceKey() string {
	return p.ThreadID + "/" + p.PostID
}

// HasLinks reports whether the post body contains a hyperlink.
func (p *Post) HasLinks() bool {
	return linkPattern.MatchString(p.ContentFull)
}

// HasImages reports whether the post carries any image URLs.
func (p *Post) HasImages() bool {
	return len(p.ImageURLs) > 0
}
