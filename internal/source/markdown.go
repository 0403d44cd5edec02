package source

import (
	"io/fs"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/identity"
)

var (
	// frontmatterPattern matches a leading ---\n...\n--- block.
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)

	// headingPattern matches the first markdown heading line.
	headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

	// imagePattern captures absolute image URLs from ![alt](url) syntax.
	imagePattern = regexp.MustCompile(`!\[[^\]]*\]\(\s*(https?://[^)\s]+)`)

	// linkPattern detects any absolute hyperlink.
	linkPattern = regexp.MustCompile(`https?://`)
)

// frontMatter is the subset of front-matter fields the reader consumes.
type frontMatter struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// ReadMarkdown parses a markdown corpus file into a Document. Front-matter
// supplies title and description when present; otherwise the title falls
// back to the first heading, then to the file name.
func (r *Reader) ReadMarkdown(relPath string) (*Document, error) {
	data, err := fs.ReadFile(r.fsys, relPath)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFileNotFound,
			"cannot read markdown file: "+relPath, err)
	}

	doc := &Document{
		FilePath:    relPath,
		AbsPath:     r.absPath(relPath),
		Category:    topDirectory(relPath),
		URLPath:     strings.TrimSuffix(relPath, path.Ext(relPath)),
		Fingerprint: identity.Fingerprint(data),
	}
	if info, err := fs.Stat(r.fsys, relPath); err == nil {
		doc.LastModified = info.ModTime()
	}

	body := string(data)
	if match := frontmatterPattern.FindStringSubmatch(body); match != nil {
		var fm frontMatter
		// Malformed front-matter is tolerated; the heading fallback covers it.
		if err := yaml.Unmarshal([]byte(match[1]), &fm); err == nil {
			doc.Title = strings.TrimSpace(fm.Title)
			doc.Description = strings.TrimSpace(fm.Description)
		}
		body = body[len(match[0]):]
	}
	doc.Body = body

	if doc.Title == "" {
		if match := headingPattern.FindStringSubmatch(body); match != nil {
			doc.Title = strings.TrimSpace(match[1])
		}
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(path.Base(relPath), path.Ext(relPath))
	}

	doc.ImageURLs = extractImageURLs(body)
	return doc, nil
}

// extractImageURLs collects absolute image URLs in order of appearance,
// de-duplicated.
func extractImageURLs(content string) []string {
	matches := imagePattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			urls = append(urls, m[1])
		}
	}
	return urls
}

// topDirectory returns the first path segment, or "" for root-level files.
func topDirectory(relPath string) string {
	if idx := strings.IndexByte(relPath, '/'); idx > 0 {
		return relPath[:idx]
	}
	return ""
}
