package source

import (
	"encoding/json"
	"io/fs"
	"path"
	"regexp"
	"strings"
	"time"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/identity"
)

// mentionPattern captures @username references in post content.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

// dateFormats are accepted post date layouts, tried in order.
var dateFormats = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// threadRecord is the on-disk thread JSON shape.
type threadRecord struct {
	ThreadID string       `json:"threadId"`
	Title    string       `json:"title"`
	Category string       `json:"category"`
	Path     string       `json:"path"`
	Page     int          `json:"page"`
	Posts    []postRecord `json:"posts"`
}

type postRecord struct {
	PostID        string   `json:"postId"`
	Username      string   `json:"username"`
	UserID        string   `json:"userId"`
	Date          string   `json:"date"`
	Content       string   `json:"content"`
	QuotedContent string   `json:"quotedContent"`
	QuotedUser    string   `json:"quotedUser"`
	Anchor        string   `json:"anchor"`
	Page          int      `json:"page"`
	ImageURLs     []string `json:"imageUrls"`
	Keywords      []string `json:"keywords"`
	Mentions      []string `json:"mentions"`
	IsSubstantive *bool    `json:"isSubstantive"`
}

// ReadThreadJSON parses a forum thread record and enriches each post with
// thread-level defaults and a content fingerprint. A record without a
// threadId, without posts, or with an unkeyed post is invalid: such posts
// cannot be tracked across ingestion runs.
func (r *Reader) ReadThreadJSON(relPath string) (*Thread, error) {
	data, err := fs.ReadFile(r.fsys, relPath)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFileNotFound,
			"cannot read thread file: "+relPath, err)
	}

	var rec threadRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFileCorrupt,
			"malformed thread JSON: "+relPath, err)
	}
	if rec.ThreadID == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidThread,
			"thread record missing threadId: "+relPath, nil)
	}
	if len(rec.Posts) == 0 {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidThread,
			"thread record has no posts: "+relPath, nil)
	}

	thread := &Thread{
		ThreadID: rec.ThreadID,
		Title:    rec.Title,
		Category: rec.Category,
		Path:     rec.Path,
		Page:     rec.Page,
	}
	if thread.Category == "" {
		thread.Category = topDirectory(relPath)
	}
	if thread.Path == "" {
		thread.Path = strings.TrimSuffix(relPath, path.Ext(relPath))
	}

	thread.Posts = make([]Post, 0, len(rec.Posts))
	for _, pr := range rec.Posts {
		if pr.PostID == "" {
			return nil, ragerrors.New(ragerrors.ErrCodeInvalidThread,
				"post missing postId in thread "+rec.ThreadID+": "+relPath, nil)
		}
		thread.Posts = append(thread.Posts, buildPost(thread, pr))
	}
	return thread, nil
}

// buildPost derives a Post from its record plus thread defaults.
func buildPost(thread *Thread, rec postRecord) Post {
	content, quoted := stripQuotes(rec.Content)
	if rec.QuotedContent != "" {
		quoted = rec.QuotedContent
	}

	p := Post{
		ThreadID:      thread.ThreadID,
		PostID:        rec.PostID,
		Username:      rec.Username,
		UserID:        rec.UserID,
		Date:          normalizeDate(rec.Date),
		Content:       content,
		ContentFull:   rec.Content,
		QuotedContent: quoted,
		QuotedUser:    rec.QuotedUser,
		Anchor:        rec.Anchor,
		Page:          rec.Page,
		ThreadTitle:   thread.Title,
		Category:      thread.Category,
		ThreadPath:    thread.Path,
		ImageURLs:     rec.ImageURLs,
		Keywords:      rec.Keywords,
		Mentions:      rec.Mentions,
		Fingerprint:   identity.Fingerprint([]byte(rec.Content)),
		IsSubstantive: rec.IsSubstantive == nil || *rec.IsSubstantive,
	}
	if p.Anchor == "" {
		p.Anchor = "post-" + p.PostID
	}
	if p.Page == 0 {
		p.Page = thread.Page
	}
	if p.ImageURLs == nil {
		p.ImageURLs = extractImageURLs(rec.Content)
	}
	if p.Mentions == nil {
		p.Mentions = extractMentions(content)
	}
	return p
}

// stripQuotes splits markdown blockquote lines out of content. The
// remainder keeps its paragraph structure; quoted lines lose the marker.
func stripQuotes(content string) (rest, quoted string) {
	if !strings.Contains(content, ">") {
		return content, ""
	}
	var restLines, quotedLines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, ">") {
			quotedLines = append(quotedLines, strings.TrimSpace(strings.TrimPrefix(trimmed, ">")))
			continue
		}
		restLines = append(restLines, line)
	}
	if len(quotedLines) == 0 {
		return content, ""
	}
	rest = strings.TrimSpace(strings.Join(restLines, "\n"))
	quoted = strings.TrimSpace(strings.Join(quotedLines, "\n"))
	return rest, quoted
}

// normalizeDate reduces a post date to YYYY-MM-DD. Unparseable dates pass
// through unchanged rather than being dropped.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return raw
}

// extractMentions collects distinct @username references in order.
func extractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			mentions = append(mentions, m[1])
		}
	}
	return mentions
}
