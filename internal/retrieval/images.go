package retrieval

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultImageRegistryCap bounds how many conversations keep image
	// lists; the least recently used conversation is evicted beyond it.
	DefaultImageRegistryCap = 256

	// maxImagesPerConversation caps one conversation's list. Retrieval
	// order means the dropped tail is the least relevant.
	maxImagesPerConversation = 200
)

// ImageRef is one image URL with its source attribution.
type ImageRef struct {
	URL      string `json:"url"`
	ThreadID string `json:"threadId"`
	PostID   string `json:"postId"`
	Username string `json:"username"`
}

// ImagePage is one window of a conversation's image list.
type ImagePage struct {
	Images  []ImageRef `json:"images"`
	Total   int        `json:"total"`
	HasMore bool       `json:"hasMore"`
}

// ImageRegistry keeps each conversation's ordered, de-duplicated image
// list for paginated fetch. Safe for concurrent use.
type ImageRegistry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []ImageRef]
}

// NewImageRegistry creates a registry holding up to cap conversations.
// Non-positive cap means the default.
func NewImageRegistry(capacity int) *ImageRegistry {
	if capacity <= 0 {
		capacity = DefaultImageRegistryCap
	}
	cache, _ := lru.New[string, []ImageRef](capacity)
	return &ImageRegistry{cache: cache}
}

// Put replaces a conversation's image list, de-duplicating by URL and
// truncating at the per-conversation cap. An empty conversation ID is
// ignored.
func (r *ImageRegistry) Put(conversationID string, refs []ImageRef) {
	if conversationID == "" {
		return
	}

	seen := make(map[string]bool, len(refs))
	unique := make([]ImageRef, 0, len(refs))
	for _, ref := range refs {
		if ref.URL == "" || seen[ref.URL] {
			continue
		}
		seen[ref.URL] = true
		unique = append(unique, ref)
		if len(unique) >= maxImagesPerConversation {
			break
		}
	}

	r.mu.Lock()
	r.cache.Add(conversationID, unique)
	r.mu.Unlock()
}

// List returns one page of a conversation's images. Unknown
// conversations return an empty page. A non-positive limit returns the
// whole remainder.
func (r *ImageRegistry) List(conversationID string, offset, limit int) ImagePage {
	r.mu.Lock()
	refs, _ := r.cache.Get(conversationID)
	r.mu.Unlock()

	total := len(refs)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return ImagePage{Images: []ImageRef{}, Total: total}
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	page := make([]ImageRef, end-offset)
	copy(page, refs[offset:end])
	return ImagePage{
		Images:  page,
		Total:   total,
		HasMore: end < total,
	}
}

// Clear drops a conversation's image list. Called when the conversation
// is deleted.
func (r *ImageRegistry) Clear(conversationID string) {
	r.mu.Lock()
	r.cache.Remove(conversationID)
	r.mu.Unlock()
}

// Len returns how many conversations currently hold image lists.
func (r *ImageRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
