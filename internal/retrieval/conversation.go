package retrieval

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// DefaultConversationCap bounds how many conversations are retained;
	// least recently used beyond it are evicted.
	DefaultConversationCap = 256

	// maxRetainedMessages is how much history a conversation keeps.
	maxRetainedMessages = 20

	// contextMessages is how much of that history feeds the model.
	contextMessages = 8
)

// Message is one conversation turn.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// conversation is the retained state for one conversation ID.
type conversation struct {
	messages []Message
}

// ConversationStore retains recent conversation history. A conversation
// is created on first touch, accumulates at most maxRetainedMessages
// turns, and disappears on Clear or LRU eviction. Safe for concurrent
// use.
type ConversationStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *conversation]
}

// NewConversationStore creates a store holding up to cap conversations.
// Non-positive cap means the default.
func NewConversationStore(capacity int) *ConversationStore {
	if capacity <= 0 {
		capacity = DefaultConversationCap
	}
	cache, _ := lru.New[string, *conversation](capacity)
	return &ConversationStore{cache: cache}
}

// Touch activates a conversation: an empty ID mints a new one, a known
// ID refreshes its recency, and an unknown ID is adopted as-is (the
// caller may hold an ID that was evicted here).
func (s *ConversationStore) Touch(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	if _, ok := s.cache.Get(id); !ok {
		s.cache.Add(id, &conversation{})
	}
	s.mu.Unlock()
	return id
}

// Append records one turn, trimming history beyond the retention cap.
func (s *ConversationStore) Append(id string, msg Message) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cache.Get(id)
	if !ok {
		c = &conversation{}
		s.cache.Add(id, c)
	}
	c.messages = append(c.messages, msg)
	if len(c.messages) > maxRetainedMessages {
		c.messages = c.messages[len(c.messages)-maxRetainedMessages:]
	}
}

// History returns a copy of a conversation's retained messages, oldest
// first. Unknown conversations return nil.
func (s *ConversationStore) History(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	return append([]Message(nil), c.messages...)
}

// HistoryContext renders the last turns of a conversation for prompt
// assembly, bounded to the context window of 8 messages.
func (s *ConversationStore) HistoryContext(id string) string {
	msgs := s.History(id)
	if len(msgs) > contextMessages {
		msgs = msgs[len(msgs)-contextMessages:]
	}
	if len(msgs) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Exists reports whether a conversation is currently retained.
func (s *ConversationStore) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Contains(id)
}

// Clear deletes a conversation. The caller clears the image registry
// alongside.
func (s *ConversationStore) Clear(id string) {
	s.mu.Lock()
	s.cache.Remove(id)
	s.mu.Unlock()
}

// Len returns how many conversations are retained.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
