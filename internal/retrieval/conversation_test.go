package retrieval

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationStore_TouchMintsAndAdopts(t *testing.T) {
	s := NewConversationStore(0)

	id := s.Touch("")
	require.NotEmpty(t, id)
	assert.True(t, s.Exists(id))

	// A caller-supplied ID is adopted as-is.
	assert.Equal(t, "given-id", s.Touch("given-id"))
	assert.True(t, s.Exists("given-id"))
}

func TestConversationStore_RetainsLastTwenty(t *testing.T) {
	s := NewConversationStore(0)
	id := s.Touch("")

	for i := 0; i < 25; i++ {
		s.Append(id, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i), Time: time.Now()})
	}

	history := s.History(id)
	require.Len(t, history, maxRetainedMessages)
	assert.Equal(t, "m5", history[0].Content, "oldest turns trimmed first")
	assert.Equal(t, "m24", history[len(history)-1].Content)
}

func TestConversationStore_HistoryContextUsesLastEight(t *testing.T) {
	s := NewConversationStore(0)
	id := s.Touch("")

	for i := 0; i < 12; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		s.Append(id, Message{Role: role, Content: fmt.Sprintf("m%d", i)})
	}

	ctx := s.HistoryContext(id)
	assert.NotContains(t, ctx, "m3")
	assert.Contains(t, ctx, "user: m4")
	assert.Contains(t, ctx, "assistant: m11")
}

func TestConversationStore_Clear(t *testing.T) {
	s := NewConversationStore(0)
	id := s.Touch("")
	s.Append(id, Message{Role: RoleUser, Content: "hello"})

	s.Clear(id)
	assert.False(t, s.Exists(id))
	assert.Nil(t, s.History(id))
	assert.Empty(t, s.HistoryContext(id))
}

func TestConversationStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewConversationStore(2)
	a := s.Touch("a")
	b := s.Touch("b")
	_ = b

	// Refresh a, then add a third: b is the eviction victim.
	s.Touch(a)
	s.Touch("c")

	assert.True(t, s.Exists("a"))
	assert.False(t, s.Exists("b"))
	assert.True(t, s.Exists("c"))
}
