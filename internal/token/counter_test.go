package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCount_EmptyAndWhitespace(t *testing.T) {
	assert.Equal(t, 0, Count(""))
	assert.Equal(t, 0, Count("   \t\n  "))
}

func TestCount_SimpleWords(t *testing.T) {
	// Short words are one token each; whitespace is free.
	assert.Equal(t, 1, Count("hello"))
	assert.Equal(t, 2, Count("hello world"))
	assert.Equal(t, 2, Count("  hello \n world  "))
}

func TestCount_Punctuation(t *testing.T) {
	// Each symbol run costs at least one token.
	assert.Equal(t, 4, Count("Hello, world!"))
	assert.Equal(t, 3, Count("a.b"))
}

func TestCount_LongWordsAccrueSubwordTokens(t *testing.T) {
	// 20 runes: 1 + ceil((20-6)/4) = 5
	assert.Equal(t, 5, Count("internationalization"))
	// 6 runes stays a single token; 7 tips into a second.
	assert.Equal(t, 1, Count("budget"))
	assert.Equal(t, 2, Count("budgets"))
}

func TestCount_SymbolRunsScaleWithLength(t *testing.T) {
	// Runs of symbols cost one token per charsPerToken runes.
	assert.Equal(t, 1, Count("```"))
	assert.Equal(t, 2, Count("========"))
}

func TestCount_Deterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog. Again, and again!"
	first := Count(text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Count(text))
	}
}

func TestCount_Unicode(t *testing.T) {
	// Rune-based, not byte-based: multibyte letters count as one rune each.
	assert.Equal(t, 1, Count("héllo"))
	assert.Equal(t, 2, Count("naïve café"))
}

func TestCount_ScalesWithContent(t *testing.T) {
	// 200 words must land near 200 tokens, far from a per-char count.
	text := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	n := Count(text)
	assert.GreaterOrEqual(t, n, 200)
	assert.Less(t, n, 300)
}

func TestCounter_MatchesPureFunction(t *testing.T) {
	counter := NewCounter(0)
	inputs := []string{
		"",
		"one",
		"a few short words",
		strings.Repeat("chunk sized content with enough bytes to be memoized ", 20),
	}
	for _, text := range inputs {
		assert.Equal(t, Count(text), counter.Count(text))
	}
}

func TestCounter_MemoizedResultIsStable(t *testing.T) {
	counter := NewCounter(8)
	text := strings.Repeat("repeated overlap region measured many times ", 10)

	first := counter.Count(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, counter.Count(text))
	}
}

func TestCounter_ConcurrentUse(t *testing.T) {
	counter := NewCounter(16)
	text := strings.Repeat("concurrent counting of the same chunk body ", 12)
	want := Count(text)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				if got := counter.Count(text); got != want {
					t.Errorf("Count = %d, want %d", got, want)
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
