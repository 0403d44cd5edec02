// Package token estimates token counts for chunk budgeting.
//
// Counts are deterministic, model-family agnostic estimates: chunk budgets
// treat them as bounds, not exact tokenizer output. Downstream components
// never re-tokenize; a chunk's token count is computed once at chunking.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// charsPerToken approximates how many characters a subword piece covers
	// once a word is too long to be a single vocabulary entry.
	charsPerToken = 4

	// longWordRunes is the length at which a word stops counting as a
	// single token and accrues extra subword pieces.
	longWordRunes = 6

	// DefaultCacheSize is the default number of memoized counts.
	// Keys are 64-char hashes and values are ints, so memory stays small.
	DefaultCacheSize = 4096

	// minMemoizeBytes is the smallest input worth memoizing. Below this,
	// segmenting the text is cheaper than hashing it.
	minMemoizeBytes = 256
)

// Count estimates the number of tokens in text.
//
// Text is segmented into word runs (letters and digits) and symbol runs
// (everything else except whitespace). A word counts as one token plus one
// per charsPerToken runes beyond longWordRunes; a symbol run counts one
// token per charsPerToken runes. Whitespace separates runs and is free.
func Count(text string) int {
	total := 0
	wordLen := 0
	symLen := 0

	flushWord := func() {
		if wordLen == 0 {
			return
		}
		total++
		if wordLen > longWordRunes {
			total += (wordLen - longWordRunes + charsPerToken - 1) / charsPerToken
		}
		wordLen = 0
	}
	flushSym := func() {
		if symLen == 0 {
			return
		}
		total += (symLen + charsPerToken - 1) / charsPerToken
		symLen = 0
	}

	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flushWord()
			flushSym()
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushSym()
			wordLen++
		default:
			flushWord()
			symLen++
		}
	}
	flushWord()
	flushSym()
	return total
}

// Counter memoizes Count results for repeated inputs such as overlap
// regions and re-measured sections. Safe for concurrent use.
type Counter struct {
	cache *lru.Cache[string, int]
}

// NewCounter creates a Counter with the given cache size.
// A size <= 0 selects DefaultCacheSize.
func NewCounter(cacheSize int) *Counter {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, int](cacheSize)
	return &Counter{cache: cache}
}

// Count returns the token estimate for text, memoizing chunk-sized inputs.
func (c *Counter) Count(text string) int {
	if len(text) < minMemoizeBytes {
		return Count(text)
	}
	key := cacheKey(text)
	if n, ok := c.cache.Get(key); ok {
		return n
	}
	n := Count(text)
	c.cache.Add(key, n)
	return n
}

// cacheKey hashes text so arbitrarily large chunks use fixed-size keys.
func cacheKey(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}
