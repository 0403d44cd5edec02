package chunk

import (
	"sort"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
)

const (
	// KeywordAnalyzerName is the name of the custom analyzer used for
	// keyword extraction from forum posts.
	KeywordAnalyzerName = "forum_keywords"

	// minKeywordLen filters out residue the stop filter leaves behind:
	// single letters, punctuation fragments, two-letter noise.
	minKeywordLen = 3
)

// KeywordExtractor pulls the most frequent substantive terms out of post
// text. Scrapers sometimes supply keywords; this fills the gap when they
// don't, so payload filtering works across the whole corpus.
type KeywordExtractor struct {
	analyzer analysis.Analyzer
}

// NewKeywordExtractor builds the extraction analyzer: unicode tokenizer,
// lowercase filter, English stop words.
func NewKeywordExtractor() (*KeywordExtractor, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(KeywordAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			en.StopName,
		},
	})
	if err != nil {
		return nil, err
	}
	analyzer := im.AnalyzerNamed(KeywordAnalyzerName)
	return &KeywordExtractor{analyzer: analyzer}, nil
}

// Extract returns up to topK terms ordered by frequency, ties broken by
// first appearance. Deterministic for identical input.
func (e *KeywordExtractor) Extract(text string, topK int) []string {
	if text == "" || topK <= 0 {
		return nil
	}

	tokens := e.analyzer.Analyze([]byte(text))

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, tok := range tokens {
		term := string(tok.Term)
		if len(term) < minKeywordLen {
			continue
		}
		counts[term]++
		if _, ok := firstSeen[term]; !ok {
			firstSeen[term] = i
		}
	}
	if len(counts) == 0 {
		return nil
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return firstSeen[terms[i]] < firstSeen[terms[j]]
	})

	if len(terms) > topK {
		terms = terms[:topK]
	}
	return terms
}
