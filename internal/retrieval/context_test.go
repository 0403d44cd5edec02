package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripImageURLs(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "markdown image removed",
			content: "look at this ![screenshot](https://img.example/shot.png) please",
			want:    "look at this  please",
		},
		{
			name:    "bare image url removed",
			content: "see https://img.example/photo.jpg for details",
			want:    "see  for details",
		},
		{
			name:    "query string on image url",
			content: "see https://img.example/photo.png?size=large end",
			want:    "see  end",
		},
		{
			name:    "non-image url kept",
			content: "docs at https://example.com/guide stay",
			want:    "docs at https://example.com/guide stay",
		},
		{
			name:    "blank runs collapsed",
			content: "a\n\n![x](https://img.example/x.png)\n\nb",
			want:    "a\n\n\nb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripImageURLs(tt.content)
			assert.Equal(t, strings.TrimSpace(tt.want), got)
		})
	}
}

func TestFormatGroupedContext(t *testing.T) {
	groups := []*ThreadGroup{
		{
			ThreadID:    "T1",
			Title:       "Install problems",
			DateRange:   DateRange{From: "2024-01-01", To: "2024-02-01"},
			UniqueUsers: []string{"alice", "bob"},
			AvgScore:    0.8,
			Posts: []*PostMatch{
				{Username: "alice", Date: "2024-01-01", Content: "run the installer twice"},
				{Username: "bob", Date: "2024-02-01", Content: "worked for me"},
			},
		},
		{
			ThreadID:    "T2",
			UniqueUsers: []string{"carol"},
			AvgScore:    0.6,
			Posts: []*PostMatch{
				{Username: "carol", Date: "2024-03-01", Content: "see the wiki"},
			},
		},
	}

	ctx := formatGroupedContext(groups)

	require.True(t, strings.HasPrefix(ctx, contextPreamble), "context must open with the preamble")
	assert.Contains(t, ctx, "### Thread: Install problems")
	assert.Contains(t, ctx, "Discussed between 2024-01-01 and 2024-02-01 by alice, bob.")
	assert.Contains(t, ctx, "**alice** (2024-01-01): run the installer twice")
	assert.Contains(t, ctx, threadSeparator)
	// T2 has no title; the ID stands in.
	assert.Contains(t, ctx, "### Thread: T2")

	// Thread order follows the given group order.
	assert.Less(t, strings.Index(ctx, "Install problems"), strings.Index(ctx, "### Thread: T2"))
}

func TestFormatGroupedContext_StripsImagesFromPosts(t *testing.T) {
	groups := []*ThreadGroup{{
		ThreadID: "T1",
		Posts: []*PostMatch{{
			Username: "alice",
			Date:     "2024-01-01",
			Content:  "before ![pic](https://img.example/p.png) after",
		}},
	}}

	ctx := formatGroupedContext(groups)
	assert.NotContains(t, ctx, "img.example")
	assert.Contains(t, ctx, "before  after")
}

func TestFormatFlatContext(t *testing.T) {
	matches := []*PostMatch{
		{Username: "alice", Date: "2024-01-01", Content: "first"},
		{Username: "", Date: "", Content: "second"},
	}

	ctx := formatFlatContext(matches)
	require.True(t, strings.HasPrefix(ctx, contextPreamble))
	assert.Contains(t, ctx, "**alice** (2024-01-01): first")
	assert.Contains(t, ctx, "**unknown** (undated): second")
}

func TestFormatContext_Empty(t *testing.T) {
	assert.Empty(t, formatGroupedContext(nil))
	assert.Empty(t, formatFlatContext(nil))
}

func TestCollectImages_DedupesInRankOrder(t *testing.T) {
	matches := []*PostMatch{
		{ThreadID: "T1", PostID: "P1", Username: "a", Images: []string{"u1", "u2"}},
		{ThreadID: "T2", PostID: "P2", Username: "b", Images: []string{"u2", "u3"}},
	}

	refs := collectImages(matches)
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"u1", "u2", "u3"}, []string{refs[0].URL, refs[1].URL, refs[2].URL})
	assert.Equal(t, "P1", refs[1].PostID, "first carrier keeps attribution")
}
