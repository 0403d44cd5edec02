package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func corpusFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for p, content := range files {
		fsys[p] = &fstest.MapFile{
			Data:    []byte(content),
			ModTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		}
	}
	return fsys
}

func collectWalk(t *testing.T, r *Reader) []*FileRef {
	t.Helper()
	results, err := r.Walk(context.Background())
	require.NoError(t, err)

	var refs []*FileRef
	for res := range results {
		require.NoError(t, res.Error)
		refs = append(refs, res.File)
	}
	return refs
}

func TestWalk_FindsMatchingExtensions(t *testing.T) {
	fsys := corpusFS(map[string]string{
		"guides/intro.md":        "# Intro\n",
		"guides/advanced.mdx":    "# Advanced\n",
		"forums/general/t1.json": `{"threadId":"T1","posts":[{"postId":"p1"}]}`,
		"assets/logo.png":        "binary",
		"notes.txt":              "plain text",
	})

	r := NewReaderFS(fsys, "/corpus", nil)
	refs := collectWalk(t, r)

	require.Len(t, refs, 3)
	byRel := map[string]*FileRef{}
	for _, ref := range refs {
		byRel[ref.RelPath] = ref
	}
	assert.Contains(t, byRel, "guides/intro.md")
	assert.Contains(t, byRel, "guides/advanced.mdx")
	assert.Contains(t, byRel, "forums/general/t1.json")

	assert.Equal(t, KindDoc, byRel["guides/intro.md"].Kind)
	assert.Equal(t, KindDoc, byRel["guides/advanced.mdx"].Kind)
	assert.Equal(t, KindThread, byRel["forums/general/t1.json"].Kind)
}

func TestWalk_LexicographicOrder(t *testing.T) {
	fsys := corpusFS(map[string]string{
		"b/two.md":   "# Two\n",
		"a/one.md":   "# One\n",
		"a/three.md": "# Three\n",
	})

	r := NewReaderFS(fsys, "/corpus", nil)
	refs := collectWalk(t, r)

	require.Len(t, refs, 3)
	assert.Equal(t, "a/one.md", refs[0].RelPath)
	assert.Equal(t, "a/three.md", refs[1].RelPath)
	assert.Equal(t, "b/two.md", refs[2].RelPath)
}

func TestWalk_Exclusions(t *testing.T) {
	fsys := corpusFS(map[string]string{
		"docs/keep.md":                     "# Keep\n",
		"docs/.hidden.md":                  "# Hidden\n",
		"docs/_draft.md":                   "# Draft\n",
		".git/objects/x.md":                "not a doc",
		".obsidian/workspace.json":         `{"threadId":"x"}`,
		"node_modules/pkg/readme.md":       "# Dep readme\n",
		"docs/node_modules/pkg/extra.md":   "# Nested dep\n",
		"_archive/old.md":                  "# Old\n",
		"forums/_meta/t.json":              `{"threadId":"x"}`,
		"forums/general/thread-99.json":    `{"threadId":"T99","posts":[{"postId":"p1"}]}`,
	})

	r := NewReaderFS(fsys, "/corpus", nil)
	refs := collectWalk(t, r)

	require.Len(t, refs, 2)
	assert.Equal(t, "docs/keep.md", refs[0].RelPath)
	assert.Equal(t, "forums/general/thread-99.json", refs[1].RelPath)
}

func TestWalk_CustomExtensionSet(t *testing.T) {
	fsys := corpusFS(map[string]string{
		"a.md":   "# A\n",
		"b.json": `{}`,
	})

	r := NewReaderFS(fsys, "/corpus", []string{".md"})
	refs := collectWalk(t, r)

	require.Len(t, refs, 1)
	assert.Equal(t, "a.md", refs[0].RelPath)
}

func TestWalk_FileMetadata(t *testing.T) {
	fsys := corpusFS(map[string]string{
		"guides/intro.md": "# Intro\nBody.\n",
	})

	r := NewReaderFS(fsys, "/corpus", nil)
	refs := collectWalk(t, r)

	require.Len(t, refs, 1)
	ref := refs[0]
	assert.Equal(t, filepath.Join("/corpus", "guides", "intro.md"), ref.AbsPath)
	assert.Equal(t, int64(len("# Intro\nBody.\n")), ref.Size)
	assert.Equal(t, 2024, ref.ModTime.Year())
}

func TestWalk_CancelledContext(t *testing.T) {
	files := map[string]string{}
	for c := 'a'; c <= 'z'; c++ {
		files["docs/f"+string(c)+".md"] = "# X\n"
	}
	fsys := corpusFS(files)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReaderFS(fsys, "/corpus", nil)
	results, err := r.Walk(ctx)
	require.NoError(t, err)

	// The channel must close promptly; emitted count is unspecified.
	for range results {
	}
}

func TestNewReader_ValidatesRoot(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corpus root")

	// A file is not a valid root.
	file := filepath.Join(t.TempDir(), "f.md")
	require.NoError(t, os.WriteFile(file, []byte("# X\n"), 0o644))
	_, err = NewReader(file, nil)
	require.Error(t, err)
}

func TestNewReader_WalksRealDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "guides"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(tmpDir, "guides", "intro.md"), []byte("# Intro\n"), 0o644))

	r, err := NewReader(tmpDir, nil)
	require.NoError(t, err)

	refs := collectWalk(t, r)
	require.Len(t, refs, 1)
	assert.Equal(t, "guides/intro.md", refs[0].RelPath)
	assert.Equal(t, filepath.Join(tmpDir, "guides", "intro.md"), refs[0].AbsPath)
}

func TestFileFingerprint(t *testing.T) {
	fsys := corpusFS(map[string]string{
		"guides/intro.md": "# Intro\n\nBody.\n",
	})
	r := NewReaderFS(fsys, "/corpus", nil)

	fp, err := r.FileFingerprint("guides/intro.md")
	require.NoError(t, err)
	assert.Len(t, fp, 64)

	// Matches the fingerprint the markdown parser attaches.
	doc, err := r.ReadMarkdown("guides/intro.md")
	require.NoError(t, err)
	assert.Equal(t, doc.Fingerprint, fp)

	_, err = r.FileFingerprint("guides/missing.md")
	require.Error(t, err)
}

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindDoc, DetectKind("guides/intro.md"))
	assert.Equal(t, KindDoc, DetectKind("guides/intro.mdx"))
	assert.Equal(t, KindThread, DetectKind("forums/t1.json"))
}
