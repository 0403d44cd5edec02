package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Default Configuration Tests
// =============================================================================

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, ".forumrag", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)

	// Corpus defaults
	assert.Equal(t, "./corpus", cfg.Corpus.Root)
	assert.Equal(t, []string{".md", ".mdx", ".json"}, cfg.Corpus.Extensions)

	// Chunking defaults
	assert.Equal(t, 800, cfg.Chunking.MaxTokens)
	assert.Equal(t, 120, cfg.Chunking.OverlapTokens)
	assert.Equal(t, 1024, cfg.Chunking.AbsoluteMaxTokens)

	// Pipeline defaults
	assert.Equal(t, 4, cfg.Pipeline.EmbeddingThreads)
	assert.Equal(t, 2, cfg.Pipeline.UpsertThreads)
	assert.False(t, cfg.Pipeline.FailFastValidation)
	assert.False(t, cfg.Pipeline.Resume)

	// Forum defaults
	assert.False(t, cfg.Forum.EmbedQuotedContent)
	assert.Equal(t, "forum-quoted", cfg.Forum.QuotedContentNamespace)
	assert.True(t, cfg.Forum.SkipUnchangedPosts)

	// Retrieval defaults
	assert.Equal(t, 30, cfg.Retrieval.RetrievalCount)
	assert.True(t, cfg.Retrieval.GroupByThread)
	assert.False(t, cfg.Retrieval.TimeDecayWeighting)
	assert.Equal(t, float64(365), cfg.Retrieval.TimeDecayHalfLifeDays)
	assert.Equal(t, 10, cfg.Retrieval.MaxPostsPerThreadInContext)

	// Embedder defaults
	assert.Equal(t, "https://api.openai.com/v1", cfg.Embedder.BaseURL)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Model)
	assert.Equal(t, 1536, cfg.Embedder.Dimensions)
	assert.Equal(t, 60*time.Second, cfg.Embedder.Timeout())
	assert.Empty(t, cfg.Embedder.APIKey)

	// Qdrant defaults
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, "forumrag", cfg.Qdrant.Collection)
	assert.False(t, cfg.Qdrant.UseTLS)
}

func TestNewConfig_ValidatesClean(t *testing.T) {
	cfg := NewConfig()
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_NoConfigFile_UsesDefaults(t *testing.T) {
	// Given: a directory without a config file
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	// When: loading
	cfg, err := Load(tmpDir)

	// Then: defaults are applied
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Chunking.MaxTokens)
	assert.Equal(t, "forumrag", cfg.Qdrant.Collection)
}

func TestLoad_ProjectFile_OverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	content := `
chunking:
  max_tokens: 400
  overlap_tokens: 60
retrieval:
  retrieval_count: 12
  group_by_thread: false
forum:
  skip_unchanged_posts: false
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "forumrag.yaml"), []byte(content), 0o644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 400, cfg.Chunking.MaxTokens)
	assert.Equal(t, 60, cfg.Chunking.OverlapTokens)
	assert.Equal(t, 12, cfg.Retrieval.RetrievalCount)

	// Explicit boolean false must override a true default
	assert.False(t, cfg.Retrieval.GroupByThread)
	assert.False(t, cfg.Forum.SkipUnchangedPosts)

	// Untouched values keep defaults
	assert.Equal(t, 1024, cfg.Chunking.AbsoluteMaxTokens)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Model)
}

func TestLoad_YmlFallback(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	content := "qdrant:\n  collection: fallback-coll\n"
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "forumrag.yml"), []byte(content), 0o644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "fallback-coll", cfg.Qdrant.Collection)
}

func TestLoad_YamlTakesPrecedenceOverYml(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "forumrag.yaml"),
		[]byte("qdrant:\n  collection: from-yaml\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "forumrag.yml"),
		[]byte("qdrant:\n  collection: from-yml\n"), 0o644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.Qdrant.Collection)
}

func TestLoad_UserConfigThenProjectConfig(t *testing.T) {
	// Given: a user config and a project config that both set values
	tmpDir := t.TempDir()
	xdgDir := filepath.Join(tmpDir, "xdg")
	t.Setenv("XDG_CONFIG_HOME", xdgDir)

	userDir := filepath.Join(xdgDir, "forumrag")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "config.yaml"),
		[]byte("log_level: debug\nqdrant:\n  host: user-host\n"), 0o644))

	projDir := filepath.Join(tmpDir, "proj")
	require.NoError(t, os.MkdirAll(projDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projDir, "forumrag.yaml"),
		[]byte("qdrant:\n  host: project-host\n"), 0o644))

	// When: loading the project directory
	cfg, err := Load(projDir)
	require.NoError(t, err)

	// Then: project config wins, user-only keys survive
	assert.Equal(t, "project-host", cfg.Qdrant.Host)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "forumrag.yaml"),
		[]byte("chunking: [not: a: mapping"), 0o644))

	_, err := Load(tmpDir)
	assert.Error(t, err)
}

// =============================================================================
// Environment Override Tests
// =============================================================================

func TestLoad_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))
	t.Setenv("FORUMRAG_EMBED_API_KEY", "sk-test-123")
	t.Setenv("FORUMRAG_EMBED_BASE_URL", "http://localhost:9999/v1")
	t.Setenv("FORUMRAG_QDRANT_HOST", "qdrant.internal")
	t.Setenv("FORUMRAG_QDRANT_PORT", "7000")
	t.Setenv("FORUMRAG_DATA_DIR", "/tmp/frag-data")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "sk-test-123", cfg.Embedder.APIKey)
	assert.Equal(t, "http://localhost:9999/v1", cfg.Embedder.BaseURL)
	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, 7000, cfg.Qdrant.Port)
	assert.Equal(t, "/tmp/frag-data", cfg.DataDir)
}

func TestLoad_EnvOverridesBeatFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "forumrag.yaml"),
		[]byte("qdrant:\n  host: file-host\n"), 0o644))
	t.Setenv("FORUMRAG_QDRANT_HOST", "env-host")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Qdrant.Host)
}

func TestRequireAPIKey(t *testing.T) {
	cfg := NewConfig()

	// Missing key is a coded error
	err := cfg.RequireAPIKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_103_API_KEY_MISSING")

	// Present key passes
	cfg.Embedder.APIKey = "sk-x"
	assert.NoError(t, cfg.RequireAPIKey())
}

// =============================================================================
// Thread Clamp Tests
// =============================================================================

func TestLoad_ClampsThreadCounts(t *testing.T) {
	tests := []struct {
		name       string
		embedIn    int
		upsertIn   int
		wantEmbed  int
		wantUpsert int
	}{
		{"below minimums", 1, 1, 4, 2},
		{"above maximums", 32, 16, 6, 4},
		{"within range", 5, 3, 5, 3},
		{"zero falls to minimum", 0, 0, 4, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Pipeline.EmbeddingThreads = tc.embedIn
			cfg.Pipeline.UpsertThreads = tc.upsertIn

			cfg.clampThreads()

			assert.Equal(t, tc.wantEmbed, cfg.Pipeline.EmbeddingThreads)
			assert.Equal(t, tc.wantUpsert, cfg.Pipeline.UpsertThreads)
		})
	}
}

// =============================================================================
// Path Helper Tests
// =============================================================================

func TestConfig_PathHelpers(t *testing.T) {
	cfg := NewConfig()
	cfg.DataDir = filepath.Join("data", "forumrag")

	assert.Equal(t, filepath.Join("data", "forumrag", "state.db"), cfg.StateDBPath())
	assert.Equal(t, filepath.Join("data", "forumrag", "progress.json"), cfg.ProgressPath())
	assert.Equal(t, filepath.Join("data", "forumrag", "ingest.lock"), cfg.LockPath())
}

func TestConfig_EnsureDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := NewConfig()
	cfg.DataDir = filepath.Join(tmpDir, "nested", "data")

	require.NoError(t, cfg.EnsureDataDir())

	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEmbedderTimeout_Fallback(t *testing.T) {
	e := EmbedderConfig{RequestTimeout: "not-a-duration"}
	assert.Equal(t, 60*time.Second, e.Timeout())

	e.RequestTimeout = "5s"
	assert.Equal(t, 5*time.Second, e.Timeout())
}
