package source

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/identity"
)

// DefaultExtensions is the extension set walked when the config leaves
// corpus.extensions empty.
var DefaultExtensions = []string{".md", ".mdx", ".json"}

// Reader reads corpus files through an fs.FS so tests can substitute an
// in-memory tree for the real corpus directory.
type Reader struct {
	fsys fs.FS
	root string // absolute root used for AbsPath reporting
	exts map[string]bool
}

// NewReader creates a Reader over a corpus directory on the real filesystem.
func NewReader(root string, extensions []string) (*Reader, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidPath,
			"cannot resolve corpus root: "+root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidPath,
			"corpus root not found: "+absRoot, err).
			WithSuggestion("set corpus.root in forumrag.yaml or FORUMRAG_CORPUS_ROOT")
	}
	if !info.IsDir() {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidPath,
			"corpus root is not a directory: "+absRoot, nil)
	}
	return NewReaderFS(os.DirFS(absRoot), absRoot, extensions), nil
}

// NewReaderFS creates a Reader over an arbitrary filesystem rooted at fsys.
// root is only used to report absolute paths.
func NewReaderFS(fsys fs.FS, root string, extensions []string) *Reader {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = true
	}
	return &Reader{fsys: fsys, root: root, exts: exts}
}

// Root returns the absolute corpus root.
func (r *Reader) Root() string {
	return r.root
}

// FileFingerprint hashes a corpus file's raw bytes. It matches the
// fingerprint the parsers attach, so change detection can run without a
// full parse.
func (r *Reader) FileFingerprint(relPath string) (string, error) {
	data, err := fs.ReadFile(r.fsys, relPath)
	if err != nil {
		return "", ragerrors.New(ragerrors.ErrCodeFileNotFound,
			"cannot read corpus file: "+relPath, err)
	}
	return identity.Fingerprint(data), nil
}

// absPath joins a walk-relative path onto the reported root.
func (r *Reader) absPath(relPath string) string {
	return filepath.Join(r.root, filepath.FromSlash(relPath))
}
