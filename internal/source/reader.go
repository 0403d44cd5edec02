package source

import (
	"context"
	"io/fs"
	"path"
	"strings"
)

// walkBuffer is the channel depth for streamed walk results.
const walkBuffer = 64

// Walk streams discovered corpus files in lexicographic order. Dotfiles,
// underscore-prefixed names, and anything under a node_modules or .git
// ancestor are excluded; only files in the configured extension set are
// emitted. The channel is closed when the walk completes or ctx is done.
func (r *Reader) Walk(ctx context.Context) (<-chan WalkResult, error) {
	if _, err := fs.Stat(r.fsys, "."); err != nil {
		return nil, err
	}

	results := make(chan WalkResult, walkBuffer)
	go func() {
		defer close(results)
		err := fs.WalkDir(r.fsys, ".", func(relPath string, d fs.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if relPath == "." {
				return nil
			}

			if d.IsDir() {
				if excludedName(d.Name()) {
					return fs.SkipDir
				}
				return nil
			}

			if excludedName(d.Name()) {
				return nil
			}
			if !r.exts[strings.ToLower(path.Ext(relPath))] {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}

			ref := &FileRef{
				AbsPath: r.absPath(relPath),
				RelPath: relPath,
				Kind:    DetectKind(relPath),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}

			select {
			case results <- WalkResult{File: ref}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})

		if err != nil && err != context.Canceled {
			select {
			case results <- WalkResult{Error: err}:
			case <-ctx.Done():
			}
		}
	}()

	return results, nil
}

// excludedName reports whether a file or directory name is excluded from
// walks: dotfiles (which also covers .git), underscore-prefixed names, and
// node_modules.
func excludedName(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return true
	}
	return name == "node_modules"
}
