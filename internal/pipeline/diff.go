package pipeline

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/forumrag/forumrag/internal/chunk"
	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/identity"
	"github.com/forumrag/forumrag/internal/source"
	"github.com/forumrag/forumrag/internal/vecindex"
)

// Posts shorter than this (after quote stripping) carry no searchable
// signal and are never embedded.
const minPostLength = 10

// plannedChunk is one chunk queued for embedding, tagged with its
// position in the file's full chunk sequence. The position, not the
// queue order, is what the progress tracker records, so resume skips
// line up across runs even when some chunks were skipped at plan time.
type plannedChunk struct {
	chunk *chunk.Chunk
	index int
	post  *postAcct // nil for doc chunks
}

// postAcct tracks one forum post's outstanding chunks so its
// fingerprint is recorded only after every chunk landed.
type postAcct struct {
	threadID    string
	postID      string
	fingerprint string
	pending     int
	failed      bool
}

// fileUnit is the per-file plan produced before workers start. The
// remaining and anyFailed fields are mutated by workers under the run
// mutex.
type fileUnit struct {
	path string
	hash string

	// deleteFirst purges every existing point for a modified doc before
	// its chunks are re-upserted, so a shrunk document leaves no tail.
	deleteFirst   bool
	oldChunkCount int

	// postDeletes purge edited posts' points, quoted sub-chunks
	// included, before the new content lands.
	postDeletes []vecindex.Filter

	// staleIDs are chunk IDs the previous ingest recorded that this
	// corpus version no longer produces: removed posts, shrunk posts,
	// or a quoted-content toggle.
	staleIDs []string

	queued      []plannedChunk
	allChunkIDs []string // full sequence, skipped chunks included
	posts       []*postAcct

	postsSkipped     int
	skippedUnchanged int
	skippedResume    int

	// finalCovered reports whether this run's queue reaches the file's
	// last chunk. Always true except for partial windows that cut a
	// file short; a file is only state-recorded once its final chunk
	// landed.
	finalCovered bool

	remaining int
	anyFailed bool
}

// planFile parses one corpus file and lays out its chunk work. resumed
// turns on progress-based chunk skipping; allowPostSkips permits
// fingerprint-based post skipping, which is only safe when the file's
// existing points are known to survive this run.
func (p *Pipeline) planFile(ctx context.Context, ref *source.FileRef, resumed, allowPostSkips bool) (*fileUnit, error) {
	switch ref.Kind {
	case source.KindThread:
		return p.planThread(ctx, ref, resumed, allowPostSkips)
	default:
		return p.planDoc(ref, resumed)
	}
}

func (p *Pipeline) planDoc(ref *source.FileRef, resumed bool) (*fileUnit, error) {
	doc, err := p.reader.ReadMarkdown(ref.RelPath)
	if err != nil {
		return nil, err
	}
	chunks, err := p.markdown.Chunk(doc)
	if err != nil {
		return nil, err
	}

	unit := &fileUnit{path: ref.RelPath, hash: doc.Fingerprint, finalCovered: true}
	for i, c := range chunks {
		unit.allChunkIDs = append(unit.allChunkIDs, c.ID)
		if resumed && p.tracker.ShouldSkip(ref.RelPath, i) {
			unit.skippedResume++
			continue
		}
		unit.queued = append(unit.queued, plannedChunk{chunk: c, index: i})
	}
	unit.remaining = len(unit.queued)
	return unit, nil
}

func (p *Pipeline) planThread(ctx context.Context, ref *source.FileRef, resumed, allowPostSkips bool) (*fileUnit, error) {
	thread, err := p.reader.ReadThreadJSON(ref.RelPath)
	if err != nil {
		return nil, err
	}
	hash, err := p.reader.FileFingerprint(ref.RelPath)
	if err != nil {
		return nil, err
	}

	unit := &fileUnit{path: ref.RelPath, hash: hash, finalCovered: true}
	idx := 0
	for pi := range thread.Posts {
		post := &thread.Posts[pi]
		if !post.IsSubstantive || len(post.Content) < minPostLength {
			continue
		}
		chunks, err := p.forum.Chunk(post)
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			continue
		}

		stored, err := p.store.GetPostFingerprint(ctx, thread.ThreadID, post.PostID)
		if err != nil {
			return nil, err
		}
		if allowPostSkips && p.cfg.Forum.SkipUnchangedPosts && stored != "" && stored == post.Fingerprint {
			unit.postsSkipped++
			unit.skippedUnchanged += len(chunks)
			for _, c := range chunks {
				unit.allChunkIDs = append(unit.allChunkIDs, c.ID)
			}
			idx += len(chunks)
			continue
		}
		if stored != "" && stored != post.Fingerprint {
			unit.postDeletes = append(unit.postDeletes, postFilter(thread.ThreadID, post.PostID))
		}

		acct := &postAcct{threadID: thread.ThreadID, postID: post.PostID, fingerprint: post.Fingerprint}
		unit.posts = append(unit.posts, acct)
		for _, c := range chunks {
			i := idx
			idx++
			unit.allChunkIDs = append(unit.allChunkIDs, c.ID)
			if resumed && p.tracker.ShouldSkip(ref.RelPath, i) {
				unit.skippedResume++
				continue
			}
			unit.queued = append(unit.queued, plannedChunk{chunk: c, index: i, post: acct})
			acct.pending++
		}
	}
	unit.remaining = len(unit.queued)
	return unit, nil
}

// attachHistory compares a previously ingested file against its new
// plan: modified docs are purged wholesale before re-upserting, while
// thread files keep unchanged posts' points and shed only the chunk IDs
// the new plan no longer produces.
func (p *Pipeline) attachHistory(ctx context.Context, unit *fileUnit, ref *source.FileRef, oldChunkCount int) error {
	if ref.Kind != source.KindThread {
		unit.deleteFirst = true
		unit.oldChunkCount = oldChunkCount
		return nil
	}
	old, err := p.store.ChunkIDs(ctx, ref.RelPath)
	if err != nil {
		return err
	}
	produced := make(map[string]bool, len(unit.allChunkIDs))
	for _, id := range unit.allChunkIDs {
		produced[id] = true
	}
	for _, id := range old {
		if !produced[id] {
			unit.staleIDs = append(unit.staleIDs, id)
		}
	}
	return nil
}

// planAborts reports whether a plan-time error ends the run instead of
// failing one file. State-store IO always does; so does an oversize
// chunk under fail-fast validation.
func planAborts(err error) bool {
	if ragerrors.IsSessionFatal(err) {
		return true
	}
	switch ragerrors.GetCode(err) {
	case ragerrors.ErrCodeChunkTooLarge, ragerrors.ErrCodeChunkingFailed:
		return true
	}
	return false
}

func docFileFilter(path string) vecindex.Filter {
	return vecindex.Filter{Must: []vecindex.Condition{
		vecindex.Eq("source_file", path),
	}}
}

func postFilter(threadID, postID string) vecindex.Filter {
	return vecindex.Filter{Must: []vecindex.Condition{
		vecindex.Eq("threadId", threadID),
		vecindex.Eq("postId", postID),
	}}
}

// pointUUIDs maps stored chunk IDs to the UUID form the index keys
// points by.
func pointUUIDs(chunkIDs []string) []string {
	out := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		out[i] = identity.PointUUID(id)
	}
	return out
}

// cleanRelPath normalizes a user-supplied path to a corpus-relative
// slash path, rejecting anything that would escape the corpus root.
func cleanRelPath(raw string) (string, error) {
	rel := path.Clean(filepath.ToSlash(strings.TrimSpace(raw)))
	if rel == "" || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", ragerrors.New(ragerrors.ErrCodeInvalidPath,
			fmt.Sprintf("path %q is not inside the corpus", raw), nil)
	}
	return rel, nil
}

// sliceWindow cuts each unit's queue down to the global chunk window
// [start, end) over the flattened plan, recomputing per-post pending
// counts for the chunks that remain. Posts with no chunks in the
// window are dropped from the unit so their fingerprints are not
// recorded ahead of their chunks.
func sliceWindow(units []*fileUnit, start, end int) {
	pos := 0
	for _, u := range units {
		n := len(u.queued)
		lo, hi := start-pos, end-pos
		pos += n
		if lo < 0 {
			lo = 0
		}
		if hi > n {
			hi = n
		}
		if lo >= n || hi <= lo {
			u.queued = nil
			u.posts = nil
			u.remaining = 0
			u.finalCovered = false
			continue
		}

		u.finalCovered = u.queued[hi-1].index == len(u.allChunkIDs)-1
		u.queued = u.queued[lo:hi]
		u.remaining = len(u.queued)

		for _, acct := range u.posts {
			acct.pending = 0
		}
		kept := make(map[*postAcct]bool)
		var posts []*postAcct
		for _, pc := range u.queued {
			if pc.post == nil {
				continue
			}
			pc.post.pending++
			if !kept[pc.post] {
				kept[pc.post] = true
				posts = append(posts, pc.post)
			}
		}
		u.posts = posts
	}
}
