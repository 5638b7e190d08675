package share

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/tth"
)

// SkipRules implements the refresh skiplist: extension, path-substring,
// size-bound and hidden/symlink policy.
type SkipRules struct {
	Extensions   []string
	PathRegex    *regexp.Regexp
	MinSize      int64
	MaxSize      int64
	ShareHidden  bool
	FollowLinks  bool
	ExcludePaths []string
}

func (r SkipRules) skip(path string, info fs.FileInfo) bool {
	if !r.ShareHidden && isHidden(info.Name()) {
		return true
	}
	for _, ex := range r.ExcludePaths {
		if strings.HasPrefix(path, ex) {
			return true
		}
	}
	if r.PathRegex != nil && r.PathRegex.MatchString(path) {
		return true
	}
	if info.IsDir() {
		return false
	}
	if r.MaxSize > 0 && info.Size() > r.MaxSize {
		return true
	}
	if info.Size() < r.MinSize {
		return true
	}
	for _, ext := range r.Extensions {
		if strings.HasSuffix(strings.ToLower(info.Name()), strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func isHidden(name string) bool { return strings.HasPrefix(name, ".") }

// Root is one configured real directory mounted at a virtual top-level
// name.
type Root struct {
	VirtualName string
	RealPath    string
}

// Index is the shared-tree index: the virtual forest, the TTH -> file map,
// and the Bloom filter used to short-circuit string search. One mutex
// guards the whole structure, consistent with the rest of the core's
// single-mutex-per-component rule.
type Index struct {
	logger *slog.Logger
	rules  SkipRules
	hasher *tth.Pipeline

	mut       sync.RWMutex
	forest    map[string]*Directory
	realToDir map[string]*Directory
	tthIndex  map[identity.TTHValue]*File
	bloom     *Bloom
	fileCount int
	dirCount  int

	refreshing atomic.Bool
	dirty      atomic.Bool
}

// NewIndex returns an empty Index.
func NewIndex(rules SkipRules, hasher *tth.Pipeline, logger *slog.Logger) *Index {
	return &Index{
		logger:    logger.With("component", "share-index"),
		rules:     rules,
		hasher:    hasher,
		forest:    make(map[string]*Directory),
		realToDir: make(map[string]*Directory),
		tthIndex:  make(map[identity.TTHValue]*File),
		bloom:     NewBloom(1, 1, 24),
	}
}

// Refresh walks every root and replaces the tree. At most one refresh runs
// at a time; a concurrent call is dropped with a log line, mirroring the
// single-producer atomic-flag rule used for long operations elsewhere in
// the core.
func (idx *Index) Refresh(roots []Root) {
	if !idx.refreshing.CompareAndSwap(false, true) {
		idx.logger.Warn("refresh already in progress, dropping request")
		return
	}
	defer idx.refreshing.Store(false)

	newForest := make(map[string]*Directory)
	newRealToDir := make(map[string]*Directory)
	fileCount, dirCount := 0, 0

	for _, root := range roots {
		top := NewDirectory(root.VirtualName, root.RealPath, nil)
		newForest[root.VirtualName] = top
		newRealToDir[root.RealPath] = top
		dirCount++

		fc, dc := idx.walkRoot(root.RealPath, top)
		fileCount += fc
		dirCount += dc
	}

	bloom := NewBloom(fileCount+dirCount, 7, 24)
	for _, top := range newForest {
		top.Walk(func(d *Directory) bool {
			bloom.Add(d.Name)
			for _, f := range d.Files {
				bloom.Add(f.Name)
			}
			return true
		})
	}

	idx.mut.Lock()
	idx.forest = newForest
	idx.realToDir = newRealToDir
	idx.tthIndex = make(map[identity.TTHValue]*File)
	idx.bloom = bloom
	idx.fileCount = fileCount
	idx.dirCount = dirCount
	idx.mut.Unlock()

	idx.dirty.Store(true)
}

func (idx *Index) walkRoot(realPath string, top *Directory) (files, dirs int) {
	entries, err := os.ReadDir(realPath)
	if err != nil {
		idx.logger.Warn("read dir failed", "path", realPath, "error", err)
		return 0, 0
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 && !idx.rules.FollowLinks {
			continue
		}

		full := filepath.Join(realPath, entry.Name())
		if idx.rules.skip(full, info) {
			continue
		}

		if entry.IsDir() {
			child := top.AddDirectory(entry.Name(), full)
			dirs++
			fc, dc := idx.walkRoot(full, child)
			files += fc
			dirs += dc
			continue
		}

		name := top.AddFile(entry.Name(), info.Size(), full)
		files++
		if idx.hasher != nil {
			idx.hasher.Submit(noopCtx{}, full)
			_ = name
		}
	}
	return files, dirs
}

// noopCtx satisfies context.Context minimally for fire-and-forget refresh
// submissions; the pipeline only selects on ctx.Done(), which never fires
// here, so jobs always enqueue.
type noopCtx struct{}

func (noopCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopCtx) Done() <-chan struct{}       { return nil }
func (noopCtx) Err() error                  { return nil }
func (noopCtx) Value(any) any               { return nil }

// ApplyHashResult records a completed hash pipeline result into the TTH
// index, resolving the file by its real path.
func (idx *Index) ApplyHashResult(realPath string, t *tth.Tree) {
	idx.mut.Lock()
	defer idx.mut.Unlock()

	for _, top := range idx.forest {
		found := false
		top.Walk(func(d *Directory) bool {
			for _, f := range d.Files {
				if f.RealPath == realPath {
					f.TTH = t.Root
					f.Hashed = true
					if existing, ok := idx.tthIndex[t.Root]; !ok || existing == f {
						idx.tthIndex[t.Root] = f
					}
					found = true
					return false
				}
			}
			return true
		})
		if found {
			break
		}
	}
	idx.dirty.Store(true)
}

// FileByTTH returns the file registered for root, if any.
func (idx *Index) FileByTTH(root identity.TTHValue) (*File, bool) {
	idx.mut.RLock()
	defer idx.mut.RUnlock()
	f, ok := idx.tthIndex[root]
	return f, ok
}

// Resolve finds the directory for a "/"-rooted virtual path, searching
// every top-level root.
func (idx *Index) Resolve(virtualPath string) (*Directory, bool) {
	idx.mut.RLock()
	defer idx.mut.RUnlock()

	virtualPath = strings.TrimPrefix(virtualPath, "/")
	if virtualPath == "" {
		// Synthetic root holding every top-level share as children.
		root := NewDirectory("", "", nil)
		root.Dirs = idx.forest
		return root, true
	}

	parts := strings.SplitN(virtualPath, "/", 2)
	top, ok := idx.forest[parts[0]]
	if !ok {
		return nil, false
	}
	if len(parts) == 1 {
		return top, true
	}
	return top.Resolve(parts[1])
}

// Bloom returns the current Bloom filter, used both for local search
// short-circuiting and to answer remote "GET blom" requests.
func (idx *Index) Bloom() *Bloom {
	idx.mut.RLock()
	defer idx.mut.RUnlock()
	return idx.bloom
}

// Stats returns the current file and directory counts.
func (idx *Index) Stats() (files, dirs int) {
	idx.mut.RLock()
	defer idx.mut.RUnlock()
	return idx.fileCount, idx.dirCount
}

// TakeDirty reports whether the index has changed since the flag was last
// taken, and clears the flag.
func (idx *Index) TakeDirty() bool { return idx.dirty.CompareAndSwap(true, false) }
