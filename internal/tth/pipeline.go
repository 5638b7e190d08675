package tth

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Job is one file scheduled for hashing.
type Job struct {
	Path string
}

// Result is the outcome of hashing one Job.
type Result struct {
	Path string
	Size int64
	Tree *Tree
	Err  error
}

// Config holds the pipeline's worker count and cache location. Workers is
// not used by Run, which always starts four workers.
type Config struct {
	Workers   int
	CachePath string
}

// Pipeline runs a bounded pool of hash workers over a queue of files,
// consulting and refreshing the on-disk Cache, with a pausable gate so a
// full refresh can suspend hashing without losing queue position.
//
// Mirrors the teacher's storage.Store/piece.Manager shape: one mutex guards
// the small amount of shared bookkeeping (pending count, pause flag), and
// long-running work happens off an errgroup-managed goroutine pool.
type Pipeline struct {
	logger *slog.Logger
	cache  *Cache
	jobs   chan Job
	out    chan Result

	mut     sync.Mutex
	paused  bool
	resumeC chan struct{}
	pending int
}

// NewPipeline constructs a Pipeline backed by cfg.CachePath, creating or
// loading the hash cache.
func NewPipeline(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	cache, err := LoadCache(cfg.CachePath)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		logger:  logger.With("component", "hash-pipeline"),
		cache:   cache,
		jobs:    make(chan Job, 256),
		out:     make(chan Result, 256),
		resumeC: make(chan struct{}),
	}, nil
}

// Results returns the channel on which completed hash results are
// delivered. The shared index consumes this to update its TTH index.
func (p *Pipeline) Results() <-chan Result { return p.out }

// Submit enqueues path for hashing. Non-blocking from the caller's
// perspective is not guaranteed; callers should run refresh scheduling on
// its own goroutine.
func (p *Pipeline) Submit(ctx context.Context, path string) {
	p.mut.Lock()
	p.pending++
	p.mut.Unlock()

	select {
	case p.jobs <- Job{Path: path}:
	case <-ctx.Done():
	}
}

// Pause suspends worker dequeue without losing queued jobs.
func (p *Pipeline) Pause() {
	p.mut.Lock()
	defer p.mut.Unlock()
	if !p.paused {
		p.paused = true
		p.resumeC = make(chan struct{})
	}
}

// Resume releases any paused workers.
func (p *Pipeline) Resume() {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.paused {
		p.paused = false
		close(p.resumeC)
	}
}

// Pending reports the number of jobs submitted but not yet completed.
func (p *Pipeline) Pending() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.pending
}

// Run starts the worker pool and blocks until ctx is cancelled, then closes
// the job queue and waits for the workers to exit; jobs still queued at that
// point are not hashed. Intended to be run under an errgroup alongside the
// rest of the Core's long-lived goroutines.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < 4; i++ {
		g.Go(func() error {
			return p.worker(gctx)
		})
	}

	<-gctx.Done()
	close(p.jobs)
	return g.Wait()
}

func (p *Pipeline) worker(ctx context.Context) error {
	for {
		p.waitResumed(ctx)

		select {
		case job, ok := <-p.jobs:
			if !ok {
				return nil
			}
			p.handle(job)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline) waitResumed(ctx context.Context) {
	for {
		p.mut.Lock()
		paused := p.paused
		resumeC := p.resumeC
		p.mut.Unlock()

		if !paused {
			return
		}
		select {
		case <-resumeC:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handle(job Job) {
	defer func() {
		p.mut.Lock()
		p.pending--
		p.mut.Unlock()
	}()

	fi, err := os.Stat(job.Path)
	if err != nil {
		p.logger.Warn("stat failed, dropping", "path", job.Path, "error", err)
		return
	}

	if entry, ok := p.cache.Lookup(job.Path, fi.Size(), fi.ModTime()); ok {
		p.out <- Result{
			Path: job.Path,
			Size: entry.Size,
			Tree: &Tree{Root: entry.TTH, Leaves: entry.Leaves, BlockSize: PromoteBlockSize(entry.Size, int64(len(entry.Leaves)))},
		}
		return
	}

	f, err := os.Open(job.Path)
	if err != nil {
		p.logger.Warn("open failed, dropping", "path", job.Path, "error", err)
		return
	}
	defer f.Close()

	tree, err := Build(f, fi.Size())
	if err != nil {
		p.logger.Warn("hash failed, dropping", "path", job.Path, "error", err)
		return
	}

	p.cache.Store(job.Path, CacheEntry{
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		TTH:     tree.Root,
		Leaves:  tree.Leaves,
	})

	p.out <- Result{Path: job.Path, Size: fi.Size(), Tree: tree}
}

// Forget removes path's entry from the hash cache, used when a file leaves
// the share.
func (p *Pipeline) Forget(path string) { p.cache.Forget(path) }

// FlushCache persists the hash cache if dirty.
func (p *Pipeline) FlushCache() error { return p.cache.Flush() }
