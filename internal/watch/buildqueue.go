package watch

import (
	"context"
	"sync"
	"time"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// BuildQueue serializes compiler invocations against the shared build
// directory. All build requests funnel through one FIFO worker; only one
// build runs at a time process-wide, even for unrelated functions.
// Duplicate submissions for a function attach to the outstanding build
// instead of queueing a second one.
type BuildQueue struct {
	builder Builder
	log     *logger.Logger

	mu       sync.Mutex
	inflight map[string]*buildJob

	queue chan *buildJob
}

type buildJob struct {
	fn   config.Function
	done chan struct{}
	path string
	err  error
}

func NewBuildQueue(builder Builder, log *logger.Logger) *BuildQueue {
	return &BuildQueue{
		builder:  builder,
		log:      log,
		inflight: make(map[string]*buildJob),
		queue:    make(chan *buildJob, 64),
	}
}

// Submit requests a build for fn and waits for its result. While a build
// for fn is queued or running, concurrent callers share its outcome.
func (q *BuildQueue) Submit(ctx context.Context, fn config.Function) (string, error) {
	q.mu.Lock()
	job, attached := q.inflight[fn.Name]
	if !attached {
		job = &buildJob{fn: fn, done: make(chan struct{})}
		q.inflight[fn.Name] = job
	}
	q.mu.Unlock()

	if !attached {
		select {
		case q.queue <- job:
		case <-ctx.Done():
			q.mu.Lock()
			delete(q.inflight, fn.Name)
			q.mu.Unlock()
			return "", ctx.Err()
		}
	}

	select {
	case <-job.done:
		return job.path, job.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run executes queued builds strictly sequentially until ctx is canceled.
func (q *BuildQueue) Run(ctx context.Context) error {
	for {
		select {
		case job := <-q.queue:
			q.runJob(ctx, job)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *BuildQueue) runJob(ctx context.Context, job *buildJob) {
	started := time.Now()
	q.log.Info("building function %s", job.fn.Name)

	path, err := q.builder.Build(ctx, job.fn)

	q.mu.Lock()
	delete(q.inflight, job.fn.Name)
	q.mu.Unlock()

	job.path, job.err = path, err
	close(job.done)

	if err != nil {
		q.log.Error("build failed for %s after %s: %v", job.fn.Name, time.Since(started).Round(time.Millisecond), err)
		if be, ok := err.(*BuildError); ok && be.Output != "" {
			q.log.Error("%s", be.Output)
		}
		return
	}
	q.log.Info("finished building %s in %s", job.fn.Name, time.Since(started).Round(time.Millisecond))
}
