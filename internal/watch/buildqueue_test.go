package watch

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// fakeBuilder records build calls and lets tests control duration and
// outcome per function.
type fakeBuilder struct {
	mu      sync.Mutex
	calls   []string
	delay   time.Duration
	fail    map[string]error
	running atomic.Int32
	maxSeen atomic.Int32
}

func (b *fakeBuilder) Build(ctx context.Context, fn config.Function) (string, error) {
	n := b.running.Add(1)
	for {
		max := b.maxSeen.Load()
		if n <= max || b.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	defer b.running.Add(-1)

	b.mu.Lock()
	b.calls = append(b.calls, fn.Name)
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := b.fail[fn.Name]; err != nil {
		return "", err
	}
	return "bin/" + fn.Name, nil
}

func (b *fakeBuilder) callCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, c := range b.calls {
		if c == name {
			count++
		}
	}
	return count
}

func testLogger() *logger.Logger {
	return logger.New(io.Discard, "ERROR")
}

func TestBuildQueueReturnsBinaryPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builder := &fakeBuilder{}
	q := NewBuildQueue(builder, testLogger())
	go q.Run(ctx)

	path, err := q.Submit(ctx, config.Function{Name: "handler"})
	require.NoError(t, err)
	assert.Equal(t, "bin/handler", path)
}

func TestBuildQueuePropagatesBuildErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildErr := &BuildError{Function: "broken", Output: "compile error"}
	builder := &fakeBuilder{fail: map[string]error{"broken": buildErr}}
	q := NewBuildQueue(builder, testLogger())
	go q.Run(ctx)

	_, err := q.Submit(ctx, config.Function{Name: "broken"})
	require.Error(t, err)
	assert.Equal(t, buildErr, err)
}

func TestBuildQueueRunsOneBuildAtATime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builder := &fakeBuilder{delay: 20 * time.Millisecond}
	q := NewBuildQueue(builder, testLogger())
	go q.Run(ctx)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := q.Submit(ctx, config.Function{Name: name})
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builder.maxSeen.Load(), "builds must never overlap")
}

func TestBuildQueueCoalescesDuplicateSubmissions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builder := &fakeBuilder{delay: 30 * time.Millisecond}
	q := NewBuildQueue(builder, testLogger())
	go q.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := q.Submit(ctx, config.Function{Name: "handler"})
			assert.NoError(t, err)
			assert.Equal(t, "bin/handler", path)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, builder.callCount("handler"), "concurrent submissions share one build")
}

func TestBuildQueueSubmitHonorsContext(t *testing.T) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	builder := &fakeBuilder{delay: time.Second}
	q := NewBuildQueue(builder, testLogger())
	go q.Run(runCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Submit(ctx, config.Function{Name: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
