package instance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/internal/metrics"
	"github.com/serverbox/serverbox/pkg/types"
)

// lifecycle is the slice of the manager the coordinator needs.
type lifecycle interface {
	Get(ctx context.Context, id string) (*types.Instance, error)
	Resume(ctx context.Context, id string, timeout time.Duration) (*types.Instance, error)
}

type resumeOp struct {
	done chan struct{}
	err  error
}

// Coordinator collapses concurrent resume requests for the same instance
// into a single underlying resume call. Only one resume per id runs at a
// time within the process; cross-process coordination is out of scope.
type Coordinator struct {
	lc         lifecycle
	log        *zap.Logger
	autoResume bool
	timeout    time.Duration

	mu       sync.Mutex
	inflight map[string]*resumeOp
}

// NewCoordinator creates a resume coordinator. timeout bounds both the
// resume's health wait and each caller's join.
func NewCoordinator(lc lifecycle, log *zap.Logger, autoResume bool, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Coordinator{
		lc:         lc,
		log:        log,
		autoResume: autoResume,
		timeout:    timeout,
		inflight:   make(map[string]*resumeOp),
	}
}

// EnsureRunning returns the instance record once it is running, resuming
// the backing sandbox if needed. A join that outlasts the timeout fails
// with INSTANCE_NOT_RUNNING without cancelling the underlying resume; a
// late-completing resume remains effective for the next request.
func (c *Coordinator) EnsureRunning(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := c.lc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State == types.StateRunning && inst.URL != "" {
		return inst, nil
	}

	if !c.autoResume {
		return nil, errdefs.New(errdefs.CodeInstanceNotRunning,
			"instance %s is %s and auto-resume is disabled", id, inst.State)
	}

	op := c.join(id)

	select {
	case <-op.done:
	case <-time.After(c.timeout):
		metrics.ResumeJoinTimeouts.Inc()
		return nil, errdefs.New(errdefs.CodeInstanceNotRunning,
			"instance %s did not resume within %s", id, c.timeout)
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.CodeInstanceNotRunning, ctx.Err(),
			"wait for instance %s resume", id)
	}

	if op.err != nil {
		return nil, op.err
	}
	return c.lc.Get(ctx, id)
}

// join returns the in-flight resume for id, starting one if none exists.
// The creator clears the map slot when the resume settles.
func (c *Coordinator) join(id string) *resumeOp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op, ok := c.inflight[id]; ok {
		metrics.ResumesDeduped.Inc()
		return op
	}

	op := &resumeOp{done: make(chan struct{})}
	c.inflight[id] = op
	metrics.ResumesPerformed.Inc()

	go func() {
		// Detached from any request context so a slow resume outlives
		// the waiters that timed out on it.
		_, err := c.lc.Resume(context.Background(), id, c.timeout)
		op.err = err
		if err != nil {
			c.log.Warn("auto-resume failed", zap.String("instanceId", id), zap.Error(err))
		}

		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		close(op.done)
	}()

	return op
}
