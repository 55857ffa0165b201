package lane

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mxgate/internal/logging"
)

var (
	// ErrQueueFull is returned immediately when the waiting line is at
	// capacity. Callers never block behind a full queue.
	ErrQueueFull = errors.New("request queue is full")

	// ErrStopped fails requests that were still queued when the lane
	// shut down.
	ErrStopped = errors.New("request lane stopped")

	// ErrNotRunning rejects submissions outside Start/Stop.
	ErrNotRunning = errors.New("request lane not running")
)

// Result carries a finished job back to its submitter.
type Result struct {
	Value any
	Err   error
}

type job struct {
	id         string
	operation  string
	enqueuedAt time.Time
	run        func(context.Context) (any, error)
	result     chan Result
}

// Lane executes submitted requests one at a time in arrival order. A
// bounded queue holds whatever is waiting; anything beyond that is
// rejected on the spot so callers learn about overload immediately
// instead of stacking up.
type Lane struct {
	logger  *slog.Logger
	jobs    chan *job
	timeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	busy      atomic.Bool
	currentMu sync.Mutex
	currentOp string

	depth     atomic.Int64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Snapshot reports lane state for status output.
type Snapshot struct {
	Running          bool
	Busy             bool
	CurrentOperation string
	Depth            int
	Capacity         int
	Accepted         uint64
	Rejected         uint64
	Completed        uint64
	Failed           uint64
}

// New builds a lane with the given queue capacity and per-job execution
// budget. A zero timeout disables the budget.
func New(capacity int, timeout time.Duration, logger *slog.Logger) *Lane {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Lane{
		logger:  logging.NewComponentLogger(logger, "lane"),
		jobs:    make(chan *job, capacity),
		timeout: timeout,
	}
}

// Start launches the worker goroutine.
func (l *Lane) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("request lane already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.wg.Add(1)
	go l.runWorker(runCtx)
	return nil
}

// Stop halts the worker and fails everything still waiting in line.
// The job being executed gets its context cancelled and is given the
// chance to return before Stop unblocks.
func (l *Lane) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	l.wg.Wait()

	for {
		select {
		case pending := <-l.jobs:
			l.depth.Add(-1)
			l.failed.Add(1)
			pending.result <- Result{Err: ErrStopped}
		default:
			return
		}
	}
}

// Submit places a request in line and waits for its result. The request
// executes at most once; if ctx expires first the submitter walks away
// and the result is discarded when it arrives.
func (l *Lane) Submit(ctx context.Context, operation string, fn func(context.Context) (any, error)) (any, error) {
	entry := &job{
		id:         uuid.NewString(),
		operation:  operation,
		enqueuedAt: time.Now(),
		run:        fn,
		result:     make(chan Result, 1),
	}

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil, ErrNotRunning
	}
	select {
	case l.jobs <- entry:
		l.depth.Add(1)
		l.accepted.Add(1)
	default:
		l.rejected.Add(1)
		l.mu.Unlock()
		l.logger.Warn("request rejected, queue full",
			logging.String(logging.FieldRequestID, entry.id),
			logging.String(logging.FieldOperation, operation),
			logging.Int("capacity", cap(l.jobs)),
		)
		return nil, ErrQueueFull
	}
	l.mu.Unlock()

	l.logger.Debug("request queued",
		logging.String(logging.FieldRequestID, entry.id),
		logging.String(logging.FieldOperation, operation),
		logging.Int64("depth", l.depth.Load()),
	)

	select {
	case result := <-entry.result:
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a point-in-time view of the lane.
func (l *Lane) Status() Snapshot {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()

	l.currentMu.Lock()
	current := l.currentOp
	l.currentMu.Unlock()

	return Snapshot{
		Running:          running,
		Busy:             l.busy.Load(),
		CurrentOperation: current,
		Depth:            int(l.depth.Load()),
		Capacity:         cap(l.jobs),
		Accepted:         l.accepted.Load(),
		Rejected:         l.rejected.Load(),
		Completed:        l.completed.Load(),
		Failed:           l.failed.Load(),
	}
}

func (l *Lane) runWorker(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-l.jobs:
			l.depth.Add(-1)
			l.execute(ctx, entry)
		}
	}
}

func (l *Lane) execute(ctx context.Context, entry *job) {
	waited := time.Since(entry.enqueuedAt)

	jobCtx := ctx
	cancel := context.CancelFunc(func() {})
	if l.timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, l.timeout)
	}
	defer cancel()

	l.busy.Store(true)
	l.currentMu.Lock()
	l.currentOp = entry.operation
	l.currentMu.Unlock()

	started := time.Now()
	value, err := entry.run(jobCtx)
	elapsed := time.Since(started)

	l.busy.Store(false)
	l.currentMu.Lock()
	l.currentOp = ""
	l.currentMu.Unlock()

	if err != nil {
		l.failed.Add(1)
		l.logger.Warn("request failed",
			logging.String(logging.FieldRequestID, entry.id),
			logging.String(logging.FieldOperation, entry.operation),
			logging.Duration("waited", waited),
			logging.Duration("took", elapsed),
			logging.Error(err),
		)
	} else {
		l.completed.Add(1)
		l.logger.Debug("request finished",
			logging.String(logging.FieldRequestID, entry.id),
			logging.String(logging.FieldOperation, entry.operation),
			logging.Duration("waited", waited),
			logging.Duration("took", elapsed),
		)
	}

	// Buffered channel: delivery never blocks even when the submitter
	// already gave up.
	entry.result <- Result{Value: value, Err: err}
}
