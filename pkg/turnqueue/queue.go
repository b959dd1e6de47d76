// Package turnqueue runs submitted tasks one at a time in submission order.
package turnqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("turn queue closed")

type queuedTask struct {
	ctx        context.Context
	run        func(context.Context) error
	enqueuedAt time.Time
	done       chan error
}

// Queue is a single-worker FIFO. A task's failure only reaches its own caller.
type Queue struct {
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   []queuedTask
	wake    chan struct{}
	pending int
	closed  bool

	stopped chan struct{}
}

type Option func(*Queue)

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		logger:  log.Logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.logger = q.logger.With().Str("component", "turnqueue").Logger()
	go q.worker()
	return q
}

// Pending counts tasks submitted and not yet finished, the running one included.
func (q *Queue) Pending() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Submit enqueues fn and waits for its result. If ctx ends before fn starts
// the task is skipped; once started, fn is responsible for honoring ctx.
func Submit[T any](ctx context.Context, q *Queue, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := q.submit(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (q *Queue) submit(ctx context.Context, run func(context.Context) error) error {
	if q == nil {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := queuedTask{ctx: ctx, run: run, enqueuedAt: time.Now(), done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, t)
	q.pending++
	position := len(q.tasks)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.logger.Debug().Int("position", position).Msg("task queued")

	return <-t.done
}

func (q *Queue) dequeue() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return queuedTask{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = queuedTask{}
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *Queue) finish(t queuedTask, err error) {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
	t.done <- err
}

func (q *Queue) worker() {
	defer close(q.stopped)
	for {
		t, ok := q.dequeue()
		if !ok {
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}

		if err := t.ctx.Err(); err != nil {
			q.logger.Debug().Err(err).Msg("skipping cancelled task")
			q.finish(t, err)
			continue
		}

		q.logger.Debug().Dur("waited", time.Since(t.enqueuedAt)).Msg("task started")
		q.finish(t, q.run(t))
	}
}

func (q *Queue) run(t queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panicked: %s", fmt.Sprint(r))
			q.logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	return t.run(t.ctx)
}

// Close rejects queued tasks with ErrClosed and waits for the running one.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	rejected := q.tasks
	q.tasks = nil
	q.pending -= len(rejected)
	q.mu.Unlock()

	for _, t := range rejected {
		t.done <- ErrClosed
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}
