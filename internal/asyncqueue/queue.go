// Package asyncqueue provides a single-consumer FIFO work queue.
//
// Each Queue runs at most one drain goroutine. The goroutine is started on
// demand by Enqueue and exits when the queue is empty, so idle queues cost
// nothing but their buffer.
package asyncqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"chatrelay/internal/ringbuf"
	logx "chatrelay/pkg/logx"
)

var ErrClosed = errors.New("asyncqueue: closed")

// Worker processes one item. A returned error is logged; it never stops the queue.
type Worker[T any] func(ctx context.Context, item T) error

type state uint8

const (
	stateIdle state = iota
	stateDraining
)

type Option func(*options)

type options struct {
	capacity int
	name     string
	log      logx.Logger
	parent   context.Context
}

func WithCapacity(n int) Option         { return func(o *options) { o.capacity = n } }
func WithName(name string) Option       { return func(o *options) { o.name = name } }
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithContext sets the parent context handed to the worker.
func WithContext(ctx context.Context) Option { return func(o *options) { o.parent = ctx } }

type Queue[T any] struct {
	mu     sync.Mutex
	buf    *ringbuf.Buffer[T]
	worker Worker[T]
	state  state
	idle   chan struct{} // closed while state == stateIdle
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	name string
	log  logx.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
}

func New[T any](worker Worker[T], opts ...Option) *Queue[T] {
	o := options{capacity: 16}
	for _, fn := range opts {
		fn(&o)
	}
	if o.capacity < 1 {
		o.capacity = 16
	}
	if o.parent == nil {
		o.parent = context.Background()
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(o.parent)
	idle := make(chan struct{})
	close(idle)
	q := &Queue[T]{
		buf:    ringbuf.MustNew[T](o.capacity),
		worker: worker,
		idle:   idle,
		ctx:    ctx,
		cancel: cancel,
		name:   o.name,
		log:    o.log,
	}
	q.buf.OnOverflow(func() {
		q.log.Warn("queue at max capacity; overwriting oldest item", logx.String("queue", q.name))
	})
	return q
}

// Enqueue appends item and starts draining if the queue was idle.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if err := q.buf.Push(item); err != nil {
		return err
	}
	if q.state == stateIdle {
		q.state = stateDraining
		q.idle = make(chan struct{})
		go q.drain()
	}
	return nil
}

// RemoveMatching drops queued (not in-flight) items for which pred holds.
func (q *Queue[T]) RemoveMatching(pred func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.RemoveMatching(pred)
}

// Clear drops every queued item. An in-flight item still completes.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.buf.Reset()
	q.mu.Unlock()
}

// SetWorker replaces the worker used for subsequent items.
func (q *Queue[T]) SetWorker(w Worker[T]) {
	q.mu.Lock()
	q.worker = w
	q.mu.Unlock()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Len()
}

func (q *Queue[T]) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == stateDraining
}

func (q *Queue[T]) Processed() uint64 { return q.processed.Load() }
func (q *Queue[T]) Failed() uint64    { return q.failed.Load() }

// Wait blocks until the queue is idle or ctx ends.
func (q *Queue[T]) Wait(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	q.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further items, drops queued ones and cancels the worker context.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.buf.Reset()
	q.mu.Unlock()
	q.cancel()
}

func (q *Queue[T]) drain() {
	for {
		q.mu.Lock()
		item, ok := q.buf.Shift()
		if !ok || q.ctx.Err() != nil {
			if q.buf.Len() == 0 {
				_ = q.buf.Shrink()
			}
			q.state = stateIdle
			close(q.idle)
			q.mu.Unlock()
			return
		}
		w := q.worker
		q.mu.Unlock()

		if err := q.run(w, item); err != nil {
			q.failed.Add(1)
			if !errors.Is(err, context.Canceled) {
				q.log.Error("queue worker error", logx.String("queue", q.name), logx.Err(err))
			}
		}
		q.processed.Add(1)
	}
}

func (q *Queue[T]) run(w Worker[T], item T) (err error) {
	if w == nil {
		return errors.New("asyncqueue: no worker")
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue worker panicked",
				logx.String("queue", q.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w(q.ctx, item)
}
