// Package queue provides an unbounded multi-producer, single-consumer FIFO.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

var (
	ErrClosed  = errors.New("queue is closed")
	ErrTimeout = errors.New("queue receive timed out")
)

// Queue never blocks producers. Items are delivered in push order and are
// dropped when the queue is closed.
type Queue[T any] struct {
	mu     sync.Mutex
	items  *deque.Deque[T]
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  deque.New[T](),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items.PushBack(v)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// TryPop returns the head of the queue without waiting.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.items.Len() == 0 {
		return
	}
	return q.items.PopFront(), true
}

// Wait fires after a push. Callers drain with TryPop after every wakeup,
// a single wakeup may cover several items.
func (q *Queue[T]) Wait() <-chan struct{} { return q.signal }

// Done is closed once the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

func (q *Queue[T]) Pop(ctx context.Context) (v T, err error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		select {
		case <-q.signal:
		case <-q.done:
			return v, ErrClosed
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

func (q *Queue[T]) PopTimeout(d time.Duration) (v T, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err = q.Pop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close drops pending items. Closing twice is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items.Clear()
	close(q.done)
}

func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
