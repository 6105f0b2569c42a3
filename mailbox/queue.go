// Package mailbox provides the bounded, closeable FIFO queue used for actor
// mailboxes and reactor request queues.
//
// A Queue moves through three states. While open, Put blocks when the queue
// is full and Get blocks when it is empty. Close(true) enters the
// closing-drain state: new items are refused but Get keeps returning queued
// items until the queue is empty. Close(false), or draining the last item,
// makes the queue closed, after which every Get and Put fails with ErrClosed.
package mailbox

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("mailbox closed")

// ErrTimeout is returned by the timed variants when the deadline passes.
var ErrTimeout = errors.New("mailbox operation timed out")

// State is the lifecycle state of a Queue.
type State uint8

const (
	// StateOpen accepts puts and gets.
	StateOpen State = iota
	// StateDraining refuses puts, serves the remaining items.
	StateDraining
	// StateClosed refuses everything.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "closing-drain"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 64

// Queue is a bounded blocking FIFO queue.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	head     int
	count    int
	state    State
}

// New returns an open queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends item, blocking while the queue is full.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.state == StateOpen && q.count == len(q.items) {
		q.notFull.Wait()
	}
	if q.state != StateOpen {
		return ErrClosed
	}
	q.push(item)
	return nil
}

// TryPut appends item if there is room. It reports false when full.
func (q *Queue[T]) TryPut(item T) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateOpen {
		return false, ErrClosed
	}
	if q.count == len(q.items) {
		return false, nil
	}
	q.push(item)
	return true, nil
}

// Get removes and returns the oldest item, blocking while the queue is
// empty.
func (q *Queue[T]) Get() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.state == StateOpen && q.count == 0 {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// GetTimeout is Get with a deadline. It returns ErrTimeout when no item
// arrived within d.
func (q *Queue[T]) GetTimeout(d time.Duration) (T, error) {
	var zero T
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.state == StateOpen && q.count == 0 {
		if !time.Now().Before(deadline) {
			return zero, ErrTimeout
		}
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// TryGet returns the oldest item without blocking. ok is false when the
// queue is empty but still open.
func (q *Queue[T]) TryGet() (item T, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 && q.state == StateOpen {
		return item, false, nil
	}
	item, err = q.popLocked()
	if err != nil {
		return item, false, err
	}
	return item, true, nil
}

func (q *Queue[T]) push(item T) {
	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
	q.notEmpty.Signal()
}

func (q *Queue[T]) popLocked() (T, error) {
	var zero T
	if q.count == 0 {
		// only reachable once the queue stopped being open
		q.state = StateClosed
		return zero, ErrClosed
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	if q.count == 0 && q.state == StateDraining {
		q.state = StateClosed
		q.notEmpty.Broadcast()
	}
	q.notFull.Signal()
	return item, nil
}

// Close stops the queue from accepting items. With drain set, queued items
// remain readable until the queue empties; otherwise they are discarded.
// Blocked callers are woken. Closing twice is harmless.
func (q *Queue[T]) Close(drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateClosed {
		return
	}
	if drain && q.count > 0 {
		q.state = StateDraining
	} else {
		var zero T
		for i := range q.items {
			q.items[i] = zero
		}
		q.head, q.count = 0, 0
		q.state = StateClosed
	}
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Open reopens a closed queue, discarding nothing that is still queued.
func (q *Queue[T]) Open() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = StateOpen
}

// State returns the current lifecycle state.
func (q *Queue[T]) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}
