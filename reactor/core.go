package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"

	"github.com/xya/spark/task"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateClosed
)

// core holds the lifecycle and the pending-operation table shared by the
// completion and thread-pool backends.
type core struct {
	kind  Kind
	state atomic.Int32
	halt  *idem.Halter

	mu      sync.Mutex
	next    uint64
	pending map[uint64]*task.Task
}

func (c *core) init(kind Kind, self any) {
	c.kind = kind
	c.halt = idem.NewHalterNamed(fmt.Sprintf("reactor(%s %p)", kind, self))
	c.pending = make(map[uint64]*task.Task)
}

func (c *core) Kind() Kind { return c.kind }

func (c *core) Done() <-chan struct{} { return c.halt.Done.Chan }

func (c *core) closed() bool { return c.state.Load() == stateClosed }

// begin moves the loop from idle to running.
func (c *core) begin() error {
	if c.state.CompareAndSwap(stateIdle, stateRunning) {
		logrus.WithFields(logrus.Fields{
			"function": "begin",
			"kind":     c.kind.String(),
		}).Debug("Reactor loop starting")
		return nil
	}
	if c.closed() {
		return ErrClosed
	}
	return ErrAlreadyRunning
}

// shut marks the reactor closed. It reports whether the loop was running
// and false as second value when it was already closed.
func (c *core) shut() (wasRunning, changed bool) {
	for {
		s := c.state.Load()
		if s == stateClosed {
			return false, false
		}
		if c.state.CompareAndSwap(s, stateClosed) {
			c.halt.ReqStop.Close()
			return s == stateRunning, true
		}
	}
}

// register allocates a token for a new operation. A closed reactor yields
// a canceled Task and ok false.
func (c *core) register() (token uint64, t *task.Task, ok bool) {
	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return 0, task.Canceled(), false
	}
	c.next++
	token = c.next
	t = task.New()
	c.pending[token] = t
	c.mu.Unlock()
	return token, t, true
}

// take removes and returns the Task for token, or nil if it is gone.
func (c *core) take(token uint64) *task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.pending[token]
	delete(c.pending, token)
	return t
}

// cancelAll cancels every pending Task. Must run after shut.
func (c *core) cancelAll() {
	c.mu.Lock()
	tasks := make([]*task.Task, 0, len(c.pending))
	for token, t := range c.pending {
		tasks = append(tasks, t)
		delete(c.pending, token)
	}
	c.mu.Unlock()

	if len(tasks) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "cancelAll",
			"kind":     c.kind.String(),
			"canceled": len(tasks),
		}).Debug("Canceling pending operations")
	}
	for _, t := range tasks {
		t.Cancel()
	}
}

// finish marks the loop as exited.
func (c *core) finish() {
	c.halt.ReqStop.Close()
	c.halt.Done.Close()
	logrus.WithFields(logrus.Fields{
		"function": "finish",
		"kind":     c.kind.String(),
	}).Debug("Reactor loop stopped")
}
