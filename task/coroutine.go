package task

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Executor runs functions on a single logical thread of control. Reactors
// implement it; InlineExecutor runs functions in the calling goroutine.
type Executor interface {
	Post(fn func())
}

// stopper is implemented by executors that can stop running posted
// functions, such as reactors. Done is closed once they have stopped.
type stopper interface {
	Done() <-chan struct{}
}

// handoff delivers one function to an executor. If the executor stops
// before running it, abandon runs instead. Exactly one of the two runs.
type handoff struct {
	claimed atomic.Bool
	ran     chan struct{}
}

func newHandoff(exec Executor, abandon func()) *handoff {
	h := &handoff{ran: make(chan struct{})}
	if s, ok := exec.(stopper); ok {
		go func() {
			select {
			case <-h.ran:
			case <-s.Done():
				if h.claimed.CompareAndSwap(false, true) {
					abandon()
				}
			}
		}()
	}
	return h
}

func (h *handoff) post(exec Executor, fn func()) {
	exec.Post(func() {
		if h.claimed.CompareAndSwap(false, true) {
			close(h.ran)
			fn()
		}
	})
}

type inlineExecutor struct{}

func (inlineExecutor) Post(fn func()) { fn() }

// InlineExecutor runs posted functions immediately.
var InlineExecutor Executor = inlineExecutor{}

// Then returns a Task resolved by fn applied to the value of t. fn runs
// through exec. A failure of t skips fn and propagates. The returned Task
// is canceled if exec stops first.
func Then(t *Task, exec Executor, fn func(v any) (any, error)) *Task {
	if exec == nil {
		exec = InlineExecutor
	}
	next := New()
	h := newHandoff(exec, func() { next.Cancel() })
	t.OnResolved(func(src *Task) {
		h.post(exec, func() {
			v, err := src.Result()
			if err != nil {
				next.Fail(err)
				return
			}
			out, err := fn(v)
			if err != nil {
				next.Fail(err)
				return
			}
			next.Complete(out)
		})
	})
	return next
}

type resumption struct {
	value any
	err   error
}

// Co is the handle a coroutine body uses to suspend on other Tasks.
type Co struct {
	exec   Executor
	resume chan resumption
	yield  chan *Task
}

// Await suspends the coroutine until t is resolved and returns its result.
// A failure of t is returned as the error, which is how failures are raised
// at the suspension point.
func (co *Co) Await(t *Task) (any, error) {
	co.yield <- t
	r := <-co.resume
	return r.value, r.err
}

type outcome struct {
	value any
	err   error
}

// Go starts body as a coroutine driven by exec. The body runs only while
// the driver has handed control to it from exec, so its steps are
// serialized with everything else exec runs. Whenever the body awaits a
// Task, the driver returns control to exec; it resumes the body from exec
// once the awaited Task is resolved. The returned Task resolves with the
// body's result. If exec stops while the body is suspended, the Task is
// canceled and every Await the body still makes fails with ErrCanceled.
func Go(exec Executor, body func(co *Co) (any, error)) *Task {
	if exec == nil {
		exec = InlineExecutor
	}
	result := New()
	co := &Co{
		exec:   exec,
		resume: make(chan resumption),
		yield:  make(chan *Task),
	}
	finished := make(chan outcome, 1)

	// abandon lets a suspended body run to completion off the executor.
	abandon := func() {
		result.Cancel()
		go func() {
			co.resume <- resumption{err: ErrCanceled}
			for {
				select {
				case <-co.yield:
					co.resume <- resumption{err: ErrCanceled}
				case <-finished:
					return
				}
			}
		}()
	}

	// step blocks the executor until the body either yields or returns.
	var step func(start bool, r resumption)
	step = func(start bool, r resumption) {
		if start {
			go func() {
				defer func() {
					if p := recover(); p != nil {
						failure := NewTaskFailure(fmt.Errorf("coroutine panic: %v", p))
						logrus.WithFields(logrus.Fields{
							"function": "Go",
							"panic":    fmt.Sprint(p),
						}).Error("Coroutine body panicked")
						finished <- outcome{err: failure}
					}
				}()
				v, err := body(co)
				finished <- outcome{value: v, err: err}
			}()
		} else {
			co.resume <- r
		}

		select {
		case awaited := <-co.yield:
			h := newHandoff(exec, abandon)
			awaited.OnResolved(func(t *Task) {
				v, err := t.Result()
				h.post(exec, func() { step(false, resumption{value: v, err: err}) })
			})
		case out := <-finished:
			if out.err != nil {
				result.Fail(out.err)
				return
			}
			result.Complete(out.value)
		}
	}

	start := newHandoff(exec, func() { result.Cancel() })
	start.post(exec, func() { step(true, resumption{}) })
	return result
}
