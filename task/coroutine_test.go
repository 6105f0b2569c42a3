package task

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopExecutor runs posted functions on one goroutine, like a reactor.
type loopExecutor struct {
	queue chan func()
}

func newLoopExecutor() *loopExecutor {
	e := &loopExecutor{queue: make(chan func(), 64)}
	go func() {
		for fn := range e.queue {
			fn()
		}
	}()
	return e
}

func (e *loopExecutor) Post(fn func()) { e.queue <- fn }

func (e *loopExecutor) stop() { close(e.queue) }

// stoppingExecutor is a loopExecutor that can be stopped while tasks are
// still posting to it, like a closed reactor.
type stoppingExecutor struct {
	mu      sync.Mutex
	stopped bool
	queue   chan func()
	done    chan struct{}
}

func newStoppingExecutor() *stoppingExecutor {
	e := &stoppingExecutor{queue: make(chan func(), 64), done: make(chan struct{})}
	go func() {
		defer close(e.done)
		for fn := range e.queue {
			fn()
		}
	}()
	return e
}

func (e *stoppingExecutor) Post(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.queue <- fn
	}
}

func (e *stoppingExecutor) Done() <-chan struct{} { return e.done }

func (e *stoppingExecutor) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.stopped = true
		close(e.queue)
	}
}

func TestGoSequencesAwaits(t *testing.T) {
	exec := newLoopExecutor()
	defer exec.stop()

	a, b := New(), New()
	result := Go(exec, func(co *Co) (any, error) {
		x, err := co.Await(a)
		if err != nil {
			return nil, err
		}
		y, err := co.Await(b)
		if err != nil {
			return nil, err
		}
		return x.(int) + y.(int), nil
	})

	go func() {
		time.Sleep(5 * time.Millisecond)
		a.Complete(2)
		time.Sleep(5 * time.Millisecond)
		b.Complete(40)
	}()

	v, err := result.WaitTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGoRaisesFailureAtSuspensionPoint(t *testing.T) {
	exec := newLoopExecutor()
	defer exec.stop()

	var caught error
	result := Go(exec, func(co *Co) (any, error) {
		_, err := co.Await(Failed(errBoom))
		caught = err
		return "recovered", nil
	})

	v, err := result.WaitTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.ErrorIs(t, caught, errBoom)
}

func TestGoPropagatesUnhandledError(t *testing.T) {
	result := Go(InlineExecutor, func(co *Co) (any, error) {
		if _, err := co.Await(Canceled()); err != nil {
			return nil, err
		}
		return nil, nil
	})
	_, err := result.WaitTimeout(time.Second)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestGoPanicBecomesTaskFailure(t *testing.T) {
	result := Go(InlineExecutor, func(co *Co) (any, error) {
		panic("kaboom")
	})
	_, err := result.WaitTimeout(time.Second)
	var failure *TaskFailure
	require.True(t, errors.As(err, &failure))
	assert.Contains(t, failure.Error(), "kaboom")
}

func TestThenChains(t *testing.T) {
	src := New()
	out := Then(src, nil, func(v any) (any, error) {
		return v.(string) + "!", nil
	})
	require.NoError(t, src.Complete("hi"))
	v, err := out.Wait()
	require.NoError(t, err)
	assert.Equal(t, "hi!", v)

	failed := Then(Failed(errBoom), nil, func(v any) (any, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	_, err = failed.Wait()
	assert.ErrorIs(t, err, errBoom)
}

func TestGoCanceledWhenExecutorStops(t *testing.T) {
	exec := newStoppingExecutor()
	gate := New()
	suspended := make(chan struct{})
	later := make(chan error, 1)

	result := Go(exec, func(co *Co) (any, error) {
		close(suspended)
		_, err := co.Await(gate)
		_, again := co.Await(New())
		later <- again
		return nil, err
	})

	<-suspended
	exec.stop()
	<-exec.Done()
	require.NoError(t, gate.Complete("late"))

	_, err := result.WaitTimeout(time.Second)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.True(t, result.IsCanceled())

	select {
	case err := <-later:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("body still suspended after the executor stopped")
	}
}

func TestGoCanceledWhenExecutorAlreadyStopped(t *testing.T) {
	exec := newStoppingExecutor()
	exec.stop()
	<-exec.Done()

	ran := false
	result := Go(exec, func(co *Co) (any, error) {
		ran = true
		return nil, nil
	})
	_, err := result.WaitTimeout(time.Second)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.False(t, ran)
}

func TestThenCanceledWhenExecutorStops(t *testing.T) {
	exec := newStoppingExecutor()
	src := New()
	next := Then(src, exec, func(v any) (any, error) {
		t.Error("must not run after the executor stopped")
		return v, nil
	})

	exec.stop()
	<-exec.Done()
	require.NoError(t, src.Complete(1))

	_, err := next.WaitTimeout(time.Second)
	assert.ErrorIs(t, err, ErrCanceled)
}
