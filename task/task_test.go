package task

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskResolvesOnce(t *testing.T) {
	tests := []struct {
		name    string
		first   func(*Task) error
		second  func(*Task) error
		wantVal any
		wantErr error
	}{
		{
			name:    "complete_then_complete",
			first:   func(t *Task) error { return t.Complete(1) },
			second:  func(t *Task) error { return t.Complete(2) },
			wantVal: 1,
		},
		{
			name:    "complete_then_fail",
			first:   func(t *Task) error { return t.Complete("ok") },
			second:  func(t *Task) error { return t.Fail(errors.New("late")) },
			wantVal: "ok",
		},
		{
			name:    "fail_then_complete",
			first:   func(t *Task) error { return t.Fail(errBoom) },
			second:  func(t *Task) error { return t.Complete(3) },
			wantErr: errBoom,
		},
		{
			name:    "cancel_then_fail",
			first:   func(t *Task) error { return t.Cancel() },
			second:  func(t *Task) error { return t.Fail(errBoom) },
			wantErr: ErrCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New()
			require.NoError(t, tt.first(tk))
			assert.ErrorIs(t, tt.second(tk), ErrAlreadyResolved)

			v, err := tk.Wait()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, v)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.wantVal, v)
			}
		})
	}
}

var errBoom = errors.New("boom")

func TestWaitAfterResolutionReturnsImmediately(t *testing.T) {
	tk := Completed(42)
	start := time.Now()
	v, err := tk.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitBlocksUntilResolved(t *testing.T) {
	tk := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		tk.Complete("later")
	}()
	v, err := tk.Wait()
	require.NoError(t, err)
	assert.Equal(t, "later", v)
}

func TestWaitTimeoutDoesNotCancel(t *testing.T) {
	tk := New()
	_, err := tk.WaitTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, StatePending, tk.State())

	require.NoError(t, tk.Complete("still usable"))
	v, err := tk.WaitTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still usable", v)
}

func TestOnResolvedBeforeAndAfter(t *testing.T) {
	tk := New()
	var order []string
	tk.OnResolved(func(*Task) { order = append(order, "first") })
	tk.OnResolved(func(*Task) { order = append(order, "second") })
	require.NoError(t, tk.Complete(nil))
	tk.OnResolved(func(*Task) { order = append(order, "late") })
	assert.Equal(t, []string{"first", "second", "late"}, order)
}

func TestContinuationMayReenterTask(t *testing.T) {
	tk := New()
	var state State
	tk.OnResolved(func(t *Task) {
		// would deadlock if continuations ran under the lock
		state = t.State()
	})
	require.NoError(t, tk.Fail(errBoom))
	assert.Equal(t, StateFailed, state)
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	tk := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if tk.Complete(i) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, Canceled().IsCanceled())
	assert.False(t, Failed(errBoom).IsCanceled())
	assert.False(t, Completed(1).IsCanceled())
}

func TestForward(t *testing.T) {
	src, dst := New(), New()
	src.Forward(dst)
	require.NoError(t, src.Fail(errBoom))
	_, err := dst.Wait()
	assert.ErrorIs(t, err, errBoom)
}

func TestTaskFailureUnwraps(t *testing.T) {
	f := NewTaskFailure(errBoom)
	assert.ErrorIs(t, f, errBoom)
	assert.NotEmpty(t, f.Stack)
	assert.Contains(t, f.Error(), "boom")
}
