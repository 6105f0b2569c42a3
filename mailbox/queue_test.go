package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New[string](4)
	for _, s := range []string{"foo", "bar", "baz"} {
		require.NoError(t, q.Put(s))
	}
	for _, want := range []string{"foo", "bar", "baz"} {
		got, err := q.Get()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPutBlocksWhenFull(t *testing.T) {
	const capacity = 3
	q := New[int](capacity)
	for i := 0; i < capacity; i++ {
		require.NoError(t, q.Put(i))
	}

	done := make(chan error, 1)
	go func() { done <- q.Put(capacity) }()

	select {
	case <-done:
		t.Fatal("put on a full queue returned before any get")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put stayed blocked after a get")
	}
	assert.Equal(t, capacity, q.Len())
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New[int](1)
	got := make(chan int, 1)
	go func() {
		v, err := q.Get()
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Put(7))
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("get never returned")
	}
}

func TestCloseStates(t *testing.T) {
	tests := []struct {
		name      string
		drain     bool
		queued    int
		wantState State
		wantReads int
	}{
		{name: "close_discards", drain: false, queued: 2, wantState: StateClosed, wantReads: 0},
		{name: "close_drains", drain: true, queued: 2, wantState: StateDraining, wantReads: 2},
		{name: "drain_empty_closes", drain: true, queued: 0, wantState: StateClosed, wantReads: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New[int](4)
			for i := 0; i < tt.queued; i++ {
				require.NoError(t, q.Put(i))
			}
			q.Close(tt.drain)
			assert.Equal(t, tt.wantState, q.State())
			assert.ErrorIs(t, q.Put(99), ErrClosed)

			reads := 0
			for {
				_, err := q.Get()
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					break
				}
				reads++
			}
			assert.Equal(t, tt.wantReads, reads)
			assert.Equal(t, StateClosed, q.State())
		})
	}
}

func TestCloseWakesBlockedCallers(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Put(1))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- q.Put(2)
	}()
	empty := New[int](1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := empty.Get()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close(false)
	empty.Close(false)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestTryGetAndTryPut(t *testing.T) {
	q := New[int](1)
	_, ok, err := q.TryGet()
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.TryPut(1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.TryPut(2)
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := q.TryGet()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	q.Close(false)
	_, _, err = q.TryGet()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGetTimeout(t *testing.T) {
	q := New[int](1)
	_, err := q.GetTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, q.Put(5))
	v, err := q.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestReopen(t *testing.T) {
	q := New[int](2)
	q.Close(false)
	q.Open()
	require.NoError(t, q.Put(1))
	assert.Equal(t, StateOpen, q.State())
}
