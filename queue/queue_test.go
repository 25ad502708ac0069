package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FirstRunsRestQueue(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 5, 20} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			q := New()
			reqs := make([]*Request, n)
			runNow := 0
			for i := range reqs {
				reqs[i] = NewRequest(fmt.Sprint(i), "p", nil)
				if q.Enqueue(reqs[i]) == RunNow {
					runNow++
				}
			}
			assert.Equal(t, 1, runNow)
			assert.Equal(t, n-1, q.Len())
			assert.Same(t, reqs[0], q.InFlight())

			for i := 1; i < n; i++ {
				next, err := q.OnComplete(StatusCompleted)
				require.NoError(t, err)
				require.Same(t, reqs[i], next, "release order must be FIFO")
				assert.Equal(t, StatusInFlight, next.Status())
				assert.Equal(t, StatusCompleted, reqs[i-1].Status())
			}
			next, err := q.OnComplete(StatusCompleted)
			require.NoError(t, err)
			assert.Nil(t, next)
			assert.Nil(t, q.InFlight())
			assert.Equal(t, 0, q.Len())
		})
	}
}

func TestQueue_OnCompleteWithoutInFlight(t *testing.T) {
	t.Parallel()
	q := New()
	_, err := q.OnComplete(StatusCompleted)
	assert.ErrorIs(t, err, ErrNothingInFlight)
}

func TestQueue_FailedStatusAndCoercion(t *testing.T) {
	t.Parallel()
	q := New()
	a := NewRequest("a", "x", nil)
	b := NewRequest("b", "y", nil)
	assert.Equal(t, RunNow, q.Enqueue(a))
	assert.Equal(t, Queued, q.Enqueue(b))
	assert.Equal(t, StatusQueued, b.Status())

	next, err := q.OnComplete(StatusInFlight)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, a.Status(), "non-terminal status is coerced to failed")
	_, finished := a.FinishedAt()
	assert.True(t, finished)
	assert.Same(t, b, next)
	_, admitted := b.AdmittedAt()
	assert.True(t, admitted)
	_, finished = b.FinishedAt()
	assert.False(t, finished)
}

func TestRequest_TimestampsReadableDuringTransitions(t *testing.T) {
	t.Parallel()
	q := New()
	reqs := make([]*Request, 20)
	for i := range reqs {
		reqs[i] = NewRequest(fmt.Sprint(i), "p", nil)
		q.Enqueue(reqs[i])
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range reqs {
			_, err := q.OnComplete(StatusCompleted)
			if err != nil {
				return
			}
		}
	}()
	for _, r := range reqs {
		admitted, _ := r.AdmittedAt()
		finished, ok := r.FinishedAt()
		if ok {
			assert.False(t, finished.Before(admitted))
		}
	}
	<-done

	for _, r := range reqs {
		assert.Equal(t, StatusCompleted, r.Status())
		admitted, ok := r.AdmittedAt()
		require.True(t, ok)
		finished, ok := r.FinishedAt()
		require.True(t, ok)
		assert.False(t, finished.Before(admitted))
	}
}

func TestQueue_ConcurrentEnqueueAdmitsOne(t *testing.T) {
	t.Parallel()
	q := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	runNow := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if q.Enqueue(NewRequest(fmt.Sprint(i), "p", nil)) == RunNow {
				mu.Lock()
				runNow++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, runNow)
	assert.Equal(t, 49, q.Len())
}

func TestQueue_Drain(t *testing.T) {
	t.Parallel()
	q := New()
	a := NewRequest("a", "x", nil)
	b := NewRequest("b", "y", nil)
	q.Enqueue(a)
	q.Enqueue(b)

	drained := q.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, StatusFailed, b.Status())
	assert.Same(t, a, q.InFlight())
	assert.Empty(t, q.Pending())
}
