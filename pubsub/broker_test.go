package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_DeliversInOrderToAllSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBroker[int]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := b.Subscribe(ctx)
	c := b.Subscribe(ctx)
	require.Equal(t, 2, b.SubscriberCount())

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(i))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, <-a)
		assert.Equal(t, i, <-c)
	}
}

func TestBroker_PublishBlocksInsteadOfDropping(t *testing.T) {
	t.Parallel()
	b := NewBrokerWithBuffer[int](1)
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			_ = b.Publish(i)
		}
	}()

	var got []int
	for i := 0; i < 5; i++ {
		select {
		case v := <-sub:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for value")
		}
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestBroker_CancelledSubscriberDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()
	b := NewBrokerWithBuffer[int](1)
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	require.NoError(t, b.Publish(1))

	done := make(chan struct{})
	go func() {
		_ = b.Publish(2)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked on a cancelled subscriber")
	}
	for range sub {
	}
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroker_Shutdown(t *testing.T) {
	t.Parallel()
	b := NewBroker[string]()
	sub := b.Subscribe(context.Background())

	b.Shutdown()
	b.Shutdown()

	_, ok := <-sub
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish("late"), ErrShutdown)

	closed := b.Subscribe(context.Background())
	_, ok = <-closed
	assert.False(t, ok)
}
