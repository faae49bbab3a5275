package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversToEachSubscriber(t *testing.T) {
	b := NewBroadcast()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish([]byte("hello"))

	require.Equal(t, []byte("hello"), <-ch1)
	require.Equal(t, []byte("hello"), <-ch2)
}

func TestBroadcastUnsubscribeShrinksSetImmediately(t *testing.T) {
	b := NewBroadcast()
	_, unsub := b.Subscribe()
	require.Equal(t, 1, b.Len())

	unsub()
	require.Equal(t, 0, b.Len())
}

func TestBroadcastBuffersUntilFirstSubscriberThenDrainsInOrder(t *testing.T) {
	b := NewBroadcast()
	b.Publish([]byte("first"))
	b.Publish([]byte("second"))
	require.Equal(t, 2, b.Buffered())

	ch, unsub := b.Subscribe()
	defer unsub()

	require.Equal(t, []byte("first"), <-ch)
	require.Equal(t, []byte("second"), <-ch)
	require.Equal(t, 0, b.Buffered())
}

func TestBroadcastPendingBufferEvictsOldest(t *testing.T) {
	b := NewBroadcast()
	for i := 0; i < pendingBufferCap+10; i++ {
		b.Publish([]byte{byte(i)})
	}
	require.Equal(t, pendingBufferCap, b.Buffered())

	ch, unsub := b.Subscribe()
	defer unsub()

	// The oldest 10 were evicted; the drain starts at payload #10.
	first := <-ch
	require.Equal(t, []byte{10}, first)
}

func TestBroadcastDropsRatherThanBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroadcast()
	_, unsub := b.Subscribe() // never drained
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*(pendingBufferCap+256); i++ {
			b.Publish([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber instead of dropping")
	}
}
