package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func connectedMemoryBus(t *testing.T) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func recv(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case p, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func requireNoDelivery(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case p := <-sub.Messages():
		t.Fatalf("unexpected payload %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusRoundTripDeliversExactlyOnce(t *testing.T) {
	b := connectedMemoryBus(t)
	sub, err := b.Subscribe(context.Background(), "demo")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(context.Background(), "demo", []byte(`{"message":"hello"}`)))
	require.Equal(t, `{"message":"hello"}`, string(recv(t, sub)))
	requireNoDelivery(t, sub)
}

func TestMemoryBusPreservesPublisherOrder(t *testing.T) {
	b := connectedMemoryBus(t)
	sub, err := b.Subscribe(context.Background(), "demo")
	require.NoError(t, err)
	defer sub.Close()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "demo", []byte(fmt.Sprintf("m%d", i))))
	}
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("m%d", i), string(recv(t, sub)))
	}
}

func TestMemoryBusFansOutToEverySubscriber(t *testing.T) {
	b := connectedMemoryBus(t)
	s1, err := b.Subscribe(context.Background(), "demo")
	require.NoError(t, err)
	defer s1.Close()
	s2, err := b.Subscribe(context.Background(), "demo")
	require.NoError(t, err)
	defer s2.Close()
	other, err := b.Subscribe(context.Background(), "other")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Publish(context.Background(), "demo", []byte("x")))
	require.Equal(t, "x", string(recv(t, s1)))
	require.Equal(t, "x", string(recv(t, s2)))
	requireNoDelivery(t, other)
}

func TestMemoryBusDoesNotReplayBacklog(t *testing.T) {
	b := connectedMemoryBus(t)
	require.NoError(t, b.Publish(context.Background(), "demo", []byte("before")))

	sub, err := b.Subscribe(context.Background(), "demo")
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, b.Publish(context.Background(), "demo", []byte("after")))
	require.Equal(t, "after", string(recv(t, sub)))
}

func TestMemoryBusSlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := connectedMemoryBus(t)
	sub, err := b.Subscribe(context.Background(), "demo")
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = b.Publish(context.Background(), "demo", []byte(fmt.Sprintf("m%d", i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an idle consumer")
	}
	require.Equal(t, "m0", string(recv(t, sub)))
}

func TestSubscriptionCloseReleasesRegistration(t *testing.T) {
	b := connectedMemoryBus(t)
	sub, err := b.Subscribe(context.Background(), "demo")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, ok := <-sub.Messages()
	require.False(t, ok)

	// Publishing with no subscribers left must not block.
	require.NoError(t, b.Publish(context.Background(), "demo", []byte("x")))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := connectedMemoryBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "demo")
	require.NoError(t, err)
	defer sub.Close()

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Messages():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBusUnavailableWhenNotConnected(t *testing.T) {
	b := NewMemoryBus(nil)
	err := b.Publish(context.Background(), "demo", []byte("x"))
	require.True(t, errors.Is(err, ErrBusUnavailable))

	_, err = b.Subscribe(context.Background(), "demo")
	require.True(t, errors.Is(err, ErrBusUnavailable))

	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.Close())
	err = b.Publish(context.Background(), "demo", []byte("x"))
	require.True(t, errors.Is(err, ErrBusUnavailable))
}

func TestMemoryBusRejectsEmptyChannel(t *testing.T) {
	b := connectedMemoryBus(t)
	require.ErrorContains(t, b.Publish(context.Background(), " ", []byte("x")), "channel name is empty")
	_, err := b.Subscribe(context.Background(), "")
	require.ErrorContains(t, err, "channel name is empty")
}
