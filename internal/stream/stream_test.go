package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intEqual(a, b int) bool { return a == b }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := NewRingChannel[int](2)
	for i := 1; i <= 5; i++ {
		assert.True(t, rc.Send(i))
	}
	assert.Equal(t, int64(3), rc.Overwritten())

	rc.Close()
	assert.False(t, rc.Send(6))

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{4, 5}, got)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[string](4)

	a, cancelA := b.Subscribe()
	c, _ := b.Subscribe()
	assert.Equal(t, 2, b.Len())

	b.Publish("one")
	assert.Equal(t, "one", receive(t, a))
	assert.Equal(t, "one", receive(t, c))

	cancelA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())

	b.Reset()
	_, ok = <-c
	assert.False(t, ok)

	d, _ := b.Subscribe()
	b.Publish("two")
	assert.Equal(t, "two", receive(t, d))

	b.Close()
	_, ok = <-d
	assert.False(t, ok)

	e, _ := b.Subscribe()
	_, ok = <-e
	assert.False(t, ok)
}

func TestRelay_ReplaysLatestAndDropsDuplicates(t *testing.T) {
	r := NewRelay(0, intEqual)

	assert.False(t, r.Publish(0))
	assert.True(t, r.Publish(1))

	ch, cancel := r.Subscribe()
	defer cancel()
	assert.Equal(t, 1, receive(t, ch))

	assert.False(t, r.Publish(1))
	assert.True(t, r.Publish(2))
	assert.Equal(t, 2, receive(t, ch))
	assert.Equal(t, 2, r.Value())

	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan int)
	out := Debounce(ctx, in, 50*time.Millisecond, intEqual)

	t.Run("collapses bursts to the last value", func(t *testing.T) {
		in <- 1
		in <- 2
		in <- 3
		assert.Equal(t, 3, receive(t, out))
	})

	t.Run("suppresses repeats of the last emitted value", func(t *testing.T) {
		in <- 4
		in <- 3
		// 3 was the last value forwarded
		select {
		case v := <-out:
			t.Fatalf("unexpected value %d", v)
		case <-time.After(150 * time.Millisecond):
		}
	})

	t.Run("flushes the pending value on close", func(t *testing.T) {
		in <- 7
		close(in)
		assert.Equal(t, 7, receive(t, out))
		_, ok := <-out
		assert.False(t, ok)
	})
}

func TestBroadcaster_SubscribeWithReplay(t *testing.T) {
	b := NewBroadcaster[int](2)
	other, cancelOther := b.Subscribe()
	defer cancelOther()

	replay := make([]int, 40)
	for i := range replay {
		replay[i] = i
	}
	ch, cancel := b.SubscribeWith(0, replay...)
	defer cancel()
	b.Publish(40)

	for i := 0; i <= 40; i++ {
		assert.Equal(t, i, receive(t, ch))
	}
	assert.Equal(t, 40, receive(t, other), "replay goes to the new subscriber only")
	assert.Zero(t, b.Overwritten())
}

func TestBroadcaster_CountsOverwritten(t *testing.T) {
	b := NewBroadcaster[int](2)
	_, cancel := b.Subscribe()
	for i := 0; i < 5; i++ {
		b.Publish(i)
	}
	assert.EqualValues(t, 3, b.Overwritten())

	cancel()
	assert.EqualValues(t, 3, b.Overwritten(), "kept after the subscriber is gone")

	_, cancel = b.Subscribe()
	for i := 0; i < 3; i++ {
		b.Publish(i)
	}
	b.Reset()
	assert.EqualValues(t, 4, b.Overwritten())
	cancel()
}
