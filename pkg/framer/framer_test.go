package framer

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembler_Exact(t *testing.T) {
	a := New(6, true)

	assert.Empty(t, a.Feed([]byte{1, 2}))
	frames := a.Feed([]byte{3, 4, 5, 6, 7})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, frames[0])
	assert.Equal(t, 1, a.Buffered())

	assert.Empty(t, a.Feed([]byte{8, 9, 10}))
	assert.Equal(t, 4, a.Buffered())

	rest := a.Flush()
	require.Len(t, rest, 1)
	assert.Equal(t, []byte{7, 8, 9, 10}, rest[0])
	assert.Zero(t, a.Buffered())
}

func TestAssembler_NonExact(t *testing.T) {
	a := New(4, false)

	assert.Empty(t, a.Feed([]byte{1, 2, 3}))
	frames := a.Feed([]byte{4, 5, 6})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, frames[0])
	assert.Zero(t, a.Buffered())
	assert.Empty(t, a.Flush())
}

func TestAssembler_LargeChunkYieldsSeveralFrames(t *testing.T) {
	a := New(3, true)

	frames := a.Feed([]byte{1, 2, 3, 4, 5, 6, 7})
	assert.Equal(t, [][]byte{{1, 2, 3}, {4, 5, 6}}, frames)
	assert.Equal(t, [][]byte{{7}}, a.Flush())
}

func TestAssembler_FlushSplitsAtBoundary(t *testing.T) {
	a := New(4, false)
	a.buffer = []byte{1, 2, 3, 4, 5, 6}

	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6}}, a.Flush())
}

func TestAssembler_ExactPreservesStream(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		size := 1 + rng.Intn(16)
		a := New(size, true)

		var input, output []byte
		var frames [][]byte
		for n := rng.Intn(20); n > 0; n-- {
			chunk := make([]byte, rng.Intn(24))
			rng.Read(chunk)
			input = append(input, chunk...)
			frames = append(frames, a.Feed(chunk)...)
		}
		full := len(frames)
		frames = append(frames, a.Flush()...)

		for i, f := range frames {
			if i < full {
				require.Len(t, f, size)
			} else {
				require.LessOrEqual(t, len(f), size)
			}
			output = append(output, f...)
		}
		require.True(t, bytes.Equal(input, output), "size=%d", size)
	}
}

func TestAssembler_Run(t *testing.T) {
	a := New(6, true)
	in := make(chan []byte)
	out := make(chan []byte, 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, in, out) }()

	in <- []byte{1, 2}
	in <- []byte{3, 4, 5, 6, 7}
	in <- []byte{8, 9, 10}

	select {
	case f := <-out:
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, f)
	case <-ctx.Done():
		t.Fatal("no frame assembled")
	}

	close(in)
	require.NoError(t, <-done)

	var rest [][]byte
	for f := range out {
		rest = append(rest, f)
	}
	assert.Equal(t, [][]byte{{7, 8, 9, 10}}, rest)
}

func TestAssembler_RunCancelled(t *testing.T) {
	a := New(2, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan []byte)
	err := a.Run(ctx, make(chan []byte), out)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := <-out
	assert.False(t, ok)
}

func TestNew_PanicsOnZeroSize(t *testing.T) {
	assert.Panics(t, func() { New(0, true) })
}
