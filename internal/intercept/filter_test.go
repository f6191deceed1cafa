package intercept

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseFilterAccumulatesAndCompletesOnce(t *testing.T) {
	t.Parallel()

	var (
		calls int
		got   []byte
	)
	f := NewResponseFilter("req-1", func(data []byte) error {
		calls++
		got = data
		return nil
	})
	f.Init()

	require.NoError(t, f.OnChunk([]byte("hello ")))
	require.NoError(t, f.OnChunk([]byte("world")))
	require.False(t, f.Done())
	require.NoError(t, f.OnChunk(nil))
	require.NoError(t, f.OnChunk(nil))

	require.True(t, f.Done())
	require.Equal(t, 1, calls)
	require.Equal(t, []byte("hello world"), got)
	require.Equal(t, RequestID("req-1"), f.ID())
}

func TestResponseFilterDataIsSnapshot(t *testing.T) {
	t.Parallel()

	f := NewResponseFilter("req-2", nil)
	f.Init()
	require.NoError(t, f.OnChunk([]byte("abc")))

	snap := f.Data()
	snap[0] = 'X'
	require.NoError(t, f.OnChunk([]byte("def")))

	require.Equal(t, []byte("abcdef"), f.Data())
	require.Equal(t, byte('X'), snap[0])
}

func TestResponseFilterRequiresInit(t *testing.T) {
	t.Parallel()

	f := NewResponseFilter("req-3", nil)
	err := f.OnChunk([]byte("early"))
	require.True(t, errors.Is(err, ErrFilterNotInitialized))
	require.Nil(t, f.Data())
}

func TestResponseFilterPropagatesCallbackError(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	f := NewResponseFilter("req-4", func([]byte) error { return boom })
	f.Init()
	require.ErrorIs(t, f.OnChunk(nil), boom)
}
