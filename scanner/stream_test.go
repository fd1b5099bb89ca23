package scanner_test

import (
	"bytes"
	"testing"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/pool"
	"github.com/momentics/vox/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSingleChunkIsZeroCopy(t *testing.T) {
	arena := pool.NewArena(0)
	st := scanner.NewStream(arena, 0)
	defer st.Destroy()

	chunk := []byte("line one\r\n")
	require.NoError(t, st.Feed(chunk))
	view := st.Scanner().Bytes()
	require.Len(t, view, len(chunk))
	assert.Same(t, &chunk[0], &view[0])
	assert.Zero(t, arena.Stats().InUseBlocks, "no staging buffer for a single chunk")

	line := st.Scanner().GetUntilStr([]byte("\r\n"), true)
	assert.Same(t, &chunk[0], &line[0])
	require.NoError(t, st.Consume(st.Scanned()))
	assert.Zero(t, st.Pending())

	// a fresh single chunk after a full consume is viewed directly again
	next := []byte("line two")
	require.NoError(t, st.Feed(next))
	view = st.Scanner().Bytes()
	assert.Same(t, &next[0], &view[0])
}

func TestStreamStagesAcrossChunks(t *testing.T) {
	arena := pool.NewArena(0)
	st := scanner.NewStream(arena, 0)

	require.NoError(t, st.Feed([]byte("hel")))
	s := st.Scanner()
	assert.Equal(t, "hel", string(s.GetUntilStr([]byte("\r\n"), false)))
	// nothing found; rewind so the delimiter search can be retried
	s.Restore(scanner.State{})

	require.NoError(t, st.Feed([]byte("lo\r")))
	require.NoError(t, st.Feed([]byte("\nworld")))
	assert.Equal(t, 3, st.Chunks())
	assert.Equal(t, "hello\r\nworld", string(s.Bytes()))

	assert.Equal(t, "hello", string(s.GetUntilStr([]byte("\r\n"), false)))
	assert.Positive(t, arena.Stats().InUseBlocks)

	st.Destroy()
	assert.Zero(t, arena.Stats().InUseBlocks)
}

func TestStreamCursorSurvivesRebuild(t *testing.T) {
	st := scanner.NewStream(pool.NewArena(0), 0)
	defer st.Destroy()

	require.NoError(t, st.Feed([]byte("abc")))
	st.Scanner().Skip(2)
	require.NoError(t, st.Feed([]byte("def")))
	assert.Equal(t, 2, st.Scanned())
	assert.Equal(t, "cdef", string(st.Scanner().Rest()))
}

func TestStreamConsume(t *testing.T) {
	arena := pool.NewArena(0)
	st := scanner.NewStream(arena, 0)
	defer st.Destroy()

	require.NoError(t, st.Feed([]byte("aaaa")))
	require.NoError(t, st.Feed([]byte("bbbb")))
	require.NoError(t, st.Feed([]byte("cccc")))

	assert.ErrorIs(t, st.Consume(1), api.ErrInvalidArgument, "nothing scanned yet")
	assert.ErrorIs(t, st.Consume(-1), api.ErrInvalidArgument)

	st.Scanner().Skip(6)
	assert.ErrorIs(t, st.Consume(7), api.ErrInvalidArgument)
	require.NoError(t, st.Consume(6))
	assert.Equal(t, 6, st.Pending())
	assert.Equal(t, 2, st.Chunks(), "first chunk dropped, second trimmed")
	assert.Zero(t, st.Scanned())
	assert.Equal(t, "bbcccc", string(st.Scanner().Rest()))

	st.Scanner().Skip(2)
	require.NoError(t, st.Consume(2))
	assert.Equal(t, 1, st.Chunks())
	assert.Equal(t, "cccc", string(st.Scanner().Bytes()))
}

func TestStreamPartialMatch(t *testing.T) {
	st := scanner.NewStream(pool.NewArena(0), 0)
	defer st.Destroy()

	needle := []byte("\r\n--XYZ")
	require.NoError(t, st.Feed([]byte("body bytes\r\n--X")))
	assert.True(t, st.CheckPartialMatch(needle))

	st.Scanner().Skip(st.Scanner().Remaining())
	assert.False(t, st.CheckPartialMatch(needle), "scanned bytes are not inspected")

	assert.Equal(t, 0, scanner.PartialMatchLen([]byte("abc"), needle))
	assert.Equal(t, 1, scanner.PartialMatchLen([]byte("abc\r"), needle))
	assert.Equal(t, 0, scanner.PartialMatchLen([]byte("x\r\n--XYZ"), needle), "a full match is not partial")
}

// drain extracts CRLF-terminated lines the way a protocol parser would:
// search, back off when the delimiter is incomplete, consume what was scanned.
func drain(t *testing.T, st *scanner.StreamScanner, out *[]string) {
	t.Helper()
	s := st.Scanner()
	for {
		save := s.Save()
		line := s.GetUntilStr([]byte("\r\n"), false)
		if s.EOF() {
			s.Restore(save)
			break
		}
		s.Skip(2)
		*out = append(*out, string(line))
	}
	require.NoError(t, st.Consume(st.Scanned()))
}

func TestStreamMultiChunkEquivalence(t *testing.T) {
	msg := []byte("alpha\r\nbeta\r\n\r\ngamma delta\r\nz\r\n")

	var whole []string
	ref := scanner.NewStream(pool.NewArena(0), 0)
	require.NoError(t, ref.Feed(msg))
	drain(t, ref, &whole)
	ref.Destroy()
	require.Equal(t, []string{"alpha", "beta", "", "gamma delta", "z"}, whole)

	for size := 1; size <= len(msg); size++ {
		arena := pool.NewArena(0)
		st := scanner.NewStream(arena, 0)
		var got []string
		for off := 0; off < len(msg); off += size {
			chunk := msg[off:min(off+size, len(msg))]
			require.NoError(t, st.Feed(chunk))
			drain(t, st, &got)
		}
		assert.Equal(t, whole, got, "chunk size %d", size)
		assert.Zero(t, st.Pending())
		st.Destroy()
		assert.Zero(t, arena.Stats().InUseBlocks)
	}
}

func TestStreamStagingMatchesChunks(t *testing.T) {
	st := scanner.NewStream(pool.NewArena(0), 0)
	defer st.Destroy()

	var want []byte
	for i := range 50 {
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, i+1)
		want = append(want, chunk...)
		require.NoError(t, st.Feed(chunk))
		require.Equal(t, want, st.Scanner().Bytes())
	}
	st.Scanner().Skip(100)
	require.NoError(t, st.Consume(100))
	assert.Equal(t, want[100:], st.Scanner().Bytes())
}

func TestStreamArenaExhausted(t *testing.T) {
	st := scanner.NewStream(pool.NewArena(16), 0)
	require.NoError(t, st.Feed(make([]byte, 40)))
	assert.ErrorIs(t, st.Feed(make([]byte, 40)), api.ErrResourceExhausted)
}

func TestStreamReset(t *testing.T) {
	st := scanner.NewStream(pool.NewArena(0), scanner.SkipWS)
	require.NoError(t, st.Feed([]byte("a")))
	require.NoError(t, st.Feed([]byte("b")))
	st.Reset()
	assert.Zero(t, st.Pending())
	assert.Zero(t, st.Chunks())
	assert.True(t, st.Scanner().EOF())
	assert.Equal(t, scanner.SkipWS, st.Scanner().Options())
	st.Destroy()
}
