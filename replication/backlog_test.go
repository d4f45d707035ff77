package replication

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"
)

func TestBacklog_OffsetInvariant(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	b.Feed([]byte("hello"))
	b.Feed([]byte(" world"))

	assert.Equal(t, b.MasterOffset(), int64(11))
	assert.Equal(t, b.FirstOffset()+int64(b.HistoryLen())-1, b.MasterOffset())
}

func TestBacklog_MasterOffsetTracksTotalBytesFed(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	total := int64(0)
	for _, chunk := range []string{"a", "bb", "ccc", "dddd"} {
		total += int64(len(chunk))
		b.Feed([]byte(chunk))
	}
	assert.Equal(t, b.MasterOffset(), total)
}

func TestBacklog_ReadRangeReproducesExactBytes(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	b.Feed([]byte("SET a 1"))
	b.Feed([]byte("SET b 2"))
	b.Feed([]byte("SET c 3"))

	out, err := b.ReadRange(1)
	assert.NilError(t, err)
	assert.Equal(t, string(out), "SET a 1SET b 2SET c 3")

	out, err = b.ReadRange(8)
	assert.NilError(t, err)
	assert.Equal(t, string(out), "SET b 2SET c 3")
}

func TestBacklog_PSyncBoundary(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	b.Feed(bytes.Repeat([]byte("x"), 100))

	// exactly first_offset succeeds
	_, err := b.ReadRange(b.FirstOffset())
	assert.NilError(t, err)

	// first_offset - 1 fails
	_, err = b.ReadRange(b.FirstOffset() - 1)
	assert.ErrorIs(t, err, ErrOffsetNotInBacklog)

	// master_offset + 1 returns an empty, non-nil stream
	out, err := b.ReadRange(b.MasterOffset() + 1)
	assert.NilError(t, err)
	assert.Equal(t, len(out), 0)

	// beyond master_offset + 1 fails
	_, err = b.ReadRange(b.MasterOffset() + 2)
	assert.ErrorIs(t, err, ErrOffsetNotInBacklog)
}

func TestBacklog_ExactlyFilledReportsHistoryLenEqualsSize(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	b.Feed(bytes.Repeat([]byte("y"), MinBacklogSize))
	assert.Equal(t, b.HistoryLen(), MinBacklogSize)

	// one more byte still reports history_len == size (saturated, not
	// unbounded), while first_offset advances to keep the invariant.
	b.Feed([]byte("z"))
	assert.Equal(t, b.HistoryLen(), MinBacklogSize)
	assert.Equal(t, b.FirstOffset()+int64(b.HistoryLen())-1, b.MasterOffset())
}

func TestBacklog_WrapAroundPreservesOrder(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	// Feed enough distinct chunks to wrap the buffer multiple times.
	var want bytes.Buffer
	for i := 0; i < 2000; i++ {
		chunk := []byte("0123456789")
		want.Write(chunk)
		b.Feed(chunk)
	}

	// Only the tail (last MinBacklogSize bytes) is retained.
	tail := want.Bytes()[want.Len()-MinBacklogSize:]
	out, err := b.ReadRange(b.FirstOffset())
	assert.NilError(t, err)
	assert.Equal(t, string(out), string(tail))
}

func TestBacklog_ResizeDiscardsHistory(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	b.Feed([]byte("some bytes"))
	offsetBefore := b.MasterOffset()

	b.Resize(MinBacklogSize * 2)
	assert.Equal(t, b.HistoryLen(), 0)
	assert.Equal(t, b.FirstOffset(), offsetBefore+1)

	_, err := b.ReadRange(1)
	assert.ErrorIs(t, err, ErrOffsetNotInBacklog)
}

func TestBacklog_Serviceable(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	b.Feed([]byte("abc"))
	assert.Assert(t, b.Serviceable(b.FirstOffset()))
	assert.Assert(t, b.Serviceable(b.MasterOffset()+1))
	assert.Assert(t, !b.Serviceable(b.MasterOffset()+2))
}

func TestBacklog_FreeThenFreed(t *testing.T) {
	b := NewBacklog(MinBacklogSize)
	b.Feed([]byte("abc"))
	assert.Assert(t, !b.Freed())
	b.Free()
	assert.Assert(t, b.Freed())
}
