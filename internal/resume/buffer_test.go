package resume

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushAssignsMonotonicSeq(t *testing.T) {
	b := New(4)
	assert.Equal(t, uint64(1), b.Push([]byte("a")))
	assert.Equal(t, uint64(2), b.Push([]byte("b")))
	assert.Equal(t, uint64(3), b.Push([]byte("c")))
}

func TestReplayFromZeroReturnsEverything(t *testing.T) {
	b := New(4)
	b.Push([]byte("a"))
	b.Push([]byte("b"))

	frames, gap := b.Replay(0)
	assert.False(t, gap)
	assert.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Seq)
	assert.Equal(t, uint64(2), frames[1].Seq)
}

func TestReplaySkipsAcknowledged(t *testing.T) {
	b := New(4)
	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))

	frames, gap := b.Replay(1)
	assert.False(t, gap)
	assert.Len(t, frames, 2)
	assert.Equal(t, uint64(2), frames[0].Seq)
	assert.Equal(t, uint64(3), frames[1].Seq)
}

func TestReplayDetectsGapAfterEviction(t *testing.T) {
	b := New(2)
	b.Push([]byte("a")) // seq 1, evicted
	b.Push([]byte("b")) // seq 2, evicted
	b.Push([]byte("c")) // seq 3
	b.Push([]byte("d")) // seq 4, buffer now holds [3,4]

	frames, gap := b.Replay(1)
	assert.True(t, gap, "ack of 1 is behind the oldest buffered seq 3")
	assert.Len(t, frames, 2)
	assert.Equal(t, uint64(3), frames[0].Seq)
}

func TestReplayContiguousAckIsNotAGap(t *testing.T) {
	b := New(1)
	b.Push([]byte("a")) // seq 1, evicted
	b.Push([]byte("b")) // seq 2, evicted
	b.Push([]byte("c")) // seq 3

	_, gap := b.Replay(2)
	assert.False(t, gap, "ack exactly at the evicted boundary is contiguous")
}

func TestResetRestartsNumbering(t *testing.T) {
	b := New(4)
	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Reset()
	assert.Equal(t, uint64(1), b.Push([]byte("c")))
	frames, _ := b.Replay(0)
	assert.Len(t, frames, 1)
}

func TestOldestAndLatestSeq(t *testing.T) {
	b := New(2)
	assert.Equal(t, uint64(0), b.OldestSeq())
	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))
	assert.Equal(t, uint64(2), b.OldestSeq())
	assert.Equal(t, uint64(3), b.LatestSeq())
}
