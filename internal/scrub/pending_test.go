package scrub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqs(entries []pendingEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.seq
	}
	return out
}

func TestPendingList_DetachStopsAtFirstIncomplete(t *testing.T) {
	l := newPendingList(0)
	for _, s := range []uint64{1, 2, 4, 7} {
		l.push(pendingEntry{seq: s})
	}

	assert.Nil(t, l.detachCompleted(0))
	assert.Equal(t, 4, l.len())

	assert.Equal(t, []uint64{1, 2}, seqs(l.detachCompleted(3)))
	assert.Equal(t, 2, l.len())

	head, ok := l.peek()
	require.True(t, ok)
	assert.Equal(t, uint64(4), head.seq)

	assert.Equal(t, []uint64{4, 7}, seqs(l.detachCompleted(100)))
	assert.Equal(t, 0, l.len())
	_, ok = l.peek()
	assert.False(t, ok)
}

func TestPendingList_EqualSeqsAllowed(t *testing.T) {
	l := newPendingList(0)
	l.push(pendingEntry{seq: 5})
	l.push(pendingEntry{seq: 5})
	assert.Equal(t, []uint64{5, 5}, seqs(l.detachCompleted(5)))
}

func TestPendingList_PushOutOfOrderPanics(t *testing.T) {
	l := newPendingList(0)
	l.push(pendingEntry{seq: 3})
	assert.Panics(t, func() { l.push(pendingEntry{seq: 2}) })
}

func TestPendingList_Capacity(t *testing.T) {
	l := newPendingList(2)
	assert.False(t, l.full())
	l.push(pendingEntry{seq: 1})
	l.push(pendingEntry{seq: 2})
	assert.True(t, l.full())

	l.detachCompleted(1)
	assert.False(t, l.full())

	unbounded := newPendingList(0)
	for i := uint64(1); i <= 1000; i++ {
		unbounded.push(pendingEntry{seq: i})
	}
	assert.False(t, unbounded.full())
}

func TestPendingList_CompactsAfterPartialDetach(t *testing.T) {
	l := newPendingList(0)
	for i := uint64(1); i <= 10; i++ {
		l.push(pendingEntry{seq: i})
	}
	l.detachCompleted(8)
	assert.Equal(t, 0, l.head, "mostly drained list is compacted")
	assert.Equal(t, 2, l.len())

	l.push(pendingEntry{seq: 11})
	assert.Equal(t, []uint64{9, 10, 11}, seqs(l.detachCompleted(11)))
}
