package scrub

import (
	"fmt"
	"time"

	"github.com/dray-io/sysscrub/internal/resource"
)

// pendingEntry is a region whose async clear has been submitted but whose
// backing has not been released.
type pendingEntry struct {
	region    resource.Handle
	seq       uint64
	submitted time.Time
}

// pendingList is the submission-ordered FIFO of pending entries. Sequence
// numbers never decrease from head to tail, so the completed entries are
// always a prefix. Callers hold the worker state lock.
type pendingList struct {
	buf   []pendingEntry
	head  int
	limit int // 0 means unbounded
}

func newPendingList(capacity int) pendingList {
	return pendingList{limit: capacity}
}

func (l *pendingList) len() int {
	return len(l.buf) - l.head
}

// full reports whether a bounded list has no free slot.
func (l *pendingList) full() bool {
	return l.limit > 0 && l.len() >= l.limit
}

func (l *pendingList) push(e pendingEntry) {
	if n := len(l.buf); n > l.head && l.buf[n-1].seq > e.seq {
		panic(fmt.Sprintf("scrub: pending seq %d after %d", e.seq, l.buf[n-1].seq))
	}
	l.buf = append(l.buf, e)
}

func (l *pendingList) peek() (pendingEntry, bool) {
	if l.head == len(l.buf) {
		return pendingEntry{}, false
	}
	return l.buf[l.head], true
}

// detachCompleted removes and returns, in order, every entry from the head
// whose seq is at or below watermark. It stops at the first entry that has
// not completed.
func (l *pendingList) detachCompleted(watermark uint64) []pendingEntry {
	end := l.head
	for end < len(l.buf) && l.buf[end].seq <= watermark {
		end++
	}
	if end == l.head {
		return nil
	}

	done := make([]pendingEntry, end-l.head)
	copy(done, l.buf[l.head:end])
	clear(l.buf[l.head:end])
	l.head = end

	if l.head == len(l.buf) {
		l.buf = l.buf[:0]
		l.head = 0
	} else if l.head > len(l.buf)/2 {
		n := copy(l.buf, l.buf[l.head:])
		clear(l.buf[n:])
		l.buf = l.buf[:n]
		l.head = 0
	}
	return done
}
