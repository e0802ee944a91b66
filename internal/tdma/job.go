package tdma

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// Synthetic job ids. Non-negative ids name a Slot.
const (
	jobXmitSync     int32 = -1
	jobBackupSync   int32 = -2
	jobWaitOnSync   int32 = -3
	jobXmitReplyCal int32 = -4
)

// Slot is a non-negative job: a transmit opportunity offset into the
// cycle, firing every period cycles on cycle numbers congruent to
// phasing, carrying at most one packet per firing.
type Slot struct {
	ID      int32
	Offset  time.Duration
	Period  uint32 // fire every Period cycles ...
	Phasing uint32 // ... on cycle numbers where (cycleNo % Period) == Phasing
	MTU     int

	queue rtskb.PriorityQueue
}

// job is one node of the cyclic job list.
type job struct {
	id     int32
	offset time.Duration // sort key; synthetic jobs other than XMIT_RPL_CAL sit at offset 0 (a backup master's WAIT_ON_SYNC at 1ns)
	slot   *Slot

	refCount atomic.Int32
	prev     *job
	next     *job
}

// jobList is the doubly-linked cyclic list described by the job-list
// data model: jobs are kept sorted by offset ascending and, within
// equal offsets, by id ascending. first marks the start of a cycle;
// walking past the list's tail wraps to first and signals "advance
// the cycle start by one period" to the caller.
type jobList struct {
	mu    sync.Mutex
	first *job
}

func (l *jobList) insert(j *job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first == nil {
		j.next, j.prev = j, j
		l.first = j
		return
	}
	cur := l.first
	for {
		if less(j, cur) {
			j.prev, j.next = cur.prev, cur
			cur.prev.next = j
			cur.prev = j
			if cur == l.first {
				l.first = j
			}
			return
		}
		cur = cur.next
		if cur == l.first {
			// j sorts after every existing node: insert just before first.
			j.prev, j.next = l.first.prev, l.first
			l.first.prev.next = j
			l.first.prev = j
			return
		}
	}
}

func less(a, b *job) bool {
	if a.offset != b.offset {
		return a.offset < b.offset
	}
	return a.id < b.id
}

// remove splices j out of the list. It does not check j.refCount;
// RemoveSlot waits for the count to reach zero after the splice.
func (l *jobList) remove(j *job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if j.next == j {
		l.first = nil
		return
	}
	j.prev.next = j.next
	j.next.prev = j.prev
	if l.first == j {
		l.first = j.next
	}
	j.next, j.prev = nil, nil
}

func (l *jobList) find(id int32) *job {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first == nil {
		return nil
	}
	cur := l.first
	for {
		if cur.id == id {
			return cur
		}
		cur = cur.next
		if cur == l.first {
			return nil
		}
	}
}

// firstJob returns the current cycle-start sentinel.
func (l *jobList) firstJob() *job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

// next returns the job following cur and whether advancing onto it
// wraps back to the start of the cycle.
func (l *jobList) next(cur *job) (nxt *job, wrapped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur.next == l.first {
		return l.first, true
	}
	return cur.next, false
}

// peekNext returns the job following cur, or nil if cur has since been
// removed from the list (its next pointer cleared).
func (l *jobList) peekNext(cur *job) *job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cur.next
}
