package rtskb

import "sync"

// Queue is a simple intrusive FIFO of *Skb, guarded by its own mutex.
// Used for per-device receive queues and per-socket incoming queues.
type Queue struct {
	mu   sync.Mutex
	head *Skb
	tail *Skb
	len  int
}

// Len returns the number of skbs currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// Enqueue appends s (and its fragment chain, if any) to the tail.
func (q *Queue) Enqueue(s *Skb) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(s)
}

func (q *Queue) enqueueLocked(s *Skb) {
	s.next = nil
	if q.tail == nil {
		q.head, q.tail = s, s
	} else {
		q.tail.next = s
		q.tail = s
	}
	q.len++
}

// Dequeue pops the head of the queue, or returns nil if empty.
func (q *Queue) Dequeue() *Skb {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() *Skb {
	s := q.head
	if s == nil {
		return nil
	}
	q.head = s.next
	if q.head == nil {
		q.tail = nil
	}
	s.next = nil
	q.len--
	return s
}

// Purge drains the queue, freeing each skb back to its current pool.
func (q *Queue) Purge() {
	q.mu.Lock()
	var drained []*Skb
	for q.head != nil {
		drained = append(drained, q.dequeueLocked())
	}
	q.mu.Unlock()
	for _, s := range drained {
		Free(s)
	}
}

// priorityClasses is the number of distinct priority levels a
// PriorityQueue supports. 0 is QueueMaxPrio (served first), 31 is
// QueueMinPrio (served last).
const (
	QueueMaxPrio     = 0
	QueueMinPrio     = 31
	priorityClasses  = QueueMinPrio + 1
	priorityWordBits = 32
)

// PriorityQueue is a 32-class priority queue: within a class, skbs are
// served FIFO; across classes, the lowest-numbered non-empty class is
// always served first. A single bitmap word tracks which classes are
// non-empty so Dequeue is O(1) regardless of how many classes exist.
type PriorityQueue struct {
	mu      sync.Mutex
	classes [priorityClasses]Queue
	nonNull uint32 // bit i set iff classes[i] is non-empty
}

// Enqueue inserts s into the class named by s.Priority (clamped to the
// valid range), at the back of that class's FIFO.
func (pq *PriorityQueue) Enqueue(s *Skb) {
	prio := s.Priority
	if prio > QueueMinPrio {
		prio = QueueMinPrio
	}
	pq.mu.Lock()
	pq.classes[prio].Enqueue(s)
	pq.nonNull |= 1 << uint(prio)
	pq.mu.Unlock()
}

// Dequeue pops from the lowest-numbered non-empty class.
func (pq *PriorityQueue) Dequeue() *Skb {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.nonNull == 0 {
		return nil
	}
	prio := trailingZeros32(pq.nonNull)
	s := pq.classes[prio].dequeueLocked()
	if pq.classes[prio].len == 0 {
		pq.nonNull &^= 1 << uint(prio)
	}
	return s
}

// Len returns the total number of queued skbs across all classes.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	total := 0
	for i := range pq.classes {
		total += pq.classes[i].len
	}
	return total
}

// Purge drains every class, freeing each skb.
func (pq *PriorityQueue) Purge() {
	for i := range pq.classes {
		pq.classes[i].Purge()
	}
	pq.mu.Lock()
	pq.nonNull = 0
	pq.mu.Unlock()
}

func trailingZeros32(x uint32) int {
	if x == 0 {
		return priorityWordBits
	}
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
