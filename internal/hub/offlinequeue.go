package hub

import (
	"container/heap"
	"sync"
	"time"

	"github.com/streamspace-dev/hub/internal/models"
)

// defaultQueueMax and defaultQueueTTL are the fallback values used when
// NewOfflineQueue is given a non-positive bound, e.g. a zero-value
// hubconfig.Config in a test.
const (
	defaultQueueMax = 1024
	defaultQueueTTL = 15 * time.Minute
)

type queueEntry struct {
	command    models.Command
	enqueuedAt time.Time
	seq        uint64 // tie-breaker for FIFO within equal priority
}

// entryHeap is a max-heap on (priority, then earliest seq first) so
// Drain can pop highest-priority-first, FIFO within priority.
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].command.Priority != h[j].command.Priority {
		return h[i].command.Priority > h[j].command.Priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*queueEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type agentQueue struct {
	mu   sync.Mutex
	heap entryHeap
	next uint64
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	RejectedFull
)

// OfflineQueue holds a bounded, TTL'd, priority FIFO per agent for
// commands addressed to an agent that is currently disconnected.
type OfflineQueue struct {
	mu     sync.Mutex
	queues map[string]*agentQueue

	maxLen int
	ttl    time.Duration
}

// NewOfflineQueue builds a queue that holds at most maxLen commands per
// agent and discards entries older than ttl. A non-positive maxLen or
// ttl falls back to defaultQueueMax / defaultQueueTTL.
func NewOfflineQueue(maxLen int, ttl time.Duration) *OfflineQueue {
	if maxLen <= 0 {
		maxLen = defaultQueueMax
	}
	if ttl <= 0 {
		ttl = defaultQueueTTL
	}
	return &OfflineQueue{queues: make(map[string]*agentQueue), maxLen: maxLen, ttl: ttl}
}

func (q *OfflineQueue) queueFor(agentID string) *agentQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	aq, ok := q.queues[agentID]
	if !ok {
		aq = &agentQueue{}
		heap.Init(&aq.heap)
		q.queues[agentID] = aq
	}
	return aq
}

// Enqueue appends command to agentId's queue. If the queue is already at
// maxLen, the oldest entry is evicted to admit this one, per §4.5
// "oldest entries evicted on overflow".
func (q *OfflineQueue) Enqueue(agentID string, cmd models.Command) EnqueueResult {
	aq := q.queueFor(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	if len(aq.heap) >= q.maxLen {
		// Evict the oldest entry to admit this one, per §4.5 "oldest
		// entries evicted on overflow".
		q.evictOldestLocked(aq)
	}
	aq.next++
	heap.Push(&aq.heap, &queueEntry{command: cmd, enqueuedAt: time.Now(), seq: aq.next})
	return Accepted
}

func (q *OfflineQueue) evictOldestLocked(aq *agentQueue) {
	if len(aq.heap) == 0 {
		return
	}
	oldestIdx := 0
	for i, e := range aq.heap {
		if e.seq < aq.heap[oldestIdx].seq {
			oldestIdx = i
		}
	}
	aq.heap = append(aq.heap[:oldestIdx], aq.heap[oldestIdx+1:]...)
	heap.Init(&aq.heap)
}

// Drain returns and removes every non-expired entry for agentId,
// highest priority first, FIFO within priority. Expired entries are
// discarded, not returned.
func (q *OfflineQueue) Drain(agentID string) []models.Command {
	aq := q.queueFor(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	cutoff := time.Now().Add(-q.ttl)
	out := make([]models.Command, 0, len(aq.heap))
	for aq.heap.Len() > 0 {
		e := heap.Pop(&aq.heap).(*queueEntry)
		if e.enqueuedAt.Before(cutoff) {
			continue
		}
		out = append(out, e.command)
	}
	return out
}

// Sweep discards expired entries across every agent queue without
// draining live ones, bounding memory for agents that never reconnect.
func (q *OfflineQueue) Sweep() {
	q.mu.Lock()
	agents := make([]string, 0, len(q.queues))
	for id := range q.queues {
		agents = append(agents, id)
	}
	q.mu.Unlock()

	cutoff := time.Now().Add(-q.ttl)
	for _, id := range agents {
		aq := q.queueFor(id)
		aq.mu.Lock()
		kept := aq.heap[:0]
		for _, e := range aq.heap {
			if !e.enqueuedAt.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		aq.heap = kept
		heap.Init(&aq.heap)
		aq.mu.Unlock()
	}
}

// ClearAll empties every agent's queue, used by emergency stop.
func (q *OfflineQueue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, aq := range q.queues {
		aq.mu.Lock()
		aq.heap = aq.heap[:0]
		aq.mu.Unlock()
	}
}

// Len returns the current queue depth for agentId, for diagnostics.
func (q *OfflineQueue) Len(agentID string) int {
	aq := q.queueFor(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return len(aq.heap)
}
