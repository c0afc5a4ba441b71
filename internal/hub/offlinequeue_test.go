package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hub/internal/models"
)

func cmdWithPriority(id string, priority int) models.Command {
	return models.Command{CommandID: id, Priority: priority, Status: models.CommandPending}
}

// TestOfflineQueue_DrainOrdersByPriorityThenFIFO covers scenario 1: three
// commands at priorities 5,5,9 drain as c3,c1,c2.
func TestOfflineQueue_DrainOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewOfflineQueue(0, 0)
	q.Enqueue("agent-a", cmdWithPriority("c1", 5))
	q.Enqueue("agent-a", cmdWithPriority("c2", 5))
	q.Enqueue("agent-a", cmdWithPriority("c3", 9))

	drained := q.Drain("agent-a")
	require.Len(t, drained, 3)

	ids := []string{drained[0].CommandID, drained[1].CommandID, drained[2].CommandID}
	assert.Equal(t, []string{"c3", "c1", "c2"}, ids)
}

func TestOfflineQueue_DrainRemovesEntries(t *testing.T) {
	q := NewOfflineQueue(0, 0)
	q.Enqueue("agent-a", cmdWithPriority("c1", 0))
	q.Drain("agent-a")

	assert.Equal(t, 0, q.Len("agent-a"))
	assert.Empty(t, q.Drain("agent-a"))
}

func TestOfflineQueue_PerAgentIsolation(t *testing.T) {
	q := NewOfflineQueue(0, 0)
	q.Enqueue("agent-a", cmdWithPriority("c1", 0))
	q.Enqueue("agent-b", cmdWithPriority("c2", 0))

	assert.Equal(t, 1, q.Len("agent-a"))
	assert.Equal(t, 1, q.Len("agent-b"))
}

// TestOfflineQueue_BoundedSizeEvictsOldest covers I5 / the boundary
// behavior of enqueueing entry QUEUE_MAX+1.
func TestOfflineQueue_BoundedSizeEvictsOldest(t *testing.T) {
	q := NewOfflineQueue(0, 0)
	for i := 0; i < defaultQueueMax; i++ {
		q.Enqueue("agent-a", cmdWithPriority("seed", 0))
	}
	require.Equal(t, defaultQueueMax, q.Len("agent-a"))

	res := q.Enqueue("agent-a", cmdWithPriority("overflow", 0))

	assert.Equal(t, Accepted, res)
	assert.Equal(t, defaultQueueMax, q.Len("agent-a"), "size must never exceed defaultQueueMax")
}

// TestOfflineQueue_TTLExpiryExcludesFromDrain covers I5: entries older
// than QUEUE_TTL are never delivered.
func TestOfflineQueue_TTLExpiryExcludesFromDrain(t *testing.T) {
	q := NewOfflineQueue(0, 0)
	q.Enqueue("agent-a", cmdWithPriority("stale", 0))

	aq := q.queueFor("agent-a")
	aq.mu.Lock()
	aq.heap[0].enqueuedAt = time.Now().Add(-2 * defaultQueueTTL)
	aq.mu.Unlock()

	drained := q.Drain("agent-a")
	assert.Empty(t, drained)
}

func TestOfflineQueue_SweepDiscardsExpiredWithoutDraining(t *testing.T) {
	q := NewOfflineQueue(0, 0)
	q.Enqueue("agent-a", cmdWithPriority("stale", 0))
	q.Enqueue("agent-a", cmdWithPriority("fresh", 0))

	aq := q.queueFor("agent-a")
	aq.mu.Lock()
	for _, e := range aq.heap {
		if e.command.CommandID == "stale" {
			e.enqueuedAt = time.Now().Add(-2 * defaultQueueTTL)
		}
	}
	aq.mu.Unlock()

	q.Sweep()

	assert.Equal(t, 1, q.Len("agent-a"))
}

func TestOfflineQueue_ClearAllEmptiesEveryAgent(t *testing.T) {
	q := NewOfflineQueue(0, 0)
	q.Enqueue("agent-a", cmdWithPriority("c1", 0))
	q.Enqueue("agent-b", cmdWithPriority("c2", 0))

	q.ClearAll()

	assert.Equal(t, 0, q.Len("agent-a"))
	assert.Equal(t, 0, q.Len("agent-b"))
}
