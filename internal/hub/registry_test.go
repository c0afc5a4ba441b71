package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hub/internal/models"
)

func newTestConn(id string, kind models.ConnectionKind) models.Connection {
	return models.Connection{ConnectionID: id, Kind: kind, ConnectedAt: time.Now()}
}

func TestConnectionRegistry_AddGetRemove(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("c1", models.KindDashboard))

	conn, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", conn.ConnectionID)

	r.Remove("c1")
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

// TestConnectionRegistry_BindAgentSupersedes covers I2: at most one live
// agent connection may be bound to a given agentId at a time.
func TestConnectionRegistry_BindAgentSupersedes(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("x", models.KindAgent))
	r.Add(newTestConn("y", models.KindAgent))

	r.BindAgent("x", "agent-1")
	connID, ok := r.FindByAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, "x", connID)

	r.BindAgent("y", "agent-1")

	select {
	case e := <-r.Superseded():
		assert.Equal(t, "agent-1", e.AgentID)
		assert.Equal(t, "x", e.OldConnectionID)
		assert.Equal(t, "y", e.NewConnectionID)
	case <-time.After(time.Second):
		t.Fatal("expected a superseded event")
	}

	connID, ok = r.FindByAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, "y", connID, "the new connection must now own the binding")
}

func TestConnectionRegistry_RebindingSameConnectionDoesNotSupersede(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("x", models.KindAgent))
	r.BindAgent("x", "agent-1")
	r.BindAgent("x", "agent-1")

	select {
	case e := <-r.Superseded():
		t.Fatalf("unexpected superseded event for identical rebind: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionRegistry_RemoveReleasesAgentBinding(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("x", models.KindAgent))
	r.BindAgent("x", "agent-1")

	r.Remove("x")

	_, ok := r.FindByAgent("agent-1")
	assert.False(t, ok)
}

func TestConnectionRegistry_RemoveDoesNotReleaseSupersededBinding(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("x", models.KindAgent))
	r.Add(newTestConn("y", models.KindAgent))
	r.BindAgent("x", "agent-1")
	r.BindAgent("y", "agent-1")
	<-r.Superseded()

	// x no longer owns the binding; removing it must not clobber y's.
	r.Remove("x")

	connID, ok := r.FindByAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, "y", connID)
}

func TestConnectionRegistry_SendUnknownConnectionFails(t *testing.T) {
	r := NewConnectionRegistry()
	ok := r.Send("nope", []byte("hi"))
	assert.False(t, ok)
}

func TestConnectionRegistry_SendFullBufferFails(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("c1", models.KindDashboard))

	for i := 0; i < defaultSendBuffer; i++ {
		require.True(t, r.Send("c1", []byte("x")))
	}
	assert.False(t, r.Send("c1", []byte("overflow")), "buffer should be saturated")
}

func TestConnectionRegistry_IterateAgentsAndDashboards(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("a1", models.KindAgent))
	r.Add(newTestConn("a2", models.KindAgent))
	r.Add(newTestConn("d1", models.KindDashboard))

	var agents, dashboards []string
	r.IterateAgents(func(c models.Connection) { agents = append(agents, c.ConnectionID) })
	r.IterateDashboards(func(c models.Connection) { dashboards = append(dashboards, c.ConnectionID) })

	assert.ElementsMatch(t, []string{"a1", "a2"}, agents)
	assert.ElementsMatch(t, []string{"d1"}, dashboards)
}

func TestConnectionRegistry_MissedPingsResetOnPing(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("c1", models.KindAgent))

	assert.Equal(t, 1, r.IncrementMissedPings("c1"))
	assert.Equal(t, 2, r.IncrementMissedPings("c1"))

	r.UpdatePing("c1", time.Now())
	conn, _ := r.Get("c1")
	assert.Equal(t, 0, conn.MissedPings)
}
