package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTracker_RegisterOrigin(t *testing.T) {
	tr := NewCommandTracker()
	tr.Register("cmd-1", "conn-1")

	origin, ok := tr.Origin("cmd-1")
	require.True(t, ok)
	assert.Equal(t, "conn-1", origin)
}

func TestCommandTracker_OriginUnknownCommand(t *testing.T) {
	tr := NewCommandTracker()
	_, ok := tr.Origin("ghost")
	assert.False(t, ok)
}

func TestCommandTracker_Retire(t *testing.T) {
	tr := NewCommandTracker()
	tr.Register("cmd-1", "conn-1")
	tr.Retire("cmd-1")

	_, ok := tr.Origin("cmd-1")
	assert.False(t, ok)
}

// TestCommandTracker_RetireAllFromConnection covers I1: on origin
// disconnect, every entry it originated is retired.
func TestCommandTracker_RetireAllFromConnection(t *testing.T) {
	tr := NewCommandTracker()
	tr.Register("cmd-1", "conn-1")
	tr.Register("cmd-2", "conn-1")
	tr.Register("cmd-3", "conn-2")

	affected := tr.RetireAllFromConnection("conn-1")

	assert.ElementsMatch(t, []string{"cmd-1", "cmd-2"}, affected)
	_, ok := tr.Origin("cmd-1")
	assert.False(t, ok)
	_, ok = tr.Origin("cmd-3")
	assert.True(t, ok, "cmd-3 belongs to a different connection and must survive")
}

func TestCommandTracker_DrainAllClearsEverything(t *testing.T) {
	tr := NewCommandTracker()
	tr.Register("cmd-1", "conn-1")
	tr.Register("cmd-2", "conn-2")

	all := tr.DrainAll()
	assert.Equal(t, map[string]string{"cmd-1": "conn-1", "cmd-2": "conn-2"}, all)
	assert.Equal(t, 0, tr.Count())
}

func TestCommandTracker_SweepEvictsExpiredEntries(t *testing.T) {
	tr := NewCommandTracker()
	tr.Register("cmd-1", "conn-1")
	tr.entries["cmd-1"] = trackEntry{originConnectionID: "conn-1", registeredAt: time.Now().Add(-2 * commandTrackTTL)}

	tr.Sweep()

	_, ok := tr.Origin("cmd-1")
	assert.False(t, ok)
}

func TestCommandTracker_SweepKeepsFreshEntries(t *testing.T) {
	tr := NewCommandTracker()
	tr.Register("cmd-1", "conn-1")

	tr.Sweep()

	_, ok := tr.Origin("cmd-1")
	assert.True(t, ok)
}
