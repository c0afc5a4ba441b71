package hub

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hub/internal/models"
)

type capturedFlush struct {
	originConnectionID string
	payload            models.TerminalStreamPayload
}

func newCapturingTerminalManager(registry *ConnectionRegistry) (*TerminalStreamManager, *[]capturedFlush, *sync.Mutex) {
	var mu sync.Mutex
	var flushes []capturedFlush
	m := NewTerminalStreamManager(registry, func(originConnectionID string, payload models.TerminalStreamPayload) {
		mu.Lock()
		flushes = append(flushes, capturedFlush{originConnectionID, payload})
		mu.Unlock()
	}, 0)
	return m, &flushes, &mu
}

func TestTerminalStreamManager_FlushesImmediatelyOnStderr(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	m.Append("cmd-1", "agent-1", "an error line", models.StreamStderr, false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *flushes, 1)
	assert.Equal(t, "an error line\n", (*flushes)[0].payload.Content)
}

func TestTerminalStreamManager_FlushesAtLineThreshold(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	for i := 0; i < terminalBufferLines; i++ {
		m.Append("cmd-1", "agent-1", "x", models.StreamStdout, false)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *flushes, 1, "must flush exactly at the BUFFER_LINES threshold")
}

func TestTerminalStreamManager_FlushesAtByteThreshold(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	big := strings.Repeat("a", terminalBufferBytes)
	m.Append("cmd-1", "agent-1", big, models.StreamStdout, false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *flushes, 1, "must flush once BUFFER_BYTES is crossed")
}

// TestTerminalStreamManager_OrderPreservation covers I3: the
// concatenation across all flushes equals the submitted content in order.
func TestTerminalStreamManager_OrderPreservation(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	var want strings.Builder
	for i := 0; i < 120; i++ {
		line := "line-" + string(rune('a'+(i%26)))
		want.WriteString(line)
		want.WriteString("\n")
		m.Append("cmd-1", "agent-1", line, models.StreamStdout, false)
	}
	m.EndSession("cmd-1", "agent-1")

	mu.Lock()
	defer mu.Unlock()
	var got strings.Builder
	for _, f := range *flushes {
		got.WriteString(f.payload.Content)
	}
	assert.Equal(t, want.String(), got.String())
}

func TestTerminalStreamManager_ANSIFlagSetIfAnyLineHasANSI(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	m.Append("cmd-1", "agent-1", "plain", models.StreamStdout, false)
	m.Append("cmd-1", "agent-1", "\x1b[31mred\x1b[0m", models.StreamStderr, true) // stderr forces immediate flush

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *flushes, 1)
	assert.True(t, (*flushes)[0].payload.ANSI)
	assert.Equal(t, models.StreamStdout, (*flushes)[0].payload.Stream, "the payload carries the first buffered line's stream")
}

// TestTerminalStreamManager_TickFlushesAtFlushInterval covers the boundary
// behavior: flush at exactly FLUSH_INTERVAL.
func TestTerminalStreamManager_TickFlushesAtFlushInterval(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	m.Append("cmd-1", "agent-1", "small", models.StreamStdout, false)

	mu.Lock()
	require.Empty(t, *flushes, "a single small stdout line must not flush immediately")
	mu.Unlock()

	key := sessionKey{commandID: "cmd-1", agentID: "agent-1"}
	m.sessions[key].mu.Lock()
	m.sessions[key].lastFlush = time.Now().Add(-m.flushInterval - time.Millisecond)
	m.sessions[key].mu.Unlock()

	m.Tick()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *flushes, 1, "must flush once FLUSH_INTERVAL has elapsed since the last flush")
}

func TestTerminalStreamManager_BackpressureElidesWhenOverHighWater(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	// Fill the send buffer past the high-water translation threshold.
	for i := 0; i < defaultSendBuffer; i++ {
		r.Send("d1", []byte("x"))
	}
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	m.Append("cmd-1", "agent-1", "an error line", models.StreamStderr, false)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *flushes, "flush must be elided, not delivered, while over the high water mark")
}

func TestTerminalStreamManager_EndSessionFlushesRemainder(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, flushes, mu := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	m.Append("cmd-1", "agent-1", "trailing", models.StreamStdout, false)
	m.EndSession("cmd-1", "agent-1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *flushes, 1)
	assert.Equal(t, "trailing\n", (*flushes)[0].payload.Content)
}

func TestTerminalStreamManager_LingerThenGC(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("d1", models.KindDashboard))
	m, _, _ := newCapturingTerminalManager(r)

	m.StartSession("cmd-1", "agent-1", "d1")
	m.EndSession("cmd-1", "agent-1")

	key := sessionKey{commandID: "cmd-1", agentID: "agent-1"}
	m.sessions[key].mu.Lock()
	m.sessions[key].endedAt = time.Now().Add(-terminalLinger - time.Millisecond)
	m.sessions[key].mu.Unlock()

	m.Tick()

	assert.Equal(t, 0, m.Count())
}
