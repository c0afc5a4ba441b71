package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/streamspace-dev/hub/internal/errors"
	"github.com/streamspace-dev/hub/internal/logger"
	"github.com/streamspace-dev/hub/internal/models"
)

// defaultAuthGrace is the fallback used when Hub is built with a
// non-positive auth grace period.
const defaultAuthGrace = 30 * time.Second

const writeWait = 10 * time.Second

// readDeadlineSlackFor returns how long a read loop waits for the next
// frame (ping, pong, or otherwise) before treating the peer as gone.
// It tracks pingInterval with a fixed cushion so a single late ping
// doesn't trip the deadline under nominal scheduling.
func readDeadlineSlackFor(pingInterval time.Duration) time.Duration {
	return pingInterval + 10*time.Second
}

// upgrader is shared by both gateway endpoints. Origin checking is left
// permissive here, matching how the rest of the stack leaves CORS/origin
// policy to a reverse proxy in front of the hub rather than the socket
// layer itself.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peerState is the connection-handler state machine (§6): OPEN is implicit
// in the upgrade itself, so the first state observed here is AWAIT_AUTH.
type peerState int

const (
	stateAwaitAuth peerState = iota
	stateAuthenticated
	stateClosing
)

// bearerToken extracts a token from the Authorization header or the
// token query parameter, in that order.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}

// connContext is the per-socket state a handler's read/write goroutines
// share: the socket itself, its send channel from the registry, and a
// way to signal closure between the two pumps.
type connContext struct {
	connectionID string
	conn         *websocket.Conn
	send         chan []byte
	closed       chan struct{}
}

// writePump drains send and writes each frame to the socket, coalescing
// any additional already-queued frames into the same WebSocket message —
// the same NextWriter-coalescing trick the teacher's Client.writePump uses
// — until send is closed by registry.Remove.
func (c *connContext) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			for n := len(c.send); n > 0; n-- {
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// sendFrame encodes and writes env directly to conn, bypassing the
// registry's buffered send — used only for pre-auth frames (AUTH_TIMEOUT,
// initial rejection) where no outbound channel has been registered yet.
func sendFrame(conn *websocket.Conn, env models.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, b)
}

func sendErrorFrame(conn *websocket.Conn, err *apperrors.AppError, refID string) {
	sendFrame(conn, err.ToFrame(refID))
}

func newEnvelope(kind string, payload interface{}) models.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("{}")
	}
	return models.Envelope{Type: kind, ID: uuid.New().String(), Timestamp: time.Now().UnixMilli(), Payload: raw}
}

// decodeEnvelope parses the four required top-level fields and rejects a
// frame missing any of them, per the wire contract in §6: type, id,
// timestamp and payload must all be present. A first pass into a raw map
// distinguishes "key absent" from "key present with zero value" (an empty
// payload object `{}` is valid; an omitted payload key is not).
func decodeEnvelope(raw []byte) (models.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Envelope{}, err
	}
	for _, key := range []string{"type", "id", "timestamp", "payload"} {
		if _, ok := fields[key]; !ok {
			return models.Envelope{}, errMissingField
		}
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Envelope{}, err
	}
	if env.Type == "" {
		return models.Envelope{}, errMissingField
	}
	return env, nil
}

var errMissingField = apperrors.InvalidMessage("envelope missing a required field (type, id, timestamp, payload)")

func logClose(connectionID, kind string, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
		logger.Hub().Warn().Str("connectionId", connectionID).Str("kind", kind).Err(err).Msg("websocket read error")
	}
}
