package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streampulse/streampulse/internal/app/ingestion"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10

	// wsAnonymousIdentity is the caller identity given to frames on a
	// connection whose upgrade request carried no valid bearer token.
	wsAnonymousIdentity = "anonymous"
)

type websocketUpgrader struct {
	upgrader websocket.Upgrader
}

func newWebsocketUpgrader() websocketUpgrader {
	return websocketUpgrader{upgrader: websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}}
}

// wsConn serializes every write to the underlying connection. gorilla/
// websocket forbids concurrent writers; serveWS's read loop (acks/errors)
// and wsWriteLoop's ping ticker both write to the same connection, so every
// write goes through this mutex instead of calling conn methods directly.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// serveWS implements the bidirectional submission channel of §4.C: each
// inbound frame is handed to ingestion.Edge.HandleFrame and the resulting
// ack/pong frame is written back. The connection's caller identity is fixed
// once at upgrade time: the bearer-token subject stamped by wrapWithAuth if
// the handshake carried one, otherwise wsAnonymousIdentity.
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("httpapi: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	identity := callerIdentity(r)
	if identity == "" {
		identity = wsAnonymousIdentity
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go h.wsWriteLoop(ws, done)
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Warn("httpapi: unexpected websocket close")
			}
			return
		}

		var frame ingestion.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.writeWSFrame(ws, ingestion.Frame{})
			continue
		}

		out, err := h.edge.HandleFrame(r.Context(), frame, identity)
		if err != nil {
			errPayload, _ := json.Marshal(map[string]string{"error": err.Error()})
			h.writeWSFrame(ws, ingestion.Frame{Kind: "error", Event: errPayload})
			continue
		}
		h.writeWSFrame(ws, out)
	}
}

func (h *handler) writeWSFrame(ws *wsConn, frame ingestion.Frame) {
	if err := ws.writeJSON(frame); err != nil {
		h.log.WithError(err).Warn("httpapi: failed to write websocket frame")
	}
}

// wsWriteLoop sends periodic pings so idle connections are detected and
// closed per the read deadline set in serveWS.
func (h *handler) wsWriteLoop(ws *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
