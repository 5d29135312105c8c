package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for WebSocket frames.
//
//	Server → Client: {"type":"event","event":"task.result","payload":{...}}
//	Client → Server: {"type":"req","id":"1","method":"ping"}
//	Server → Client: {"type":"res","id":"1","ok":true}
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WebSocketHandler streams an owner's events over a WebSocket. The owner is
// taken from the "address" query parameter.
type WebSocketHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewWebSocketHandler creates a handler bound to hub.
func NewWebSocketHandler(hub *Hub, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, logger: logger.With("component", "websocket")}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("address")
	if owner == "" {
		http.Error(w, "missing address", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(owner)
	defer sub.Cancel()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr, "owner", owner)

	// writeMu protects concurrent writes to the connection.
	var writeMu sync.Mutex
	send := func(msg wsMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, send)
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("encode event", "error", err)
				continue
			}
			if err := send(wsMessage{Type: "event", Event: ev.Type, Payload: payload}); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) readLoop(conn *websocket.Conn, send func(wsMessage) error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = send(wsMessage{Type: "res", OK: boolPtr(false), Error: "invalid JSON"})
			continue
		}
		switch {
		case msg.Type == "req" && msg.Method == "ping":
			_ = send(wsMessage{Type: "res", ID: msg.ID, OK: boolPtr(true)})
		default:
			_ = send(wsMessage{Type: "res", ID: msg.ID, OK: boolPtr(false), Error: "unknown method: " + msg.Method})
		}
	}
}

func boolPtr(b bool) *bool { return &b }
