package present

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/updater"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Message is the envelope of every websocket frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a frame sent by a client.
type Command struct {
	Type     string           `json:"type"` // select, dismiss, rescan, decide
	Device   ble.PeripheralID `json:"device,omitempty"`
	PromptID uint64           `json:"prompt_id,omitempty"`
	Choice   updater.Choice   `json:"choice,omitempty"`
	Text     string           `json:"text,omitempty"`
}

// StatusPayload is the wire form of updater.Status.
type StatusPayload struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Percent  int    `json:"percent,omitempty"`
	Error    string `json:"error,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

type withdrawPayload struct {
	ID uint64 `json:"id"`
}

// Hub presents controller state to websocket clients and forwards their
// commands. New clients receive a snapshot of the device list, the latest
// status and every open prompt.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ctrl    Commander
	clients map[*wsClient]struct{}
	devices []updater.DeviceView
	status  *StatusPayload
	prompts map[uint64]updater.Prompt
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. Call Bind before serving.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Served on a local address to a local browser.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		prompts: make(map[uint64]updater.Prompt),
	}
}

var _ updater.Presenter = (*Hub)(nil)

// Bind sets the controller that receives client commands.
func (h *Hub) Bind(ctrl Commander) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctrl = ctrl
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	for _, msg := range h.snapshotLocked() {
		c.send <- msg
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("[WS] client connected", "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// snapshotLocked encodes the current state. The result always fits in a
// fresh client's send buffer unless more prompts are open than it holds.
func (h *Hub) snapshotLocked() [][]byte {
	var out [][]byte
	devices := h.devices
	if devices == nil {
		devices = []updater.DeviceView{}
	}
	if msg, err := encode("devices", devices); err == nil {
		out = append(out, msg)
	}
	if h.status != nil {
		if msg, err := encode("status", h.status); err == nil {
			out = append(out, msg)
		}
	}
	ids := make([]uint64, 0, len(h.prompts))
	for id := range h.prompts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if msg, err := encode("prompt", h.prompts[id]); err == nil {
			out = append(out, msg)
		}
	}
	if len(out) > sendBuffer {
		out = out[len(out)-sendBuffer:]
	}
	return out
}

func (h *Hub) Prompt(p updater.Prompt) {
	h.mu.Lock()
	h.prompts[p.ID] = p
	h.mu.Unlock()
	h.broadcast("prompt", p)
}

func (h *Hub) Withdraw(id uint64) {
	h.mu.Lock()
	_, open := h.prompts[id]
	delete(h.prompts, id)
	h.mu.Unlock()
	if open {
		h.broadcast("withdraw", withdrawPayload{ID: id})
	}
}

func (h *Hub) Status(s updater.Status) {
	p := &StatusPayload{Kind: s.Kind.String(), Message: s.Message, Percent: s.Percent, Firmware: s.Firmware}
	if s.Err != nil {
		p.Error = s.Err.Error()
	}
	h.mu.Lock()
	h.status = p
	h.mu.Unlock()
	h.broadcast("status", p)
}

func (h *Hub) Devices(devices []updater.DeviceView) {
	h.mu.Lock()
	h.devices = append([]updater.DeviceView(nil), devices...)
	h.mu.Unlock()
	h.broadcast("devices", devices)
}

// broadcast queues a message for every client without blocking. Clients
// whose buffer is full are dropped.
func (h *Hub) broadcast(typ string, payload any) {
	msg, err := encode(typ, payload)
	if err != nil {
		slog.Error("[WS] encode failed", "type", typ, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("[WS] client too slow, dropping", "remote", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) dispatch(cmd Command) {
	h.mu.Lock()
	ctrl := h.ctrl
	h.mu.Unlock()
	if ctrl == nil {
		slog.Warn("[WS] command before controller bound", "type", cmd.Type)
		return
	}

	switch cmd.Type {
	case "select":
		ctrl.Select(cmd.Device)
	case "dismiss":
		ctrl.Dismiss(cmd.Device)
	case "rescan":
		ctrl.Rescan()
	case "decide":
		ctrl.Decide(updater.Decision{PromptID: cmd.PromptID, Choice: cmd.Choice, Text: cmd.Text})
	default:
		slog.Warn("[WS] unknown command", "type", cmd.Type)
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[WS] read failed", "error", err)
			}
			return
		}
		c.hub.dispatch(cmd)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("[WS] write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: typ, Payload: raw})
}
