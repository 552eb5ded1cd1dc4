package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/rover/internal/monitoring"
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope of every stream message. Clients send
// {"id", "name", "args"} requests; the server answers with type "reply" and
// pushes type "update" broadcasts.
type wsMessage struct {
	Type  string          `json:"type,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
	Data  any             `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	token string
}

type hub struct {
	srv *Server

	mu      sync.Mutex
	clients map[string]*client
}

func newHub(s *Server) *hub {
	return &hub{srv: s, clients: make(map[string]*client)}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// unregister removes c and closes its send channel, once.
func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// broadcast queues msg for every client. A client whose queue is full is
// dropped.
func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			monitoring.Logf("ws client %s too slow, dropping", id)
			delete(h.clients, id)
			close(c.send)
		}
	}
}

func (h *hub) send(c *client, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("ws upgrade failed: %v", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer), token: token}
	h.register(c)
	monitoring.Logf("ws client %s connected from %s", c.id, r.RemoteAddr)

	hello, _ := json.Marshal(wsMessage{Type: "hello", ID: c.id})
	h.send(c, hello)

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

func (h *hub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		monitoring.Logf("ws client %s disconnected", c.id)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsMessage
		if err := json.Unmarshal(raw, &req); err != nil {
			h.reply(c, wsMessage{Type: "reply", Error: "invalid message: " + err.Error()})
			continue
		}
		res, err := h.srv.Call(ctx, req.Name, req.Args, c.token)
		out := wsMessage{Type: "reply", ID: req.ID, Name: req.Name, Data: res}
		if err != nil {
			out.Data = nil
			out.Error = err.Error()
		}
		h.reply(c, out)
	}
}

func (h *hub) reply(c *client, m wsMessage) {
	msg, err := json.Marshal(m)
	if err != nil {
		monitoring.Logf("ws reply %s: %v", m.Name, err)
		return
	}
	h.send(c, msg)
}

func (h *hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			monitoring.Logf("ws client %s write error: %v", c.id, err)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
