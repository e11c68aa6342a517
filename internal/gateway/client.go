package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/altermind/altermind/pkg/protocol"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
	maxMessageSize   = 1 << 20
)

// Client is one WebSocket connection. Events are enqueued to a bounded
// send buffer; a client that cannot drain it is disconnected so the
// slowest subscriber never stalls the producer.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send chan []byte

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]func() // session id → unsubscribe
}

func newClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:            uuid.Must(uuid.NewV7()).String(),
		conn:          conn,
		srv:           srv,
		send:          make(chan []byte, clientSendBuffer),
		subscriptions: make(map[string]func()),
	}
}

// run pumps the connection until it drops.
func (c *Client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Kind != protocol.FrameRequest {
			c.sendFrame(protocol.ErrResponse("", protocol.ErrCodeInvalid, "malformed frame"))
			continue
		}
		c.srv.dispatch(ctx, c, &req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendFrame enqueues a frame; a full buffer disconnects the client.
func (c *Client) sendFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal frame failed", "error", err)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		slog.Warn("client send buffer full, disconnecting", "id", c.id)
		c.close()
		c.conn.Close()
	}
}

// addSubscription records a stream unsubscribe handle torn down on
// disconnect.
func (c *Client) addSubscription(sessionID string, unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.subscriptions[sessionID]; ok {
		prev()
	}
	c.subscriptions[sessionID] = unsubscribe
}

func (c *Client) dropSubscription(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if unsub, ok := c.subscriptions[sessionID]; ok {
		unsub()
		delete(c.subscriptions, sessionID)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subscriptions
	c.subscriptions = map[string]func(){}
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	close(c.send)
}

// clientTable tracks connected clients.
type clientTable struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func newClientTable() *clientTable {
	return &clientTable{clients: make(map[string]*Client)}
}

func (t *clientTable) add(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.id] = c
}

func (t *clientTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, id)
}

func (t *clientTable) all() []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, c)
	}
	return out
}
