package notify

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	typeNotification = "notification"
	typeWithdraw     = "withdraw"
	typeVisibility   = "visibility"

	writeWait = 5 * time.Second
)

// Frame is the JSON message exchanged with hub clients.
type Frame struct {
	Type         string        `json:"type"`
	CallSID      string        `json:"call_sid,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	ID           int32         `json:"id,omitempty"`
	Token        string        `json:"token,omitempty"`
	Visible      bool          `json:"visible,omitempty"`
}

// Request is an accept, reject or fcm_token message sent by a client.
type Request struct {
	ClientID string
	Action   string
	CallSID  string
	Token    string
}

// conn is the part of a websocket connection the hub uses. Both gorilla
// and fiber connections satisfy it.
type conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	id      string
	conn    conn
	send    chan Frame
	visible atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub is a websocket notification surface. It broadcasts notifications to
// every connected client and collects the actions they send back. It is
// visible while at least one client reports its UI in the foreground.
type Hub struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	requests chan Request
	sent     atomic.Uint64
}

var (
	_ Poster     = (*Hub)(nil)
	_ Visibility = (*Hub)(nil)
)

// NewHub creates a Hub with no clients. log may be nil.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.WithField("name", "notify")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		requests: make(chan Request, 16),
	}
}

// Requests returns the actions sent by clients.
func (h *Hub) Requests() <-chan Request {
	return h.requests
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	h.serve(ws, r.RemoteAddr)
}

// serve registers ws as a client and blocks until it disconnects.
func (h *Hub) serve(ws conn, remote string) {
	c := &client{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan Frame, 16),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Infof("client %s connected from %s (total: %d)", c.id, remote, total)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(c)
	}()
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	total = len(h.clients)
	h.mu.Unlock()
	c.close()
	// the connection may be reused by the server once serve returns
	wg.Wait()
	h.log.Infof("client %s disconnected (total: %d)", c.id, total)
}

func (h *Hub) readLoop(c *client) {
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugf("client %s read: %v", c.id, err)
			}
			return
		}

		switch f.Type {
		case typeVisibility:
			c.visible.Store(f.Visible)
		case ActionAccept, ActionReject, ActionFCMToken:
			req := Request{ClientID: c.id, Action: f.Type, CallSID: f.CallSID, Token: f.Token}
			select {
			case h.requests <- req:
			case <-c.done:
				return
			}
		default:
			h.log.Warnf("client %s sent unknown frame type %q", c.id, f.Type)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				h.log.Debugf("client %s write: %v", c.id, err)
				c.close()
				return
			}
			h.sent.Add(1)
		}
	}
}

func (h *Hub) broadcast(f Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		select {
		case c.send <- f:
			n++
		case <-c.done:
		default:
			h.log.Warnf("client %s is not keeping up, %s dropped", c.id, f.Type)
		}
	}
	return n
}

// Post broadcasts n. It fails when no client is connected.
func (h *Hub) Post(n Notification) error {
	if h.broadcast(Frame{Type: typeNotification, CallSID: n.CallSID, Notification: &n}) == 0 {
		return fmt.Errorf("notification %d: no client connected", n.ID)
	}
	return nil
}

// Withdraw tells clients to remove notification id.
func (h *Hub) Withdraw(id int32, callSID string) error {
	h.broadcast(Frame{Type: typeWithdraw, ID: id, CallSID: callSID})
	return nil
}

// Visible reports whether a connected client has its UI in the foreground.
func (h *Hub) Visible() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.visible.Load() {
			return true
		}
	}
	return false
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Sent returns the number of frames written to clients.
func (h *Hub) Sent() uint64 {
	return h.sent.Load()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}
