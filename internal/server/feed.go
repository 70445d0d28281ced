package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// feedHub fans ledger entries out to the dashboard's live feed over
// WebSocket. Clients only ever receive; the feed is best-effort and a
// page reload resynchronizes via the REST API.
//
// All map mutations happen on the hub goroutine, driven by the three
// channels, so clients needs no lock.
type feedHub struct {
	clients map[*feedClient]bool

	entries chan []byte

	join  chan *feedClient
	leave chan *feedClient
}

// feedClient is one subscribed dashboard page.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Serializes writes to the connection.
}

// The dashboard is served from the same host/port as the API, so origin
// checking is not load-bearing here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFeedHub() *feedHub {
	return &feedHub{
		clients: make(map[*feedClient]bool),
		entries: make(chan []byte, 256),
		join:    make(chan *feedClient),
		leave:   make(chan *feedClient),
	}
}

func (h *feedHub) run() {
	for {
		select {
		case c := <-h.join:
			h.clients[c] = true
			slog.Debug("feed client joined", "total", len(h.clients))

		case c := <-h.leave:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				slog.Debug("feed client left", "total", len(h.clients))
			}

		case msg := <-h.entries:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// A client that stopped draining must not stall the
					// feed for everyone else. Drop it.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// broadcast queues an entry for every subscribed client. When the queue
// is full the entry is dropped rather than blocking the caller.
func (h *feedHub) broadcast(msg []byte) {
	select {
	case h.entries <- msg:
	default:
	}
}

// handleFeed upgrades the request to WebSocket and subscribes the client
// to the ledger feed.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.feed.join <- c

	go c.writeLoop()
	go c.readLoop(s.feed)
}

// writeLoop forwards queued entries to the connection until the send
// channel closes or a write fails.
func (c *feedClient) writeLoop() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readLoop discards anything the client sends. Its job is noticing the
// close frame (or a dead peer) and leaving the hub.
func (c *feedClient) readLoop(hub *feedHub) {
	defer func() {
		hub.leave <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
