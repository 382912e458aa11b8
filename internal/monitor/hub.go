package monitor

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"rwa-exposure-bundle/internal/events"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultClientBuffer = 64
	clientWriteTimeout  = 5 * time.Second
)

// Backlog returns recent events replayed to a client when it connects.
type Backlog func(ctx context.Context) ([]events.Event, error)

type client struct {
	send chan events.Event
}

// Hub streams bundle events to websocket clients. A client that cannot keep
// up loses events rather than stalling the publisher.
type Hub struct {
	log     *zap.Logger
	buffer  int
	backlog Backlog

	mu      sync.Mutex
	clients map[*client]struct{}
	dropped atomic.Uint64
}

func NewHub(log *zap.Logger, buffer int) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &Hub{log: log, buffer: buffer, clients: make(map[*client]struct{})}
}

func (h *Hub) SetBacklog(fn Backlog) {
	h.mu.Lock()
	h.backlog = fn
	h.mu.Unlock()
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Publish implements events.Sink.
func (h *Hub) Publish(ctx context.Context, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			if h.dropped.Add(1) == 1 {
				h.log.Warn("websocket client too slow, dropping events")
			}
		}
	}
	return nil
}

func (h *Hub) register() *client {
	c := &client{send: make(chan events.Event, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// Clients only listen; CloseRead answers pings and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())
	c := h.register()
	defer h.unregister(c)

	h.mu.Lock()
	backlog := h.backlog
	h.mu.Unlock()
	if backlog != nil {
		recent, err := backlog(ctx)
		if err != nil {
			h.log.Warn("event backlog unavailable", zap.Error(err))
		}
		for _, ev := range recent {
			if err := h.write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-c.send:
			if err := h.write(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) == -1 {
					h.log.Debug("websocket write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
