// Package hub fans alert frames out to WebSocket display clients.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"meetbell/internal/display"
	"meetbell/pkg/logx"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

type client struct {
	send chan []byte
}

// Hub is a display.Sink. Slow clients drop frames rather than stall delivery.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	origins []string
	log     logx.Logger
}

// New returns a hub accepting connections from the given origin patterns in
// addition to same-origin requests.
func New(origins []string, log logx.Logger) *Hub {
	return &Hub{
		clients: map[*client]struct{}{},
		origins: origins,
		log:     log.With(logx.String("comp", "display.hub")),
	}
}

func (h *Hub) Name() string { return "hub" }

func (h *Hub) Show(_ context.Context, n display.Notification) error {
	return h.broadcast(n.Frame())
}

func (h *Hub) Close(_ context.Context, meetingID string) error {
	return h.broadcast(display.Frame{Type: display.FrameClose, MeetingID: meetingID})
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(f display.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn("display client slow; frame dropped", logx.String("meeting", f.MeetingID))
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams frames until the client or the
// request context goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("websocket accept failed", logx.Err(err))
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()
	h.log.Info("display client connected", logx.String("remote", r.RemoteAddr))

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.log.Info("display client gone", logx.String("remote", r.RemoteAddr))
			return
		case b := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				h.log.Debug("display client write failed", logx.Err(err))
				return
			}
		}
	}
}
