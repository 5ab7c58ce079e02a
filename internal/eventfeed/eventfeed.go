// Package eventfeed serves internal/events.Bus activity to connected
// dashboard clients over WebSocket. Grounded on the teacher's
// internal/homeassistant/websocket.go client, inverted here: that
// client dials out to Home Assistant and multiplexes pending requests
// by message ID over a single connection; this package instead
// upgrades incoming HTTP connections and fans one Bus out to many
// independent connections, each with its own write loop.
package eventfeed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

// Server upgrades HTTP connections to WebSocket and streams bus events
// to each client as JSON until the client disconnects or the server's
// context is canceled.
type Server struct {
	Bus *events.Bus
	Log *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan events.Event
}

// NewServer builds a Server broadcasting bus over WebSocket. log may
// be nil, in which case slog.Default is used.
func NewServer(bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Bus: bus,
		Log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams events to
// it until the connection closes. Implements http.Handler so callers
// wire it directly into an http.ServeMux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("eventfeed: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan events.Event, 64)}
	s.addClient(c)
	defer s.removeClient(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.discardReads(cancel)
	c.writeLoop(ctx, s.Log)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.conn.Close()
}

// discardReads drains and discards any client-initiated frames so the
// underlying connection's control-frame handling (ping/pong, close)
// keeps working, and cancels ctx once the client goes away. Dashboard
// clients are read-only consumers; they send nothing meaningful.
func (c *client) discardReads(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

const pingInterval = 30 * time.Second

func (c *client) writeLoop(ctx context.Context, log *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteJSON(e); err != nil {
				log.Debug("eventfeed: write failed, dropping client", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Run subscribes to s.Bus and fans every published event out to all
// connected clients until ctx is canceled. Run and ServeHTTP are
// independent: clients may connect and disconnect freely while Run is
// broadcasting.
func (s *Server) Run(ctx context.Context) {
	ch := s.Bus.Subscribe(256)
	defer s.Bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			s.broadcast(e)
		}
	}
}

func (s *Server) broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- e:
		default:
			s.Log.Warn("eventfeed: client send buffer full, dropping event", "kind", e.Kind)
		}
	}
}
