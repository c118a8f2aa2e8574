// Package realtime is the optional inspection listener: a websocket
// mirror of the host's output stream plus health and metrics
// endpoints. Lines received from inspection clients are injected into
// the host's command queue, so a developer can drive the protocol from
// a browser console while the real UI holds stdin.
package realtime

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	historyLines = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The listener binds to loopback; origin is not the gate.
	},
}

// SubmitFunc injects one raw command line into the host's queue.
type SubmitFunc func(line []byte)

// Server fans the host's output stream out to inspection clients.
type Server struct {
	submit  SubmitFunc
	metrics http.Handler
	history *ringBuffer

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates an inspection server. metricsHandler may be nil.
func New(submit SubmitFunc, metricsHandler http.Handler) *Server {
	return &Server{
		submit:  submit,
		metrics: metricsHandler,
		history: newRingBuffer(historyLines),
		clients: make(map[*client]bool),
	}
}

// Broadcast mirrors one output line to every connected client and the
// replay history. Slow clients are skipped, never blocked on: the
// mirror must not stall the protocol stream.
func (s *Server) Broadcast(line []byte) {
	// The writer reuses nothing, but clients outlive the call.
	lineCopy := make([]byte, len(line))
	copy(lineCopy, line)
	s.history.Write(lineCopy)

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- lineCopy:
		default:
			// Client buffer full, skip.
		}
	}
}

// Handler returns the inspection mux: /ws, /healthz, and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", requireGet(s.metrics))
	}
	return mux
}

// requireGet rejects non-GET requests with 405, matching the behavior of the
// Go 1.22+ ServeMux "GET /path" pattern syntax on a Go 1.21 toolchain.
func requireGet(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	// The buffer leaves room for the full history replay plus a burst
	// of live traffic.
	c := &client{
		conn:   conn,
		send:   make(chan []byte, historyLines+256),
		server: s,
	}

	// Replay recent traffic before live lines start flowing.
	for _, line := range s.history.ReadAll() {
		c.send <- line
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if ok {
		close(c.send)
	}
}

// readPump reads lines from the client and injects them as commands.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
		if c.server.submit != nil {
			c.server.submit(message)
		}
	}
}

// writePump writes mirrored lines to the client connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
