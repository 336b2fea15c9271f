// Package console exposes the serial monitor over WebSocket.
//
// Each attached monitor receives device output as {"type":"rx","data":...}
// frames, where data is base64 as encoding/json renders byte slices. A
// monitor may submit {"type":"line","text":...} to send a command,
// {"type":"key","code":...} to forward a raw key press, and {"type":"stats"}
// to request a counters snapshot. Monitors that fall behind lose chunks
// rather than slow the device path.
package console

import (
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/ringdock/ringdock/internal/bridge"
	"github.com/ringdock/ringdock/internal/utils"
)

const (
	frameRX    = "rx"
	frameLine  = "line"
	frameKey   = "key"
	frameStats = "stats"
	frameError = "error"

	// DefaultQueueDepth is how many pending device chunks a monitor may
	// have before new ones are dropped for it.
	DefaultQueueDepth = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is one JSON message in either direction.
type Frame struct {
	Type  string        `json:"type"`
	Data  []byte        `json:"data,omitempty"`
	Text  string        `json:"text,omitempty"`
	Code  byte          `json:"code,omitempty"`
	Stats *bridge.Stats `json:"stats,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Tapper is the device-output side the server mirrors to monitors.
// *bridge.Bridge satisfies it.
type Tapper interface {
	AttachTap(w io.Writer) func()
	Stats() bridge.Stats
}

// Sender is the input side monitors write into. *command.Adapter satisfies it.
type Sender interface {
	SendCommand(text string) error
	SendKey(b byte) error
}

// Config carries the server dependencies.
type Config struct {
	Tap        Tapper
	Input      Sender
	Logger     *utils.Logger
	QueueDepth int
}

// Server is an http.Handler that upgrades each request to a monitor session.
type Server struct {
	tap    Tapper
	input  Sender
	logger *utils.Logger
	depth  int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New validates cfg and returns a monitor server.
func New(cfg Config) (*Server, error) {
	if cfg.Tap == nil || cfg.Input == nil {
		return nil, utils.NewError("console", "new", "tap and input are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("console")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Server{
		tap:     cfg.Tap,
		input:   cfg.Input,
		logger:  cfg.Logger,
		depth:   cfg.QueueDepth,
		clients: make(map[*client]struct{}),
	}, nil
}

// client is one attached monitor. Writes to the conn are serialized; gorilla
// allows a single writer at a time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// monitorTap queues device chunks for one monitor. Write copies p because
// the read pump reuses its buffer, and never blocks: a full queue counts a
// drop instead.
type monitorTap struct {
	frames  chan []byte
	dropped atomic.Uint64
}

func newMonitorTap(depth int) *monitorTap {
	return &monitorTap{frames: make(chan []byte, depth)}
}

func (m *monitorTap) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case m.frames <- chunk:
	default:
		m.dropped.Inc()
	}
	return len(p), nil
}

// ServeHTTP upgrades the request and runs the monitor session until the
// peer goes away or the server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Monitor upgrade failed", utils.Err(err))
		return
	}

	c := &client{conn: conn}
	if !s.track(c) {
		_ = conn.Close()
		return
	}
	defer s.untrack(c)
	defer conn.Close()

	tap := newMonitorTap(s.depth)
	detach := s.tap.AttachTap(tap)
	defer detach()

	done := make(chan struct{})
	defer close(done)
	go s.pushLoop(c, tap, done)

	remote := conn.RemoteAddr().String()
	s.logger.Info("Monitor attached", utils.String("remote", remote))
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		s.dispatch(c, f)
	}
	s.logger.Info("Monitor detached",
		utils.String("remote", remote),
		utils.Uint64("dropped_chunks", tap.dropped.Load()))
}

// pushLoop forwards queued device chunks to one monitor.
func (s *Server) pushLoop(c *client, tap *monitorTap, done <-chan struct{}) {
	for {
		select {
		case chunk := <-tap.frames:
			if err := c.send(Frame{Type: frameRX, Data: chunk}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) dispatch(c *client, f Frame) {
	switch f.Type {
	case frameLine:
		if err := s.input.SendCommand(f.Text); err != nil {
			_ = c.send(Frame{Type: frameError, Error: err.Error()})
		}
	case frameKey:
		if err := s.input.SendKey(f.Code); err != nil {
			_ = c.send(Frame{Type: frameError, Error: err.Error()})
		}
	case frameStats:
		st := s.tap.Stats()
		_ = c.send(Frame{Type: frameStats, Stats: &st})
	default:
		_ = c.send(Frame{Type: frameError, Error: "unknown frame type " + f.Type})
	}
}

func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// ActiveMonitors reports how many sessions are attached.
func (s *Server) ActiveMonitors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close drops every attached monitor and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	return nil
}
