// Package controllertest runs an in-process fake home-automation controller
// speaking the websocket and newline-delimited JSON transports.
package controllertest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultToken   = "test-token"
	DefaultVersion = "2024.6.0"
)

// Request is a decoded request frame received from the client.
type Request map[string]any

// ID returns the request id, or -1 if absent.
func (r Request) ID() int64 {
	if n, ok := r["id"].(float64); ok {
		return int64(n)
	}
	return -1
}

// Type returns the frame type.
func (r Request) Type() string {
	return r.String("type")
}

// String returns a string field or "".
func (r Request) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Reply describes how the controller answers one request.
type Reply struct {
	Result       any
	ErrorCode    string
	ErrorMessage string
	// Delay postpones the reply; replies to different requests are independent.
	Delay time.Duration
	// NoReply suppresses the response entirely.
	NoReply bool
}

// HandlerFunc answers a request.
type HandlerFunc func(Request) Reply

type session interface {
	read() ([]byte, error)
	write(data []byte) error
	close() error
}

// Controller is a fake controller. The zero value is not usable; call New.
type Controller struct {
	t       testing.TB
	Token   string
	Version string

	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	requests   []Request
	sessions   map[session]struct{}
	rejectAuth bool
	stall      bool
	authed     chan struct{}
}

// New returns a controller accepting DefaultToken.
func New(t testing.TB) *Controller {
	return &Controller{
		t:        t,
		Token:    DefaultToken,
		Version:  DefaultVersion,
		handlers: make(map[string]HandlerFunc),
		sessions: make(map[session]struct{}),
		authed:   make(chan struct{}, 16),
	}
}

// Handle installs the handler for a request type.
func (c *Controller) Handle(typ string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = h
}

// RejectAuth makes every handshake end in auth_invalid.
func (c *Controller) RejectAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAuth = true
}

// StallHandshake makes the controller never send auth_required.
func (c *Controller) StallHandshake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stall = true
}

// ServeTCP listens on a loopback port and returns a tcp:// endpoint.
func (c *Controller) ServeTCP() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		c.t.Fatalf("controllertest: listen: %v", err)
	}
	c.t.Cleanup(func() {
		ln.Close()
		c.DropConnections()
	})

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go c.serve(&lineSession{nc: nc, reader: bufio.NewReader(nc)})
		}
	}()
	return "tcp://" + ln.Addr().String()
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// ServeWebsocket starts an HTTP server and returns a ws:// endpoint.
func (c *Controller) ServeWebsocket() string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.serve(&wsSession{ws: ws})
	}))
	c.t.Cleanup(func() {
		c.DropConnections()
		srv.Close()
	})
	return "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/api/websocket"
}

// Requests returns the requests received of the given type, or all when typ is "".
func (c *Controller) Requests(typ string) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Request
	for _, r := range c.requests {
		if typ == "" || r.Type() == typ {
			out = append(out, r)
		}
	}
	return out
}

// WaitAuthenticated blocks until a session completes the handshake.
func (c *Controller) WaitAuthenticated(timeout time.Duration) bool {
	select {
	case <-c.authed:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Emit pushes an event frame to every connected session.
func (c *Controller) Emit(eventType string, data any) {
	c.broadcast(map[string]any{
		"type": "event",
		"event": map[string]any{
			"event_type": eventType,
			"data":       data,
			"origin":     "LOCAL",
			"time_fired": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

// SendRaw writes raw bytes as one frame to every connected session.
func (c *Controller) SendRaw(raw string) {
	for _, s := range c.snapshot() {
		s.write([]byte(raw))
	}
}

// DropConnections closes every session.
func (c *Controller) DropConnections() {
	for _, s := range c.snapshot() {
		s.close()
	}
}

// Sessions returns the number of open sessions.
func (c *Controller) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Controller) snapshot() []session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Controller) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Errorf("controllertest: marshal: %v", err)
		return
	}
	for _, s := range c.snapshot() {
		s.write(data)
	}
}

func (c *Controller) serve(s session) {
	c.mu.Lock()
	c.sessions[s] = struct{}{}
	stall, reject := c.stall, c.rejectAuth
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.sessions, s)
		c.mu.Unlock()
		s.close()
	}()

	if stall {
		for {
			if _, err := s.read(); err != nil {
				return
			}
		}
	}

	if !c.send(s, map[string]any{"type": "auth_required", "ha_version": c.Version}) {
		return
	}

	data, err := s.read()
	if err != nil {
		return
	}
	var auth Request
	if err := json.Unmarshal(data, &auth); err != nil || auth.Type() != "auth" {
		c.send(s, map[string]any{"type": "auth_invalid", "message": "Expected auth message"})
		return
	}
	if reject || auth.String("access_token") != c.Token {
		c.send(s, map[string]any{"type": "auth_invalid", "message": "Invalid access token or password"})
		return
	}
	if !c.send(s, map[string]any{"type": "auth_ok", "ha_version": c.Version}) {
		return
	}
	select {
	case c.authed <- struct{}{}:
	default:
	}

	for {
		data, err := s.read()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		c.mu.Lock()
		c.requests = append(c.requests, req)
		h := c.handlers[req.Type()]
		c.mu.Unlock()

		reply := defaultReply(req)
		if h != nil {
			reply = h(req)
		}
		go c.respond(s, req.ID(), reply)
	}
}

func defaultReply(req Request) Reply {
	switch req.Type() {
	case "subscribe_events", "call_service":
		return Reply{}
	case "get_states":
		return Reply{Result: []any{}}
	default:
		return Reply{ErrorCode: "unknown_command", ErrorMessage: "Unknown command."}
	}
}

func (c *Controller) respond(s session, id int64, r Reply) {
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	if r.NoReply {
		return
	}
	frame := map[string]any{"id": id, "type": "result"}
	if r.ErrorCode != "" {
		frame["success"] = false
		frame["error"] = map[string]any{"code": r.ErrorCode, "message": r.ErrorMessage}
	} else {
		frame["success"] = true
		frame["result"] = r.Result
	}
	c.send(s, frame)
}

func (c *Controller) send(s session, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Errorf("controllertest: marshal: %v", err)
		return false
	}
	return s.write(data) == nil
}

type lineSession struct {
	nc     net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

func (s *lineSession) read() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *lineSession) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.nc.Write(append(append([]byte(nil), data...), '\n'))
	return err
}

func (s *lineSession) close() error {
	return s.nc.Close()
}

type wsSession struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *wsSession) read() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	return data, err
}

func (s *wsSession) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) close() error {
	return s.ws.Close()
}
