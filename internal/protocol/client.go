package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultRequestTimeout  = 5 * time.Second
	DefaultAuthTimeout     = 10 * time.Second
	DefaultSubscriberQueue = 64
)

// DefaultSubscribeEvents are the event types subscribed to after authentication.
var DefaultSubscribeEvents = []string{EventStateChanged, EventRemoteButton}

// Options configures a Client.
type Options struct {
	Endpoint    string
	AccessToken string

	// RequestTimeout is used by Execute when no timeout is given.
	RequestTimeout time.Duration
	// AuthTimeout bounds Connect from dial to auth_ok.
	AuthTimeout time.Duration
	// SubscribeEvents lists event types requested after authentication.
	// nil means DefaultSubscribeEvents; an empty slice subscribes to nothing.
	SubscribeEvents []string
	// SubscriberQueue is the per-subscriber event buffer.
	SubscriberQueue int

	Dialer Dialer
	Logger *slog.Logger

	// OnStateChange is called on every state transition while the client
	// lock is held. It must not call back into the client.
	OnStateChange func(ConnState)
}

type response struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	issuedAt time.Time
	deadline time.Time
	done     chan response
}

// Client is a persistent, authenticated connection to the controller that
// multiplexes concurrent requests and fans out unsolicited events.
//
// Lock order: writeMu before mu.
type Client struct {
	opts   Options
	logger *slog.Logger
	events *eventBus

	mu       sync.Mutex
	state    ConnState
	conn     Conn
	gen      uint64
	nextID   int64
	pending  map[int64]*pendingRequest
	authDone chan error

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.SubscribeEvents == nil {
		opts.SubscribeEvents = DefaultSubscribeEvents
	}
	if opts.SubscriberQueue <= 0 {
		opts.SubscriberQueue = DefaultSubscriberQueue
	}
	if opts.Dialer == nil {
		opts.Dialer = Dial
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "protocol", "endpoint", opts.Endpoint)

	return &Client{
		opts:    opts,
		logger:  logger,
		events:  newEventBus(opts.SubscriberQueue, logger),
		state:   Disconnected{},
		pending: make(map[int64]*pendingRequest),
	}
}

// Connect dials the controller and completes the authentication handshake.
// It returns an *AuthError if the token is rejected and ErrHandshakeTimeout
// if auth_ok does not arrive within the auth timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.(type) {
	case Disconnected, Failed:
	default:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.gen++
	gen := c.gen
	authDone := make(chan error, 1)
	c.authDone = authDone
	c.setState(AwaitingAuthChallenge{})
	c.mu.Unlock()

	authCtx, cancel := context.WithTimeout(ctx, c.opts.AuthTimeout)
	defer cancel()

	conn, err := c.opts.Dialer(authCtx, c.opts.Endpoint)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.authDone = nil
			c.setState(Disconnected{Err: err})
		}
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.opts.Endpoint, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return ErrConnectionLost
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	select {
	case err := <-authDone:
		if err != nil {
			return err
		}
	case <-authCtx.Done():
		if c.abort(gen, ErrHandshakeTimeout) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrHandshakeTimeout
		}
		// The handshake ended as the deadline fired; its result is on authDone.
		if err := <-authDone; err != nil {
			return err
		}
	}

	for _, eventType := range c.opts.SubscribeEvents {
		_, err := c.Execute(ctx, Payload{"type": TypeSubscribeEvents, "event_type": eventType}, 0)
		if err != nil {
			c.logger.Warn("event subscription failed", "event_type", eventType, "error", err)
			continue
		}
		c.logger.Debug("subscribed to events", "event_type", eventType)
	}
	return nil
}

// Disconnect closes the transport. Requests in flight fail with ErrConnectionLost.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	pending := c.takePending()
	authDone := c.authDone
	c.authDone = nil
	if _, ok := c.state.(Disconnected); !ok {
		c.setState(Disconnected{})
	}
	c.mu.Unlock()

	if authDone != nil {
		authDone <- ErrConnectionLost
	}
	failAll(pending, ErrConnectionLost)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Subscribe registers handler for events of eventType (AnyEvent for all) and
// returns a function that removes the subscription. Subscriptions survive
// reconnects; events delivered before Subscribe are not replayed.
func (c *Client) Subscribe(eventType string, handler Handler) func() {
	return c.events.subscribe(eventType, handler)
}

// DroppedEvents returns how many events were dropped because a subscriber queue was full.
func (c *Client) DroppedEvents() uint64 {
	return c.events.dropped.Load()
}

// Execute sends payload as a request and waits for the matching result.
// A zero timeout uses the client default. Responses for concurrent calls
// may arrive in any order.
func (c *Client) Execute(ctx context.Context, payload Payload, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	// Ids are allocated under the write lock so they reach the wire in order.
	c.writeMu.Lock()
	c.mu.Lock()
	if !IsReady(c.state) || c.conn == nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, ErrConnectionNotReady
	}
	conn := c.conn
	c.nextID++
	id := c.nextID
	now := time.Now()
	p := &pendingRequest{issuedAt: now, deadline: now.Add(timeout), done: make(chan response, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	data, err := encodeRequest(id, payload)
	if err == nil {
		err = conn.WriteFrame(data)
		if err != nil {
			err = fmt.Errorf("%w: write request %d: %v", ErrConnectionLost, id, err)
		}
	} else {
		err = fmt.Errorf("encode request: %w", err)
	}
	c.writeMu.Unlock()

	if err != nil {
		if c.forget(id) {
			return nil, err
		}
		r := <-p.done
		return r.result, r.err
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.result, r.err
	case <-timer.C:
		if c.forget(id) {
			c.logger.Warn("request timed out",
				"id", id,
				"type", payload["type"],
				"elapsed", time.Since(p.issuedAt),
			)
			return nil, fmt.Errorf("request %d: %w", id, ErrRequestTimeout)
		}
	case <-ctx.Done():
		if c.forget(id) {
			return nil, ctx.Err()
		}
	}
	// The entry was claimed by a response or a connection loss first.
	r := <-p.done
	return r.result, r.err
}

// forget removes a pending entry and reports whether it was still present.
func (c *Client) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			c.connectionClosed(conn, gen, err)
			return
		}
		c.handleFrame(conn, gen, data)
	}
}

func (c *Client) handleFrame(conn Conn, gen uint64, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
		return
	}

	switch f.Type {
	case TypeAuthRequired:
		c.mu.Lock()
		_, awaiting := c.state.(AwaitingAuthChallenge)
		current := c.gen == gen
		if current && awaiting {
			c.setState(Authenticating{})
		}
		c.mu.Unlock()
		if !current || !awaiting {
			c.logger.Debug("ignoring auth challenge", "state", c.State().String())
			return
		}
		frame, err := encodeAuth(c.opts.AccessToken)
		if err != nil {
			c.logger.Error("encode auth frame", "error", err)
			return
		}
		c.writeMu.Lock()
		err = conn.WriteFrame(frame)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("send auth frame", "error", err)
		}

	case TypeAuthOK:
		c.mu.Lock()
		if _, ok := c.state.(Authenticating); !ok || c.gen != gen {
			c.mu.Unlock()
			c.logger.Debug("ignoring unexpected auth_ok")
			return
		}
		c.setState(Ready{Version: f.HAVersion})
		authDone := c.authDone
		c.authDone = nil
		c.mu.Unlock()
		if authDone != nil {
			authDone <- nil
		}

	case TypeAuthInvalid:
		c.mu.Lock()
		if _, ok := c.state.(Authenticating); !ok || c.gen != gen {
			c.mu.Unlock()
			c.logger.Debug("ignoring unexpected auth_invalid")
			return
		}
		c.setState(Failed{Reason: f.Message})
		authDone := c.authDone
		c.authDone = nil
		c.mu.Unlock()
		if authDone != nil {
			authDone <- &AuthError{Message: f.Message}
		}
		conn.Close()

	case TypeResult:
		c.resolve(gen, f)

	case TypeEvent:
		if !c.current(gen) {
			return
		}
		c.events.publish(*f.Event)

	default:
		if f.ID != nil && c.resolve(gen, f) {
			return
		}
		if !c.current(gen) {
			return
		}
		c.events.publish(Event{EventType: f.Type, Data: json.RawMessage(data)})
	}
}

// resolve completes the pending request matching f.ID and reports whether one existed.
func (c *Client) resolve(gen uint64, f inboundFrame) bool {
	id := *f.ID
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok && c.gen == gen {
		delete(c.pending, id)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown or expired request", "id", id)
		return false
	}

	if f.Type == TypeResult && !f.Success {
		rerr := f.Error
		if rerr == nil {
			rerr = &RemoteError{Code: "unknown_error"}
		}
		p.done <- response{err: rerr}
		return true
	}
	result := f.Result
	if len(result) == 0 {
		result = nil
	}
	p.done <- response{result: result}
	return true
}

func (c *Client) connectionClosed(conn Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.takePending()
	authDone := c.authDone
	c.authDone = nil
	if _, failed := c.state.(Failed); !failed {
		c.setState(Disconnected{Err: cause})
	}
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("connection closed", "error", cause, "pending", len(pending))

	if authDone != nil {
		authDone <- fmt.Errorf("%w during handshake: %v", ErrConnectionLost, cause)
	}
	failAll(pending, ErrConnectionLost)
}

// abort tears down the handshake of generation gen with cause. It reports
// false when the handshake already ended, leaving the connection untouched.
func (c *Client) abort(gen uint64, cause error) bool {
	c.mu.Lock()
	if c.gen != gen || c.authDone == nil {
		c.mu.Unlock()
		return false
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	pending := c.takePending()
	c.authDone = nil
	c.setState(Disconnected{Err: cause})
	c.mu.Unlock()

	failAll(pending, ErrConnectionLost)
	if conn != nil {
		conn.Close()
	}
	return true
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// takePending empties the pending table. Caller holds mu.
func (c *Client) takePending() map[int64]*pendingRequest {
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	return pending
}

// setState records a transition. Caller holds mu.
func (c *Client) setState(s ConnState) {
	prev := c.state
	c.state = s
	attrs := []any{"from", prev.String(), "to", s.String()}
	switch st := s.(type) {
	case Ready:
		attrs = append(attrs, "version", st.Version)
	case Failed:
		attrs = append(attrs, "reason", st.Reason)
	case Disconnected:
		if st.Err != nil {
			attrs = append(attrs, "error", st.Err)
		}
	}
	c.logger.Info("connection state changed", attrs...)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func failAll(pending map[int64]*pendingRequest, err error) {
	for _, p := range pending {
		p.done <- response{err: err}
	}
}
