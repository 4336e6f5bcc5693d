package protocol

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Conn is a framed, bidirectional transport to the controller.
// ReadFrame is called from one goroutine; WriteFrame calls are serialized by the client.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens a transport to endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// Dial opens a websocket transport for ws:// and wss:// endpoints and a
// newline-delimited JSON transport for tcp:// endpoints.
func Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		return NewWebsocketConn(ws), nil
	case "tcp":
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("tcp dial: %w", err)
		}
		return NewLineConn(nc), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

type websocketConn struct {
	ws *websocket.Conn
}

// NewWebsocketConn wraps a websocket connection; each text message is one frame.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	return &websocketConn{ws: ws}
}

func (c *websocketConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *websocketConn) WriteFrame(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}

type lineConn struct {
	nc     net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewLineConn wraps a stream connection carrying one JSON frame per line.
func NewLineConn(nc net.Conn) Conn {
	return &lineConn{nc: nc, reader: bufio.NewReaderSize(nc, 64*1024)}
}

func (c *lineConn) ReadFrame() ([]byte, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *lineConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.nc.Write(buf)
	return err
}

func (c *lineConn) Close() error {
	return c.nc.Close()
}
