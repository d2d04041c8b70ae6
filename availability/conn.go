package availability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

const writeTimeout = 5 * time.Second

// Conn is one live-channel connection carrying JSON text frames.
type Conn interface {
	Send(frame []byte) error
	// Receive blocks until the next frame or until the connection fails.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens live-channel connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with golang.org/x/net/websocket.
type WebSocketDialer struct {
	Origin string
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(rawURL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			cfg.Header.Add(k, v)
		}
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *wsConn) Send(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return websocket.Message.Send(c.ws, string(frame))
}

func (c *wsConn) Receive() ([]byte, error) {
	var frame string
	if err := websocket.Message.Receive(c.ws, &frame); err != nil {
		return nil, err
	}
	return []byte(frame), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
