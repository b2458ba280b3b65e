package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
)

// WebSocketConnector connects WSAddr endpoints and exposes each session as
// a byte stream of binary messages.
type WebSocketConnector struct {
	Dialer  *websocket.Dialer
	Timeout time.Duration
}

// NewWebSocketConnector creates a connector using a copy of
// websocket.DefaultDialer.
func NewWebSocketConnector() *WebSocketConnector {
	d := *websocket.DefaultDialer
	return &WebSocketConnector{Dialer: &d, Timeout: 30 * time.Second}
}

// CanConnect reports whether addr is a WSAddr.
func (c *WebSocketConnector) CanConnect(addr net.Addr) bool {
	_, ok := addr.(*WSAddr)
	return ok
}

// Connect dials addr on a new goroutine and reports the stream to obs.
// The returned observer is obs.
func (c *WebSocketConnector) Connect(ctx context.Context, addr net.Addr, obs socket.ConnectObserver) (socket.ConnectObserver, error) {
	ws, ok := addr.(*WSAddr)
	if !ok {
		return nil, fmt.Errorf("websocket connector cannot connect %s address %s", addr.Network(), addr)
	}
	go func() {
		conn, err := c.Dial(ctx, ws)
		if err != nil {
			if ctx.Err() != nil {
				obs.HandleConnect(socket.Cancelled())
				return
			}
			obs.HandleConnect(socket.Failed(err))
			return
		}
		obs.HandleConnect(socket.Connected(conn))
	}()
	return obs, nil
}

// Dial performs the WebSocket handshake with addr.
func (c *WebSocketConnector) Dial(ctx context.Context, addr *WSAddr) (net.Conn, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	d := c.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	ws, resp, err := d.DialContext(ctx, addr.URL.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, socket.NewOpError("connect", addr, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "WebSocketConnector.Dial",
		"url":      addr.String(),
	}).Debug("WebSocket connected")
	return NewWSConn(ws), nil
}

// WSConn adapts a websocket.Conn to net.Conn. Reads span message
// boundaries; each Write sends one binary message.
type WSConn struct {
	ws *websocket.Conn

	rmu sync.Mutex
	cur io.Reader

	wmu sync.Mutex
}

// NewWSConn wraps ws.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.cur == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				return 0, fmt.Errorf("received non-binary websocket message")
			}
			c.cur = r
		}
		n, err := c.cur.Read(p)
		if err == io.EOF {
			c.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WSConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection.
func (c *WSConn) Close() error {
	c.wmu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *WSConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
