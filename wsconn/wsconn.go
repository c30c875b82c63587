// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package wsconn carries an h2mux connection over a WebSocket, so the
// multiplexer can pass through HTTP infrastructure that only forwards
// WebSocket upgrades.
package wsconn

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linkdata/h2mux"
	"github.com/pkg/errors"
)

// Subprotocol is the WebSocket subprotocol negotiated by Dial and Handler.
const Subprotocol = "h2mux"

// closeTimeout bounds the wait for the close message to be written.
const closeTimeout = time.Second

// Conn adapts a *websocket.Conn to a net.Conn. Every Write is sent as one
// binary message, and Read returns message payloads as a byte stream.
type Conn struct {
	ws      *websocket.Conn
	r       io.Reader  // current message, nil between messages
	readMu  sync.Mutex // guards r
	writeMu sync.Mutex
	once    sync.Once
}

var _ net.Conn = (*Conn)(nil)

// New wraps ws.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (n int, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for n == 0 && len(p) > 0 {
		if c.r == nil {
			var mt int
			if mt, c.r, err = c.ws.NextReader(); err != nil {
				c.r = nil
				return 0, closeErr(err)
			}
			if mt != websocket.BinaryMessage {
				c.r = nil
				return 0, errors.Errorf("wsconn: unexpected message type %d", mt)
			}
		}
		n, err = c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			err = nil
		} else if err != nil {
			return n, closeErr(err)
		}
	}
	return
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, closeErr(err)
	}
	return len(p), nil
}

// Close sends a close message and closes the underlying connection.
func (c *Conn) Close() (err error) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		err = errors.WithStack(c.ws.Close())
	})
	return
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() net.Addr { return c.ws.LocalAddr() }

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// SetDeadline implements net.Conn.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.ws.SetWriteDeadline(t))
}

// SetReadDeadline implements net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return errors.WithStack(c.ws.SetReadDeadline(t))
}

// SetWriteDeadline implements net.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return errors.WithStack(c.ws.SetWriteDeadline(t))
}

// closeErr maps a normal WebSocket closure to io.EOF.
func closeErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return errors.WithStack(err)
}

// Dialer returns a function suitable for h2mux.Client.Dial that connects
// to the WebSocket endpoint at url. The address passed to it is ignored.
func Dialer(url string, header http.Header) func(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	return func(ctx context.Context, _ string) (net.Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, errors.Wrap(err, url)
		}
		return New(ws), nil
	}
}

// Handler upgrades HTTP requests to WebSockets and serves each as an
// h2mux connection of srv.
func Handler(srv *h2mux.Server) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  h2mux.DefaultReadBufferSize,
		WriteBufferSize: h2mux.DefaultReadBufferSize,
		Subprotocols:    []string{Subprotocol},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error
			return
		}
		conn := New(ws)
		if err := srv.ServeConn(r.Context(), conn); err != nil && !h2mux.IsClosedError(err) {
			if cfg := srv.Config; cfg != nil {
				cfg.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket connection failed")
			}
		}
	})
}
