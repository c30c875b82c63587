// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
)

// StreamConn is one stream of a Driver, usable as a net.Conn. Reads return
// the peer's DATA, writes queue DATA subject to flow control, and header
// blocks are exchanged with Headers and WriteHeaders.
type StreamConn struct {
	d     *Driver
	id    StreamID
	local bool

	// guarded by d.mu
	headers    []hpack.HeaderField
	trailers   []hpack.HeaderField
	promise    []hpack.HeaderField
	gotHeaders bool
	err        error // set when the stream was reset
	closed     bool  // Close was called
	eof        bool

	headersCh     chan struct{} // closed when the first header block arrived or the stream ended
	readCh        chan struct{}
	writeCh       chan struct{}
	readDeadline  deadline
	writeDeadline deadline
}

func newStreamConn(d *Driver, id StreamID, local bool) *StreamConn {
	return &StreamConn{
		d:             d,
		id:            id,
		local:         local,
		headersCh:     make(chan struct{}),
		readCh:        make(chan struct{}, 1),
		writeCh:       make(chan struct{}, 1),
		readDeadline:  makeDeadline(),
		writeDeadline: makeDeadline(),
	}
}

func (sc *StreamConn) String() string {
	return fmt.Sprintf("[StreamConn %x:%d]", sc.d.serialNumber, uint32(sc.id))
}

// ID returns the stream identifier.
func (sc *StreamConn) ID() StreamID {
	return sc.id
}

// IsLocal returns true if this end opened the stream.
func (sc *StreamConn) IsLocal() bool {
	return sc.local
}

// Promise returns the request header block of a pushed stream, or nil.
func (sc *StreamConn) Promise() []hpack.HeaderField {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	return sc.promise
}

// Trailers returns the trailing header block. It is complete once Read
// has returned io.EOF.
func (sc *StreamConn) Trailers() []hpack.HeaderField {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	return sc.trailers
}

// State returns the protocol state of the stream.
func (sc *StreamConn) State() StreamState {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	return sc.d.conn.StreamState(sc.id)
}

func (sc *StreamConn) onHeaders(ev Event) {
	if !sc.gotHeaders {
		sc.gotHeaders = true
		sc.headers = ev.Headers
		close(sc.headersCh)
	} else {
		sc.trailers = ev.Headers
	}
	if ev.EndStream {
		signal(sc.readCh)
	}
}

func (sc *StreamConn) onReset(ev Event) {
	cause := errors.New("stream reset")
	if ev.Remote {
		cause = errors.New("stream reset by peer")
	}
	sc.err = errors.WithStack(StreamError{StreamID: sc.id, Code: ev.ErrCode, Cause: cause})
	sc.wakeAll()
}

// wakeAll releases every goroutine blocked on the stream. Needs d.mu.
func (sc *StreamConn) wakeAll() {
	if !sc.gotHeaders {
		sc.gotHeaders = true
		close(sc.headersCh)
	}
	signal(sc.readCh)
	signal(sc.writeCh)
}

// opTimer returns a timer channel for an operation timeout, nil if none.
func opTimer(dur time.Duration) (*time.Timer, <-chan time.Time) {
	if dur <= 0 {
		return nil, nil
	}
	t := time.NewTimer(dur)
	return t, t.C
}

// Headers waits for the peer's header block. For a locally opened stream
// that is the response, for a peer stream the request.
func (sc *StreamConn) Headers() ([]hpack.HeaderField, error) {
	timer, timeout := opTimer(sc.d.cfg.ReadTimeout.Duration)
	if timer != nil {
		defer timer.Stop()
	}
	select {
	case <-sc.headersCh:
	case <-sc.readDeadline.wait():
		return nil, errors.WithStack(timeoutError{})
	case <-timeout:
		return nil, errors.WithStack(timeoutError{})
	}
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	if sc.headers == nil {
		if sc.err != nil {
			return nil, sc.err
		}
		if err := sc.d.conn.Err(); err != nil {
			return nil, err
		}
		if sc.promise == nil {
			return nil, errors.Wrapf(ErrStreamClosed, "stream %d ended without headers", uint32(sc.id))
		}
	}
	return sc.headers, nil
}

// Read reads DATA of the stream. It returns io.EOF after the peer ended
// the stream, and a StreamError if the stream was reset.
func (sc *StreamConn) Read(p []byte) (n int, err error) {
	d := sc.d
	timer, timeout := opTimer(d.cfg.ReadTimeout.Duration)
	if timer != nil {
		defer timer.Stop()
	}
	for {
		d.mu.Lock()
		switch {
		case sc.err != nil:
			err = sc.err
		case sc.closed:
			err = errors.WithStack(io.ErrClosedPipe)
		case sc.eof:
			err = io.EOF
		default:
			n, err = d.conn.ReadData(sc.id, p)
			sc.eof = err == io.EOF
		}
		d.mu.Unlock()
		if n > 0 {
			d.wake()
			if err != io.EOF {
				err = nil
			}
			return
		}
		if !IsWouldBlock(err) {
			return
		}
		if d.isClosed() {
			return 0, errors.WithStack(ErrConnClosed)
		}
		select {
		case <-sc.readCh:
		case <-d.doneChan:
		case <-sc.readDeadline.wait():
			return 0, errors.WithStack(timeoutError{})
		case <-timeout:
			return 0, errors.WithStack(timeoutError{})
		}
	}
}

// Write queues p as DATA, blocking while the stream's send buffer is full.
func (sc *StreamConn) Write(p []byte) (n int, err error) {
	d := sc.d
	timer, timeout := opTimer(d.cfg.WriteTimeout.Duration)
	if timer != nil {
		defer timer.Stop()
	}
	for {
		var m int
		d.mu.Lock()
		if sc.err != nil {
			err = sc.err
		} else {
			m, err = d.conn.SendData(sc.id, p[n:], false)
		}
		d.mu.Unlock()
		n += m
		if m > 0 {
			d.wake()
		}
		if !IsWouldBlock(err) {
			return
		}
		if d.isClosed() {
			return n, errors.WithStack(ErrConnClosed)
		}
		select {
		case <-sc.writeCh:
		case <-d.doneChan:
		case <-sc.writeDeadline.wait():
			return n, errors.WithStack(timeoutError{})
		case <-timeout:
			return n, errors.WithStack(timeoutError{})
		}
	}
}

// WriteHeaders sends a header block: response headers, the headers of a
// pushed stream, or trailers. endStream ends the local side. On a pushed
// stream it fails with ErrStreamLimit while the peer admits no more streams.
func (sc *StreamConn) WriteHeaders(fields []hpack.HeaderField, endStream bool) (err error) {
	sc.d.mu.Lock()
	if err = sc.err; err == nil {
		err = sc.d.conn.SendHeaders(sc.id, fields, endStream)
	}
	sc.d.mu.Unlock()
	sc.d.wake()
	return
}

// Push promises a stream to the peer, associated with this one. The
// returned StreamConn sends the pushed response.
func (sc *StreamConn) Push(request []hpack.HeaderField) (*StreamConn, error) {
	d := sc.d
	d.mu.Lock()
	pid, err := d.conn.Push(sc.id, request)
	var ps *StreamConn
	if err == nil {
		ps = newStreamConn(d, pid, true)
		ps.promise = request
		d.streams[pid] = ps
	}
	d.mu.Unlock()
	d.wake()
	return ps, err
}

// CloseWrite ends the local side of the stream. Reading continues.
func (sc *StreamConn) CloseWrite() (err error) {
	sc.d.mu.Lock()
	if err = sc.err; err == nil {
		err = sc.d.conn.CloseStream(sc.id)
	}
	sc.d.mu.Unlock()
	sc.d.wake()
	return
}

// Close ends the local side of the stream and discards anything the peer
// still sends on it. Blocked reads return io.ErrClosedPipe.
func (sc *StreamConn) Close() (err error) {
	d := sc.d
	d.mu.Lock()
	if !sc.closed {
		sc.closed = true
		if sc.err == nil && d.conn.Err() == nil {
			if err = d.conn.CloseStream(sc.id); IsClosedError(err) || errors.Cause(err) == ErrStreamClosed {
				err = nil
			}
			d.discardLocked(sc)
		} else {
			delete(d.streams, sc.id)
		}
		sc.wakeAll()
	}
	d.mu.Unlock()
	sc.readDeadline.stop()
	sc.writeDeadline.stop()
	d.wake()
	return
}

// Reset aborts the stream with RST_STREAM(code).
func (sc *StreamConn) Reset(code ErrCode) (err error) {
	d := sc.d
	d.mu.Lock()
	if sc.err == nil {
		err = d.conn.Reset(sc.id, code)
		sc.err = errors.WithStack(StreamError{StreamID: sc.id, Code: code, Cause: errors.New("stream reset")})
		delete(d.streams, sc.id)
		sc.wakeAll()
	}
	d.mu.Unlock()
	d.wake()
	return
}

type streamAddr struct{}

func (streamAddr) Network() string { return "h2mux" }
func (streamAddr) String() string  { return "h2mux" }

// LocalAddr returns the local address of the transport if it has one.
func (sc *StreamConn) LocalAddr() net.Addr {
	if nc, ok := sc.d.ReadWriteCloser.(net.Conn); ok {
		return nc.LocalAddr()
	}
	return streamAddr{}
}

// RemoteAddr returns the remote address of the transport if it has one.
func (sc *StreamConn) RemoteAddr() net.Addr {
	if nc, ok := sc.d.ReadWriteCloser.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return streamAddr{}
}

// SetDeadline sets the read and write deadlines associated
// with the stream. It is equivalent to calling both
// SetReadDeadline and SetWriteDeadline.
func (sc *StreamConn) SetDeadline(t time.Time) error {
	if err := sc.SetReadDeadline(t); err != nil {
		return err
	}
	return sc.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls
// and any currently-blocked Read call.
// A zero value for t means Read will not time out.
func (sc *StreamConn) SetReadDeadline(t time.Time) error {
	if sc.isClosed() {
		return errors.WithStack(io.ErrClosedPipe)
	}
	sc.readDeadline.set(t)
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls
// and any currently-blocked Write call.
// A zero value for t means Write will not time out.
func (sc *StreamConn) SetWriteDeadline(t time.Time) error {
	if sc.isClosed() {
		return errors.WithStack(io.ErrClosedPipe)
	}
	sc.writeDeadline.set(t)
	return nil
}

func (sc *StreamConn) isClosed() bool {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	return sc.closed
}
