// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"github.com/pkg/errors"
)

// Transport is the byte stream a Conn runs over. Read and Write may
// return ErrWouldBlock, or make no progress, to signal suspension.
type Transport interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Progress reports what one Poll achieved.
type Progress struct {
	Read      int  // bytes read from the transport
	Written   int  // bytes written to the transport
	WantRead  bool // the transport had nothing to read
	WantWrite bool // outbound bytes remain that the transport did not accept
}

// Poll performs one read from t, processes it, and writes as much outbound
// data as t accepts. Transport errors other than suspension terminate the
// connection. A terminated connection returns its error.
func (c *Conn) Poll(t Transport) (p Progress, err error) {
	if c.state != ConnClosed {
		if c.readBuf == nil {
			size := c.cfg.ReadBufferSize
			if size < FrameHeaderSize {
				size = DefaultReadBufferSize
			}
			c.readBuf = make([]byte, size)
		}
		n, rerr := t.Read(c.readBuf)
		if n > 0 {
			p.Read = n
			_ = c.Receive(c.readBuf[:n])
		}
		switch {
		case rerr == nil:
			p.WantRead = n == 0
		case IsWouldBlock(rerr):
			p.WantRead = true
		default:
			c.fail(errors.Wrap(rerr, "transport read"))
		}
	}
	for {
		out := c.Outbound()
		if len(out) == 0 {
			break
		}
		n, werr := t.Write(out)
		if n > 0 {
			c.Advance(n)
			p.Written += n
		}
		if werr != nil {
			if IsWouldBlock(werr) {
				p.WantWrite = true
			} else {
				c.fail(errors.Wrap(werr, "transport write"))
			}
			break
		}
		if n < len(out) {
			p.WantWrite = true
			break
		}
	}
	err = c.err
	return
}
