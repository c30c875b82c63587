// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"github.com/linkdata/h2mux/hpack"
)

// writeBudget is how many bytes Outbound assembles at most per batch,
// beyond the control frames already queued.
const writeBudget = 4 * frameBufCap

// wrote accounts for a frame placed in the outbound stream.
func (c *Conn) wrote(f *Frame) {
	c.metrics.frameWritten(f.Type)
	c.logFrame("send", f)
}

// queueFrame encodes a control frame into the outbound queue.
func (c *Conn) queueFrame(f *Frame) {
	if c.err == nil {
		c.queue = append(c.queue, AppendFrame(frameBufAlloc(), f))
		c.wrote(f)
	}
}

func (c *Conn) queueWindowUpdate(id StreamID, incr uint32) {
	if incr > 0 {
		c.queueFrame(&Frame{Type: FrameWindowUpdate, StreamID: id, Increment: incr})
	}
}

// appendHeaderBlock encodes fields and appends them as the frames of one
// header block, first followed by CONTINUATION frames as needed.
func (c *Conn) appendHeaderBlock(dst []byte, first *Frame, fields []hpack.HeaderField) []byte {
	c.hdrBuf = c.enc.AppendEncode(c.hdrBuf[:0], fields)
	dst = appendHeaderBlock(dst, first, c.hdrBuf, int(c.peer.MaxFrameSize))
	c.wrote(first)
	return dst
}

func headersFrame(id StreamID, end bool) *Frame {
	f := &Frame{Type: FrameHeaders, StreamID: id}
	if end {
		f.Flags |= FlagHeadersEndStream
	}
	return f
}

// queueHeaders encodes a header block into the outbound queue. Encoding
// happens here so the HPACK state follows the order frames are written in.
func (c *Conn) queueHeaders(id StreamID, fields []hpack.HeaderField, end bool) {
	if c.err == nil {
		c.queue = append(c.queue, c.appendHeaderBlock(frameBufAlloc(), headersFrame(id, end), fields))
	}
}

// Outbound returns the bytes to write to the transport next. The slice is
// valid until the next call on the Conn. An empty result means there is
// nothing to write.
func (c *Conn) Outbound() []byte {
	if c.outOff >= len(c.out) {
		c.out = c.out[:0]
		c.outOff = 0
		c.fill()
	}
	return c.out[c.outOff:]
}

// Advance marks n bytes of Outbound as written.
func (c *Conn) Advance(n int) {
	if n > len(c.out)-c.outOff {
		n = len(c.out) - c.outOff
	}
	if n > 0 {
		c.outOff += n
		c.metrics.AddBytesWritten(int64(n))
	}
}

// fill moves queued control frames to the outbound buffer, then DATA
// frames picked by the scheduler within the available send credit.
func (c *Conn) fill() {
	for i, b := range c.queue {
		c.out = append(c.out, b...)
		frameBufFree(b)
		c.queue[i] = nil
	}
	c.queue = c.queue[:0]
	if c.err != nil {
		return
	}
	maxFrame := int(c.peer.MaxFrameSize)
	for len(c.out) < writeBudget {
		id, ok := c.sched.next()
		if !ok {
			break
		}
		s := c.streams[id]
		if s == nil || s.done || !s.wantsWrite() {
			c.sched.markIdle(id)
			continue
		}
		want := len(s.sendBuf)
		if want > maxFrame {
			want = maxFrame
		}
		n := c.flow.ReserveSend(id, want)
		if n == 0 && want > 0 {
			c.sched.markIdle(id)
			c.metrics.flowStall()
			continue
		}
		f := &Frame{Type: FrameData, StreamID: id, Data: s.sendBuf[:n]}
		end := s.sendEnd && n == len(s.sendBuf)
		if end {
			f.Flags |= FlagDataEndStream
		}
		c.out = AppendFrame(c.out, f)
		c.wrote(f)
		c.flow.ConsumeSend(id, n)
		c.sched.charge(id, n)
		if s.sendBuf = s.sendBuf[n:]; len(s.sendBuf) == 0 {
			s.sendBuf = nil
		}
		if end {
			s.sendEnd = false
			s.onSendEnd()
		}
		if !s.wantsWrite() {
			c.sched.markIdle(id)
			c.flushPending(s)
			c.afterTransition(s)
		}
	}
}

// flushPending writes the header blocks that waited for the stream's data,
// moving the data queued behind each block into the send buffer.
func (c *Conn) flushPending(s *stream) {
	for len(s.pending) > 0 && !s.wantsWrite() {
		ph := s.pending[0]
		s.pending[0] = pendingHeaders{}
		s.pending = s.pending[1:]
		if err := s.onSendHeaders(ph.end); err != nil {
			c.log.Warn().Err(err).Msg("queued header block not sendable")
			c.resetStream(s.id, ErrCodeInternal, true)
			return
		}
		c.out = c.appendHeaderBlock(c.out, headersFrame(s.id, ph.end), ph.fields)
		s.sendBuf = ph.data
		s.sendEnd = ph.dataEnd
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	if s.wantsWrite() {
		c.sched.markReady(s.id)
	}
}
