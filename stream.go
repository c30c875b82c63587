// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"

	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
)

// pendingHeaders is a header block waiting for the stream's queued data,
// followed by the data sent after it.
type pendingHeaders struct {
	fields  []hpack.HeaderField
	end     bool   // END_STREAM on the block
	data    []byte // queued behind the block
	dataEnd bool   // END_STREAM after data
}

// stream is one logical stream. Streams are owned by a Conn and never
// reference each other or the Conn.
type stream struct {
	id         StreamID
	state      StreamState
	local      bool // initiated by this endpoint
	counted    bool // counted against a concurrency limit
	recvBuf    [][]byte
	recvLen    int
	recvEnd    bool // END_STREAM received
	sendBuf    []byte
	sendEnd    bool // END_STREAM queued after sendBuf
	sendClosed bool // no more application sends accepted
	pending    []pendingHeaders // in call order, behind sendBuf
	done       bool // close bookkeeping has run
}

func newStream(id StreamID, local bool) *stream {
	return &stream{id: id, local: local}
}

func (s *stream) String() string {
	return fmt.Sprintf("[stream %d %v recv %d send %d]", uint32(s.id), s.state, s.recvLen, len(s.sendBuf))
}

// onSendHeaders moves the state for an outbound header block.
func (s *stream) onSendHeaders(end bool) error {
	switch s.state {
	case StateIdle:
		s.state = StateOpen
	case StateReservedLocal:
		s.state = StateHalfClosedRemote
	case StateOpen, StateHalfClosedRemote:
	default:
		return errors.Wrapf(ErrStreamClosed, "send headers on %v", s)
	}
	if end {
		s.onSendEnd()
	}
	return nil
}

// onSendEnd moves the state for an outbound END_STREAM.
func (s *stream) onSendEnd() {
	s.sendClosed = true
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.state = StateClosed
	}
}

// onRecvHeaders moves the state for an inbound header block.
func (s *stream) onRecvHeaders(end bool) error {
	switch s.state {
	case StateIdle:
		s.state = StateOpen
	case StateReservedRemote:
		s.state = StateHalfClosedLocal
	case StateOpen, StateHalfClosedLocal:
	case StateReservedLocal:
		return streamError(s.id, ErrCodeProtocol, "HEADERS on %v", s)
	default:
		return streamError(s.id, ErrCodeStreamClosed, "HEADERS on %v", s)
	}
	if end {
		s.onRecvEnd()
	}
	return nil
}

// checkRecvData returns the stream error for DATA in a state forbidding it.
func (s *stream) checkRecvData() error {
	switch {
	case s.state.canReceive():
		return nil
	case s.state == StateReservedRemote, s.state == StateReservedLocal, s.state == StateIdle:
		return streamError(s.id, ErrCodeProtocol, "DATA before HEADERS on %v", s)
	}
	return streamError(s.id, ErrCodeStreamClosed, "DATA on %v", s)
}

// onRecvEnd moves the state for an inbound END_STREAM.
func (s *stream) onRecvEnd() {
	s.recvEnd = true
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
	}
}

// onReset closes the stream and drops its outbound data.
func (s *stream) onReset() {
	s.state = StateClosed
	s.sendBuf = nil
	s.sendEnd = false
	s.sendClosed = true
	s.pending = nil
}

// pushRecv buffers inbound data for the consumer.
func (s *stream) pushRecv(p []byte) {
	if len(p) > 0 {
		s.recvBuf = append(s.recvBuf, p)
		s.recvLen += len(p)
	}
}

// readRecv moves buffered inbound data into p.
func (s *stream) readRecv(p []byte) (n int) {
	for n < len(p) && len(s.recvBuf) > 0 {
		c := copy(p[n:], s.recvBuf[0])
		n += c
		if c == len(s.recvBuf[0]) {
			s.recvBuf[0] = nil
			s.recvBuf = s.recvBuf[1:]
		} else {
			s.recvBuf[0] = s.recvBuf[0][c:]
		}
	}
	s.recvLen -= n
	if len(s.recvBuf) == 0 {
		s.recvBuf = nil
	}
	return
}

// dropRecv discards buffered inbound data, returning the byte count.
func (s *stream) dropRecv() (n int) {
	n = s.recvLen
	s.recvBuf = nil
	s.recvLen = 0
	return
}

// queued returns the outbound data bytes held by the stream.
func (s *stream) queued() (n int) {
	n = len(s.sendBuf)
	for _, ph := range s.pending {
		n += len(ph.data)
	}
	return
}

// wantsWrite returns true if the stream has DATA or END_STREAM to send.
func (s *stream) wantsWrite() bool {
	return len(s.sendBuf) > 0 || s.sendEnd
}

// drained returns true once a closed stream holds nothing for the consumer.
func (s *stream) drained() bool {
	return s.state == StateClosed && s.recvLen == 0
}
