// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
)

// flowWindow is the credit of one scope, the connection or a stream.
//
// send is what the peer lets us send. It may be negative after the peer
// shrinks SETTINGS_INITIAL_WINDOW_SIZE, but never below -MaxWindowSize.
// recv is what we let the peer send; released counts bytes the consumer
// has read that have not yet been announced with WINDOW_UPDATE.
type flowWindow struct {
	send     int64
	recv     int64
	released int64
	sent     int64 // cumulative bytes sent
	granted  int64 // cumulative credit granted by the peer, initial included
}

func (w *flowWindow) String() string {
	return fmt.Sprintf("[flowWindow send %d recv %d released %d]", w.send, w.recv, w.released)
}

// flowAccountant keeps the windows of the connection and of every open stream.
type flowAccountant struct {
	conn        flowWindow
	connTarget  int64 // connection receive window we advertise
	streams     map[StreamID]*flowWindow
	initialSend int64 // peer SETTINGS_INITIAL_WINDOW_SIZE
	initialRecv int64 // local SETTINGS_INITIAL_WINDOW_SIZE in effect
	onCredit    func(id StreamID)
}

func newFlowAccountant() *flowAccountant {
	return &flowAccountant{
		conn: flowWindow{
			send:    DefaultInitialWindowSize,
			recv:    DefaultInitialWindowSize,
			granted: DefaultInitialWindowSize,
		},
		connTarget:  DefaultInitialWindowSize,
		streams:     make(map[StreamID]*flowWindow),
		initialSend: DefaultInitialWindowSize,
		initialRecv: DefaultInitialWindowSize,
	}
}

func (fa *flowAccountant) String() string {
	return fmt.Sprintf("[flowAccountant conn %v streams %d]", &fa.conn, len(fa.streams))
}

func (fa *flowAccountant) window(id StreamID) *flowWindow {
	if id == 0 {
		return &fa.conn
	}
	return fa.streams[id]
}

// open registers the windows of a new stream.
func (fa *flowAccountant) open(id StreamID) {
	fa.streams[id] = &flowWindow{
		send:    fa.initialSend,
		recv:    fa.initialRecv,
		granted: fa.initialSend,
	}
}

// close forgets the windows of a stream. Unread data of the stream must be
// given back with discard first.
func (fa *flowAccountant) close(id StreamID) {
	delete(fa.streams, id)
}

// ReserveSend returns how many of n bytes may be sent on the stream now.
// The result is never negative.
func (fa *flowAccountant) ReserveSend(id StreamID, n int) int {
	w := fa.streams[id]
	if w == nil || n <= 0 {
		return 0
	}
	avail := w.send
	if fa.conn.send < avail {
		avail = fa.conn.send
	}
	if avail <= 0 {
		return 0
	}
	if int64(n) > avail {
		n = int(avail)
	}
	return n
}

// ConsumeSend debits n sent bytes from the stream and the connection.
func (fa *flowAccountant) ConsumeSend(id StreamID, n int) {
	if w := fa.streams[id]; w != nil {
		w.send -= int64(n)
		w.sent += int64(n)
	}
	fa.conn.send -= int64(n)
	fa.conn.sent += int64(n)
}

// GrantSend applies a WINDOW_UPDATE from the peer. Overflowing the window
// is a stream error on a stream and a connection error at id 0.
func (fa *flowAccountant) GrantSend(id StreamID, n uint32) error {
	w := fa.window(id)
	if w == nil {
		return nil
	}
	if w.send+int64(n) > MaxWindowSize {
		if id == 0 {
			return connError(ErrCodeFlowControl, "connection window overflow")
		}
		return streamError(id, ErrCodeFlowControl, "stream window overflow")
	}
	w.send += int64(n)
	w.granted += int64(n)
	if fa.onCredit != nil && w.send > 0 {
		fa.onCredit(id)
	}
	return nil
}

// OnInitialWindowChange adjusts every stream send window by newSize-oldSize.
// A window may go negative, but pushing one past MaxWindowSize in either
// direction is a connection FLOW_CONTROL_ERROR.
func (fa *flowAccountant) OnInitialWindowChange(oldSize, newSize uint32) error {
	delta := int64(newSize) - int64(oldSize)
	for id, w := range fa.streams {
		v := w.send + delta
		if v > MaxWindowSize {
			return connError(ErrCodeFlowControl, "stream %d window overflow after SETTINGS", uint32(id))
		}
		if v < -MaxWindowSize {
			return connError(ErrCodeFlowControl, "stream %d window underflow after SETTINGS", uint32(id))
		}
	}
	fa.initialSend = int64(newSize)
	for id, w := range fa.streams {
		w.send += delta
		w.granted += delta
		if delta > 0 && w.send > 0 && fa.onCredit != nil {
			fa.onCredit(id)
		}
	}
	return nil
}

// OnReceiveData debits n received bytes. A peer sending more than it was
// granted is a connection FLOW_CONTROL_ERROR. Bytes for a stream that is no
// longer known are debited from the connection only.
func (fa *flowAccountant) OnReceiveData(id StreamID, n int) error {
	if int64(n) > fa.conn.recv {
		return connError(ErrCodeFlowControl, "connection receive window exceeded by %d", int64(n)-fa.conn.recv)
	}
	w := fa.streams[id]
	if w != nil && int64(n) > w.recv {
		return connError(ErrCodeFlowControl, "stream %d receive window exceeded by %d", uint32(id), int64(n)-w.recv)
	}
	fa.conn.recv -= int64(n)
	if w != nil {
		w.recv -= int64(n)
	}
	return nil
}

// Release returns n consumed bytes of the stream to the peer. It returns
// the WINDOW_UPDATE increments due, which are zero until at least half of
// the initial window has been released.
func (fa *flowAccountant) Release(id StreamID, n int) (connIncr, streamIncr uint32) {
	if n <= 0 {
		return
	}
	if w := fa.streams[id]; w != nil {
		streamIncr = releaseWindow(w, n, fa.initialRecv)
	}
	connIncr = releaseWindow(&fa.conn, n, fa.connTarget)
	return
}

// discard returns n bytes to the connection window only, for data that
// will never be read by a stream consumer.
func (fa *flowAccountant) discard(n int) (connIncr uint32) {
	if n > 0 {
		connIncr = releaseWindow(&fa.conn, n, fa.connTarget)
	}
	return
}

func releaseWindow(w *flowWindow, n int, target int64) (incr uint32) {
	w.released += int64(n)
	if w.released >= target/2 {
		incr = uint32(w.released)
		w.recv += w.released
		w.released = 0
	}
	return
}

// ExtendRecv grows the receive window of the stream or connection by n,
// returning a connection or stream FLOW_CONTROL_ERROR on overflow.
func (fa *flowAccountant) ExtendRecv(id StreamID, n uint32) error {
	w := fa.window(id)
	if w == nil {
		return nil
	}
	if w.recv+w.released+int64(n) > MaxWindowSize {
		if id == 0 {
			return connError(ErrCodeFlowControl, "connection receive window overflow")
		}
		return streamError(id, ErrCodeFlowControl, "stream receive window overflow")
	}
	w.recv += int64(n)
	if id == 0 {
		fa.connTarget += int64(n)
	}
	return nil
}

// OnLocalInitialWindowChange adjusts every stream receive window once our
// new SETTINGS_INITIAL_WINDOW_SIZE has been acknowledged.
func (fa *flowAccountant) OnLocalInitialWindowChange(newSize uint32) {
	delta := int64(newSize) - fa.initialRecv
	fa.initialRecv = int64(newSize)
	for _, w := range fa.streams {
		w.recv += delta
	}
}

// SendWindow returns the send window of the stream, or of the connection at id 0.
func (fa *flowAccountant) SendWindow(id StreamID) int64 {
	if w := fa.window(id); w != nil {
		return w.send
	}
	return 0
}

// RecvWindow returns the receive window of the stream, or of the connection at id 0.
func (fa *flowAccountant) RecvWindow(id StreamID) int64 {
	if w := fa.window(id); w != nil {
		return w.recv
	}
	return 0
}
