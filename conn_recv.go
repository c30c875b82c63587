// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
)

type frameHandler func(c *Conn, f *Frame) error

var frameHandlers map[FrameType]frameHandler

func init() {
	frameHandlers = map[FrameType]frameHandler{
		FrameData:         (*Conn).onData,
		FrameHeaders:      (*Conn).onHeaders,
		FramePriority:     (*Conn).onPriority,
		FrameRSTStream:    (*Conn).onRSTStream,
		FrameSettings:     (*Conn).onSettings,
		FramePushPromise:  (*Conn).onPushPromise,
		FramePing:         (*Conn).onPing,
		FrameGoAway:       (*Conn).onGoAway,
		FrameWindowUpdate: (*Conn).onWindowUpdate,
		FrameContinuation: (*Conn).onContinuation,
	}
}

// Receive processes bytes read from the transport. Any number of bytes may
// be given, including partial frames. A returned error is terminal and is
// also available from Err; a GOAWAY announcing it is queued for writing.
func (c *Conn) Receive(p []byte) error {
	if c.err != nil {
		return c.err
	}
	c.metrics.AddBytesRead(int64(len(p)))
	if c.prefaceLeft > 0 {
		n, err := c.matchPreface(p)
		if err != nil {
			c.fail(err)
			return c.err
		}
		p = p[n:]
	}
	c.framer.Feed(p)
	for c.err == nil && c.prefaceLeft == 0 {
		f, err := c.framer.ReadFrame()
		if err == ErrIncomplete {
			break
		}
		if err == nil {
			if f == nil {
				if c.hb != nil {
					c.fail(connError(ErrCodeProtocol, "unknown frame inside header block of stream %d", uint32(c.hb.streamID)))
				}
				continue
			}
			err = c.processFrame(f)
		}
		if err != nil {
			c.handleError(err)
		}
	}
	return c.err
}

func (c *Conn) matchPreface(p []byte) (n int, err error) {
	want := ClientPreface[len(ClientPreface)-c.prefaceLeft:]
	for n < len(p) && n < len(want) {
		if p[n] != want[n] {
			return n, connError(ErrCodeProtocol, "invalid client preface")
		}
		n++
	}
	c.prefaceLeft -= n
	return
}

// handleError resets the stream on a stream error and fails the
// connection on anything else. Idle streams are never reset, so a stream
// error on one fails the connection.
func (c *Conn) handleError(err error) {
	if se, ok := IsStreamError(err); ok && c.hb == nil {
		if _, idle := c.lookup(se.StreamID); idle {
			c.fail(connError(ErrCodeProtocol, "%v on idle stream", se))
			return
		}
		c.log.Debug().Err(err).Msg("stream error")
		c.resetStream(se.StreamID, se.Code, true)
		return
	}
	c.fail(err)
}

func (c *Conn) processFrame(f *Frame) error {
	c.metrics.frameRead(f.Type)
	c.logFrame("recv", f)
	if c.hb != nil && (f.Type != FrameContinuation || f.StreamID != c.hb.streamID) {
		return connError(ErrCodeProtocol, "%v while expecting CONTINUATION for stream %d", f.Type, uint32(c.hb.streamID))
	}
	if !c.sawSettings {
		if f.Type != FrameSettings || f.IsAck() {
			return connError(ErrCodeProtocol, "first frame is %v, not SETTINGS", f.Type)
		}
		c.sawSettings = true
	}
	return frameHandlers[f.Type](c, f)
}

// onClosedFrame applies the closed stream policy: frames on a stream we
// reset are ignored within the grace period. Anything else on a closed
// stream is answered with STREAM_CLOSED.
func (c *Conn) onClosedFrame(id StreamID, t FrameType) error {
	if c.closed.ignores(id, c.cfg.now()) {
		return nil
	}
	return streamError(id, ErrCodeStreamClosed, "%v on closed stream", t)
}

func (c *Conn) onData(f *Frame) error {
	n := f.FlowControlLength()
	s, idle := c.lookup(f.StreamID)
	if idle {
		return connError(ErrCodeProtocol, "DATA on idle stream %d", uint32(f.StreamID))
	}
	if s == nil {
		if err := c.flow.OnReceiveData(0, n); err != nil {
			return err
		}
		c.queueWindowUpdate(0, c.flow.discard(n))
		return c.onClosedFrame(f.StreamID, f.Type)
	}
	if err := c.flow.OnReceiveData(s.id, n); err != nil {
		return err
	}
	if err := s.checkRecvData(); err != nil {
		c.queueWindowUpdate(0, c.flow.discard(n))
		return err
	}
	if pad := n - len(f.Data); pad > 0 {
		connIncr, streamIncr := c.flow.Release(s.id, pad)
		c.queueWindowUpdate(0, connIncr)
		if !f.EndStream() {
			c.queueWindowUpdate(s.id, streamIncr)
		}
	}
	s.pushRecv(f.Data)
	end := f.EndStream()
	if end {
		s.onRecvEnd()
	}
	if len(f.Data) > 0 || end {
		c.emit(Event{Type: EventData, StreamID: s.id, Len: len(f.Data), EndStream: end})
	}
	c.afterTransition(s)
	return nil
}

func (c *Conn) onHeaders(f *Frame) error {
	c.hb = &headerBlock{
		typ:       FrameHeaders,
		streamID:  f.StreamID,
		endStream: f.EndStream(),
		hasPrio:   f.Flags.Has(FlagHeadersPriority),
		prio:      f.Priority,
	}
	return c.addFragment(f)
}

func (c *Conn) onPushPromise(f *Frame) error {
	if c.role == RoleServer {
		return connError(ErrCodeProtocol, "PUSH_PROMISE from client")
	}
	if !c.advertised().EnablePush {
		return connError(ErrCodeProtocol, "PUSH_PROMISE with push disabled")
	}
	c.hb = &headerBlock{
		typ:        FramePushPromise,
		streamID:   f.StreamID,
		promisedID: f.PromisedID,
	}
	return c.addFragment(f)
}

func (c *Conn) onContinuation(f *Frame) error {
	if c.hb == nil {
		return connError(ErrCodeProtocol, "CONTINUATION without a header block on stream %d", uint32(f.StreamID))
	}
	return c.addFragment(f)
}

func (c *Conn) addFragment(f *Frame) error {
	if len(c.hb.buf)+len(f.BlockFragment) > c.cfg.MaxHeaderBlockSize {
		return connError(ErrCodeEnhanceYourCalm, "header block of stream %d exceeds %d bytes", uint32(c.hb.streamID), c.cfg.MaxHeaderBlockSize)
	}
	c.hb.buf = append(c.hb.buf, f.BlockFragment...)
	if f.EndHeaders() {
		return c.finishHeaderBlock()
	}
	return nil
}

// finishHeaderBlock decodes an assembled block. Decoding always happens,
// even for streams that will be refused, to keep the HPACK state in step.
func (c *Conn) finishHeaderBlock() error {
	hb := c.hb
	c.hb = nil
	hfs, err := c.dec.Decode(hb.buf)
	tooLarge := false
	if err != nil {
		if errors.Cause(err) != hpack.ErrHeaderListTooLarge {
			return connError(ErrCodeCompression, "stream %d: %v", uint32(hb.streamID), err)
		}
		tooLarge = true
	}
	if hb.typ == FramePushPromise {
		return c.onPushPromiseBlock(hb, hfs, tooLarge)
	}
	return c.onHeaderBlock(hb, hfs, tooLarge)
}

func (c *Conn) onHeaderBlock(hb *headerBlock, hfs []hpack.HeaderField, tooLarge bool) error {
	id := hb.streamID
	selfDep := hb.hasPrio && hb.prio.StreamDep == id
	s, idle := c.lookup(id)
	if s == nil && !idle {
		return c.onClosedFrame(id, FrameHeaders)
	}
	if idle {
		if c.role.ownsID(id) {
			return connError(ErrCodeProtocol, "HEADERS on idle stream %d", uint32(id))
		}
		c.lastPeerID = id
		if selfDep {
			return streamError(id, ErrCodeProtocol, "stream depends on itself")
		}
		if c.goAwaySent || c.numPeer >= c.advertised().MaxConcurrentStreams {
			c.resetStream(id, ErrCodeRefusedStream, false)
			return nil
		}
		if tooLarge {
			c.resetStream(id, ErrCodeRefusedStream, false)
			return nil
		}
		prio := DefaultPriority
		if hb.hasPrio {
			prio = hb.prio
		}
		s = newStream(id, false)
		if err := s.onRecvHeaders(hb.endStream); err != nil {
			return err
		}
		c.register(s, prio)
		c.count(s)
		c.emit(Event{Type: EventHeaders, StreamID: id, Headers: hfs, EndStream: hb.endStream})
		return nil
	}
	if selfDep {
		return streamError(id, ErrCodeProtocol, "stream depends on itself")
	}
	if tooLarge {
		return streamError(id, ErrCodeProtocol, "header list too large")
	}
	wasReserved := s.state == StateReservedRemote
	if wasReserved && c.numPeer >= c.advertised().MaxConcurrentStreams {
		c.resetStream(id, ErrCodeRefusedStream, true)
		return nil
	}
	if err := s.onRecvHeaders(hb.endStream); err != nil {
		return err
	}
	if wasReserved {
		c.count(s)
	}
	if hb.hasPrio {
		c.sched.setPriority(id, hb.prio)
	}
	c.emit(Event{Type: EventHeaders, StreamID: id, Headers: hfs, EndStream: hb.endStream})
	c.afterTransition(s)
	return nil
}

func (c *Conn) onPushPromiseBlock(hb *headerBlock, hfs []hpack.HeaderField, tooLarge bool) error {
	pid := hb.promisedID
	if c.role.ownsID(pid) || pid <= c.lastPeerID {
		return connError(ErrCodeProtocol, "invalid promised stream %d", uint32(pid))
	}
	c.lastPeerID = pid
	assoc, idle := c.lookup(hb.streamID)
	if assoc == nil {
		if !idle && c.closed.ignores(hb.streamID, c.cfg.now()) {
			c.resetStream(pid, ErrCodeCancel, false)
			return nil
		}
		return connError(ErrCodeProtocol, "PUSH_PROMISE on unusable stream %d", uint32(hb.streamID))
	}
	if !assoc.local || !(assoc.state == StateOpen || assoc.state == StateHalfClosedLocal) {
		return connError(ErrCodeProtocol, "PUSH_PROMISE on %v", assoc)
	}
	if c.goAwaySent {
		c.resetStream(pid, ErrCodeRefusedStream, false)
		return nil
	}
	if tooLarge {
		c.resetStream(pid, ErrCodeProtocol, false)
		return nil
	}
	s := newStream(pid, false)
	s.state = StateReservedRemote
	c.register(s, PriorityParam{StreamDep: assoc.id, Weight: DefaultPriority.Weight})
	c.emit(Event{Type: EventPushPromise, StreamID: assoc.id, PromisedID: pid, Headers: hfs})
	return nil
}

func (c *Conn) onPriority(f *Frame) error {
	if f.Priority.StreamDep == f.StreamID {
		return streamError(f.StreamID, ErrCodeProtocol, "stream depends on itself")
	}
	if s, _ := c.lookup(f.StreamID); s != nil {
		c.sched.setPriority(f.StreamID, f.Priority)
	}
	return nil
}

func (c *Conn) onRSTStream(f *Frame) error {
	s, idle := c.lookup(f.StreamID)
	if idle {
		return connError(ErrCodeProtocol, "RST_STREAM on idle stream %d", uint32(f.StreamID))
	}
	c.metrics.resetReceived(f.ErrCode)
	if s == nil {
		return nil
	}
	c.closeStream(s, closeRemoteReset)
	c.emit(Event{Type: EventReset, StreamID: s.id, ErrCode: f.ErrCode, Remote: true})
	return nil
}

func (c *Conn) onSettings(f *Frame) error {
	if f.IsAck() {
		if len(c.pendingLocal) == 0 {
			return connError(ErrCodeProtocol, "unexpected SETTINGS ACK")
		}
		c.applyLocalSettings(c.pendingLocal[0])
		c.pendingLocal = c.pendingLocal[1:]
		return nil
	}
	for _, st := range f.Settings {
		if err := st.Valid(); err != nil {
			return err
		}
	}
	old := c.peer
	for _, st := range f.Settings {
		c.peer.apply(st)
	}
	if c.peer.InitialWindowSize != old.InitialWindowSize {
		if err := c.flow.OnInitialWindowChange(old.InitialWindowSize, c.peer.InitialWindowSize); err != nil {
			return err
		}
	}
	if c.peer.HeaderTableSize != old.HeaderTableSize {
		c.enc.SetMaxDynamicTableSizeLimit(c.peer.HeaderTableSize)
	}
	c.queueFrame(&Frame{Type: FrameSettings, Flags: FlagSettingsAck})
	c.emit(Event{Type: EventSettings, Settings: c.peer})
	return nil
}

func (c *Conn) onPing(f *Frame) error {
	if f.IsAck() {
		if sent, ok := c.pings[f.PingData]; ok {
			delete(c.pings, f.PingData)
			c.emit(Event{Type: EventPingAck, PingData: f.PingData, RTT: c.cfg.now().Sub(sent)})
		}
		return nil
	}
	c.queueFrame(&Frame{Type: FramePing, Flags: FlagPingAck, PingData: f.PingData})
	return nil
}

func (c *Conn) onGoAway(f *Frame) error {
	c.metrics.goAway("recv", f.ErrCode)
	lastID := f.LastStreamID
	if c.goAwayRecv && c.peerLastID < lastID {
		lastID = c.peerLastID
	}
	c.goAwayRecv = true
	c.peerLastID = lastID
	c.emit(Event{Type: EventGoAway, ErrCode: f.ErrCode, LastStreamID: f.LastStreamID, DebugData: f.DebugData})
	if f.ErrCode != ErrCodeNo {
		c.shutdown(errors.WithStack(ConnectionError{Code: f.ErrCode, Reason: "GOAWAY from peer: " + string(f.DebugData)}), false)
		return nil
	}
	for _, s := range c.localStreamsAbove(lastID) {
		c.closeStream(s, closeLocalReset)
		c.emit(Event{Type: EventReset, StreamID: s.id, ErrCode: ErrCodeRefusedStream})
	}
	if c.state == ConnOpen {
		c.state = ConnDraining
	}
	c.maybeFinishDrain()
	return nil
}

func (c *Conn) onWindowUpdate(f *Frame) error {
	if f.StreamID != 0 {
		s, idle := c.lookup(f.StreamID)
		if idle {
			return connError(ErrCodeProtocol, "WINDOW_UPDATE on idle stream %d", uint32(f.StreamID))
		}
		if s == nil {
			return nil
		}
	}
	if err := c.flow.GrantSend(f.StreamID, f.Increment); err != nil {
		return err
	}
	c.emit(Event{Type: EventWindowUpdate, StreamID: f.StreamID, Increment: f.Increment})
	return nil
}

// onCredit marks streams with queued data ready once send credit arrives.
func (c *Conn) onCredit(id StreamID) {
	if id != 0 {
		if s := c.streams[id]; s != nil && !s.done && s.wantsWrite() {
			c.sched.markReady(id)
		}
		return
	}
	for sid, s := range c.streams {
		if !s.done && s.wantsWrite() {
			c.sched.markReady(sid)
		}
	}
}
