// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var connNextSerialNumber uint64

// headerBlock collects the fragments of one inbound header block.
type headerBlock struct {
	typ        FrameType
	streamID   StreamID
	promisedID StreamID
	endStream  bool
	hasPrio    bool
	prio       PriorityParam
	buf        []byte
}

// Conn is the protocol engine of one connection. It performs no I/O:
// bytes read from the transport are given to Receive, and bytes to write
// are taken from Outbound and acknowledged with Advance. The application
// observes the connection through NextEvent.
//
// A Conn is not safe for concurrent use.
type Conn struct {
	role    Role
	cfg     *Config
	serial  uint64
	log     zerolog.Logger
	netLog  bool
	metrics *Metrics
	state   ConnState
	err     error // terminal error, sticky

	framer      *Framer
	prefaceLeft int  // client preface bytes still expected
	sawSettings bool // the peer's first frame was SETTINGS
	hb          *headerBlock

	enc    *hpack.Encoder
	dec    *hpack.Decoder
	hdrBuf []byte

	flow    *flowAccountant
	sched   *scheduler
	streams map[StreamID]*stream
	closed  *recentlyClosed

	local        Settings   // acknowledged by the peer
	pendingLocal []Settings // sent, awaiting ACK
	peer         Settings

	nextLocalID StreamID
	lastPeerID  StreamID
	numLocal    uint32
	numPeer     uint32

	goAwaySent bool
	goAwayRecv bool
	peerLastID StreamID // last stream id in the peer's GOAWAY

	queue  [][]byte // encoded control and header frames
	out    []byte
	outOff int

	pings   map[[8]byte]time.Time
	events  []Event
	readBuf []byte
}

// NewConn returns the engine for one end of a connection. A nil cfg means
// DefaultConfig(). The client preface and the initial SETTINGS are queued
// for writing at once.
func NewConn(role Role, cfg *Config) *Conn {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Conn{
		role:    role,
		cfg:     cfg,
		serial:  atomic.AddUint64(&connNextSerialNumber, 1),
		netLog:  cfg.NetLog,
		metrics: cfg.Metrics,
		framer:  NewFramer(DefaultMaxFrameSize),
		enc:     hpack.NewEncoder(),
		dec:     hpack.NewDecoder(DefaultHeaderTableSize),
		flow:    newFlowAccountant(),
		sched:   newScheduler(),
		streams: make(map[StreamID]*stream),
		closed:  newRecentlyClosed(cfg.ClosedStreamRetention, cfg.ClosedStreamGrace.Duration),
		local:   ProtocolSettings(),
		peer:    ProtocolSettings(),
		pings:   make(map[[8]byte]time.Time),
	}
	c.log = cfg.Logger.With().Uint64("conn", c.serial).Stringer("role", role).Logger()
	c.flow.onCredit = c.onCredit
	if role == RoleClient {
		c.nextLocalID = 1
		c.out = append(c.out, ClientPreface...)
	} else {
		c.nextLocalID = 2
		c.prefaceLeft = len(ClientPreface)
	}
	c.queueFrame(&Frame{Type: FrameSettings, Settings: cfg.Settings.diff(ProtocolSettings())})
	c.pendingLocal = append(c.pendingLocal, cfg.Settings)
	if delta := int64(cfg.ConnWindowSize) - DefaultInitialWindowSize; delta > 0 {
		if err := c.flow.ExtendRecv(0, uint32(delta)); err == nil {
			c.queueWindowUpdate(0, uint32(delta))
		}
	}
	c.metrics.connOpened()
	c.log.Debug().Msg("connection started")
	return c
}

func (c *Conn) String() string {
	return fmt.Sprintf("[Conn %d %v %v streams %d]", c.serial, c.role, c.state, len(c.streams))
}

// Role returns whether this end is the client or the server.
func (c *Conn) Role() Role {
	return c.role
}

// State returns the connection state.
func (c *Conn) State() ConnState {
	return c.state
}

// Err returns the error that terminated the connection, or nil.
func (c *Conn) Err() error {
	return c.err
}

// PeerSettings returns the settings in effect for what we send.
func (c *Conn) PeerSettings() Settings {
	return c.peer
}

// LocalSettings returns the acknowledged local settings.
func (c *Conn) LocalSettings() Settings {
	return c.local
}

// NumActiveStreams returns the number of streams counted against the
// local and peer concurrency limits.
func (c *Conn) NumActiveStreams() (local, peer int) {
	return int(c.numLocal), int(c.numPeer)
}

// StreamState returns the state of a stream. Streams no longer tracked
// report StateClosed, ids never used report StateIdle.
func (c *Conn) StreamState(id StreamID) StreamState {
	if s := c.streams[id]; s != nil {
		return s.state
	}
	if _, idle := c.lookup(id); idle {
		return StateIdle
	}
	return StateClosed
}

// Buffered returns the number of unread bytes of a stream.
func (c *Conn) Buffered(id StreamID) int {
	if s := c.streams[id]; s != nil {
		return s.recvLen
	}
	return 0
}

// NextEvent returns the oldest undelivered event.
func (c *Conn) NextEvent() (ev Event, ok bool) {
	if len(c.events) > 0 {
		ev, ok = c.events[0], true
		c.events[0] = Event{}
		c.events = c.events[1:]
		if len(c.events) == 0 {
			c.events = nil
		}
	}
	return
}

func (c *Conn) emit(ev Event) {
	c.events = append(c.events, ev)
}

func (c *Conn) checkOpen() error {
	if c.err != nil {
		return errors.WithStack(ErrConnClosed)
	}
	return nil
}

// advertised returns the most recently sent local settings.
func (c *Conn) advertised() Settings {
	if n := len(c.pendingLocal); n > 0 {
		return c.pendingLocal[n-1]
	}
	return c.local
}

// lookup returns the live stream for id. If there is none, idle reports
// whether the id was never used.
func (c *Conn) lookup(id StreamID) (s *stream, idle bool) {
	if s = c.streams[id]; s != nil {
		if s.state == StateClosed {
			s = nil
		}
		return
	}
	if c.role.ownsID(id) {
		return nil, id >= c.nextLocalID
	}
	return nil, id > c.lastPeerID
}

// liveStream returns the stream an application call refers to.
func (c *Conn) liveStream(id StreamID) (*stream, error) {
	s, idle := c.lookup(id)
	if s != nil {
		return s, nil
	}
	if idle {
		return nil, errors.Wrapf(ErrUnknownStream, "stream %d", uint32(id))
	}
	return nil, errors.Wrapf(ErrStreamClosed, "stream %d", uint32(id))
}

func (c *Conn) register(s *stream, p PriorityParam) {
	c.streams[s.id] = s
	c.flow.open(s.id)
	c.sched.add(s.id, p)
}

func (c *Conn) count(s *stream) {
	if !s.counted {
		s.counted = true
		if s.local {
			c.numLocal++
		} else {
			c.numPeer++
		}
		c.metrics.streamOpened(s.local)
	}
}

type closeHow int

const (
	closeNormal closeHow = iota
	closeLocalReset
	closeRemoteReset
)

// afterTransition runs the close bookkeeping once a stream reached Closed.
func (c *Conn) afterTransition(s *stream) {
	if s.state == StateClosed {
		c.closeStream(s, closeNormal)
	}
}

// closeStream finalizes a stream. A reset drops its unread data. A normally
// closed stream stays readable until drained.
func (c *Conn) closeStream(s *stream, how closeHow) {
	if s.done {
		return
	}
	s.done = true
	if how != closeNormal {
		s.onReset()
		c.queueWindowUpdate(0, c.flow.discard(s.dropRecv()))
	}
	s.state = StateClosed
	if s.counted {
		s.counted = false
		if s.local {
			c.numLocal--
		} else {
			c.numPeer--
		}
		c.metrics.streamClosed()
	}
	c.sched.remove(s.id)
	c.flow.close(s.id)
	c.closed.add(s.id, c.cfg.now(), how == closeLocalReset)
	if s.drained() {
		delete(c.streams, s.id)
	}
	c.maybeFinishDrain()
}

// resetStream sends RST_STREAM and closes the stream if it is live.
// notify emits a local EventReset.
func (c *Conn) resetStream(id StreamID, code ErrCode, notify bool) {
	c.queueFrame(&Frame{Type: FrameRSTStream, StreamID: id, ErrCode: code})
	c.metrics.resetSent(code)
	if s := c.streams[id]; s != nil {
		if !s.done {
			c.closeStream(s, closeLocalReset)
			if notify {
				c.emit(Event{Type: EventReset, StreamID: id, ErrCode: code})
			}
		}
		return
	}
	c.closed.add(id, c.cfg.now(), true)
}

// maybeFinishDrain closes a draining connection once no stream is active.
func (c *Conn) maybeFinishDrain() {
	if c.state != ConnDraining {
		return
	}
	for _, s := range c.streams {
		if !s.done {
			return
		}
	}
	c.finish(errors.WithStack(ErrConnClosed))
}

// finish marks the connection closed without discarding queued frames.
func (c *Conn) finish(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.state = ConnClosed
	c.hb = nil
	if IsClosedError(err) {
		c.log.Debug().Msg("connection closed")
	} else {
		c.log.Warn().Err(err).Msg("connection failed")
	}
	c.emit(Event{Type: EventConnClosed, ErrCode: errorCode(err), Err: err})
	c.metrics.connClosed()
}

// fail terminates the connection. Queued frames are dropped and a GOAWAY
// carrying the error code follows the bytes already handed to the
// transport.
func (c *Conn) fail(err error) {
	c.shutdown(err, true)
}

func (c *Conn) shutdown(err error, sendGoAway bool) {
	if c.err != nil {
		return
	}
	for _, b := range c.queue {
		frameBufFree(b)
	}
	c.queue = nil
	if sendGoAway {
		code := errorCode(err)
		f := &Frame{Type: FrameGoAway, LastStreamID: c.lastPeerID, ErrCode: code}
		if ce, ok := IsConnectionError(err); ok && ce.Reason != "" {
			f.DebugData = []byte(ce.Reason)
		}
		c.out = AppendFrame(c.out, f)
		c.wrote(f)
		c.metrics.goAway("sent", code)
	}
	for id, s := range c.streams {
		if s.counted {
			c.metrics.streamClosed()
		}
		delete(c.streams, id)
	}
	c.numLocal, c.numPeer = 0, 0
	c.sched = newScheduler()
	c.finish(err)
}

// OpenStream starts a new locally initiated stream with a header block.
func (c *Conn) OpenStream(fields []hpack.HeaderField, endStream bool) (StreamID, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.state != ConnOpen || c.goAwayRecv {
		return 0, errors.Wrap(ErrConnClosed, "connection is draining")
	}
	if c.numLocal >= c.peer.MaxConcurrentStreams {
		return 0, errors.WithStack(ErrStreamLimit)
	}
	id := c.nextLocalID
	if id > MaxStreamID {
		return 0, errors.Wrap(ErrStreamLimit, "stream ids exhausted")
	}
	s := newStream(id, true)
	if err := s.onSendHeaders(endStream); err != nil {
		return 0, err
	}
	c.nextLocalID += 2
	c.register(s, DefaultPriority)
	c.count(s)
	c.queueHeaders(id, fields, endStream)
	return id, nil
}

// SendHeaders sends a header block on a stream: the response headers of a
// peer initiated stream, the headers of a pushed stream, or trailers.
// The headers of a pushed stream fail with ErrStreamLimit while the peer's
// concurrency limit is reached.
// A block sent while data is queued goes out after the data, and data
// sent after the block goes out after it.
func (c *Conn) SendHeaders(id StreamID, fields []hpack.HeaderField, endStream bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	s, err := c.liveStream(id)
	if err != nil {
		return err
	}
	if s.sendClosed {
		return errors.Wrapf(ErrStreamClosed, "send headers on %v", s)
	}
	if s.wantsWrite() || len(s.pending) > 0 {
		s.pending = append(s.pending, pendingHeaders{fields: fields, end: endStream})
		if endStream {
			s.sendClosed = true
		}
		return nil
	}
	wasReserved := s.state == StateReservedLocal
	if wasReserved && c.numLocal >= c.peer.MaxConcurrentStreams {
		return errors.WithStack(ErrStreamLimit)
	}
	if err = s.onSendHeaders(endStream); err != nil {
		return err
	}
	if wasReserved {
		c.count(s)
	}
	c.queueHeaders(id, fields, endStream)
	c.afterTransition(s)
	return nil
}

// SendData queues p on the stream. It returns how many bytes were queued;
// if that is less than len(p) the stream's send buffer is full and the
// error is ErrWouldBlock. endStream applies only when all of p is queued.
func (c *Conn) SendData(id StreamID, p []byte, endStream bool) (n int, err error) {
	if err = c.checkOpen(); err != nil {
		return
	}
	var s *stream
	if s, err = c.liveStream(id); err != nil {
		return
	}
	if s.sendClosed || s.state == StateReservedLocal || !s.state.canSend() {
		return 0, errors.Wrapf(ErrStreamClosed, "send data on %v", s)
	}
	n = len(p)
	if room := c.cfg.MaxSendBuffer - s.queued(); n > room {
		if n = room; n < 0 {
			n = 0
		}
	}
	end := n == len(p) && endStream
	if k := len(s.pending); k > 0 {
		// keep call order: the data follows the last queued header block
		last := &s.pending[k-1]
		last.data = append(last.data, p[:n]...)
		last.dataEnd = end
	} else {
		s.sendBuf = append(s.sendBuf, p[:n]...)
		s.sendEnd = end
	}
	if end {
		s.sendClosed = true
	}
	if s.wantsWrite() && (len(s.sendBuf) == 0 || c.flow.ReserveSend(id, 1) > 0) {
		c.sched.markReady(id)
	}
	if n < len(p) {
		err = errors.WithStack(ErrWouldBlock)
	}
	return
}

// CloseStream ends the local side of a stream. It is a no-op if the local
// side is already closed.
func (c *Conn) CloseStream(id StreamID) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	s, idle := c.lookup(id)
	if s == nil {
		if idle {
			return errors.Wrapf(ErrUnknownStream, "stream %d", uint32(id))
		}
		return nil
	}
	if s.sendClosed {
		return nil
	}
	if s.state == StateReservedLocal {
		return c.Reset(id, ErrCodeCancel)
	}
	_, err := c.SendData(id, nil, true)
	return err
}

// ReadData moves buffered inbound data of the stream into p and returns
// the consumed bytes to the peer's send window. It returns io.EOF once the
// peer's END_STREAM has been read and ErrWouldBlock when nothing is buffered.
func (c *Conn) ReadData(id StreamID, p []byte) (n int, err error) {
	s := c.streams[id]
	if s == nil {
		if c.err != nil {
			return 0, errors.WithStack(ErrConnClosed)
		}
		_, err = c.liveStream(id)
		return
	}
	if n = s.readRecv(p); n > 0 {
		connIncr, streamIncr := c.flow.Release(id, n)
		c.queueWindowUpdate(0, connIncr)
		if !s.recvEnd && !s.done {
			c.queueWindowUpdate(id, streamIncr)
		}
	}
	switch {
	case s.recvLen == 0 && s.recvEnd:
		err = io.EOF
	case n == 0:
		err = errors.WithStack(ErrWouldBlock)
	}
	if s.drained() {
		delete(c.streams, id)
	}
	return
}

// Reset aborts a stream with RST_STREAM. Resetting a stream that is
// already closed is a no-op and discards its unread data.
func (c *Conn) Reset(id StreamID, code ErrCode) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if s := c.streams[id]; s != nil && s.done {
		c.queueWindowUpdate(0, c.flow.discard(s.dropRecv()))
		delete(c.streams, id)
		return nil
	}
	s, idle := c.lookup(id)
	if s == nil {
		if idle {
			return errors.Wrapf(ErrUnknownStream, "stream %d", uint32(id))
		}
		return nil
	}
	c.resetStream(id, code, false)
	return nil
}

// Push reserves a server initiated stream associated with assocID and
// sends its request header block in a PUSH_PROMISE. The pushed response is
// then sent with SendHeaders and SendData on the returned id.
func (c *Conn) Push(assocID StreamID, fields []hpack.HeaderField) (StreamID, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.role != RoleServer || !c.peer.EnablePush {
		return 0, errors.WithStack(ErrPushNotAllowed)
	}
	if c.state != ConnOpen || c.goAwayRecv {
		return 0, errors.Wrap(ErrConnClosed, "connection is draining")
	}
	assoc, err := c.liveStream(assocID)
	if err != nil {
		return 0, err
	}
	if assoc.local || !(assoc.state == StateOpen || assoc.state == StateHalfClosedRemote) {
		return 0, errors.Wrapf(ErrStreamClosed, "push on %v", assoc)
	}
	if c.numLocal >= c.peer.MaxConcurrentStreams {
		return 0, errors.WithStack(ErrStreamLimit)
	}
	id := c.nextLocalID
	if id > MaxStreamID {
		return 0, errors.Wrap(ErrStreamLimit, "stream ids exhausted")
	}
	c.nextLocalID += 2
	s := newStream(id, true)
	s.state = StateReservedLocal
	c.register(s, PriorityParam{StreamDep: assocID, Weight: DefaultPriority.Weight})
	first := &Frame{Type: FramePushPromise, StreamID: assocID, PromisedID: id}
	c.queue = append(c.queue, c.appendHeaderBlock(frameBufAlloc(), first, fields))
	return id, nil
}

// Ping sends a PING. The answer is delivered as EventPingAck.
func (c *Conn) Ping(data [8]byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.pings[data] = c.cfg.now()
	c.queueFrame(&Frame{Type: FramePing, PingData: data})
	return nil
}

// GoAway starts shutting the connection down. With ErrCodeNo, streams
// already started run to completion and new peer streams are refused.
// Any other code terminates the connection at once.
func (c *Conn) GoAway(code ErrCode, debug []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if code != ErrCodeNo {
		c.fail(errors.WithStack(ConnectionError{Code: code, Reason: string(debug)}))
		return nil
	}
	if c.goAwaySent {
		return nil
	}
	c.goAwaySent = true
	c.queueFrame(&Frame{Type: FrameGoAway, LastStreamID: c.lastPeerID, ErrCode: code, DebugData: debug})
	c.metrics.goAway("sent", code)
	c.state = ConnDraining
	c.maybeFinishDrain()
	return nil
}

// Close terminates the connection with GOAWAY(NO_ERROR). Closing more
// than once is harmless.
func (c *Conn) Close() error {
	c.shutdown(errors.WithStack(ErrConnClosed), true)
	return nil
}

// UpdateSettings announces new local settings. They take effect when the
// peer acknowledges them.
func (c *Conn) UpdateSettings(s Settings) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	c.queueFrame(&Frame{Type: FrameSettings, Settings: s.diff(c.advertised())})
	c.pendingLocal = append(c.pendingLocal, s)
	return nil
}

func (c *Conn) applyLocalSettings(s Settings) {
	c.local = s
	c.dec.SetAllowedMaxDynamicTableSize(s.HeaderTableSize)
	if s.MaxHeaderListSize == Unlimited {
		c.dec.SetMaxHeaderListSize(0)
	} else {
		c.dec.SetMaxHeaderListSize(s.MaxHeaderListSize)
	}
	c.framer.SetMaxReadFrameSize(s.MaxFrameSize)
	c.flow.OnLocalInitialWindowChange(s.InitialWindowSize)
}

// SendWindow returns the send credit of a stream, or of the connection at id 0.
func (c *Conn) SendWindow(id StreamID) int64 {
	return c.flow.SendWindow(id)
}

// RecvWindow returns the receive credit granted to the peer for a stream,
// or for the connection at id 0.
func (c *Conn) RecvWindow(id StreamID) int64 {
	return c.flow.RecvWindow(id)
}

// RequestCredit grants the peer n more bytes on a stream, or on the
// connection at id 0, beyond what reading releases.
func (c *Conn) RequestCredit(id StreamID, n uint32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if id != 0 {
		if _, err := c.liveStream(id); err != nil {
			return err
		}
	}
	if n == 0 {
		return nil
	}
	if err := c.flow.ExtendRecv(id, n); err != nil {
		return err
	}
	c.queueWindowUpdate(id, n)
	return nil
}

// SetPriority changes the local scheduling of a stream and tells the peer.
func (c *Conn) SetPriority(id StreamID, p PriorityParam) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if p.StreamDep == id {
		return errors.Errorf("stream %d cannot depend on itself", uint32(id))
	}
	if _, err := c.liveStream(id); err != nil {
		return err
	}
	c.sched.setPriority(id, p)
	c.queueFrame(&Frame{Type: FramePriority, StreamID: id, Priority: p})
	return nil
}

// localStreamsAbove returns the live locally initiated streams above id, in order.
func (c *Conn) localStreamsAbove(id StreamID) (list []*stream) {
	for sid, s := range c.streams {
		if s.local && sid > id && !s.done {
			list = append(list, s)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return
}
