// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// writeBufferSize is the size of the buffered writer in front of the transport.
const writeBufferSize = 64 * 1024

// StreamHandler serves a stream initiated by the peer.
type StreamHandler interface {
	ServeStream(sc *StreamConn)
}

// StreamHandlerFunc adapts a function to a StreamHandler.
type StreamHandlerFunc func(sc *StreamConn)

// ServeStream calls f(sc).
func (f StreamHandlerFunc) ServeStream(sc *StreamConn) {
	f(sc)
}

type flusher interface {
	Flush() error
}

var driverNextSerialNumber uint64

// Driver runs a Conn over an io.ReadWriteCloser. One goroutine reads from
// the transport and one writes to it, while any number of goroutines use
// the StreamConns. All access to the Conn is serialized by a mutex.
type Driver struct {
	io.ReadWriteCloser                // The I/O endpoint
	StatsCollector                    // Where to report statistics (optional)
	Handler            StreamHandler // serves peer streams; if nil, use Accept

	cfg  *Config
	log  zerolog.Logger
	conn *Conn

	mu            sync.Mutex // guards conn and the fields below
	streams       map[StreamID]*StreamConn
	accepted      []*StreamConn
	pings         map[[8]byte]chan time.Duration
	pingSeq       uint64
	latency       time.Duration
	settingsSent  time.Time
	settingsTimer *time.Timer
	span          trace.Span
	started       bool
	scratch       []byte

	wakeCh    chan struct{} // wakes the writer
	acceptCh  chan struct{} // a stream was queued for Accept
	slotCh    chan struct{} // a local stream slot may have opened
	doneChan  chan struct{} // closed when the Conn has terminated
	closeOnce sync.Once
	closeErr  error
	handlers  sync.WaitGroup

	serialNumber uint64
}

// NewDriver returns a Driver for one end of the connection carried by rwc.
// A nil cfg means DefaultConfig(). Nothing happens until Run is called.
func NewDriver(rwc io.ReadWriteCloser, role Role, cfg *Config) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	d := &Driver{
		ReadWriteCloser: rwc,
		cfg:             cfg,
		conn:            NewConn(role, cfg),
		streams:         make(map[StreamID]*StreamConn),
		pings:           make(map[[8]byte]chan time.Duration),
		settingsSent:    cfg.now(),
		span:            trace.SpanFromContext(context.Background()),
		wakeCh:          make(chan struct{}, 1),
		acceptCh:        make(chan struct{}, 1),
		slotCh:          make(chan struct{}, 1),
		doneChan:        make(chan struct{}),
		serialNumber:    atomic.AddUint64(&driverNextSerialNumber, 1),
	}
	d.log = cfg.Logger.With().Uint64("driver", d.serialNumber).Logger()
	return d
}

func (d *Driver) String() string {
	return fmt.Sprintf("[Driver %x %v]", d.serialNumber, d.conn.Role())
}

// Done returns a channel that is closed when the connection has terminated.
func (d *Driver) Done() <-chan struct{} {
	return d.doneChan
}

// Err returns the error that terminated the connection, or nil.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Err()
}

// State returns the connection state.
func (d *Driver) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.State()
}

// NumActiveStreams returns the number of locally and peer initiated
// streams counted against the concurrency limits.
func (d *Driver) NumActiveStreams() (local, peer int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.NumActiveStreams()
}

// PeerSettings returns the settings announced by the peer.
func (d *Driver) PeerSettings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.PeerSettings()
}

// AvailableStreams returns how many more local streams the peer admits now.
func (d *Driver) AvailableStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn.State() != ConnOpen {
		return 0
	}
	local, _ := d.conn.NumActiveStreams()
	if limit := d.conn.PeerSettings().MaxConcurrentStreams; limit != Unlimited {
		return int(limit) - local
	}
	return int(^uint(0)>>1) - local
}

// Latency returns the round trip time of the last answered ping.
func (d *Driver) Latency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latency
}

func (d *Driver) wake() {
	signal(d.wakeCh)
}

func (d *Driver) isClosed() bool {
	return isClosedChan(d.doneChan)
}

func (d *Driver) closeDoneChanLocked() {
	if !isClosedChan(d.doneChan) {
		close(d.doneChan)
	}
}

func (d *Driver) closeTransport() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.ReadWriteCloser.Close()
	})
	return d.closeErr
}

// Run processes the connection until it terminates or ctx is done, and
// returns the terminating error. After a graceful shutdown that error
// satisfies IsClosedError. Handlers still running are waited for.
func (d *Driver) Run(ctx context.Context) (err error) {
	ctx, span := startConnSpan(ctx, d.conn.Role(), remoteName(d.ReadWriteCloser))
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		span.End()
		return errors.New("driver already running")
	}
	d.started = true
	d.span = span
	if timeout := d.cfg.SettingsTimeout.Duration; timeout > 0 {
		d.settingsTimer = time.AfterFunc(timeout, d.checkSettings)
	}
	d.mu.Unlock()
	d.log.Debug().Str("remote", remoteName(d.ReadWriteCloser)).Msg("driver started")

	stop := context.AfterFunc(ctx, func() { _ = d.Close() })
	defer stop()

	readCh := make(chan error, 1)
	writeCh := make(chan error, 1)
	go func() { readCh <- d.readLoop() }()
	go func() { writeCh <- d.writeLoop(bufio.NewWriterSize(d.ReadWriteCloser, writeBufferSize)) }()

	select {
	case rerr := <-readCh:
		d.terminate(rerr)
		// let the writer flush the GOAWAY
		timeout := d.cfg.WriteTimeout.Duration
		if timeout <= 0 {
			timeout = DefaultWriteTimeout
		}
		timer := time.NewTimer(timeout)
		select {
		case <-writeCh:
		case <-timer.C:
			_ = d.closeTransport()
			<-writeCh
		}
		timer.Stop()
	case werr := <-writeCh:
		d.terminate(werr)
		_ = d.closeTransport()
		<-readCh
	}
	_ = d.closeTransport()

	d.mu.Lock()
	if d.settingsTimer != nil {
		d.settingsTimer.Stop()
	}
	err = d.conn.Err()
	d.mu.Unlock()

	d.handlers.Wait()
	endConnSpan(span, err)
	if IsClosedError(err) {
		d.log.Debug().Msg("driver stopped")
	} else {
		d.log.Warn().Err(err).Msg("driver stopped")
	}
	return
}

// terminate ends the Conn after a transport failure.
func (d *Driver) terminate(err error) {
	if err == nil {
		err = io.EOF
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn.Err() == nil {
		d.conn.shutdown(errors.Wrap(err, "transport"), false)
	}
	d.dispatchLocked()
}

func (d *Driver) readLoop() error {
	size := d.cfg.ReadBufferSize
	if size < FrameHeaderSize {
		size = DefaultReadBufferSize
	}
	buf := make([]byte, size)
	for {
		n, err := d.ReadWriteCloser.Read(buf)
		if n > 0 {
			if d.StatsCollector != nil {
				d.StatsCollector.AddBytesRead(int64(n))
			}
			d.mu.Lock()
			rerr := d.conn.Receive(buf[:n])
			d.dispatchLocked()
			d.mu.Unlock()
			d.wake()
			if rerr != nil {
				return rerr
			}
		}
		if err != nil {
			return errors.WithStack(err)
		}
	}
}

// writeLoop copies outbound bytes to w until the Conn has terminated and
// everything it produced has been written.
func (d *Driver) writeLoop(w io.Writer) (err error) {
	f, hasFlusher := w.(flusher)

	var pingC <-chan time.Time
	if interval := d.cfg.PingInterval.Duration; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	var buf []byte
	for {
		d.mu.Lock()
		out := d.conn.Outbound()
		buf = append(buf[:0], out...)
		d.conn.Advance(len(out))
		closed := d.conn.State() == ConnClosed
		if len(buf) > 0 {
			d.signalWritersLocked()
		}
		d.dispatchLocked()
		d.mu.Unlock()

		if len(buf) > 0 {
			var n int
			n, err = w.Write(buf)
			if d.StatsCollector != nil && n > 0 {
				d.StatsCollector.AddBytesWritten(int64(n))
			}
			if err != nil {
				return errors.WithStack(err)
			}
			continue
		}

		if hasFlusher {
			if err = f.Flush(); err != nil {
				return errors.WithStack(err)
			}
		}
		if closed {
			return d.Err()
		}

		select {
		case <-d.wakeCh:
		case <-d.doneChan:
		case <-pingC:
			d.keepAlive()
		}
	}
}

// signalWritersLocked wakes blocked writers after send buffers drained,
// and forgets closed streams the Conn no longer tracks.
func (d *Driver) signalWritersLocked() {
	for id, sc := range d.streams {
		if sc.closed && d.conn.StreamState(id) == StateClosed && d.conn.Buffered(id) == 0 {
			delete(d.streams, id)
			continue
		}
		signal(sc.writeCh)
	}
}

// dispatchLocked delivers the Conn's events to the StreamConns.
func (d *Driver) dispatchLocked() {
	handled := false
	for {
		ev, ok := d.conn.NextEvent()
		if !ok {
			break
		}
		handled = true
		traceEvent(d.span, ev)
		sc := d.streams[ev.StreamID]
		switch ev.Type {
		case EventHeaders:
			if sc == nil {
				if d.conn.Role().ownsID(ev.StreamID) {
					break
				}
				sc = newStreamConn(d, ev.StreamID, false)
				sc.onHeaders(ev)
				d.acceptLocked(sc)
			} else {
				sc.onHeaders(ev)
			}
		case EventPushPromise:
			ps := newStreamConn(d, ev.PromisedID, false)
			ps.promise = ev.Headers
			d.acceptLocked(ps)
		case EventData:
			if sc != nil {
				if sc.closed {
					d.discardLocked(sc)
				} else {
					signal(sc.readCh)
				}
			}
		case EventReset:
			if sc != nil {
				sc.onReset(ev)
				delete(d.streams, ev.StreamID)
			}
		case EventWindowUpdate:
			if ev.StreamID == 0 {
				d.signalWritersLocked()
			} else if sc != nil {
				signal(sc.writeCh)
			}
		case EventSettings:
			d.signalWritersLocked()
		case EventPingAck:
			d.latency = ev.RTT
			if ch := d.pings[ev.PingData]; ch != nil {
				delete(d.pings, ev.PingData)
				ch <- ev.RTT
			}
		case EventGoAway:
			d.log.Debug().Stringer("code", ev.ErrCode).Uint32("last", uint32(ev.LastStreamID)).Msg("GOAWAY received")
		case EventConnClosed:
			for _, s := range d.streams {
				s.wakeAll()
			}
			d.closeDoneChanLocked()
		}
	}
	if handled {
		signal(d.slotCh)
	}
}

// discardLocked drops data that arrives for a closed StreamConn, returning
// the credit to the peer.
func (d *Driver) discardLocked(sc *StreamConn) {
	if d.scratch == nil {
		d.scratch = make([]byte, frameBufCap)
	}
	for {
		if _, err := d.conn.ReadData(sc.id, d.scratch); err != nil {
			break
		}
	}
	if d.conn.StreamState(sc.id) == StateClosed && d.conn.Buffered(sc.id) == 0 {
		delete(d.streams, sc.id)
	}
}

func (d *Driver) acceptLocked(sc *StreamConn) {
	d.streams[sc.id] = sc
	if d.Handler != nil {
		d.handlers.Add(1)
		go d.serve(sc)
		return
	}
	d.accepted = append(d.accepted, sc)
	signal(d.acceptCh)
}

// serve runs the Handler for a peer stream. A panicking handler resets
// its stream with INTERNAL_ERROR.
func (d *Driver) serve(sc *StreamConn) {
	defer d.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Uint32("stream", uint32(sc.id)).Msg("stream handler panic")
			_ = sc.Reset(ErrCodeInternal)
		}
	}()
	d.Handler.ServeStream(sc)
	_ = sc.Close()
}

// Accept returns the next stream initiated or promised by the peer. It is
// only useful when Handler is nil.
func (d *Driver) Accept(ctx context.Context) (*StreamConn, error) {
	for {
		d.mu.Lock()
		if len(d.accepted) > 0 {
			sc := d.accepted[0]
			d.accepted[0] = nil
			d.accepted = d.accepted[1:]
			if len(d.accepted) > 0 {
				signal(d.acceptCh)
			}
			d.mu.Unlock()
			return sc, nil
		}
		err := d.conn.Err()
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
		select {
		case <-d.acceptCh:
		case <-d.doneChan:
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

// OpenStream starts a stream with a header block. If the peer's stream
// limit is reached it waits for a slot until ctx is done.
func (d *Driver) OpenStream(ctx context.Context, fields []hpack.HeaderField, endStream bool) (*StreamConn, error) {
	for {
		d.mu.Lock()
		id, err := d.conn.OpenStream(fields, endStream)
		var sc *StreamConn
		if err == nil {
			sc = newStreamConn(d, id, true)
			d.streams[id] = sc
		}
		d.mu.Unlock()
		if err == nil {
			d.wake()
			signal(d.slotCh)
			return sc, nil
		}
		if errors.Cause(err) != ErrStreamLimit {
			return nil, err
		}
		select {
		case <-d.slotCh:
		case <-d.doneChan:
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

func (d *Driver) nextPingDataLocked() (data [8]byte) {
	d.pingSeq++
	binary.BigEndian.PutUint64(data[:], d.pingSeq)
	return
}

// Ping sends a PING and waits for the answer, returning the round trip time.
func (d *Driver) Ping(ctx context.Context) (time.Duration, error) {
	ch := make(chan time.Duration, 1)
	d.mu.Lock()
	data := d.nextPingDataLocked()
	err := d.conn.Ping(data)
	if err == nil {
		d.pings[data] = ch
	}
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	d.wake()
	select {
	case rtt := <-ch:
		return rtt, nil
	case <-d.doneChan:
		return 0, errors.WithStack(ErrConnClosed)
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pings, data)
		d.mu.Unlock()
		return 0, errors.WithStack(ctx.Err())
	}
}

// keepAlive sends a PING whose answer only updates Latency.
func (d *Driver) keepAlive() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.conn.Ping(d.nextPingDataLocked())
}

// UpdateSettings announces new local settings. If the peer does not
// acknowledge them within the SETTINGS timeout the connection fails.
func (d *Driver) UpdateSettings(s Settings) error {
	d.mu.Lock()
	err := d.conn.UpdateSettings(s)
	if err == nil {
		d.settingsSent = d.cfg.now()
		if d.settingsTimer != nil {
			d.settingsTimer.Reset(d.cfg.SettingsTimeout.Duration)
		}
	}
	d.mu.Unlock()
	d.wake()
	return err
}

func (d *Driver) checkSettings() {
	d.mu.Lock()
	timeout := d.cfg.SettingsTimeout.Duration
	if len(d.conn.pendingLocal) > 0 && d.conn.Err() == nil {
		if waited := d.cfg.now().Sub(d.settingsSent); waited >= timeout {
			d.conn.fail(connError(ErrCodeSettingsTimeout, "SETTINGS not acknowledged within %v", timeout))
			d.dispatchLocked()
		} else {
			d.settingsTimer.Reset(timeout - waited)
		}
	}
	d.mu.Unlock()
	d.wake()
}

// GoAway starts a graceful shutdown and returns at once.
func (d *Driver) GoAway(code ErrCode, debug []byte) error {
	d.mu.Lock()
	err := d.conn.GoAway(code, debug)
	d.dispatchLocked()
	d.mu.Unlock()
	d.wake()
	return err
}

// Shutdown sends GOAWAY and waits for the active streams to finish. If ctx
// is done first, the connection is closed and the context error returned.
func (d *Driver) Shutdown(ctx context.Context) error {
	if err := d.GoAway(ErrCodeNo, nil); err != nil && !IsClosedError(err) {
		return err
	}
	select {
	case <-d.doneChan:
		return nil
	case <-ctx.Done():
		_ = d.Close()
		return errors.WithStack(ctx.Err())
	}
}

// Close terminates the connection at once with GOAWAY(NO_ERROR).
// Close may be called more than once.
func (d *Driver) Close() (err error) {
	d.mu.Lock()
	_ = d.conn.Close()
	d.dispatchLocked()
	started := d.started
	d.mu.Unlock()
	d.wake()
	if !started {
		err = d.closeTransport()
	}
	return
}

// remoteName describes the peer of a transport for logs and traces.
func remoteName(rwc io.ReadWriteCloser) string {
	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return fmt.Sprintf("%T", rwc)
}
