// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rwcPipe struct {
	io.ReadCloser
	io.WriteCloser
	bytesWritten int64
	bytesRead    int64
}

func (rwcp *rwcPipe) Close() error {
	if err := rwcp.WriteCloser.Close(); err != nil {
		return err
	}
	return rwcp.ReadCloser.Close()
}

func (rwcp *rwcPipe) AddBytesWritten(n int64) {
	atomic.AddInt64(&rwcp.bytesWritten, n)
}

func (rwcp *rwcPipe) AddBytesRead(n int64) {
	atomic.AddInt64(&rwcp.bytesRead, n)
}

func newRwcPipes() (a, b *rwcPipe) {
	ra, wa := io.Pipe()
	rb, wb := io.Pipe()
	a = &rwcPipe{
		ReadCloser:  rb,
		WriteCloser: wa,
	}
	b = &rwcPipe{
		ReadCloser:  ra,
		WriteCloser: wb,
	}
	return
}

type driverTester struct {
	t         *testing.T
	a, b      *rwcPipe
	client    *Driver
	server    *Driver
	clientErr chan error
	serverErr chan error
}

func newDriverTester(t *testing.T, handler StreamHandler, ccfg, scfg *Config) *driverTester {
	dt := &driverTester{
		t:         t,
		clientErr: make(chan error, 1),
		serverErr: make(chan error, 1),
	}
	dt.a, dt.b = newRwcPipes()
	dt.client = NewDriver(dt.a, RoleClient, ccfg)
	dt.client.StatsCollector = dt.a
	dt.server = NewDriver(dt.b, RoleServer, scfg)
	dt.server.StatsCollector = dt.b
	dt.server.Handler = handler
	go func() { dt.clientErr <- dt.client.Run(context.Background()) }()
	go func() { dt.serverErr <- dt.server.Run(context.Background()) }()
	return dt
}

func (dt *driverTester) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	dt.t.Cleanup(cancel)
	return ctx
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for driver to stop")
	}
	return nil
}

func (dt *driverTester) Close() {
	assert.NoError(dt.t, dt.client.Close())
	cerr := waitErr(dt.t, dt.clientErr)
	serr := waitErr(dt.t, dt.serverErr)
	assert.True(dt.t, IsClosedError(cerr), "%+v", cerr)
	assert.True(dt.t, IsClosedError(serr), "%+v", serr)
}

func echoHandler(sc *StreamConn) {
	if _, err := sc.Headers(); err != nil {
		return
	}
	if err := sc.WriteHeaders(testResponse, false); err != nil {
		return
	}
	if _, err := io.Copy(sc, sc); err != nil {
		_ = sc.Reset(ErrCodeInternal)
		return
	}
	_ = sc.CloseWrite()
}

func Test_Driver_Echo(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, StreamHandlerFunc(echoHandler), nil, nil)
	defer dt.Close()

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, false)
	require.NoError(t, err)
	assert.True(t, sc.IsLocal())
	assert.Equal(t, StreamID(1), sc.ID())
	hdrs, err := sc.Headers()
	require.NoError(t, err)
	assert.Equal(t, testResponse, hdrs)

	n, err := sc.Write([]byte("hello world"))
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.NoError(t, sc.CloseWrite())
	got, err := io.ReadAll(sc)
	assert.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.NoError(t, sc.Close())
	assert.NotZero(t, atomic.LoadInt64(&dt.a.bytesWritten))
	assert.NotZero(t, atomic.LoadInt64(&dt.b.bytesRead))
}

func Test_Driver_LargeEcho(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, StreamHandlerFunc(echoHandler), nil, nil)
	defer dt.Close()

	blob := make([]byte, 3*DefaultMaxSendBuffer+77)
	rand.New(rand.NewSource(1)).Read(blob)

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, false)
	require.NoError(t, err)
	werr := make(chan error, 1)
	go func() {
		_, err := sc.Write(blob)
		if err == nil {
			err = sc.CloseWrite()
		}
		werr <- err
	}()
	got, err := io.ReadAll(sc)
	assert.NoError(t, err)
	assert.NoError(t, <-werr)
	assert.True(t, bytes.Equal(blob, got))
}

func Test_Driver_ManyStreams(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, StreamHandlerFunc(echoHandler), nil, nil)
	defer dt.Close()

	const count = 20
	errCh := make(chan error, count)
	for i := 0; i < count; i++ {
		go func(i int) {
			sc, err := dt.client.OpenStream(dt.ctx(), testRequest, false)
			if err != nil {
				errCh <- err
				return
			}
			defer sc.Close()
			msg := bytes.Repeat([]byte{byte(i)}, 1000+i*500)
			if _, err = sc.Write(msg); err == nil {
				err = sc.CloseWrite()
			}
			if err != nil {
				errCh <- err
				return
			}
			got, err := io.ReadAll(sc)
			if err == nil && !bytes.Equal(msg, got) {
				err = errors.Errorf("stream %d: echo mismatch", sc.ID())
			}
			errCh <- err
		}(i)
	}
	for i := 0; i < count; i++ {
		assert.NoError(t, <-errCh)
	}
}

func Test_Driver_Accept(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, nil, nil, nil)
	defer dt.Close()

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
	require.NoError(t, err)

	ss, err := dt.server.Accept(dt.ctx())
	require.NoError(t, err)
	assert.False(t, ss.IsLocal())
	hdrs, err := ss.Headers()
	require.NoError(t, err)
	assert.Equal(t, testRequest, hdrs)
	assert.Equal(t, StateHalfClosedRemote, ss.State())
	n, err := ss.Read(make([]byte, 10))
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)
	trailers := []hpack.HeaderField{{Name: "x-checksum", Value: "abc"}}
	require.NoError(t, ss.WriteHeaders(testResponse, false))
	_, err = ss.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, ss.WriteHeaders(trailers, true))

	hdrs, err = sc.Headers()
	require.NoError(t, err)
	assert.Equal(t, testResponse, hdrs)
	got, err := io.ReadAll(sc)
	assert.NoError(t, err)
	assert.Equal(t, "data", string(got))
	assert.Equal(t, trailers, sc.Trailers())
	assert.NoError(t, ss.Close())
	assert.NoError(t, sc.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = dt.server.Accept(ctx)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
}

func Test_Driver_Reset(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, StreamHandlerFunc(func(sc *StreamConn) {
		_ = sc.Reset(ErrCodeCancel)
	}), nil, nil)
	defer dt.Close()

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
	require.NoError(t, err)
	_, err = sc.Headers()
	se, ok := IsStreamError(err)
	require.True(t, ok, "%+v", err)
	assert.Equal(t, ErrCodeCancel, se.Code)
	_, err = sc.Read(make([]byte, 1))
	_, ok = IsStreamError(err)
	assert.True(t, ok)
	_, err = sc.Write([]byte("x"))
	_, ok = IsStreamError(err)
	assert.True(t, ok)
	assert.NoError(t, sc.Close())
}

func Test_Driver_HandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, StreamHandlerFunc(func(sc *StreamConn) {
		panic("handler failure")
	}), nil, nil)
	defer dt.Close()

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
	require.NoError(t, err)
	_, err = sc.Headers()
	se, ok := IsStreamError(err)
	require.True(t, ok, "%+v", err)
	assert.Equal(t, ErrCodeInternal, se.Code)
	assert.Equal(t, ConnOpen, dt.server.State())
}

func Test_Driver_Push(t *testing.T) {
	defer leaktest.Check(t)()
	pushReq := []hpack.HeaderField{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/style.css"}, {Name: ":scheme", Value: "https"}}
	dt := newDriverTester(t, StreamHandlerFunc(func(sc *StreamConn) {
		ps, err := sc.Push(pushReq)
		if err != nil {
			_ = sc.Reset(ErrCodeInternal)
			return
		}
		_ = ps.WriteHeaders(testResponse, false)
		_, _ = ps.Write([]byte("pushed"))
		_ = ps.Close()
		_ = sc.WriteHeaders(testResponse, true)
	}), nil, nil)
	defer dt.Close()

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
	require.NoError(t, err)
	ps, err := dt.client.Accept(dt.ctx())
	require.NoError(t, err)
	assert.Equal(t, StreamID(2), ps.ID())
	assert.Equal(t, pushReq, ps.Promise())
	hdrs, err := ps.Headers()
	require.NoError(t, err)
	assert.Equal(t, testResponse, hdrs)
	got, err := io.ReadAll(ps)
	assert.NoError(t, err)
	assert.Equal(t, "pushed", string(got))
	_, err = io.ReadAll(sc)
	assert.NoError(t, err)
	assert.NoError(t, ps.Close())
	assert.NoError(t, sc.Close())
}

func Test_Driver_Ping(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, nil, nil, nil)
	defer dt.Close()

	rtt, err := dt.client.Ping(dt.ctx())
	assert.NoError(t, err)
	assert.True(t, rtt >= 0)
	assert.Equal(t, rtt, dt.client.Latency())
	_, err = dt.server.Ping(dt.ctx())
	assert.NoError(t, err)
}

func Test_Driver_StreamLimit(t *testing.T) {
	defer leaktest.Check(t)()
	scfg := DefaultConfig()
	scfg.Settings.MaxConcurrentStreams = 1
	release := make(chan struct{})
	dt := newDriverTester(t, StreamHandlerFunc(func(sc *StreamConn) {
		<-release
		_ = sc.WriteHeaders(testResponse, true)
	}), nil, scfg)
	defer dt.Close()

	// the PING answer follows the server's SETTINGS
	_, err := dt.client.Ping(dt.ctx())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), dt.client.PeerSettings().MaxConcurrentStreams)

	sc1, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
	require.NoError(t, err)
	assert.Equal(t, 0, dt.client.AvailableStreams())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = dt.client.OpenStream(ctx, testRequest, true)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))

	opened := make(chan *StreamConn, 1)
	go func() {
		sc2, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
		assert.NoError(t, err)
		opened <- sc2
	}()
	close(release)
	_, err = io.ReadAll(sc1)
	assert.NoError(t, err)
	sc2 := <-opened
	if assert.NotNil(t, sc2) {
		_, err = io.ReadAll(sc2)
		assert.NoError(t, err)
		assert.Equal(t, StreamID(3), sc2.ID())
	}
	local, _ := dt.client.NumActiveStreams()
	assert.Zero(t, local)
}

func Test_Driver_ReadDeadline(t *testing.T) {
	defer leaktest.Check(t)()
	release := make(chan struct{})
	dt := newDriverTester(t, StreamHandlerFunc(func(sc *StreamConn) {
		<-release
	}), nil, nil)
	defer dt.Close()
	defer close(release)

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, false)
	require.NoError(t, err)
	require.NoError(t, sc.SetDeadline(time.Now().Add(10*time.Millisecond)))
	_, err = sc.Headers()
	ne, ok := errors.Cause(err).(net.Error)
	require.True(t, ok, "%+v", err)
	assert.True(t, ne.Timeout())
	_, err = sc.Read(make([]byte, 1))
	ne, ok = errors.Cause(err).(net.Error)
	require.True(t, ok, "%+v", err)
	assert.True(t, ne.Timeout())
	assert.NoError(t, sc.SetReadDeadline(time.Time{}))
	assert.NoError(t, sc.Close())
	assert.Equal(t, io.ErrClosedPipe, errors.Cause(sc.SetDeadline(time.Now())))
	_, err = sc.Read(make([]byte, 1))
	assert.Equal(t, io.ErrClosedPipe, errors.Cause(err))
}

func Test_Driver_ReadTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	ccfg := DefaultConfig()
	ccfg.ReadTimeout.Duration = 10 * time.Millisecond
	release := make(chan struct{})
	dt := newDriverTester(t, StreamHandlerFunc(func(sc *StreamConn) {
		_ = sc.WriteHeaders(testResponse, false)
		<-release
	}), ccfg, nil)
	defer dt.Close()
	defer close(release)

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
	require.NoError(t, err)
	_, err = sc.Headers()
	require.NoError(t, err)
	_, err = sc.Read(make([]byte, 1))
	assert.Equal(t, timeoutError{}, errors.Cause(err))
}

func Test_Driver_Shutdown(t *testing.T) {
	defer leaktest.Check(t)()
	release := make(chan struct{})
	dt := newDriverTester(t, StreamHandlerFunc(func(sc *StreamConn) {
		_ = sc.WriteHeaders(testResponse, false)
		_, _ = sc.Write([]byte("bye"))
		<-release
	}), nil, nil)

	sc, err := dt.client.OpenStream(dt.ctx(), testRequest, true)
	require.NoError(t, err)
	_, err = sc.Headers()
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(sc, buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf))

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- dt.server.Shutdown(dt.ctx()) }()
	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned with a stream active")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, ConnDraining, dt.server.State())
	close(release)
	assert.NoError(t, waitErr(t, shutdownErr))
	assert.True(t, IsClosedError(waitErr(t, dt.serverErr)))
	assert.True(t, IsClosedError(waitErr(t, dt.clientErr)))
	<-dt.client.Done()
	_, err = dt.client.OpenStream(dt.ctx(), testRequest, true)
	assert.True(t, IsClosedError(err))
}

func Test_Driver_RunTwice(t *testing.T) {
	defer leaktest.Check(t)()
	dt := newDriverTester(t, nil, nil, nil)
	defer dt.Close()
	_, err := dt.client.Ping(dt.ctx())
	require.NoError(t, err)
	assert.Error(t, dt.client.Run(context.Background()))
}

func Test_Driver_ContextCancel(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := newRwcPipes()
	client := NewDriver(a, RoleClient, nil)
	server := NewDriver(b, RoleServer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(context.Background()) }()
	clientErr := make(chan error, 1)
	go func() { clientErr <- client.Run(ctx) }()
	_, err := client.Ping(context.Background())
	require.NoError(t, err)
	cancel()
	assert.True(t, IsClosedError(waitErr(t, clientErr)))
	assert.True(t, IsClosedError(waitErr(t, serverErr)))
	assert.Equal(t, ConnClosed, client.State())
}

func Test_Driver_CloseBeforeRun(t *testing.T) {
	a, b := newRwcPipes()
	defer b.Close()
	d := NewDriver(a, RoleClient, nil)
	assert.NoError(t, d.Close())
	assert.Equal(t, ConnClosed, d.State())
	select {
	case <-d.Done():
	default:
		t.Error("Done not closed")
	}
	assert.Contains(t, d.String(), "client")
}

func Test_Driver_SettingsTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := newRwcPipes()
	cfg := DefaultConfig()
	cfg.SettingsTimeout.Duration = 20 * time.Millisecond
	d := NewDriver(a, RoleClient, cfg)
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()
	// a peer that reads but never answers
	go func() { _, _ = io.Copy(io.Discard, b) }()
	err := waitErr(t, runErr)
	ce, ok := IsConnectionError(err)
	require.True(t, ok, "%+v", err)
	assert.Equal(t, ErrCodeSettingsTimeout, ce.Code)
	assert.NoError(t, b.Close())
}
