// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type srvTester struct {
	t          *testing.T
	isClosed   bool
	srv        *Server
	serveCount int64
	release    chan struct{}
	serveDone  chan struct{}
	serveErr   error
}

// newSrvTester starts an echo server. If blocked, handlers wait for
// release to be closed.
func newSrvTester(t *testing.T, blocked bool, cfg *Config) *srvTester {
	st := &srvTester{
		t:         t,
		srv:       &Server{Config: cfg},
		release:   make(chan struct{}),
		serveDone: make(chan struct{}),
	}
	if !blocked {
		close(st.release)
	}
	st.srv.Handler = st
	ln, lnerr := st.srv.Listen("127.0.0.1:0")
	require.NoError(t, lnerr)
	require.NotNil(t, ln)
	go st.Serve(ln)
	return st
}

func (st *srvTester) Serve(ln net.Listener) {
	st.serveErr = st.srv.Serve(ln)
	assert.Equal(st.t, ErrServerClosed, st.serveErr)
	close(st.serveDone)
}

func (st *srvTester) haveServed() bool {
	return atomic.LoadInt64(&st.serveCount) > 0
}

func (st *srvTester) ServeStream(sc *StreamConn) {
	atomic.AddInt64(&st.serveCount, 1)
	<-st.release
	echoHandler(sc)
}

func (st *srvTester) wait() {
	timer := time.NewTimer(time.Second * 5)
	defer timer.Stop()
	select {
	case <-st.serveDone:
	case <-timer.C:
		assert.NoError(st.t, errors.New("server_test: Timeout waiting for server to stop"))
	}
}

func (st *srvTester) Close() {
	if !st.isClosed {
		st.isClosed = true
		assert.NoError(st.t, st.srv.Close())
		st.wait()
	}
}

func Test_Server_simple(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, false, nil)
	st.Close()
}

func Test_Server_support_functions(t *testing.T) {
	st := newSrvTester(t, false, nil)
	defer st.Close()
	em := st.srv.ServeErrors()
	assert.NotNil(t, em)
	assert.Zero(t, st.srv.ActiveConns())
	assert.Zero(t, st.srv.BytesWritten())
	assert.Zero(t, st.srv.BytesRead())
	st.srv.AddBytesRead(1)
	st.srv.AddBytesWritten(2)
	assert.Equal(t, int64(1), st.srv.BytesRead())
	assert.Equal(t, int64(2), st.srv.BytesWritten())
	assert.Equal(t, ":10111", st.srv.getListenAddr(""))
}

func Test_Server_echo(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, false, nil)
	defer st.Close()
	c := NewClient(st.srv.Addr)
	defer c.Close()

	for i := 0; i < 3; i++ {
		sc, err := c.OpenStream(context.Background(), testRequest, false)
		require.NoError(t, err)
		_, err = sc.Write([]byte("ping"))
		require.NoError(t, err)
		require.NoError(t, sc.CloseWrite())
		got, err := io.ReadAll(sc)
		assert.NoError(t, err)
		assert.Equal(t, "ping", string(got))
		assert.NoError(t, sc.Close())
		assert.NotNil(t, sc.RemoteAddr())
		assert.Equal(t, "tcp", sc.LocalAddr().Network())
	}
	assert.True(t, st.haveServed())
	assert.Equal(t, 1, c.NumDrivers())
	assert.Equal(t, 1, st.srv.ActiveConns())
	assert.NotZero(t, st.srv.BytesRead())
	assert.NotZero(t, st.srv.BytesWritten())
}

func Test_Server_Shutdown(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, true, nil)
	c := NewClient(st.srv.Addr)
	defer c.Close()

	sc, err := c.OpenStream(context.Background(), testRequest, false)
	require.NoError(t, err)
	_, err = sc.Write([]byte("late"))
	require.NoError(t, err)
	require.NoError(t, sc.CloseWrite())
	for !st.haveServed() {
		time.Sleep(time.Millisecond)
	}

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- st.srv.Shutdown(context.Background()) }()
	select {
	case err := <-shutdownErr:
		t.Fatalf("shutdown returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(st.release)
	got, err := io.ReadAll(sc)
	assert.NoError(t, err)
	assert.Equal(t, "late", string(got))
	assert.NoError(t, <-shutdownErr)
	st.isClosed = true
	st.wait()
	assert.Equal(t, ErrServerClosed, st.srv.ServeConn(context.Background(), nopRWC{}))
}

func Test_Server_ShutdownTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, true, nil)
	c := NewClient(st.srv.Addr)
	defer c.Close()

	_, err := c.OpenStream(context.Background(), testRequest, false)
	require.NoError(t, err)
	for !st.haveServed() {
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(st.release)
	}()
	err = st.srv.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	st.isClosed = true
	st.wait()
}

type nopRWC struct{}

func (nopRWC) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopRWC) Write(p []byte) (int, error) { return len(p), nil }
func (nopRWC) Close() error                { return nil }

func Test_Server_ServeConn(t *testing.T) {
	defer leaktest.Check(t)()
	srv := &Server{Handler: StreamHandlerFunc(echoHandler)}
	a, b := newRwcPipes()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ServeConn(context.Background(), b) }()

	d := NewDriver(a, RoleClient, nil)
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()
	sc, err := d.OpenStream(context.Background(), testRequest, false)
	require.NoError(t, err)
	_, err = sc.Write([]byte("piped"))
	require.NoError(t, err)
	require.NoError(t, sc.CloseWrite())
	got, err := io.ReadAll(sc)
	assert.NoError(t, err)
	assert.Equal(t, "piped", string(got))

	assert.NoError(t, srv.Close())
	assert.True(t, IsClosedError(waitErr(t, serveErr)))
	assert.True(t, IsClosedError(waitErr(t, runErr)))
}
