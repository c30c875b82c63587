// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// ErrServerClosed is returned by Serve after Close or Shutdown.
var ErrServerClosed error = serverClosedError{}

// DefaultMaxConns is the number of concurrent connections a Server
// allows when MaxConns is not set.
const DefaultMaxConns = 1024

// Server listens for incoming network connections and runs a server side
// Driver for each of them.
type Server struct {
	Addr          string        // TCP address to listen on, ":10111" if empty
	Handler       StreamHandler // serves the streams opened by clients
	Config        *Config       // connection configuration, DefaultConfig() if nil
	MaxConns      int           // maximum number of concurrent connections
	listeners     map[net.Listener]struct{}
	bytesWritten  int64
	bytesRead     int64
	mu            sync.Mutex
	serveErrorsMu sync.Mutex
	serveErrors   map[string]int
	connLimiter   chan struct{}
	doneChan      chan struct{}
	activeDrivers map[*Driver]struct{}
	wg            sync.WaitGroup
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// network connections. It's used by ListenAndServe so dead network
// connections (e.g. closing laptop mid-download) eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// Listen announces on the local network address.
func (srv *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err == nil {
		srv.mu.Lock()
		srv.Addr = ln.Addr().String()
		srv.mu.Unlock()
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	}
	return ln, errors.WithStack(err)
}

// DefaultListenAddr returns the default address:port
// to listen on.
func (srv *Server) DefaultListenAddr() string {
	return ":10111"
}

func (srv *Server) getListenAddr(addr string) string {
	if addr == "" {
		return srv.DefaultListenAddr()
	}
	return addr
}

func (srv *Server) config() *Config {
	if srv.Config == nil {
		return DefaultConfig()
	}
	return srv.Config
}

// ListenAndServe listens on the TCP network address srv.Addr and then calls
// Serve to handle streams on incoming network connections.
// If srv.Addr is blank, ":10111" is used.
func (srv *Server) ListenAndServe() (err error) {
	listener, err := srv.Listen(srv.getListenAddr(srv.Addr))
	if err == nil {
		err = srv.Serve(listener)
	}
	return
}

// Serve accepts incoming network connections on the Listener l, running
// a Driver for each. Serve always returns a non-nil error; after Close or
// Shutdown it is ErrServerClosed.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()
	var tempDelay time.Duration // how long to sleep on accept failure

	if err := func() error {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		select {
		case <-srv.getDoneChanLocked():
			return ErrServerClosed
		default:
		}
		srv.trackListenerLocked(l, true)
		return nil
	}(); err != nil {
		return err
	}
	defer srv.trackListener(l, false)

	srv.serveErrorsMu.Lock()
	srv.serveErrors = make(map[string]int)
	srv.serveErrorsMu.Unlock()
	log := srv.config().Logger
	for {
		rwc, err := l.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warn().Err(err).Dur("retry", tempDelay).Msg("accept failed")
				time.Sleep(tempDelay)
				continue
			}
			return errors.WithStack(err)
		}
		tempDelay = 0
		// wait for active network connections to fall to allowed levels
		select {
		case srv.getConnLimiter() <- struct{}{}:
		case <-srv.getDoneChan():
			_ = rwc.Close()
			return ErrServerClosed
		}
		go func(rwc io.ReadWriteCloser) {
			defer func() { <-srv.getConnLimiter() }()
			if err := srv.ServeConn(context.Background(), rwc); err != nil && !IsClosedError(err) {
				srv.serveErrorsMu.Lock()
				srv.serveErrors[errors.Cause(err).Error()]++
				srv.serveErrorsMu.Unlock()
			}
		}(rwc)
	}
}

// ServeConn runs a server side Driver over rwc until the connection ends.
func (srv *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	d := NewDriver(rwc, RoleServer, srv.config())
	d.StatsCollector = srv
	d.Handler = srv.Handler
	if !srv.trackDriver(d, true) {
		_ = d.Close()
		return ErrServerClosed
	}
	defer srv.trackDriver(d, false)
	return d.Run(ctx)
}

// ServeErrors returns a copy of the serve errors map
func (srv *Server) ServeErrors() map[string]int {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

func (srv *Server) trackListener(ln net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.trackListenerLocked(ln, add)
}

func (srv *Server) trackListenerLocked(ln net.Listener, add bool) {
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		// If the *Server is being reused after a previous
		// Close or Shutdown, reset its doneChan:
		if len(srv.listeners) == 0 && len(srv.activeDrivers) == 0 {
			srv.doneChan = nil
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
}

// trackDriver registers or forgets d. It refuses new Drivers once the
// server is closed.
func (srv *Server) trackDriver(d *Driver, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeDrivers == nil {
		srv.activeDrivers = make(map[*Driver]struct{})
	}
	if add {
		select {
		case <-srv.getDoneChanLocked():
			if len(srv.listeners) == 0 {
				return false
			}
		default:
		}
		srv.activeDrivers[d] = struct{}{}
		srv.wg.Add(1)
	} else if _, ok := srv.activeDrivers[d]; ok {
		delete(srv.activeDrivers, d)
		srv.wg.Done()
	}
	return true
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (srv *Server) getConnLimiter() chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getConnLimiterLocked()
}

func (srv *Server) getConnLimiterLocked() chan struct{} {
	if srv.connLimiter == nil {
		maxConns := srv.MaxConns
		if maxConns < 1 {
			maxConns = DefaultMaxConns
		}
		srv.connLimiter = make(chan struct{}, maxConns)
	}
	return srv.connLimiter
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

// stopAccepting closes the listeners and returns the active Drivers.
func (srv *Server) stopAccepting() (list []*Driver, err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.closeDoneChanLocked()
	err = srv.closeListenersLocked()
	for d := range srv.activeDrivers {
		list = append(list, d)
	}
	return
}

// Close immediately closes all listeners and active connections.
func (srv *Server) Close() error {
	list, err := srv.stopAccepting()
	for _, d := range list {
		_ = d.Close()
	}
	return errors.WithStack(err)
}

// Shutdown closes the listeners and sends GOAWAY on every active
// connection, then waits for them to finish their streams. If ctx is done
// first, the remaining connections are closed and the context error returned.
func (srv *Server) Shutdown(ctx context.Context) error {
	list, err := srv.stopAccepting()
	for _, d := range list {
		_ = d.GoAway(ErrCodeNo, nil)
	}
	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		_ = srv.Close()
		<-done
		return errors.WithStack(ctx.Err())
	}
	return errors.WithStack(err)
}

// ActiveConns returns the number of active connections.
func (srv *Server) ActiveConns() int {
	return len(srv.getConnLimiter())
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *Server) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *Server) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}
