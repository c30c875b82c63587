// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
)

// Client dials a server, maintaining one or more client side Drivers and
// spreading new streams over them.
type Client struct {
	Addr        string        // the address to dial
	DialTimeout time.Duration // dialing timeout
	Config      *Config       // connection configuration, DefaultConfig() if nil
	Handler     StreamHandler // serves pushed streams; if nil they are discarded
	// Dial opens the transport. If nil, a TCP connection to Addr is dialed.
	Dial func(ctx context.Context, addr string) (net.Conn, error)

	mu           sync.Mutex // protects those below
	lastError    error
	lastAttempt  time.Time
	firstAttempt time.Time
	drivers      []*Driver
	wg           sync.WaitGroup
}

// NewClient returns a Client for the server at addr. Network connections
// are established as needed, so none is made immediately.
func NewClient(addr string) *Client {
	return &Client{
		Addr:        addr,
		DialTimeout: time.Second * 60,
	}
}

func (c *Client) config() *Config {
	if c.Config == nil {
		return DefaultConfig()
	}
	return c.Config
}

// Close closes all Drivers and waits for them to stop.
func (c *Client) Close() (err error) {
	c.mu.Lock()
	drivers := c.drivers
	c.drivers = nil
	c.mu.Unlock()
	for _, d := range drivers {
		if derr := d.Close(); err == nil {
			err = derr
		}
	}
	c.wg.Wait()
	return
}

// discardPush drops pushed streams nobody asked to handle.
var discardPush = StreamHandlerFunc(func(sc *StreamConn) {
	_ = sc.Reset(ErrCodeCancel)
})

// dialLocked connects to the server and starts a Driver for it.
// Must run with the mutex locked.
func (c *Client) dialLocked(ctx context.Context) *Driver {
	dialCtx := ctx
	if c.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}
	dial := c.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}
	rwc, err := dial(dialCtx, c.Addr)
	if err != nil {
		c.lastError = errors.WithStack(err)
		c.lastAttempt = time.Now()
		if c.firstAttempt.IsZero() {
			c.firstAttempt = c.lastAttempt
		}
		c.config().Logger.Debug().Err(err).Str("addr", c.Addr).Msg("dial failed")
		return nil
	}
	c.lastError = nil
	c.lastAttempt = time.Time{}
	c.firstAttempt = time.Time{}
	d := NewDriver(rwc, RoleClient, c.config())
	d.Handler = c.Handler
	if d.Handler == nil {
		d.Handler = discardPush
	}
	c.drivers = append(c.drivers, d)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = d.Run(context.Background())
		c.forget(d)
	}()
	return d
}

func (c *Client) forget(d *Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.drivers {
		if x == d {
			c.drivers = append(c.drivers[:i], c.drivers[i+1:]...)
			return
		}
	}
}

// selectBestDriverLocked returns the Driver admitting the most new
// streams, or nil if none admits any.
// Must run with the mutex locked.
func (c *Client) selectBestDriverLocked() (best *Driver) {
	bestAvail := 0
	for _, d := range c.drivers {
		if avail := d.AvailableStreams(); avail > bestAvail {
			bestAvail = avail
			best = d
		}
	}
	return
}

func (c *Client) offlineError() (err error) {
	if err = c.lastError; err == nil {
		err = errors.New("upstream server unresponsive")
	}
	if c.firstAttempt != c.lastAttempt {
		err = errors.Wrapf(err, "no response for %v", time.Since(c.firstAttempt))
	}
	return
}

// AvailableStreams returns the number of streams the connected servers
// admit right now, summed over all Drivers.
func (c *Client) AvailableStreams() (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.drivers {
		n += d.AvailableStreams()
	}
	return
}

// NumDrivers returns the number of live connections.
func (c *Client) NumDrivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.drivers)
}

// OpenStream opens a stream with the given request headers on a Driver
// with room for it, dialing a new connection if none has.
func (c *Client) OpenStream(ctx context.Context, fields []hpack.HeaderField, endStream bool) (*StreamConn, error) {
	startTime := time.Now()
	for {
		c.mu.Lock()
		d := c.selectBestDriverLocked()
		if d == nil {
			// not enough room, dial a new one
			if c.lastAttempt.Before(startTime) {
				d = c.dialLocked(ctx)
			}
			if d == nil {
				err := c.offlineError()
				c.mu.Unlock()
				return nil, err
			}
		}
		c.mu.Unlock()
		sc, err := d.OpenStream(ctx, fields, endStream)
		if err == nil || !IsClosedError(err) {
			return sc, err
		}
		// the Driver went away under us, try another
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

// Ping measures the round trip time on the first live connection.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	var d *Driver
	if len(c.drivers) > 0 {
		d = c.drivers[0]
	}
	err := c.offlineError()
	c.mu.Unlock()
	if d == nil {
		return 0, err
	}
	return d.Ping(ctx)
}
