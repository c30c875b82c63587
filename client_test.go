// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refusingDial(ctx context.Context, addr string) (net.Conn, error) {
	return nil, errors.Errorf("dial %s: connection refused", addr)
}

func Test_Client_NewClient(t *testing.T) {
	c := NewClient("192.0.2.1:1")
	assert.NotNil(t, c)
	assert.Zero(t, c.AvailableStreams())
	assert.Zero(t, c.NumDrivers())
	assert.NoError(t, c.Close())
}

func Test_Client_no_answer(t *testing.T) {
	defer leaktest.Check(t)()
	c := NewClient("192.0.2.1:1")
	defer c.Close()
	c.Dial = refusingDial
	sc, err := c.OpenStream(context.Background(), testRequest, true)
	assert.Nil(t, sc)
	assert.Contains(t, err.Error(), "connection refused")
}

func Test_Client_server_seems_offline(t *testing.T) {
	c := NewClient("192.0.2.1:1")
	defer c.Close()
	assert.EqualError(t, c.offlineError(), "upstream server unresponsive")
	c.Dial = refusingDial
	c.firstAttempt = time.Now().Add(-time.Second)
	_, err := c.OpenStream(context.Background(), testRequest, true)
	assert.Contains(t, err.Error(), "no response for")
}

func Test_Client_spreads_over_drivers(t *testing.T) {
	defer leaktest.Check(t)()
	scfg := DefaultConfig()
	scfg.Settings.MaxConcurrentStreams = 2
	st := newSrvTester(t, true, scfg)
	defer st.Close()
	defer close(st.release)

	var dials int32
	c := NewClient(st.srv.Addr)
	defer c.Close()
	c.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		return conn, err
	}

	first, err := c.OpenStream(context.Background(), testRequest, false)
	require.NoError(t, err)
	// learn the server's limit before relying on it
	d := first.d
	_, err = d.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.AvailableStreams())

	for i := 0; i < 3; i++ {
		_, err = c.OpenStream(context.Background(), testRequest, false)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
	assert.Equal(t, 2, c.NumDrivers())
}
