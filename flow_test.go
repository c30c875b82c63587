// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Flow_ReserveConsumeGrant(t *testing.T) {
	fa := newFlowAccountant()
	fa.open(1)
	assert.Equal(t, 100, fa.ReserveSend(1, 100))
	assert.Equal(t, DefaultInitialWindowSize, fa.ReserveSend(1, 1<<20))
	fa.ConsumeSend(1, DefaultInitialWindowSize)
	assert.Equal(t, 0, fa.ReserveSend(1, 1))
	assert.Equal(t, int64(0), fa.SendWindow(0))

	var credited []StreamID
	fa.onCredit = func(id StreamID) { credited = append(credited, id) }
	require.NoError(t, fa.GrantSend(1, 10))
	assert.Equal(t, 0, fa.ReserveSend(1, 10), "connection window still empty")
	require.NoError(t, fa.GrantSend(0, 5))
	assert.Equal(t, 5, fa.ReserveSend(1, 10))
	assert.Equal(t, []StreamID{1, 0}, credited)
	assert.Equal(t, 0, fa.ReserveSend(7, 10), "unknown stream")
}

func Test_Flow_GrantOverflow(t *testing.T) {
	fa := newFlowAccountant()
	fa.open(3)
	err := fa.GrantSend(3, MaxWindowSize)
	se, ok := IsStreamError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFlowControl, se.Code)
	assert.Equal(t, StreamID(3), se.StreamID)

	err = fa.GrantSend(0, MaxWindowSize)
	ce, ok := IsConnectionError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFlowControl, ce.Code)
}

func Test_Flow_InitialWindowChange(t *testing.T) {
	fa := newFlowAccountant()
	fa.open(1)
	fa.ConsumeSend(1, 60000)
	require.NoError(t, fa.OnInitialWindowChange(DefaultInitialWindowSize, 1000))
	assert.Equal(t, int64(1000-60000), fa.SendWindow(1))
	assert.Equal(t, 0, fa.ReserveSend(1, 1))
	require.NoError(t, fa.GrantSend(1, 59500))
	assert.Equal(t, int64(500), fa.SendWindow(1))

	fa.open(3)
	assert.Equal(t, int64(1000), fa.SendWindow(3))
}

func Test_Flow_InitialWindowChange_Bounds(t *testing.T) {
	fa := newFlowAccountant()
	fa.open(1)
	fa.streams[1].send = -5
	err := fa.OnInitialWindowChange(MaxWindowSize, 0)
	ce, ok := IsConnectionError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFlowControl, ce.Code)
	assert.Equal(t, int64(-5), fa.SendWindow(1), "nothing applied")

	fa.streams[1].send = 10
	err = fa.OnInitialWindowChange(0, MaxWindowSize)
	_, ok = IsConnectionError(err)
	assert.True(t, ok)
}

func Test_Flow_ReceiveAndRelease(t *testing.T) {
	fa := newFlowAccountant()
	fa.open(1)
	require.NoError(t, fa.OnReceiveData(1, 40000))
	connIncr, streamIncr := fa.Release(1, 20000)
	assert.Equal(t, uint32(0), connIncr)
	assert.Equal(t, uint32(0), streamIncr)
	connIncr, streamIncr = fa.Release(1, 20000)
	assert.Equal(t, uint32(40000), connIncr)
	assert.Equal(t, uint32(40000), streamIncr)
	assert.Equal(t, int64(DefaultInitialWindowSize), fa.RecvWindow(1))

	err := fa.OnReceiveData(1, DefaultInitialWindowSize+1)
	ce, ok := IsConnectionError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFlowControl, ce.Code)

	require.NoError(t, fa.OnReceiveData(9, 100), "unknown stream debits the connection")
	assert.Equal(t, int64(DefaultInitialWindowSize-100), fa.RecvWindow(0))
	assert.Equal(t, uint32(0), fa.discard(100))
}

func Test_Flow_ExtendRecv(t *testing.T) {
	fa := newFlowAccountant()
	require.NoError(t, fa.ExtendRecv(0, 1<<20))
	assert.Equal(t, int64(DefaultInitialWindowSize+1<<20), fa.RecvWindow(0))
	_, ok := IsConnectionError(fa.ExtendRecv(0, MaxWindowSize))
	assert.True(t, ok)
	fa.open(1)
	_, ok = IsStreamError(fa.ExtendRecv(1, MaxWindowSize))
	assert.True(t, ok)
}

func Test_Flow_LocalInitialWindowChange(t *testing.T) {
	fa := newFlowAccountant()
	fa.open(1)
	fa.OnLocalInitialWindowChange(1 << 20)
	assert.Equal(t, int64(1<<20), fa.RecvWindow(1))
	fa.open(3)
	assert.Equal(t, int64(1<<20), fa.RecvWindow(3))
}

func Test_Flow_SentNeverExceedsGranted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	fa := newFlowAccountant()
	ids := []StreamID{1, 3, 5, 7}
	for _, id := range ids {
		fa.open(id)
	}
	for i := 0; i < 5000; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(4) {
		case 0, 1:
			n := fa.ReserveSend(id, rng.Intn(20000))
			fa.ConsumeSend(id, n)
		case 2:
			_ = fa.GrantSend(id, uint32(rng.Intn(30000)+1))
		case 3:
			_ = fa.GrantSend(0, uint32(rng.Intn(30000)+1))
		}
		for _, id := range ids {
			w := fa.streams[id]
			require.LessOrEqual(t, w.sent, w.granted)
		}
		require.LessOrEqual(t, fa.conn.sent, fa.conn.granted)
	}
}
