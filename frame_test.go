// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, b []byte) *Frame {
	t.Helper()
	f, n, err := DecodeFrame(b, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.NotNil(t, f)
	return f
}

func Test_Frame_RoundTrip(t *testing.T) {
	frames := []*Frame{
		{Type: FrameData, StreamID: 1, Flags: FlagDataEndStream, Data: []byte("hello")},
		{Type: FrameData, StreamID: 3, PadLength: 4, Data: []byte("padded")},
		{Type: FrameHeaders, StreamID: 5, Flags: FlagHeadersEndHeaders | FlagHeadersPriority,
			Priority: PriorityParam{StreamDep: 3, Exclusive: true, Weight: 200}, BlockFragment: []byte{0x82, 0x86}},
		{Type: FramePriority, StreamID: 7, Priority: PriorityParam{StreamDep: 1, Weight: 7}},
		{Type: FrameRSTStream, StreamID: 9, ErrCode: ErrCodeCancel},
		{Type: FrameSettings, Settings: []Setting{{SettingMaxConcurrentStreams, 100}, {SettingInitialWindowSize, 1 << 20}}},
		{Type: FrameSettings, Flags: FlagSettingsAck},
		{Type: FramePushPromise, StreamID: 1, Flags: FlagPushPromiseEndHeaders, PromisedID: 2, BlockFragment: []byte{0x84}},
		{Type: FramePing, Flags: FlagPingAck, PingData: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Type: FrameGoAway, LastStreamID: 11, ErrCode: ErrCodeEnhanceYourCalm, DebugData: []byte("calm")},
		{Type: FrameWindowUpdate, StreamID: 13, Increment: 4096},
		{Type: FrameContinuation, StreamID: 5, Flags: FlagContinuationEndHeaders, BlockFragment: []byte{0x41, 0x00}},
	}
	for _, want := range frames {
		b := EncodeFrame(want)
		assert.Equal(t, uint32(len(b)-FrameHeaderSize), FrameHeader(b).Length(), want.String())
		got := decodeOne(t, b)
		if want.PadLength > 0 {
			want.Flags |= FlagDataPadded
		}
		assert.Equal(t, want, got, want.String())
	}
}

func Test_Frame_FlowControlLength(t *testing.T) {
	f := decodeOne(t, EncodeFrame(&Frame{Type: FrameData, StreamID: 1, PadLength: 10, Data: []byte("abc")}))
	assert.Equal(t, 3+1+10, f.FlowControlLength())
	assert.Equal(t, 0, (&Frame{Type: FramePing}).FlowControlLength())
}

func Test_Frame_Incomplete(t *testing.T) {
	b := EncodeFrame(&Frame{Type: FrameData, StreamID: 1, Data: []byte("hello")})
	for i := 0; i < len(b); i++ {
		f, n, err := DecodeFrame(b[:i], DefaultMaxFrameSize)
		assert.Nil(t, f)
		assert.Equal(t, 0, n)
		assert.Equal(t, ErrIncomplete, err)
	}
}

func Test_Frame_TooLarge(t *testing.T) {
	b := EncodeFrame(&Frame{Type: FrameData, StreamID: 1, Data: make([]byte, 100)})
	_, n, err := DecodeFrame(b[:FrameHeaderSize], 99)
	assert.Equal(t, 0, n)
	ce, ok := IsConnectionError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFrameSize, ce.Code)
}

func Test_Frame_UnknownType(t *testing.T) {
	b := appendFrameHeader(nil, FrameType(0xfa), 0xff, 1)
	b = append(b, 1, 2, 3)
	FrameHeader(b).SetLength(3)
	f, n, err := DecodeFrame(b, DefaultMaxFrameSize)
	assert.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, len(b), n)
}

func rawFrame(t FrameType, flags Flags, id StreamID, payload ...byte) []byte {
	b := appendFrameHeader(nil, t, flags, id)
	b = append(b, payload...)
	FrameHeader(b).SetLength(uint32(len(payload)))
	return b
}

func Test_Frame_DecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		b      []byte
		code   ErrCode
		stream bool
	}{
		{"DATA on stream 0", rawFrame(FrameData, 0, 0, 1), ErrCodeProtocol, false},
		{"SETTINGS on stream 1", rawFrame(FrameSettings, 0, 1), ErrCodeProtocol, false},
		{"pad exceeds payload", rawFrame(FrameData, FlagDataPadded, 1, 5, 1, 2), ErrCodeProtocol, false},
		{"PRIORITY of 4 bytes", rawFrame(FramePriority, 0, 1, 0, 0, 0, 3), ErrCodeFrameSize, true},
		{"RST_STREAM of 3 bytes", rawFrame(FrameRSTStream, 0, 1, 0, 0, 0), ErrCodeFrameSize, false},
		{"SETTINGS ACK with payload", rawFrame(FrameSettings, FlagSettingsAck, 0, 0, 1, 0, 0, 0, 0), ErrCodeFrameSize, false},
		{"SETTINGS of 5 bytes", rawFrame(FrameSettings, 0, 0, 0, 1, 0, 0, 0), ErrCodeFrameSize, false},
		{"PING of 7 bytes", rawFrame(FramePing, 0, 0, 1, 2, 3, 4, 5, 6, 7), ErrCodeFrameSize, false},
		{"GOAWAY of 7 bytes", rawFrame(FrameGoAway, 0, 0, 0, 0, 0, 0, 0, 0, 0), ErrCodeFrameSize, false},
		{"WINDOW_UPDATE of 5 bytes", rawFrame(FrameWindowUpdate, 0, 0, 0, 0, 0, 0, 1), ErrCodeFrameSize, false},
		{"zero increment on connection", rawFrame(FrameWindowUpdate, 0, 0, 0, 0, 0, 0), ErrCodeProtocol, false},
		{"zero increment on stream", rawFrame(FrameWindowUpdate, 0, 3, 0, 0, 0, 0), ErrCodeProtocol, true},
		{"CONTINUATION on stream 0", rawFrame(FrameContinuation, 0, 0), ErrCodeProtocol, false},
	}
	for _, tt := range tests {
		f, n, err := DecodeFrame(tt.b, DefaultMaxFrameSize)
		assert.Nil(t, f, tt.name)
		assert.Equal(t, len(tt.b), n, tt.name)
		if tt.stream {
			se, ok := IsStreamError(err)
			if assert.True(t, ok, tt.name) {
				assert.Equal(t, tt.code, se.Code, tt.name)
			}
		} else {
			ce, ok := IsConnectionError(err)
			if assert.True(t, ok, tt.name) {
				assert.Equal(t, tt.code, ce.Code, tt.name)
			}
		}
	}
}

func Test_Frame_HeaderBlockSplit(t *testing.T) {
	block := bytes.Repeat([]byte{0xaa}, 250)
	first := &Frame{Type: FrameHeaders, StreamID: 1, Flags: FlagHeadersEndStream}
	b := appendHeaderBlock(nil, first, block, 100)

	var frames []*Frame
	var got []byte
	for len(b) > 0 {
		f, n, err := DecodeFrame(b, 100)
		require.NoError(t, err)
		frames = append(frames, f)
		got = append(got, f.BlockFragment...)
		b = b[n:]
	}
	require.Len(t, frames, 3)
	assert.Equal(t, FrameHeaders, frames[0].Type)
	assert.True(t, frames[0].EndStream())
	assert.False(t, frames[0].EndHeaders())
	assert.Equal(t, FrameContinuation, frames[1].Type)
	assert.False(t, frames[1].EndHeaders())
	assert.Equal(t, FrameContinuation, frames[2].Type)
	assert.True(t, frames[2].EndHeaders())
	assert.Equal(t, block, got)
}

func Test_Frame_HeaderBlockSingle(t *testing.T) {
	first := &Frame{Type: FramePushPromise, StreamID: 1, PromisedID: 2}
	f := decodeOne(t, appendHeaderBlock(nil, first, []byte{0x82}, DefaultMaxFrameSize))
	assert.True(t, f.EndHeaders())
	assert.Equal(t, StreamID(2), f.PromisedID)
	assert.Equal(t, []byte{0x82}, f.BlockFragment)
}

func Test_Frame_String(t *testing.T) {
	f := &Frame{Type: FrameData, StreamID: 1, Flags: FlagDataEndStream}
	assert.Equal(t, "[Frame DATA END_STREAM [Stream 1]]", f.String())
	assert.Equal(t, "[Priority dep 3 weight 16 exclusive]", PriorityParam{StreamDep: 3, Exclusive: true, Weight: 15}.String())
}

func Test_Framer_Feed(t *testing.T) {
	var wire []byte
	wire = AppendFrame(wire, &Frame{Type: FrameSettings})
	wire = AppendFrame(wire, &Frame{Type: FramePing, PingData: [8]byte{9}})
	wire = AppendFrame(wire, &Frame{Type: FrameData, StreamID: 1, Data: []byte("payload")})

	fr := NewFramer(DefaultMaxFrameSize)
	var got []FrameType
	for i := range wire {
		fr.Feed(wire[i : i+1])
		for {
			f, err := fr.ReadFrame()
			if err == ErrIncomplete {
				break
			}
			require.NoError(t, err)
			got = append(got, f.Type)
			if f.Type == FrameData {
				assert.Equal(t, []byte("payload"), f.Data)
			}
		}
	}
	assert.Equal(t, []FrameType{FrameSettings, FramePing, FrameData}, got)
	assert.Equal(t, 0, fr.Buffered())
	assert.Equal(t, "[Framer 0 buffered 3 frames]", fr.String())
}

func Test_Framer_MaxReadFrameSize(t *testing.T) {
	fr := NewFramer(16)
	fr.Feed(EncodeFrame(&Frame{Type: FrameData, StreamID: 1, Data: make([]byte, 20)}))
	_, err := fr.ReadFrame()
	_, ok := IsConnectionError(err)
	assert.True(t, ok)
	fr.SetMaxReadFrameSize(32)
	f, err := fr.ReadFrame()
	assert.NoError(t, err)
	assert.Len(t, f.Data, 20)
	fr.Feed([]byte{0, 0})
	fr.Reset()
	assert.Equal(t, 0, fr.Buffered())
}

func Test_FrameParser(t *testing.T) {
	fp := FrameParser{0x01, 0x02, 0x03, 0x80, 0x00, 0x00, 0x05, 0xaa, 0xbb}
	assert.Equal(t, uint8(1), fp.ReadUint8())
	assert.Equal(t, uint16(0x0203), fp.ReadUint16())
	id, flag := fp.ReadStreamID()
	assert.Equal(t, StreamID(5), id)
	assert.True(t, flag)
	assert.Equal(t, "[FrameParser 2 aabb]", fp.String())
	assert.Equal(t, []byte{0xaa, 0xbb}, fp.ReadN(2))
	assert.Nil(t, fp.ReadN(0))
	assert.Equal(t, 0, fp.Len())
}
