// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func getHeader(t *testing.T) (h FrameHeader) {
	b := appendFrameHeader(nil, FrameData, 0, 0)
	assert.Equal(t, FrameHeaderSize, len(b))
	h = FrameHeader(b)
	return
}

func Test_FrameHeader_IsBlank(t *testing.T) {
	h := getHeader(t)
	assert.Equal(t, uint32(0), h.Length())
	assert.Equal(t, FrameData, h.Type())
	assert.Equal(t, Flags(0), h.Flags())
	assert.Equal(t, StreamID(0), h.StreamID())
}

func Test_FrameHeader_StreamIDRange(t *testing.T) {
	h := getHeader(t)
	h.SetStreamID(1)
	assert.Equal(t, StreamID(1), h.StreamID())
	h.SetStreamID(MaxStreamID)
	assert.Equal(t, MaxStreamID, h.StreamID())
	assert.Panics(t, func() { h.SetStreamID(MaxStreamID + 1) })
	h[5] |= 0x80
	h.SetStreamID(3)
	assert.Equal(t, byte(0), h[5]&0x80)
	h[5] |= 0x80
	assert.Equal(t, StreamID(3), h.StreamID(), "reserved bit is ignored")
}

func Test_FrameHeader_LengthRange(t *testing.T) {
	h := getHeader(t)
	h.SetLength(MaxFrameSizeLimit)
	assert.Equal(t, uint32(MaxFrameSizeLimit), h.Length())
	assert.Panics(t, func() { h.SetLength(MaxFrameSizeLimit + 1) })
	h.Clear()
	assert.Equal(t, uint32(0), h.Length())
}

func Test_FrameHeader_String(t *testing.T) {
	h := getHeader(t)
	assert.Equal(t, "[FrameHeader DATA - [Stream 0] 0]", h.String())
	h.SetType(FrameHeaders)
	h.SetFlags(FlagHeadersEndStream | FlagHeadersEndHeaders)
	h.SetStreamID(1)
	h.SetLength(12)
	assert.Equal(t, "[FrameHeader HEADERS END_STREAM|END_HEADERS [Stream 1] 12]", h.String())
	h.SetType(FrameType(0x42))
	h.SetFlags(0x80)
	assert.Equal(t, "[FrameHeader UNKNOWN_FRAME_TYPE_66 0x80 [Stream 1] 12]", h.String())
}
