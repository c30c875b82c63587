// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import "fmt"

/*

FrameHeader is a view of the nine bytes that start every frame:

* 24 bits payload length, not counting the header itself
* 8 bits frame type
* 8 bits flags, meaning depends on the type
* 1 reserved bit, ignored when read and cleared when written
* 31 bits stream id, zero for frames that apply to the connection

*/
type FrameHeader []byte

func (fh FrameHeader) String() string {
	return fmt.Sprintf("[FrameHeader %v %s %v %d]",
		fh.Type(), fh.Type().FlagsString(fh.Flags()), fh.StreamID(), fh.Length())
}

// Length returns the payload length.
func (fh FrameHeader) Length() uint32 {
	return uint32(fh[0])<<16 | uint32(fh[1])<<8 | uint32(fh[2])
}

// SetLength sets the payload length.
func (fh FrameHeader) SetLength(n uint32) {
	if n > MaxFrameSizeLimit {
		panic("SetLength(): n > MaxFrameSizeLimit")
	}
	fh[0] = byte(n >> 16)
	fh[1] = byte(n >> 8)
	fh[2] = byte(n)
}

// Type returns the frame type.
func (fh FrameHeader) Type() FrameType {
	return FrameType(fh[3])
}

// SetType sets the frame type.
func (fh FrameHeader) SetType(t FrameType) {
	fh[3] = byte(t)
}

// Flags returns the flags.
func (fh FrameHeader) Flags() Flags {
	return Flags(fh[4])
}

// SetFlags sets the flags.
func (fh FrameHeader) SetFlags(f Flags) {
	fh[4] = byte(f)
}

// StreamID returns the stream id, ignoring the reserved bit.
func (fh FrameHeader) StreamID() StreamID {
	return StreamID(uint32(fh[5]&0x7f)<<24 | uint32(fh[6])<<16 | uint32(fh[7])<<8 | uint32(fh[8]))
}

// SetStreamID sets the stream id and clears the reserved bit.
func (fh FrameHeader) SetStreamID(id StreamID) {
	if id > MaxStreamID {
		panic("SetStreamID(): id > MaxStreamID")
	}
	fh[5] = byte(id >> 24)
	fh[6] = byte(id >> 16)
	fh[7] = byte(id >> 8)
	fh[8] = byte(id)
}

// Clear zeroes out the header bytes.
func (fh FrameHeader) Clear() {
	for i := range fh[:FrameHeaderSize] {
		fh[i] = 0
	}
}

// appendFrameHeader appends a header with a zero length, to be set once
// the payload is known, and returns the extended slice.
func appendFrameHeader(dst []byte, t FrameType, f Flags, id StreamID) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	fh := FrameHeader(dst[start:])
	fh.SetType(t)
	fh.SetFlags(f)
	fh.SetStreamID(id)
	return dst
}
