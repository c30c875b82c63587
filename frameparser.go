// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"encoding/hex"
	"fmt"
)

// FrameParser implements reading a frame payload from a byte slice.
// Callers check Len before reading; reading past the end panics.
type FrameParser []byte

func (fp FrameParser) String() string {
	switch {
	case len(fp) < 1:
		return "[FrameParser 0]"
	case len(fp) < 32:
		return fmt.Sprintf("[FrameParser %v %v]", len(fp), hex.EncodeToString(fp))
	default:
		return fmt.Sprintf("[FrameParser %v %v...]", len(fp), hex.EncodeToString(fp[:32]))
	}
}

// Len returns the number of unread bytes.
func (fp FrameParser) Len() int {
	return len(fp)
}

// ReadUint8 reads one byte.
func (fp *FrameParser) ReadUint8() (b uint8) {
	b = (*fp)[0]
	*fp = (*fp)[1:]
	return
}

// ReadUint16 reads a big-endian uint16.
func (fp *FrameParser) ReadUint16() (n uint16) {
	p := *fp
	n = uint16(p[0])<<8 | uint16(p[1])
	*fp = p[2:]
	return
}

// ReadUint32 reads a big-endian uint32.
func (fp *FrameParser) ReadUint32() (n uint32) {
	p := *fp
	n = uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	*fp = p[4:]
	return
}

// ReadStreamID reads a 31-bit stream id, returning the reserved bit separately.
func (fp *FrameParser) ReadStreamID() (id StreamID, flag bool) {
	v := fp.ReadUint32()
	return StreamID(v & 0x7fffffff), v&0x80000000 != 0
}

// ReadN returns a copy of the next n bytes, or nil if n is zero.
func (fp *FrameParser) ReadN(n int) (b []byte) {
	if n > 0 {
		b = make([]byte, n)
		copy(b, *fp)
	}
	*fp = (*fp)[n:]
	return
}

// Truncate drops n bytes from the end, used to strip padding.
func (fp *FrameParser) Truncate(n int) {
	*fp = (*fp)[:len(*fp)-n]
}

func appendUint16(dst []byte, n uint16) []byte {
	return append(dst, byte(n>>8), byte(n))
}

func appendUint32(dst []byte, n uint32) []byte {
	return append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
