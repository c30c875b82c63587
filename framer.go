// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
)

// Framer decodes frames incrementally from bytes fed to it.
// The bytes of a partial frame are kept until the rest arrives.
type Framer struct {
	buf              []byte
	off              int
	maxReadFrameSize uint32
	framesRead       int64
	bytesRead        int64
}

// NewFramer returns a Framer that rejects frames larger than maxReadFrameSize.
func NewFramer(maxReadFrameSize uint32) *Framer {
	return &Framer{maxReadFrameSize: maxReadFrameSize}
}

func (fr *Framer) String() string {
	return fmt.Sprintf("[Framer %d buffered %d frames]", fr.Buffered(), fr.framesRead)
}

// Feed appends p to the input.
func (fr *Framer) Feed(p []byte) {
	if fr.off > 0 && fr.off == len(fr.buf) {
		fr.buf = fr.buf[:0]
		fr.off = 0
	} else if fr.off > cap(fr.buf)/2 {
		n := copy(fr.buf, fr.buf[fr.off:])
		fr.buf = fr.buf[:n]
		fr.off = 0
	}
	fr.buf = append(fr.buf, p...)
	fr.bytesRead += int64(len(p))
}

// Buffered returns the number of bytes fed but not yet decoded.
func (fr *Framer) Buffered() int {
	return len(fr.buf) - fr.off
}

// SetMaxReadFrameSize changes the largest frame accepted.
func (fr *Framer) SetMaxReadFrameSize(n uint32) {
	fr.maxReadFrameSize = n
}

// Reset discards any buffered input.
func (fr *Framer) Reset() {
	fr.buf = fr.buf[:0]
	fr.off = 0
}

// ReadFrame decodes the next frame.
//
// It returns ErrIncomplete when no whole frame is buffered. A frame of
// unknown type is consumed and returned as nil with a nil error. On a
// StreamError the frame is consumed and decoding may continue.
func (fr *Framer) ReadFrame() (f *Frame, err error) {
	var n int
	f, n, err = DecodeFrame(fr.buf[fr.off:], fr.maxReadFrameSize)
	fr.off += n
	if n > 0 {
		fr.framesRead++
	}
	return
}
