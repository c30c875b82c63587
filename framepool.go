// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

// frameBufCap is the capacity of pooled buffers, one default sized frame.
const frameBufCap = FrameHeaderSize + DefaultMaxFrameSize

// Provides a buffer of allocated but unused frame buffers.
var frameBufPool chan []byte

func init() {
	frameBufPool = make(chan []byte, 0x400)
}

// frameBufAlloc returns an empty buffer for encoding outbound frames.
func frameBufAlloc() []byte {
	select {
	case b := <-frameBufPool:
		return b[:0]
	default:
		return make([]byte, 0, frameBufCap)
	}
}

// frameBufFree releases a buffer. Buffers that grew past the pooled
// capacity are left to the garbage collector.
func frameBufFree(b []byte) {
	if b != nil && cap(b) == frameBufCap {
		select {
		case frameBufPool <- b:
		default:
		}
	}
}
