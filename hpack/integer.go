// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package hpack

// appendVarInt appends i using an n-bit prefix (RFC 7541 5.1).
// The high 8-n bits of the first octet are left zero for the caller.
func appendVarInt(dst []byte, n byte, i uint64) []byte {
	k := uint64((1 << n) - 1)
	if i < k {
		return append(dst, byte(i))
	}
	dst = append(dst, byte(k))
	i -= k
	for ; i >= 128; i >>= 7 {
		dst = append(dst, byte(0x80|(i&0x7f)))
	}
	return append(dst, byte(i))
}

// intReader is a cursor over a header block that knows its offset,
// so errors can say where decoding failed.
type intReader struct {
	p   []byte
	off int
}

func (r *intReader) remaining() int {
	return len(r.p)
}

func (r *intReader) peek() byte {
	return r.p[0]
}

func (r *intReader) advance(n int) {
	r.p = r.p[n:]
	r.off += n
}

// readVarInt reads an integer with an n-bit prefix.
func (r *intReader) readVarInt(n byte) (uint64, error) {
	if n < 1 || n > 8 {
		return 0, compressionError(InvalidIntegerPrefix, r.off)
	}
	if len(r.p) == 0 {
		return 0, compressionError(IntegerUnderflow, r.off)
	}
	mask := uint64(1<<n) - 1
	i := uint64(r.p[0]) & mask
	r.advance(1)
	if i < mask {
		return i, nil
	}
	octets := 1
	var shift uint
	for len(r.p) > 0 {
		b := r.p[0]
		r.advance(1)
		octets++
		i += uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return i, nil
		}
		shift += 7
		if octets == maxIntOctets {
			return 0, compressionError(IntegerOverflow, r.off)
		}
	}
	return 0, compressionError(IntegerUnderflow, r.off)
}
