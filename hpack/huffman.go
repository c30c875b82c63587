// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package hpack

import (
	xhpack "golang.org/x/net/http2/hpack"
)

// readString reads a string literal, Huffman decoding it if flagged.
func (r *intReader) readString() (string, error) {
	if len(r.p) == 0 {
		return "", compressionError(StringUnderflow, r.off)
	}
	huffman := r.p[0]&0x80 != 0
	n, err := r.readVarInt(7)
	if err != nil {
		return "", err
	}
	if uint64(len(r.p)) < n {
		return "", compressionError(StringUnderflow, r.off)
	}
	raw := r.p[:n]
	off := r.off
	r.advance(int(n))
	if !huffman {
		return string(raw), nil
	}
	s, err := xhpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", compressionError(InvalidHuffmanCode, off)
	}
	return s, nil
}

// appendString appends a string literal, Huffman encoded when shorter.
func appendString(dst []byte, s string, allowHuffman bool) []byte {
	if allowHuffman {
		if hlen := xhpack.HuffmanEncodeLength(s); hlen < uint64(len(s)) {
			first := len(dst)
			dst = appendVarInt(dst, 7, hlen)
			dst[first] |= 0x80
			return xhpack.AppendHuffmanString(dst, s)
		}
	}
	dst = appendVarInt(dst, 7, uint64(len(s)))
	return append(dst, s...)
}
