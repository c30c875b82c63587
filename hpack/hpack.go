// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package hpack implements the HPACK header compression scheme.
//
// An Encoder and a Decoder each own one dynamic table. The two tables of a
// connection direction must stay index-synchronized: every entry the encoder
// adds is added by the peer's decoder at the same point of the same header
// block, and every table size change is signalled in-band before use.
package hpack

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// DefaultTableSize is the initial dynamic table size of both peers.
	DefaultTableSize = 4096
	// entryOverhead is added to the length of name and value of every
	// table entry when computing the table size.
	entryOverhead = 32
	// maxIntOctets is the most octets (prefix included) an integer may use.
	maxIntOctets = 5
)

// HeaderField is a name/value pair. Sensitive fields are encoded using the
// never-indexed representation and never enter a dynamic table.
type HeaderField struct {
	Name      string
	Value     string
	Sensitive bool
}

// Size returns the size of the field as counted against table budgets
// and header list limits.
func (hf HeaderField) Size() uint32 {
	return uint32(len(hf.Name)+len(hf.Value)) + entryOverhead
}

func (hf HeaderField) String() string {
	var suffix string
	if hf.Sensitive {
		suffix = " (sensitive)"
	}
	return fmt.Sprintf("header field %q = %q%s", hf.Name, hf.Value, suffix)
}

// ErrorKind classifies compression errors.
type ErrorKind int

const (
	InvalidRepresentation ErrorKind = iota
	InvalidIntegerPrefix
	InvalidTableIndex
	InvalidHuffmanCode
	InvalidMaxDynamicSize
	IntegerUnderflow
	IntegerOverflow
	StringUnderflow
)

var errorKindTexts = map[ErrorKind]string{
	InvalidRepresentation: "invalid representation",
	InvalidIntegerPrefix:  "invalid integer prefix",
	InvalidTableIndex:     "invalid table index",
	InvalidHuffmanCode:    "invalid huffman code",
	InvalidMaxDynamicSize: "invalid max dynamic size",
	IntegerUnderflow:      "integer underflow",
	IntegerOverflow:       "integer overflow",
	StringUnderflow:       "string underflow",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindTexts[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// CompressionError is returned when a header block cannot be decoded.
// After a CompressionError the decoder table is unusable, since the peer's
// view of it can no longer be known.
type CompressionError struct {
	Kind   ErrorKind
	Offset int // byte offset in the header block where decoding failed
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("hpack: %v at offset %d", e.Kind, e.Offset)
}

// ErrHeaderListTooLarge is returned when a decoded header list exceeds the
// configured maximum header list size. The dynamic table is still updated
// for the whole block, so the error is not fatal to the connection.
var ErrHeaderListTooLarge = errors.New("hpack: header list too large")

// IsCompressionError returns true if the cause of err is a *CompressionError.
func IsCompressionError(err error) bool {
	_, ok := errors.Cause(err).(*CompressionError)
	return ok
}

func compressionError(kind ErrorKind, offset int) error {
	return errors.WithStack(&CompressionError{Kind: kind, Offset: offset})
}
