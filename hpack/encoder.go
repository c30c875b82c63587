// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package hpack

// Encoder compresses header lists into header blocks.
// An Encoder is not safe for concurrent use.
type Encoder struct {
	table           dynamicTable
	maxSizeLimit    uint32 // peer SETTINGS_HEADER_TABLE_SIZE
	minSize         uint32 // smallest size set since the last block
	tableSizeUpdate bool   // a size update must open the next block
	// DisableHuffman forces literal strings to be sent raw.
	DisableHuffman bool
}

// NewEncoder returns an Encoder using the default table size.
func NewEncoder() *Encoder {
	return &Encoder{
		table:        newDynamicTable(DefaultTableSize),
		maxSizeLimit: DefaultTableSize,
		minSize:      DefaultTableSize,
	}
}

// SetMaxDynamicTableSizeLimit records the table size the peer permits,
// as announced in its SETTINGS_HEADER_TABLE_SIZE. If the current table
// size is larger it is reduced to v.
func (e *Encoder) SetMaxDynamicTableSizeLimit(v uint32) {
	e.maxSizeLimit = v
	if e.table.maxSize > v {
		e.SetMaxDynamicTableSize(v)
	}
}

// SetMaxDynamicTableSize changes the size of the encoder table, clamped to
// the limit. The change is announced at the start of the next header block.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	if v > e.maxSizeLimit {
		v = e.maxSizeLimit
	}
	if v < e.minSize {
		e.minSize = v
	}
	e.tableSizeUpdate = true
	e.table.setMaxSize(v)
}

// MaxDynamicTableSize returns the current table size budget.
func (e *Encoder) MaxDynamicTableSize() uint32 {
	return e.table.maxSize
}

// DynamicTableSize returns the bytes currently accounted in the table.
func (e *Encoder) DynamicTableSize() uint32 {
	return e.table.size
}

// DynamicTableLen returns the number of entries in the table.
func (e *Encoder) DynamicTableLen() int {
	return e.table.len()
}

// Encode returns the header block for headers.
func (e *Encoder) Encode(headers []HeaderField) []byte {
	return e.AppendEncode(nil, headers)
}

// AppendEncode appends the header block for headers to dst.
func (e *Encoder) AppendEncode(dst []byte, headers []HeaderField) []byte {
	if e.tableSizeUpdate {
		if e.minSize < e.table.maxSize {
			dst = appendTableSize(dst, e.minSize)
		}
		dst = appendTableSize(dst, e.table.maxSize)
		e.tableSizeUpdate = false
		e.minSize = e.table.maxSize
	}
	for _, hf := range headers {
		dst = e.appendField(dst, hf)
	}
	return dst
}

func (e *Encoder) appendField(dst []byte, hf HeaderField) []byte {
	idx, exact := e.table.search(hf)
	if exact {
		first := len(dst)
		dst = appendVarInt(dst, 7, idx)
		dst[first] |= 0x80
		return dst
	}
	var pattern, prefix byte
	indexing := !hf.Sensitive && hf.Size() <= e.table.maxSize
	switch {
	case hf.Sensitive:
		pattern, prefix = 0x10, 4
	case indexing:
		pattern, prefix = 0x40, 6
	default:
		pattern, prefix = 0x00, 4
	}
	first := len(dst)
	dst = appendVarInt(dst, prefix, idx)
	dst[first] |= pattern
	if idx == 0 {
		dst = appendString(dst, hf.Name, !e.DisableHuffman)
	}
	dst = appendString(dst, hf.Value, !e.DisableHuffman)
	if indexing {
		e.table.add(HeaderField{Name: hf.Name, Value: hf.Value})
	}
	return dst
}

func appendTableSize(dst []byte, v uint32) []byte {
	first := len(dst)
	dst = appendVarInt(dst, 5, uint64(v))
	dst[first] |= 0x20
	return dst
}
