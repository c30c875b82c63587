// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package hpack

import (
	"github.com/pkg/errors"
)

// Decoder decompresses header blocks into header lists.
// A Decoder is not safe for concurrent use.
//
// Once Decode has returned a CompressionError the Decoder keeps returning
// it, since its table can no longer be trusted to match the peer's.
type Decoder struct {
	table             dynamicTable
	allowedMaxSize    uint32 // local SETTINGS_HEADER_TABLE_SIZE in effect
	pendingMaxSize    uint32 // smallest allowed size since the last block
	sizeUpdateDue     bool   // next block must open with a size update
	maxHeaderListSize uint32 // zero means unlimited
	err               error
}

// NewDecoder returns a Decoder with the given table size, which is also
// the initial size the peer may use.
func NewDecoder(maxDynamicTableSize uint32) *Decoder {
	return &Decoder{
		table:          newDynamicTable(maxDynamicTableSize),
		allowedMaxSize: maxDynamicTableSize,
		pendingMaxSize: maxDynamicTableSize,
	}
}

// SetAllowedMaxDynamicTableSize sets the largest table size the peer may
// select, as acknowledged local SETTINGS_HEADER_TABLE_SIZE. When it is
// smaller than the current table size, the next header block must begin
// with a size update no larger than the smallest value set.
func (d *Decoder) SetAllowedMaxDynamicTableSize(v uint32) {
	d.allowedMaxSize = v
	if v < d.pendingMaxSize {
		d.pendingMaxSize = v
	}
	if v < d.table.maxSize {
		d.sizeUpdateDue = true
	}
}

// SetMaxHeaderListSize sets the largest decoded header list accepted.
// Zero means unlimited.
func (d *Decoder) SetMaxHeaderListSize(n uint32) {
	d.maxHeaderListSize = n
}

// MaxDynamicTableSize returns the table size budget selected by the peer.
func (d *Decoder) MaxDynamicTableSize() uint32 {
	return d.table.maxSize
}

// DynamicTableSize returns the bytes currently accounted in the table.
func (d *Decoder) DynamicTableSize() uint32 {
	return d.table.size
}

// DynamicTableLen returns the number of entries in the table.
func (d *Decoder) DynamicTableLen() int {
	return d.table.len()
}

// Err returns the sticky compression error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Decode decodes a complete header block.
//
// If the header list exceeds the maximum header list size, decoding still
// runs to the end of the block to keep the table synchronized, the excess
// fields are dropped and ErrHeaderListTooLarge is returned together with
// the fields decoded before the limit was hit.
func (d *Decoder) Decode(block []byte) (hfs []HeaderField, err error) {
	err = d.DecodeFunc(block, func(hf HeaderField) {
		hfs = append(hfs, hf)
	})
	return
}

// DecodeFunc decodes a complete header block, calling emit for each field
// in order.
func (d *Decoder) DecodeFunc(block []byte, emit func(HeaderField)) error {
	if d.err != nil {
		return d.err
	}
	r := intReader{p: block}
	var listSize uint64
	tooLarge := false
	sawField := false
	deliver := func(hf HeaderField) {
		sawField = true
		if tooLarge {
			return
		}
		listSize += uint64(hf.Size())
		if d.maxHeaderListSize > 0 && listSize > uint64(d.maxHeaderListSize) {
			tooLarge = true
			return
		}
		emit(hf)
	}
	for r.remaining() > 0 {
		b := r.peek()
		if b&0xe0 == 0x20 {
			if err := d.sizeUpdate(&r, sawField); err != nil {
				return d.fail(err)
			}
			continue
		}
		if d.sizeUpdateDue {
			return d.fail(compressionError(InvalidMaxDynamicSize, r.off))
		}
		var err error
		switch {
		case b&0x80 != 0:
			err = d.indexed(&r, deliver)
		case b&0xc0 == 0x40:
			err = d.literal(&r, 6, true, false, deliver)
		case b&0xf0 == 0x10:
			err = d.literal(&r, 4, false, true, deliver)
		case b&0xf0 == 0x00:
			err = d.literal(&r, 4, false, false, deliver)
		default:
			err = compressionError(InvalidRepresentation, r.off)
		}
		if err != nil {
			return d.fail(err)
		}
	}
	if tooLarge {
		return errors.WithStack(ErrHeaderListTooLarge)
	}
	return nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	return err
}

func (d *Decoder) sizeUpdate(r *intReader, sawField bool) error {
	off := r.off
	if sawField {
		return compressionError(InvalidMaxDynamicSize, off)
	}
	v, err := r.readVarInt(5)
	if err != nil {
		return err
	}
	limit := d.allowedMaxSize
	if d.sizeUpdateDue {
		limit = d.pendingMaxSize
	}
	if v > uint64(limit) {
		return compressionError(InvalidMaxDynamicSize, off)
	}
	d.table.setMaxSize(uint32(v))
	d.sizeUpdateDue = false
	d.pendingMaxSize = d.allowedMaxSize
	return nil
}

func (d *Decoder) indexed(r *intReader, deliver func(HeaderField)) error {
	off := r.off
	idx, err := r.readVarInt(7)
	if err != nil {
		return err
	}
	hf, ok := d.table.at(idx)
	if !ok {
		return compressionError(InvalidTableIndex, off)
	}
	deliver(hf)
	return nil
}

func (d *Decoder) literal(r *intReader, prefix byte, indexing, sensitive bool, deliver func(HeaderField)) error {
	off := r.off
	idx, err := r.readVarInt(prefix)
	if err != nil {
		return err
	}
	var hf HeaderField
	if idx > 0 {
		named, ok := d.table.at(idx)
		if !ok {
			return compressionError(InvalidTableIndex, off)
		}
		hf.Name = named.Name
	} else if hf.Name, err = r.readString(); err != nil {
		return err
	}
	if hf.Value, err = r.readString(); err != nil {
		return err
	}
	if indexing {
		d.table.add(hf)
	}
	hf.Sensitive = sensitive
	deliver(hf)
	return nil
}
