// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package hpack

import "fmt"

// dynamicTable is a ring of header fields ordered by insertion.
// Dynamic index 1 is the newest entry, index len() the oldest.
// Eviction always removes the oldest entry.
type dynamicTable struct {
	ring    []HeaderField
	head    int    // ring index of the oldest entry
	n       int    // number of entries
	size    uint32 // sum of entry sizes
	maxSize uint32 // size budget
	evicted uint64 // entries evicted since creation
	added   uint64 // entries added since creation
}

func newDynamicTable(maxSize uint32) dynamicTable {
	return dynamicTable{maxSize: maxSize}
}

func (t *dynamicTable) String() string {
	return fmt.Sprintf("[dynamicTable %d entries %d/%d bytes]", t.n, t.size, t.maxSize)
}

func (t *dynamicTable) len() int {
	return t.n
}

// get returns the entry at dynamic index i, 1-based, newest first.
func (t *dynamicTable) get(i uint64) (hf HeaderField, ok bool) {
	if i < 1 || i > uint64(t.n) {
		return
	}
	pos := (t.head + t.n - int(i)) % len(t.ring)
	return t.ring[pos], true
}

// add inserts hf as the newest entry, evicting the oldest entries until it
// fits. An entry larger than the whole budget empties the table and is not
// inserted.
func (t *dynamicTable) add(hf HeaderField) {
	sz := hf.Size()
	if sz > t.maxSize {
		t.evictTo(0)
		return
	}
	t.evictTo(t.maxSize - sz)
	if t.n == len(t.ring) {
		t.grow()
	}
	t.ring[(t.head+t.n)%len(t.ring)] = hf
	t.n++
	t.size += sz
	t.added++
}

// setMaxSize changes the budget, evicting entries that no longer fit.
func (t *dynamicTable) setMaxSize(v uint32) {
	t.maxSize = v
	t.evictTo(v)
}

// evictTo removes oldest entries until size <= limit.
func (t *dynamicTable) evictTo(limit uint32) {
	for t.size > limit && t.n > 0 {
		t.size -= t.ring[t.head].Size()
		t.ring[t.head] = HeaderField{}
		t.head = (t.head + 1) % len(t.ring)
		t.n--
		t.evicted++
	}
	if t.n == 0 {
		t.head = 0
	}
}

func (t *dynamicTable) grow() {
	newCap := len(t.ring) * 2
	if newCap == 0 {
		newCap = 16
	}
	ring := make([]HeaderField, newCap)
	for i := 0; i < t.n; i++ {
		ring[i] = t.ring[(t.head+i)%len(t.ring)]
	}
	t.ring = ring
	t.head = 0
}

// search returns the combined index space index of hf and whether both
// name and value matched. A zero index means no match was found.
// Exact static matches are preferred, then exact dynamic matches,
// then name-only matches.
func (t *dynamicTable) search(hf HeaderField) (idx uint64, nameValueMatch bool) {
	if !hf.Sensitive {
		if i, ok := staticByPair[pairKey{hf.Name, hf.Value}]; ok {
			return i, true
		}
	}
	var nameIdx uint64
	for i := 1; i <= t.n; i++ {
		e, _ := t.get(uint64(i))
		if e.Name != hf.Name {
			continue
		}
		if e.Value == hf.Value && !hf.Sensitive {
			return uint64(StaticTableLen + i), true
		}
		if nameIdx == 0 {
			nameIdx = uint64(StaticTableLen + i)
		}
	}
	if i, ok := staticByName[hf.Name]; ok {
		return i, false
	}
	return nameIdx, false
}

// at resolves an index in the combined static and dynamic index space.
func (t *dynamicTable) at(i uint64) (HeaderField, bool) {
	if i < 1 {
		return HeaderField{}, false
	}
	if i <= uint64(StaticTableLen) {
		return staticTable[i-1], true
	}
	return t.get(i - uint64(StaticTableLen))
}
