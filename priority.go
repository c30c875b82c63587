// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"container/heap"
	"fmt"
)

// schedEntry is the scheduling state of one stream.
type schedEntry struct {
	id     StreamID
	weight uint64 // 1 to 256
	dep    StreamID
	tag    uint64 // virtual time of the next byte
	index  int    // position in the ready heap, -1 if not ready
}

type schedHeap []*schedEntry

func (h schedHeap) Len() int { return len(h) }

func (h schedHeap) Less(i, j int) bool {
	if h[i].tag != h[j].tag {
		return h[i].tag < h[j].tag
	}
	return h[i].id < h[j].id
}

func (h schedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *schedHeap) Push(x interface{}) {
	e := x.(*schedEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *schedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// scheduler orders write-ready streams by weighted fair queuing.
//
// Every stream carries a virtual time tag. The ready stream with the
// smallest tag sends next, ties going to the lower stream id. Sending n
// bytes advances the tag by n*256/weight, so over time each ready stream
// gets a share of the connection proportional to its weight. A stream
// becoming ready starts no earlier than the current virtual time, so idle
// periods do not accumulate credit.
type scheduler struct {
	vtime   uint64
	entries map[StreamID]*schedEntry
	ready   schedHeap
}

func newScheduler() *scheduler {
	return &scheduler{entries: make(map[StreamID]*schedEntry)}
}

func (s *scheduler) String() string {
	return fmt.Sprintf("[scheduler %d streams %d ready vtime %d]", len(s.entries), len(s.ready), s.vtime)
}

// add registers a stream with priority p.
func (s *scheduler) add(id StreamID, p PriorityParam) {
	if _, ok := s.entries[id]; !ok {
		s.entries[id] = &schedEntry{id: id, index: -1, tag: s.vtime}
		s.setPriority(id, p)
	}
}

// remove forgets a stream. Its dependents are moved to its parent.
func (s *scheduler) remove(id StreamID) {
	e := s.entries[id]
	if e == nil {
		return
	}
	if e.index >= 0 {
		heap.Remove(&s.ready, e.index)
	}
	delete(s.entries, id)
	for _, other := range s.entries {
		if other.dep == id {
			other.dep = e.dep
		}
	}
}

// setPriority changes weight and dependency of a registered stream.
// An exclusive dependency makes the stream the sole child of its parent.
func (s *scheduler) setPriority(id StreamID, p PriorityParam) {
	e := s.entries[id]
	if e == nil {
		return
	}
	e.weight = uint64(p.Weight) + 1
	if p.StreamDep == id {
		return
	}
	if p.Exclusive {
		for _, other := range s.entries {
			if other.dep == p.StreamDep && other.id != id {
				other.dep = id
			}
		}
	}
	e.dep = p.StreamDep
}

// markReady puts a stream into the ready set.
func (s *scheduler) markReady(id StreamID) {
	if e := s.entries[id]; e != nil && e.index < 0 {
		if e.tag < s.vtime {
			e.tag = s.vtime
		}
		heap.Push(&s.ready, e)
	}
}

// markIdle takes a stream out of the ready set.
func (s *scheduler) markIdle(id StreamID) {
	if e := s.entries[id]; e != nil && e.index >= 0 {
		heap.Remove(&s.ready, e.index)
	}
}

// next returns the ready stream that should send next.
func (s *scheduler) next() (StreamID, bool) {
	if len(s.ready) == 0 {
		return 0, false
	}
	return s.ready[0].id, true
}

// charge accounts a frame with n payload bytes sent on the stream.
func (s *scheduler) charge(id StreamID, n int) {
	e := s.entries[id]
	if e == nil {
		return
	}
	if e.tag > s.vtime {
		s.vtime = e.tag
	}
	e.tag += uint64(n+FrameHeaderSize) * 256 / e.weight
	if e.index >= 0 {
		heap.Fix(&s.ready, e.index)
	}
}

func (s *scheduler) isReady(id StreamID) bool {
	e := s.entries[id]
	return e != nil && e.index >= 0
}

// priority returns the weight (1 to 256) and parent of a stream.
func (s *scheduler) priority(id StreamID) (weight int, dep StreamID) {
	if e := s.entries[id]; e != nil {
		return int(e.weight), e.dep
	}
	return 0, 0
}
