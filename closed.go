// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
	"time"
)

type closedStream struct {
	id         StreamID
	at         time.Time
	localReset bool
}

// recentlyClosed remembers the most recently closed streams in a bounded
// FIFO, so frames already in flight when a stream closed can be told apart
// from frames sent long after.
type recentlyClosed struct {
	ring  []closedStream
	head  int
	n     int
	index map[StreamID]closedStream
	grace time.Duration
}

func newRecentlyClosed(size int, grace time.Duration) *recentlyClosed {
	if size < 1 {
		size = 1
	}
	return &recentlyClosed{
		ring:  make([]closedStream, size),
		index: make(map[StreamID]closedStream, size),
		grace: grace,
	}
}

func (rc *recentlyClosed) String() string {
	return fmt.Sprintf("[recentlyClosed %d/%d grace %v]", rc.n, len(rc.ring), rc.grace)
}

// add records a closed stream, forgetting the oldest one when full.
func (rc *recentlyClosed) add(id StreamID, at time.Time, localReset bool) {
	if rc.n == len(rc.ring) {
		old := rc.ring[rc.head]
		if cur, ok := rc.index[old.id]; ok && cur.at.Equal(old.at) {
			delete(rc.index, old.id)
		}
		rc.head = (rc.head + 1) % len(rc.ring)
		rc.n--
	}
	cs := closedStream{id: id, at: at, localReset: localReset}
	rc.ring[(rc.head+rc.n)%len(rc.ring)] = cs
	rc.n++
	rc.index[id] = cs
}

// lookup returns the record of a recently closed stream.
func (rc *recentlyClosed) lookup(id StreamID) (cs closedStream, ok bool) {
	cs, ok = rc.index[id]
	return
}

// ignores returns true if frames for id received at now should be
// ignored: the stream was reset by us within the grace period, so the
// peer may not have seen the RST_STREAM yet.
func (rc *recentlyClosed) ignores(id StreamID, now time.Time) bool {
	if cs, ok := rc.lookup(id); ok && cs.localReset {
		return now.Sub(cs.at) <= rc.grace
	}
	return false
}

func (rc *recentlyClosed) len() int {
	return rc.n
}
