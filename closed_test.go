// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_RecentlyClosed_Retention(t *testing.T) {
	rc := newRecentlyClosed(3, time.Second)
	now := time.Unix(1000, 0)
	for id := StreamID(1); id <= 9; id += 2 {
		rc.add(id, now, false)
	}
	assert.Equal(t, 3, rc.len())
	_, ok := rc.lookup(1)
	assert.False(t, ok)
	_, ok = rc.lookup(3)
	assert.False(t, ok)
	cs, ok := rc.lookup(9)
	assert.True(t, ok)
	assert.Equal(t, StreamID(9), cs.id)
}

func Test_RecentlyClosed_Ignores(t *testing.T) {
	rc := newRecentlyClosed(8, time.Second)
	now := time.Unix(1000, 0)
	rc.add(1, now, true)
	rc.add(3, now, false)
	assert.True(t, rc.ignores(1, now.Add(time.Second)))
	assert.False(t, rc.ignores(1, now.Add(time.Second+1)))
	assert.False(t, rc.ignores(3, now), "closed without a local reset")
	assert.False(t, rc.ignores(5, now))
	cs, _ := rc.lookup(1)
	assert.True(t, cs.localReset)
}

func Test_RecentlyClosed_ReAdd(t *testing.T) {
	rc := newRecentlyClosed(2, time.Second)
	now := time.Unix(1000, 0)
	rc.add(1, now, false)
	rc.add(1, now.Add(time.Millisecond), true)
	rc.add(3, now, false)
	_, ok := rc.lookup(1)
	assert.True(t, ok, "newer record survives eviction of the older one")
}
