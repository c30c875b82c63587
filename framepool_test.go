// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_FramePool_Alloc(t *testing.T) {
	b1 := frameBufAlloc()
	assert.Equal(t, 0, len(b1))
	assert.Equal(t, frameBufCap, cap(b1))
	frameBufFree(append(b1, 1, 2, 3))
	b2 := frameBufAlloc()
	assert.Equal(t, 0, len(b2))
	frameBufFree(b2)
}

func Test_FramePool_Free_Overflow(t *testing.T) {
	for len(frameBufPool) < cap(frameBufPool) {
		frameBufFree(make([]byte, 0, frameBufCap))
	}
	assert.Equal(t, cap(frameBufPool), len(frameBufPool))
	b1 := frameBufAlloc()
	assert.NotNil(t, b1)
	assert.Equal(t, cap(frameBufPool)-1, len(frameBufPool))
	frameBufFree(b1)
	assert.Equal(t, cap(frameBufPool), len(frameBufPool))
	frameBufFree(make([]byte, 0, frameBufCap))
	assert.Equal(t, cap(frameBufPool), len(frameBufPool))
}

func Test_FramePool_Free_Grown(t *testing.T) {
	for len(frameBufPool) > 0 {
		<-frameBufPool
	}
	frameBufFree(make([]byte, 0, frameBufCap*2))
	frameBufFree(nil)
	assert.Equal(t, 0, len(frameBufPool))
}
