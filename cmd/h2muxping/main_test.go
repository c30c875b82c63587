// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_startProfile(t *testing.T) {
	prof, err := startProfile("", ".")
	assert.NoError(t, err)
	assert.Nil(t, prof)

	_, err = startProfile("heap", ".")
	assert.Error(t, err)

	dir := t.TempDir()
	prof, err = startProfile("mem", dir)
	require.NoError(t, err)
	require.NotNil(t, prof)
	prof.Stop()
	fi, err := os.Stat(filepath.Join(dir, "mem.pprof"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())
}
