// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatherValue sums the samples of a gathered metric family whose labels
// include all of match.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, match map[string]string) (v float64) {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			ok := true
			for k, want := range match {
				if labels[k] != want {
					ok = false
				}
			}
			if ok {
				v += m.GetCounter().GetValue() + m.GetGauge().GetValue()
			}
		}
	}
	return
}

func Test_Metrics_Nil(t *testing.T) {
	var m *Metrics
	m.AddBytesRead(1)
	m.AddBytesWritten(1)
	m.frameRead(FrameData)
	m.streamOpened(true)
	m.connClosed()
}

func Test_Metrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("test"), WithConstLabels(prometheus.Labels{"unit": "a"}))
	var sc StatsCollector = m
	sc.AddBytesRead(10)
	sc.AddBytesWritten(20)
	m.frameRead(FramePing)
	m.frameRead(FramePing)
	m.streamOpened(false)
	m.streamOpened(true)
	m.streamClosed()
	m.resetSent(ErrCodeCancel)
	m.goAway("sent", ErrCodeNo)

	assert.Equal(t, 10.0, gatherValue(t, reg, "test_bytes_read_total", nil))
	assert.Equal(t, 20.0, gatherValue(t, reg, "test_bytes_written_total", nil))
	assert.Equal(t, 2.0, gatherValue(t, reg, "test_frames_read_total", map[string]string{"type": "PING", "unit": "a"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "test_streams_opened_total", map[string]string{"initiator": "remote"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "test_active_streams", nil))
	assert.Equal(t, 1.0, gatherValue(t, reg, "test_resets_sent_total", map[string]string{"code": "CANCEL"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "test_goaways_total", map[string]string{"dir": "sent", "code": "NO_ERROR"}))
}
