// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatsCollector is the interface required to collect statistics.
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "h2mux").
	Namespace string
	// Subsystem is the metrics subsystem (default: "").
	Subsystem string
	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels
	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics collects protocol statistics of any number of connections.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesRead     *prometheus.CounterVec
	framesWritten  *prometheus.CounterVec
	bytesRead      prometheus.Counter
	bytesWritten   prometheus.Counter
	streamsOpened  *prometheus.CounterVec
	streamsClosed  prometheus.Counter
	activeStreams  prometheus.Gauge
	resetsSent     *prometheus.CounterVec
	resetsReceived *prometheus.CounterVec
	goAways        *prometheus.CounterVec
	flowStalls     prometheus.Counter
	connections    prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "h2mux",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	return &Metrics{
		framesRead:     counterVec("frames_read_total", "Frames received by type.", "type"),
		framesWritten:  counterVec("frames_written_total", "Frames sent by type.", "type"),
		bytesRead:      counter("bytes_read_total", "Bytes received from transports."),
		bytesWritten:   counter("bytes_written_total", "Bytes written to transports."),
		streamsOpened:  counterVec("streams_opened_total", "Streams opened by initiator.", "initiator"),
		streamsClosed:  counter("streams_closed_total", "Streams closed."),
		activeStreams:  gauge("active_streams", "Streams currently open."),
		resetsSent:     counterVec("resets_sent_total", "RST_STREAM frames sent by error code.", "code"),
		resetsReceived: counterVec("resets_received_total", "RST_STREAM frames received by error code.", "code"),
		goAways:        counterVec("goaways_total", "GOAWAY frames by direction and error code.", "dir", "code"),
		flowStalls:     counter("flow_stalls_total", "Times a stream with queued data had no send credit."),
		connections:    gauge("connections", "Connections currently open."),
	}
}

// AddBytesWritten implements StatsCollector.
func (m *Metrics) AddBytesWritten(n int64) {
	if m != nil {
		m.bytesWritten.Add(float64(n))
	}
}

// AddBytesRead implements StatsCollector.
func (m *Metrics) AddBytesRead(n int64) {
	if m != nil {
		m.bytesRead.Add(float64(n))
	}
}

func (m *Metrics) frameRead(t FrameType) {
	if m != nil {
		m.framesRead.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) frameWritten(t FrameType) {
	if m != nil {
		m.framesWritten.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) streamOpened(local bool) {
	if m != nil {
		initiator := "remote"
		if local {
			initiator = "local"
		}
		m.streamsOpened.WithLabelValues(initiator).Inc()
		m.activeStreams.Inc()
	}
}

func (m *Metrics) streamClosed() {
	if m != nil {
		m.streamsClosed.Inc()
		m.activeStreams.Dec()
	}
}

func (m *Metrics) resetSent(code ErrCode) {
	if m != nil {
		m.resetsSent.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) resetReceived(code ErrCode) {
	if m != nil {
		m.resetsReceived.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) goAway(dir string, code ErrCode) {
	if m != nil {
		m.goAways.WithLabelValues(dir, code.String()).Inc()
	}
}

func (m *Metrics) flowStall() {
	if m != nil {
		m.flowStalls.Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
