// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation name of the spans this package starts.
const tracerName = "github.com/linkdata/h2mux"

// startConnSpan starts the span covering the life of one driven connection.
// The global tracer provider is used, which records nothing unless the
// application installed one.
func startConnSpan(ctx context.Context, role Role, remote string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "h2mux.conn",
		trace.WithSpanKind(spanKind(role)),
		trace.WithAttributes(
			attribute.String("h2mux.role", role.String()),
			attribute.String("net.peer.name", remote),
		),
	)
}

func spanKind(role Role) trace.SpanKind {
	if role == RoleServer {
		return trace.SpanKindServer
	}
	return trace.SpanKindClient
}

// traceEvent records a connection level event on the span.
func traceEvent(span trace.Span, ev Event) {
	switch ev.Type {
	case EventGoAway:
		span.AddEvent("goaway", trace.WithAttributes(
			attribute.String("h2mux.code", ev.ErrCode.String()),
			attribute.Int64("h2mux.last_stream_id", int64(ev.LastStreamID)),
		))
	case EventPingAck:
		span.AddEvent("ping", trace.WithAttributes(
			attribute.Int64("h2mux.rtt_us", ev.RTT.Microseconds()),
		))
	case EventSettings:
		span.AddEvent("settings", trace.WithAttributes(
			attribute.Int64("h2mux.max_concurrent_streams", int64(ev.Settings.MaxConcurrentStreams)),
			attribute.Int64("h2mux.initial_window_size", int64(ev.Settings.InitialWindowSize)),
			attribute.Int64("h2mux.max_frame_size", int64(ev.Settings.MaxFrameSize)),
		))
	}
}

// endConnSpan sets the span status from the terminating error and ends it.
func endConnSpan(span trace.Span, err error) {
	if err != nil && !IsClosedError(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
