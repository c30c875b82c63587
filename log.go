// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// EnvLogLevel overrides Config.LogLevel.
	EnvLogLevel = "H2MUX_LOG_LEVEL"
	// EnvNetLog overrides Config.NetLog.
	EnvNetLog = "H2MUX_NETLOG"
)

// NewConsoleLogger returns a human readable logger tagged with app.
func NewConsoleLogger(app, level string) zerolog.Logger {
	return newConsoleLogger(os.Stderr, app, level)
}

func newConsoleLogger(w io.Writer, app, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace", "netlog":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// logFrame traces a frame when NetLog is enabled.
func (c *Conn) logFrame(dir string, f *Frame) {
	if c.netLog {
		ev := c.log.Trace().
			Str("dir", dir).
			Stringer("type", f.Type).
			Str("flags", f.Type.FlagsString(f.Flags)).
			Uint32("stream", uint32(f.StreamID))
		switch f.Type {
		case FrameData:
			ev = ev.Int("len", len(f.Data))
		case FrameHeaders, FramePushPromise, FrameContinuation:
			ev = ev.Int("len", len(f.BlockFragment))
		case FrameRSTStream, FrameGoAway:
			ev = ev.Stringer("code", f.ErrCode)
		case FrameWindowUpdate:
			ev = ev.Uint32("incr", f.Increment)
		}
		ev.Msg("frame")
	}
}
