// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
	"io"
	"net"

	"github.com/linkdata/h2mux/hpack"
	"github.com/pkg/errors"
)

// ErrCode is the error code carried by RST_STREAM and GOAWAY.
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeTexts = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (code ErrCode) String() string {
	if s, ok := errCodeTexts[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown error code 0x%x", uint32(code))
}

// StreamError terminates one stream with RST_STREAM.
type StreamError struct {
	StreamID StreamID
	Code     ErrCode
	Cause    error // optional
}

func (e StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error: stream %d; %v; %v", e.StreamID, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error: stream %d; %v", e.StreamID, e.Code)
}

// ConnectionError terminates the connection with GOAWAY.
type ConnectionError struct {
	Code   ErrCode
	Reason string
}

func (e ConnectionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection error: %v: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection error: %v", e.Code)
}

var (
	// ErrConnClosed is returned by every operation on a terminated connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrIncomplete means more bytes are needed to decode a frame.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrWouldBlock signals suspension, not failure. A Transport returns it
	// when no progress can be made, and Conn returns it when a stream has
	// no buffered data or no room to queue more.
	ErrWouldBlock = errors.New("would block")
	// ErrStreamClosed is returned when sending on a stream whose local side is closed.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamLimit is returned when the peer's concurrent stream limit is reached.
	ErrStreamLimit = errors.New("concurrent stream limit reached")
	// ErrUnknownStream is returned for a stream id that was never opened.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrPushNotAllowed is returned by Push on a client, or when the peer disabled push.
	ErrPushNotAllowed = errors.New("push not allowed")
)

func streamError(id StreamID, code ErrCode, format string, args ...interface{}) error {
	return errors.WithStack(StreamError{StreamID: id, Code: code, Cause: errors.Errorf(format, args...)})
}

func connError(code ErrCode, format string, args ...interface{}) error {
	return errors.WithStack(ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)})
}

// IsStreamError returns the StreamError that caused err, if any.
func IsStreamError(err error) (se StreamError, ok bool) {
	se, ok = errors.Cause(err).(StreamError)
	return
}

// IsConnectionError returns the ConnectionError that caused err, if any.
func IsConnectionError(err error) (ce ConnectionError, ok bool) {
	ce, ok = errors.Cause(err).(ConnectionError)
	return
}

// IsWouldBlock returns true if err signals suspension.
func IsWouldBlock(err error) bool {
	return errors.Cause(err) == ErrWouldBlock
}

// IsClosedError returns true if err means the connection or transport is gone.
func IsClosedError(err error) bool {
	switch errors.Cause(err) {
	case ErrConnClosed, io.ErrClosedPipe, io.EOF, net.ErrClosed, ErrServerClosed:
		return true
	}
	return false
}

// errorCode maps a fatal error to the GOAWAY code announcing it.
func errorCode(err error) ErrCode {
	if ce, ok := IsConnectionError(err); ok {
		return ce.Code
	}
	if hpack.IsCompressionError(err) {
		return ErrCodeCompression
	}
	if IsClosedError(err) {
		return ErrCodeNo
	}
	return ErrCodeInternal
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
