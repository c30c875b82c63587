// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package h2mux implements the HTTP/2 framing layer as a transport-agnostic protocol engine.

The engine multiplexes many concurrent logical streams over one ordered, reliable byte stream. It owns the frame codec, the HPACK state for both directions, connection and stream flow control, the stream state machines and the outbound scheduler. It never performs I/O itself: bytes received from the peer are handed to Conn.Receive, and bytes to send are taken from Conn.Outbound and acknowledged with Conn.Advance. Conn.Poll performs one cooperative step over a non-blocking Transport.

A Conn is single-threaded. It holds no locks and starts no goroutines, so a caller may drive it from an event loop, a cooperative task or a dedicated goroutine. Streams are owned by the Conn and referred to by their StreamID only.

A frame is the basic structure within the connection byte stream. It consists of a nine byte frame header followed by a typed payload. A stream is created by its first header block and is reclaimed once both directions are closed and its buffered data has been consumed.

Errors come in two classes. A stream error resets one stream with RST_STREAM and leaves the connection healthy. A connection error sends GOAWAY, closes every stream and makes every later call on the Conn fail with ErrConnClosed.

For callers that prefer blocking I/O, Driver runs a Conn over an io.ReadWriteCloser with a reader and a writer goroutine, and StreamConn wraps one stream as a net.Conn-like handle with deadlines. Server and Client accept and dial TCP connections using Driver.
*/
package h2mux
