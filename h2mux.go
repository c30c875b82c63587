// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
	"time"
)

const (
	// FrameHeaderSize is the number of bytes in a frame header.
	FrameHeaderSize = 9
	// DefaultMaxFrameSize is the initial SETTINGS_MAX_FRAME_SIZE.
	DefaultMaxFrameSize = 1 << 14
	// MaxFrameSizeLimit is the largest SETTINGS_MAX_FRAME_SIZE allowed.
	MaxFrameSizeLimit = 1<<24 - 1
	// MaxWindowSize is the largest flow-control window allowed.
	MaxWindowSize = 1<<31 - 1
	// DefaultInitialWindowSize is the initial window of connections and streams.
	DefaultInitialWindowSize = 65535
	// DefaultHeaderTableSize is the initial HPACK dynamic table size.
	DefaultHeaderTableSize = 4096
	// MaxStreamID is the highest stream identifier.
	MaxStreamID = StreamID(1<<31 - 1)
	// ClientPreface is sent by the client before its first SETTINGS frame.
	ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	// DefaultReadTimeout is how long a StreamConn waits for data.
	DefaultReadTimeout = time.Second * 5
	// DefaultWriteTimeout is how long a StreamConn waits for credit.
	DefaultWriteTimeout = time.Second * 5
	// DefaultClosedStreamRetention is how many closed stream ids are remembered.
	DefaultClosedStreamRetention = 64
	// DefaultClosedStreamGrace is how long frames for a closed stream are ignored.
	DefaultClosedStreamGrace = time.Second
	// DefaultMaxHeaderBlockSize bounds an assembled inbound header block.
	DefaultMaxHeaderBlockSize = 1 << 20
	// DefaultMaxSendBuffer bounds the outbound bytes queued per stream.
	DefaultMaxSendBuffer = 1 << 20
	// DefaultReadBufferSize is the read size used by Poll and Driver.
	DefaultReadBufferSize = 1 << 15
)

// StreamID identifies a stream. Zero addresses the connection.
type StreamID uint32

func (id StreamID) String() string {
	return fmt.Sprintf("[Stream %d]", uint32(id))
}

// IsClientInitiated returns true for odd stream ids.
func (id StreamID) IsClientInitiated() bool {
	return id&1 == 1
}

// Role selects which end of the connection a Conn is.
type Role int

const (
	// RoleClient sends the preface and uses odd stream ids.
	RoleClient Role = iota
	// RoleServer expects the preface and uses even stream ids for push.
	RoleServer
)

var roleTexts = map[Role]string{
	RoleClient: "client",
	RoleServer: "server",
}

func (r Role) String() string {
	if s, ok := roleTexts[r]; ok {
		return s
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ownsID returns true if streams with id are initiated by role r.
func (r Role) ownsID(id StreamID) bool {
	return id.IsClientInitiated() == (r == RoleClient)
}
