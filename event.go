// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
	"time"

	"github.com/linkdata/h2mux/hpack"
)

// EventType enumerates the notifications a Conn delivers to its owner.
type EventType int

const (
	// EventHeaders is an inbound header block on StreamID.
	EventHeaders EventType = iota
	// EventData means Len bytes were buffered on StreamID, to be picked up
	// with ReadData. EndStream is set once the peer closed its side.
	EventData
	// EventReset means StreamID was reset. Remote is true if the peer sent
	// RST_STREAM, false if the Conn reset the stream itself.
	EventReset
	// EventPushPromise means the peer reserved PromisedID, associated with StreamID.
	EventPushPromise
	// EventWindowUpdate means send credit became available on StreamID.
	EventWindowUpdate
	// EventSettings means the peer's settings changed.
	EventSettings
	// EventPingAck is the answer to a Ping, with the round trip time.
	EventPingAck
	// EventGoAway means the peer started shutting the connection down.
	EventGoAway
	// EventConnClosed is the last event of a connection.
	EventConnClosed
)

var eventTypeTexts = map[EventType]string{
	EventHeaders:      "Headers",
	EventData:         "Data",
	EventReset:        "Reset",
	EventPushPromise:  "PushPromise",
	EventWindowUpdate: "WindowUpdate",
	EventSettings:     "Settings",
	EventPingAck:      "PingAck",
	EventGoAway:       "GoAway",
	EventConnClosed:   "ConnClosed",
}

func (et EventType) String() string {
	if s, ok := eventTypeTexts[et]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(et))
}

// Event is a notification from a Conn. Which fields are set depends on Type.
type Event struct {
	Type         EventType
	StreamID     StreamID
	Headers      []hpack.HeaderField
	EndStream    bool
	Len          int
	ErrCode      ErrCode
	Remote       bool
	PromisedID   StreamID
	Increment    uint32
	Settings     Settings
	PingData     [8]byte
	RTT          time.Duration
	LastStreamID StreamID
	DebugData    []byte
	Err          error
}

func (ev Event) String() string {
	return fmt.Sprintf("[Event %v %v]", ev.Type, ev.StreamID)
}
