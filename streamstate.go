// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import "fmt"

// StreamState is the lifecycle state of a stream.
type StreamState int

const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

var streamStateTexts = map[StreamState]string{
	StateIdle:             "Idle",
	StateReservedLocal:    "ReservedLocal",
	StateReservedRemote:   "ReservedRemote",
	StateOpen:             "Open",
	StateHalfClosedLocal:  "HalfClosedLocal",
	StateHalfClosedRemote: "HalfClosedRemote",
	StateClosed:           "Closed",
}

func (ss StreamState) String() string {
	if s, ok := streamStateTexts[ss]; ok {
		return s
	}
	return fmt.Sprintf("StreamState(%d)", int(ss))
}

// canSend returns true if DATA may be sent in the state.
func (ss StreamState) canSend() bool {
	return ss == StateOpen || ss == StateHalfClosedRemote
}

// canReceive returns true if DATA may be received in the state.
func (ss StreamState) canReceive() bool {
	return ss == StateOpen || ss == StateHalfClosedLocal
}

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	// ConnOpen accepts new streams in both directions.
	ConnOpen ConnState = iota
	// ConnDraining has sent or received GOAWAY; existing streams may finish.
	ConnDraining
	// ConnClosed has terminated.
	ConnClosed
)

var connStateTexts = map[ConnState]string{
	ConnOpen:     "Open",
	ConnDraining: "Draining",
	ConnClosed:   "Closed",
}

func (cs ConnState) String() string {
	if s, ok := connStateTexts[cs]; ok {
		return s
	}
	return fmt.Sprintf("ConnState(%d)", int(cs))
}
