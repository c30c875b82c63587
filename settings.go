// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
	"math"
)

// SettingID identifies a SETTINGS parameter.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var settingIDTexts = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if s, ok := settingIDTexts[id]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_SETTING_%d", uint16(id))
}

// Setting is one parameter of a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

func (s Setting) String() string {
	return fmt.Sprintf("[%v = %d]", s.ID, s.Val)
}

// Valid returns a connection error if the value is out of range.
func (s Setting) Valid() error {
	switch s.ID {
	case SettingEnablePush:
		if s.Val > 1 {
			return connError(ErrCodeProtocol, "%v out of range", s)
		}
	case SettingInitialWindowSize:
		if s.Val > MaxWindowSize {
			return connError(ErrCodeFlowControl, "%v out of range", s)
		}
	case SettingMaxFrameSize:
		if s.Val < DefaultMaxFrameSize || s.Val > MaxFrameSizeLimit {
			return connError(ErrCodeProtocol, "%v out of range", s)
		}
	}
	return nil
}

// Unlimited is the value of a limit that is not in effect.
const Unlimited = math.MaxUint32

// Settings are the parameters one endpoint imposes on its peer.
type Settings struct {
	HeaderTableSize      uint32 `toml:"header_table_size" yaml:"header_table_size"`
	EnablePush           bool   `toml:"enable_push" yaml:"enable_push"`
	MaxConcurrentStreams uint32 `toml:"max_concurrent_streams" yaml:"max_concurrent_streams"`
	InitialWindowSize    uint32 `toml:"initial_window_size" yaml:"initial_window_size"`
	MaxFrameSize         uint32 `toml:"max_frame_size" yaml:"max_frame_size"`
	MaxHeaderListSize    uint32 `toml:"max_header_list_size" yaml:"max_header_list_size"`
}

// ProtocolSettings returns the values in effect before any SETTINGS frame.
func ProtocolSettings() Settings {
	return Settings{
		HeaderTableSize:      DefaultHeaderTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: Unlimited,
		InitialWindowSize:    DefaultInitialWindowSize,
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxHeaderListSize:    Unlimited,
	}
}

// apply sets the field for st. Unknown ids are ignored.
func (s *Settings) apply(st Setting) {
	switch st.ID {
	case SettingHeaderTableSize:
		s.HeaderTableSize = st.Val
	case SettingEnablePush:
		s.EnablePush = st.Val != 0
	case SettingMaxConcurrentStreams:
		s.MaxConcurrentStreams = st.Val
	case SettingInitialWindowSize:
		s.InitialWindowSize = st.Val
	case SettingMaxFrameSize:
		s.MaxFrameSize = st.Val
	case SettingMaxHeaderListSize:
		s.MaxHeaderListSize = st.Val
	}
}

// list returns every parameter of s as wire pairs.
func (s Settings) list() []Setting {
	push := uint32(0)
	if s.EnablePush {
		push = 1
	}
	return []Setting{
		{SettingHeaderTableSize, s.HeaderTableSize},
		{SettingEnablePush, push},
		{SettingMaxConcurrentStreams, s.MaxConcurrentStreams},
		{SettingInitialWindowSize, s.InitialWindowSize},
		{SettingMaxFrameSize, s.MaxFrameSize},
		{SettingMaxHeaderListSize, s.MaxHeaderListSize},
	}
}

// diff returns the parameters of s that differ from base.
func (s Settings) diff(base Settings) (changed []Setting) {
	have := base.list()
	for i, st := range s.list() {
		if st.Val != have[i].Val {
			changed = append(changed, st)
		}
	}
	return
}

// Validate checks every parameter of s.
func (s Settings) Validate() error {
	for _, st := range s.list() {
		if err := st.Valid(); err != nil {
			return err
		}
	}
	return nil
}
