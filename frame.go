// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"fmt"
)

// PriorityParam is the stream dependency carried by HEADERS and PRIORITY.
type PriorityParam struct {
	StreamDep StreamID
	Exclusive bool
	// Weight is the wire value; the effective weight is Weight+1.
	Weight uint8
}

// DefaultPriority is the priority of streams that never set one.
var DefaultPriority = PriorityParam{Weight: 15}

func (p PriorityParam) String() string {
	excl := ""
	if p.Exclusive {
		excl = " exclusive"
	}
	return fmt.Sprintf("[Priority dep %d weight %d%s]", uint32(p.StreamDep), int(p.Weight)+1, excl)
}

// Frame is a decoded frame. Which fields are meaningful depends on Type.
type Frame struct {
	Type     FrameType
	Flags    Flags
	StreamID StreamID

	// PadLength is the padding of DATA, HEADERS and PUSH_PROMISE frames.
	PadLength uint8
	// Data is the payload of a DATA frame without padding.
	Data []byte
	// BlockFragment is the header block fragment of HEADERS,
	// PUSH_PROMISE and CONTINUATION frames.
	BlockFragment []byte
	// Priority is set for PRIORITY, and for HEADERS with the PRIORITY flag.
	Priority PriorityParam
	// ErrCode is set for RST_STREAM and GOAWAY.
	ErrCode ErrCode
	// Settings holds the parameters of a non-ACK SETTINGS frame.
	Settings []Setting
	// PromisedID is the stream reserved by PUSH_PROMISE.
	PromisedID StreamID
	// PingData is the opaque payload of PING.
	PingData [8]byte
	// LastStreamID and DebugData are set for GOAWAY.
	LastStreamID StreamID
	DebugData    []byte
	// Increment is the WINDOW_UPDATE window size increment.
	Increment uint32
}

func (f *Frame) String() string {
	return fmt.Sprintf("[Frame %v %s %v]", f.Type, f.Type.FlagsString(f.Flags), f.StreamID)
}

// EndStream returns true for DATA and HEADERS frames carrying END_STREAM.
func (f *Frame) EndStream() bool {
	return (f.Type == FrameData || f.Type == FrameHeaders) && f.Flags.Has(FlagDataEndStream)
}

// EndHeaders returns true if the frame ends a header block.
func (f *Frame) EndHeaders() bool {
	switch f.Type {
	case FrameHeaders, FramePushPromise, FrameContinuation:
		return f.Flags.Has(FlagHeadersEndHeaders)
	}
	return false
}

// IsAck returns true for SETTINGS and PING acknowledgements.
func (f *Frame) IsAck() bool {
	return (f.Type == FrameSettings || f.Type == FramePing) && f.Flags.Has(FlagSettingsAck)
}

// FlowControlLength returns the bytes of a DATA frame counted by flow
// control, which includes the padding and the pad length octet.
func (f *Frame) FlowControlLength() int {
	if f.Type != FrameData {
		return 0
	}
	n := len(f.Data)
	if f.Flags.Has(FlagDataPadded) {
		n += 1 + int(f.PadLength)
	}
	return n
}

type frameDecoder func(f *Frame, p *FrameParser) error

var frameDecoders = map[FrameType]frameDecoder{
	FrameData:         decodeData,
	FrameHeaders:      decodeHeaders,
	FramePriority:     decodePriority,
	FrameRSTStream:    decodeRSTStream,
	FrameSettings:     decodeSettings,
	FramePushPromise:  decodePushPromise,
	FramePing:         decodePing,
	FrameGoAway:       decodeGoAway,
	FrameWindowUpdate: decodeWindowUpdate,
	FrameContinuation: decodeContinuation,
}

// DecodeFrame decodes the first frame in buf.
//
// It returns ErrIncomplete if buf does not yet hold a whole frame. A frame
// longer than maxFrameSize is rejected with a FRAME_SIZE_ERROR connection
// error before its payload is looked at. Once a whole frame is present,
// consumed is its size even if err is a StreamError, so the caller can
// reset the stream and continue. Frames of unknown type yield a nil frame
// and no error.
func DecodeFrame(buf []byte, maxFrameSize uint32) (f *Frame, consumed int, err error) {
	if len(buf) < FrameHeaderSize {
		return nil, 0, ErrIncomplete
	}
	fh := FrameHeader(buf[:FrameHeaderSize])
	length := fh.Length()
	if length > maxFrameSize {
		return nil, 0, connError(ErrCodeFrameSize, "%v exceeds max frame size %d", fh, maxFrameSize)
	}
	total := FrameHeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	consumed = total
	decoder, known := frameDecoders[fh.Type()]
	if !known {
		return nil, consumed, nil
	}
	f = &Frame{Type: fh.Type(), Flags: fh.Flags(), StreamID: fh.StreamID()}
	p := FrameParser(buf[FrameHeaderSize:total])
	if err = decoder(f, &p); err != nil {
		f = nil
	}
	return
}

func requireStream(f *Frame) error {
	if f.StreamID == 0 {
		return connError(ErrCodeProtocol, "%v frame with stream id 0", f.Type)
	}
	return nil
}

func requireConnection(f *Frame) error {
	if f.StreamID != 0 {
		return connError(ErrCodeProtocol, "%v frame with stream id %d", f.Type, uint32(f.StreamID))
	}
	return nil
}

// readPadLength reads the pad length octet if padFlag is set.
func readPadLength(f *Frame, p *FrameParser, padFlag Flags) error {
	if f.Flags.Has(padFlag) {
		if p.Len() < 1 {
			return connError(ErrCodeFrameSize, "padded %v frame without pad length", f.Type)
		}
		f.PadLength = p.ReadUint8()
	}
	return nil
}

// stripPadding removes the padding after the fixed fields have been read.
func stripPadding(f *Frame, p *FrameParser) error {
	if int(f.PadLength) > p.Len() {
		return connError(ErrCodeProtocol, "%v pad length %d exceeds payload", f.Type, f.PadLength)
	}
	p.Truncate(int(f.PadLength))
	return nil
}

func decodeData(f *Frame, p *FrameParser) (err error) {
	if err = requireStream(f); err == nil {
		if err = readPadLength(f, p, FlagDataPadded); err == nil {
			if err = stripPadding(f, p); err == nil {
				f.Data = p.ReadN(p.Len())
			}
		}
	}
	return
}

func decodeHeaders(f *Frame, p *FrameParser) (err error) {
	if err = requireStream(f); err != nil {
		return
	}
	if err = readPadLength(f, p, FlagHeadersPadded); err != nil {
		return
	}
	if f.Flags.Has(FlagHeadersPriority) {
		if p.Len() < 5 {
			return connError(ErrCodeFrameSize, "HEADERS priority fields truncated")
		}
		f.Priority = readPriority(p)
	}
	if err = stripPadding(f, p); err == nil {
		f.BlockFragment = p.ReadN(p.Len())
	}
	return
}

func readPriority(p *FrameParser) (pp PriorityParam) {
	pp.StreamDep, pp.Exclusive = p.ReadStreamID()
	pp.Weight = p.ReadUint8()
	return
}

func decodePriority(f *Frame, p *FrameParser) error {
	if err := requireStream(f); err != nil {
		return err
	}
	if p.Len() != 5 {
		return streamError(f.StreamID, ErrCodeFrameSize, "PRIORITY payload of %d bytes", p.Len())
	}
	f.Priority = readPriority(p)
	return nil
}

func decodeRSTStream(f *Frame, p *FrameParser) error {
	if err := requireStream(f); err != nil {
		return err
	}
	if p.Len() != 4 {
		return connError(ErrCodeFrameSize, "RST_STREAM payload of %d bytes", p.Len())
	}
	f.ErrCode = ErrCode(p.ReadUint32())
	return nil
}

func decodeSettings(f *Frame, p *FrameParser) error {
	if err := requireConnection(f); err != nil {
		return err
	}
	if f.Flags.Has(FlagSettingsAck) {
		if p.Len() != 0 {
			return connError(ErrCodeFrameSize, "SETTINGS ACK with payload of %d bytes", p.Len())
		}
		return nil
	}
	if p.Len()%6 != 0 {
		return connError(ErrCodeFrameSize, "SETTINGS payload of %d bytes", p.Len())
	}
	for p.Len() > 0 {
		id := SettingID(p.ReadUint16())
		f.Settings = append(f.Settings, Setting{ID: id, Val: p.ReadUint32()})
	}
	return nil
}

func decodePushPromise(f *Frame, p *FrameParser) (err error) {
	if err = requireStream(f); err != nil {
		return
	}
	if err = readPadLength(f, p, FlagPushPromisePadded); err != nil {
		return
	}
	if p.Len() < 4 {
		return connError(ErrCodeFrameSize, "PUSH_PROMISE promised id truncated")
	}
	f.PromisedID, _ = p.ReadStreamID()
	if err = stripPadding(f, p); err == nil {
		f.BlockFragment = p.ReadN(p.Len())
	}
	return
}

func decodePing(f *Frame, p *FrameParser) error {
	if err := requireConnection(f); err != nil {
		return err
	}
	if p.Len() != 8 {
		return connError(ErrCodeFrameSize, "PING payload of %d bytes", p.Len())
	}
	copy(f.PingData[:], *p)
	return nil
}

func decodeGoAway(f *Frame, p *FrameParser) error {
	if err := requireConnection(f); err != nil {
		return err
	}
	if p.Len() < 8 {
		return connError(ErrCodeFrameSize, "GOAWAY payload of %d bytes", p.Len())
	}
	f.LastStreamID, _ = p.ReadStreamID()
	f.ErrCode = ErrCode(p.ReadUint32())
	f.DebugData = p.ReadN(p.Len())
	return nil
}

func decodeWindowUpdate(f *Frame, p *FrameParser) error {
	if p.Len() != 4 {
		return connError(ErrCodeFrameSize, "WINDOW_UPDATE payload of %d bytes", p.Len())
	}
	f.Increment = p.ReadUint32() & 0x7fffffff
	if f.Increment == 0 {
		if f.StreamID == 0 {
			return connError(ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
		}
		return streamError(f.StreamID, ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
	}
	return nil
}

func decodeContinuation(f *Frame, p *FrameParser) error {
	if err := requireStream(f); err != nil {
		return err
	}
	f.BlockFragment = p.ReadN(p.Len())
	return nil
}

// EncodeFrame returns the wire form of f.
func EncodeFrame(f *Frame) []byte {
	return AppendFrame(nil, f)
}

// AppendFrame appends the wire form of f to dst. The PADDED flag is set
// when PadLength is non-zero; the PRIORITY flag of HEADERS selects whether
// Priority is written.
func AppendFrame(dst []byte, f *Frame) []byte {
	start := len(dst)
	flags := f.Flags
	var padFlag Flags
	switch f.Type {
	case FrameData, FrameHeaders, FramePushPromise:
		padFlag = FlagDataPadded
		if f.PadLength > 0 {
			flags |= padFlag
		}
	}
	dst = appendFrameHeader(dst, f.Type, flags, f.StreamID)
	padded := padFlag != 0 && flags.Has(padFlag)
	if padded {
		dst = append(dst, f.PadLength)
	}
	switch f.Type {
	case FrameData:
		dst = append(dst, f.Data...)
	case FrameHeaders:
		if flags.Has(FlagHeadersPriority) {
			dst = appendPriority(dst, f.Priority)
		}
		dst = append(dst, f.BlockFragment...)
	case FramePriority:
		dst = appendPriority(dst, f.Priority)
	case FrameRSTStream:
		dst = appendUint32(dst, uint32(f.ErrCode))
	case FrameSettings:
		if !flags.Has(FlagSettingsAck) {
			for _, s := range f.Settings {
				dst = appendUint16(dst, uint16(s.ID))
				dst = appendUint32(dst, s.Val)
			}
		}
	case FramePushPromise:
		dst = appendUint32(dst, uint32(f.PromisedID))
		dst = append(dst, f.BlockFragment...)
	case FramePing:
		dst = append(dst, f.PingData[:]...)
	case FrameGoAway:
		dst = appendUint32(dst, uint32(f.LastStreamID))
		dst = appendUint32(dst, uint32(f.ErrCode))
		dst = append(dst, f.DebugData...)
	case FrameWindowUpdate:
		dst = appendUint32(dst, f.Increment&0x7fffffff)
	case FrameContinuation:
		dst = append(dst, f.BlockFragment...)
	}
	if padded {
		for i := 0; i < int(f.PadLength); i++ {
			dst = append(dst, 0)
		}
	}
	FrameHeader(dst[start:]).SetLength(uint32(len(dst) - start - FrameHeaderSize))
	return dst
}

func appendPriority(dst []byte, p PriorityParam) []byte {
	v := uint32(p.StreamDep)
	if p.Exclusive {
		v |= 0x80000000
	}
	return append(appendUint32(dst, v), p.Weight)
}

// appendHeaderBlock appends a header block as one HEADERS or PUSH_PROMISE
// frame followed by as many CONTINUATION frames as maxFrameSize requires.
// The frames are contiguous so no other frame can be interleaved.
func appendHeaderBlock(dst []byte, first *Frame, block []byte, maxFrameSize int) []byte {
	room := maxFrameSize
	switch first.Type {
	case FramePushPromise:
		room -= 4
	case FrameHeaders:
		if first.Flags.Has(FlagHeadersPriority) {
			room -= 5
		}
	}
	frag := block
	if len(frag) > room {
		frag = block[:room]
	}
	block = block[len(frag):]
	first.BlockFragment = frag
	if len(block) == 0 {
		first.Flags |= FlagHeadersEndHeaders
	}
	dst = AppendFrame(dst, first)
	for len(block) > 0 {
		frag = block
		if len(frag) > maxFrameSize {
			frag = block[:maxFrameSize]
		}
		block = block[len(frag):]
		cont := Frame{Type: FrameContinuation, StreamID: first.StreamID, BlockFragment: frag}
		if len(block) == 0 {
			cont.Flags = FlagContinuationEndHeaders
		}
		dst = AppendFrame(dst, &cont)
	}
	return dst
}
