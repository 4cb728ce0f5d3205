package dstc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Packet framing used by the bundled transports. A packet carries one or
// more frames back to back:
//
//	0        4        6
//	┌────────┬────────┬─────────────────────────────────────────┐
//	│node_id │ length │ body (length bytes)                     │
//	│ u32 LE │ u16 LE │ name 0x00 args | 0x00 ref(u64 LE) args  │
//	└────────┴────────┴─────────────────────────────────────────┘
//
// A body starting with 0x00 addresses a callback, anything else names a
// server function.
const (
	frameHeaderSize = 6
	maxFrameBody    = math.MaxUint16
)

// Frame is one decoded call or callback delivery.
type Frame struct {
	NodeID      uint32
	Function    string
	CallbackRef uint64
	Args        []byte
}

// Message converts the frame to the router's input.
func (f *Frame) Message() *InboundMessage {
	return &InboundMessage{
		CallbackRef: f.CallbackRef,
		NodeID:      f.NodeID,
		Function:    f.Function,
		Payload:     f.Args,
	}
}

// callFrameSize returns the encoded size of a call frame.
func callFrameSize(name string, args []byte) int {
	return frameHeaderSize + len(name) + 1 + len(args)
}

// callbackFrameSize returns the encoded size of a callback frame.
func callbackFrameSize(args []byte) int {
	return frameHeaderSize + 1 + 8 + len(args)
}

// AppendCallFrame appends a function call frame to buf.
func AppendCallFrame(buf []byte, nodeID uint32, name string, args []byte) ([]byte, error) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("%w: invalid function name %q", ErrEncode, name)
	}
	body := len(name) + 1 + len(args)
	if body > maxFrameBody {
		return nil, fmt.Errorf("%w: frame body of %d bytes exceeds %d", ErrEncode, body, maxFrameBody)
	}

	buf = binary.LittleEndian.AppendUint32(buf, nodeID)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(body))
	buf = append(buf, name...)
	buf = append(buf, 0)
	return append(buf, args...), nil
}

// AppendCallbackFrame appends a callback delivery frame to buf.
func AppendCallbackFrame(buf []byte, nodeID uint32, ref uint64, args []byte) ([]byte, error) {
	if ref == 0 {
		return nil, fmt.Errorf("%w: callback reference 0 is reserved", ErrEncode)
	}
	body := 1 + 8 + len(args)
	if body > maxFrameBody {
		return nil, fmt.Errorf("%w: frame body of %d bytes exceeds %d", ErrEncode, body, maxFrameBody)
	}

	buf = binary.LittleEndian.AppendUint32(buf, nodeID)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(body))
	buf = append(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, ref)
	return append(buf, args...), nil
}

// SplitPacket decodes every frame in packet. When a frame is malformed the
// frames before it are returned together with the error.
func SplitPacket(packet []byte) ([]Frame, error) {
	var frames []Frame
	off := 0
	for off < len(packet) {
		if len(packet)-off < frameHeaderSize {
			return frames, &DecodeError{Offset: off, Field: -1,
				Err: fmt.Errorf("%w: frame header needs %d bytes, have %d",
					ErrTruncatedPayload, frameHeaderSize, len(packet)-off)}
		}
		nodeID := binary.LittleEndian.Uint32(packet[off:])
		bodyLen := int(binary.LittleEndian.Uint16(packet[off+4:]))
		start := off + frameHeaderSize
		if len(packet)-start < bodyLen {
			return frames, &DecodeError{Offset: off, Field: -1,
				Err: fmt.Errorf("%w: frame body needs %d bytes, have %d",
					ErrTruncatedPayload, bodyLen, len(packet)-start)}
		}
		body := packet[start : start+bodyLen]

		frame, err := parseFrameBody(nodeID, body)
		if err != nil {
			return frames, &DecodeError{Offset: off, Field: -1, Err: err}
		}
		frames = append(frames, frame)
		off = start + bodyLen
	}
	return frames, nil
}

func parseFrameBody(nodeID uint32, body []byte) (Frame, error) {
	if len(body) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame body", ErrTruncatedPayload)
	}

	if body[0] == 0 {
		if len(body) < 9 {
			return Frame{}, fmt.Errorf("%w: callback frame needs 9 bytes, have %d", ErrTruncatedPayload, len(body))
		}
		return Frame{
			NodeID:      nodeID,
			CallbackRef: binary.LittleEndian.Uint64(body[1:]),
			Args:        body[9:],
		}, nil
	}

	nul := bytes.IndexByte(body, 0)
	if nul < 0 {
		return Frame{}, fmt.Errorf("%w: function name is not terminated", ErrTruncatedPayload)
	}
	return Frame{
		NodeID:   nodeID,
		Function: string(body[:nul]),
		Args:     body[nul+1:],
	}, nil
}
