// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ClientMessage is a message sent from a viewer to the server.
type ClientMessage interface {
	Type() uint8
}

// SetPixelFormatMessage (type 0).
type SetPixelFormatMessage struct {
	PixelFormat PixelFormat
}

func (*SetPixelFormatMessage) Type() uint8 { return msgSetPixelFormat }

// SetEncodingsMessage (type 2) lists encodings in the viewer's preference order.
type SetEncodingsMessage struct {
	Encodings []int32
}

func (*SetEncodingsMessage) Type() uint8 { return msgSetEncodings }

// Supports reports whether encoding was advertised.
func (m *SetEncodingsMessage) Supports(encoding int32) bool {
	for _, e := range m.Encodings {
		if e == encoding {
			return true
		}
	}
	return false
}

// FramebufferUpdateRequestMessage (type 3).
type FramebufferUpdateRequestMessage struct {
	Incremental   bool
	X, Y          uint16
	Width, Height uint16
}

func (*FramebufferUpdateRequestMessage) Type() uint8 { return msgFramebufferUpdateRequest }

// KeyEventMessage (type 4).
type KeyEventMessage struct {
	Down   bool
	Keysym uint32
}

func (*KeyEventMessage) Type() uint8 { return msgKeyEvent }

// PointerEventMessage (type 5).
type PointerEventMessage struct {
	Mask ButtonMask
	X, Y uint16
}

func (*PointerEventMessage) Type() uint8 { return msgPointerEvent }

// ClientCutTextMessage (type 6), decoded from Latin-1.
type ClientCutTextMessage struct {
	Text string
}

func (*ClientCutTextMessage) Type() uint8 { return msgClientCutText }

// readClientMessage reads the next viewer message, type byte included.
func readClientMessage(r io.Reader) (ClientMessage, error) {
	var t [1]byte
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return nil, networkError("readClientMessage", "failed to read message type", err)
	}

	switch t[0] {
	case msgSetPixelFormat:
		var buf [19]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, networkError("readClientMessage", "failed to read SetPixelFormat", err)
		}
		var raw [16]byte
		copy(raw[:], buf[3:])
		pf := decodePixelFormat(raw)
		if err := newInputValidator().ValidatePixelFormat(&pf); err != nil {
			return nil, protocolError("readClientMessage", "viewer sent invalid pixel format", err)
		}
		return &SetPixelFormatMessage{PixelFormat: pf}, nil

	case msgSetEncodings:
		var hdr [3]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, networkError("readClientMessage", "failed to read SetEncodings header", err)
		}
		n := int(binary.BigEndian.Uint16(hdr[1:3]))
		if n > maxEncodings {
			return nil, protocolError("readClientMessage",
				fmt.Sprintf("too many encodings: %d (max %d)", n, maxEncodings), nil)
		}
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, networkError("readClientMessage", "failed to read encodings", err)
		}
		msg := &SetEncodingsMessage{Encodings: make([]int32, n)}
		for i := range msg.Encodings {
			msg.Encodings[i] = int32(binary.BigEndian.Uint32(buf[4*i:])) // #nosec G115 - signed on the wire
		}
		return msg, nil

	case msgFramebufferUpdateRequest:
		var buf [9]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, networkError("readClientMessage", "failed to read FramebufferUpdateRequest", err)
		}
		return &FramebufferUpdateRequestMessage{
			Incremental: buf[0] != 0,
			X:           binary.BigEndian.Uint16(buf[1:3]),
			Y:           binary.BigEndian.Uint16(buf[3:5]),
			Width:       binary.BigEndian.Uint16(buf[5:7]),
			Height:      binary.BigEndian.Uint16(buf[7:9]),
		}, nil

	case msgKeyEvent:
		var buf [7]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, networkError("readClientMessage", "failed to read KeyEvent", err)
		}
		return &KeyEventMessage{Down: buf[0] != 0, Keysym: binary.BigEndian.Uint32(buf[3:7])}, nil

	case msgPointerEvent:
		var buf [5]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, networkError("readClientMessage", "failed to read PointerEvent", err)
		}
		return &PointerEventMessage{
			Mask: ButtonMask(buf[0]),
			X:    binary.BigEndian.Uint16(buf[1:3]),
			Y:    binary.BigEndian.Uint16(buf[3:5]),
		}, nil

	case msgClientCutText:
		var hdr [7]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, networkError("readClientMessage", "failed to read ClientCutText header", err)
		}
		length := binary.BigEndian.Uint32(hdr[3:7])
		if err := newInputValidator().ValidateMessageLength(length, MaxClipboardLength); err != nil {
			return nil, protocolError("readClientMessage", "invalid clipboard text length", err)
		}
		text := make([]byte, length)
		if _, err := io.ReadFull(r, text); err != nil {
			return nil, networkError("readClientMessage", "failed to read clipboard text", err)
		}
		return &ClientCutTextMessage{Text: latin1ToString(text)}, nil
	}

	return nil, unsupportedError("readClientMessage", fmt.Sprintf("unsupported client message type: %d", t[0]), nil)
}
