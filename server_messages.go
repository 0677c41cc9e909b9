// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Server-to-client message types.
const (
	msgFramebufferUpdate   uint8 = 0
	msgSetColorMapEntries  uint8 = 1
	msgBell                uint8 = 2
	msgServerCutText       uint8 = 3
	maxRectanglesPerUpdate       = 10000
)

// Color is a color map entry with 16-bit channels.
type Color struct {
	R, G, B uint16
}

// ServerMessage is a message sent from the server to the client.
type ServerMessage interface {
	Type() uint8
	Read(conn *ClientConn, r io.Reader) (ServerMessage, error)
}

// Rectangle is the header of one rectangle in a FramebufferUpdate.
type Rectangle struct {
	X, Y          uint16
	Width, Height uint16
	EncodingType  int32
}

// FramebufferUpdateMessage (type 0). Pixel data has already been decoded
// into the client framebuffer when the message is returned.
type FramebufferUpdateMessage struct {
	Rectangles []Rectangle
}

func (*FramebufferUpdateMessage) Type() uint8 { return msgFramebufferUpdate }

// Read decodes every rectangle into the framebuffer and reports each pixel
// rectangle to the client's FramebufferHandler.
func (*FramebufferUpdateMessage) Read(c *ClientConn, r io.Reader) (ServerMessage, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, networkError("FramebufferUpdateMessage.Read", "failed to read update header", err)
	}
	numRects := binary.BigEndian.Uint16(hdr[1:3])
	if numRects > maxRectanglesPerUpdate {
		return nil, protocolError("FramebufferUpdateMessage.Read",
			fmt.Sprintf("too many rectangles in update: %d (max %d)", numRects, maxRectanglesPerUpdate), nil)
	}

	encMap := make(map[int32]Encoding, len(c.Encs)+1)
	for _, enc := range c.Encs {
		encMap[enc.Type()] = enc
	}
	encMap[EncodingRaw] = new(RawEncoding)

	validator := newInputValidator()
	rects := make([]Rectangle, 0, numRects)
	var raw [12]byte

	for i := uint16(0); i < numRects; i++ {
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, networkError("FramebufferUpdateMessage.Read", "failed to read rectangle header", err)
		}
		rect := Rectangle{
			X:            binary.BigEndian.Uint16(raw[0:2]),
			Y:            binary.BigEndian.Uint16(raw[2:4]),
			Width:        binary.BigEndian.Uint16(raw[4:6]),
			Height:       binary.BigEndian.Uint16(raw[6:8]),
			EncodingType: int32(binary.BigEndian.Uint32(raw[8:12])), // #nosec G115 - wire value is a signed int32
		}

		enc, ok := encMap[rect.EncodingType]
		if !ok {
			return nil, unsupportedError("FramebufferUpdateMessage.Read",
				fmt.Sprintf("unsupported encoding type: %d", rect.EncodingType), nil)
		}

		_, pseudo := enc.(PseudoEncoding)
		if !pseudo {
			fbw, fbh := c.GetFrameBufferSize()
			if err := validator.ValidateRectangle(rect.X, rect.Y, rect.Width, rect.Height, fbw, fbh); err != nil {
				return nil, protocolError("FramebufferUpdateMessage.Read", fmt.Sprintf("invalid rectangle %d", i), err)
			}
		}

		if err := enc.Read(c, &rect, r); err != nil {
			return nil, encodingError("FramebufferUpdateMessage.Read", "failed to decode rectangle", err)
		}

		if !pseudo && rect.Width > 0 && rect.Height > 0 {
			c.framebufferUpdated(int(rect.X), int(rect.Y), int(rect.Width), int(rect.Height))
		}
		rects = append(rects, rect)
	}

	return &FramebufferUpdateMessage{Rectangles: rects}, nil
}

// SetColorMapEntriesMessage (type 1) updates the client's color map.
type SetColorMapEntriesMessage struct {
	FirstColor uint16
	Colors     []Color
}

func (*SetColorMapEntriesMessage) Type() uint8 { return msgSetColorMapEntries }

func (*SetColorMapEntriesMessage) Read(c *ClientConn, r io.Reader) (ServerMessage, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, networkError("SetColorMapEntriesMessage.Read", "failed to read header", err)
	}
	result := SetColorMapEntriesMessage{FirstColor: binary.BigEndian.Uint16(hdr[1:3])}
	numColors := binary.BigEndian.Uint16(hdr[3:5])

	if err := newInputValidator().ValidateColorMapEntries(result.FirstColor, numColors); err != nil {
		return nil, protocolError("SetColorMapEntriesMessage.Read", "invalid color map entries", err)
	}

	result.Colors = make([]Color, numColors)
	var entry [6]byte
	for i := range result.Colors {
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, networkError("SetColorMapEntriesMessage.Read", "failed to read color data", err)
		}
		result.Colors[i] = Color{
			R: binary.BigEndian.Uint16(entry[0:2]),
			G: binary.BigEndian.Uint16(entry[2:4]),
			B: binary.BigEndian.Uint16(entry[4:6]),
		}
		c.ColorMap[int(result.FirstColor)+i] = result.Colors[i]
	}

	return &result, nil
}

// BellMessage (type 2) has no payload.
type BellMessage struct{}

func (*BellMessage) Type() uint8 { return msgBell }

func (*BellMessage) Read(*ClientConn, io.Reader) (ServerMessage, error) {
	return &BellMessage{}, nil
}

// ServerCutTextMessage (type 3) carries the server's clipboard as Latin-1.
type ServerCutTextMessage struct {
	Text string
}

func (*ServerCutTextMessage) Type() uint8 { return msgServerCutText }

func (*ServerCutTextMessage) Read(c *ClientConn, r io.Reader) (ServerMessage, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, networkError("ServerCutTextMessage.Read", "failed to read header", err)
	}
	textLength := binary.BigEndian.Uint32(hdr[3:7])

	validator := newInputValidator()
	if err := validator.ValidateMessageLength(textLength, MaxServerClipboardLength); err != nil {
		return nil, protocolError("ServerCutTextMessage.Read", "invalid clipboard text length", err)
	}

	textBytes := make([]byte, textLength)
	if _, err := io.ReadFull(r, textBytes); err != nil {
		return nil, networkError("ServerCutTextMessage.Read", "failed to read text data", err)
	}

	text := latin1ToString(textBytes)
	if err := validator.ValidateTextData(text, MaxServerClipboardLength); err != nil {
		c.logger.Warn("Sanitizing clipboard text received from server",
			Field{Key: "length", Value: len(textBytes)},
			Field{Key: "error", Value: err})
		text = validator.SanitizeText(text)
	}

	return &ServerCutTextMessage{Text: text}, nil
}

func latin1ToString(b []byte) string {
	runes := make([]rune, len(b))
	for i, ch := range b {
		runes[i] = rune(ch)
	}
	return string(runes)
}
