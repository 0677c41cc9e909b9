// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PixelFormat describes how pixel color data is encoded on the wire.
type PixelFormat struct {
	// BPP (bits-per-pixel) is 8, 16 or 32.
	BPP uint8

	// Depth is the number of useful bits within each pixel value.
	Depth uint8

	// BigEndian determines the byte order for multi-byte pixel values.
	BigEndian bool

	// TrueColor selects direct RGB values (true) or color map indices (false).
	TrueColor bool

	RedMax   uint16
	GreenMax uint16
	BlueMax  uint16

	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// PixelFormatStandard is the packed 32-bit layout used by the bridge
// framebuffers: bytes R, G, B, X in memory order (8 bits per sample,
// 3 samples, 4 bytes per pixel).
var PixelFormatStandard = PixelFormat{
	BPP:        32,
	Depth:      24,
	BigEndian:  false,
	TrueColor:  true,
	RedMax:     255,
	GreenMax:   255,
	BlueMax:    255,
	RedShift:   0,
	GreenShift: 8,
	BlueShift:  16,
}

// Common pixel format presets.
var (
	// PixelFormat32BitRGBA is 32-bit true color with blue in the lowest byte.
	PixelFormat32BitRGBA = &PixelFormat{
		BPP:        32,
		Depth:      24,
		TrueColor:  true,
		RedMax:     255,
		GreenMax:   255,
		BlueMax:    255,
		RedShift:   16,
		GreenShift: 8,
		BlueShift:  0,
	}

	// PixelFormat16BitRGB565 is 16-bit RGB565 true color.
	PixelFormat16BitRGB565 = &PixelFormat{
		BPP:        16,
		Depth:      16,
		TrueColor:  true,
		RedMax:     31,
		GreenMax:   63,
		BlueMax:    31,
		RedShift:   11,
		GreenShift: 5,
		BlueShift:  0,
	}

	// PixelFormat8BitBGR233 is 8-bit true color, the smallest format
	// a viewer can request.
	PixelFormat8BitBGR233 = &PixelFormat{
		BPP:        8,
		Depth:      8,
		TrueColor:  true,
		RedMax:     7,
		GreenMax:   7,
		BlueMax:    3,
		RedShift:   0,
		GreenShift: 3,
		BlueShift:  6,
	}
)

// BytesPerPixel returns BPP/8.
func (pf *PixelFormat) BytesPerPixel() int {
	return int(pf.BPP) / 8
}

func (pf *PixelFormat) byteOrder() binary.ByteOrder {
	if pf.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// readPixelFormat parses the 16-byte PIXEL_FORMAT structure (RFC 6143 7.4).
func readPixelFormat(r io.Reader, result *PixelFormat) error {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return networkError("readPixelFormat", "failed to read pixel format data", err)
	}
	*result = decodePixelFormat(raw)
	return nil
}

func decodePixelFormat(raw [16]byte) PixelFormat {
	pf := PixelFormat{
		BPP:       raw[0],
		Depth:     raw[1],
		BigEndian: raw[2] != 0,
		TrueColor: raw[3] != 0,
	}
	if pf.TrueColor {
		pf.RedMax = binary.BigEndian.Uint16(raw[4:6])
		pf.GreenMax = binary.BigEndian.Uint16(raw[6:8])
		pf.BlueMax = binary.BigEndian.Uint16(raw[8:10])
		pf.RedShift = raw[10]
		pf.GreenShift = raw[11]
		pf.BlueShift = raw[12]
	}
	return pf
}

// writePixelFormat returns the 16-byte wire representation of format.
func writePixelFormat(format *PixelFormat) ([]byte, error) {
	if format == nil {
		return nil, encodingError("writePixelFormat", "pixel format is nil", nil)
	}

	buf := make([]byte, 16)
	buf[0] = format.BPP
	buf[1] = format.Depth
	if format.BigEndian {
		buf[2] = 1
	}
	if format.TrueColor {
		buf[3] = 1
		binary.BigEndian.PutUint16(buf[4:6], format.RedMax)
		binary.BigEndian.PutUint16(buf[6:8], format.GreenMax)
		binary.BigEndian.PutUint16(buf[8:10], format.BlueMax)
		buf[10] = format.RedShift
		buf[11] = format.GreenShift
		buf[12] = format.BlueShift
	}
	return buf, nil
}

// PixelFormatValidationError reports which field of a PixelFormat is invalid.
type PixelFormatValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *PixelFormatValidationError) Error() string {
	return fmt.Sprintf("pixel format validation failed for field %s: %s (value: %v)",
		e.Field, e.Message, e.Value)
}

// Validate checks the pixel format for internal consistency.
func (pf *PixelFormat) Validate() error {
	if pf.BPP != 8 && pf.BPP != 16 && pf.BPP != 32 {
		return &PixelFormatValidationError{Field: "BPP", Value: pf.BPP, Message: "bits per pixel must be 8, 16, or 32"}
	}

	if pf.Depth == 0 || pf.Depth > pf.BPP {
		return &PixelFormatValidationError{
			Field:   "Depth",
			Value:   pf.Depth,
			Message: fmt.Sprintf("color depth must be between 1 and %d", pf.BPP),
		}
	}

	if !pf.TrueColor {
		return nil
	}

	if pf.RedMax == 0 || pf.GreenMax == 0 || pf.BlueMax == 0 {
		return &PixelFormatValidationError{
			Field:   "ColorMax",
			Value:   fmt.Sprintf("R:%d G:%d B:%d", pf.RedMax, pf.GreenMax, pf.BlueMax),
			Message: "color maximums cannot be zero in true color mode",
		}
	}

	shifts := []struct {
		name  string
		shift uint8
		max   uint16
	}{
		{"RedShift", pf.RedShift, pf.RedMax},
		{"GreenShift", pf.GreenShift, pf.GreenMax},
		{"BlueShift", pf.BlueShift, pf.BlueMax},
	}
	for _, s := range shifts {
		if int(s.shift)+countBits(s.max) > int(pf.BPP) {
			return &PixelFormatValidationError{
				Field:   s.name,
				Value:   s.shift,
				Message: fmt.Sprintf("component does not fit in %d-bit pixels", pf.BPP),
			}
		}
	}

	return nil
}

// countBits returns the position of the highest set bit plus one.
func countBits(maxVal uint16) int {
	bits := 0
	for maxVal > 0 {
		maxVal >>= 1
		bits++
	}
	return bits
}

// pixelCodec converts between wire pixels of one PixelFormat and packed
// R,G,B,X framebuffer pixels.
type pixelCodec struct {
	pf       PixelFormat
	bpp      int
	order    binary.ByteOrder
	colorMap *[ColorMapSize]Color
	identity bool
}

func newPixelCodec(pf PixelFormat, colorMap *[ColorMapSize]Color) pixelCodec {
	return pixelCodec{
		pf:       pf,
		bpp:      pf.BytesPerPixel(),
		order:    pf.byteOrder(),
		colorMap: colorMap,
		identity: pf == PixelFormatStandard,
	}
}

func (pc *pixelCodec) value(b []byte) uint32 {
	switch pc.bpp {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(pc.order.Uint16(b))
	default:
		return pc.order.Uint32(b)
	}
}

func scaleTo8(v uint32, maxVal uint16) byte {
	if maxVal == 255 {
		return byte(v)
	}
	return byte(v * 255 / uint32(maxVal)) // #nosec G115 - v <= maxVal
}

func scaleFrom8(c byte, maxVal uint16) uint32 {
	if maxVal == 255 {
		return uint32(c)
	}
	return (uint32(c)*uint32(maxVal) + 127) / 255
}

// toRGBX decodes one wire pixel from src into dst[0:4].
func (pc *pixelCodec) toRGBX(dst, src []byte) {
	if pc.identity {
		copy(dst[:3], src[:3])
		dst[3] = 0
		return
	}

	v := pc.value(src)
	if !pc.pf.TrueColor {
		var c Color
		if pc.colorMap != nil && v < ColorMapSize {
			c = pc.colorMap[v]
		}
		dst[0], dst[1], dst[2], dst[3] = byte(c.R>>8), byte(c.G>>8), byte(c.B>>8), 0
		return
	}

	dst[0] = scaleTo8((v>>pc.pf.RedShift)&uint32(pc.pf.RedMax), pc.pf.RedMax)
	dst[1] = scaleTo8((v>>pc.pf.GreenShift)&uint32(pc.pf.GreenMax), pc.pf.GreenMax)
	dst[2] = scaleTo8((v>>pc.pf.BlueShift)&uint32(pc.pf.BlueMax), pc.pf.BlueMax)
	dst[3] = 0
}

// fromRGBX encodes the packed pixel src[0:4] as a wire pixel into dst.
// Only true color formats are supported.
func (pc *pixelCodec) fromRGBX(dst, src []byte) {
	if pc.identity {
		copy(dst[:4], src[:4])
		return
	}

	v := scaleFrom8(src[0], pc.pf.RedMax)<<pc.pf.RedShift |
		scaleFrom8(src[1], pc.pf.GreenMax)<<pc.pf.GreenShift |
		scaleFrom8(src[2], pc.pf.BlueMax)<<pc.pf.BlueShift

	switch pc.bpp {
	case 1:
		dst[0] = byte(v)
	case 2:
		pc.order.PutUint16(dst, uint16(v)) // #nosec G115 - fits 16-bit format
	default:
		pc.order.PutUint32(dst, v)
	}
}

// encodeRect converts the w x h region at (x,y) of a packed framebuffer
// with the given stride into wire pixels appended to out.
func (pc *pixelCodec) encodeRect(out, fb []byte, stride, x, y, w, h int) []byte {
	if pc.identity {
		for row := y; row < y+h; row++ {
			off := row*stride + x*4
			out = append(out, fb[off:off+w*4]...)
		}
		return out
	}

	var px [4]byte
	for row := y; row < y+h; row++ {
		off := row*stride + x*4
		for col := 0; col < w; col++ {
			pc.fromRGBX(px[:], fb[off+col*4:off+col*4+4])
			out = append(out, px[:pc.bpp]...)
		}
	}
	return out
}
