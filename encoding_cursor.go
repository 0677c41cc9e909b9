// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
)

const (
	// EncodingCursor is the Cursor pseudo-encoding (RFC 6143 7.8.1).
	EncodingCursor int32 = -239

	maxCursorDimension = 256
)

// Cursor is a client-side cursor shape.
type Cursor struct {
	Width, Height      int
	HotspotX, HotspotY int

	// Pix holds Width*Height packed R,G,B,X pixels.
	Pix []byte

	// Mask has one bit per pixel, MSB first, rows padded to whole bytes.
	// A set bit means opaque.
	Mask []byte
}

// Opaque reports whether the cursor pixel at (x, y) is drawn.
func (cur *Cursor) Opaque(x, y int) bool {
	rowBytes := (cur.Width + 7) / 8
	return cur.Mask[y*rowBytes+x/8]&(0x80>>(x%8)) != 0
}

// Draw composites the cursor into a packed framebuffer with its hotspot at
// (x, y), clipped to the framebuffer.
func (cur *Cursor) Draw(fb []byte, stride, fbWidth, fbHeight, x, y int) {
	if cur == nil || cur.Width == 0 || cur.Height == 0 {
		return
	}
	ox, oy := x-cur.HotspotX, y-cur.HotspotY
	for cy := 0; cy < cur.Height; cy++ {
		py := oy + cy
		if py < 0 || py >= fbHeight {
			continue
		}
		for cx := 0; cx < cur.Width; cx++ {
			px := ox + cx
			if px < 0 || px >= fbWidth || !cur.Opaque(cx, cy) {
				continue
			}
			src := (cy*cur.Width + cx) * 4
			copy(fb[py*stride+px*4:py*stride+px*4+4], cur.Pix[src:src+4])
		}
	}
}

// CursorPseudoEncoding lets the server send the cursor shape instead of
// drawing it into the framebuffer. The shape is available from
// ClientConn.Cursor.
type CursorPseudoEncoding struct{}

func (*CursorPseudoEncoding) Type() int32 { return EncodingCursor }

func (*CursorPseudoEncoding) IsPseudo() bool { return true }

// Read decodes the cursor image and mask. The rectangle position is the
// hotspot; an empty rectangle hides the cursor.
func (*CursorPseudoEncoding) Read(c *ClientConn, rect *Rectangle, r io.Reader) error {
	w, h := int(rect.Width), int(rect.Height)
	if w == 0 || h == 0 {
		c.setCursor(nil)
		c.logger.Debug("Cursor hidden")
		return nil
	}
	if w > maxCursorDimension || h > maxCursorDimension {
		return encodingError("CursorPseudoEncoding.Read", "cursor dimensions too large", nil)
	}

	codec := c.codec()
	wire := make([]byte, w*h*codec.bpp)
	if _, err := io.ReadFull(r, wire); err != nil {
		return encodingError("CursorPseudoEncoding.Read", "failed to read cursor pixel data", err)
	}

	cur := &Cursor{
		Width:    w,
		Height:   h,
		HotspotX: int(rect.X),
		HotspotY: int(rect.Y),
		Pix:      make([]byte, w*h*4),
		Mask:     make([]byte, (w+7)/8*h),
	}
	for i := 0; i < w*h; i++ {
		codec.toRGBX(cur.Pix[i*4:i*4+4], wire[i*codec.bpp:])
	}
	if _, err := io.ReadFull(r, cur.Mask); err != nil {
		return encodingError("CursorPseudoEncoding.Read", "failed to read cursor mask data", err)
	}

	c.setCursor(cur)
	c.logger.Debug("Cursor updated",
		Field{Key: "width", Value: w},
		Field{Key: "height", Value: h},
		Field{Key: "hotspot_x", Value: rect.X},
		Field{Key: "hotspot_y", Value: rect.Y})
	return nil
}
