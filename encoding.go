// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
)

// Encoding identifiers.
const (
	EncodingRaw         int32 = 0
	EncodingCopyRect    int32 = 1
	EncodingRRE         int32 = 2
	EncodingHextile     int32 = 5
	EncodingDesktopSize int32 = -223
)

// Encoding decodes one rectangle of a FramebufferUpdate straight into the
// client's framebuffer.
type Encoding interface {
	Type() int32
	Read(c *ClientConn, rect *Rectangle, r io.Reader) error
}

// PseudoEncoding marks encodings that carry state changes rather than pixels.
type PseudoEncoding interface {
	Encoding
	IsPseudo() bool
}

// readPixel reads one wire pixel and converts it to packed R,G,B,X.
func (c *ClientConn) readPixel(r io.Reader, codec *pixelCodec, px []byte) error {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:codec.bpp]); err != nil {
		return err
	}
	codec.toRGBX(px, raw[:codec.bpp])
	return nil
}

func (c *ClientConn) codec() pixelCodec {
	return newPixelCodec(c.PixelFormat, &c.ColorMap)
}

func (c *ClientConn) stride() int {
	return int(c.FrameBufferWidth) * 4
}

// fillRect paints a solid packed pixel into the framebuffer. Coordinates
// are absolute and already bounds checked.
func (c *ClientConn) fillRect(x, y, w, h int, px []byte) {
	if c.fb == nil || w <= 0 || h <= 0 {
		return
	}
	stride := c.stride()
	row := c.fb[y*stride+x*4 : y*stride+(x+w)*4]
	for i := 0; i < w; i++ {
		copy(row[i*4:i*4+4], px)
	}
	for j := 1; j < h; j++ {
		off := (y+j)*stride + x*4
		copy(c.fb[off:off+w*4], row)
	}
}

// copyRegion copies a w x h block from (sx,sy) to (dx,dy), handling overlap.
func (c *ClientConn) copyRegion(sx, sy, dx, dy, w, h int) {
	if c.fb == nil {
		return
	}
	stride := c.stride()
	if sy < dy {
		for j := h - 1; j >= 0; j-- {
			copy(c.fb[(dy+j)*stride+dx*4:(dy+j)*stride+(dx+w)*4], c.fb[(sy+j)*stride+sx*4:(sy+j)*stride+(sx+w)*4])
		}
		return
	}
	for j := 0; j < h; j++ {
		copy(c.fb[(dy+j)*stride+dx*4:(dy+j)*stride+(dx+w)*4], c.fb[(sy+j)*stride+sx*4:(sy+j)*stride+(sx+w)*4])
	}
}

// readPixelRect reads w x h wire pixels into the framebuffer at (x,y).
func (c *ClientConn) readPixelRect(r io.Reader, codec *pixelCodec, x, y, w, h int) error {
	rowBytes := w * codec.bpp
	buf := make([]byte, rowBytes)
	stride := c.stride()

	for j := 0; j < h; j++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		if c.fb == nil {
			continue
		}
		off := (y+j)*stride + x*4
		if codec.identity {
			for i := 0; i < w; i++ {
				copy(c.fb[off+i*4:off+i*4+3], buf[i*4:i*4+3])
				c.fb[off+i*4+3] = 0
			}
			continue
		}
		for i := 0; i < w; i++ {
			codec.toRGBX(c.fb[off+i*4:off+i*4+4], buf[i*codec.bpp:(i+1)*codec.bpp])
		}
	}
	return nil
}
