// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
)

// Hextile subencoding mask bits (RFC 6143 7.7.4).
const (
	HextileRaw                 = 1
	HextileBackgroundSpecified = 2
	HextileForegroundSpecified = 4
	HextileAnySubrects         = 8
	HextileSubrectsColoured    = 16

	HextileTileSize = 16
)

// HextileEncoding splits the rectangle into 16x16 tiles, each raw or
// background plus subrectangles. Background and foreground carry over
// between tiles of the same rectangle.
type HextileEncoding struct{}

func (*HextileEncoding) Type() int32 { return EncodingHextile }

func (*HextileEncoding) Read(c *ClientConn, rect *Rectangle, r io.Reader) error {
	codec := c.codec()
	var bg, fg, px [4]byte
	var b [2]byte

	for ty := 0; ty < int(rect.Height); ty += HextileTileSize {
		th := min(HextileTileSize, int(rect.Height)-ty)
		for tx := 0; tx < int(rect.Width); tx += HextileTileSize {
			tw := min(HextileTileSize, int(rect.Width)-tx)
			x0, y0 := int(rect.X)+tx, int(rect.Y)+ty

			if _, err := io.ReadFull(r, b[:1]); err != nil {
				return encodingError("HextileEncoding.Read", "failed to read tile subencoding", err)
			}
			sub := b[0]

			if sub&HextileRaw != 0 {
				if err := c.readPixelRect(r, &codec, x0, y0, tw, th); err != nil {
					return encodingError("HextileEncoding.Read", "failed to read raw tile", err)
				}
				continue
			}

			if sub&HextileBackgroundSpecified != 0 {
				if err := c.readPixel(r, &codec, bg[:]); err != nil {
					return encodingError("HextileEncoding.Read", "failed to read background color", err)
				}
			}
			c.fillRect(x0, y0, tw, th, bg[:])

			if sub&HextileForegroundSpecified != 0 {
				if err := c.readPixel(r, &codec, fg[:]); err != nil {
					return encodingError("HextileEncoding.Read", "failed to read foreground color", err)
				}
			}

			if sub&HextileAnySubrects == 0 {
				continue
			}

			if _, err := io.ReadFull(r, b[:1]); err != nil {
				return encodingError("HextileEncoding.Read", "failed to read subrectangle count", err)
			}
			n := int(b[0])

			for i := 0; i < n; i++ {
				px = fg
				if sub&HextileSubrectsColoured != 0 {
					if err := c.readPixel(r, &codec, px[:]); err != nil {
						return encodingError("HextileEncoding.Read", "failed to read subrectangle color", err)
					}
				}
				if _, err := io.ReadFull(r, b[:]); err != nil {
					return encodingError("HextileEncoding.Read", "failed to read subrectangle geometry", err)
				}
				sx, sy := int(b[0]>>4), int(b[0]&0x0F)
				sw, sh := int(b[1]>>4)+1, int(b[1]&0x0F)+1
				if sx+sw > tw || sy+sh > th {
					return encodingError("HextileEncoding.Read", "subrectangle extends outside tile bounds", nil)
				}
				c.fillRect(x0+sx, y0+sy, sw, sh, px[:])
			}
		}
	}
	return nil
}
