// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxRRESubrects = 1000000

// RREEncoding is rise-and-run-length encoding (RFC 6143 7.7.3): a
// background fill followed by solid subrectangles.
type RREEncoding struct{}

func (*RREEncoding) Type() int32 { return EncodingRRE }

func (*RREEncoding) Read(c *ClientConn, rect *Rectangle, r io.Reader) error {
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return encodingError("RREEncoding.Read", "failed to read number of subrectangles", err)
	}
	numSubrects := binary.BigEndian.Uint32(count[:])
	if numSubrects > maxRRESubrects {
		return encodingError("RREEncoding.Read",
			fmt.Sprintf("too many subrectangles: %d (max %d)", numSubrects, maxRRESubrects), nil)
	}

	codec := c.codec()
	var px [4]byte
	if err := c.readPixel(r, &codec, px[:]); err != nil {
		return encodingError("RREEncoding.Read", "failed to read background color", err)
	}
	c.fillRect(int(rect.X), int(rect.Y), int(rect.Width), int(rect.Height), px[:])

	validator := newInputValidator()
	var geom [8]byte
	for i := uint32(0); i < numSubrects; i++ {
		if err := c.readPixel(r, &codec, px[:]); err != nil {
			return encodingError("RREEncoding.Read", "failed to read subrectangle color", err)
		}
		if _, err := io.ReadFull(r, geom[:]); err != nil {
			return encodingError("RREEncoding.Read", "failed to read subrectangle geometry", err)
		}
		x := binary.BigEndian.Uint16(geom[0:2])
		y := binary.BigEndian.Uint16(geom[2:4])
		w := binary.BigEndian.Uint16(geom[4:6])
		h := binary.BigEndian.Uint16(geom[6:8])

		if err := validator.ValidateRectangle(x, y, w, h, rect.Width, rect.Height); err != nil {
			return encodingError("RREEncoding.Read", "invalid subrectangle bounds", err)
		}
		c.fillRect(int(rect.X)+int(x), int(rect.Y)+int(y), int(w), int(h), px[:])
	}
	return nil
}
