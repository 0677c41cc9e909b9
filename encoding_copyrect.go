// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"io"
)

// CopyRectEncoding copies an area already present in the framebuffer
// (RFC 6143 7.7.2).
type CopyRectEncoding struct{}

func (*CopyRectEncoding) Type() int32 { return EncodingCopyRect }

// Read reads the source position and performs the copy.
func (*CopyRectEncoding) Read(c *ClientConn, rect *Rectangle, r io.Reader) error {
	var src [4]byte
	if _, err := io.ReadFull(r, src[:]); err != nil {
		return encodingError("CopyRectEncoding.Read", "failed to read source position", err)
	}
	srcX := binary.BigEndian.Uint16(src[0:2])
	srcY := binary.BigEndian.Uint16(src[2:4])

	validator := newInputValidator()
	if err := validator.ValidateRectangle(srcX, srcY, rect.Width, rect.Height,
		c.FrameBufferWidth, c.FrameBufferHeight); err != nil {
		return encodingError("CopyRectEncoding.Read", "source rectangle outside framebuffer", err)
	}

	c.copyRegion(int(srcX), int(srcY), int(rect.X), int(rect.Y), int(rect.Width), int(rect.Height))
	return nil
}
