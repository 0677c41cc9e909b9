// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
)

// RawEncoding is uncompressed pixel data (RFC 6143 7.7.1). Support is
// mandatory, so it is accepted even when not advertised.
type RawEncoding struct{}

func (*RawEncoding) Type() int32 { return EncodingRaw }

// Read copies width x height wire pixels, left-to-right and top-to-bottom,
// into the framebuffer.
func (*RawEncoding) Read(c *ClientConn, rect *Rectangle, r io.Reader) error {
	codec := c.codec()
	if err := c.readPixelRect(r, &codec, int(rect.X), int(rect.Y), int(rect.Width), int(rect.Height)); err != nil {
		return encodingError("RawEncoding.Read", "failed to read pixel data", err)
	}
	return nil
}
