// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
)

// DesktopSizePseudoEncoding announces a new framebuffer geometry in the
// rectangle's width and height. Clients only receive it when they
// advertised support, so leaving it out of SetEncodings pins the geometry
// negotiated at ServerInit.
type DesktopSizePseudoEncoding struct{}

func (*DesktopSizePseudoEncoding) Type() int32 { return EncodingDesktopSize }

func (*DesktopSizePseudoEncoding) IsPseudo() bool { return true }

// Read carries no payload; it resizes the client framebuffer.
func (*DesktopSizePseudoEncoding) Read(c *ClientConn, rect *Rectangle, _ io.Reader) error {
	validator := newInputValidator()
	if err := validator.ValidateFramebufferDimensions(rect.Width, rect.Height); err != nil {
		return validationError("DesktopSizePseudoEncoding.Read", "invalid desktop size", err)
	}

	oldWidth, oldHeight := c.GetFrameBufferSize()
	if err := c.resizeFramebuffer(rect.Width, rect.Height); err != nil {
		return err
	}

	c.logger.Info("Desktop size changed",
		Field{Key: "old_width", Value: oldWidth},
		Field{Key: "old_height", Value: oldHeight},
		Field{Key: "new_width", Value: rect.Width},
		Field{Key: "new_height", Value: rect.Height})
	return nil
}
