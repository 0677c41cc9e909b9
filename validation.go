// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Protocol limits enforced on untrusted peer input.
const (
	maxFramebufferDimension = 16384
	maxDesktopNameLength    = 4096
	maxErrorReasonLength    = 64 * 1024
	maxEncodings            = 64
	maxEncodingMagnitude    = 1000000
	maxKeysym               = 0x1FFFFFF
)

// InputValidator checks values received from (or about to be sent to) a
// peer before they size buffers or index the framebuffer.
type InputValidator struct{}

func newInputValidator() *InputValidator {
	return &InputValidator{}
}

func invalid(check, format string, args ...any) error {
	return validationError("InputValidator."+check, fmt.Sprintf(format, args...), nil)
}

// ValidateProtocolVersion checks the 12-byte "RFB xxx.yyy\n" banner.
func (iv *InputValidator) ValidateProtocolVersion(version string) error {
	const check = "ValidateProtocolVersion"
	if len(version) != pvLen {
		return invalid(check, "protocol version must be %d bytes, got %d", pvLen, len(version))
	}
	if !strings.HasPrefix(version, "RFB ") || version[7] != '.' || version[11] != '\n' {
		return invalid(check, "malformed protocol version %q", version)
	}
	for _, digits := range []string{version[4:7], version[8:11]} {
		if strings.Trim(digits, "0123456789") != "" {
			return invalid(check, "protocol version %q has non-digit components", version)
		}
	}
	return nil
}

// ValidateSecurityTypes rejects empty lists and the invalid type 0.
func (iv *InputValidator) ValidateSecurityTypes(securityTypes []uint8) error {
	if len(securityTypes) == 0 {
		return invalid("ValidateSecurityTypes", "server offered no security types")
	}
	for i, t := range securityTypes {
		if t == SecurityTypeInvalid {
			return invalid("ValidateSecurityTypes", "security type 0 at index %d", i)
		}
	}
	return nil
}

// ValidateFramebufferDimensions checks a geometry announced by a peer.
func (iv *InputValidator) ValidateFramebufferDimensions(width, height uint16) error {
	switch {
	case width == 0 || height == 0:
		return invalid("ValidateFramebufferDimensions", "empty framebuffer %dx%d", width, height)
	case width > maxFramebufferDimension || height > maxFramebufferDimension:
		return invalid("ValidateFramebufferDimensions", "framebuffer %dx%d exceeds %d", width, height, maxFramebufferDimension)
	}
	return nil
}

// ValidateRectangle checks that a rectangle lies inside the framebuffer.
func (iv *InputValidator) ValidateRectangle(x, y, width, height, fbWidth, fbHeight uint16) error {
	if int(x)+int(width) > int(fbWidth) || int(y)+int(height) > int(fbHeight) {
		return invalid("ValidateRectangle", "rectangle %dx%d at (%d,%d) outside %dx%d framebuffer",
			width, height, x, y, fbWidth, fbHeight)
	}
	return nil
}

// ValidatePixelFormat rejects nil and inconsistent formats.
func (iv *InputValidator) ValidatePixelFormat(pf *PixelFormat) error {
	if pf == nil {
		return invalid("ValidatePixelFormat", "nil pixel format")
	}
	if err := pf.Validate(); err != nil {
		return validationError("InputValidator.ValidatePixelFormat", "invalid pixel format", err)
	}
	return nil
}

// ValidateEncodingType bounds encoding identifiers.
func (iv *InputValidator) ValidateEncodingType(encodingType int32) error {
	if encodingType > maxEncodingMagnitude || encodingType < -maxEncodingMagnitude {
		return invalid("ValidateEncodingType", "encoding type %d out of range", encodingType)
	}
	return nil
}

// ValidateMessageLength checks a length prefix against maxLength.
func (iv *InputValidator) ValidateMessageLength(length uint32, maxLength uint32) error {
	if length > maxLength {
		return invalid("ValidateMessageLength", "length %d exceeds %d", length, maxLength)
	}
	return nil
}

// ValidateColorMapEntries checks that an update fits inside the color map.
func (iv *InputValidator) ValidateColorMapEntries(firstColor, numColors uint16) error {
	if int(firstColor)+int(numColors) > ColorMapSize {
		return invalid("ValidateColorMapEntries", "entries %d..%d exceed the %d-entry color map",
			firstColor, int(firstColor)+int(numColors)-1, ColorMapSize)
	}
	return nil
}

// ValidateKeySymbol rejects zero and values beyond the Unicode keysym range.
func (iv *InputValidator) ValidateKeySymbol(keysym uint32) error {
	if keysym == 0 || keysym > maxKeysym {
		return invalid("ValidateKeySymbol", "keysym 0x%X out of range", keysym)
	}
	return nil
}

// ValidatePointerPosition checks pointer coordinates against the framebuffer.
func (iv *InputValidator) ValidatePointerPosition(x, y, fbWidth, fbHeight uint16) error {
	if x >= fbWidth || y >= fbHeight {
		return invalid("ValidatePointerPosition", "pointer (%d,%d) outside %dx%d framebuffer", x, y, fbWidth, fbHeight)
	}
	return nil
}

func allowedControl(r rune) bool {
	return r == '\t' || r == '\n' || r == '\r'
}

// ValidateTextData rejects oversize text, invalid UTF-8 and control characters.
func (iv *InputValidator) ValidateTextData(text string, maxLength int) error {
	if len(text) > maxLength {
		return invalid("ValidateTextData", "text length %d exceeds %d", len(text), maxLength)
	}
	if !utf8.ValidString(text) {
		return invalid("ValidateTextData", "text is not valid UTF-8")
	}
	if i := strings.IndexFunc(text, func(r rune) bool { return r < 0x20 && !allowedControl(r) }); i >= 0 {
		return invalid("ValidateTextData", "control character at byte %d", i)
	}
	return nil
}

// SanitizeText replaces control characters with spaces and unprintable
// runes with U+FFFD.
func (iv *InputValidator) SanitizeText(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case allowedControl(r):
			return r
		case r < 0x20:
			return ' '
		case r == utf8.RuneError || !unicode.IsPrint(r):
			return utf8.RuneError
		}
		return r
	}, text)
}
