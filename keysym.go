// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// X11 keysyms used for KeyEvent. Latin-1 characters are their own keysym.
const (
	KeyBackSpace uint32 = 0xff08
	KeyTab       uint32 = 0xff09
	KeyReturn    uint32 = 0xff0d
	KeyEscape    uint32 = 0xff1b
	KeyHome      uint32 = 0xff50
	KeyLeft      uint32 = 0xff51
	KeyUp        uint32 = 0xff52
	KeyRight     uint32 = 0xff53
	KeyDown      uint32 = 0xff54
	KeyPageUp    uint32 = 0xff55
	KeyPageDown  uint32 = 0xff56
	KeyEnd       uint32 = 0xff57
	KeyInsert    uint32 = 0xff63
	KeyDelete    uint32 = 0xffff

	KeyF1  uint32 = 0xffbe
	KeyF12 uint32 = 0xffc9

	KeyShiftL   uint32 = 0xffe1
	KeyShiftR   uint32 = 0xffe2
	KeyControlL uint32 = 0xffe3
	KeyControlR uint32 = 0xffe4
	KeyMetaL    uint32 = 0xffe7
	KeyAltL     uint32 = 0xffe9
	KeyAltR     uint32 = 0xffea
	KeySuperL   uint32 = 0xffeb

	KeyKP0 uint32 = 0xffb0
	KeyKP9 uint32 = 0xffb9
)

var keysymNames = map[string]uint32{
	"backspace": KeyBackSpace,
	"tab":       KeyTab,
	"return":    KeyReturn,
	"enter":     KeyReturn,
	"escape":    KeyEscape,
	"home":      KeyHome,
	"left":      KeyLeft,
	"up":        KeyUp,
	"right":     KeyRight,
	"down":      KeyDown,
	"page_up":   KeyPageUp,
	"prior":     KeyPageUp,
	"page_down": KeyPageDown,
	"next":      KeyPageDown,
	"end":       KeyEnd,
	"insert":    KeyInsert,
	"delete":    KeyDelete,
	"shift_l":   KeyShiftL,
	"shift_r":   KeyShiftR,
	"control_l": KeyControlL,
	"control_r": KeyControlR,
	"meta_l":    KeyMetaL,
	"alt_l":     KeyAltL,
	"alt_r":     KeyAltR,
	"super_l":   KeySuperL,
	"space":     ' ',
}

// LookupKeysym resolves an X11 keysym name (case-insensitive, e.g.
// "Return", "Page_Down", "F5", "KP_3") or a single Latin-1 character.
func LookupKeysym(name string) (uint32, bool) {
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if r <= 0xff {
			return uint32(r), true
		}
		return 0, false
	}

	lower := strings.ToLower(name)
	if k, ok := keysymNames[lower]; ok {
		return k, true
	}

	if rest, ok := strings.CutPrefix(lower, "kp_"); ok && len(rest) == 1 && rest[0] >= '0' && rest[0] <= '9' {
		return KeyKP0 + uint32(rest[0]-'0'), true
	}
	if rest, ok := strings.CutPrefix(lower, "f"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 1 && n <= 12 {
			return KeyF1 + uint32(n-1), true // #nosec G115 - 0..11
		}
	}
	return 0, false
}
