// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"fmt"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/media"
)

// EventKind distinguishes the two remote input events.
type EventKind int

const (
	PointerEvent EventKind = iota + 1
	KeyEvent
)

// InputEvent is one remote pointer or key event.
type InputEvent struct {
	Kind EventKind

	// Pointer fields.
	X, Y uint16
	Mask vnc.ButtonMask

	// Key fields.
	Keysym uint32
	Down   bool
}

func (e InputEvent) String() string {
	if e.Kind == PointerEvent {
		return fmt.Sprintf("pointer(%d,%d mask=%d)", e.X, e.Y, e.Mask)
	}
	return fmt.Sprintf("key(0x%x down=%t)", e.Keysym, e.Down)
}

// InputSink receives translated events.
type InputSink interface {
	SendPointerEvent(x, y uint16, mask vnc.ButtonMask) error
	SendKeyEvent(keysym uint32, down bool) error
}

// DefaultKeymap lays the digits out like a numeric keypad used for
// navigation. 5, * and # are unmapped.
func DefaultKeymap() map[media.Digit]uint32 {
	return map[media.Digit]uint32{
		'0': vnc.KeyReturn,
		'1': vnc.KeyEnd,
		'2': vnc.KeyDown,
		'3': vnc.KeyPageDown,
		'4': vnc.KeyLeft,
		'6': vnc.KeyRight,
		'7': vnc.KeyHome,
		'8': vnc.KeyUp,
		'9': vnc.KeyPageUp,
	}
}

// Translator turns DTMF digits into remote input.
type Translator struct {
	keymap  map[media.Digit]uint32
	anchorX uint16
	anchorY uint16
	click   bool
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithKeymap replaces the digit to keysym table.
func WithKeymap(keymap map[media.Digit]uint32) TranslatorOption {
	return func(t *Translator) {
		t.keymap = keymap
	}
}

// WithAnchor sets where the focus click lands.
func WithAnchor(x, y uint16) TranslatorOption {
	return func(t *Translator) {
		t.anchorX, t.anchorY = x, y
	}
}

// WithClick enables or disables the focus click.
func WithClick(click bool) TranslatorOption {
	return func(t *Translator) {
		t.click = click
	}
}

// NewTranslator returns a translator with the default keymap and a focus
// click at (100,100).
func NewTranslator(options ...TranslatorOption) *Translator {
	t := &Translator{
		keymap:  DefaultKeymap(),
		anchorX: DefaultAnchorX,
		anchorY: DefaultAnchorY,
		click:   true,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Keysym returns the keysym sent for d. Unmapped digits are sent as their
// own character.
func (t *Translator) Keysym(d media.Digit) uint32 {
	if k, ok := t.keymap[d]; ok {
		return k
	}
	return uint32(d)
}

// Translate returns the events for one digit: a left click at the anchor,
// then key down and key up.
func (t *Translator) Translate(d media.Digit) []InputEvent {
	events := make([]InputEvent, 0, 4)
	if t.click {
		events = append(events,
			InputEvent{Kind: PointerEvent, X: t.anchorX, Y: t.anchorY, Mask: vnc.ButtonLeft},
			InputEvent{Kind: PointerEvent, X: t.anchorX, Y: t.anchorY},
		)
	}
	k := t.Keysym(d)
	return append(events,
		InputEvent{Kind: KeyEvent, Keysym: k, Down: true},
		InputEvent{Kind: KeyEvent, Keysym: k, Down: false},
	)
}

// Apply sends events in order, stopping at the first failure.
func (t *Translator) Apply(events []InputEvent, sink InputSink) error {
	for _, e := range events {
		var err error
		switch e.Kind {
		case PointerEvent:
			err = sink.SendPointerEvent(e.X, e.Y, e.Mask)
		case KeyEvent:
			err = sink.SendKeyEvent(e.Keysym, e.Down)
		}
		if err != nil {
			return fmt.Errorf("send %s: %w", e, err)
		}
	}
	return nil
}
