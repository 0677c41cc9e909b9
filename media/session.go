// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package media defines the contract between the bridge and the media
// session that produces and consumes its video, plus a synthetic session
// for tests and demos.
package media

import (
	"context"
	"errors"
)

// Session variables set by the bridge.
const (
	VarVideoWidth                 = "video_width"
	VarVideoHeight                = "video_height"
	VarCurrentApplicationResponse = "current_application_response"
	VarPlaybackTerminatorUsed     = "playback_terminator_used"
)

// DefaultHoldMusic is played when the session has no hold music configured.
const DefaultHoldMusic = "silence_stream://-1"

var (
	// ErrTimeout is a transient read miss: no frame this tick.
	ErrTimeout = errors.New("media: read timed out")

	// ErrClosed is returned once the session can no longer carry media.
	ErrClosed = errors.New("media: session closed")
)

// Digit is one DTMF digit ('0'-'9', '*', '#', 'A'-'D').
type Digit rune

// VideoFrame is a transient frame owned by the session. Data is the
// encoded payload; Image, when set, is the decoded picture.
type VideoFrame struct {
	Width  int
	Height int
	Data   []byte

	// CNG marks comfort-noise frames that carry no picture.
	CNG bool

	Image *Image
}

// Session is the media session a bridge instance is attached to.
type Session interface {
	// ID identifies the session in logs.
	ID() string

	// Ready reports whether the channel can still carry media.
	Ready() bool

	// HasVideoCodec reports whether a video read codec was negotiated.
	HasVideoCodec() bool

	// ReadVideoFrame blocks for the next decoded frame. ErrTimeout is
	// transient; any other error ends the bridge.
	ReadVideoFrame(ctx context.Context) (*VideoFrame, error)

	// WriteVideoFrame sends a frame to the far end. The session must not
	// retain frame.Image after returning.
	WriteVideoFrame(ctx context.Context, frame *VideoFrame) error

	// RequestVideoRefresh asks the far end for a key frame.
	RequestVideoRefresh()

	// DequeueDigit returns the next queued DTMF digit, if any.
	DequeueDigit() (Digit, bool)

	// ConsumeBreak reports and clears a pending break request.
	ConsumeBreak() bool

	Answer() error

	// HoldMusic returns the configured hold media source, or "".
	HoldMusic() string

	// PlayHoldMedia plays source until the session ends or ctx is done.
	PlayHoldMedia(ctx context.Context, source string) error

	SetVariable(name, value string)
}
