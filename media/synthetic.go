// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SyntheticConfig configures a SyntheticSession.
type SyntheticConfig struct {
	Width  int
	Height int

	// Frames is the number of frames delivered before the session hangs
	// up. Zero means unlimited.
	Frames int

	// FrameInterval paces ReadVideoFrame. Zero delivers frames immediately.
	FrameInterval time.Duration

	// Pattern paints frame seq (starting at 1). Defaults to a grey ramp.
	Pattern func(seq int, img *Image)

	// Shape may alter a frame before delivery, or return an error such as
	// ErrTimeout to deliver instead of the frame.
	Shape func(seq int, frame *VideoFrame) error

	// OnWrite observes every written frame while its image is still set.
	OnWrite func(frame *VideoFrame)

	NoVideoCodec bool
	HoldMusic    string
}

// SyntheticSession is an in-memory Session producing I420 frames.
type SyntheticSession struct {
	id  string
	cfg SyntheticConfig

	ready    atomic.Bool
	hungUp   chan struct{}
	hangOnce sync.Once
	brk      atomic.Bool

	reads     atomic.Int64
	writes    atomic.Int64
	refreshes atomic.Int64
	answered  atomic.Bool

	mu        sync.Mutex
	img       *Image
	seq       int
	digits    []Digit
	vars      map[string]string
	holdMedia string
}

// NewSyntheticSession returns a ready session.
func NewSyntheticSession(cfg SyntheticConfig) *SyntheticSession {
	if cfg.Pattern == nil {
		cfg.Pattern = GreyRamp
	}
	s := &SyntheticSession{
		id:     uuid.NewString(),
		cfg:    cfg,
		hungUp: make(chan struct{}),
		vars:   make(map[string]string),
	}
	s.ready.Store(true)
	return s
}

// GreyRamp paints a flat grey whose luma steps with every frame.
func GreyRamp(seq int, img *Image) {
	img.Fill(byte(16+seq%220), 128, 128)
}

func (s *SyntheticSession) ID() string { return s.id }

func (s *SyntheticSession) Ready() bool { return s.ready.Load() }

func (s *SyntheticSession) HasVideoCodec() bool { return !s.cfg.NoVideoCodec }

// Hangup ends the session. Safe to call more than once.
func (s *SyntheticSession) Hangup() {
	s.hangOnce.Do(func() {
		s.ready.Store(false)
		close(s.hungUp)
	})
}

// HungUp is closed once the session has ended.
func (s *SyntheticSession) HungUp() <-chan struct{} { return s.hungUp }

func (s *SyntheticSession) ReadVideoFrame(ctx context.Context) (*VideoFrame, error) {
	if !s.Ready() {
		return nil, ErrClosed
	}

	if s.cfg.FrameInterval > 0 {
		t := time.NewTimer(s.cfg.FrameInterval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.hungUp:
			return nil, ErrClosed
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Frames > 0 && s.seq >= s.cfg.Frames {
		s.Hangup()
		return nil, ErrClosed
	}
	s.seq++
	s.reads.Add(1)

	frame := &VideoFrame{Width: s.cfg.Width, Height: s.cfg.Height, Data: []byte{0, 0, 0, 1}}
	if s.cfg.Width > 0 && s.cfg.Height > 0 {
		if s.img == nil {
			img, err := NewImage(FormatI420, s.cfg.Width, s.cfg.Height)
			if err != nil {
				return nil, err
			}
			s.img = img
		}
		s.cfg.Pattern(s.seq, s.img)
		frame.Image = s.img
	}

	if s.cfg.Shape != nil {
		if err := s.cfg.Shape(s.seq, frame); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (s *SyntheticSession) WriteVideoFrame(_ context.Context, frame *VideoFrame) error {
	if !s.Ready() {
		return ErrClosed
	}
	s.writes.Add(1)
	if s.cfg.OnWrite != nil {
		s.cfg.OnWrite(frame)
	}
	return nil
}

func (s *SyntheticSession) RequestVideoRefresh() { s.refreshes.Add(1) }

// QueueDigits appends DTMF digits to the inbound queue.
func (s *SyntheticSession) QueueDigits(digits string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range digits {
		s.digits = append(s.digits, Digit(d))
	}
}

func (s *SyntheticSession) DequeueDigit() (Digit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.digits) == 0 {
		return 0, false
	}
	d := s.digits[0]
	s.digits = s.digits[1:]
	return d, true
}

// RequestBreak raises the break flag checked by ConsumeBreak.
func (s *SyntheticSession) RequestBreak() { s.brk.Store(true) }

func (s *SyntheticSession) ConsumeBreak() bool { return s.brk.Swap(false) }

func (s *SyntheticSession) Answer() error {
	if !s.Ready() {
		return ErrClosed
	}
	s.answered.Store(true)
	return nil
}

func (s *SyntheticSession) HoldMusic() string { return s.cfg.HoldMusic }

// PlayHoldMedia blocks until the session hangs up or ctx is done.
func (s *SyntheticSession) PlayHoldMedia(ctx context.Context, source string) error {
	s.mu.Lock()
	s.holdMedia = source
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.hungUp:
		return nil
	}
}

func (s *SyntheticSession) SetVariable(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Variable returns a variable set through SetVariable.
func (s *SyntheticSession) Variable(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// SyntheticStats counts session activity.
type SyntheticStats struct {
	Reads     int64
	Writes    int64
	Refreshes int64
	Answered  bool
	HoldMedia string
}

func (s *SyntheticSession) Stats() SyntheticStats {
	s.mu.Lock()
	hold := s.holdMedia
	s.mu.Unlock()
	return SyntheticStats{
		Reads:     s.reads.Load(),
		Writes:    s.writes.Load(),
		Refreshes: s.refreshes.Load(),
		Answered:  s.answered.Load(),
		HoldMedia: hold,
	}
}
