// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package framebuffer owns the packed pixel buffer shared between a bridge
// worker and its RFB endpoint.
package framebuffer

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// BytesPerPixel is the size of one packed R, G, B, X pixel.
const BytesPerPixel = 4

// DefaultMaxBytes caps a single allocation.
const DefaultMaxBytes = 256 << 20

// Framebuffer is a packed width x height pixel buffer.
type Framebuffer struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

// Bytes returns the buffer size.
func (fb *Framebuffer) Bytes() int {
	return len(fb.Pix)
}

// AllocationError reports a framebuffer that could not be provided.
type AllocationError struct {
	Width  int
	Height int
	Reason string
	Err    error
}

func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("framebuffer: cannot allocate %dx%d: %s", e.Width, e.Height, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of an Owner's allocation accounting.
type Stats struct {
	Allocations    int64
	Releases       int64
	Live           int64
	LiveBytes      int64
	DoubleReleases int64
}

// Option configures an Owner.
type Option func(*Owner)

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int) Option {
	return func(o *Owner) {
		o.maxBytes = n
	}
}

// Owner holds at most one current Framebuffer.
type Owner struct {
	maxBytes int
	alloc    func(n int) []byte

	mu  sync.RWMutex
	cur *Framebuffer

	allocations    atomic.Int64
	releases       atomic.Int64
	liveBytes      atomic.Int64
	doubleReleases atomic.Int64
}

// NewOwner returns an Owner with no current framebuffer.
func NewOwner(options ...Option) *Owner {
	o := &Owner{
		maxBytes: DefaultMaxBytes,
		alloc:    func(n int) []byte { return make([]byte, n) },
	}
	for _, option := range options {
		option(o)
	}
	return o
}

func (o *Owner) newFramebuffer(width, height int) (fb *Framebuffer, err error) {
	if width <= 0 || height <= 0 {
		return nil, &AllocationError{Width: width, Height: height, Reason: "dimensions must be positive"}
	}
	if int64(width)*int64(height)*BytesPerPixel > int64(o.maxBytes) {
		return nil, &AllocationError{
			Width:  width,
			Height: height,
			Reason: fmt.Sprintf("exceeds limit of %d bytes", o.maxBytes),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(runtime.Error)
			if !ok {
				panic(r)
			}
			fb, err = nil, &AllocationError{Width: width, Height: height, Reason: "runtime refused allocation", Err: rerr}
		}
	}()

	n := width * height * BytesPerPixel
	pix := o.alloc(n)
	if len(pix) < n {
		return nil, &AllocationError{Width: width, Height: height, Reason: "short buffer"}
	}
	o.allocations.Add(1)
	o.liveBytes.Add(int64(n))
	return &Framebuffer{Width: width, Height: height, Stride: width * BytesPerPixel, Pix: pix[:n]}, nil
}

// Allocate creates the current framebuffer. It fails if one is already
// live; use Replace to swap geometry.
func (o *Owner) Allocate(width, height int) (*Framebuffer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != nil {
		return nil, &AllocationError{Width: width, Height: height, Reason: "a framebuffer is already live"}
	}

	fb, err := o.newFramebuffer(width, height)
	if err != nil {
		return nil, err
	}
	o.cur = fb
	return fb, nil
}

// Replace allocates a width x height framebuffer, makes it current and
// releases the previous one. Readers of Current see either the old or the
// new buffer. On failure the previous buffer stays current.
func (o *Owner) Replace(width, height int) (*Framebuffer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fb, err := o.newFramebuffer(width, height)
	if err != nil {
		return nil, err
	}
	old := o.cur
	o.cur = fb
	if old != nil {
		o.release(old)
	}
	return fb, nil
}

// Release frees the current framebuffer. It returns false, and counts a
// double release, when nothing is live.
func (o *Owner) Release() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		o.doubleReleases.Add(1)
		return false
	}
	o.release(o.cur)
	o.cur = nil
	return true
}

func (o *Owner) release(fb *Framebuffer) {
	o.releases.Add(1)
	o.liveBytes.Add(-int64(len(fb.Pix)))
	fb.Pix = nil
}

// Current returns the live framebuffer, or nil.
func (o *Owner) Current() *Framebuffer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cur
}

// Stats returns the allocation accounting.
func (o *Owner) Stats() Stats {
	allocs, releases := o.allocations.Load(), o.releases.Load()
	return Stats{
		Allocations:    allocs,
		Releases:       releases,
		Live:           allocs - releases,
		LiveBytes:      o.liveBytes.Load(),
		DoubleReleases: o.doubleReleases.Load(),
	}
}
