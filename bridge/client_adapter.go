// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"context"
	"time"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/framebuffer"
	"github.com/tenthirtyam/go-vnc-bridge/media"
	"github.com/tenthirtyam/go-vnc-bridge/yuv"
)

// PumpResult is the outcome of one PumpOnce call.
type PumpResult int

const (
	// PumpTimeout: no message arrived within the timeout.
	PumpTimeout PumpResult = iota + 1

	// PumpHandled: one message was read and applied.
	PumpHandled

	// PumpError: the connection failed. PumpOnce also returns an error.
	PumpError
)

func (r PumpResult) String() string {
	switch r {
	case PumpTimeout:
		return "timeout"
	case PumpHandled:
		return "handled"
	case PumpError:
		return "error"
	default:
		return "unknown"
	}
}

// ClientAdapter pulls a remote desktop and feeds it to the session as
// outgoing video. It implements vnc.FramebufferHandler. Apart from the
// event senders, it is driven by a single goroutine.
type ClientAdapter struct {
	owner  *framebuffer.Owner
	logger vnc.Logger
	stats  *counters

	port    ClientPort
	scratch *media.Image
}

// NewClientAdapter returns an unconnected adapter.
func NewClientAdapter(owner *framebuffer.Owner, logger vnc.Logger) *ClientAdapter {
	if logger == nil {
		logger = &vnc.NoOpLogger{}
	}
	return &ClientAdapter{owner: owner, logger: logger, stats: &counters{}}
}

// ConnectClient dials target with dial and completes the RFB handshake.
// resolver supplies the password if the remote asks for one. On failure
// nothing stays allocated.
func (a *ClientAdapter) ConnectClient(ctx context.Context, dial Dialer, target vnc.Target, resolver vnc.PasswordResolver, options ...vnc.ClientOption) error {
	auth := []vnc.ClientAuth{&vnc.ClientAuthNone{}}
	if resolver != nil {
		auth = append([]vnc.ClientAuth{&vnc.PasswordAuth{Resolver: resolver}}, auth...)
	}
	opts := append([]vnc.ClientOption{vnc.WithAuth(auth...), vnc.WithLogger(a.logger)}, options...)

	port, err := dial(ctx, target, a, opts...)
	if err != nil {
		a.releaseBuffers()
		return newError(StartupError, "connect "+target.String(), err)
	}
	a.port = port

	w, h := port.GetFrameBufferSize()
	a.logger.Info("Connected to RFB server",
		vnc.Field{Key: "target", Value: target.String()},
		vnc.Field{Key: "width", Value: w},
		vnc.Field{Key: "height", Value: h})
	return nil
}

// ResizeFramebuffer allocates a framebuffer and scratch image for the new
// geometry, releasing the previous ones.
func (a *ClientAdapter) ResizeFramebuffer(width, height int) ([]byte, error) {
	scratch, err := media.NewImage(media.FormatI420, width, height)
	if err != nil {
		return nil, newError(AllocationError, "allocate scratch image", err)
	}
	fb, err := a.owner.Replace(width, height)
	if err != nil {
		return nil, newError(AllocationError, "allocate framebuffer", err)
	}
	a.scratch = scratch
	a.stats.resizes.Add(1)

	a.logger.Debug("Framebuffer resized",
		vnc.Field{Key: "width", Value: width},
		vnc.Field{Key: "height", Value: height})
	return fb.Pix, nil
}

// FramebufferUpdated counts decoded rectangles. The whole framebuffer is
// converted on every WriteFrame regardless.
func (a *ClientAdapter) FramebufferUpdated(x, y, width, height int) {
	a.stats.updatesReceived.Add(1)
}

// PumpOnce waits up to timeout for one server message and applies it.
func (a *ClientAdapter) PumpOnce(timeout time.Duration) (PumpResult, error) {
	ok, err := a.port.WaitForMessage(timeout)
	if err != nil {
		return PumpError, newError(ProtocolError, "wait for message", err)
	}
	if !ok {
		a.stats.pumpTimeouts.Add(1)
		return PumpTimeout, nil
	}
	if _, err := a.port.HandleServerMessage(); err != nil {
		return PumpError, newError(ProtocolError, "handle server message", err)
	}
	a.stats.pumps.Add(1)
	return PumpHandled, nil
}

// SendPointerEvent moves the remote pointer. No acknowledgement is awaited.
func (a *ClientAdapter) SendPointerEvent(x, y uint16, mask vnc.ButtonMask) error {
	return a.port.PointerEvent(mask, x, y)
}

// SendKeyEvent presses or releases a remote key. No acknowledgement is
// awaited.
func (a *ClientAdapter) SendKeyEvent(keysym uint32, down bool) error {
	return a.port.KeyEvent(keysym, down)
}

// WriteFrame converts the framebuffer into the scratch image and writes it
// to the session once. The frame never keeps a reference to the scratch
// image after the write.
func (a *ClientAdapter) WriteFrame(ctx context.Context, session media.Session) error {
	fb := a.owner.Current()
	if fb == nil || a.scratch == nil {
		return nil
	}

	yuv.PackedToI420(fb.Pix, fb.Stride, a.scratch, fb.Width, fb.Height)

	frame := &media.VideoFrame{Width: fb.Width, Height: fb.Height, Image: a.scratch}
	err := session.WriteVideoFrame(ctx, frame)
	frame.Image = nil
	if err != nil {
		return err
	}
	a.stats.framesWritten.Add(1)
	return nil
}

// closeEndpoint closes the connection. Safe to call more than once.
func (a *ClientAdapter) closeEndpoint() {
	if a.port != nil {
		if err := a.port.Close(); err != nil {
			a.logger.Debug("Closing RFB client failed", vnc.Field{Key: "error", Value: err})
		}
		a.port = nil
	}
}

func (a *ClientAdapter) releaseFramebuffer() {
	if a.owner.Current() != nil {
		a.owner.Release()
	}
}

func (a *ClientAdapter) releaseBuffers() {
	a.releaseFramebuffer()
	a.scratch = nil
}

// Close releases the framebuffer, the endpoint and the scratch image, in
// that order.
func (a *ClientAdapter) Close() {
	a.releaseFramebuffer()
	a.closeEndpoint()
	a.scratch = nil
}

// Stats returns the adapter's counters.
func (a *ClientAdapter) Stats() Stats { return a.stats.snapshot() }
