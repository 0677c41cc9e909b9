// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"errors"
	"strconv"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/framebuffer"
	"github.com/tenthirtyam/go-vnc-bridge/media"
	"github.com/tenthirtyam/go-vnc-bridge/yuv"
)

// ServerState is the lifecycle of a ServerAdapter.
type ServerState int

const (
	// ServerUnstarted: no endpoint exists.
	ServerUnstarted ServerState = iota

	// ServerStarted: the endpoint is listening over a sized framebuffer.
	ServerStarted

	// ServerActive: at least one frame has been published.
	ServerActive

	// ServerStopped: the endpoint is shut down and the framebuffer released.
	ServerStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerUnstarted:
		return "unstarted"
	case ServerStarted:
		return "started"
	case ServerActive:
		return "active"
	case ServerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServerAdapter publishes session pictures through an RFB server endpoint.
// It is driven by a single goroutine.
type ServerAdapter struct {
	factory ServerFactory
	owner   *framebuffer.Owner
	session media.Session
	logger  vnc.Logger
	stats   *counters

	state  ServerState
	width  int
	height int
	fb     *framebuffer.Framebuffer
	port   ServerPort
}

// NewServerAdapter returns an adapter in the Unstarted state.
func NewServerAdapter(factory ServerFactory, owner *framebuffer.Owner, session media.Session, logger vnc.Logger) *ServerAdapter {
	if logger == nil {
		logger = &vnc.NoOpLogger{}
	}
	return &ServerAdapter{
		factory: factory,
		owner:   owner,
		session: session,
		logger:  logger,
		stats:   &counters{},
	}
}

// State returns the current lifecycle state.
func (a *ServerAdapter) State() ServerState { return a.state }

// Size returns the locked geometry, zero until the first sized picture.
func (a *ServerAdapter) Size() (int, int) { return a.width, a.height }

// Port returns the endpoint, or nil before it is started.
func (a *ServerAdapter) Port() ServerPort { return a.port }

// HandleFrame publishes img. The first picture with a positive size locks
// the geometry and starts the endpoint; later pictures of another size are
// skipped.
func (a *ServerAdapter) HandleFrame(img *media.Image) error {
	if a.state == ServerStopped || img == nil {
		return nil
	}

	a.lockGeometry(img)
	if a.width == 0 || a.height == 0 {
		return nil
	}

	if a.port == nil {
		if err := a.start(); err != nil {
			return err
		}
	}

	if img.Width != a.width || img.Height != a.height || img.Format != media.FormatI420 {
		a.stats.framesSkipped.Add(1)
		a.logger.Warn("Skipping frame with unexpected geometry",
			vnc.Field{Key: "width", Value: img.Width},
			vnc.Field{Key: "height", Value: img.Height},
			vnc.Field{Key: "format", Value: img.Format.String()})
		return nil
	}

	if !a.port.IsActive() {
		return nil
	}

	w, h, stride := a.width, a.height, a.fb.Stride
	err := a.port.UpdateFramebuffer(func(pix []byte) {
		yuv.I420ToPacked(img, pix, stride, w, h)
	})
	if err != nil {
		return newError(ProtocolError, "update framebuffer", err)
	}
	a.stats.framesConverted.Add(1)

	a.port.MarkRectAsModified(0, 0, w, h)
	a.stats.dirtyMarks.Add(1)
	a.state = ServerActive
	return nil
}

func (a *ServerAdapter) lockGeometry(img *media.Image) {
	if img.Width > 0 && a.width == 0 {
		a.width = img.Width
		a.session.SetVariable(media.VarVideoWidth, strconv.Itoa(a.width))
	}
	if img.Height > 0 && a.height == 0 {
		a.height = img.Height
		a.session.SetVariable(media.VarVideoHeight, strconv.Itoa(a.height))
	}
}

func (a *ServerAdapter) start() error {
	fb, err := a.owner.Allocate(a.width, a.height)
	if err != nil {
		return newError(AllocationError, "allocate framebuffer", err)
	}

	port, err := a.factory(fb)
	if err != nil {
		a.owner.Release()
		kind := StartupError
		var allocErr *framebuffer.AllocationError
		if errors.As(err, &allocErr) {
			kind = AllocationError
		}
		return newError(kind, "start server endpoint", err)
	}

	a.fb, a.port = fb, port
	a.state = ServerStarted
	a.stats.endpointStarts.Add(1)

	fields := []vnc.Field{
		{Key: "width", Value: a.width},
		{Key: "height", Value: a.height},
	}
	if addr := port.Addr(); addr != nil {
		fields = append(fields, vnc.Field{Key: "address", Value: addr.String()})
	}
	a.logger.Info("RFB server started", fields...)
	return nil
}

// detach stops the endpoint without disconnecting viewers. The endpoint
// no longer reads the framebuffer once it returns.
func (a *ServerAdapter) detach() {
	if a.port != nil {
		a.port.Shutdown(false)
	}
}

// Close stops the endpoint and releases the framebuffer. Safe to call more
// than once.
func (a *ServerAdapter) Close() {
	if a.state == ServerStopped {
		return
	}
	a.detach()
	if a.fb != nil {
		a.owner.Release()
		a.fb = nil
	}
	a.port = nil
	a.state = ServerStopped
}

// Stats returns the adapter's counters.
func (a *ServerAdapter) Stats() Stats { return a.stats.snapshot() }
