// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"context"
	"net"
	"strconv"
	"time"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/framebuffer"
)

// ServerPort is the RFB server endpoint used in server mode.
// *vnc.Server implements it.
type ServerPort interface {
	UpdateFramebuffer(fn func(pix []byte)) error
	MarkRectAsModified(x, y, width, height int)
	IsActive() bool
	Addr() net.Addr

	// Shutdown stops accepting viewers and detaches the framebuffer.
	Shutdown(disconnect bool)
}

// ClientPort is the RFB client endpoint used in client mode.
// *vnc.ClientConn implements it.
type ClientPort interface {
	WaitForMessage(timeout time.Duration) (bool, error)
	HandleServerMessage() (vnc.ServerMessage, error)
	PointerEvent(mask vnc.ButtonMask, x, y uint16) error
	KeyEvent(keysym uint32, down bool) error
	GetFrameBufferSize() (uint16, uint16)
	Close() error
}

// ServerFactory creates and starts a server endpoint over fb.
type ServerFactory func(fb *framebuffer.Framebuffer) (ServerPort, error)

// Dialer establishes a client endpoint. The handler must receive the
// framebuffer geometry during the handshake.
type Dialer func(ctx context.Context, target vnc.Target, handler vnc.FramebufferHandler, options ...vnc.ClientOption) (ClientPort, error)

var (
	_ ServerPort = (*vnc.Server)(nil)
	_ ClientPort = (*vnc.ClientConn)(nil)
)

// NewServerFactory returns a factory that serves fb on address.
func NewServerFactory(address string, options ...vnc.ServerOption) ServerFactory {
	return func(fb *framebuffer.Framebuffer) (ServerPort, error) {
		srv, err := vnc.NewServer(fb.Pix, fb.Width, fb.Height, options...)
		if err != nil {
			return nil, err
		}
		if err := srv.Listen(address); err != nil {
			return nil, err
		}
		return srv, nil
	}
}

// DialTarget is the default Dialer: it dials the target, or waits for a
// reverse connection when the target is a listen target.
func DialTarget(ctx context.Context, target vnc.Target, handler vnc.FramebufferHandler, options ...vnc.ClientOption) (ClientPort, error) {
	opts := append([]vnc.ClientOption{vnc.WithFramebufferHandler(handler)}, options...)

	var (
		conn *vnc.ClientConn
		err  error
	)
	if target.Listen {
		conn, err = vnc.ListenClient(ctx, ":"+strconv.Itoa(target.Port), opts...)
	} else {
		conn, err = vnc.DialClient(ctx, target.Address(), opts...)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
