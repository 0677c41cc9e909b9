// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/framebuffer"
	"github.com/tenthirtyam/go-vnc-bridge/media"
	"github.com/tenthirtyam/go-vnc-bridge/yuv"
)

var errFakeClosed = errors.New("fake endpoint closed")

// fakeServerPort records how the server adapter drives its endpoint.
type fakeServerPort struct {
	mu         sync.Mutex
	pix        []byte
	inactive   bool
	updates    int
	marks      int
	lastMark   [4]int
	shutdowns  int
	disconnect bool
}

func (p *fakeServerPort) UpdateFramebuffer(fn func(pix []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pix == nil {
		return errFakeClosed
	}
	fn(p.pix)
	p.updates++
	return nil
}

func (p *fakeServerPort) MarkRectAsModified(x, y, w, h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks++
	p.lastMark = [4]int{x, y, w, h}
}

func (p *fakeServerPort) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.inactive && p.shutdowns == 0
}

func (p *fakeServerPort) Addr() net.Addr { return nil }

func (p *fakeServerPort) Shutdown(disconnect bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	p.disconnect = disconnect
	p.pix = nil
}

// fakeServerFactory hands out fakeServerPorts and counts creations.
type fakeServerFactory struct {
	mu      sync.Mutex
	created []*fakeServerPort
	err     error
}

func (f *fakeServerFactory) factory(fb *framebuffer.Framebuffer) (ServerPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeServerPort{pix: fb.Pix}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeServerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeServerFactory) port() *fakeServerPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[0]
}

// fakeClientPort is a scripted RFB client endpoint.
type fakeClientPort struct {
	mu       sync.Mutex
	w, h     uint16
	pending  int
	waitErr  error
	handled  int
	events   []InputEvent
	sendErr  error
	closed   int
	onHandle func()
}

func (p *fakeClientPort) WaitForMessage(timeout time.Duration) (bool, error) {
	p.mu.Lock()
	err, pending := p.waitErr, p.pending
	p.mu.Unlock()
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return true, nil
	}
	time.Sleep(min(timeout, time.Millisecond))
	return false, nil
}

func (p *fakeClientPort) HandleServerMessage() (vnc.ServerMessage, error) {
	p.mu.Lock()
	p.pending--
	p.handled++
	fn := p.onHandle
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return &vnc.BellMessage{}, nil
}

func (p *fakeClientPort) PointerEvent(mask vnc.ButtonMask, x, y uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.events = append(p.events, InputEvent{Kind: PointerEvent, X: x, Y: y, Mask: mask})
	return nil
}

func (p *fakeClientPort) KeyEvent(keysym uint32, down bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.events = append(p.events, InputEvent{Kind: KeyEvent, Keysym: keysym, Down: down})
	return nil
}

func (p *fakeClientPort) GetFrameBufferSize() (uint16, uint16) { return p.w, p.h }

func (p *fakeClientPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakeClientPort) recorded() []InputEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InputEvent(nil), p.events...)
}

// fakeDialer sizes the framebuffer through the handler, as a real
// handshake does, then returns port or err.
func fakeDialer(port *fakeClientPort, err error) Dialer {
	return func(_ context.Context, _ vnc.Target, handler vnc.FramebufferHandler, _ ...vnc.ClientOption) (ClientPort, error) {
		if port != nil && port.w > 0 {
			if _, rerr := handler.ResizeFramebuffer(int(port.w), int(port.h)); rerr != nil {
				return nil, rerr
			}
		}
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// solidPattern paints every frame with one RGB colour.
func solidPattern(r, g, b byte) func(int, *media.Image) {
	return func(_ int, img *media.Image) {
		packed := make([]byte, img.Width*img.Height*yuv.BytesPerPixel)
		for i := 0; i < len(packed); i += yuv.BytesPerPixel {
			packed[i], packed[i+1], packed[i+2] = r, g, b
		}
		yuv.PackedToI420(packed, img.Width*yuv.BytesPerPixel, img, img.Width, img.Height)
	}
}

func near(a, b byte) bool {
	d := int(a) - int(b)
	return d >= -2 && d <= 2
}
