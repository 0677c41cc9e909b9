// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHandshakeTimeout bounds a viewer handshake when none is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// Name is the desktop name sent in ServerInit.
	Name string

	// Auth lists the offered security types in preference order. Defaults
	// to ServerAuthNone.
	Auth []ServerAuth

	Logger Logger

	// Input handlers. They run on the viewer's reader goroutine and are
	// not called after Shutdown.
	KeyHandler     func(keysym uint32, down bool)
	PointerHandler func(mask ButtonMask, x, y uint16)
	CutTextHandler func(text string)

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// ServerOption configures a ServerConfig.
type ServerOption func(*ServerConfig)

// WithDesktopName sets the name announced to viewers.
func WithDesktopName(name string) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.Name = name
	}
}

// WithServerAuth sets the offered security types.
func WithServerAuth(auth ...ServerAuth) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.Auth = auth
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger Logger) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.Logger = logger
	}
}

// WithKeyHandler installs a handler for viewer key events.
func WithKeyHandler(h func(keysym uint32, down bool)) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.KeyHandler = h
	}
}

// WithPointerHandler installs a handler for viewer pointer events.
func WithPointerHandler(h func(mask ButtonMask, x, y uint16)) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.PointerHandler = h
	}
}

// WithCutTextHandler installs a handler for viewer clipboard text.
func WithCutTextHandler(h func(text string)) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.CutTextHandler = h
	}
}

// WithHandshakeTimeout bounds each viewer handshake.
func WithHandshakeTimeout(timeout time.Duration) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.HandshakeTimeout = timeout
	}
}

// WithServerWriteTimeout bounds each write to a viewer.
func WithServerWriteTimeout(timeout time.Duration) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.WriteTimeout = timeout
	}
}

// Server exposes a packed framebuffer (PixelFormatStandard layout) to RFB
// viewers. The framebuffer memory belongs to the caller; the server only
// reads it, under a read lock, until Shutdown detaches it.
type Server struct {
	config ServerConfig
	logger Logger
	width  int
	height int

	fbMu sync.RWMutex
	fb   []byte

	mu      sync.Mutex
	ln      net.Listener
	viewers map[*viewer]struct{}
	stopped bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	serving atomic.Bool
}

// NewServer creates a server over fb, which must hold width*height*4 bytes.
func NewServer(fb []byte, width, height int, options ...ServerOption) (*Server, error) {
	if width <= 0 || height <= 0 || width > maxFramebufferDimension || height > maxFramebufferDimension {
		return nil, validationError("NewServer", fmt.Sprintf("invalid framebuffer size %dx%d", width, height), nil)
	}
	if len(fb) < width*height*4 {
		return nil, validationError("NewServer",
			fmt.Sprintf("framebuffer holds %d bytes, need %d", len(fb), width*height*4), nil)
	}

	cfg := ServerConfig{HandshakeTimeout: DefaultHandshakeTimeout}
	for _, option := range options {
		option(&cfg)
	}
	if len(cfg.Auth) == 0 {
		cfg.Auth = []ServerAuth{ServerAuthNone{}}
	}
	if len(cfg.Auth) > 255 {
		return nil, configurationError("NewServer", "too many security types", nil)
	}

	var logger Logger = &NoOpLogger{}
	if cfg.Logger != nil {
		logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  cfg,
		logger:  logger,
		width:   width,
		height:  height,
		fb:      fb,
		viewers: make(map[*viewer]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Size returns the framebuffer geometry.
func (s *Server) Size() (int, int) {
	return s.width, s.height
}

// Listen opens a TCP listener on address and runs the accept loop in the
// background.
func (s *Server) Listen(address string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(s.ctx, "tcp", address)
	if err != nil {
		return networkError("Listen", fmt.Sprintf("failed to listen on %s", address), err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return closedError("Listen")
	}
	s.ln = ln
	s.mu.Unlock()

	s.serving.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil {
			s.logger.Error("Accept loop stopped", Field{Key: "error", Value: err})
		}
	}()
	return nil
}

// Addr returns the listener address, or nil before Listen/Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts viewers on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return closedError("Serve")
	}
	s.ln = ln
	s.mu.Unlock()

	s.serving.Store(true)
	defer s.serving.Store(false)

	s.logger.Info("VNC server accepting viewers",
		Field{Key: "address", Value: ln.Addr().String()},
		Field{Key: "width", Value: s.width},
		Field{Key: "height", Value: s.height})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return nil
			}
			return networkError("Serve", "failed to accept viewer", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(conn); err != nil {
				s.logger.Debug("Viewer session ended", Field{Key: "error", Value: err})
			}
		}()
	}
}

// IsActive reports whether the accept loop is running.
func (s *Server) IsActive() bool {
	return s.serving.Load() && !s.isStopped()
}

// ViewerCount returns the number of viewers past the handshake.
func (s *Server) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// UpdateFramebuffer runs fn with exclusive access to the framebuffer.
// Viewers never read while fn runs.
func (s *Server) UpdateFramebuffer(fn func(pix []byte)) error {
	s.fbMu.Lock()
	defer s.fbMu.Unlock()
	if s.fb == nil {
		return closedError("UpdateFramebuffer")
	}
	fn(s.fb)
	return nil
}

// MarkRectAsModified queues the area for every viewer. Call it after the
// write it describes has completed.
func (s *Server) MarkRectAsModified(x, y, width, height int) {
	r := region{x, y, x + width, y + height}.intersect(s.bounds())
	if r.empty() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.viewers {
		v.markDirty(r)
	}
}

// Bell rings the bell on every viewer.
func (s *Server) Bell() {
	s.broadcast([]byte{msgBell})
}

// SendCutText sends Latin-1 clipboard text to every viewer.
func (s *Server) SendCutText(text string) error {
	latin1 := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 255 {
			return validationError("SendCutText", fmt.Sprintf("character %q is not Latin-1", r), nil)
		}
		latin1 = append(latin1, byte(r))
	}
	if len(latin1) > MaxClipboardLength {
		return validationError("SendCutText", "text too long", nil)
	}

	buf := make([]byte, 8+len(latin1))
	buf[0] = msgServerCutText
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(latin1))) // #nosec G115 - bounded above
	copy(buf[8:], latin1)
	s.broadcast(buf)
	return nil
}

func (s *Server) broadcast(msg []byte) {
	s.mu.Lock()
	viewers := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.mu.Unlock()

	for _, v := range viewers {
		if err := v.write(msg); err != nil {
			v.logger.Debug("Broadcast to viewer failed", Field{Key: "error", Value: err})
		}
	}
}

// Shutdown stops accepting viewers and detaches the framebuffer, after
// which the caller may reuse or free it. Connected viewers stay open
// unless disconnect is set; their input is no longer delivered.
func (s *Server) Shutdown(disconnect bool) {
	s.mu.Lock()
	first := !s.stopped
	s.stopped = true
	ln := s.ln
	viewers := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.mu.Unlock()

	if first {
		s.cancel()
		if ln != nil {
			_ = ln.Close()
		}

		s.fbMu.Lock()
		s.fb = nil
		s.fbMu.Unlock()

		s.logger.Info("VNC server shut down",
			Field{Key: "viewers", Value: len(viewers)},
			Field{Key: "disconnect", Value: disconnect})
	}

	if disconnect {
		for _, v := range viewers {
			_ = v.conn.Close()
		}
	}
}

// Close shuts down, disconnects every viewer and waits for all server
// goroutines.
func (s *Server) Close() error {
	s.Shutdown(true)
	s.wg.Wait()
	return nil
}

func (s *Server) bounds() region {
	return region{0, 0, s.width, s.height}
}

func (s *Server) addViewer(v *viewer, exclusive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if exclusive {
		for other := range s.viewers {
			other.logger.Info("Disconnecting viewer for exclusive session")
			_ = other.conn.Close()
		}
	}
	s.viewers[v] = struct{}{}
	return true
}

func (s *Server) removeViewer(v *viewer) {
	s.mu.Lock()
	delete(s.viewers, v)
	s.mu.Unlock()
}

// ServeConn runs one viewer session on conn until it fails or is closed.
func (s *Server) ServeConn(conn net.Conn) error {
	defer conn.Close()

	v := &viewer{
		s:      s,
		conn:   conn,
		br:     bufio.NewReader(conn),
		logger: s.logger.With(Field{Key: "viewer", Value: conn.RemoteAddr().String()}),
		pf:     PixelFormatStandard,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	exclusive, err := v.handshake()
	if err != nil {
		v.logger.Warn("Viewer handshake failed", Field{Key: "error", Value: err})
		return err
	}

	if !s.addViewer(v, exclusive) {
		return closedError("ServeConn")
	}
	defer s.removeViewer(v)

	v.logger.Info("Viewer connected", Field{Key: "protocol_minor", Value: v.minor})

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		v.writeLoop()
	}()
	defer writer.Wait()
	defer close(v.done)

	err = v.readLoop()
	v.logger.Info("Viewer disconnected")
	return err
}

// region is a half-open rectangle [x0,x1) x [y0,y1).
type region struct {
	x0, y0, x1, y1 int
}

func (r region) empty() bool {
	return r.x0 >= r.x1 || r.y0 >= r.y1
}

func (r region) union(o region) region {
	switch {
	case r.empty():
		return o
	case o.empty():
		return r
	}
	return region{min(r.x0, o.x0), min(r.y0, o.y0), max(r.x1, o.x1), max(r.y1, o.y1)}
}

func (r region) intersect(o region) region {
	out := region{max(r.x0, o.x0), max(r.y0, o.y0), min(r.x1, o.x1), min(r.y1, o.y1)}
	if out.empty() {
		return region{}
	}
	return out
}

func (r region) contains(o region) bool {
	return o.x0 >= r.x0 && o.y0 >= r.y0 && o.x1 <= r.x1 && o.y1 <= r.y1
}

// viewer is one connected RFB client.
type viewer struct {
	s      *Server
	conn   net.Conn
	br     *bufio.Reader
	logger Logger
	minor  uint

	wmu sync.Mutex

	mu        sync.Mutex
	pf        PixelFormat
	encodings []int32
	dirty     region
	request   region
	pending   bool

	wake chan struct{}
	done chan struct{}
}

func (v *viewer) handshake() (exclusive bool, err error) {
	s := v.s

	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = v.conn.SetDeadline(time.Now())
	})
	defer func() {
		if stop() {
			_ = v.conn.SetDeadline(time.Time{})
		} else if err == nil {
			err = timeoutError("handshake", "viewer handshake timed out", ctx.Err())
		}
	}()

	if err := v.writeRaw([]byte("RFB 003.008\n")); err != nil {
		return false, networkError("handshake", "failed to send protocol version", err)
	}

	var pv [pvLen]byte
	if _, err := io.ReadFull(v.br, pv[:]); err != nil {
		return false, networkError("handshake", "failed to read viewer protocol version", err)
	}
	major, minor, err := parseProtocolVersion(pv[:])
	if err != nil {
		return false, err
	}
	if major != 3 || minor < 3 {
		return false, unsupportedError("handshake", fmt.Sprintf("unsupported viewer version %d.%d", major, minor), nil)
	}
	switch {
	case minor >= 8:
		v.minor = 8
	case minor == 7:
		v.minor = 7
	default:
		v.minor = 3
	}

	auth, err := v.negotiateSecurity()
	if err != nil {
		return false, err
	}

	rw := struct {
		io.Reader
		io.Writer
	}{v.br, v.conn}
	needResult := v.minor >= 8 || auth.SecurityType() != SecurityTypeNone

	if err := auth.Authenticate(ctx, rw); err != nil {
		if needResult {
			v.securityFailure("authentication failed")
		}
		return false, authenticationError("handshake", "viewer authentication failed", err)
	}
	if needResult {
		if err := v.writeRaw([]byte{0, 0, 0, 0}); err != nil {
			return false, networkError("handshake", "failed to send security result", err)
		}
	}

	var shared [1]byte
	if _, err := io.ReadFull(v.br, shared[:]); err != nil {
		return false, networkError("handshake", "failed to read client init", err)
	}

	pfBytes, err := writePixelFormat(&PixelFormatStandard)
	if err != nil {
		return false, err
	}
	name := []byte(s.config.Name)
	init := make([]byte, 0, 24+len(name))
	init = binary.BigEndian.AppendUint16(init, uint16(s.width))  // #nosec G115 - validated in NewServer
	init = binary.BigEndian.AppendUint16(init, uint16(s.height)) // #nosec G115 - validated in NewServer
	init = append(init, pfBytes...)
	init = binary.BigEndian.AppendUint32(init, uint32(len(name))) // #nosec G115 - desktop names are short
	init = append(init, name...)
	if err := v.writeRaw(init); err != nil {
		return false, networkError("handshake", "failed to send server init", err)
	}

	return shared[0] == 0, nil
}

func (v *viewer) negotiateSecurity() (ServerAuth, error) {
	auths := v.s.config.Auth

	if v.minor == 3 {
		// 3.3 viewers get the server's first choice.
		auth := auths[0]
		if err := v.writeRaw(binary.BigEndian.AppendUint32(nil, uint32(auth.SecurityType()))); err != nil {
			return nil, networkError("handshake", "failed to send security type", err)
		}
		return auth, nil
	}

	offer := make([]byte, 0, 1+len(auths))
	offer = append(offer, byte(len(auths)))
	for _, a := range auths {
		offer = append(offer, a.SecurityType())
	}
	if err := v.writeRaw(offer); err != nil {
		return nil, networkError("handshake", "failed to send security types", err)
	}

	var chosen [1]byte
	if _, err := io.ReadFull(v.br, chosen[:]); err != nil {
		return nil, networkError("handshake", "failed to read selected security type", err)
	}
	for _, a := range auths {
		if a.SecurityType() == chosen[0] {
			return a, nil
		}
	}

	if v.minor >= 8 {
		v.securityFailure("security type not offered")
	}
	return nil, authenticationError("handshake", fmt.Sprintf("viewer selected unoffered security type %d", chosen[0]), nil)
}

func (v *viewer) securityFailure(reason string) {
	msg := binary.BigEndian.AppendUint32(nil, 1)
	if v.minor >= 8 {
		msg = binary.BigEndian.AppendUint32(msg, uint32(len(reason))) // #nosec G115 - fixed strings
		msg = append(msg, reason...)
	}
	_ = v.writeRaw(msg)
}

func (v *viewer) writeRaw(data []byte) error {
	_, err := v.conn.Write(data)
	return err
}

// write sends one complete server message.
func (v *viewer) write(data []byte) error {
	v.wmu.Lock()
	defer v.wmu.Unlock()

	if t := v.s.config.WriteTimeout; t > 0 {
		_ = v.conn.SetWriteDeadline(time.Now().Add(t))
		defer func() { _ = v.conn.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := v.conn.Write(data); err != nil {
		return networkError("viewer.write", "failed to write to viewer", err)
	}
	return nil
}

func (v *viewer) notify() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *viewer) markDirty(r region) {
	v.mu.Lock()
	v.dirty = v.dirty.union(r)
	v.mu.Unlock()
	v.notify()
}

func (v *viewer) readLoop() error {
	for {
		msg, err := readClientMessage(v.br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		switch m := msg.(type) {
		case *SetPixelFormatMessage:
			if err := v.setPixelFormat(m.PixelFormat); err != nil {
				return err
			}
		case *SetEncodingsMessage:
			v.mu.Lock()
			v.encodings = m.Encodings
			v.mu.Unlock()
		case *FramebufferUpdateRequestMessage:
			v.requestUpdate(m)
		case *KeyEventMessage:
			if h := v.s.config.KeyHandler; h != nil && !v.s.isStopped() {
				h(m.Keysym, m.Down)
			}
		case *PointerEventMessage:
			if h := v.s.config.PointerHandler; h != nil && !v.s.isStopped() {
				h(m.Mask, m.X, m.Y)
			}
		case *ClientCutTextMessage:
			if h := v.s.config.CutTextHandler; h != nil && !v.s.isStopped() {
				h(m.Text)
			}
		}
	}
}

// setPixelFormat switches the viewer's wire format. Indexed 8-bit formats
// are served through a BGR233 color map.
func (v *viewer) setPixelFormat(pf PixelFormat) error {
	if !pf.TrueColor {
		if pf.BPP != 8 {
			return unsupportedError("setPixelFormat", fmt.Sprintf("indexed format with %d bpp", pf.BPP), nil)
		}
		if err := v.write(bgr233ColorMap()); err != nil {
			return err
		}
		pf = *PixelFormat8BitBGR233
	}

	v.mu.Lock()
	v.pf = pf
	v.mu.Unlock()

	v.logger.Debug("Viewer pixel format changed",
		Field{Key: "bpp", Value: pf.BPP},
		Field{Key: "depth", Value: pf.Depth})
	return nil
}

// bgr233ColorMap builds a SetColorMapEntries message whose entry i is the
// color of BGR233 pixel value i.
func bgr233ColorMap() []byte {
	msg := make([]byte, 6, 6+ColorMapSize*6)
	msg[0] = msgSetColorMapEntries
	binary.BigEndian.PutUint16(msg[4:6], ColorMapSize)
	for i := 0; i < ColorMapSize; i++ {
		r := uint16((i & 7) * 65535 / 7)        // #nosec G115 - <= 65535
		g := uint16(((i >> 3) & 7) * 65535 / 7) // #nosec G115 - <= 65535
		b := uint16(((i >> 6) & 3) * 65535 / 3) // #nosec G115 - <= 65535
		msg = binary.BigEndian.AppendUint16(msg, r)
		msg = binary.BigEndian.AppendUint16(msg, g)
		msg = binary.BigEndian.AppendUint16(msg, b)
	}
	return msg
}

func (v *viewer) requestUpdate(m *FramebufferUpdateRequestMessage) {
	r := region{int(m.X), int(m.Y), int(m.X) + int(m.Width), int(m.Y) + int(m.Height)}.intersect(v.s.bounds())

	v.mu.Lock()
	v.request = r
	v.pending = true
	if !m.Incremental {
		v.dirty = v.dirty.union(r)
	}
	v.mu.Unlock()
	v.notify()
}

func (v *viewer) writeLoop() {
	for {
		select {
		case <-v.done:
			return
		case <-v.wake:
		}

		if err := v.flush(); err != nil {
			v.logger.Debug("Viewer update failed", Field{Key: "error", Value: err})
			_ = v.conn.Close()
			return
		}
	}
}

// flush answers the outstanding update request with one Raw rectangle
// covering the dirty area, if there is anything to send.
func (v *viewer) flush() error {
	v.mu.Lock()
	if !v.pending {
		v.mu.Unlock()
		return nil
	}
	r := v.dirty.intersect(v.request)
	if r.empty() {
		v.mu.Unlock()
		return nil
	}
	if v.request.contains(v.dirty) {
		v.dirty = region{}
	}
	v.pending = false
	codec := newPixelCodec(v.pf, nil)
	v.mu.Unlock()

	w, h := r.x1-r.x0, r.y1-r.y0
	msg := make([]byte, 16, 16+w*h*codec.bpp)
	msg[0] = msgFramebufferUpdate
	binary.BigEndian.PutUint16(msg[2:4], 1)
	binary.BigEndian.PutUint16(msg[4:6], uint16(r.x0)) // #nosec G115 - within framebuffer
	binary.BigEndian.PutUint16(msg[6:8], uint16(r.y0)) // #nosec G115 - within framebuffer
	binary.BigEndian.PutUint16(msg[8:10], uint16(w))   // #nosec G115 - within framebuffer
	binary.BigEndian.PutUint16(msg[10:12], uint16(h))  // #nosec G115 - within framebuffer
	binary.BigEndian.PutUint32(msg[12:16], uint32(EncodingRaw))

	v.s.fbMu.RLock()
	if v.s.fb == nil {
		v.s.fbMu.RUnlock()
		return nil
	}
	msg = codec.encodeRect(msg, v.s.fb, v.s.width*4, r.x0, r.y0, w, h)
	v.s.fbMu.RUnlock()

	return v.write(msg)
}
