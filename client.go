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

// ButtonMask is the pointer button state in a PointerEvent.
type ButtonMask uint8

// Button mask bits.
const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonMiddle
	ButtonRight
	Button4
	Button5
	Button6
	Button7
	Button8
)

// Protocol constants.
const (
	ColorMapSize             = 256
	MaxClipboardLength       = 1024 * 1024
	MaxServerClipboardLength = 10 * 1024 * 1024
)

// Client-to-server message types.
const (
	msgSetPixelFormat           uint8 = 0
	msgSetEncodings             uint8 = 2
	msgFramebufferUpdateRequest uint8 = 3
	msgKeyEvent                 uint8 = 4
	msgPointerEvent             uint8 = 5
	msgClientCutText            uint8 = 6
)

// FramebufferHandler owns the memory the client decodes into.
//
// ResizeFramebuffer is called once the geometry is known (after ServerInit)
// and again for every DesktopSize change. It must return a buffer of at
// least width*height*4 bytes laid out as PixelFormatStandard; the client
// stops using the previous buffer as soon as it returns. FramebufferUpdated
// reports each decoded pixel rectangle.
type FramebufferHandler interface {
	ResizeFramebuffer(width, height int) ([]byte, error)
	FramebufferUpdated(x, y, width, height int)
}

// ClientConn is an RFB client session. Event senders are safe for
// concurrent use; message handling must happen on a single goroutine.
type ClientConn struct {
	c      net.Conn
	br     *bufio.Reader
	config *ClientConfig
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	wmu     sync.Mutex
	mu      sync.RWMutex
	closed  atomic.Bool
	typeMap map[uint8]ServerMessage

	fb     []byte
	cursor *Cursor

	// ColorMap holds color map entries for indexed pixel formats.
	ColorMap [ColorMapSize]Color

	// Encs are the encodings advertised with SetEncodings.
	Encs []Encoding

	FrameBufferWidth  uint16
	FrameBufferHeight uint16
	DesktopName       string

	// PixelFormat is the format of pixel data sent by the server.
	PixelFormat PixelFormat

	protocolMinor uint
}

// ClientConfig configures a client connection.
type ClientConfig struct {
	// Auth lists the security types the client accepts, in preference order.
	Auth []ClientAuth

	// Exclusive requests that other viewers be disconnected (shared flag 0).
	Exclusive bool

	// ServerMessageCh, when set, makes the client run its own message loop
	// and deliver every parsed message on the channel. Without it the
	// caller pumps with WaitForMessage and HandleServerMessage.
	ServerMessageCh chan<- ServerMessage

	// ServerMessages registers extra server message types.
	ServerMessages []ServerMessage

	Logger Logger

	// Handler receives framebuffer geometry and update notifications.
	Handler FramebufferHandler

	// PixelFormat requested after the handshake. Defaults to PixelFormatStandard.
	PixelFormat *PixelFormat

	// Encodings advertised after the handshake. Defaults to CopyRect,
	// Hextile, RRE and Raw.
	Encodings []Encoding

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// ClientOption configures a ClientConfig.
type ClientOption func(*ClientConfig)

// WithAuth sets the accepted security types, tried in the order given.
func WithAuth(auth ...ClientAuth) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Auth = auth
	}
}

// WithExclusive requests exclusive access to the server.
func WithExclusive(exclusive bool) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Exclusive = exclusive
	}
}

// WithLogger sets the logger for the client connection.
func WithLogger(logger Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// WithServerMessageChannel switches the client to its own read loop.
func WithServerMessageChannel(ch chan<- ServerMessage) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ServerMessageCh = ch
	}
}

// WithServerMessages registers additional server message types.
func WithServerMessages(messages ...ServerMessage) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ServerMessages = messages
	}
}

// WithFramebufferHandler injects the framebuffer owner.
func WithFramebufferHandler(h FramebufferHandler) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Handler = h
	}
}

// WithPixelFormat overrides the pixel format requested from the server.
func WithPixelFormat(pf *PixelFormat) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.PixelFormat = pf
	}
}

// WithEncodings overrides the advertised encodings.
func WithEncodings(encs ...Encoding) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Encodings = encs
	}
}

// WithConnectTimeout bounds the whole handshake.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithReadTimeout bounds reading one server message once it has started.
func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ReadTimeout = timeout
	}
}

// WithWriteTimeout bounds each client message write.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.WriteTimeout = timeout
	}
}

// WithTimeout sets both read and write timeouts.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ReadTimeout = timeout
		cfg.WriteTimeout = timeout
	}
}

// DefaultEncodings returns the encodings advertised when none are configured.
func DefaultEncodings() []Encoding {
	return []Encoding{
		&CopyRectEncoding{},
		&HextileEncoding{},
		&RREEncoding{},
		&RawEncoding{},
	}
}

// ClientWithOptions runs the handshake on c and prepares the session.
func ClientWithOptions(ctx context.Context, c net.Conn, options ...ClientOption) (*ClientConn, error) {
	cfg := &ClientConfig{}
	for _, option := range options {
		option(cfg)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	return ClientWithContext(ctx, c, cfg)
}

// ClientWithContext performs the handshake, sizes the framebuffer through
// the configured handler, sends SetPixelFormat, SetEncodings and a full
// FramebufferUpdateRequest. ctx only bounds the setup phase.
func ClientWithContext(ctx context.Context, c net.Conn, cfg *ClientConfig) (*ClientConn, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	var logger Logger = &NoOpLogger{}
	if cfg.Logger != nil {
		logger = cfg.Logger
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &ClientConn{
		c:      c,
		br:     bufio.NewReaderSize(c, 64*1024),
		config: cfg,
		logger: logger,
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := conn.setup(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if cfg.ServerMessageCh != nil {
		go conn.mainLoop()
	}

	return conn, nil
}

func (c *ClientConn) setup(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.c.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.handshake(); err != nil {
		if ctx.Err() != nil {
			return timeoutError("handshake", "handshake cancelled", errors.Join(ctx.Err(), err))
		}
		return err
	}
	if !stop() {
		return timeoutError("handshake", "handshake cancelled", ctx.Err())
	}
	_ = c.c.SetDeadline(time.Time{})

	c.buildTypeMap()

	width, height := c.GetFrameBufferSize()
	if err := c.resizeFramebuffer(width, height); err != nil {
		return err
	}

	pf := c.config.PixelFormat
	if pf == nil {
		pf = &PixelFormatStandard
	}
	if err := c.SetPixelFormat(pf); err != nil {
		return err
	}

	encs := c.config.Encodings
	if encs == nil {
		encs = DefaultEncodings()
	}
	if err := c.SetEncodings(encs); err != nil {
		return err
	}

	return c.FramebufferUpdateRequest(false, 0, 0, width, height)
}

// Close terminates the connection. Safe to call more than once.
func (c *ClientConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.logger.Debug("Closing VNC client connection")
	if err := c.c.Close(); err != nil {
		return networkError("Close", "failed to close connection", err)
	}
	return nil
}

// Framebuffer returns the current decode target and its geometry.
func (c *ClientConn) Framebuffer() ([]byte, int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fb, int(c.FrameBufferWidth), int(c.FrameBufferHeight)
}

// Cursor returns the last cursor shape sent with the Cursor
// pseudo-encoding, or nil.
func (c *ClientConn) Cursor() *Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

func (c *ClientConn) setCursor(cur *Cursor) {
	c.mu.Lock()
	c.cursor = cur
	c.mu.Unlock()
}

func (c *ClientConn) resizeFramebuffer(width, height uint16) error {
	need := int(width) * int(height) * 4

	var fb []byte
	if h := c.config.Handler; h != nil {
		var err error
		fb, err = h.ResizeFramebuffer(int(width), int(height))
		if err != nil {
			return NewVNCError("resizeFramebuffer", ErrConfiguration, "framebuffer handler rejected resize", err)
		}
		if len(fb) < need {
			return configurationError("resizeFramebuffer",
				fmt.Sprintf("framebuffer handler returned %d bytes, need %d", len(fb), need), nil)
		}
	} else {
		fb = make([]byte, need)
	}

	c.mu.Lock()
	c.fb = fb
	c.FrameBufferWidth = width
	c.FrameBufferHeight = height
	c.mu.Unlock()
	return nil
}

func (c *ClientConn) framebufferUpdated(x, y, w, h int) {
	if c.config.Handler != nil {
		c.config.Handler.FramebufferUpdated(x, y, w, h)
	}
}

// send writes one complete client message.
func (c *ClientConn) send(op string, data []byte) error {
	if c.closed.Load() {
		return closedError(op)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.c.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		defer func() { _ = c.c.SetWriteDeadline(time.Time{}) }()
	}

	if _, err := c.c.Write(data); err != nil {
		c.logger.Error("Failed to send client message", Field{Key: "op", Value: op}, Field{Key: "error", Value: err})
		return networkError(op, "failed to send message", err)
	}
	return nil
}

// CutText sends clipboard text. Only Latin-1 characters are allowed.
func (c *ClientConn) CutText(text string) error {
	if len(text) > MaxClipboardLength {
		return validationError("CutText", fmt.Sprintf("text too long: %d bytes (max %d)", len(text), MaxClipboardLength), nil)
	}

	latin1 := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 255 {
			return validationError("CutText", fmt.Sprintf("character %q is not Latin-1", r), nil)
		}
		latin1 = append(latin1, byte(r))
	}

	buf := make([]byte, 8+len(latin1))
	buf[0] = msgClientCutText
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(latin1))) // #nosec G115 - bounded by MaxClipboardLength
	copy(buf[8:], latin1)
	return c.send("CutText", buf)
}

// FramebufferUpdateRequest asks for the given area. Incremental requests
// are answered only when something changed.
func (c *ClientConn) FramebufferUpdateRequest(incremental bool, x, y, width, height uint16) error {
	var buf [10]byte
	buf[0] = msgFramebufferUpdateRequest
	if incremental {
		buf[1] = 1
	}
	binary.BigEndian.PutUint16(buf[2:4], x)
	binary.BigEndian.PutUint16(buf[4:6], y)
	binary.BigEndian.PutUint16(buf[6:8], width)
	binary.BigEndian.PutUint16(buf[8:10], height)
	return c.send("FramebufferUpdateRequest", buf[:])
}

// KeyEvent sends a key press (down) or release for an X11 keysym.
func (c *ClientConn) KeyEvent(keysym uint32, down bool) error {
	if err := newInputValidator().ValidateKeySymbol(keysym); err != nil {
		return validationError("KeyEvent", "invalid keysym value", err)
	}

	c.logger.Debug("Sending key event", Field{Key: "keysym", Value: fmt.Sprintf("0x%x", keysym)}, Field{Key: "down", Value: down})

	var buf [8]byte
	buf[0] = msgKeyEvent
	if down {
		buf[1] = 1
	}
	binary.BigEndian.PutUint32(buf[4:8], keysym)
	return c.send("KeyEvent", buf[:])
}

// PointerEvent sends the pointer position and the full button state.
func (c *ClientConn) PointerEvent(mask ButtonMask, x, y uint16) error {
	width, height := c.GetFrameBufferSize()
	if err := newInputValidator().ValidatePointerPosition(x, y, width, height); err != nil {
		return validationError("PointerEvent", "invalid pointer coordinates", err)
	}

	c.logger.Debug("Sending pointer event", Field{Key: "mask", Value: mask}, Field{Key: "x", Value: x}, Field{Key: "y", Value: y})

	var buf [6]byte
	buf[0] = msgPointerEvent
	buf[1] = byte(mask)
	binary.BigEndian.PutUint16(buf[2:4], x)
	binary.BigEndian.PutUint16(buf[4:6], y)
	return c.send("PointerEvent", buf[:])
}

// SetEncodings advertises encs in preference order. Raw is always
// accepted whether listed or not.
func (c *ClientConn) SetEncodings(encs []Encoding) error {
	if len(encs) > maxEncodings {
		return validationError("SetEncodings", fmt.Sprintf("too many encodings: %d (max %d)", len(encs), maxEncodings), nil)
	}

	buf := make([]byte, 4+4*len(encs))
	buf[0] = msgSetEncodings
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(encs))) // #nosec G115 - bounded by maxEncodings
	validator := newInputValidator()
	for i, enc := range encs {
		if err := validator.ValidateEncodingType(enc.Type()); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[4+4*i:], uint32(enc.Type())) // #nosec G115 - two's complement on the wire
	}

	if err := c.send("SetEncodings", buf); err != nil {
		return err
	}

	c.Encs = encs
	return nil
}

// SetPixelFormat changes the format of subsequent pixel data. The color
// map is reset.
func (c *ClientConn) SetPixelFormat(format *PixelFormat) error {
	if err := newInputValidator().ValidatePixelFormat(format); err != nil {
		return validationError("SetPixelFormat", "invalid pixel format", err)
	}

	pfBytes, err := writePixelFormat(format)
	if err != nil {
		return err
	}

	var buf [20]byte
	buf[0] = msgSetPixelFormat
	copy(buf[4:], pfBytes)
	if err := c.send("SetPixelFormat", buf[:]); err != nil {
		return err
	}

	c.mu.Lock()
	c.PixelFormat = *format
	c.ColorMap = [ColorMapSize]Color{}
	c.mu.Unlock()
	return nil
}

// WaitForMessage blocks until a server message is available or timeout
// elapses. It reports false with a nil error on timeout.
func (c *ClientConn) WaitForMessage(timeout time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, closedError("WaitForMessage")
	}
	if c.br.Buffered() > 0 {
		return true, nil
	}

	if timeout > 0 {
		_ = c.c.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.c.SetReadDeadline(time.Time{}) }()
	}

	if _, err := c.br.Peek(1); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		return false, networkError("WaitForMessage", "connection failed", err)
	}
	return true, nil
}

// HandleServerMessage reads and processes exactly one server message.
// After a FramebufferUpdate it requests the next incremental update.
func (c *ClientConn) HandleServerMessage() (ServerMessage, error) {
	if c.closed.Load() {
		return nil, closedError("HandleServerMessage")
	}

	if c.config.ReadTimeout > 0 {
		_ = c.c.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		defer func() { _ = c.c.SetReadDeadline(time.Time{}) }()
	}

	messageType, err := c.br.ReadByte()
	if err != nil {
		return nil, networkError("HandleServerMessage", "failed to read message type", err)
	}

	msg, ok := c.typeMap[messageType]
	if !ok {
		return nil, protocolError("HandleServerMessage", fmt.Sprintf("unsupported message type: %d", messageType), nil)
	}

	parsed, err := msg.Read(c, c.br)
	if err != nil {
		return nil, err
	}

	if _, isUpdate := parsed.(*FramebufferUpdateMessage); isUpdate {
		width, height := c.GetFrameBufferSize()
		if err := c.FramebufferUpdateRequest(true, 0, 0, width, height); err != nil {
			return parsed, err
		}
	}

	return parsed, nil
}

func (c *ClientConn) buildTypeMap() {
	c.typeMap = make(map[uint8]ServerMessage)
	for _, msg := range []ServerMessage{
		new(FramebufferUpdateMessage),
		new(SetColorMapEntriesMessage),
		new(BellMessage),
		new(ServerCutTextMessage),
	} {
		c.typeMap[msg.Type()] = msg
	}
	for _, msg := range c.config.ServerMessages {
		c.typeMap[msg.Type()] = msg
	}
}

// mainLoop pumps messages onto ServerMessageCh until the connection fails
// or is closed.
func (c *ClientConn) mainLoop() {
	defer func() { _ = c.Close() }()

	c.logger.Info("Starting message processing loop")
	for {
		parsed, err := c.HandleServerMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Error("Message processing loop stopped", Field{Key: "error", Value: err})
			}
			return
		}

		select {
		case c.config.ServerMessageCh <- parsed:
		case <-c.ctx.Done():
			return
		}
	}
}

const pvLen = 12

// parseProtocolVersion parses "RFB xxx.yyy\n".
func parseProtocolVersion(pv []byte) (uint, uint, error) {
	var major, minor uint

	if len(pv) < pvLen {
		return 0, 0, protocolError("parseProtocolVersion",
			fmt.Sprintf("protocol version message too short (%v < %v)", len(pv), pvLen), nil)
	}

	l, err := fmt.Sscanf(string(pv), "RFB %d.%d\n", &major, &minor)
	if l != 2 || err != nil {
		return 0, 0, protocolError("parseProtocolVersion", "invalid protocol version format", err)
	}

	return major, minor, nil
}

func (c *ClientConn) readFull(buf []byte) error {
	_, err := io.ReadFull(c.br, buf)
	return err
}

func (c *ClientConn) readUint32() (uint32, error) {
	var b [4]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// handshake runs ProtocolVersion, security, ClientInit and ServerInit.
func (c *ClientConn) handshake() error {
	c.logger.Info("Starting VNC handshake")
	validator := newInputValidator()

	var protocolVersion [pvLen]byte
	if err := c.readFull(protocolVersion[:]); err != nil {
		return networkError("handshake", "failed to read protocol version from server", err)
	}
	if err := validator.ValidateProtocolVersion(string(protocolVersion[:])); err != nil {
		return protocolError("handshake", "server sent invalid protocol version", err)
	}

	major, minor, err := parseProtocolVersion(protocolVersion[:])
	if err != nil {
		return err
	}
	if major < 3 || (major == 3 && minor < 3) {
		return unsupportedError("handshake", fmt.Sprintf("unsupported protocol version %d.%d", major, minor), nil)
	}

	// Speak 3.8 unless the server is older; 3.4-3.6 are treated as 3.3.
	switch {
	case major > 3 || minor >= 8:
		c.protocolMinor = 8
	case minor == 7:
		c.protocolMinor = 7
	default:
		c.protocolMinor = 3
	}

	if err := c.writeRaw([]byte(fmt.Sprintf("RFB 003.%03d\n", c.protocolMinor))); err != nil {
		return networkError("handshake", "failed to send protocol version", err)
	}

	c.logger.Debug("Negotiated protocol version", Field{Key: "minor", Value: c.protocolMinor})

	selected, err := c.negotiateSecurity()
	if err != nil {
		return err
	}

	var auth ClientAuth
	for _, a := range c.clientAuths() {
		if a.SecurityType() == selected {
			auth = a
			break
		}
	}
	if withLogger, ok := auth.(interface{ SetLogger(Logger) }); ok {
		withLogger.SetLogger(c.logger)
	}

	rw := struct {
		io.Reader
		io.Writer
	}{c.br, c.c}
	if err := auth.Handshake(c.ctx, rw); err != nil {
		return authenticationError("handshake", "authentication handshake failed", err)
	}

	if c.protocolMinor >= 8 || selected != SecurityTypeNone {
		result, err := c.readUint32()
		if err != nil {
			return networkError("handshake", "failed to read security result", err)
		}
		if result != 0 {
			reason := "authentication failed"
			if c.protocolMinor >= 8 {
				reason = c.readErrorReason()
			}
			return authenticationError("handshake", fmt.Sprintf("security handshake failed: %s", reason), nil)
		}
	}

	c.logger.Info("Authentication successful", Field{Key: "method", Value: auth.String()})

	sharedFlag := byte(1)
	if c.config.Exclusive {
		sharedFlag = 0
	}
	if err := c.writeRaw([]byte{sharedFlag}); err != nil {
		return networkError("handshake", "failed to send client init", err)
	}

	return c.readServerInit()
}

func (c *ClientConn) clientAuths() []ClientAuth {
	if len(c.config.Auth) == 0 {
		return []ClientAuth{new(ClientAuthNone)}
	}
	return c.config.Auth
}

// negotiateSecurity returns the security type both sides agreed on.
func (c *ClientConn) negotiateSecurity() (uint8, error) {
	if c.protocolMinor == 3 {
		t, err := c.readUint32()
		if err != nil {
			return 0, networkError("handshake", "failed to read security type", err)
		}
		if t == 0 {
			return 0, authenticationError("handshake", fmt.Sprintf("connection refused: %s", c.readErrorReason()), nil)
		}
		for _, a := range c.clientAuths() {
			if uint32(a.SecurityType()) == t {
				return a.SecurityType(), nil
			}
		}
		return 0, authenticationError("handshake", fmt.Sprintf("server requires unsupported security type %d", t), nil)
	}

	var count [1]byte
	if err := c.readFull(count[:]); err != nil {
		return 0, networkError("handshake", "failed to read number of security types", err)
	}
	if count[0] == 0 {
		return 0, authenticationError("handshake", fmt.Sprintf("no security types available: %s", c.readErrorReason()), nil)
	}

	serverTypes := make([]uint8, count[0])
	if err := c.readFull(serverTypes); err != nil {
		return 0, networkError("handshake", "failed to read security types", err)
	}
	if err := newInputValidator().ValidateSecurityTypes(serverTypes); err != nil {
		return 0, protocolError("handshake", "server sent invalid security types", err)
	}

	c.logger.Debug("Received security types from server", Field{Key: "types", Value: serverTypes})

	for _, a := range c.clientAuths() {
		for _, t := range serverTypes {
			if a.SecurityType() == t {
				if err := c.writeRaw([]byte{t}); err != nil {
					return 0, networkError("handshake", "failed to send selected security type", err)
				}
				return t, nil
			}
		}
	}

	return 0, authenticationError("handshake", fmt.Sprintf("no suitable auth schemes found, server supports %v", serverTypes), nil)
}

func (c *ClientConn) readServerInit() error {
	validator := newInputValidator()

	var hdr [4]byte
	if err := c.readFull(hdr[:]); err != nil {
		return networkError("handshake", "failed to read framebuffer size", err)
	}
	width := binary.BigEndian.Uint16(hdr[0:2])
	height := binary.BigEndian.Uint16(hdr[2:4])
	if err := validator.ValidateFramebufferDimensions(width, height); err != nil {
		return protocolError("handshake", "server sent invalid framebuffer dimensions", err)
	}

	var pf PixelFormat
	if err := readPixelFormat(c.br, &pf); err != nil {
		return protocolError("handshake", "failed to read pixel format", err)
	}
	if err := validator.ValidatePixelFormat(&pf); err != nil {
		return protocolError("handshake", "server sent invalid pixel format", err)
	}

	nameLength, err := c.readUint32()
	if err != nil {
		return networkError("handshake", "failed to read desktop name length", err)
	}
	if err := validator.ValidateMessageLength(nameLength, maxDesktopNameLength); err != nil {
		return protocolError("handshake", "server sent invalid desktop name length", err)
	}
	nameBytes := make([]byte, nameLength)
	if err := c.readFull(nameBytes); err != nil {
		return networkError("handshake", "failed to read desktop name", err)
	}

	name := string(nameBytes)
	if err := validator.ValidateTextData(name, maxDesktopNameLength); err != nil {
		name = validator.SanitizeText(name)
	}

	c.mu.Lock()
	c.FrameBufferWidth = width
	c.FrameBufferHeight = height
	c.PixelFormat = pf
	c.DesktopName = name
	c.mu.Unlock()

	c.logger.Info("VNC handshake completed",
		Field{Key: "desktop_name", Value: name},
		Field{Key: "framebuffer_width", Value: width},
		Field{Key: "framebuffer_height", Value: height},
		Field{Key: "pixel_format_bpp", Value: pf.BPP})
	return nil
}

func (c *ClientConn) writeRaw(data []byte) error {
	_, err := c.c.Write(data)
	return err
}

// readErrorReason reads a length-prefixed failure reason.
func (c *ClientConn) readErrorReason() string {
	reasonLen, err := c.readUint32()
	if err != nil {
		return "<failed to read error reason length>"
	}

	validator := newInputValidator()
	if err := validator.ValidateMessageLength(reasonLen, maxErrorReasonLength); err != nil {
		return "<invalid error reason length>"
	}

	reason := make([]byte, reasonLen)
	if err := c.readFull(reason); err != nil {
		return "<failed to read error reason>"
	}
	return validator.SanitizeText(string(reason))
}

// GetFrameBufferSize returns the current framebuffer dimensions.
func (c *ClientConn) GetFrameBufferSize() (width, height uint16) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.FrameBufferWidth, c.FrameBufferHeight
}

// GetDesktopName returns the desktop name from ServerInit.
func (c *ClientConn) GetDesktopName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DesktopName
}

// GetPixelFormat returns the pixel format in effect.
func (c *ClientConn) GetPixelFormat() PixelFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PixelFormat
}

// DialClient connects to address and runs the client handshake.
func DialClient(ctx context.Context, address string, options ...ClientOption) (*ClientConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, networkError("DialClient", fmt.Sprintf("failed to connect to %s", address), err)
	}
	client, err := ClientWithOptions(ctx, conn, options...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// ListenClient waits for one reverse connection from a server on address
// and runs the client handshake on it.
func ListenClient(ctx context.Context, address string, options ...ClientOption) (*ClientConn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, networkError("ListenClient", fmt.Sprintf("failed to listen on %s", address), err)
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutError("ListenClient", "no reverse connection before deadline", ctx.Err())
		}
		return nil, networkError("ListenClient", "failed to accept reverse connection", err)
	}

	client, err := ClientWithOptions(ctx, conn, options...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}
