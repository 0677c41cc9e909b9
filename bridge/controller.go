// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package bridge connects a media session's video to RFB: in server mode
// session pictures are served to viewers, in client mode a remote desktop
// becomes the session's outgoing video and DTMF digits drive its input.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/framebuffer"
	"github.com/tenthirtyam/go-vnc-bridge/media"
)

// Mode selects the bridge direction.
type Mode int

const (
	ModeServer Mode = iota + 1
	ModeClient
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	default:
		return "unknown"
	}
}

// State is the controller lifecycle.
type State int32

const (
	Created State = iota
	Running
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Controller runs one bridge instance for one media session.
type Controller struct {
	id      string
	mode    Mode
	session media.Session
	logger  vnc.Logger
	owner   *framebuffer.Owner
	stats   counters

	// server mode
	server          *ServerAdapter
	refreshInterval int
	echo            bool

	// client mode
	target        vnc.Target
	dial          Dialer
	resolver      vnc.PasswordResolver
	clientOptions []vnc.ClientOption
	client        *ClientAdapter
	translator    *Translator
	pumpTimeout   time.Duration

	state     atomic.Int32
	startOnce sync.Once
	done      chan struct{}
	err       error
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Records carry bridge_id and mode fields.
func WithLogger(logger vnc.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithOwner sets the framebuffer owner, for accounting.
func WithOwner(owner *framebuffer.Owner) Option {
	return func(c *Controller) {
		c.owner = owner
	}
}

// WithRefreshInterval sets how many reads pass between key frame requests.
func WithRefreshInterval(n int) Option {
	return func(c *Controller) {
		c.refreshInterval = n
	}
}

// WithEchoVideo controls whether server mode writes every read frame back
// to the session.
func WithEchoVideo(echo bool) Option {
	return func(c *Controller) {
		c.echo = echo
	}
}

// WithDialer replaces DialTarget.
func WithDialer(dial Dialer) Option {
	return func(c *Controller) {
		c.dial = dial
	}
}

// WithPasswordResolver supplies client mode credentials.
func WithPasswordResolver(resolver vnc.PasswordResolver) Option {
	return func(c *Controller) {
		c.resolver = resolver
	}
}

// WithClientOptions passes options to the RFB client.
func WithClientOptions(options ...vnc.ClientOption) Option {
	return func(c *Controller) {
		c.clientOptions = append(c.clientOptions, options...)
	}
}

// WithTranslator sets the DTMF translator.
func WithTranslator(t *Translator) Option {
	return func(c *Controller) {
		c.translator = t
	}
}

// WithPumpTimeout bounds each client mode pump.
func WithPumpTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.pumpTimeout = d
	}
}

func newController(mode Mode, session media.Session, options []Option) *Controller {
	c := &Controller{
		id:              uuid.NewString(),
		mode:            mode,
		session:         session,
		refreshInterval: DefaultRefreshInterval,
		echo:            true,
		dial:            DialTarget,
		pumpTimeout:     DefaultPumpTimeout,
		done:            make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = &vnc.NoOpLogger{}
	}
	c.logger = c.logger.With(
		vnc.Field{Key: "bridge_id", Value: c.id},
		vnc.Field{Key: "mode", Value: mode.String()},
		vnc.Field{Key: "session", Value: session.ID()},
	)
	if c.owner == nil {
		c.owner = framebuffer.NewOwner()
	}
	if c.translator == nil {
		c.translator = NewTranslator()
	}
	if c.refreshInterval < 1 {
		c.refreshInterval = DefaultRefreshInterval
	}
	return c
}

// NewServerController returns a controller that serves session video
// through endpoints built by factory.
func NewServerController(session media.Session, factory ServerFactory, options ...Option) *Controller {
	c := newController(ModeServer, session, options)
	c.server = NewServerAdapter(factory, c.owner, session, c.logger)
	c.server.stats = &c.stats
	return c
}

// NewClientController returns a controller that pulls the desktop at
// target into the session.
func NewClientController(session media.Session, target vnc.Target, options ...Option) *Controller {
	c := newController(ModeClient, session, options)
	c.target = target
	c.client = NewClientAdapter(c.owner, c.logger)
	c.client.stats = &c.stats
	return c
}

// ID returns the instance identifier used in logs.
func (c *Controller) ID() string { return c.id }

// Mode returns the bridge direction.
func (c *Controller) Mode() Mode { return c.mode }

// State returns the lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Running reports whether the worker loop is active.
func (c *Controller) Running() bool { return c.State() == Running }

// Done is closed once the controller has terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Wait blocks until the controller terminates and returns the error that
// ended it, if any.
func (c *Controller) Wait() error {
	<-c.done
	return c.err
}

// Err returns the terminal error. Only meaningful after Done is closed.
func (c *Controller) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Stats returns the instance counters.
func (c *Controller) Stats() Stats { return c.stats.snapshot() }

// Owner returns the framebuffer owner.
func (c *Controller) Owner() *framebuffer.Owner { return c.owner }

// Start checks the session, connects in client mode, and launches the
// worker. On a startup failure the controller terminates without running.
// Cancelling ctx ends the worker like a session hangup.
func (c *Controller) Start(ctx context.Context) error {
	err := errors.New("controller already started")
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Controller) start(ctx context.Context) error {
	if err := c.checkSession(); err != nil {
		return c.abort(err)
	}

	if c.mode == ModeClient {
		if err := c.client.ConnectClient(ctx, c.dial, c.target, c.resolver, c.clientOptions...); err != nil {
			return c.abort(err)
		}
	}

	c.state.Store(int32(Running))
	c.logger.Info("Bridge running")

	go c.run(ctx)
	return nil
}

func (c *Controller) checkSession() error {
	if !c.session.Ready() {
		return newError(StartupError, "check session", errNotReady)
	}
	if !c.session.HasVideoCodec() {
		return newError(StartupError, "check session", errNoVideoCodec)
	}
	return nil
}

func (c *Controller) abort(err error) error {
	c.logger.Error("Bridge failed to start", vnc.Field{Key: "error", Value: err})
	c.err = err
	c.state.Store(int32(Terminated))
	close(c.done)
	return err
}

func (c *Controller) run(ctx context.Context) {
	var err error
	defer func() { c.drain(err) }()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge worker panic: %v", r)
		}
	}()

	switch c.mode {
	case ModeServer:
		err = c.runServer(ctx)
	case ModeClient:
		err = c.runClient(ctx)
	}
}

// alive reports whether the loop should keep going.
func (c *Controller) alive(ctx context.Context) bool {
	return ctx.Err() == nil && c.session.Ready()
}

func (c *Controller) runServer(ctx context.Context) error {
	var reads int64
	for c.alive(ctx) {
		frame, err := c.session.ReadVideoFrame(ctx)

		if c.session.ConsumeBreak() {
			c.logger.Debug("Break requested")
			return nil
		}

		if err != nil {
			switch {
			case errors.Is(err, media.ErrTimeout):
				continue
			case ctx.Err() != nil, errors.Is(err, media.ErrClosed):
				return nil
			default:
				return newError(ReadError, "read video frame", err)
			}
		}

		reads++
		c.stats.framesRead.Add(1)
		if (reads-1)%int64(c.refreshInterval) == 0 {
			c.session.RequestVideoRefresh()
			c.stats.refreshes.Add(1)
		}

		if frame == nil || len(frame.Data) == 0 {
			continue
		}

		if c.echo {
			if err := c.session.WriteVideoFrame(ctx, frame); err != nil {
				c.logger.Debug("Echo write failed", vnc.Field{Key: "error", Value: err})
			} else {
				c.stats.framesEchoed.Add(1)
			}
		}

		if frame.CNG || len(frame.Data) < 3 || frame.Image == nil {
			continue
		}

		c.logger.Debug("Picture received",
			vnc.Field{Key: "read", Value: reads},
			vnc.Field{Key: "width", Value: frame.Image.Width},
			vnc.Field{Key: "height", Value: frame.Image.Height})

		if err := c.server.HandleFrame(frame.Image); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) runClient(ctx context.Context) error {
	for c.alive(ctx) {
		if c.session.ConsumeBreak() {
			c.logger.Debug("Break requested")
			return nil
		}

		if _, err := c.client.PumpOnce(c.pumpTimeout); err != nil {
			return err
		}

		for {
			d, ok := c.session.DequeueDigit()
			if !ok {
				break
			}
			events := c.translator.Translate(d)
			if err := c.translator.Apply(events, c.client); err != nil {
				return newError(ProtocolError, "send input", err)
			}
			c.stats.digitsTranslated.Add(1)
			c.logger.Debug("Digit translated",
				vnc.Field{Key: "digit", Value: string(d)},
				vnc.Field{Key: "keysym", Value: fmt.Sprintf("0x%x", c.translator.Keysym(d))})
		}

		if err := c.client.WriteFrame(ctx, c.session); err != nil {
			if errors.Is(err, media.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			c.logger.Debug("Video write failed", vnc.Field{Key: "error", Value: err})
		}
	}
	return nil
}

// drain releases the framebuffer, then the endpoint, then the scratch
// image. A server endpoint is detached first so nothing reads the
// framebuffer once it is released.
func (c *Controller) drain(err error) {
	c.state.Store(int32(Draining))

	switch c.mode {
	case ModeServer:
		c.server.Close()
	case ModeClient:
		c.client.Close()
	}

	c.err = err
	if err != nil {
		c.logger.Error("Bridge stopped", vnc.Field{Key: "error", Value: err})
	} else {
		c.logger.Info("Bridge stopped")
	}
	st := c.stats.snapshot()
	c.logger.Debug("Bridge statistics",
		vnc.Field{Key: "frames_read", Value: st.FramesRead},
		vnc.Field{Key: "frames_converted", Value: st.FramesConverted},
		vnc.Field{Key: "frames_written", Value: st.FramesWritten},
		vnc.Field{Key: "refreshes", Value: st.Refreshes})

	c.state.Store(int32(Terminated))
	close(c.done)
}
