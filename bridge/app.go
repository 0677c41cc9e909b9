// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	vnc "github.com/tenthirtyam/go-vnc-bridge"
	"github.com/tenthirtyam/go-vnc-bridge/media"
)

// ResponseOK is stored in the session's application response variable
// once a bridge has drained.
const ResponseOK = "OK"

// App exposes the two bridge commands to the media application layer.
type App struct {
	Config *Config
	Logger vnc.Logger

	// ServerFactory overrides the endpoint built from Config.
	ServerFactory func(address string, options ...vnc.ServerOption) ServerFactory

	// Options are appended to every controller's options.
	Options []Option
}

// NewApp returns an App using cfg, or DefaultConfig when cfg is nil. Unset
// fields of cfg take their defaults.
func NewApp(cfg *Config, logger vnc.Logger, options ...Option) *App {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = &vnc.NoOpLogger{}
	}
	return &App{Config: cfg, Logger: logger, ServerFactory: NewServerFactory, Options: options}
}

// ParseDisplay parses the optional display argument of RunServer.
func ParseDisplay(arg string) (int, error) {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), ":")
	if arg == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid display %q", arg)
	}
	return n, nil
}

func (a *App) controllerOptions() []Option {
	opts := []Option{WithLogger(a.Logger)}
	return append(opts, a.Options...)
}

// RunServer serves the session's video to RFB viewers on display
// displayArg (default 0). It blocks while hold media plays and returns
// once the bridge has drained.
func (a *App) RunServer(ctx context.Context, session media.Session, displayArg string) error {
	display, err := ParseDisplay(displayArg)
	if err != nil {
		return newError(StartupError, "vnc_server", err)
	}
	addr, err := a.Config.ServerAddress(display)
	if err != nil {
		return newError(StartupError, "vnc_server", err)
	}

	if err := session.Answer(); err != nil {
		return newError(StartupError, "answer", err)
	}
	session.RequestVideoRefresh()

	factory := a.ServerFactory(addr,
		vnc.WithDesktopName(a.Config.Server.DesktopName),
		vnc.WithServerAuth(a.Config.ServerAuth()...),
		vnc.WithServerLogger(a.Logger),
	)

	opts := append(a.controllerOptions(),
		WithRefreshInterval(a.Config.Server.RefreshInterval),
		WithEchoVideo(*a.Config.Server.EchoVideo),
	)
	ctrl := NewServerController(session, factory, opts...)
	return a.run(ctx, session, ctrl)
}

// RunClient connects to targetArg (host[:display], host::port or
// listen[:display]) and sends the remote desktop as the session's video.
func (a *App) RunClient(ctx context.Context, session media.Session, targetArg string) error {
	if strings.TrimSpace(targetArg) == "" {
		return newError(StartupError, "vnc_client", fmt.Errorf("target is required"))
	}
	target, err := vnc.ParseTarget(targetArg)
	if err != nil {
		return newError(StartupError, "vnc_client", err)
	}

	encs, err := ParseEncodings(a.Config.Client.Encodings, a.Config.Client.AllowResize)
	if err != nil {
		return newError(StartupError, "vnc_client", err)
	}
	translator, err := a.Config.Translator()
	if err != nil {
		return newError(StartupError, "vnc_client", err)
	}

	if err := session.Answer(); err != nil {
		return newError(StartupError, "answer", err)
	}
	session.RequestVideoRefresh()

	clientOpts := []vnc.ClientOption{
		vnc.WithEncodings(encs...),
		vnc.WithExclusive(a.Config.Client.Exclusive),
	}
	if s := a.Config.Client.ConnectTimeoutS; s > 0 {
		clientOpts = append(clientOpts, vnc.WithConnectTimeout(time.Duration(s)*time.Second))
	}

	opts := append(a.controllerOptions(),
		WithPasswordResolver(a.Config.PasswordResolver()),
		WithClientOptions(clientOpts...),
		WithTranslator(translator),
		WithPumpTimeout(a.Config.PumpTimeout()),
	)
	ctrl := NewClientController(session, target, opts...)
	return a.run(ctx, session, ctrl)
}

func (a *App) run(ctx context.Context, session media.Session, ctrl *Controller) error {
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	// Hold media ends with the session or with the bridge, whichever
	// goes first.
	holdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctrl.Done():
			cancel()
		case <-holdCtx.Done():
		}
	}()

	hold := session.HoldMusic()
	if hold == "" {
		hold = media.DefaultHoldMusic
	}
	if err := session.PlayHoldMedia(holdCtx, hold); err != nil && holdCtx.Err() == nil {
		a.Logger.Warn("Hold media failed", vnc.Field{Key: "error", Value: err})
	}
	session.SetVariable(media.VarPlaybackTerminatorUsed, "")

	err := ctrl.Wait()
	session.SetVariable(media.VarCurrentApplicationResponse, ResponseOK)
	return err
}
