// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Security type identifiers.
const (
	SecurityTypeInvalid uint8 = 0
	SecurityTypeNone    uint8 = 1
	SecurityTypeVNCAuth uint8 = 2
)

// ClientAuth is a client-side security type implementation.
type ClientAuth interface {
	SecurityType() uint8
	Handshake(ctx context.Context, rw io.ReadWriter) error
	String() string
}

// ClientAuthNone implements the "None" security type.
type ClientAuthNone struct{}

func (*ClientAuthNone) SecurityType() uint8 { return SecurityTypeNone }

// Handshake has nothing to exchange for the None security type.
func (*ClientAuthNone) Handshake(ctx context.Context, _ io.ReadWriter) error {
	if err := ctx.Err(); err != nil {
		return timeoutError("ClientAuthNone.Handshake", "authentication cancelled", err)
	}
	return nil
}

func (*ClientAuthNone) String() string { return "None" }

// PasswordResolver supplies the VNC password when the server asks for it.
type PasswordResolver interface {
	ResolvePassword(ctx context.Context) (string, error)
}

// ErrNoPassword is returned by resolvers that have nothing to offer.
var ErrNoPassword = errors.New("no password available")

// StaticPassword resolves to a fixed secret.
type StaticPassword string

// ResolvePassword returns the secret, or ErrNoPassword when it is empty.
func (p StaticPassword) ResolvePassword(context.Context) (string, error) {
	if p == "" {
		return "", ErrNoPassword
	}
	return string(p), nil
}

// EnvPassword resolves the password from an environment variable.
type EnvPassword struct {
	Var string
}

// ResolvePassword reads the variable, failing when it is unset or empty.
func (e EnvPassword) ResolvePassword(context.Context) (string, error) {
	if e.Var == "" {
		return "", ErrNoPassword
	}
	v, ok := os.LookupEnv(e.Var)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s: %w", e.Var, ErrNoPassword)
	}
	return v, nil
}

// ChainResolver tries each resolver in order and returns the first password.
type ChainResolver []PasswordResolver

// ResolvePassword returns the first successful result. Resolvers failing with
// ErrNoPassword are skipped; any other error stops the chain.
func (c ChainResolver) ResolvePassword(ctx context.Context) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		pw, err := r.ResolvePassword(ctx)
		if err == nil {
			return pw, nil
		}
		if !errors.Is(err, ErrNoPassword) {
			return "", err
		}
	}
	return "", ErrNoPassword
}

// PasswordAuth implements VNC Authentication (security type 2). The
// password is pulled from Resolver only when the server selects this type.
type PasswordAuth struct {
	Resolver PasswordResolver
	logger   Logger
}

// NewPasswordAuth creates a PasswordAuth with a fixed password.
func NewPasswordAuth(password string) *PasswordAuth {
	return &PasswordAuth{Resolver: StaticPassword(password)}
}

func (p *PasswordAuth) SecurityType() uint8 { return SecurityTypeVNCAuth }

func (p *PasswordAuth) String() string { return "VNC Password" }

// SetLogger sets the logger for the authentication method.
func (p *PasswordAuth) SetLogger(logger Logger) {
	p.logger = logger
}

// Handshake reads the server challenge and answers with the DES response.
func (p *PasswordAuth) Handshake(ctx context.Context, rw io.ReadWriter) error {
	if p.Resolver == nil {
		return configurationError("PasswordAuth.Handshake", "no password resolver configured", nil)
	}

	password, err := p.Resolver.ResolvePassword(ctx)
	if err != nil {
		return authenticationError("PasswordAuth.Handshake", "failed to resolve password", err)
	}
	if len(password) > VNCMaxPasswordLength && p.logger != nil {
		p.logger.Warn("Password exceeds VNC maximum length and will be truncated",
			Field{Key: "password_length", Value: len(password)})
	}

	challenge := make([]byte, VNCChallengeSize)
	defer clearBytes(challenge)
	if _, err := io.ReadFull(rw, challenge); err != nil {
		return networkError("PasswordAuth.Handshake", "failed to read authentication challenge", err)
	}

	response, err := encryptVNCChallenge(password, challenge)
	if err != nil {
		return err
	}
	defer clearBytes(response)

	if _, err := rw.Write(response); err != nil {
		return networkError("PasswordAuth.Handshake", "failed to send encrypted password", err)
	}

	if p.logger != nil {
		p.logger.Debug("VNC password authentication response sent")
	}
	return nil
}

// ServerAuth is a server-side security type implementation. Authenticate
// runs after the viewer selected the type and before SecurityResult.
type ServerAuth interface {
	SecurityType() uint8
	Authenticate(ctx context.Context, rw io.ReadWriter) error
}

// ServerAuthNone accepts every viewer.
type ServerAuthNone struct{}

func (ServerAuthNone) SecurityType() uint8 { return SecurityTypeNone }

func (ServerAuthNone) Authenticate(context.Context, io.ReadWriter) error { return nil }

// ServerPasswordAuth challenges viewers with VNC Authentication.
type ServerPasswordAuth struct {
	Password string
}

func (ServerPasswordAuth) SecurityType() uint8 { return SecurityTypeVNCAuth }

// Authenticate sends a fresh challenge and verifies the viewer's response.
func (a ServerPasswordAuth) Authenticate(ctx context.Context, rw io.ReadWriter) error {
	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	if _, err := rw.Write(challenge); err != nil {
		return networkError("ServerPasswordAuth.Authenticate", "failed to send challenge", err)
	}

	response := make([]byte, VNCChallengeSize)
	if _, err := io.ReadFull(rw, response); err != nil {
		return networkError("ServerPasswordAuth.Authenticate", "failed to read challenge response", err)
	}

	if err := ctx.Err(); err != nil {
		return timeoutError("ServerPasswordAuth.Authenticate", "authentication cancelled", err)
	}

	ok, err := verifyVNCResponse(a.Password, challenge, response)
	if err != nil {
		return err
	}
	if !ok {
		return authenticationError("ServerPasswordAuth.Authenticate", "password check failed", nil)
	}
	return nil
}
