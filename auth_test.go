// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
)

func TestSecurity_ClearBytes(t *testing.T) {
	data := []byte("sensitive")
	clearBytes(data)
	if !bytes.Equal(data, make([]byte, len(data))) {
		t.Errorf("data not cleared: %v", data)
	}
	clearBytes(nil)
}

func TestSecurity_DESKeyBitReversal(t *testing.T) {
	key := vncDESKey("ab")
	want := []byte{0x86, 0x46, 0, 0, 0, 0, 0, 0} // 'a'=0x61, 'b'=0x62 reversed
	if !bytes.Equal(key, want) {
		t.Errorf("key = % x, want % x", key, want)
	}
}

func TestSecurity_ChallengeResponse(t *testing.T) {
	challenge, err := newChallenge()
	if err != nil {
		t.Fatal(err)
	}

	response, err := encryptVNCChallenge("secret", challenge)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(response, challenge) {
		t.Fatal("response equals challenge")
	}

	tests := []struct {
		password string
		want     bool
	}{
		{"secret", true},
		{"Secret", false},
		{"", false},
	}
	for _, tt := range tests {
		ok, err := verifyVNCResponse(tt.password, challenge, response)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tt.want {
			t.Errorf("verify(%q) = %v, want %v", tt.password, ok, tt.want)
		}
	}
}

func TestSecurity_PasswordTruncation(t *testing.T) {
	challenge := bytes.Repeat([]byte{0x5a}, VNCChallengeSize)

	short, err := encryptVNCChallenge("password", challenge)
	if err != nil {
		t.Fatal(err)
	}
	long, err := encryptVNCChallenge("password-with-suffix", challenge)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(short, long) {
		t.Error("only the first eight password bytes may be used")
	}
}

func TestSecurity_InvalidChallengeLength(t *testing.T) {
	if _, err := encryptVNCChallenge("pw", make([]byte, 8)); !IsVNCError(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAuth_Resolvers(t *testing.T) {
	ctx := context.Background()
	t.Setenv("VNC_BRIDGE_AUTH_TEST", "env-secret")
	boom := errors.New("vault unavailable")

	tests := []struct {
		name     string
		resolver PasswordResolver
		want     string
		wantErr  error
	}{
		{"static", StaticPassword("pw"), "pw", nil},
		{"empty static", StaticPassword(""), "", ErrNoPassword},
		{"env", EnvPassword{Var: "VNC_BRIDGE_AUTH_TEST"}, "env-secret", nil},
		{"unset env", EnvPassword{Var: "VNC_BRIDGE_AUTH_UNSET"}, "", ErrNoPassword},
		{"chain skips missing", ChainResolver{StaticPassword(""), nil, StaticPassword("second")}, "second", nil},
		{"chain stops on failure", ChainResolver{failingResolver{boom}, StaticPassword("never")}, "", boom},
		{"empty chain", ChainResolver{}, "", ErrNoPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resolver.ResolvePassword(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("password = %q, want %q", got, tt.want)
			}
		})
	}
}

type failingResolver struct{ err error }

func (f failingResolver) ResolvePassword(context.Context) (string, error) { return "", f.err }

func TestAuth_PasswordAgainstServerAuth(t *testing.T) {
	tests := []struct {
		name    string
		client  string
		wantErr bool
	}{
		{"matching", "hunter2", false},
		{"mismatch", "hunter3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverSide, clientSide := net.Pipe()
			defer serverSide.Close()
			defer clientSide.Close()

			result := make(chan error, 1)
			go func() {
				result <- ServerPasswordAuth{Password: "hunter2"}.Authenticate(context.Background(), serverSide)
			}()

			if err := NewPasswordAuth(tt.client).Handshake(context.Background(), clientSide); err != nil {
				t.Fatalf("client handshake: %v", err)
			}

			err := <-result
			if tt.wantErr != (err != nil) {
				t.Fatalf("server result = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !IsVNCError(err, ErrAuthentication) {
				t.Errorf("expected authentication error, got %v", err)
			}
		})
	}
}

func TestAuth_PasswordResolverFailure(t *testing.T) {
	auth := &PasswordAuth{Resolver: StaticPassword("")}
	err := auth.Handshake(context.Background(), &bytes.Buffer{})
	if !IsVNCError(err, ErrAuthentication) || !errors.Is(err, ErrNoPassword) {
		t.Errorf("expected authentication error wrapping ErrNoPassword, got %v", err)
	}

	if err := (&PasswordAuth{}).Handshake(context.Background(), &bytes.Buffer{}); !IsVNCError(err, ErrConfiguration) {
		t.Errorf("expected configuration error without resolver, got %v", err)
	}
}

func TestAuth_SecurityTypes(t *testing.T) {
	if new(ClientAuthNone).SecurityType() != SecurityTypeNone {
		t.Error("ClientAuthNone type")
	}
	if NewPasswordAuth("x").SecurityType() != SecurityTypeVNCAuth {
		t.Error("PasswordAuth type")
	}
	if (ServerAuthNone{}).SecurityType() != SecurityTypeNone {
		t.Error("ServerAuthNone type")
	}
	if (ServerPasswordAuth{}).SecurityType() != SecurityTypeVNCAuth {
		t.Error("ServerPasswordAuth type")
	}
}
