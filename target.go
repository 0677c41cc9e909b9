// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Port bases for display numbers.
const (
	DefaultServerPortBase = 5900
	DefaultListenPortBase = 5500
)

// Target is a parsed connection target.
type Target struct {
	Host string
	Port int

	// Listen means wait for a reverse connection from the server on Port
	// instead of dialing it.
	Listen bool
}

// Address returns the host:port form of the target.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	if t.Listen {
		return "listen:" + strconv.Itoa(t.Port)
	}
	return t.Address()
}

// ParseTarget parses a viewer-style target:
//
//	host            display 0, port 5900
//	host:display    port 5900+display
//	host::port      literal port
//	[v6addr]:display bracketed IPv6 host
//	listen[:display] reverse connection on port 5500+display
func ParseTarget(spec string) (Target, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Target{}, validationError("ParseTarget", "empty target", nil)
	}

	if rest, ok := strings.CutPrefix(spec, "listen"); ok && (rest == "" || rest[0] == ':') {
		display := 0
		if rest != "" {
			n, err := parsePortNumber(rest[1:])
			if err != nil {
				return Target{}, validationError("ParseTarget", fmt.Sprintf("invalid listen display %q", rest[1:]), err)
			}
			display = n
		}
		port := DefaultListenPortBase + display
		if port > 65535 {
			return Target{}, validationError("ParseTarget", fmt.Sprintf("listen display %d out of range", display), nil)
		}
		return Target{Port: port, Listen: true}, nil
	}

	if host, port, ok := strings.Cut(spec, "::"); ok && !strings.HasPrefix(spec, "[") {
		n, err := parsePortNumber(port)
		if err != nil || n == 0 || n > 65535 {
			return Target{}, validationError("ParseTarget", fmt.Sprintf("invalid port %q", port), err)
		}
		if host == "" {
			host = "localhost"
		}
		return Target{Host: host, Port: n}, nil
	}

	host, display := spec, 0
	if i := strings.LastIndexByte(spec, ':'); i >= 0 && !strings.HasSuffix(spec, "]") {
		n, err := parsePortNumber(spec[i+1:])
		if err != nil {
			return Target{}, validationError("ParseTarget", fmt.Sprintf("invalid display %q", spec[i+1:]), err)
		}
		host, display = spec[:i], n
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		host = "localhost"
	}

	port := DefaultServerPortBase + display
	if port > 65535 {
		return Target{}, validationError("ParseTarget", fmt.Sprintf("display %d out of range", display), nil)
	}
	return Target{Host: host, Port: port}, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}
