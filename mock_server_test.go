// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// MockVNCServer is a scripted RFB server for client tests. It records every
// client message and answers each FramebufferUpdateRequest with the next
// entry of Updates, if any.
type MockVNCServer struct {
	listener net.Listener
	addr     string
	wg       sync.WaitGroup
	stop     chan struct{}

	Version     string
	AuthMethods []uint8
	Password    string
	FrameWidth  uint16
	FrameHeight uint16
	PixelFormat PixelFormat
	DesktopName string

	mu      sync.Mutex
	Updates [][]byte

	// Received gets every parsed client message.
	Received chan ClientMessage
}

// NewMockVNCServer creates a mock speaking RFB 3.8 without authentication.
func NewMockVNCServer() *MockVNCServer {
	return &MockVNCServer{
		Version:     "003.008",
		AuthMethods: []uint8{SecurityTypeNone},
		FrameWidth:  64,
		FrameHeight: 48,
		PixelFormat: PixelFormatStandard,
		DesktopName: "Mock VNC Server",
		stop:        make(chan struct{}),
		Received:    make(chan ClientMessage, 256),
	}
}

// Start listens on a random loopback port.
func (m *MockVNCServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	m.listener = listener
	m.addr = listener.Addr().String()

	m.wg.Add(1)
	go m.serve()
	return nil
}

// Stop closes the listener and waits for the accept loop.
func (m *MockVNCServer) Stop() {
	close(m.stop)
	if m.listener != nil {
		m.listener.Close()
	}
	m.wg.Wait()
}

// Addr returns the server address.
func (m *MockVNCServer) Addr() string {
	return m.addr
}

// QueueUpdate appends raw server message bytes to send on the next request.
func (m *MockVNCServer) QueueUpdate(msg []byte) {
	m.mu.Lock()
	m.Updates = append(m.Updates, msg)
	m.mu.Unlock()
}

func (m *MockVNCServer) nextUpdate() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Updates) == 0 {
		return nil
	}
	msg := m.Updates[0]
	m.Updates = m.Updates[1:]
	return msg
}

func (m *MockVNCServer) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConnection(conn)
		}()
	}
}

func (m *MockVNCServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	go func() {
		<-m.stop
		conn.Close()
	}()

	if _, err := conn.Write([]byte("RFB " + m.Version + "\n")); err != nil {
		return
	}
	buf := make([]byte, pvLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}

	if err := m.handleSecurity(conn); err != nil {
		return
	}

	// ClientInit
	var shared [1]byte
	if _, err := io.ReadFull(conn, shared[:]); err != nil {
		return
	}

	if err := m.handleServerInit(conn); err != nil {
		return
	}

	m.handleMessages(conn)
}

func (m *MockVNCServer) handleSecurity(conn net.Conn) error {
	legacy := m.Version == "003.003"

	var chosen uint8
	if legacy {
		chosen = m.AuthMethods[0]
		if err := binary.Write(conn, binary.BigEndian, uint32(chosen)); err != nil {
			return err
		}
	} else {
		offer := append([]byte{byte(len(m.AuthMethods))}, m.AuthMethods...) // #nosec G115 - test data
		if _, err := conn.Write(offer); err != nil {
			return err
		}
		if len(m.AuthMethods) == 0 {
			reason := "no security types configured"
			_ = binary.Write(conn, binary.BigEndian, uint32(len(reason))) // #nosec G115 - test data
			_, _ = conn.Write([]byte(reason))
			return errors.New(reason)
		}
		var sel [1]byte
		if _, err := io.ReadFull(conn, sel[:]); err != nil {
			return err
		}
		chosen = sel[0]
	}

	ok := true
	switch chosen {
	case SecurityTypeNone:
		if legacy {
			return nil
		}
	case SecurityTypeVNCAuth:
		challenge, err := newChallenge()
		if err != nil {
			return err
		}
		if _, err := conn.Write(challenge); err != nil {
			return err
		}
		response := make([]byte, VNCChallengeSize)
		if _, err := io.ReadFull(conn, response); err != nil {
			return err
		}
		ok, err = verifyVNCResponse(m.Password, challenge, response)
		if err != nil {
			return err
		}
	default:
		ok = false
	}

	if ok {
		return binary.Write(conn, binary.BigEndian, uint32(0))
	}

	if err := binary.Write(conn, binary.BigEndian, uint32(1)); err != nil {
		return err
	}
	if !legacy {
		reason := "password check failed"
		_ = binary.Write(conn, binary.BigEndian, uint32(len(reason))) // #nosec G115 - test data
		_, _ = conn.Write([]byte(reason))
	}
	return errors.New("authentication rejected")
}

func (m *MockVNCServer) handleServerInit(conn net.Conn) error {
	pf, err := writePixelFormat(&m.PixelFormat)
	if err != nil {
		return err
	}

	msg := binary.BigEndian.AppendUint16(nil, m.FrameWidth)
	msg = binary.BigEndian.AppendUint16(msg, m.FrameHeight)
	msg = append(msg, pf...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(m.DesktopName))) // #nosec G115 - test data
	msg = append(msg, m.DesktopName...)
	_, err = conn.Write(msg)
	return err
}

func (m *MockVNCServer) handleMessages(conn net.Conn) {
	for {
		msg, err := readClientMessage(conn)
		if err != nil {
			return
		}

		select {
		case m.Received <- msg:
		default:
		}

		if _, ok := msg.(*FramebufferUpdateRequestMessage); ok {
			if update := m.nextUpdate(); update != nil {
				if _, err := conn.Write(update); err != nil {
					return
				}
			}
		}
	}
}

// StartMockServer starts a mock server that is stopped with the test.
func StartMockServer(t *testing.T, configure func(*MockVNCServer)) *MockVNCServer {
	t.Helper()

	server := NewMockVNCServer()
	if configure != nil {
		configure(server)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start mock server: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

// expectMessage waits for the next client message the mock received.
func (m *MockVNCServer) expectMessage(t *testing.T) ClientMessage {
	t.Helper()
	select {
	case msg := <-m.Received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

// updateHeader starts a FramebufferUpdate with n rectangles.
func updateHeader(n uint16) []byte {
	return binary.BigEndian.AppendUint16([]byte{msgFramebufferUpdate, 0}, n)
}

// appendRect appends a rectangle header.
func appendRect(msg []byte, x, y, w, h uint16, encoding int32) []byte {
	msg = binary.BigEndian.AppendUint16(msg, x)
	msg = binary.BigEndian.AppendUint16(msg, y)
	msg = binary.BigEndian.AppendUint16(msg, w)
	msg = binary.BigEndian.AppendUint16(msg, h)
	return binary.BigEndian.AppendUint32(msg, uint32(encoding)) // #nosec G115 - signed on the wire
}

// solidPixels returns n standard-format pixels of one color.
func solidPixels(n int, r, g, b byte) []byte {
	out := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		out = append(out, r, g, b, 0)
	}
	return out
}
