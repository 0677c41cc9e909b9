// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// recordingHandler is a FramebufferHandler that remembers what it was told.
type recordingHandler struct {
	mu      sync.Mutex
	resizes [][2]int
	updates [][4]int
	fail    error
}

func (h *recordingHandler) ResizeFramebuffer(width, height int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return nil, h.fail
	}
	h.resizes = append(h.resizes, [2]int{width, height})
	return make([]byte, width*height*4), nil
}

func (h *recordingHandler) FramebufferUpdated(x, y, width, height int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, [4]int{x, y, width, height})
}

func dialMock(t *testing.T, m *MockVNCServer, opts ...ClientOption) (*ClientConn, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialClient(ctx, m.Addr(), opts...)
	if err == nil {
		t.Cleanup(func() { client.Close() })
	}
	return client, err
}

// drainSetup consumes the SetPixelFormat, SetEncodings and initial update
// request every client sends after the handshake.
func drainSetup(t *testing.T, m *MockVNCServer) {
	t.Helper()
	for i := 0; i < 3; i++ {
		m.expectMessage(t)
	}
}

func TestClient_Handshake(t *testing.T) {
	m := StartMockServer(t, nil)

	client, err := dialMock(t, m)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	if w, h := client.GetFrameBufferSize(); w != 64 || h != 48 {
		t.Errorf("framebuffer size = %dx%d, want 64x48", w, h)
	}
	if got := client.GetDesktopName(); got != "Mock VNC Server" {
		t.Errorf("desktop name = %q", got)
	}

	spf, ok := m.expectMessage(t).(*SetPixelFormatMessage)
	if !ok {
		t.Fatal("first message should be SetPixelFormat")
	}
	if spf.PixelFormat != PixelFormatStandard {
		t.Errorf("requested pixel format = %+v", spf.PixelFormat)
	}

	se, ok := m.expectMessage(t).(*SetEncodingsMessage)
	if !ok {
		t.Fatal("second message should be SetEncodings")
	}
	want := []int32{EncodingCopyRect, EncodingHextile, EncodingRRE, EncodingRaw}
	if fmt.Sprint(se.Encodings) != fmt.Sprint(want) {
		t.Errorf("encodings = %v, want %v", se.Encodings, want)
	}
	if se.Supports(EncodingDesktopSize) {
		t.Error("DesktopSize must not be advertised by default")
	}

	req, ok := m.expectMessage(t).(*FramebufferUpdateRequestMessage)
	if !ok {
		t.Fatal("third message should be FramebufferUpdateRequest")
	}
	if req.Incremental || req.Width != 64 || req.Height != 48 {
		t.Errorf("initial request = %+v", req)
	}
}

func TestClient_LowMajorVersion(t *testing.T) {
	m := StartMockServer(t, func(m *MockVNCServer) { m.Version = "002.009" })

	_, err := dialMock(t, m)
	if !IsVNCError(err, ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestClient_LegacyVersion(t *testing.T) {
	m := StartMockServer(t, func(m *MockVNCServer) { m.Version = "003.003" })

	client, err := dialMock(t, m)
	if err != nil {
		t.Fatalf("3.3 handshake failed: %v", err)
	}
	if client.protocolMinor != 3 {
		t.Errorf("protocol minor = %d, want 3", client.protocolMinor)
	}
}

func TestClient_PasswordAuth(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"correct password", "secret", false},
		{"wrong password", "guess", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := StartMockServer(t, func(m *MockVNCServer) {
				m.AuthMethods = []uint8{SecurityTypeVNCAuth}
				m.Password = "secret"
			})

			_, err := dialMock(t, m, WithAuth(NewPasswordAuth(tt.password)))
			if tt.wantErr {
				if !IsVNCError(err, ErrAuthentication) {
					t.Fatalf("expected authentication error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_PasswordFromResolverChain(t *testing.T) {
	t.Setenv("VNC_BRIDGE_TEST_PASSWORD", "fromenv")
	m := StartMockServer(t, func(m *MockVNCServer) {
		m.AuthMethods = []uint8{SecurityTypeVNCAuth}
		m.Password = "fromenv"
	})

	auth := &PasswordAuth{Resolver: ChainResolver{
		StaticPassword(""),
		EnvPassword{Var: "VNC_BRIDGE_TEST_PASSWORD"},
	}}
	if _, err := dialMock(t, m, WithAuth(auth)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
}

func TestClient_NoCommonSecurityType(t *testing.T) {
	m := StartMockServer(t, func(m *MockVNCServer) {
		m.AuthMethods = []uint8{SecurityTypeVNCAuth}
	})

	_, err := dialMock(t, m, WithAuth(new(ClientAuthNone)))
	if !IsVNCError(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	server, conn := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The server never speaks, so only the context can end the handshake.
	_, err := ClientWithOptions(ctx, conn)
	if !IsVNCError(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestClient_FramebufferHandlerAllocatesAtServerInit(t *testing.T) {
	m := StartMockServer(t, nil)
	h := &recordingHandler{}

	client, err := dialMock(t, m, WithFramebufferHandler(h))
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	if len(h.resizes) != 1 || h.resizes[0] != [2]int{64, 48} {
		t.Errorf("resizes = %v, want [[64 48]]", h.resizes)
	}
	if fb, w, hgt := client.Framebuffer(); len(fb) != w*hgt*4 {
		t.Errorf("framebuffer length %d for %dx%d", len(fb), w, hgt)
	}
}

func TestClient_FramebufferHandlerFailure(t *testing.T) {
	m := StartMockServer(t, nil)
	h := &recordingHandler{fail: fmt.Errorf("out of memory")}

	_, err := dialMock(t, m, WithFramebufferHandler(h))
	if !IsVNCError(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestClient_RawUpdate(t *testing.T) {
	m := StartMockServer(t, nil)
	update := appendRect(updateHeader(1), 2, 3, 4, 2, EncodingRaw)
	update = append(update, solidPixels(8, 200, 100, 50)...)
	m.QueueUpdate(update)

	h := &recordingHandler{}
	client, err := dialMock(t, m, WithFramebufferHandler(h))
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	drainSetup(t, m)

	ready, err := client.WaitForMessage(2 * time.Second)
	if err != nil || !ready {
		t.Fatalf("WaitForMessage = %v, %v", ready, err)
	}
	msg, err := client.HandleServerMessage()
	if err != nil {
		t.Fatalf("HandleServerMessage: %v", err)
	}
	fbu, ok := msg.(*FramebufferUpdateMessage)
	if !ok || len(fbu.Rectangles) != 1 {
		t.Fatalf("unexpected message %#v", msg)
	}

	fb, width, _ := client.Framebuffer()
	off := (3*width + 2) * 4
	if got := fb[off : off+4]; got[0] != 200 || got[1] != 100 || got[2] != 50 {
		t.Errorf("pixel at (2,3) = %v", got)
	}
	if fb[0] != 0 {
		t.Error("pixels outside the rectangle must stay untouched")
	}
	if len(h.updates) != 1 || h.updates[0] != [4]int{2, 3, 4, 2} {
		t.Errorf("updates = %v", h.updates)
	}

	req, ok := m.expectMessage(t).(*FramebufferUpdateRequestMessage)
	if !ok || !req.Incremental || req.Width != 64 || req.Height != 48 {
		t.Errorf("follow-up request = %#v, want incremental full screen", req)
	}
}

func TestClient_WaitForMessageTimeout(t *testing.T) {
	m := StartMockServer(t, nil)
	client, err := dialMock(t, m)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	start := time.Now()
	ready, err := client.WaitForMessage(50 * time.Millisecond)
	if err != nil || ready {
		t.Fatalf("WaitForMessage = %v, %v; want false, nil", ready, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("WaitForMessage returned before the timeout")
	}

	// The connection must still be usable after a timeout.
	if err := client.KeyEvent(KeyReturn, true); err != nil {
		t.Fatalf("KeyEvent after timeout: %v", err)
	}
}

func TestClient_DesktopSize(t *testing.T) {
	m := StartMockServer(t, nil)
	m.QueueUpdate(appendRect(updateHeader(1), 0, 0, 32, 16, EncodingDesktopSize))

	h := &recordingHandler{}
	client, err := dialMock(t, m,
		WithFramebufferHandler(h),
		WithEncodings(&RawEncoding{}, &DesktopSizePseudoEncoding{}))
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	if _, err := client.HandleServerMessage(); err != nil {
		t.Fatalf("HandleServerMessage: %v", err)
	}

	if w, hgt := client.GetFrameBufferSize(); w != 32 || hgt != 16 {
		t.Errorf("size after resize = %dx%d", w, hgt)
	}
	want := [][2]int{{64, 48}, {32, 16}}
	if fmt.Sprint(h.resizes) != fmt.Sprint(want) {
		t.Errorf("resizes = %v, want %v", h.resizes, want)
	}
	if len(h.updates) != 0 {
		t.Errorf("pseudo rectangles must not be reported as updates: %v", h.updates)
	}
}

func TestClient_UnadvertisedEncodingRejected(t *testing.T) {
	m := StartMockServer(t, nil)
	m.QueueUpdate(appendRect(updateHeader(1), 0, 0, 32, 16, EncodingDesktopSize))

	client, err := dialMock(t, m)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	_, err = client.HandleServerMessage()
	if !IsVNCError(err, ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestClient_InputEvents(t *testing.T) {
	m := StartMockServer(t, nil)
	client, err := dialMock(t, m)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	drainSetup(t, m)

	if err := client.PointerEvent(ButtonLeft, 10, 20); err != nil {
		t.Fatalf("PointerEvent: %v", err)
	}
	if err := client.KeyEvent(KeyReturn, true); err != nil {
		t.Fatalf("KeyEvent: %v", err)
	}
	if err := client.CutText("héllo"); err != nil {
		t.Fatalf("CutText: %v", err)
	}

	pe, ok := m.expectMessage(t).(*PointerEventMessage)
	if !ok || pe.Mask != ButtonLeft || pe.X != 10 || pe.Y != 20 {
		t.Errorf("pointer event = %#v", pe)
	}
	ke, ok := m.expectMessage(t).(*KeyEventMessage)
	if !ok || !ke.Down || ke.Keysym != KeyReturn {
		t.Errorf("key event = %#v", ke)
	}
	ct, ok := m.expectMessage(t).(*ClientCutTextMessage)
	if !ok || ct.Text != "héllo" {
		t.Errorf("cut text = %#v", ct)
	}
}

func TestClient_InputValidation(t *testing.T) {
	m := StartMockServer(t, nil)
	client, err := dialMock(t, m)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	if err := client.PointerEvent(0, 64, 0); !IsVNCError(err, ErrValidation) {
		t.Errorf("pointer outside framebuffer: got %v", err)
	}
	if err := client.CutText("日本"); !IsVNCError(err, ErrValidation) {
		t.Errorf("non Latin-1 text: got %v", err)
	}
}

func TestClient_Close(t *testing.T) {
	m := StartMockServer(t, nil)
	client, err := dialMock(t, m)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := client.KeyEvent(KeyReturn, true); !IsVNCError(err, ErrClosed) {
		t.Errorf("KeyEvent after Close: got %v", err)
	}
	if _, err := client.WaitForMessage(time.Millisecond); !IsVNCError(err, ErrClosed) {
		t.Errorf("WaitForMessage after Close: got %v", err)
	}
}

func TestClient_ServerMessageChannel(t *testing.T) {
	m := StartMockServer(t, nil)
	m.QueueUpdate([]byte{msgBell})

	ch := make(chan ServerMessage, 4)
	if _, err := dialMock(t, m, WithServerMessageChannel(ch)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	select {
	case msg := <-ch:
		if _, ok := msg.(*BellMessage); !ok {
			t.Errorf("got %T, want *BellMessage", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered on channel")
	}
}

func TestClient_ParseProtocolVersion(t *testing.T) {
	tests := []struct {
		input        string
		major, minor uint
		wantErr      bool
	}{
		{"RFB 003.008\n", 3, 8, false},
		{"RFB 003.003\n", 3, 3, false},
		{"RFB 003.889\n", 3, 889, false},
		{"RFB 3.8\n", 0, 0, true},
		{"XYZ 003.008\n", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			major, minor, err := parseProtocolVersion([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if major != tt.major || minor != tt.minor {
				t.Errorf("got %d.%d, want %d.%d", major, minor, tt.major, tt.minor)
			}
		})
	}
}

func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// connectBack dials address until it answers, then serves the connection
// as a viewer of s.
func connectBack(t *testing.T, s *Server, address string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := net.Dial("tcp", address)
		if err == nil {
			go func() { _ = s.ServeConn(conn) }()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reverse connection to %s failed: %v", address, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_ListenReverseConnection(t *testing.T) {
	s, _ := startTestServer(t, 16, 16)
	address := fmt.Sprintf("127.0.0.1:%d", freeLoopbackPort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		client *ClientConn
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := ListenClient(ctx, address)
		done <- result{c, err}
	}()

	connectBack(t, s, address)

	res := <-done
	if res.err != nil {
		t.Fatalf("ListenClient: %v", res.err)
	}
	defer res.client.Close()

	if w, h := res.client.GetFrameBufferSize(); w != 16 || h != 16 {
		t.Errorf("geometry = %dx%d, want 16x16", w, h)
	}
	pumpUpdate(t, res.client)
}

func TestClient_ListenTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ListenClient(ctx, fmt.Sprintf("127.0.0.1:%d", freeLoopbackPort(t)))
	if !IsVNCError(err, ErrTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
}
