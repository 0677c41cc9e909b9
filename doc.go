// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package vnc implements both ends of the RFB (Remote Framebuffer) protocol
// described in RFC 6143, for use by the video bridge in the bridge package.
//
// The client side connects to a remote desktop, negotiates a 32-bit packed
// pixel format and decodes Raw, CopyRect, RRE, Hextile, Cursor and
// DesktopSize rectangles into a framebuffer it does not own: memory comes
// from a FramebufferHandler supplied by the caller.
//
// The server side exposes a caller-owned packed framebuffer to any number
// of viewers, sending Raw updates for regions the caller marks dirty.
//
// # Client
//
//	client, err := vnc.DialClient(ctx, "desk.example:5901",
//		vnc.WithAuth(vnc.NewPasswordAuth("secret")),
//		vnc.WithFramebufferHandler(handler),
//	)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	for {
//		ok, err := client.WaitForMessage(time.Second)
//		if err != nil {
//			return err
//		}
//		if ok {
//			if _, err := client.HandleServerMessage(); err != nil {
//				return err
//			}
//		}
//	}
//
// # Server
//
//	srv, err := vnc.NewServer(pix, 640, 480, vnc.WithDesktopName("camera"))
//	if err != nil {
//		return err
//	}
//	if err := srv.Listen(":5900"); err != nil {
//		return err
//	}
//	defer srv.Close()
//
//	srv.UpdateFramebuffer(func(pix []byte) { draw(pix) })
//	srv.MarkRectAsModified(0, 0, 640, 480)
//
// # Error Handling
//
//	if vnc.IsVNCError(err, vnc.ErrAuthentication) {
//		log.Printf("authentication failed: %v", err)
//	}
package vnc
