// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auth performs the SASL handshake that produces an authenticated
// socket: the minimal exchange needed before the connection core
// (package dbuslink) can start framing messages.
//
// SPEC_FULL.md §1 and §6 treat SASL as an external collaborator, documented
// only by its handoff shape (.Conn, .ServerGUID, .CapUnixFD, and
// server-side .PeerUID). This package is that collaborator: it implements
// the single mechanism real D-Bus peers on the same host actually use,
// EXTERNAL (RFC-less, D-Bus-specific: authenticate as the Unix UID the
// kernel already knows the peer to be), plus the UNIX_FD capability
// negotiation. The full SASL mechanism zoo (DBUS_COOKIE_SHA1, ANONYMOUS,
// ...) and non-EXTERNAL fallback are out of scope.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrHandshake wraps any failure during the SASL exchange.
var ErrHandshake = errors.New("auth: handshake failed")

// Authenticated is the result handed off to the connection core.
type Authenticated struct {
	Conn       *net.UnixConn
	ServerGUID string
	CapUnixFD  bool

	// PeerUID is only meaningful on the server side.
	PeerUID uint32
}

func handshakeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandshake, fmt.Sprintf(format, args...))
}

// Client performs the client side of the handshake over conn and returns
// the authenticated result.
func Client(ctx context.Context, conn *net.UnixConn) (*Authenticated, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	uid := os.Getuid()
	if _, err := conn.Write([]byte{0}); err != nil {
		return nil, handshakeErr("write initial NUL: %v", err)
	}

	authLine := fmt.Sprintf("AUTH EXTERNAL %s\r\n", hex.EncodeToString([]byte(fmt.Sprintf("%d", uid))))
	if _, err := conn.Write([]byte(authLine)); err != nil {
		return nil, handshakeErr("write AUTH EXTERNAL: %v", err)
	}

	line, err := readLine(conn)
	if err != nil {
		return nil, handshakeErr("read AUTH reply: %v", err)
	}
	guid, ok := parseOK(line)
	if !ok {
		return nil, handshakeErr("unexpected AUTH reply %q", line)
	}

	capUnixFD := false
	if _, err := conn.Write([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
		return nil, handshakeErr("write NEGOTIATE_UNIX_FD: %v", err)
	}
	line, err = readLine(conn)
	if err != nil {
		return nil, handshakeErr("read NEGOTIATE_UNIX_FD reply: %v", err)
	}
	if strings.HasPrefix(line, "AGREE_UNIX_FD") {
		capUnixFD = true
	}

	if _, err := conn.Write([]byte("BEGIN\r\n")); err != nil {
		return nil, handshakeErr("write BEGIN: %v", err)
	}

	return &Authenticated{Conn: conn, ServerGUID: guid, CapUnixFD: capUnixFD}, nil
}

// Server performs the server side of the handshake over conn, advertising
// guid, and returns the authenticated result including the peer's UID
// (retrieved via SO_PEERCRED, not trusted from the wire).
func Server(ctx context.Context, conn *net.UnixConn, guid string) (*Authenticated, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	peerUID, err := peerCred(conn)
	if err != nil {
		return nil, handshakeErr("get peer credentials: %v", err)
	}

	nul := make([]byte, 1)
	if _, err := conn.Read(nul); err != nil {
		return nil, handshakeErr("read initial NUL: %v", err)
	}

	line, err := readLine(conn)
	if err != nil {
		return nil, handshakeErr("read AUTH request: %v", err)
	}
	if !strings.HasPrefix(line, "AUTH EXTERNAL ") {
		return nil, handshakeErr("unsupported mechanism in %q", line)
	}

	if _, err := conn.Write([]byte(fmt.Sprintf("OK %s\r\n", guid))); err != nil {
		return nil, handshakeErr("write OK: %v", err)
	}

	capUnixFD := false
	for {
		line, err = readLine(conn)
		if err != nil {
			return nil, handshakeErr("read post-AUTH command: %v", err)
		}
		switch {
		case line == "NEGOTIATE_UNIX_FD":
			capUnixFD = true
			if _, err := conn.Write([]byte("AGREE_UNIX_FD\r\n")); err != nil {
				return nil, handshakeErr("write AGREE_UNIX_FD: %v", err)
			}
		case line == "BEGIN":
			return &Authenticated{Conn: conn, ServerGUID: guid, CapUnixFD: capUnixFD, PeerUID: peerUID}, nil
		default:
			return nil, handshakeErr("unexpected command %q", line)
		}
	}
}

// readLine reads a \n-terminated line one byte at a time, never reading
// past it. The handshake connection is handed off to the connection core
// afterwards (via a dup'd fd), so a buffered reader here would silently
// swallow the start of the first framed message.
func readLine(conn *net.UnixConn) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n == 0 && err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			return strings.TrimRight(string(line), "\r"), nil
		}
		line = append(line, buf[0])
	}
}

func parseOK(line string) (guid string, ok bool) {
	if !strings.HasPrefix(line, "OK ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "OK ")), true
}

func peerCred(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return ucred.Uid, nil
}
