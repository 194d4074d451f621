// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package socket is the narrow, non-blocking-first capability the raw
// framing engine (package raw) is built on: send/receive a byte chunk with
// optional ancillary file descriptors, on something that may not be ready
// right now.
//
// Real sockets (package-private unixSocket, see unix.go) are backed
// by *net.UnixConn, whose Read/Write family already parks the calling
// goroutine in the Go runtime's network poller rather than spinning or
// blocking an OS thread -- this is the idiomatic Go realization of
// SPEC_FULL.md §1's "WouldBlock must become Pending with the task
// registered for readiness". ErrWouldBlock therefore only ever surfaces
// from test fakes that simulate a lossy or partially-ready transport; it
// is kept as part of the interface contract (rather than dropped) because
// package raw's resumability guarantees (SPEC_FULL.md §8 invariant 1-2)
// must hold against exactly that kind of transport.
package socket

import (
	"context"
	"errors"
	"io"
)

// ErrWouldBlock means the attempted send or receive made no progress and
// the caller should wait for readiness and retry. It plays the role
// SPEC_FULL.md assigns to Poll::Pending.
var ErrWouldBlock = errors.New("socket: would block")

// Socket is the abstraction raw.Connection is built on (SPEC_FULL.md §4.A).
type Socket interface {
	// SendMsg attempts to send at least one byte of data, plus fds (only
	// meaningful on the first chunk of a message; callers pass nil fds for
	// continuation writes). It returns the number of data bytes sent.
	SendMsg(ctx context.Context, data []byte, fds []int) (int, error)

	// RecvMsg reads up to len(buf) bytes. Returned fds are owned by the
	// caller.
	RecvMsg(ctx context.Context, buf []byte) (n int, fds []int, err error)

	// Close shuts down the socket. Idempotent.
	Close() error

	// CapUnixFD reports whether this socket can carry ancillary file
	// descriptors.
	CapUnixFD() bool
}

// ErrClosed is io.ErrClosedPipe. The sockets in this package do not return
// it themselves: after Close, a NewConn socket over net.Pipe fails with
// io.ErrClosedPipe from the pipe, and a NewUnix socket fails with an error
// matching net.ErrClosed, not ErrClosed.
var ErrClosed = io.ErrClosedPipe
