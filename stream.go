// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dbuslink

import (
	"context"
	"errors"
	"io"
	"net"

	"code.hybscloud.com/dbuslink/internal/socket"
	"code.hybscloud.com/dbuslink/message"
)

// Stream is a lazy, finite pull adapter over a Connection's inbound
// framer: it acquires the inbound lock for its entire lifetime, so
// concurrent use of Stream and ReceiveSpecific on the same Connection will
// block one against the other (SPEC_FULL.md §4.G / §9, a documented
// hazard inherited unchanged from the design this module implements).
type Stream struct {
	c *Connection
}

// Stream acquires the inbound framer exclusively and returns an adapter
// that yields messages until the peer closes the connection.
func (c *Connection) Stream() *Stream {
	c.rawInMu.Lock()
	return &Stream{c: c}
}

// Next returns the next message, draining the incoming queue before
// reading from the socket. It returns io.EOF once the peer has closed the
// connection cleanly; any other error is a genuine failure.
func (s *Stream) Next(ctx context.Context) (*message.Message, error) {
	if m := s.c.queue.Pop(); m != nil {
		return m, nil
	}
	for {
		msg, err := s.c.rawIn.TryReceiveMessage(ctx)
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, socket.ErrWouldBlock) {
			continue
		}
		if isBrokenPipe(err) {
			return nil, io.EOF
		}
		return nil, err
	}
}

// Close releases the inbound lock. It does not close the underlying
// connection.
func (s *Stream) Close() {
	s.c.rawInMu.Unlock()
}

// isBrokenPipe reports whether err represents the peer cleanly closing the
// connection, as opposed to a framing error mid-message.
func isBrokenPipe(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
