// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dbuslink

import (
	"context"
	"errors"

	"code.hybscloud.com/dbuslink/internal/socket"
	"code.hybscloud.com/dbuslink/message"
)

// Sink is a push adapter over a Connection's outbound framer: it acquires
// the outbound lock for its entire lifetime (SPEC_FULL.md §4.G).
type Sink struct {
	c *Connection
}

// Sink acquires the outbound framer exclusively and returns an adapter
// that accepts messages for enqueue-and-flush.
func (c *Connection) Sink() *Sink {
	c.rawOutMu.Lock()
	return &Sink{c: c}
}

// Send enqueues msg without flushing. It fails without enqueuing if msg
// carries file descriptors the peer did not negotiate support for.
func (s *Sink) Send(msg *message.Message) error {
	if err := s.c.checkFdCapability(msg); err != nil {
		return err
	}
	s.c.rawOut.EnqueueMessage(msg)
	return nil
}

// Flush drains the outbound queue, retrying across socket.ErrWouldBlock
// until the queue is empty or a genuine error occurs.
func (s *Sink) Flush(ctx context.Context) error {
	for {
		err := s.c.rawOut.TryFlush(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, socket.ErrWouldBlock) {
			continue
		}
		return err
	}
}

// Close flushes any remaining queued messages, closes the outbound
// framer, and releases the outbound lock.
func (s *Sink) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	closeErr := s.c.rawOut.Close()
	s.c.rawOutMu.Unlock()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
