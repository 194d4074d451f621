// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package raw implements the low-level representation of a D-Bus
// connection: translating a byte stream (plus ancillary file descriptors)
// into a sequence of complete Message values and back, with partial-I/O
// buffering and a send queue. The send queue has no size limit.
//
// Connection is agnostic to the actual transport via the socket.Socket
// interface, and is compatible with sockets that return socket.ErrWouldBlock
// on a call that made no progress: TryFlush and TryReceiveMessage are
// single-attempt, resumable operations that preserve all partial-I/O state
// across any number of socket.ErrWouldBlock returns, including across
// caller cancellation. Callers (package dbuslink's connection facade) are
// expected to own a Connection exclusively for the duration of a call --
// Connection itself does no internal locking, matching the "exclusive while
// a stream or sink adapter exists" contract from SPEC_FULL.md §5.
package raw

import (
	"context"
	"errors"
	"io"

	"code.hybscloud.com/dbuslink/internal/socket"
	"code.hybscloud.com/dbuslink/message"
)

// ErrExcessData means a frame declared a total length exceeding
// message.MaxMessageSize.
var ErrExcessData = errors.New("raw: message exceeds maximum size")

type inbound struct {
	buffer  []byte
	pos     int
	fds     []int
	prevSeq uint64
}

type outbound struct {
	msgs []*message.Message
	pos  int
}

// Connection is the low-level representation of a D-Bus connection
// (SPEC_FULL.md §3 RawConnection<S>).
type Connection struct {
	sock socket.Socket

	inbound  inbound
	outbound outbound

	// activity is closed and replaced on every state-changing call, giving
	// external activity monitors something to select on.
	activity chan struct{}

	closed     bool
	terminalErr error
}

// New wraps sock in a fresh Connection with empty inbound/outbound state.
func New(sock socket.Socket) *Connection {
	return &Connection{
		sock:     sock,
		activity: make(chan struct{}),
	}
}

// Socket returns the underlying socket, for accessors that need peer
// properties. Callers must not read or write it directly.
func (c *Connection) Socket() socket.Socket { return c.sock }

// Activity returns a channel that is closed the next time this connection's
// state changes (a flush or receive attempt is made). Callers must re-call
// Activity after it fires to keep observing.
func (c *Connection) Activity() <-chan struct{} { return c.activity }

func (c *Connection) notify() {
	close(c.activity)
	c.activity = make(chan struct{})
}

// EnqueueMessage appends msg to the outbound queue. It performs no I/O and
// no validation.
func (c *Connection) EnqueueMessage(msg *message.Message) {
	c.outbound.msgs = append(c.outbound.msgs, msg)
}

// TryFlush drains the outbound queue, writing as much as the socket accepts
// in one pass. It returns nil once the queue is fully drained,
// socket.ErrWouldBlock if the socket accepted no further data for now (all
// partial-write state is preserved for the next call), or any other error
// from the socket.
func (c *Connection) TryFlush(ctx context.Context) error {
	c.notify()

	for len(c.outbound.msgs) > 0 {
		head := c.outbound.msgs[0]
		raw := head.AsBytes()
		data := raw[c.outbound.pos:]

		if len(data) == 0 {
			c.outbound.pos = 0
			c.outbound.msgs = c.outbound.msgs[1:]
			continue
		}

		var fds []int
		if c.outbound.pos == 0 {
			fds = head.Fds()
		}

		n, err := c.sock.SendMsg(ctx, data, fds)
		c.outbound.pos += n
		if err != nil {
			return err
		}
	}
	return nil
}

// Close notifies activity watchers and closes the underlying socket.
// Subsequent I/O fails.
func (c *Connection) Close() error {
	c.notify()
	c.closed = true
	return c.sock.Close()
}

// TryReceiveMessage reads from the socket until one complete Message has
// been assembled, or returns socket.ErrWouldBlock with all partial-read
// state preserved for a resuming call. A context cancellation or deadline
// error likewise leaves the partial-read state in place. Once it returns any
// other error, the connection is poisoned: every subsequent call returns
// that same error (SPEC_FULL.md §9).
func (c *Connection) TryReceiveMessage(ctx context.Context) (*message.Message, error) {
	if c.terminalErr != nil {
		return nil, c.terminalErr
	}

	c.notify()

	msg, err := c.tryReceiveMessage(ctx)
	if err != nil && !errors.Is(err, socket.ErrWouldBlock) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.terminalErr = err
	}
	return msg, err
}

func (c *Connection) tryReceiveMessage(ctx context.Context) (*message.Message, error) {
	// Phase 1: header.
	for c.inbound.pos < message.MinMessageSize {
		if len(c.inbound.buffer) < message.MinMessageSize {
			grown := make([]byte, message.MinMessageSize)
			copy(grown, c.inbound.buffer)
			c.inbound.buffer = grown
		}
		n, fds, err := c.sock.RecvMsg(ctx, c.inbound.buffer[c.inbound.pos:message.MinMessageSize])
		c.inbound.fds = append(c.inbound.fds, fds...)
		c.inbound.pos += n
		if err != nil {
			// EOF before any byte of a frame is a clean close; EOF after
			// part of a frame is a truncated message.
			if c.inbound.pos > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == 0 {
			return nil, io.ErrUnexpectedEOF
		}
	}

	ph, err := message.ParsePrimaryHeader(c.inbound.buffer)
	if err != nil {
		return nil, err
	}
	headerLen := message.MinMessageSize + int(ph.FieldsLen)
	bodyPadding := (8 - headerLen%8) % 8
	totalLen := headerLen + bodyPadding + int(ph.BodyLen)
	if totalLen > message.MaxMessageSize {
		return nil, ErrExcessData
	}

	if len(c.inbound.buffer) < totalLen {
		grown := make([]byte, totalLen)
		copy(grown, c.inbound.buffer)
		c.inbound.buffer = grown
	} else {
		c.inbound.buffer = c.inbound.buffer[:totalLen]
	}

	// Phase 2: body.
	for len(c.inbound.buffer) > c.inbound.pos {
		n, fds, err := c.sock.RecvMsg(ctx, c.inbound.buffer[c.inbound.pos:])
		c.inbound.fds = append(c.inbound.fds, fds...)
		c.inbound.pos += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == 0 {
			return nil, io.ErrUnexpectedEOF
		}
	}

	seq := c.inbound.prevSeq + 1
	c.inbound.prevSeq = seq
	bytes := c.inbound.buffer
	fds := c.inbound.fds
	c.inbound.buffer = nil
	c.inbound.fds = nil
	c.inbound.pos = 0

	return message.FromRawParts(bytes, fds, seq)
}
