// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package socket

import (
	"context"
	"net"
	"time"
)

// connSocket adapts a plain net.Conn (TCP, net.Pipe, vsock, ...) to Socket.
// It never carries file descriptors: SendMsg ignores fds and RecvMsg never
// returns any, matching the "cap_unix_fd == false" half of the contract.
type connSocket struct {
	conn net.Conn
}

// NewConn wraps conn as a non-fd-capable Socket.
func NewConn(conn net.Conn) Socket { return &connSocket{conn: conn} }

func (s *connSocket) CapUnixFD() bool { return false }

func (s *connSocket) watchCancel(ctx context.Context) (cancel func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetDeadline(time.Unix(0, 1))
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (s *connSocket) SendMsg(ctx context.Context, data []byte, _ []int) (int, error) {
	done := s.watchCancel(ctx)
	defer done()

	n, err := s.conn.Write(data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = s.conn.SetDeadline(time.Time{})
			return n, ctxErr
		}
		return n, err
	}
	_ = s.conn.SetDeadline(time.Time{})
	return n, nil
}

func (s *connSocket) RecvMsg(ctx context.Context, buf []byte) (int, []int, error) {
	done := s.watchCancel(ctx)
	defer done()

	n, err := s.conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = s.conn.SetDeadline(time.Time{})
			return n, nil, ctxErr
		}
		return n, nil, err
	}
	_ = s.conn.SetDeadline(time.Time{})
	return n, nil, nil
}

func (s *connSocket) Close() error { return s.conn.Close() }
