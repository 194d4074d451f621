// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package socket

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// unixSocket wraps a *net.UnixConn and carries SCM_RIGHTS ancillary data.
// Context cancellation is honored by racing a deadline against ctx.Done();
// the underlying *net.UnixConn already does the readiness waiting via the
// Go runtime's network poller, so SendMsg/RecvMsg never busy-spin.
type unixSocket struct {
	conn *net.UnixConn
}

// NewUnix wraps conn as a fd-capable Socket.
func NewUnix(conn *net.UnixConn) Socket {
	return &unixSocket{conn: conn}
}

func (s *unixSocket) CapUnixFD() bool { return true }

func (s *unixSocket) watchCancel(ctx context.Context) (cancel func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Force any in-flight Read/Write to return.
			_ = s.conn.SetDeadline(time.Unix(0, 1))
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (s *unixSocket) SendMsg(ctx context.Context, data []byte, fds []int) (int, error) {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	done := s.watchCancel(ctx)
	defer done()

	n, _, err := s.conn.WriteMsgUnix(data, oob, nil)
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

func (s *unixSocket) RecvMsg(ctx context.Context, buf []byte) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(maxPassedFds*4))

	done := s.watchCancel(ctx)
	defer done()

	n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = s.conn.SetDeadline(time.Time{})
			return n, nil, ctxErr
		}
		return n, nil, err
	}
	_ = s.conn.SetDeadline(time.Time{})

	fds, ferr := parseUnixRights(oob[:oobn])
	if ferr != nil {
		return n, nil, ferr
	}
	return n, fds, nil
}

func (s *unixSocket) Close() error { return s.conn.Close() }

// maxPassedFds mirrors the common SCM_MAX_FD Linux limit; it only bounds
// the scratch control-message buffer, not the number of fds a message may
// declare.
const maxPassedFds = 253

func parseUnixRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, cmsg := range cmsgs {
		parsed, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}
