// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dbuslink_test

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// newUnixSocketpair returns a connected pair of *net.UnixConn backed by a
// real AF_UNIX SOCK_STREAM socketpair.
func newUnixSocketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	connFromFd := func(fd int, name string) *net.UnixConn {
		f := os.NewFile(uintptr(fd), name)
		c, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			t.Fatalf("not a unix conn")
		}
		return uc
	}
	return connFromFd(fds[0], "sockpair-a"), connFromFd(fds[1], "sockpair-b")
}
