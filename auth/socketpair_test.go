// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package auth_test

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// newUnixSocketpair returns a connected pair of *net.UnixConn backed by a
// real AF_UNIX SOCK_STREAM socketpair, so SO_PEERCRED lookups in auth.Server
// resolve to this process's own credentials.
func newUnixSocketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}

	connFromFd := func(fd int, name string) (*net.UnixConn, error) {
		f := os.NewFile(uintptr(fd), name)
		c, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		return c.(*net.UnixConn), nil
	}

	a, err := connFromFd(fds[0], "sockpair-a")
	if err != nil {
		return nil, nil, err
	}
	b, err := connFromFd(fds[1], "sockpair-b")
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, b, nil
}
