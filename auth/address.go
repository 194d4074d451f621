// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAddress means no bus address could be determined from the
// environment.
var ErrNoAddress = errors.New("auth: no bus address available")

// systemBusSocket is the well-known path system bus implementations listen
// on.
const systemBusSocket = "/var/run/dbus/system_bus_socket"

// Address is a parsed D-Bus server address of the form
// "unix:path=/run/foo" or "unix:abstract=foo". Only the unix transport is
// supported; tcp: and others are out of scope.
type Address struct {
	// Path is the filesystem socket path, set when Abstract is false.
	Path string
	// Abstract is the abstract socket name (Linux-only), set when non-empty.
	Abstract string
}

// Network returns the net.Dial-compatible network name: always "unix".
func (a Address) Network() string { return "unix" }

// SockAddr returns the address string to dial: the path, or "@name" for an
// abstract socket, matching the convention golang.org/x/sys/unix and
// net.UnixAddr use for Linux abstract sockets.
func (a Address) SockAddr() string {
	if a.Abstract != "" {
		return "@" + a.Abstract
	}
	return a.Path
}

// ParseAddress parses a single D-Bus server address string. Only the first
// semicolon-separated entry is consulted; guid= and other auxiliary keys
// are ignored.
func ParseAddress(s string) (Address, error) {
	s, _, _ = strings.Cut(s, ";")
	transport, rest, ok := strings.Cut(s, ":")
	if !ok || transport != "unix" {
		return Address{}, errors.New("auth: unsupported transport in address " + s)
	}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "path":
			return Address{Path: v}, nil
		case "abstract":
			return Address{Abstract: v}, nil
		}
	}
	return Address{}, errors.New("auth: no path or abstract key in address " + s)
}

// SessionAddress returns the session bus address from
// $DBUS_SESSION_BUS_ADDRESS, falling back to the documented default of
// $XDG_RUNTIME_DIR/bus when that variable is unset.
func SessionAddress() (Address, error) {
	env := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if env == "" {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return Address{}, ErrNoAddress
		}
		return Address{Path: runtimeDir + "/bus"}, nil
	}
	first, _, _ := strings.Cut(env, ";")
	return ParseAddress(first)
}

// SystemAddress returns the system bus address: $DBUS_SYSTEM_BUS_ADDRESS if
// set, otherwise the well-known system bus socket path.
func SystemAddress() (Address, error) {
	if env := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); env != "" {
		first, _, _ := strings.Cut(env, ";")
		return ParseAddress(first)
	}
	return Address{Path: systemBusSocket}, nil
}
