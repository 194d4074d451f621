// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dbuslink

import (
	"errors"
	"fmt"

	"code.hybscloud.com/dbuslink/message"
)

// ErrUnsupported is returned for operations the transport or the peer
// declined to support, e.g. sending fds over a socket that did not
// negotiate NEGOTIATE_UNIX_FD.
var ErrUnsupported = errors.New("dbuslink: unsupported")

// ErrHandshake is returned when the SASL exchange fails. It wraps
// auth.ErrHandshake at this package's boundary so callers need not import
// package auth just to compare errors.
var ErrHandshake = errors.New("dbuslink: handshake failed")

// ErrClosed names a closed connection. No operation in this package returns
// it: after Connection.Close, operations fail with the underlying socket's
// error, which matches net.ErrClosed.
var ErrClosed = errors.New("dbuslink: connection closed")

// MethodError represents a D-Bus error reply: a method call that completed
// with an org.freedesktop.DBus.Error-shaped response rather than a normal
// return. Msg is the raw error-reply message; its ErrorName header field
// and body (if any) carry the error details.
type MethodError struct {
	Msg *message.Message
}

func (e *MethodError) Error() string {
	name, _ := e.Msg.Header().ErrorName()
	if s, err := e.Msg.BodyString(); err == nil && s != "" {
		return fmt.Sprintf("dbuslink: method error %s: %s", name, s)
	}
	return fmt.Sprintf("dbuslink: method error %s", name)
}
