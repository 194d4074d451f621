// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dbuslink implements an asynchronous D-Bus connection core: a raw
// message-framing engine plus a connection facade offering method calls,
// signal emission, and selective receive on top of it.
package dbuslink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"code.hybscloud.com/dbuslink/auth"
	"code.hybscloud.com/dbuslink/internal/queue"
	"code.hybscloud.com/dbuslink/internal/raw"
	"code.hybscloud.com/dbuslink/internal/socket"
	"code.hybscloud.com/dbuslink/message"
)

const busDestination = "org.freedesktop.DBus"
const busPath = "/org/freedesktop/DBus"
const busInterface = "org.freedesktop.DBus"

// Connection is the async D-Bus connection facade (SPEC_FULL.md §4.E).
// A Connection is safe for concurrent use by multiple goroutines: the
// inbound and outbound framers each have their own mutex, matching the
// "separate in/out sockets" design so a reader does not stall a writer.
type Connection struct {
	serverGUID string
	capUnixFD  bool
	busConn    bool

	uniqueNameMu  sync.Mutex
	uniqueName    string
	uniqueNameSet bool

	rawInMu sync.Mutex
	rawIn   *raw.Connection

	rawOutMu sync.Mutex
	rawOut   *raw.Connection

	serial *serialAllocator
	queue  *queue.Queue
}

// newFromAuthenticated builds a Connection from a completed handshake,
// duplicating the underlying socket so inbound and outbound framing each
// get an independent handle (SPEC_FULL.md §4.E "separate in/out sockets").
func newFromAuthenticated(ctx context.Context, a *auth.Authenticated, busConnection bool, opts ...Option) (*Connection, error) {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}

	inFile, err := a.Conn.File()
	if err != nil {
		return nil, fmt.Errorf("dbuslink: dup socket for inbound framer: %w", err)
	}
	inConn, err := net.FileConn(inFile)
	_ = inFile.Close()
	if err != nil {
		return nil, fmt.Errorf("dbuslink: adopt inbound dup: %w", err)
	}
	inUnix, ok := inConn.(*net.UnixConn)
	if !ok {
		_ = inConn.Close()
		return nil, errors.New("dbuslink: expected unix socket for inbound framer")
	}

	outFile, err := a.Conn.File()
	if err != nil {
		_ = inUnix.Close()
		return nil, fmt.Errorf("dbuslink: dup socket for outbound framer: %w", err)
	}
	outConn, err := net.FileConn(outFile)
	_ = outFile.Close()
	if err != nil {
		_ = inUnix.Close()
		return nil, fmt.Errorf("dbuslink: adopt outbound dup: %w", err)
	}
	outUnix, ok := outConn.(*net.UnixConn)
	if !ok {
		_ = inUnix.Close()
		_ = outConn.Close()
		return nil, errors.New("dbuslink: expected unix socket for outbound framer")
	}

	// The handshake connection itself is superseded by the two independent
	// dups above (SPEC_FULL.md §4 "separate in/out sockets"); closing it
	// here releases that fd without affecting inUnix/outUnix, each of
	// which refers to the same underlying socket via its own descriptor.
	_ = a.Conn.Close()

	c := &Connection{
		serverGUID: a.ServerGUID,
		capUnixFD:  a.CapUnixFD,
		busConn:    busConnection,
		rawIn:      raw.New(socket.NewUnix(inUnix)),
		rawOut:     raw.New(socket.NewUnix(outUnix)),
		serial:     newSerialAllocator(),
		queue:      queue.New(o.MaxQueued),
	}

	if busConnection {
		if err := c.hello(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

// NewUnixClient authenticates as a client over conn and returns the
// resulting Connection. busConnection selects whether the Hello handshake
// (SPEC_FULL.md §4.F) runs against the peer.
func NewUnixClient(ctx context.Context, conn *net.UnixConn, busConnection bool, opts ...Option) (*Connection, error) {
	a, err := auth.Client(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return newFromAuthenticated(ctx, a, busConnection, opts...)
}

// NewUnixServer authenticates as a server over conn, advertising guid, and
// returns the resulting Connection. Servers never perform the Hello
// handshake themselves.
func NewUnixServer(ctx context.Context, conn *net.UnixConn, guid string, opts ...Option) (*Connection, error) {
	a, err := auth.Server(ctx, conn, guid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return newFromAuthenticated(ctx, a, false, opts...)
}

// NewSession connects to the session bus named by $DBUS_SESSION_BUS_ADDRESS.
func NewSession(ctx context.Context, opts ...Option) (*Connection, error) {
	addr, err := auth.SessionAddress()
	if err != nil {
		return nil, err
	}
	return NewForAddress(ctx, addr, true, opts...)
}

// NewSystem connects to the system bus.
func NewSystem(ctx context.Context, opts ...Option) (*Connection, error) {
	addr, err := auth.SystemAddress()
	if err != nil {
		return nil, err
	}
	return NewForAddress(ctx, addr, true, opts...)
}

// NewForAddress dials addr and authenticates as a client.
func NewForAddress(ctx context.Context, addr auth.Address, busConnection bool, opts ...Option) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, addr.Network(), addr.SockAddr())
	if err != nil {
		return nil, fmt.Errorf("dbuslink: dial %s: %w", addr.SockAddr(), err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, errors.New("dbuslink: dialed connection is not a unix socket")
	}
	return NewUnixClient(ctx, unixConn, busConnection, opts...)
}

// hello performs the bus Hello handshake (SPEC_FULL.md §4.F) and stores the
// returned unique name.
func (c *Connection) hello(ctx context.Context) error {
	reply, err := c.CallMethod(ctx, busDestination, busPath, busInterface, "Hello", nil)
	if err != nil {
		return fmt.Errorf("dbuslink: Hello: %w", err)
	}
	name, err := reply.BodyString()
	if err != nil {
		return fmt.Errorf("dbuslink: Hello reply: %w", err)
	}
	c.setUniqueName(name)
	return nil
}

func (c *Connection) setUniqueName(name string) {
	c.uniqueNameMu.Lock()
	defer c.uniqueNameMu.Unlock()
	if c.uniqueNameSet {
		panic("dbuslink: unique name set twice")
	}
	c.uniqueName = name
	c.uniqueNameSet = true
}

// UniqueName returns the bus-assigned unique name, if this is a bus
// connection that has completed Hello.
func (c *Connection) UniqueName() (string, bool) {
	c.uniqueNameMu.Lock()
	defer c.uniqueNameMu.Unlock()
	return c.uniqueName, c.uniqueNameSet
}

// IsBus reports whether this connection performs bus semantics (Hello,
// unique names, routing through a daemon) as opposed to direct peer-to-peer.
func (c *Connection) IsBus() bool { return c.busConn }

// ServerGUID returns the GUID the peer advertised during authentication.
func (c *Connection) ServerGUID() string { return c.serverGUID }

// AssignSerialNum stamps msg with a freshly allocated serial and returns it,
// for callers driving Sink directly who must self-number their messages.
func (c *Connection) AssignSerialNum(msg *message.Message) (uint32, error) {
	serial := c.serial.Next()
	if err := msg.ModifyPrimaryHeader(func(ph *message.PrimaryHeader) { ph.Serial = serial }); err != nil {
		return 0, err
	}
	return serial, nil
}

// SetMaxQueued updates the incoming queue's capacity and returns c, for
// builder-style chaining.
func (c *Connection) SetMaxQueued(n int) *Connection {
	c.queue.SetMax(n)
	return c
}

// QueueLen returns the number of messages currently buffered in the
// incoming queue (received out of turn and not yet claimed).
func (c *Connection) QueueLen() int { return c.queue.Len() }

// QueueDropped returns the number of messages dropped so far because the
// incoming queue was at capacity when they arrived.
func (c *Connection) QueueDropped() uint64 { return c.queue.Dropped() }

func (c *Connection) checkFdCapability(msg *message.Message) error {
	if len(msg.Fds()) > 0 && !c.capUnixFD {
		return fmt.Errorf("%w: message carries file descriptors but peer did not negotiate NEGOTIATE_UNIX_FD", ErrUnsupported)
	}
	return nil
}

// SendMessage stamps msg with a fresh serial, enqueues it, and flushes it to
// the peer, returning the assigned serial.
func (c *Connection) SendMessage(ctx context.Context, msg *message.Message) (uint32, error) {
	if err := c.checkFdCapability(msg); err != nil {
		return 0, err
	}
	serial, err := c.AssignSerialNum(msg)
	if err != nil {
		return 0, err
	}
	if err := c.flush(ctx, msg); err != nil {
		return 0, err
	}
	return serial, nil
}

func (c *Connection) flush(ctx context.Context, msg *message.Message) error {
	c.rawOutMu.Lock()
	defer c.rawOutMu.Unlock()

	c.rawOut.EnqueueMessage(msg)
	for {
		err := c.rawOut.TryFlush(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, socket.ErrWouldBlock) {
			continue
		}
		return err
	}
}

// sender returns the unique name to stamp as the Sender header field, or
// "" pre-Hello / for p2p connections that never acquire one.
func (c *Connection) sender() string {
	name, _ := c.UniqueName()
	return name
}

// CallMethod builds a method-call message, sends it, and blocks until a
// MethodReturn or Error bearing the matching reply serial arrives.
func (c *Connection) CallMethod(ctx context.Context, dest, path, iface, method string, body any) (*message.Message, error) {
	msg, err := message.Method(c.sender(), dest, path, iface, method, body)
	if err != nil {
		return nil, err
	}
	serial, err := c.SendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	for {
		reply, err := c.ReceiveSpecific(ctx, func(m *message.Message) (bool, error) {
			rs, ok := m.Header().ReplySerial()
			return ok && rs == serial, nil
		})
		if err != nil {
			return nil, err
		}
		switch reply.Header().MessageType() {
		case message.Error:
			return nil, &MethodError{Msg: reply}
		case message.MethodReturn:
			return reply, nil
		default:
			continue
		}
	}
}

// EmitSignal builds and sends a signal message, discarding the assigned
// serial.
func (c *Connection) EmitSignal(ctx context.Context, dest, path, iface, signal string, body any) error {
	msg, err := message.Signal(c.sender(), dest, path, iface, signal, body)
	if err != nil {
		return err
	}
	_, err = c.SendMessage(ctx, msg)
	return err
}

// Reply builds and sends a MethodReturn in answer to call, returning the
// assigned serial.
func (c *Connection) Reply(ctx context.Context, call *message.Message, body any) (uint32, error) {
	msg, err := message.MethodReply(c.sender(), call, body)
	if err != nil {
		return 0, err
	}
	return c.SendMessage(ctx, msg)
}

// ReplyError builds and sends an Error reply in answer to call, returning
// the assigned serial.
func (c *Connection) ReplyError(ctx context.Context, call *message.Message, name string, body any) (uint32, error) {
	msg, err := message.MethodError(c.sender(), call, name, body)
	if err != nil {
		return 0, err
	}
	return c.SendMessage(ctx, msg)
}

// ReceiveSpecific scans the incoming queue for a message satisfying
// predicate; on a miss, it locks the inbound framer exclusively and pulls
// messages one by one, buffering (or dropping, past capacity) each
// non-match, until a match arrives or the connection reaches EOF.
func (c *Connection) ReceiveSpecific(ctx context.Context, predicate func(*message.Message) (bool, error)) (*message.Message, error) {
	if m, err := c.queue.TakeMatching(predicate); err != nil {
		return nil, err
	} else if m != nil {
		return m, nil
	}

	c.rawInMu.Lock()
	defer c.rawInMu.Unlock()

	// Another goroutine may have satisfied our predicate into the queue
	// while we waited for the inbound lock; check once more before reading.
	if m, err := c.queue.TakeMatching(predicate); err != nil {
		return nil, err
	} else if m != nil {
		return m, nil
	}

	for {
		msg, err := c.recvOne(ctx)
		if err != nil {
			return nil, err
		}
		ok, err := predicate(msg)
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}
		c.queue.PushIfRoom(msg)
	}
}

func (c *Connection) recvOne(ctx context.Context) (*message.Message, error) {
	for {
		msg, err := c.rawIn.TryReceiveMessage(ctx)
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, socket.ErrWouldBlock) {
			continue
		}
		// SPEC_FULL.md §7 ADD: peer EOF and closed-socket errors surface as
		// ordinary io.EOF / net.ErrClosed here; callers distinguish with
		// errors.Is rather than a BrokenPipe-kind sentinel.
		return nil, err
	}
}

// Close shuts down both the inbound and outbound framers and their
// underlying sockets.
func (c *Connection) Close() error {
	c.rawOutMu.Lock()
	outErr := c.rawOut.Close()
	c.rawOutMu.Unlock()

	c.rawInMu.Lock()
	inErr := c.rawIn.Close()
	c.rawInMu.Unlock()

	if outErr != nil {
		return outErr
	}
	return inErr
}
