// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dbuslink_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	dbuslink "code.hybscloud.com/dbuslink"
	"code.hybscloud.com/dbuslink/auth"
	"code.hybscloud.com/dbuslink/internal/raw"
	"code.hybscloud.com/dbuslink/internal/socket"
	"code.hybscloud.com/dbuslink/message"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Scenario 1 -- p2p handshake and call: server pulls the call, emits a
// signal before replying, and the client observes the reply, then finds
// the signal (queued while CallMethod waited) with a later ReceiveSpecific.
func TestScenario1_P2PHandshakeAndCall(t *testing.T) {
	ctx := testContext(t)
	serverSock, clientSock := newUnixSocketpair(t)

	var wg sync.WaitGroup
	wg.Add(1)
	serverErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		server, err := dbuslink.NewUnixServer(ctx, serverSock, "guid-p2p")
		if err != nil {
			serverErr <- err
			return
		}
		defer server.Close()

		call, err := server.ReceiveSpecific(ctx, func(m *message.Message) (bool, error) {
			member, _ := m.Header().Member()
			return member == "Test", nil
		})
		if err != nil {
			serverErr <- err
			return
		}

		if err := server.EmitSignal(ctx, "", "/", "org.zbus.p2p", "ASignalForYou", nil); err != nil {
			serverErr <- err
			return
		}
		if _, err := server.Reply(ctx, call, "yay"); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	client, err := dbuslink.NewUnixClient(ctx, clientSock, false)
	if err != nil {
		t.Fatalf("NewUnixClient: %v", err)
	}
	defer client.Close()

	reply, err := client.CallMethod(ctx, "", "/", "org.zbus.p2p", "Test", nil)
	if err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	body, err := reply.BodyString()
	if err != nil {
		t.Fatalf("BodyString: %v", err)
	}
	if body != "yay" {
		t.Fatalf("reply body = %q, want yay", body)
	}

	signal, err := client.ReceiveSpecific(ctx, func(m *message.Message) (bool, error) {
		return m.Header().MessageType() == message.SignalType, nil
	})
	if err != nil {
		t.Fatalf("ReceiveSpecific(signal): %v", err)
	}
	if member, _ := signal.Header().Member(); member != "ASignalForYou" {
		t.Fatalf("signal member = %q, want ASignalForYou", member)
	}

	wg.Wait()
	if err := <-serverErr; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

// Scenario 2 -- monotonic serials: successive SendMessage calls on the same
// connection receive strictly increasing serials.
func TestScenario2_MonotonicSerial(t *testing.T) {
	ctx := testContext(t)
	serverSock, clientSock := newUnixSocketpair(t)

	go func() {
		server, err := dbuslink.NewUnixServer(ctx, serverSock, "guid-serial")
		if err != nil {
			return
		}
		defer server.Close()
		for i := 0; i < 3; i++ {
			_, _ = server.ReceiveSpecific(ctx, func(*message.Message) (bool, error) { return true, nil })
		}
	}()

	client, err := dbuslink.NewUnixClient(ctx, clientSock, false)
	if err != nil {
		t.Fatalf("NewUnixClient: %v", err)
	}
	defer client.Close()

	var prev uint32
	for i := 0; i < 3; i++ {
		msg, err := message.Signal("", "", "/", "org.zbus.p2p", "Tick", nil)
		if err != nil {
			t.Fatalf("message.Signal: %v", err)
		}
		serial, err := client.SendMessage(ctx, msg)
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if i > 0 && serial <= prev {
			t.Fatalf("serial %d did not increase past %d", serial, prev)
		}
		prev = serial
	}
}

// Scenario 3 -- fd refusal: Sink.Send on a connection with cap_unix_fd ==
// false fails with ErrUnsupported for a message carrying fds, and no bytes
// reach the socket.
func TestScenario3_FdRefusal(t *testing.T) {
	ctx := testContext(t)
	serverSock, clientSock := newUnixSocketpair(t)

	// auth.Server always agrees to NEGOTIATE_UNIX_FD, so the server side of
	// the handshake is played by hand here and answers it with ERROR,
	// leaving the client with cap_unix_fd == false.
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		defer serverSock.Close()
		r := bufio.NewReader(serverSock)
		if _, err := r.ReadString('\n'); err != nil { // NUL + AUTH EXTERNAL
			return
		}
		if _, err := serverSock.Write([]byte("OK guid-fd\r\n")); err != nil {
			return
		}
		if _, err := r.ReadString('\n'); err != nil { // NEGOTIATE_UNIX_FD
			return
		}
		if _, err := serverSock.Write([]byte("ERROR\r\n")); err != nil {
			return
		}
		<-ctx.Done()
	}()

	client, err := dbuslink.NewUnixClient(ctx, clientSock, false)
	if err != nil {
		t.Fatalf("NewUnixClient: %v", err)
	}
	defer client.Close()

	msg, err := message.Method("", "", "/", "org.zbus.p2p", "WithFd", nil)
	if err != nil {
		t.Fatalf("message.Method: %v", err)
	}
	// The facade's fd-capability check only inspects len(msg.Fds()), so a
	// placeholder descriptor value is sufficient to exercise it without
	// opening a real file.
	msg.SetFds([]int{3})

	sink := client.Sink()
	defer sink.Close(ctx)

	if err := sink.Send(msg); !errors.Is(err, dbuslink.ErrUnsupported) {
		t.Fatalf("Send err = %v, want ErrUnsupported", err)
	}
}

// Scenario 5 -- queue cap: with max_queued == 2, three non-matching
// messages plus one matching message arrive while ReceiveSpecific waits;
// the matching message is still found, and exactly 2 of the non-matching
// ones survive in the queue.
func TestScenario5_QueueCap(t *testing.T) {
	ctx := testContext(t)
	serverSock, clientSock := newUnixSocketpair(t)

	go func() {
		server, err := dbuslink.NewUnixServer(ctx, serverSock, "guid-cap")
		if err != nil {
			return
		}
		defer server.Close()
		for _, name := range []string{"A", "B", "C", "Target"} {
			_ = server.EmitSignal(ctx, "", "/", "org.zbus.p2p", name, nil)
		}
		<-ctx.Done()
	}()

	client, err := dbuslink.NewUnixClient(ctx, clientSock, false)
	if err != nil {
		t.Fatalf("NewUnixClient: %v", err)
	}
	defer client.Close()
	client.SetMaxQueued(2)

	got, err := client.ReceiveSpecific(ctx, func(m *message.Message) (bool, error) {
		member, _ := m.Header().Member()
		return member == "Target", nil
	})
	if err != nil {
		t.Fatalf("ReceiveSpecific: %v", err)
	}
	if member, _ := got.Header().Member(); member != "Target" {
		t.Fatalf("member = %q, want Target", member)
	}

	// A, B, C arrived (in that order) while ReceiveSpecific was scanning
	// for Target; at capacity 2, the third (C) was dropped and only A, B
	// remain buffered.
	if n := client.QueueLen(); n != 2 {
		t.Fatalf("QueueLen = %d, want 2", n)
	}
	if d := client.QueueDropped(); d != 1 {
		t.Fatalf("QueueDropped = %d, want 1", d)
	}
}

// Scenario 6 -- bus Hello: against a fake bus that replies ":1.42",
// NewUnixClient with busConnection=true ends up with UniqueName() ==
// ":1.42" and IsBus() == true.
func TestScenario6_BusHello(t *testing.T) {
	ctx := testContext(t)
	serverSock, clientSock := newUnixSocketpair(t)

	busErr := make(chan error, 1)
	go func() {
		busErr <- runFakeBus(ctx, serverSock)
	}()

	client, err := dbuslink.NewUnixClient(ctx, clientSock, true)
	if err != nil {
		t.Fatalf("NewUnixClient: %v", err)
	}
	defer client.Close()

	name, ok := client.UniqueName()
	if !ok || name != ":1.42" {
		t.Fatalf("UniqueName = (%q, %v), want (:1.42, true)", name, ok)
	}
	if !client.IsBus() {
		t.Fatalf("IsBus() = false, want true")
	}

	if err := <-busErr; err != nil {
		t.Fatalf("fake bus: %v", err)
	}
}

// runFakeBus performs the server side of the handshake directly against
// package auth and package raw, replying to the first Hello call with
// ":1.42" -- standing in for a real bus daemon.
func runFakeBus(ctx context.Context, conn *net.UnixConn) error {
	a, err := auth.Server(ctx, conn, "guid-bus")
	if err != nil {
		return err
	}

	rawConn := raw.New(socket.NewUnix(a.Conn))
	for {
		call, err := rawConn.TryReceiveMessage(ctx)
		if errors.Is(err, socket.ErrWouldBlock) {
			continue
		}
		if err != nil {
			return err
		}
		member, _ := call.Header().Member()
		if member != "Hello" {
			continue
		}
		reply, err := message.MethodReply("", call, ":1.42")
		if err != nil {
			return err
		}
		rawConn.EnqueueMessage(reply)
		for {
			err := rawConn.TryFlush(ctx)
			if err == nil {
				return nil
			}
			if errors.Is(err, socket.ErrWouldBlock) {
				continue
			}
			return err
		}
	}
}
