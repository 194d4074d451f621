// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue_test

import (
	"testing"

	"code.hybscloud.com/dbuslink/internal/queue"
	"code.hybscloud.com/dbuslink/message"
)

func sig(t *testing.T, member string) *message.Message {
	t.Helper()
	m, err := message.Signal("", "", "/", "org.zbus.p2p", member, nil)
	if err != nil {
		t.Fatalf("message.Signal: %v", err)
	}
	return m
}

func TestQueueDropsPastCapacity(t *testing.T) {
	q := queue.New(2)

	for _, name := range []string{"A", "B", "C"} {
		kept := q.PushIfRoom(sig(t, name))
		if name == "C" && kept {
			t.Fatalf("expected C to be dropped at capacity 2")
		}
		if name != "C" && !kept {
			t.Fatalf("expected %s to be kept", name)
		}
	}

	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}
}

func TestQueuePreservesOrderAcrossTakeMatching(t *testing.T) {
	q := queue.New(10)
	q.PushIfRoom(sig(t, "A"))
	q.PushIfRoom(sig(t, "B"))
	q.PushIfRoom(sig(t, "C"))

	m, err := q.TakeMatching(func(m *message.Message) (bool, error) {
		member, _ := m.Header().Member()
		return member == "B", nil
	})
	if err != nil {
		t.Fatalf("TakeMatching: %v", err)
	}
	if member, _ := m.Header().Member(); member != "B" {
		t.Fatalf("matched %q, want B", member)
	}

	first := q.Pop()
	second := q.Pop()
	if member, _ := first.Header().Member(); member != "A" {
		t.Fatalf("first remaining = %q, want A", member)
	}
	if member, _ := second.Header().Member(); member != "C" {
		t.Fatalf("second remaining = %q, want C", member)
	}
}

func TestQueueTakeMatchingMiss(t *testing.T) {
	q := queue.New(10)
	q.PushIfRoom(sig(t, "A"))

	m, err := q.TakeMatching(func(*message.Message) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("TakeMatching: %v", err)
	}
	if m != nil {
		t.Fatalf("expected no match, got %v", m)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1 (untouched)", q.Len())
	}
}
