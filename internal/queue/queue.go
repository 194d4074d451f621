// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package queue implements the bounded incoming-message holding area
// (SPEC_FULL.md §4.D): messages received out of turn, while some other
// consumer is waiting on a specific reply, are buffered here up to a
// capacity, and dropped past it.
package queue

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/dbuslink/message"
)

// Queue is a bounded, order-preserving holding area for messages that
// arrived but were not claimed by whoever was reading at the time.
//
// Unlike the source this module is grounded on (which pops from the tail,
// i.e. LIFO -- flagged in SPEC_FULL.md §9 as "likely unintentional"), this
// Queue pops from the head: arrivals are appended to the tail and
// Stream/receive_specific both drain head-first, so relative arrival order
// is preserved end to end.
type Queue struct {
	mu      sync.Mutex
	max     atomic.Int64
	entries []*message.Message
	dropped atomic.Uint64
}

// New returns a Queue with the given initial capacity.
func New(max int) *Queue {
	q := &Queue{}
	q.max.Store(int64(max))
	return q
}

// SetMax updates the capacity. Existing entries beyond the new capacity are
// not evicted; they simply make the queue over-capacity until drained.
func (q *Queue) SetMax(max int) { q.max.Store(int64(max)) }

// Max returns the current capacity.
func (q *Queue) Max() int { return int(q.max.Load()) }

// Dropped returns the number of messages dropped so far because the queue
// was at capacity. SPEC_FULL.md §4.D ADD: the source drops silently; this
// counter gives callers observability into that.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// PushIfRoom appends msg to the tail iff the queue is below capacity. It
// reports whether the message was kept.
func (q *Queue) PushIfRoom(msg *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int64(len(q.entries)) >= q.max.Load() {
		q.dropped.Add(1)
		return false
	}
	q.entries = append(q.entries, msg)
	return true
}

// TakeMatching scans head to tail for the first message satisfying
// predicate, removes it, and returns it. Relative order of the remaining
// entries is preserved.
func (q *Queue) TakeMatching(predicate func(*message.Message) (bool, error)) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.entries {
		ok, err := predicate(m)
		if err != nil {
			return nil, err
		}
		if ok {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return m, nil
		}
	}
	return nil, nil
}

// Pop removes and returns the head entry, or nil if the queue is empty.
func (q *Queue) Pop() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	m := q.entries[0]
	q.entries = q.entries[1:]
	return m
}
