// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dbuslink

import "sync"

// serialAllocator hands out monotonically increasing, non-zero message
// serials. D-Bus reserves serial 0, so the counter starts at 1.
type serialAllocator struct {
	mu   sync.Mutex
	next uint32
}

func newSerialAllocator() *serialAllocator {
	return &serialAllocator{next: 1}
}

func (s *serialAllocator) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next++
	return v
}
