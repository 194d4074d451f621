// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dbuslink

// Options configures a Connection at construction time.
type Options struct {
	// MaxQueued caps the number of messages buffered in the incoming queue
	// (received out of turn, while some other caller was waiting on a
	// specific reply) before further arrivals are dropped.
	MaxQueued int
}

var defaultOptions = Options{
	MaxQueued: 64,
}

// Option mutates Options during construction.
type Option func(*Options)

// WithMaxQueued overrides the incoming-queue capacity.
func WithMaxQueued(n int) Option {
	return func(o *Options) { o.MaxQueued = n }
}
