package link

import (
	"context"
	"time"
)

// NewIdleTimer derives ctx from parent that is cancelled once idle elapses
// since the last call to the returned touch function, rather than a single
// deadline over the whole stream's lifetime (spec.md §5's per-stream idle
// timeout: a tunnel carrying steady traffic should not be killed just
// because it has been open a while). idle <= 0 disables the timer and
// returns parent unchanged with no-op touch/stop functions.
func NewIdleTimer(parent context.Context, idle time.Duration) (ctx context.Context, touch func(), stop func()) {
	if idle <= 0 {
		return parent, func() {}, func() {}
	}
	ctx, cancel := context.WithCancel(parent)
	timer := time.AfterFunc(idle, cancel)
	return ctx, func() { timer.Reset(idle) }, func() { timer.Stop(); cancel() }
}
