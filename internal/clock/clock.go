// Package clock provides the single calendar-wait primitive the
// programming protocol's timing is built on. Every sleep in this
// module routes through Sleep so the thread suspends instead of
// busy-waiting, and so a caller's context can still be honored.
package clock

import (
	"context"
	"time"
)

// Clock is the sole timing dependency the protocol layers take, so
// tests can replace calendar waits with instant ones without changing
// the poll-count logic they are verifying.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Sleep suspends the calling goroutine for d, or until ctx is done,
// whichever comes first. It returns ctx.Err() if it returned early.
func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Real is the production Clock: an actual calendar wait.
var Real Clock = realClock{}
