package common

import (
	"context"
	"time"
)

// RunEvery calls fn on every tick until ctx is done.
//
// It standardizes the ticker boilerplate shared by the background loops:
// - interval <= 0 disables the loop: it blocks until ctx is done and returns ctx.Err()
// - nudge (optional) triggers an extra run between ticks
// - fn runs synchronously, so a slow pass delays the next one instead of overlapping
func RunEvery(ctx context.Context, interval time.Duration, nudge <-chan struct{}, fn func(ctx context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		case <-nudge:
			fn(ctx)
		}
	}
}

// Nudge is a non-blocking wakeup signal carrying no data.
// Multiple Emits before the receiver runs collapse into one.
type Nudge struct {
	c chan struct{}
}

func NewNudge() *Nudge {
	return &Nudge{c: make(chan struct{}, 1)}
}

// Emit never blocks.
func (n *Nudge) Emit() {
	select {
	case n.c <- struct{}{}:
	default:
	}
}

func (n *Nudge) C() <-chan struct{} {
	return n.c
}
