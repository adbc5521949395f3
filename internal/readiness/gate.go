// Package readiness blocks an initializing caller until the first successful
// sync, bounded by a deadline.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the one-shot outcome of a Gate.
type State int32

const (
	Pending State = iota
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Ready:
		return "READY"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrNotReady is returned by Wait when the deadline elapses first.
var ErrNotReady = errors.New("blocking init finished before data synced, consider increasing the deadline to avoid inconsistent evaluations")

// Gate fires once. Later disconnects and reconnects never re-block a caller
// and never change the recorded State.
type Gate struct {
	state atomic.Int32
	once  sync.Once
	ready chan struct{}
}

func New() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// MarkReady releases every waiter. It reports whether this call settled the
// gate as Ready; it returns false once the gate is settled either way.
func (g *Gate) MarkReady() bool {
	won := g.state.CompareAndSwap(int32(Pending), int32(Ready))
	g.once.Do(func() { close(g.ready) })
	return won
}

// Done is closed by the first MarkReady.
func (g *Gate) Done() <-chan struct{} {
	return g.ready
}

// State returns the recorded outcome.
func (g *Gate) State() State {
	return State(g.state.Load())
}

// Wait blocks until MarkReady, the deadline, or ctx cancellation, whichever
// comes first. A non-positive deadline only checks the current state.
func (g *Gate) Wait(ctx context.Context, deadline time.Duration) error {
	select {
	case <-g.ready:
		return nil
	default:
	}
	if deadline <= 0 {
		if g.fail() {
			return ErrNotReady
		}
		return nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-g.ready:
		return nil
	case <-timer.C:
		if g.fail() {
			return ErrNotReady
		}
		return nil
	case <-ctx.Done():
		if g.fail() {
			return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		}
		return nil
	}
}

// fail settles a pending gate as Error. A concurrent MarkReady may win; fail
// reports whether the gate ended in Error.
func (g *Gate) fail() bool {
	g.state.CompareAndSwap(int32(Pending), int32(Error))
	return g.State() == Error
}
