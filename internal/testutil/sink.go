package testutil

import (
	"sync"
	"time"

	"github.com/open-feature/flagd-provider-go/internal/event"
)

// RecordingSink captures every event it receives.
type RecordingSink struct {
	mu      sync.Mutex
	ready   int
	errors  []event.ErrorDetails
	changes [][]string
	notify  chan struct{}
}

var _ event.Sink = (*RecordingSink)(nil)

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

func (r *RecordingSink) OnReady() {
	r.mu.Lock()
	r.ready++
	r.mu.Unlock()
	r.poke()
}

func (r *RecordingSink) OnError(details event.ErrorDetails) {
	r.mu.Lock()
	r.errors = append(r.errors, details)
	r.mu.Unlock()
	r.poke()
}

func (r *RecordingSink) OnConfigurationChanged(keys []string) {
	r.mu.Lock()
	r.changes = append(r.changes, append([]string(nil), keys...))
	r.mu.Unlock()
	r.poke()
}

func (r *RecordingSink) poke() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *RecordingSink) ReadyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *RecordingSink) Errors() []event.ErrorDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.ErrorDetails(nil), r.errors...)
}

func (r *RecordingSink) Changes() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.changes...)
}

// WaitFor polls cond until it holds or timeout elapses.
func (r *RecordingSink) WaitFor(timeout time.Duration, cond func(*RecordingSink) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(r) {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return cond(r)
		}
	}
}
