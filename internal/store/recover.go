package store

import (
	"fmt"
	"sync/atomic"
)

// RecoveringTargeter wraps a Targeter and turns a panic in a rule into an
// evaluation error for that call only.
type RecoveringTargeter struct {
	inner  Targeter
	panics atomic.Int64
}

var _ Targeter = (*RecoveringTargeter)(nil)

func NewRecoveringTargeter(inner Targeter) *RecoveringTargeter {
	return &RecoveringTargeter{inner: inner}
}

func (r *RecoveringTargeter) Target(flagKey string, rule any, evaluators map[string]any, evalCtx map[string]any) (variant string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			variant = ""
			err = fmt.Errorf("targeting rule panicked: %v", rec)
		}
	}()
	return r.inner.Target(flagKey, rule, evaluators, evalCtx)
}

// Panics counts recovered panics.
func (r *RecoveringTargeter) Panics() int64 {
	return r.panics.Load()
}
