package model

import (
	"context"
	"time"
)

// TimeoutHelper tracks the overall deadline of a request across retries.
type TimeoutHelper struct {
	deadline time.Time
}

func NewTimeoutHelper(timeout time.Duration) *TimeoutHelper {
	return &TimeoutHelper{deadline: time.Now().Add(timeout)}
}

// IsElapsed reports whether the request deadline has passed.
func (t *TimeoutHelper) IsElapsed() bool {
	if t == nil {
		return false
	}
	return !time.Now().Before(t.deadline)
}

// Remaining returns the time left before the deadline, never negative.
func (t *TimeoutHelper) Remaining() time.Duration {
	if t == nil {
		return time.Duration(1<<63 - 1)
	}
	if d := time.Until(t.deadline); d > 0 {
		return d
	}
	return 0
}

// WithDeadline derives a context bounded by the request deadline.
func (t *TimeoutHelper) WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if t == nil {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, t.deadline)
}
