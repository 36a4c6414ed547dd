package resilience

import (
	"context"
	"sync/atomic"
)

// Limiter bounds the number of concurrent operations.
// A Limiter created with size <= 0 admits everything.
type Limiter struct {
	slots    chan struct{}
	inFlight atomic.Int64
}

// NewLimiter creates a limiter admitting at most size concurrent holders.
func NewLimiter(size int) *Limiter {
	l := &Limiter{}
	if size > 0 {
		l.slots = make(chan struct{}, size)
	}
	return l
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.inFlight.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	if l.slots != nil {
		<-l.slots
	}
}

// InFlight returns the number of current holders.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}
