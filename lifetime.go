package ftpcluster

import (
	"context"
	"sync"
)

// Lifetime is a write-once result cell that records how a Conn stopped.
// It is settled exactly once: with a nil error for a clean QUIT, or with
// the cause of an abort.
type Lifetime struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLifetime() *Lifetime {
	return &Lifetime{done: make(chan struct{})}
}

// settle records the outcome. Only the first call has any effect; it
// reports whether this call was the one that settled the cell.
func (l *Lifetime) settle(err error) bool {
	settled := false
	l.once.Do(func() {
		l.err = err
		settled = true
		close(l.done)
	})
	return settled
}

// fail settles the cell with cause, substituting ErrAborted for nil so
// that a failed lifetime never carries an empty error.
func (l *Lifetime) fail(cause error) bool {
	if cause == nil {
		cause = ErrAborted
	}
	return l.settle(cause)
}

// Done is closed once the lifetime has settled.
func (l *Lifetime) Done() <-chan struct{} {
	return l.done
}

// Settled reports whether the lifetime has settled.
func (l *Lifetime) Settled() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Err returns the settlement error. It is nil before settlement and after a
// clean finish.
func (l *Lifetime) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Wait blocks until the lifetime settles or ctx is done.
func (l *Lifetime) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
