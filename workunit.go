package ftpcluster

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is the work a unit performs once it is dispatched onto a
// connection. ctx is cancelled when the cluster is shut down.
type Operation func(ctx context.Context, c *Conn) (Result, error)

// Result is the outcome of a successful work unit.
type Result struct {
	// Bytes is the number of data channel bytes moved, if any
	Bytes int64

	// Response is the final control reply, for command operations
	Response *Response
}

// WorkUnit is one schedulable task owned by a Cluster. Its result cell is
// settled exactly once.
type WorkUnit struct {
	// ID uniquely identifies the unit in logs and metrics
	ID string

	// Name is the caller supplied label, typically the remote path
	Name string

	op        Operation
	submitted time.Time

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newWorkUnit(name string, op Operation) *WorkUnit {
	return &WorkUnit{
		ID:        uuid.NewString(),
		Name:      name,
		op:        op,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// settle records the outcome; it reports false if the unit was already settled.
func (u *WorkUnit) settle(res Result, err error) bool {
	settled := false
	u.once.Do(func() {
		u.result, u.err = res, err
		settled = true
		close(u.done)
	})
	return settled
}

// Done is closed once the unit has settled.
func (u *WorkUnit) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until the unit settles or ctx is done.
func (u *WorkUnit) Wait(ctx context.Context) (Result, error) {
	select {
	case <-u.done:
		return u.result, u.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Download returns an Operation that retrieves path into w.
func Download(path string, w io.Writer) Operation {
	return func(ctx context.Context, c *Conn) (Result, error) {
		n, err := c.Retrieve(ctx, path, w)
		return Result{Bytes: n}, err
	}
}

// Upload returns an Operation that stores the content of r at path.
func Upload(path string, r io.Reader) Operation {
	return func(ctx context.Context, c *Conn) (Result, error) {
		n, err := c.Store(ctx, path, r)
		return Result{Bytes: n}, err
	}
}

// Exec returns an Operation that runs a single control command.
func Exec(cmd Command) Operation {
	return func(ctx context.Context, c *Conn) (Result, error) {
		resp, err := c.Execute(ctx, cmd)
		return Result{Response: resp}, err
	}
}
