// Package ratelimit provides a token bucket limiter for data channel
// throughput. One Limiter may be shared by many connections, in which case
// they split its rate between them.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"
)

// chunkSize is the largest slice charged against the bucket at once. Small
// chunks keep concurrent sharers interleaved.
const chunkSize = 16 * 1024

// Limiter is a token bucket measured in bytes. Tokens refill at rate per
// second up to a burst of one second worth of data. Callers that take more
// than is available drive the balance negative and wait until it is repaid,
// so waiters are served in the order they asked.
type Limiter struct {
	rate  float64 // bytes per second
	burst float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// New creates a limiter allowing bytesPerSecond on average. It returns nil
// for a non-positive rate; a nil *Limiter never limits.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:   rate,
		burst:  rate,
		tokens: rate,
		last:   time.Now(),
	}
}

// Rate returns the configured bytes per second, or 0 for a nil limiter.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.rate)
}

// reserve charges n tokens and returns how long the caller must wait
// before using them.
func (l *Limiter) reserve(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now

	l.tokens -= float64(n)
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens / l.rate * float64(time.Second))
}

// refund gives back n tokens charged by a reservation that was not used.
func (l *Limiter) refund(n int) {
	l.mu.Lock()
	l.tokens += float64(n)
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.mu.Unlock()
}

// WaitN blocks until n bytes may be transferred or ctx is done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}

	wait := l.reserve(n)
	if wait == 0 {
		return nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		l.refund(n)
		return ctx.Err()
	}
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns a reader whose throughput is bounded by limiter.
// If limiter is nil, returns the original reader unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}

	n, err := r.r.Read(p)
	// Charge for what actually arrived; short reads are common on sockets.
	if werr := r.limiter.WaitN(r.ctx, n); werr != nil && err == nil {
		err = werr
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns a writer whose throughput is bounded by limiter.
// If limiter is nil, returns the original writer unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := min(written+chunkSize, len(p))

		// Tokens are taken before writing to apply backpressure
		if err := w.limiter.WaitN(w.ctx, end-written); err != nil {
			return written, err
		}

		n, err := w.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
