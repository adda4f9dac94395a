package ftpcluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// pipeline serializes command/response exchanges on one control socket.
//
// A single reader goroutine parses replies and hands them over the replies
// channel. Callers take turns: the turn channel has one slot, and goroutines
// blocked sending on it are admitted in arrival order, so commands go out
// strictly FIFO with at most one in flight. Replies need no tagging because
// the server answers in order.
type pipeline struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *slog.Logger

	// timeout bounds the wait for each reply; zero means no bound
	timeout time.Duration

	turn    chan struct{}
	replies chan *Response

	// expecting counts final replies the server still owes us. A reply that
	// arrives while it is zero is out of sequence.
	expecting atomic.Int32

	// stale counts final replies owed to callers that stopped waiting.
	// Only the turn holder touches it.
	stale int

	// onFail is called with the cause when the pipeline hits a fatal error.
	onFail func(error)

	// quitting is set once QUIT is on its way; the server hanging up is
	// then the expected end rather than a failure.
	quitting atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newPipeline(conn net.Conn, timeout time.Duration, logger *slog.Logger, onFail func(error)) *pipeline {
	p := &pipeline{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		logger:  logger,
		timeout: timeout,
		turn:    make(chan struct{}, 1),
		replies: make(chan *Response, 4),
		onFail:  onFail,
		done:    make(chan struct{}),
	}
	// The greeting is owed before any command is sent.
	p.expecting.Store(1)
	return p
}

// readLoop parses replies until the socket fails or the pipeline closes.
func (p *pipeline) readLoop() {
	for {
		resp, err := readResponse(p.reader)
		if err != nil {
			err = readError(err)
			if p.quitting.Load() && errors.Is(err, ErrConnectionClosed) {
				p.close(err)
				return
			}
			p.fail(err)
			return
		}

		p.logger.Debug("ftp response", "code", resp.Code, "message", resp.Message)

		// A preliminary reply is always followed by another one, so it does
		// not settle anything the server owes.
		if !resp.Is1xx() {
			if p.expecting.Add(-1) < 0 {
				p.expecting.Store(0)
				p.fail(unsolicited(resp))
				return
			}
		}

		select {
		case p.replies <- resp:
		case <-p.done:
			return
		}
	}
}

func readError(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("ftp: read reply: %w", err)
}

// unsolicited builds the error for a reply nobody asked for. 421 is the
// server announcing it is going away, so its text is kept.
func unsolicited(resp *Response) error {
	if resp.Code == 421 {
		return &ReplyError{Command: "(unsolicited)", Response: resp.Message, Code: resp.Code}
	}
	return &ProtocolError{Line: resp.String(), Reason: "reply out of sequence"}
}

// fail reports a fatal error to the owner. The owner is expected to close
// the pipeline with the same cause.
func (p *pipeline) fail(err error) {
	p.onFail(err)
	p.close(err)
}

// close wakes every waiter with err. Later calls are ignored.
func (p *pipeline) close(err error) {
	p.closeOnce.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		p.err = err
		close(p.done)
	})
}

// closed reports the close cause, or nil while the pipeline is open.
func (p *pipeline) closed() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// acquire waits for the caller's turn. Replies left behind by callers that
// gave up are discarded before the turn is granted.
func (p *pipeline) acquire(ctx context.Context) error {
	select {
	case p.turn <- struct{}{}:
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}

	for p.stale > 0 {
		// The reply drained here is already counted as stale; giving up
		// on it must not count it twice.
		resp, err := p.wait(ctx, false)
		if err != nil {
			p.release()
			if ctx.Err() == nil && p.closed() == nil {
				// The owed reply never came; nothing after it can be trusted.
				p.fail(&ProtocolError{Reason: "reply to an abandoned command never arrived"})
			}
			return err
		}
		if !resp.Is1xx() {
			p.stale--
		}
		p.logger.Debug("discarded stale reply", "code", resp.Code)
	}
	return nil
}

func (p *pipeline) release() {
	select {
	case <-p.turn:
	default:
	}
}

// send writes one command line. The turn must be held.
func (p *pipeline) send(cmd Command) error {
	if err := p.closed(); err != nil {
		return err
	}

	// A line break would smuggle a second command onto the wire.
	if strings.ContainsAny(cmd.Verb, "\r\n") || strings.ContainsAny(cmd.Arg, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.Verb)
	}

	p.logger.Debug("ftp command", "cmd", cmd.redacted())

	p.expecting.Add(1)

	if p.timeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
			werr := &WriteError{Command: cmd.Verb, Err: err}
			p.fail(werr)
			return werr
		}
	}

	if _, err := fmt.Fprintf(p.conn, "%s\r\n", cmd.String()); err != nil {
		werr := &WriteError{Command: cmd.Verb, Err: err}
		p.fail(werr)
		return werr
	}
	return nil
}

// await waits for the next reply. The wait races the reply against ctx and
// the pipeline timeout; when the caller loses the race, the reply it was
// owed is marked stale so the next turn holder can drop it.
func (p *pipeline) await(ctx context.Context) (*Response, error) {
	return p.wait(ctx, true)
}

func (p *pipeline) wait(ctx context.Context, markStale bool) (*Response, error) {
	var timeout <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case resp := <-p.replies:
		return resp, nil
	case <-p.done:
		// Replies parsed before the close are still delivered.
		select {
		case resp := <-p.replies:
			return resp, nil
		default:
		}
		return nil, p.err
	case <-ctx.Done():
		if markStale {
			p.stale++
		}
		return nil, ctx.Err()
	case <-timeout:
		if markStale {
			p.stale++
		}
		return nil, fmt.Errorf("ftp: no reply within %s: %w", p.timeout, context.DeadlineExceeded)
	}
}

// awaitFinal waits for the first reply that is not preliminary.
func (p *pipeline) awaitFinal(ctx context.Context) (*Response, error) {
	for {
		resp, err := p.await(ctx)
		if err != nil {
			return nil, err
		}
		if !resp.Is1xx() {
			return resp, nil
		}
	}
}
