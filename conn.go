package ftpcluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/google/uuid"

	"github.com/gonzalop/ftpcluster/internal/ratelimit"
)

// Conn is one FTP control connection and its lifecycle.
//
// A Conn moves from StateUnconnected through connect and login to
// StateReady, toggles between Ready and Busy while commands run, and ends in
// StateFinished either cleanly (Quit) or through Abort. The Lifetime settles
// exactly once when it gets there.
type Conn struct {
	id  string
	cfg Config

	// timeout is the timeout for dialing and for every reply wait
	timeout time.Duration

	// quitTimeout bounds the wait for the QUIT acknowledgment
	quitTimeout time.Duration

	// idleTimeout is the maximum time to wait before sending NOOP to keep
	// the connection alive. If zero, no automatic keep-alive is performed
	idleTimeout time.Duration

	logger      *slog.Logger
	dialer      Dialer
	disableEPSV bool
	limiter     *ratelimit.Limiter
	progress    ProgressFunc

	lifetime *Lifetime

	// mu protects the fields below
	mu          sync.Mutex
	state       State
	netConn     net.Conn
	pipe        *pipeline
	activeData  net.Conn
	lastCommand time.Time
	currentType string
	quitChan    chan struct{}
}

// NewConn creates an unconnected Conn. The config is normalized and
// validated; no network activity happens until Connect.
func NewConn(cfg Config, options ...Option) (*Conn, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Conn{
		id:          uuid.NewString(),
		cfg:         cfg,
		timeout:     30 * time.Second,
		quitTimeout: 5 * time.Second,
		dialer:      &net.Dialer{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		lifetime:    newLifetime(),
		state:       StateUnconnected,
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.logger = c.logger.With("conn", c.id)
	return c, nil
}

// Dial creates a Conn and connects it. If either step fails the combined
// operation fails and no Conn is returned.
//
// Example:
//
//	conn, err := ftpcluster.Dial(ctx, ftpcluster.Config{Host: "ftp.example.com"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Quit(context.Background())
func Dial(ctx context.Context, cfg Config, options ...Option) (*Conn, error) {
	c, err := NewConn(cfg, options...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the unique identifier used in logs and metrics.
func (c *Conn) ID() string { return c.id }

// Config returns the effective, normalized configuration.
func (c *Conn) Config() Config { return c.cfg }

// Lifetime returns the cell that settles when the connection stops for good.
func (c *Conn) Lifetime() *Lifetime { return c.lifetime }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// fire applies event e. c.mu must be held.
func (c *Conn) fire(e event) error {
	to, err := next(c.state, e)
	if err != nil {
		return err
	}
	if to != c.state {
		c.logger.Debug("state change", "from", c.state, "to", to, "event", e)
	}
	c.state = to
	return nil
}

// Connect dials the server, reads the greeting and logs in. It may only be
// called once; later calls return *AlreadyConnectedError and leave the
// connection alone.
//
// On failure the connection is aborted with the returned error, which is a
// *ConnectError or an *AuthError.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnconnected {
		s := c.state
		c.mu.Unlock()
		return &AlreadyConnectedError{State: s}
	}
	_ = c.fire(evDial)
	c.mu.Unlock()

	addr := c.cfg.Addr()
	c.logger.Debug("connecting to ftp server", "addr", addr)

	dialCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	nc, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return c.connectFailed(&ConnectError{Addr: addr, Err: err})
	}

	c.mu.Lock()
	if c.state == StateFinished {
		// Aborted while dialing.
		c.mu.Unlock()
		nc.Close()
		return &ConnectError{Addr: addr, Err: c.lifetime.Err()}
	}
	c.netConn = nc
	c.pipe = newPipeline(nc, c.timeout, c.logger, func(err error) { c.Abort(err) })
	p := c.pipe
	c.mu.Unlock()

	go p.readLoop()

	if err := p.acquire(ctx); err != nil {
		return c.connectFailed(&ConnectError{Addr: addr, Err: err})
	}
	defer p.release()

	resp, err := p.awaitFinal(ctx)
	if err != nil {
		return c.connectFailed(&ConnectError{Addr: addr, Err: err})
	}
	c.logger.Debug("ftp greeting", "code", resp.Code, "message", resp.Message)
	if resp.Code != 220 {
		return c.connectFailed(&ConnectError{Addr: addr, Err: replyError(Command{Verb: "CONNECT"}, resp)})
	}

	if err := c.advance(evGreeted); err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}

	if err := c.login(ctx); err != nil {
		return c.connectFailed(err)
	}

	if err := c.advance(evLoggedIn); err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}

	c.mu.Lock()
	c.lastCommand = time.Now()
	c.mu.Unlock()

	metrics.IncrCounter([]string{"ftp", "conn", "connected"}, 1)
	c.logger.Debug("connection ready", "addr", addr, "user", c.cfg.User)

	c.startKeepAlive()
	return nil
}

// advance applies e, reporting the lifetime cause if the connection was
// aborted concurrently.
func (c *Conn) advance(e event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fire(e); err != nil {
		if cause := c.lifetime.Err(); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

func (c *Conn) connectFailed(err error) error {
	metrics.IncrCounter([]string{"ftp", "conn", "connect_failed"}, 1)
	c.Abort(err)
	return err
}

// login runs USER/PASS. The pipeline turn must be held.
func (c *Conn) login(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, Command{Verb: "USER", Arg: c.cfg.User, Expect: ExpectAny})
	if err != nil {
		return &AuthError{User: c.cfg.User, Err: err}
	}

	// If we get 230, we're already logged in (no password required)
	if resp.Code == 230 {
		return nil
	}

	// If we get 331, we need to send the password
	if resp.Code != 331 {
		return &AuthError{User: c.cfg.User, Err: replyError(Command{Verb: "USER"}, resp)}
	}

	resp, err = c.roundTrip(ctx, Command{Verb: "PASS", Arg: c.cfg.Pass, Expect: ExpectAny})
	if err != nil {
		return &AuthError{User: c.cfg.User, Err: err}
	}
	if resp.Code != 230 && resp.Code != 202 {
		return &AuthError{User: c.cfg.User, Err: replyError(Command{Verb: "PASS"}, resp)}
	}
	return nil
}

// roundTrip sends cmd and returns its reply. For ExpectMark commands the
// first reply is returned as soon as it arrives, and the caller collects the
// completion with awaitCompletion. The pipeline turn must be held.
func (c *Conn) roundTrip(ctx context.Context, cmd Command) (*Response, error) {
	c.mu.Lock()
	p := c.pipe
	c.mu.Unlock()
	if p == nil {
		return nil, &NotReadyError{Op: cmd.Verb, State: c.State()}
	}

	start := time.Now()
	labels := []metrics.Label{{Name: "verb", Value: cmd.Verb}}
	defer metrics.MeasureSinceWithLabels([]string{"ftp", "command"}, start, labels)

	if err := p.send(cmd); err != nil {
		return nil, err
	}

	var (
		resp *Response
		err  error
	)
	if cmd.Expect == ExpectMark {
		resp, err = p.await(ctx)
	} else {
		resp, err = p.awaitFinal(ctx)
	}
	if err != nil {
		return nil, err
	}

	if !cmd.accepts(resp) {
		metrics.IncrCounterWithLabels([]string{"ftp", "command", "rejected"}, 1, labels)
		return resp, replyError(cmd, resp)
	}
	return resp, nil
}

// awaitCompletion collects the completion reply of an ExpectMark command
// whose preliminary reply has been read. The pipeline turn must be held.
func (c *Conn) awaitCompletion(ctx context.Context, cmd Command) (*Response, error) {
	c.mu.Lock()
	p := c.pipe
	c.mu.Unlock()

	resp, err := p.awaitFinal(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("ftp data transfer complete", "code", resp.Code, "message", resp.Message)
	if !resp.Is2xx() {
		return resp, replyError(cmd, resp)
	}
	return resp, nil
}

// begin takes the pipeline turn for op, moving the connection to Busy.
// Misuse is reported synchronously with *NotReadyError.
func (c *Conn) begin(ctx context.Context, op string) error {
	c.mu.Lock()
	s, p := c.state, c.pipe
	c.mu.Unlock()
	if s != StateReady && s != StateBusy {
		return &NotReadyError{Op: op, State: s}
	}

	if err := p.acquire(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fire(evAcquire); err != nil {
		p.release()
		if cause := c.lifetime.Err(); cause != nil {
			return cause
		}
		return &NotReadyError{Op: op, State: c.state}
	}
	return nil
}

// end hands the turn back and returns the connection to Ready.
func (c *Conn) end() {
	c.mu.Lock()
	p := c.pipe
	if c.state == StateBusy {
		_ = c.fire(evRelease)
	}
	c.lastCommand = time.Now()
	c.mu.Unlock()
	p.release()
}

// Execute queues cmd behind any command already in flight and returns its
// reply. It fails with *NotReadyError before login completes or once the
// connection has finished. A reply of the wrong class is returned together
// with a *ReplyError; the connection stays usable.
func (c *Conn) Execute(ctx context.Context, cmd Command) (*Response, error) {
	if cmd.Expect == ExpectMark {
		return nil, fmt.Errorf("ftp: %s needs a data channel; use a transfer method", cmd.Verb)
	}
	if err := c.begin(ctx, cmd.Verb); err != nil {
		return nil, err
	}
	defer c.end()
	return c.roundTrip(ctx, cmd)
}

// Quit closes the connection gracefully by sending the QUIT command.
// It waits for the acknowledgment for at most the quit timeout; if the
// server does not answer in time, the connection is aborted instead.
// Before login has completed there is no session to close, so Quit aborts
// the connection (a Connect in progress fails) and returns nil.
// Calling Quit on a finished connection is a no-op.
func (c *Conn) Quit(ctx context.Context) error {
	c.mu.Lock()
	s, p := c.state, c.pipe
	c.mu.Unlock()
	switch s {
	case StateFinished:
		return nil
	case StateUnconnected, StateConnecting, StateAuthenticating:
		c.Abort(fmt.Errorf("ftp: quit in state %s: %w", s, ErrAborted))
		return nil
	case StateReady, StateBusy:
	default:
		return &NotReadyError{Op: "QUIT", State: s}
	}

	c.stopKeepAlive()

	if c.quitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.quitTimeout)
		defer cancel()
	}

	if err := p.acquire(ctx); err != nil {
		c.Abort(fmt.Errorf("ftp: quit: %w", err))
		return err
	}
	defer p.release()

	c.mu.Lock()
	err := c.fire(evAcquire)
	if err == nil {
		err = c.fire(evQuit)
	}
	c.mu.Unlock()
	if err != nil {
		// Aborted while waiting for the turn.
		return c.lifetime.Err()
	}
	p.quitting.Store(true)

	if _, err := c.roundTrip(ctx, Cmd("QUIT")); err != nil {
		c.Abort(fmt.Errorf("ftp: quit: %w", err))
		return err
	}

	c.finish(nil)
	return nil
}

// Abort tears the connection down without any protocol exchange. The
// lifetime is settled with cause, or ErrAborted when cause is nil. Abort is
// safe to call any number of times from any goroutine; only the first call
// on a live connection has an effect, and it reports true.
func (c *Conn) Abort(cause error) bool {
	if cause == nil {
		cause = ErrAborted
	}
	return c.finish(cause)
}

// finish moves the connection to StateFinished, settles the lifetime with
// cause (nil for a clean QUIT) and releases the socket.
func (c *Conn) finish(cause error) bool {
	c.mu.Lock()
	if c.state == StateFinished {
		c.mu.Unlock()
		return false
	}
	_ = c.fire(evClosed)
	nc, data, p := c.netConn, c.activeData, c.pipe
	c.activeData = nil
	c.mu.Unlock()

	if cause != nil {
		c.lifetime.fail(cause)
		metrics.IncrCounter([]string{"ftp", "conn", "aborted"}, 1)
		c.logger.Debug("connection aborted", "cause", cause)
	} else {
		c.lifetime.settle(nil)
		c.logger.Debug("connection closed")
	}

	c.stopKeepAlive()

	if data != nil {
		data.Close()
	}
	if nc != nil {
		nc.Close()
	}
	if p != nil {
		pcause := cause
		if pcause == nil {
			pcause = ErrConnectionClosed
		}
		p.close(pcause)
	}
	return true
}

// isConnError reports whether err came from the control connection itself
// rather than from the server refusing a command.
func isConnError(err error) bool {
	var re *ReplyError
	return err != nil && !errors.As(err, &re)
}
