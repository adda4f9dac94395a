package ftpcluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/ftpcluster/internal/ratelimit"
)

// ClusterOption configures a Cluster.
type ClusterOption func(*clusterOptions)

type clusterOptions struct {
	connOptions   []Option
	logger        *slog.Logger
	replaceFailed bool
	retry         RetryConfig
	drainTimeout  time.Duration
	requireAll    bool
	bandwidth     int64
}

// WithConnOptions applies opts to every connection the cluster dials,
// including replacements.
func WithConnOptions(opts ...Option) ClusterOption {
	return func(o *clusterOptions) {
		o.connOptions = append(o.connOptions, opts...)
	}
}

// WithClusterLogger sets the logger used by the cluster and, unless
// overridden through WithConnOptions, by its connections.
func WithClusterLogger(logger *slog.Logger) ClusterOption {
	return func(o *clusterOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReplaceFailed makes the cluster dial a replacement whenever a
// connection dies, retrying the dial according to rc.
func WithReplaceFailed(rc RetryConfig) ClusterOption {
	return func(o *clusterOptions) {
		o.replaceFailed = true
		o.retry = rc
	}
}

// WithDrainTimeout bounds how long Shutdown waits for in-flight work when
// the caller's context has no deadline of its own. The default is 30 seconds.
func WithDrainTimeout(d time.Duration) ClusterOption {
	return func(o *clusterOptions) {
		o.drainTimeout = d
	}
}

// WithRequireAll makes Wait report an aggregate error when any work unit
// failed. Without it, failures are only visible on the units themselves.
func WithRequireAll() ClusterOption {
	return func(o *clusterOptions) {
		o.requireAll = true
	}
}

// WithSharedBandwidthLimit caps the combined data channel throughput of
// all connections in bytes per second.
func WithSharedBandwidthLimit(bytesPerSecond int64) ClusterOption {
	return func(o *clusterOptions) {
		o.bandwidth = bytesPerSecond
	}
}

// member is a connection slot in the cluster.
type member struct {
	seq  int
	conn *Conn
}

// Cluster spreads work units over a fixed-size set of connections to the
// same server. Each connection runs at most one unit at a time; a unit goes
// to the first idle connection in insertion order, and queued units are
// dispatched in submission order.
//
// A connection that dies fails only the unit it was running. It is removed
// from the pool and, with WithReplaceFailed, replaced.
type Cluster struct {
	cfg         Config
	size        int
	opts        clusterOptions
	connOptions []Option
	logger      *slog.Logger

	// ctx is handed to operations and cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards everything below. Every mutation happens while reacting
	// to exactly one event: a submission, a unit finishing, a connection
	// dying or a replacement arriving.
	mu        sync.Mutex
	members   []*member
	pending   []*WorkUnit
	inFlight  map[*member]*WorkUnit
	nextSeq   int
	replacing int
	closed    bool

	outstanding int
	drained     chan struct{}
	submitted   int
	succeeded   int
	failures    *multierror.Error
}

// New dials size connections to the server described by cfg and returns
// a Cluster over them. The connections are dialed concurrently; if any of
// them fails, the others are aborted and the combined error is returned.
func New(ctx context.Context, cfg Config, size int, options ...ClusterOption) (*Cluster, error) {
	if size < 1 {
		return nil, fmt.Errorf("ftpcluster: cluster size must be at least 1, got %d", size)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := clusterOptions{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		retry:        DefaultRetryConfig(),
		drainTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(&opts)
	}

	connOptions := []Option{WithLogger(opts.logger)}
	if l := ratelimit.New(opts.bandwidth); l != nil {
		connOptions = append(connOptions, withLimiter(l))
	}
	connOptions = append(connOptions, opts.connOptions...)

	conns := make([]*Conn, size)
	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs *multierror.Error
	)
	for i := range size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := Dial(ctx, cfg, connOptions...)
			if err != nil {
				emu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("connection %d: %w", i, err))
				emu.Unlock()
				return
			}
			conns[i] = conn
		}()
	}
	wg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Abort(err)
			}
		}
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		cfg:         cfg,
		size:        size,
		opts:        opts,
		connOptions: connOptions,
		logger:      opts.logger.With("cluster", cfg.Addr()),
		ctx:         cctx,
		cancel:      cancel,
		inFlight:    make(map[*member]*WorkUnit),
	}

	c.mu.Lock()
	for _, conn := range conns {
		c.addMemberLocked(conn)
	}
	c.mu.Unlock()

	c.logger.Debug("cluster ready", "size", size)
	return c, nil
}

// Submit queues a work unit and dispatches it at once if a connection is
// idle. The returned unit settles with the outcome of op.
func (c *Cluster) Submit(name string, op Operation) (*WorkUnit, error) {
	if op == nil {
		return nil, errors.New("ftpcluster: nil operation")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClusterClosed
	}
	if len(c.members) == 0 && c.replacing == 0 {
		return nil, ErrNoConnections
	}

	u := newWorkUnit(name, op)
	c.submitted++
	if c.outstanding == 0 {
		c.drained = make(chan struct{})
	}
	c.outstanding++
	c.pending = append(c.pending, u)
	c.logger.Debug("work unit submitted", "unit", u.ID, "name", name, "pending", len(c.pending))

	c.dispatchLocked()
	return u, nil
}

// dispatchLocked pairs idle connections with pending units, first idle
// connection first, oldest unit first.
func (c *Cluster) dispatchLocked() {
	for _, m := range c.members {
		if len(c.pending) == 0 {
			break
		}
		if _, busy := c.inFlight[m]; busy {
			continue
		}
		if m.conn.Lifetime().Settled() {
			// Dying; its watcher will remove it.
			continue
		}

		u := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.inFlight[m] = u

		c.logger.Debug("work unit dispatched", "unit", u.ID, "name", u.Name, "conn", m.conn.ID())
		metrics.MeasureSince([]string{"cluster", "unit", "queued"}, u.submitted)
		go c.run(m, u)
	}
	c.reportLocked()
}

// run executes u on m and reacts to its completion.
func (c *Cluster) run(m *member, u *WorkUnit) {
	res, err := c.invoke(m, u)
	if err != nil {
		// A unit that died with its connection fails with the connection's cause.
		if cause := m.conn.Lifetime().Err(); cause != nil {
			err = cause
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[m] == u {
		delete(c.inFlight, m)
	}
	c.completeLocked(u, res, err)
	c.dispatchLocked()
}

func (c *Cluster) invoke(m *member, u *WorkUnit) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ftpcluster: work unit %s panicked: %v", u.Name, r)
		}
	}()
	return u.op(c.ctx, m.conn)
}

// completeLocked settles u and updates the bookkeeping if this was the
// settling call.
func (c *Cluster) completeLocked(u *WorkUnit, res Result, err error) {
	if !u.settle(res, err) {
		return
	}

	if err != nil {
		c.failures = multierror.Append(c.failures, fmt.Errorf("%s: %w", u.Name, err))
		metrics.IncrCounter([]string{"cluster", "unit", "failed"}, 1)
		c.logger.Debug("work unit failed", "unit", u.ID, "name", u.Name, "err", err)
	} else {
		c.succeeded++
		metrics.IncrCounter([]string{"cluster", "unit", "succeeded"}, 1)
		c.logger.Debug("work unit done", "unit", u.ID, "name", u.Name, "bytes", res.Bytes)
	}

	c.outstanding--
	if c.outstanding == 0 {
		close(c.drained)
	}
}

func (c *Cluster) addMemberLocked(conn *Conn) {
	m := &member{seq: c.nextSeq, conn: conn}
	c.nextSeq++
	c.members = append(c.members, m)
	go c.watch(m)
}

// watch waits for a member's connection to stop for good.
func (c *Cluster) watch(m *member) {
	<-m.conn.Lifetime().Done()
	c.memberGone(m)
}

func (c *Cluster) memberGone(m *member) {
	cause := m.conn.Lifetime().Err()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = slices.DeleteFunc(c.members, func(x *member) bool { return x == m })

	if u, ok := c.inFlight[m]; ok && cause != nil {
		delete(c.inFlight, m)
		c.completeLocked(u, Result{}, cause)
	}

	if cause != nil {
		metrics.IncrCounter([]string{"cluster", "conn", "lost"}, 1)
		c.logger.Warn("connection lost", "conn", m.conn.ID(), "err", cause, "members", len(c.members))
	}

	if !c.closed && cause != nil && c.opts.replaceFailed {
		c.replacing++
		go c.replace()
	}

	c.strandedLocked()
	c.reportLocked()
}

// replace dials a new member, retrying transient failures.
func (c *Cluster) replace() {
	var conn *Conn
	err := retry(c.ctx, c.opts.retry, c.logger, "dial replacement", func() error {
		var err error
		conn, err = Dial(c.ctx, c.cfg, c.connOptions...)
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.replacing--

	if err != nil || c.closed {
		if conn != nil {
			conn.Abort(ErrClusterClosed)
		}
		if err != nil {
			c.logger.Warn("replacement failed", "err", err)
		}
		c.strandedLocked()
		return
	}

	c.logger.Debug("replacement connected", "conn", conn.ID())
	metrics.IncrCounter([]string{"cluster", "conn", "replaced"}, 1)
	c.addMemberLocked(conn)
	c.dispatchLocked()
}

// strandedLocked fails the pending units when no connection is left to run
// them and none is on the way.
func (c *Cluster) strandedLocked() {
	if len(c.members) > 0 || c.replacing > 0 {
		return
	}
	for _, u := range c.pending {
		c.completeLocked(u, Result{}, ErrNoConnections)
	}
	c.pending = nil
}

func (c *Cluster) reportLocked() {
	metrics.SetGauge([]string{"cluster", "pending"}, float32(len(c.pending)))
	metrics.SetGauge([]string{"cluster", "in_flight"}, float32(len(c.inFlight)))
	metrics.SetGauge([]string{"cluster", "members"}, float32(len(c.members)))
}

// Wait blocks until every submitted unit has settled or ctx is done. With
// WithRequireAll it returns the aggregate of all unit failures so far.
func (c *Cluster) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.drained
	busy := c.outstanding > 0
	c.mu.Unlock()

	if busy {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !c.opts.requireAll {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures.ErrorOrNil()
}

// Shutdown stops accepting work and fails the units still queued with
// ErrClusterClosed. It then waits for the units already running until ctx
// is done (or the drain timeout, if ctx has no deadline), and finally
// aborts every remaining connection. It returns the context error if the
// drain was cut short.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, u := range c.pending {
		c.completeLocked(u, Result{}, ErrClusterClosed)
	}
	c.pending = nil
	running := make([]*WorkUnit, 0, len(c.inFlight))
	for _, u := range c.inFlight {
		running = append(running, u)
	}
	c.reportLocked()
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && c.opts.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.drainTimeout)
		defer cancel()
	}

	var drainErr error
drain:
	for _, u := range running {
		select {
		case <-u.Done():
		case <-ctx.Done():
			drainErr = ctx.Err()
			break drain
		}
	}

	c.cancel()

	c.mu.Lock()
	members := slices.Clone(c.members)
	c.mu.Unlock()

	for _, m := range members {
		m.conn.Abort(ErrClusterClosed)
	}

	c.logger.Debug("cluster shut down", "aborted", len(members), "drain_err", drainErr)
	return drainErr
}

// Stats is a point-in-time view of a cluster.
type Stats struct {
	Members   int
	Idle      int
	InFlight  int
	Pending   int
	Replacing int
	Submitted int
	Succeeded int
	Failed    int
}

// Stats returns current cluster statistics.
func (c *Cluster) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := 0
	if c.failures != nil {
		failed = len(c.failures.Errors)
	}
	return Stats{
		Members:   len(c.members),
		Idle:      max(0, len(c.members)-len(c.inFlight)),
		InFlight:  len(c.inFlight),
		Pending:   len(c.pending),
		Replacing: c.replacing,
		Submitted: c.submitted,
		Succeeded: c.succeeded,
		Failed:    failed,
	}
}
