package ftpcluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gonzalop/ftpcluster/internal/ratelimit"
)

// Option is a functional option for configuring a Conn.
type Option func(*Conn) error

// Dialer is the interface used to open control and data sockets.
// *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// WithTimeout sets the timeout for connection and operations.
// This applies to dialing, to every reply wait on the control channel and
// to each read or write on a data channel.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Conn) error {
		c.timeout = timeout
		return nil
	}
}

// WithQuitTimeout bounds how long Quit waits for the server to acknowledge
// QUIT before falling back to Abort. The default is 5 seconds.
func WithQuitTimeout(timeout time.Duration) Option {
	return func(c *Conn) error {
		c.quitTimeout = timeout
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before sending NOOP keep-alive.
// If the connection is idle for longer than this duration, a NOOP command
// will be sent automatically to prevent the server from closing the connection.
//
// Set to 0 to disable automatic keep-alive. A negative timeout is an error.
//
// Example:
//
//	conn, _ := ftpcluster.Dial(ctx, cfg,
//	    ftpcluster.WithIdleTimeout(5*time.Minute),
//	)
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Conn) error {
		if timeout < 0 {
			return fmt.Errorf("negative idle timeout %s", timeout)
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands, responses and state changes will be logged at debug level.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	conn, _ := ftpcluster.Dial(ctx, cfg, ftpcluster.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithDialer sets a custom dialer for the control and data connections.
// This can be used to configure source addresses, proxies, keep-alive settings, etc.
func WithDialer(dialer Dialer) Option {
	return func(c *Conn) error {
		c.dialer = dialer
		return nil
	}
}

// WithDisableEPSV disables the use of the EPSV command.
// By default, the client tries EPSV before falling back to PASV.
// This option forces the client to use PASV directly, which can be useful
// for servers that don't support EPSV correctly or are behind firewalls
// that block EPSV.
func WithDisableEPSV() Option {
	return func(c *Conn) error {
		c.disableEPSV = true
		return nil
	}
}

// WithBandwidthLimit caps the data channel throughput of the connection in
// bytes per second. A value of zero or less means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Conn) error {
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// withLimiter shares an existing limiter, so that a whole cluster stays
// under one aggregate cap.
func withLimiter(l *ratelimit.Limiter) Option {
	return func(c *Conn) error {
		c.limiter = l
		return nil
	}
}

// WithProgress registers a callback invoked as data channel bytes move.
// It receives the transfer command verb, the remote path and the running
// byte count for that transfer.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Conn) error {
		c.progress = fn
		return nil
	}
}
