package ftpcluster

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/armon/go-metrics"

	"github.com/gonzalop/ftpcluster/internal/ratelimit"
)

// DefaultChunkSize is the buffer size used by Chunks when none is given.
const DefaultChunkSize = 32 * 1024

// errStopped marks a transfer that the consumer of Chunks abandoned.
var errStopped = errors.New("ftp: transfer stopped by consumer")

// dataFunc moves bytes over an open data channel.
type dataFunc func(ctx context.Context, data net.Conn) (int64, error)

// transfer runs one data channel exchange: TYPE, passive negotiation, the
// optional pre commands (e.g. REST), the transfer command, fn over the data
// socket and finally the completion reply.
//
// A data channel failure fails the command with *DataChannelError but the
// completion reply is still collected, so the control connection stays in
// step with the server and usable afterwards.
func (c *Conn) transfer(ctx context.Context, cmd Command, transferType string, pre []Command, fn dataFunc) (int64, error) {
	if err := c.begin(ctx, cmd.Verb); err != nil {
		return 0, err
	}
	defer c.end()

	start := time.Now()
	labels := []metrics.Label{{Name: "verb", Value: cmd.Verb}}

	if err := c.setType(ctx, transferType); err != nil {
		return 0, err
	}

	dataConn, err := c.openPassive(ctx)
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"ftp", "transfer", "failed"}, 1, labels)
		return 0, err
	}
	c.trackData(dataConn)
	defer c.trackData(nil)

	// Cancelling ctx unblocks fn by closing the data socket.
	stop := context.AfterFunc(ctx, func() { dataConn.Close() })
	defer stop()

	for _, p := range pre {
		if _, err := c.roundTrip(ctx, p); err != nil {
			dataConn.Close()
			return 0, err
		}
	}

	cmd.Expect = ExpectMark
	mark, err := c.roundTrip(ctx, cmd)
	if err != nil {
		dataConn.Close()
		metrics.IncrCounterWithLabels([]string{"ftp", "transfer", "failed"}, 1, labels)
		return 0, err
	}

	n, xferErr := fn(ctx, dataConn)
	if closeErr := dataConn.Close(); xferErr == nil && closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		xferErr = closeErr
	}
	if xferErr != nil && ctx.Err() != nil {
		xferErr = ctx.Err()
	}

	var finalErr error
	if mark.Is1xx() {
		// The reply is owed regardless of why fn stopped.
		_, finalErr = c.awaitCompletion(context.WithoutCancel(ctx), cmd)
	}

	metrics.IncrCounterWithLabels([]string{"ftp", "transfer", "bytes"}, float32(n), labels)
	metrics.MeasureSinceWithLabels([]string{"ftp", "transfer"}, start, labels)

	switch {
	case finalErr != nil && isConnError(finalErr):
		return n, finalErr
	case xferErr != nil:
		metrics.IncrCounterWithLabels([]string{"ftp", "transfer", "failed"}, 1, labels)
		return n, &DataChannelError{Op: cmd.Verb, Err: xferErr}
	case finalErr != nil:
		metrics.IncrCounterWithLabels([]string{"ftp", "transfer", "failed"}, 1, labels)
		return n, finalErr
	}
	return n, nil
}

func (c *Conn) trackData(dc net.Conn) {
	c.mu.Lock()
	c.activeData = dc
	c.mu.Unlock()
}

// reader wraps the data socket with the bandwidth limit and progress callback.
func (c *Conn) reader(ctx context.Context, cmd Command, r io.Reader) io.Reader {
	r = ratelimit.NewReader(ctx, r, c.limiter)
	if c.progress == nil {
		return r
	}
	return &progressReader{r: r, fn: func(n int64) { c.progress(cmd.Verb, cmd.Arg, n) }}
}

// writer wraps the data socket with the bandwidth limit and progress callback.
func (c *Conn) writer(ctx context.Context, cmd Command, w io.Writer) io.Writer {
	w = ratelimit.NewWriter(ctx, w, c.limiter)
	if c.progress == nil {
		return w
	}
	return &progressWriter{w: w, fn: func(n int64) { c.progress(cmd.Verb, cmd.Arg, n) }}
}

// Chunks returns the content of a remote file as a lazy sequence of byte
// chunks of at most size bytes (DefaultChunkSize if size <= 0).
//
// Nothing happens until the sequence is ranged over, and every range is a
// separate attempt with its own data channel, so a failed download can be
// retried by ranging again. Breaking out of the loop cancels the transfer.
// A yielded slice is only valid until the next iteration. A failure is
// yielded once, as the last element, with a nil chunk.
//
// The connection is busy for the whole loop: any other call on the same
// Conn from inside the loop body waits until the loop ends, so with a
// context that never expires it deadlocks. Use a second connection for
// such work.
//
// Example:
//
//	for chunk, err := range conn.Chunks(ctx, "big.iso", 0) {
//	    if err != nil {
//	        return err
//	    }
//	    h.Write(chunk)
//	}
func (c *Conn) Chunks(ctx context.Context, path string, size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func([]byte, error) bool) {
		cmd := Cmd("RETR", path)
		stopped := false
		_, err := c.transfer(ctx, cmd, "I", nil, func(ctx context.Context, data net.Conn) (int64, error) {
			r := c.reader(ctx, cmd, data)
			buf := make([]byte, size)
			var total int64
			for {
				n, err := r.Read(buf)
				if n > 0 {
					total += int64(n)
					if !yield(buf[:n], nil) {
						stopped = true
						return total, errStopped
					}
				}
				if err == io.EOF {
					return total, nil
				}
				if err != nil {
					return total, err
				}
			}
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// Retrieve downloads the remote path into w and returns the byte count.
// The transfer is performed in binary mode (TYPE I).
//
// Example:
//
//	file, err := os.Create("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	_, err = conn.Retrieve(ctx, "remote.txt", file)
func (c *Conn) Retrieve(ctx context.Context, path string, w io.Writer) (int64, error) {
	return c.RetrieveFrom(ctx, path, w, 0)
}

// RetrieveFrom downloads a file starting from the specified byte offset.
// This is useful for resuming interrupted downloads (RFC 3659 REST).
func (c *Conn) RetrieveFrom(ctx context.Context, path string, w io.Writer, offset int64) (int64, error) {
	cmd := Cmd("RETR", path)
	var pre []Command
	if offset > 0 {
		pre = append(pre, Command{Verb: "REST", Arg: strconv.FormatInt(offset, 10), Expect: ExpectIntermediate})
	}
	return c.transfer(ctx, cmd, "I", pre, func(ctx context.Context, data net.Conn) (int64, error) {
		return io.Copy(w, c.reader(ctx, cmd, data))
	})
}

// Store uploads data from r to the remote path and returns the byte count.
// The transfer is performed in binary mode (TYPE I).
func (c *Conn) Store(ctx context.Context, path string, r io.Reader) (int64, error) {
	return c.upload(ctx, Cmd("STOR", path), r)
}

// Append appends data from r to the remote path.
// If the file doesn't exist, it will be created.
func (c *Conn) Append(ctx context.Context, path string, r io.Reader) (int64, error) {
	return c.upload(ctx, Cmd("APPE", path), r)
}

func (c *Conn) upload(ctx context.Context, cmd Command, r io.Reader) (int64, error) {
	return c.transfer(ctx, cmd, "I", nil, func(ctx context.Context, data net.Conn) (int64, error) {
		return io.Copy(c.writer(ctx, cmd, data), r)
	})
}

// NameList returns the names in a remote directory (NLST).
func (c *Conn) NameList(ctx context.Context, path string) ([]string, error) {
	cmd := Cmd("NLST", path)
	var names []string
	_, err := c.transfer(ctx, cmd, "A", nil, func(ctx context.Context, data net.Conn) (int64, error) {
		pr := &progressReader{r: c.reader(ctx, cmd, data)}
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			if name := strings.TrimSpace(scanner.Text()); name != "" {
				names = append(names, name)
			}
		}
		return pr.total, scanner.Err()
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
