package ftpcluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Noop sends a NOOP (no operation) command to the server.
// This is useful as a keepalive to prevent the connection from timing out.
func (c *Conn) Noop(ctx context.Context) error {
	_, err := c.Execute(ctx, Cmd("NOOP"))
	return err
}

// Quote sends a raw command to the server and returns the response.
// No reply class check is performed.
//
// Example:
//
//	resp, err := conn.Quote(ctx, "SITE", "CHMOD", "755", "script.sh")
func (c *Conn) Quote(ctx context.Context, command string, args ...string) (*Response, error) {
	cmd := Cmd(command, args...)
	cmd.Expect = ExpectAny
	return c.Execute(ctx, cmd)
}

// Type sets the transfer type (e.g., "A", "I").
func (c *Conn) Type(ctx context.Context, transferType string) error {
	if err := c.begin(ctx, "TYPE"); err != nil {
		return err
	}
	defer c.end()
	return c.setType(ctx, transferType)
}

// setType sends TYPE unless the type is already in effect. The pipeline
// turn must be held.
func (c *Conn) setType(ctx context.Context, transferType string) error {
	c.mu.Lock()
	current := c.currentType
	c.mu.Unlock()
	if current == transferType {
		c.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
		return nil
	}

	if _, err := c.roundTrip(ctx, Cmd("TYPE", transferType)); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentType = transferType
	c.mu.Unlock()
	return nil
}

// ChangeDir changes the current working directory.
func (c *Conn) ChangeDir(ctx context.Context, path string) error {
	_, err := c.Execute(ctx, Cmd("CWD", path))
	return err
}

// CurrentDir returns the current working directory.
func (c *Conn) CurrentDir(ctx context.Context) (string, error) {
	resp, err := c.Execute(ctx, Cmd("PWD"))
	if err != nil {
		return "", err
	}

	// Example: 257 "/home/user" is the current directory
	msg := resp.Message
	start := strings.Index(msg, "\"")
	if start == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}
	end := strings.LastIndex(msg, "\"")
	if end <= start {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}

	// Embedded quotes are doubled (RFC 959 appendix II).
	return strings.ReplaceAll(msg[start+1:end], `""`, `"`), nil
}

// MakeDir creates a new directory.
func (c *Conn) MakeDir(ctx context.Context, path string) error {
	_, err := c.Execute(ctx, Cmd("MKD", path))
	return err
}

// RemoveDir removes a directory.
func (c *Conn) RemoveDir(ctx context.Context, path string) error {
	_, err := c.Execute(ctx, Cmd("RMD", path))
	return err
}

// Delete removes a file.
func (c *Conn) Delete(ctx context.Context, path string) error {
	_, err := c.Execute(ctx, Cmd("DELE", path))
	return err
}

// Rename renames a file or directory. RNFR and RNTO are sent back to back
// without letting another command in between.
func (c *Conn) Rename(ctx context.Context, from, to string) error {
	if err := c.begin(ctx, "RNFR"); err != nil {
		return err
	}
	defer c.end()

	if _, err := c.roundTrip(ctx, Command{Verb: "RNFR", Arg: from, Expect: ExpectIntermediate}); err != nil {
		return err
	}
	_, err := c.roundTrip(ctx, Cmd("RNTO", to))
	return err
}

// Size returns the size of a remote file in bytes (RFC 3659).
func (c *Conn) Size(ctx context.Context, path string) (int64, error) {
	if err := c.begin(ctx, "SIZE"); err != nil {
		return 0, err
	}
	defer c.end()

	// SIZE is only meaningful in binary mode.
	if err := c.setType(ctx, "I"); err != nil {
		return 0, err
	}

	resp, err := c.roundTrip(ctx, Cmd("SIZE", path))
	if err != nil {
		return 0, err
	}
	if resp.Code != 213 {
		return 0, replyError(Cmd("SIZE", path), resp)
	}

	size, err := strconv.ParseInt(strings.TrimSpace(resp.Message), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE response: %s", resp.Message)
	}
	return size, nil
}
