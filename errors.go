package ftpcluster

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted settles a Conn's lifetime when Abort is called without a cause.
	ErrAborted = errors.New("ftpcluster: connection aborted")

	// ErrConnectionClosed is the cause recorded when the server closes the
	// control channel while the connection is still in use.
	ErrConnectionClosed = errors.New("ftpcluster: control connection closed by server")

	// ErrClusterClosed is returned by Submit after Shutdown, and fails the
	// work units that were still pending when the cluster shut down.
	ErrClusterClosed = errors.New("ftpcluster: cluster is shut down")

	// ErrNoConnections fails pending work units once every connection of a
	// cluster has died and no replacement is being dialed.
	ErrNoConnections = errors.New("ftpcluster: no live connections left")

	// ErrInvalidCommand is returned, without touching the connection, for a
	// command whose verb or argument contains CR or LF.
	ErrInvalidCommand = errors.New("ftpcluster: line break in command")
)

// ReplyError represents a well-formed reply whose code was not the one the
// command expected. It carries the full context of the exchange.
type ReplyError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the message received from the server (e.g., "Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ReplyError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ReplyError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ReplyError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *ReplyError) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ReplyError) IsPermanent() bool {
	return e.Is5xx()
}

// ProtocolError reports a malformed or out-of-sequence server reply. It is
// fatal: the connection that produced it is aborted.
type ProtocolError struct {
	// Line is the offending raw line, if any.
	Line string

	// Reason describes what was wrong with it.
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "ftp: protocol error: " + e.Reason
	}
	return fmt.Sprintf("ftp: protocol error: %s: %q", e.Reason, e.Line)
}

// ConnectError reports a failure to establish the control channel.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ftp: connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports that the server rejected the credentials.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ftp: login as %q rejected: %v", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// WriteError reports that a command could not be written to the control channel.
type WriteError struct {
	Command string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ftp: write %s: %v", e.Command, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DataChannelError reports a failure to negotiate or use a data channel.
// The control connection survives it.
type DataChannelError struct {
	Op  string
	Err error
}

func (e *DataChannelError) Error() string {
	return fmt.Sprintf("ftp: data channel %s: %v", e.Op, e.Err)
}

func (e *DataChannelError) Unwrap() error { return e.Err }

// NotReadyError is returned when an operation is attempted in a state that
// does not allow it. The connection is left untouched.
type NotReadyError struct {
	Op    string
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("ftp: %s not allowed in state %s", e.Op, e.State)
}

// AlreadyConnectedError is returned by a second call to Conn.Connect.
type AlreadyConnectedError struct {
	State State
}

func (e *AlreadyConnectedError) Error() string {
	return fmt.Sprintf("ftp: connect already called (state %s)", e.State)
}
