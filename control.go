package ftpcluster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReplyKind is the class of reply a command expects.
type ReplyKind int

const (
	// ExpectCompletion accepts a 2xx reply.
	ExpectCompletion ReplyKind = iota

	// ExpectIntermediate accepts a 3xx reply (e.g. REST, RNFR).
	ExpectIntermediate

	// ExpectMark accepts a 1xx preliminary reply that is followed by a
	// second, completion reply once the data transfer is over.
	ExpectMark

	// ExpectAny performs no class check.
	ExpectAny
)

// Command is a single control channel request.
type Command struct {
	// Verb is the command name (e.g., "RETR")
	Verb string

	// Arg is the optional argument
	Arg string

	// Expect is the reply class the command must receive to succeed
	Expect ReplyKind
}

// Cmd builds a Command expecting a 2xx completion.
func Cmd(verb string, args ...string) Command {
	return Command{Verb: verb, Arg: strings.Join(args, " ")}
}

// String returns the command line as sent on the wire, without CRLF.
func (c Command) String() string {
	if c.Arg == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Arg
}

// redacted returns the command line with PASS arguments hidden, for logs.
func (c Command) redacted() string {
	if strings.EqualFold(c.Verb, "PASS") {
		return "PASS ****"
	}
	return c.String()
}

// accepts reports whether resp satisfies the expected reply kind.
func (c Command) accepts(resp *Response) bool {
	switch c.Expect {
	case ExpectCompletion:
		return resp.Is2xx()
	case ExpectIntermediate:
		return resp.Is3xx()
	case ExpectMark:
		return resp.Is1xx() || resp.Is2xx()
	default:
		return true
	}
}

// Response represents an FTP server response. A Response is only produced
// once it is final: for a multi-line reply that is when the closing
// "NNN text" line has been read. That is why it carries no "final" flag;
// partial replies never leave the parser.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550)
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string
}

// Is1xx returns true if the response code is in the 1xx range (preliminary).
func (r *Response) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the response code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the response code is in the 4xx range (temporary failure).
func (r *Response) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the response code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// replyError converts an unexpected reply into a ReplyError for cmd.
func replyError(cmd Command, resp *Response) *ReplyError {
	return &ReplyError{
		Command:  cmd.redacted(),
		Response: resp.Message,
		Code:     resp.Code,
	}
}

// parseCode validates the "NNN" prefix of a reply line.
func parseCode(line string) (int, error) {
	if len(line) < 3 {
		return 0, &ProtocolError{Line: line, Reason: "short reply line"}
	}
	for i := range 3 {
		if line[i] < '0' || line[i] > '9' {
			return 0, &ProtocolError{Line: line, Reason: "reply does not start with a numeric code"}
		}
	}
	code, _ := strconv.Atoi(line[:3])
	if code < 100 || code > 599 {
		return 0, &ProtocolError{Line: line, Reason: "reply code out of range"}
	}
	return code, nil
}

// readResponse reads a complete FTP response from the reader.
// It handles both single-line and multi-line responses.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"150-Opening data connection\r\n"
//	"150-This is line 2\r\n"
//	"150 Transfer complete\r\n"
//
// The response is complete when a line starts with the opening code followed
// by a space. Malformed input yields a *ProtocolError; I/O failures are
// returned as is.
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	code, err := parseCode(line)
	if err != nil {
		return nil, err
	}

	// "NNN" alone is a legal, if terse, final reply.
	if len(line) == 3 {
		return &Response{Code: code, Lines: []string{line}}, nil
	}

	lines := []string{line}

	// Optimization for common single-line response
	if line[3] == ' ' {
		return &Response{
			Code:    code,
			Message: line[4:],
			Lines:   lines,
		}, nil
	}

	// Multi-line response must start with '-'
	if line[3] != '-' {
		return nil, &ProtocolError{Line: line, Reason: "invalid reply separator"}
	}

	if err := readMultiLine(r, code, &lines); err != nil {
		return nil, err
	}

	prefix := line[:3]
	var messageLines []string
	for _, l := range lines {
		switch {
		case len(l) >= 4 && l[:3] == prefix && (l[3] == '-' || l[3] == ' '):
			messageLines = append(messageLines, l[4:])
		case l != prefix:
			messageLines = append(messageLines, strings.TrimSpace(l))
		}
	}

	return &Response{
		Code:    code,
		Message: strings.Join(messageLines, "\n"),
		Lines:   lines,
	}, nil
}

func readMultiLine(r *bufio.Reader, code int, lines *[]string) error {
	codeStr := fmt.Sprintf("%03d", code)

	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		// RFC 2389 continuation (starts with space)
		if len(line) > 0 && line[0] == ' ' {
			*lines = append(*lines, line)
			continue
		}

		// Lines inside a block that do not carry the opening code are free
		// text (RFC 959 section 4.2); only "NNN " with the same code ends it.
		*lines = append(*lines, line)

		if len(line) >= 4 && line[:3] == codeStr && line[3] == ' ' {
			return nil
		}
		if len(line) == 3 && line == codeStr {
			return nil
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
