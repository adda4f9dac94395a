package ftpcluster

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadResponse_SingleLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		wantCode int
		wantMsg  string
	}{
		{name: "simple success", input: "220 Welcome\r\n", wantCode: 220, wantMsg: "Welcome"},
		{name: "error response", input: "550 File not found\r\n", wantCode: 550, wantMsg: "File not found"},
		{name: "code with no message", input: "200 \r\n", wantCode: 200, wantMsg: ""},
		{name: "bare code", input: "200\r\n", wantCode: 200, wantMsg: ""},
		{name: "bare newline", input: "226 Done\n", wantCode: 226, wantMsg: "Done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := readResponse(bufio.NewReader(strings.NewReader(tt.input)))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Message)
		})
	}
}

func TestReadResponse_MultiLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		wantCode  int
		wantMsg   string
		wantLines int
	}{
		{
			name: "multi-line response",
			input: "220-Welcome to FTP\r\n" +
				"220-This is line 2\r\n" +
				"220 Ready\r\n",
			wantCode:  220,
			wantMsg:   "Welcome to FTP\nThis is line 2\nReady",
			wantLines: 3,
		},
		{
			name: "preliminary reply with free text",
			input: "150-Opening data connection\r\n" +
				"    for big.iso\r\n" +
				"150 1048576 bytes\r\n",
			wantCode:  150,
			wantMsg:   "Opening data connection\nfor big.iso\n1048576 bytes",
			wantLines: 3,
		},
		{
			name: "other codes inside the block are text",
			input: "211-Status\r\n" +
				"200 looks final but is not\r\n" +
				"211 End\r\n",
			wantCode:  211,
			wantMsg:   "Status\n200 looks final but is not\nEnd",
			wantLines: 3,
		},
		{
			name: "RFC 2389 feature list",
			input: "211-Extensions supported:\r\n" +
				" MLST size*;create;modify*;perm;media-type\r\n" +
				" SIZE\r\n" +
				" MDTM\r\n" +
				"211 END\r\n",
			wantCode:  211,
			wantMsg:   "Extensions supported:\nMLST size*;create;modify*;perm;media-type\nSIZE\nMDTM\nEND",
			wantLines: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := readResponse(bufio.NewReader(strings.NewReader(tt.input)))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Message)
			assert.Len(t, resp.Lines, tt.wantLines)
		})
	}
}

func TestReadResponse_OnlyFinalBlocksAreEmitted(t *testing.T) {
	t.Parallel()
	input := "150-Here it comes\r\n150 go\r\n226 Transfer complete\r\n"
	r := bufio.NewReader(strings.NewReader(input))

	first, err := readResponse(r)
	require.NoError(t, err)
	assert.Equal(t, 150, first.Code)
	assert.True(t, first.Is1xx())

	second, err := readResponse(r)
	require.NoError(t, err)
	assert.Equal(t, 226, second.Code)

	_, err = readResponse(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadResponse_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{name: "not a number", input: "hello world\r\n"},
		{name: "short line", input: "22\r\n"},
		{name: "code out of range", input: "999 nope\r\n"},
		{name: "code below range", input: "042 nope\r\n"},
		{name: "bad separator", input: "220:Welcome\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readResponse(bufio.NewReader(strings.NewReader(tt.input)))
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.NotEmpty(t, pe.Reason)
		})
	}
}

func TestReadResponse_Truncated(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{name: "partial line", input: "220 Welc"},
		{name: "unterminated block", input: "220-Welcome\r\n220-more\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readResponse(bufio.NewReader(strings.NewReader(tt.input)))
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		})
	}
}

func TestResponse_CodeChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code  int
		is1xx bool
		is2xx bool
		is3xx bool
		is4xx bool
		is5xx bool
	}{
		{150, true, false, false, false, false},
		{200, false, true, false, false, false},
		{220, false, true, false, false, false},
		{331, false, false, true, false, false},
		{421, false, false, false, true, false},
		{550, false, false, false, false, true},
	}

	for _, tt := range tests {
		resp := &Response{Code: tt.code}
		assert.Equal(t, tt.is1xx, resp.Is1xx(), "Is1xx(%d)", tt.code)
		assert.Equal(t, tt.is2xx, resp.Is2xx(), "Is2xx(%d)", tt.code)
		assert.Equal(t, tt.is3xx, resp.Is3xx(), "Is3xx(%d)", tt.code)
		assert.Equal(t, tt.is4xx, resp.Is4xx(), "Is4xx(%d)", tt.code)
		assert.Equal(t, tt.is5xx, resp.Is5xx(), "Is5xx(%d)", tt.code)
	}
}

func TestCommand_Accepts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expect ReplyKind
		code   int
		want   bool
	}{
		{ExpectCompletion, 200, true},
		{ExpectCompletion, 350, false},
		{ExpectCompletion, 550, false},
		{ExpectIntermediate, 350, true},
		{ExpectIntermediate, 250, false},
		{ExpectMark, 150, true},
		{ExpectMark, 226, true},
		{ExpectMark, 425, false},
		{ExpectAny, 502, true},
	}

	for _, tt := range tests {
		cmd := Command{Verb: "X", Expect: tt.expect}
		assert.Equal(t, tt.want, cmd.accepts(&Response{Code: tt.code}), "kind %d code %d", tt.expect, tt.code)
	}
}

func TestCommand_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "NOOP", Cmd("NOOP").String())
	assert.Equal(t, "RETR dir/a file.txt", Cmd("RETR", "dir/a file.txt").String())
	assert.Equal(t, "SITE CHMOD 644 x", Cmd("SITE", "CHMOD", "644", "x").String())
	assert.Equal(t, "PASS ****", Cmd("PASS", "hunter2").redacted())
	assert.Equal(t, "USER bob", Cmd("USER", "bob").redacted())
}

func TestReplyError(t *testing.T) {
	t.Parallel()
	err := replyError(Cmd("STOR", "file.txt"), &Response{Code: 550, Message: "Permission denied"})

	assert.True(t, err.Is5xx())
	assert.True(t, err.IsPermanent())
	assert.False(t, err.IsTemporary())
	assert.Equal(t, "ftp: STOR file.txt failed: Permission denied (code 550)", err.Error())

	var wrapped error = &DataChannelError{Op: "STOR", Err: err}
	var re *ReplyError
	require.True(t, errors.As(wrapped, &re))
	assert.Equal(t, 550, re.Code)
}
