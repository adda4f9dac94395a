package ftpcluster

import (
	"io"
	"net"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// handlerFunc scripts the reply to one command. It runs on the session
// goroutine and may call s.hangup to drop the control connection.
type handlerFunc func(s *mockSession, args string)

// mockServer is a small in-memory FTP server for driving the client. It
// accepts any number of control connections, keeps files in a map and
// serves passive data channels on loopback.
type mockServer struct {
	t        *testing.T
	listener net.Listener
	addr     string
	host     string
	port     int

	// greeting is sent when a control connection is accepted
	greeting string

	// password, when set, is the only PASS argument accepted
	password string

	// epsv enables EPSV; without it EPSV gets a 502
	epsv bool

	mu       sync.Mutex
	handlers map[string]handlerFunc
	files    map[string][]byte
	commands []string
	sessions int

	wg sync.WaitGroup
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tcp := l.Addr().(*net.TCPAddr)
	s := &mockServer{
		t:        t,
		listener: l,
		addr:     l.Addr().String(),
		host:     tcp.IP.String(),
		port:     tcp.Port,
		greeting: "220 Service ready",
		epsv:     true,
		handlers: make(map[string]handlerFunc),
		files:    make(map[string][]byte),
	}
	t.Cleanup(s.stop)
	return s
}

// config returns a client configuration pointing at the server.
func (s *mockServer) config() Config {
	return Config{Host: s.host, Port: s.port}
}

// handle overrides the default behavior for cmd.
func (s *mockServer) handle(cmd string, h handlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

func (s *mockServer) setFile(name string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = slices.Clone(content)
}

func (s *mockServer) file(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	return b, ok
}

// received returns the verbs seen so far, across all sessions.
func (s *mockServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

func (s *mockServer) count(verb string) int {
	n := 0
	for _, v := range s.received() {
		if v == verb {
			n++
		}
	}
	return n
}

func (s *mockServer) accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *mockServer) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.sessions++
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				sess := &mockSession{srv: s, conn: conn, text: textproto.NewConn(conn)}
				sess.serve()
			}()
		}
	}()
}

func (s *mockServer) stop() {
	s.listener.Close()
	s.wg.Wait()
}

// mockSession is one control connection.
type mockSession struct {
	srv  *mockServer
	conn net.Conn
	text *textproto.Conn
	pasv net.Listener
	rest int64
	from string
	done bool
}

func (s *mockSession) reply(format string, args ...any) {
	_ = s.text.PrintfLine(format, args...)
}

// raw writes b to the control connection as is.
func (s *mockSession) raw(b string) {
	_, _ = io.WriteString(s.conn, b)
}

// hangup drops the control connection without a reply.
func (s *mockSession) hangup() {
	s.done = true
	s.conn.Close()
}

func (s *mockSession) serve() {
	defer s.text.Close()
	defer func() {
		if s.pasv != nil {
			s.pasv.Close()
		}
	}()

	s.reply("%s", s.srv.greeting)
	if !strings.HasPrefix(s.srv.greeting, "220") {
		return
	}

	for !s.done {
		// Sessions left open by a test end when the server stops.
		_ = s.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		line, err := s.text.ReadLine()
		if err != nil {
			return
		}

		verb, args, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		s.srv.mu.Lock()
		s.srv.commands = append(s.srv.commands, verb)
		h, ok := s.srv.handlers[verb]
		s.srv.mu.Unlock()

		if ok {
			h(s, args)
			continue
		}
		s.builtin(verb, args)
	}
}

func (s *mockSession) builtin(verb, args string) {
	switch verb {
	case "USER":
		s.reply("331 User name okay, need password.")
	case "PASS":
		if s.srv.password != "" && args != s.srv.password {
			s.reply("530 Not logged in.")
			return
		}
		s.reply("230 User logged in, proceed.")
	case "TYPE", "NOOP":
		s.reply("200 Command okay.")
	case "QUIT":
		s.reply("221 Service closing control connection.")
		s.done = true
	case "PWD":
		s.reply(`257 "/" is the current directory.`)
	case "CWD", "RMD":
		s.reply("250 Requested file action okay, completed.")
	case "MKD":
		s.reply(`257 "%s" created.`, args)
	case "EPSV":
		if !s.srv.epsv {
			s.reply("502 Command not implemented.")
			return
		}
		port := s.listen()
		s.reply("229 Entering Extended Passive Mode (|||%d|)", port)
	case "PASV":
		port := s.listen()
		s.reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256)
	case "REST":
		off, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			s.reply("501 Syntax error in parameters.")
			return
		}
		s.rest = off
		s.reply("350 Restarting at %d.", off)
	case "RETR":
		content, ok := s.srv.file(args)
		if !ok {
			s.closeData()
			s.reply("550 %s: No such file.", args)
			return
		}
		off := min(s.rest, int64(len(content)))
		s.rest = 0
		s.sendData(content[off:])
	case "NLST":
		s.srv.mu.Lock()
		names := make([]string, 0, len(s.srv.files))
		for name := range s.srv.files {
			names = append(names, name)
		}
		s.srv.mu.Unlock()
		slices.Sort(names)
		s.sendData([]byte(strings.Join(names, "\r\n") + "\r\n"))
	case "STOR", "APPE":
		data, ok := s.openData()
		if !ok {
			return
		}
		b, err := io.ReadAll(data)
		data.Close()
		if err != nil {
			s.reply("426 Connection closed; transfer aborted.")
			return
		}
		s.srv.mu.Lock()
		if verb == "APPE" {
			b = append(s.srv.files[args], b...)
		}
		s.srv.files[args] = b
		s.srv.mu.Unlock()
		s.reply("226 Transfer complete.")
	case "SIZE":
		content, ok := s.srv.file(args)
		if !ok {
			s.reply("550 %s: No such file.", args)
			return
		}
		s.reply("213 %d", len(content))
	case "RNFR":
		if _, ok := s.srv.file(args); !ok {
			s.reply("550 %s: No such file.", args)
			return
		}
		s.from = args
		s.reply("350 Ready for RNTO.")
	case "RNTO":
		if s.from == "" {
			s.reply("503 Bad sequence of commands.")
			return
		}
		s.srv.mu.Lock()
		s.srv.files[args] = s.srv.files[s.from]
		delete(s.srv.files, s.from)
		s.srv.mu.Unlock()
		s.from = ""
		s.reply("250 Rename successful.")
	case "DELE":
		s.srv.mu.Lock()
		_, ok := s.srv.files[args]
		delete(s.srv.files, args)
		s.srv.mu.Unlock()
		if !ok {
			s.reply("550 %s: No such file.", args)
			return
		}
		s.reply("250 Requested file action okay, completed.")
	default:
		s.reply("502 Command not implemented.")
	}
}

// listen opens a fresh passive listener and returns its port.
func (s *mockSession) listen() int {
	s.closeData()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.srv.t.Errorf("passive listen: %v", err)
		return 0
	}
	s.pasv = l
	return l.Addr().(*net.TCPAddr).Port
}

func (s *mockSession) closeData() {
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
}

func (s *mockSession) openData() (net.Conn, bool) {
	if s.pasv == nil {
		s.reply("425 Use PASV first.")
		return nil, false
	}
	s.reply("150 Opening BINARY mode data connection.")
	_ = s.pasv.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	data, err := s.pasv.Accept()
	s.closeData()
	if err != nil {
		s.reply("425 Can't open data connection.")
		return nil, false
	}
	return data, true
}

func (s *mockSession) sendData(b []byte) {
	data, ok := s.openData()
	if !ok {
		return
	}
	_, err := data.Write(b)
	data.Close()
	if err != nil {
		s.reply("426 Connection closed; transfer aborted.")
		return
	}
	s.reply("226 Transfer complete.")
}

// dialMock connects a Conn to ms with short test timeouts.
func dialMock(t *testing.T, ms *mockServer, opts ...Option) *Conn {
	t.Helper()
	opts = append([]Option{WithTimeout(5 * time.Second)}, opts...)
	c, err := Dial(t.Context(), ms.config(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Abort(nil) })
	return c
}

func lines(ss ...string) string {
	return strings.Join(ss, "\r\n") + "\r\n"
}
