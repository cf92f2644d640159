package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/pkg/errors"
)

var (
	nextConnNum      = 0
	nextConnNumMutex = sync.Mutex{}
)

// State is the protocol state of a Session.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateAuthenticated
	StateSelected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one authenticated IMAP connection. A Session is not safe for
// concurrent use; it serves one caller at a time.
type Session struct {
	conn     net.Conn
	r        *bufio.Reader
	Host     string
	Port     int
	Login    string
	Folder   string
	ReadOnly bool
	ConnNum  int
	state    State
	stateMu  sync.Mutex
	opts     Options
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Authenticated reports whether the session has passed authentication and
// is still open.
func (s *Session) Authenticated() bool {
	st := s.State()
	return st == StateAuthenticated || st == StateSelected
}

func (s *Session) requireState(op string, allowed ...State) error {
	st := s.State()
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	return &Error{Kind: ErrProtocol, Op: op, Folder: s.Folder, Err: errors.Errorf("not allowed in %s state", st)}
}

// dialHost establishes a TLS connection to the IMAP server
func dialHost(ctx context.Context, host string, port int, opts Options) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.DialTimeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: opts.TLSSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// OpenSession dials the server in creds, reads its greeting and
// authenticates. Only the connect step is retried, and only when
// opts.DialRetries > 0. The connection is closed before any error returns.
func OpenSession(ctx context.Context, creds Credentials, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if creds.Host == "" || creds.Login == "" {
		return nil, &Error{Kind: ErrConfiguration, Op: "connect", Err: errors.New("host and login are required")}
	}
	port := creds.Port
	if port == 0 {
		port = DefaultPort
	}

	nextConnNumMutex.Lock()
	connNum := nextConnNum
	nextConnNum++
	nextConnNumMutex.Unlock()

	// retry.Retry makes DialRetries+1 attempts
	var (
		conn    net.Conn
		dialErr error
	)
	err := retry.Retry(func() error {
		debugLog(connNum, "", "establishing connection", "host", creds.Host, "port", port)
		c, err := dialHost(ctx, creds.Host, port, opts)
		if err != nil {
			dialErr = err
			return err
		}
		conn = c
		return nil
	}, opts.DialRetries, func(err error) error {
		warnLog(connNum, "", "failed to connect", "host", creds.Host, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}, func() error {
		debugLog(connNum, "", "retrying connection now")
		return nil
	})
	if err != nil || conn == nil {
		if dialErr == nil {
			dialErr = err
		}
		return nil, dialFailure(ctx, creds.Host, port, dialErr)
	}

	s := &Session{
		conn:    conn,
		r:       bufio.NewReader(conn),
		Host:    creds.Host,
		Port:    port,
		Login:   creds.Login,
		ConnNum: connNum,
		state:   StateConnected,
		opts:    opts,
	}

	preauth, err := s.readGreeting(ctx)
	if err != nil {
		s.teardown()
		return nil, err
	}
	if preauth {
		s.setState(StateAuthenticated)
		return s, nil
	}

	if err := s.authenticate(ctx, creds); err != nil {
		connectionLogger(connNum, "").Warn("authentication failed", "login", creds.Login, "error", err)
		s.Close()
		return nil, err
	}
	debugLog(connNum, "", "authenticated", "login", creds.Login)
	return s, nil
}

// dialFailure classifies a failed connect. Deadlines, whether from ctx or
// DialTimeout, are timeouts.
func dialFailure(ctx context.Context, host string, port int, err error) error {
	if err == nil {
		err = errors.New("no connection attempt made")
	}
	kind := ErrConnection
	var ne net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Op: "connect", Err: errors.Wrapf(err, "dial %s:%d", host, port)}
}

// readGreeting consumes the server greeting. It reports whether the server
// pre-authenticated the connection.
func (s *Session) readGreeting(ctx context.Context) (preauth bool, err error) {
	stop := s.watch(ctx)
	defer stop()

	line, err := s.readLine()
	if err != nil {
		return false, s.ioFailure(ctx, "greeting", err)
	}
	if Verbose && !SkipResponses {
		debugLog(s.ConnNum, "", "server greeting", "response", string(dropNl(line)))
	}

	if _, ok := untagged(line, "OK"); ok {
		return false, nil
	}
	if _, ok := untagged(line, "PREAUTH"); ok {
		return true, nil
	}
	if rest, ok := untagged(line, "BYE"); ok {
		return false, &Error{Kind: ErrConnection, Op: "greeting", Err: errors.Errorf("server refused connection: %s", rest)}
	}
	return false, &Error{Kind: ErrProtocol, Op: "greeting", Err: errors.Errorf("unexpected greeting %q", strings.TrimSpace(string(line)))}
}

// Close logs out and closes the connection. It is safe to call more than
// once and never fails.
func (s *Session) Close() {
	switch s.State() {
	case StateUnconnected, StateClosed:
		return
	}
	debugLog(s.ConnNum, s.Folder, "closing connection")
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	_ = s.Exec(ctx, "LOGOUT", nil)
	s.teardown()
}

// teardown closes the socket without talking to the server.
func (s *Session) teardown() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.state = StateClosed
	s.Folder = ""
}

// Noop sends NOOP, verifying the connection is alive.
func (s *Session) Noop(ctx context.Context) error {
	if err := s.requireState("noop", StateAuthenticated, StateSelected); err != nil {
		return err
	}
	if err := s.Exec(ctx, "NOOP", nil); err != nil {
		return opError("noop", err, ErrProtocol)
	}
	return nil
}

// ExamineFolder opens folder read-only. SELECT is never used, so nothing the
// session does afterwards can change message flags.
func (s *Session) ExamineFolder(ctx context.Context, folder string) error {
	if err := s.requireState("examine", StateAuthenticated, StateSelected); err != nil {
		return err
	}
	if err := s.Exec(ctx, "EXAMINE "+quoteMailbox(folder), nil); err != nil {
		e := opError("examine", err, ErrFolderNotFound)
		e.Folder = folder
		if s.State() != StateClosed {
			// a failed EXAMINE leaves no mailbox selected
			s.Folder = ""
			s.setState(StateAuthenticated)
		}
		return e
	}
	s.Folder = folder
	s.ReadOnly = true
	s.setState(StateSelected)
	return nil
}
