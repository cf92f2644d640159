package imap

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/require"
)

// oauthFailure is the SASL error challenge servers send for a rejected token.
var oauthFailure = base64.StdEncoding.EncodeToString([]byte(`{"status":"401","schemes":"bearer","scope":"https://mail.google.com/"}`))

type mockMessage struct {
	uid  int
	raw  string
	seen bool
}

type mockMailbox struct {
	name     string // as sent on the wire, modified UTF-7
	flags    []string
	messages []*mockMessage
}

// mockIMAPServer is an in-process IMAPS server holding a few mailboxes. It
// records every command and counts open connections so tests can check for
// leaks and for flag mutation.
type mockIMAPServer struct {
	listener   net.Listener
	address    string
	validUser  string
	validPass  string
	validToken string
	greeting   string
	hangOn     string // command name the server never answers
	strayFetch bool   // add FETCH records nobody asked for
	stallFetch bool   // stop halfway through the first BODY[] literal

	mu        sync.Mutex
	mailboxes []*mockMailbox
	commands  []string

	open         atomic.Int32
	authAttempts atomic.Int32
	seenChanges  atomic.Int32
}

func newMockIMAPServer(t *testing.T, configure ...func(*mockIMAPServer)) *mockIMAPServer {
	t.Helper()

	cert, err := generateSelfSignedCertificate()
	require.NoError(t, err)

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	s := &mockIMAPServer{
		listener:   listener,
		address:    listener.Addr().String(),
		validUser:  "user@example.com",
		validPass:  "secret",
		validToken: "valid-token",
		greeting:   "* OK IMAP4rev1 Mock Server Ready",
		mailboxes:  defaultMailboxes(),
	}
	for _, c := range configure {
		c(s)
	}

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func defaultMailboxes() []*mockMailbox {
	return []*mockMailbox{
		{
			name:  "INBOX",
			flags: []string{`\HasNoChildren`},
			messages: []*mockMessage{
				{uid: 7, raw: "Subject: =?UTF-8?B?SMOpbGxv?=\r\nFrom: a@example.com\r\nReceived: one\r\nReceived: two\r\n" +
					"Content-Type: multipart/alternative; boundary=b1\r\n\r\n" +
					"--b1\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nplain part\r\n" +
					"--b1\r\nContent-Type: text/html; charset=utf-8\r\n\r\n<p>html part</p>\r\n--b1--\r\n"},
				{uid: 9, raw: "Subject: Only HTML\r\nContent-Type: text/html\r\n\r\n<b>bold</b>", seen: true},
				{uid: 42, raw: "Subject: Hi\r\nFrom: b@example.com\r\n\r\nhello"},
			},
		},
		{name: "Archive", flags: []string{`\HasChildren`}},
		{name: "Archive/2024", flags: []string{`\HasNoChildren`}},
		{name: "&BCcENQRABD0EPgQyBDgEOgQ4-", flags: []string{`\HasNoChildren`, `\Drafts`}},
	}
}

func (s *mockIMAPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.open.Add(1)
		go func() {
			defer s.open.Add(-1)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

type mockConn struct {
	r        *bufio.Reader
	w        *bufio.Writer
	selected *mockMailbox
	authed   bool
}

func (c *mockConn) send(format string, args ...any) {
	fmt.Fprintf(c.w, format+"\r\n", args...)
	c.w.Flush()
}

// readCommand reads one client command, asking for literals as announced.
func (c *mockConn) readCommand() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	for {
		m := literalSuffix.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			return strings.TrimRight(line, "\r\n"), nil
		}
		n, _ := strconv.Atoi(m[1])
		c.send("+ Ready for literal data")
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return "", err
		}
		rest, err := c.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line += string(buf) + rest
	}
}

func (s *mockIMAPServer) handleConnection(conn net.Conn) {
	c := &mockConn{r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	c.send("%s", s.greeting)
	if strings.HasPrefix(s.greeting, "* BYE") {
		return
	}
	if strings.HasPrefix(s.greeting, "* PREAUTH") {
		c.authed = true
	}

	for {
		line, err := c.readCommand()
		if err != nil {
			return
		}
		tag, rest, _ := strings.Cut(line, " ")
		verb, args, _ := strings.Cut(rest, " ")
		verb = strings.ToUpper(verb)
		if verb == "UID" {
			sub, subArgs, _ := strings.Cut(args, " ")
			verb, args = "UID "+strings.ToUpper(sub), subArgs
		}
		s.record(verb)

		if verb == "UID FETCH" && s.stallFetch && c.selected != nil && strings.Contains(strings.ToUpper(args), "BODY") {
			s.mu.Lock()
			m := c.selected.messages[0]
			s.mu.Unlock()
			fmt.Fprintf(c.w, "* 1 FETCH (UID %d BODY[] {%d}\r\n%s", m.uid, len(m.raw), m.raw[:len(m.raw)/2])
			c.w.Flush()
			_, _ = io.Copy(io.Discard, c.r)
			return
		}
		if verb == s.hangOn {
			// keep reading so the client's close is noticed
			_, _ = io.Copy(io.Discard, c.r)
			return
		}
		if verb == "LOGOUT" {
			c.send("* BYE IMAP4rev1 Server logging out")
			c.send("%s OK LOGOUT completed", tag)
			return
		}
		s.handle(c, tag, verb, args)
	}
}

func (s *mockIMAPServer) handle(c *mockConn, tag, verb, args string) {
	tokens, err := parseTokens(args)
	if err != nil {
		c.send("%s BAD %v", tag, err)
		return
	}
	arg := func(i int) string {
		if i < len(tokens) {
			v, _ := tokens[i].stringValue()
			return v
		}
		return ""
	}

	switch verb {
	case "LOGIN":
		s.authAttempts.Add(1)
		if arg(0) == s.validUser && arg(1) == s.validPass {
			c.authed = true
			c.send("%s OK LOGIN completed", tag)
		} else {
			c.send("%s NO [AUTHENTICATIONFAILED] Authentication failed", tag)
		}

	case "AUTHENTICATE":
		s.authAttempts.Add(1)
		ir, _ := base64.StdEncoding.DecodeString(arg(1))
		if s.checkSASL(strings.ToUpper(arg(0)), string(ir)) {
			c.authed = true
			c.send("%s OK AUTHENTICATE completed", tag)
			return
		}
		c.send("+ %s", oauthFailure)
		if _, err := c.r.ReadString('\n'); err != nil {
			return
		}
		c.send("%s NO [AUTHENTICATIONFAILED] Invalid credentials", tag)

	case "NOOP":
		c.send("%s OK NOOP completed", tag)

	case "EXAMINE", "SELECT":
		if !c.authed {
			c.send("%s BAD not authenticated", tag)
			return
		}
		mb := s.mailbox(arg(0))
		if mb == nil {
			c.selected = nil
			c.send("%s NO [NONEXISTENT] Unknown Mailbox: %s", tag, arg(0))
			return
		}
		c.selected = mb
		s.mu.Lock()
		c.send("* %d EXISTS", len(mb.messages))
		s.mu.Unlock()
		c.send("* 0 RECENT")
		c.send("* OK [UIDVALIDITY 1] UIDs valid")
		mode := "READ-WRITE"
		if verb == "EXAMINE" {
			mode = "READ-ONLY"
		}
		c.send("%s OK [%s] %s completed", tag, mode, verb)

	case "LIST":
		pattern := arg(0) + arg(1)
		s.mu.Lock()
		for _, mb := range s.mailboxes {
			if listMatch(pattern, mb.name) {
				c.send(`* LIST (%s) "/" %s`, strings.Join(mb.flags, " "), quoteString(mb.name))
			}
		}
		s.mu.Unlock()
		c.send("%s OK LIST completed", tag)

	case "STATUS":
		mb := s.mailbox(arg(0))
		if mb == nil {
			c.send("%s NO [NONEXISTENT] Mailbox doesn't exist: %s", tag, arg(0))
			return
		}
		s.mu.Lock()
		unseen := 0
		for _, m := range mb.messages {
			if !m.seen {
				unseen++
			}
		}
		c.send(`* STATUS %s (MESSAGES %d RECENT 0 UNSEEN %d)`, quoteString(mb.name), len(mb.messages), unseen)
		s.mu.Unlock()
		c.send("%s OK STATUS completed", tag)

	case "UID SEARCH":
		if c.selected == nil {
			c.send("%s BAD No mailbox selected", tag)
			return
		}
		var uids []string
		s.mu.Lock()
		for _, m := range c.selected.messages {
			switch strings.ToUpper(arg(0)) {
			case "ALL":
			case "SEEN":
				if !m.seen {
					continue
				}
			case "UNSEEN":
				if m.seen {
					continue
				}
			default:
				s.mu.Unlock()
				c.send("%s BAD Could not parse command", tag)
				return
			}
			uids = append(uids, strconv.Itoa(m.uid))
		}
		s.mu.Unlock()
		c.send("* SEARCH %s", strings.Join(uids, " "))
		c.send("%s OK SEARCH completed", tag)

	case "UID FETCH":
		if c.selected == nil {
			c.send("%s BAD No mailbox selected", tag)
			return
		}
		set, err := goimap.ParseSeqSet(arg(0))
		if err != nil || len(tokens) < 2 || tokens[1].Type != TContainer {
			c.send("%s BAD Invalid FETCH arguments", tag)
			return
		}
		s.fetch(c, set, tokens[1].Tokens)
		c.send("%s OK FETCH completed", tag)

	default:
		c.send("%s BAD Unknown command %s", tag, verb)
	}
}

func (s *mockIMAPServer) fetch(c *mockConn, set *goimap.SeqSet, items []*Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range c.selected.messages {
		if !set.Contains(uint32(m.uid)) && !s.strayFetch {
			continue
		}
		parts := []string{"UID " + strconv.Itoa(m.uid)}
		for _, it := range items {
			name := strings.ToUpper(it.Str)
			switch name {
			case "UID":
			case "RFC822.SIZE":
				parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", len(m.raw)))
			case "BODY.PEEK[HEADER]", "BODY[HEADER]":
				header, _, _ := strings.Cut(m.raw, "\r\n\r\n")
				header += "\r\n\r\n"
				parts = append(parts, fmt.Sprintf("BODY[HEADER] {%d}\r\n%s", len(header), header))
			case "BODY.PEEK[]", "BODY[]":
				parts = append(parts, fmt.Sprintf("BODY[] {%d}\r\n%s", len(m.raw), m.raw))
			}
			if strings.HasPrefix(name, "BODY[") && !m.seen {
				m.seen = true
				s.seenChanges.Add(1)
			}
		}
		c.send("* %d FETCH (%s)", i+1, strings.Join(parts, " "))
	}
	if s.strayFetch {
		c.send("* 1 FETCH (FLAGS (\\Seen))")
	}
}

func (s *mockIMAPServer) checkSASL(mech, ir string) bool {
	switch mech {
	case "PLAIN":
		parts := strings.Split(ir, "\x00")
		return len(parts) == 3 && parts[1] == s.validUser && parts[2] == s.validPass
	case "XOAUTH2":
		return ir == "user="+s.validUser+"\x01auth=Bearer "+s.validToken+"\x01\x01"
	case "OAUTHBEARER":
		return strings.HasPrefix(ir, "n,a="+s.validUser+",") && strings.Contains(ir, "\x01auth=Bearer "+s.validToken+"\x01")
	}
	return false
}

func (s *mockIMAPServer) mailbox(name string) *mockMailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mb := range s.mailboxes {
		if mb.name == name || (strings.EqualFold(name, "INBOX") && mb.name == "INBOX") {
			return mb
		}
	}
	return nil
}

// listMatch applies LIST wildcards: * matches anything, % stops at the
// hierarchy delimiter.
func listMatch(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*', '%':
		for i := 0; i <= len(name); i++ {
			if listMatch(pattern[1:], name[i:]) {
				return true
			}
			if pattern[0] == '%' && i < len(name) && name[i] == '/' {
				return false
			}
		}
		return false
	}
	return name != "" && pattern[0] == name[0] && listMatch(pattern[1:], name[1:])
}

func (s *mockIMAPServer) record(verb string) {
	s.mu.Lock()
	s.commands = append(s.commands, verb)
	s.mu.Unlock()
}

// Commands returns every command verb received so far.
func (s *mockIMAPServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *mockIMAPServer) Close() {
	_ = s.listener.Close()
}

func (s *mockIMAPServer) host() string {
	host, _, _ := net.SplitHostPort(s.address)
	return host
}

func (s *mockIMAPServer) port() int {
	_, portStr, _ := net.SplitHostPort(s.address)
	port, _ := strconv.Atoi(portStr)
	return port
}

func (s *mockIMAPServer) passwordCreds() Credentials {
	return NewPasswordCredentials(s.host(), s.port(), s.validUser, PasswordSecret(s.validPass))
}

func (s *mockIMAPServer) tokenCreds(token string) Credentials {
	return NewOAuth2Credentials(s.host(), s.port(), s.validUser, OAuth2Token(token))
}

// requireNoConnections waits for the server to see every client go away.
func (s *mockIMAPServer) requireNoConnections(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return s.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond,
		"%d connections still open", s.open.Load())
}

func testOptions() Options {
	return Options{
		DialTimeout:    2 * time.Second,
		CommandTimeout: 2 * time.Second,
		TLSSkipVerify:  true,
	}
}

// generateSelfSignedCertificate generates a self-signed certificate for testing
func generateSelfSignedCertificate() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}
