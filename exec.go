package imap

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// maxLoggedLine caps how much of a server line verbose logging prints.
const maxLoggedLine = 512

// Exec sends command under a fresh tag and reads until its tagged
// completion. processLine receives every untagged line, literals inlined.
//
// A tagged NO or BAD is returned as *ResponseError and leaves the session
// usable. Any I/O failure, timeout or processLine error closes the
// connection and is returned as *Error.
func (s *Session) Exec(ctx context.Context, command string, processLine func(line []byte) error) error {
	op := commandName(command)
	switch s.State() {
	case StateUnconnected, StateClosed:
		return &Error{Kind: ErrProtocol, Op: op, Err: errors.New("session is closed")}
	}

	tag := newTag()
	stop := s.watch(ctx)
	defer stop()

	parts := splitLiterals(command)
	s.logCommand(tag, op, parts[0])
	if err := s.write(tag + " " + parts[0] + nl); err != nil {
		return s.ioFailure(ctx, op, err)
	}
	pending := parts[1:]

	prefix := []byte(tag + " ")
	for {
		line, err := s.readLine()
		if err != nil {
			return s.ioFailure(ctx, op, err)
		}
		if Verbose && !SkipResponses {
			debugLog(s.ConnNum, s.Folder, "server response", "response", truncateLine(line))
		}

		if bytes.HasPrefix(line, prefix) {
			return parseCompletion(op, line[len(prefix):])
		}

		if line[0] == '+' {
			// A continuation with nothing left to send is a SASL error
			// challenge; the empty response lets the server finish with NO.
			next := ""
			if len(pending) > 0 {
				next, pending = pending[0], pending[1:]
			}
			if err := s.write(next + nl); err != nil {
				return s.ioFailure(ctx, op, err)
			}
			continue
		}

		if processLine != nil {
			if err := processLine(line); err != nil {
				s.teardown()
				var ie *Error
				if errors.As(err, &ie) {
					return ie
				}
				return &Error{Kind: ErrProtocol, Op: op, Err: err}
			}
		}
	}
}

func (s *Session) write(b string) error {
	_, err := io.WriteString(s.conn, b)
	return err
}

// readLine reads one response line, appending any literals it announces.
func (s *Session) readLine() ([]byte, error) {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	for {
		m := literalSuffix.FindSubmatch(dropNl(line))
		if m == nil {
			return line, nil
		}
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.r, buf); err != nil {
			return nil, err
		}
		line = append(line, buf...)

		rest, err := s.r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = append(line, rest...)
	}
}

// parseCompletion interprets the text after a command's tag.
func parseCompletion(op string, rest []byte) error {
	status, text, _ := strings.Cut(string(dropNl(rest)), " ")
	switch strings.ToUpper(status) {
	case "OK":
		return nil
	case "NO", "BAD":
		return &ResponseError{Command: op, Status: strings.ToUpper(status), Text: text}
	}
	return &Error{Kind: ErrProtocol, Op: op, Err: errors.Errorf("unexpected completion %q", status)}
}

// watch applies the command deadline to the connection and interrupts
// blocked I/O when ctx is cancelled. The returned func clears both.
func (s *Session) watch(ctx context.Context) func() {
	conn := s.conn
	deadline := time.Now().Add(s.opts.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// ioFailure closes the connection after a transport error and classifies it.
func (s *Session) ioFailure(ctx context.Context, op string, err error) error {
	folder := s.Folder
	s.teardown()
	debugLog(s.ConnNum, folder, "connection torn down", "op", op, "error", err)

	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return &Error{Kind: ErrTimeout, Op: op, Folder: folder, Err: cerr}
		}
		return &Error{Kind: ErrConnection, Op: op, Folder: folder, Err: cerr}
	}
	// the socket deadline can fire a moment before ctx records its own
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return &Error{Kind: ErrTimeout, Op: op, Folder: folder, Err: context.DeadlineExceeded}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: ErrTimeout, Op: op, Folder: folder, Err: err}
	}
	return &Error{Kind: ErrConnection, Op: op, Folder: folder, Err: err}
}

func (s *Session) logCommand(tag, op, first string) {
	if !Verbose {
		return
	}
	line := tag + " " + first
	switch op {
	case "LOGIN", "AUTHENTICATE":
		line = tag + " " + strings.SplitN(first, " ", 2)[0] + " ****"
	}
	debugLog(s.ConnNum, s.Folder, "sending command", "command", line)
}

func truncateLine(line []byte) string {
	line = dropNl(line)
	if len(line) <= maxLoggedLine {
		return string(line)
	}
	return string(line[:maxLoggedLine]) + "... (" + humanize.Bytes(uint64(len(line))) + " total)"
}
