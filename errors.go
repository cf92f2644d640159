package imap

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Error kinds. Every error returned by this package matches exactly one of
// them with errors.Is.
var (
	ErrConfiguration  = errors.New("imap: configuration error")
	ErrConnection     = errors.New("imap: connection error")
	ErrAuthentication = errors.New("imap: authentication failed")
	ErrFolderNotFound = errors.New("imap: folder not found")
	ErrSearchSyntax   = errors.New("imap: search criteria rejected")
	ErrTimeout        = errors.New("imap: timeout")
	ErrProtocol       = errors.New("imap: protocol error")
)

// Error describes a failed operation along with the input that caused it.
type Error struct {
	Kind     error
	Op       string
	Folder   string
	Criteria string
	UIDs     []int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString(ErrProtocol.Error())
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Folder != "" {
		fmt.Fprintf(&b, " folder=%q", e.Folder)
	}
	if e.Criteria != "" {
		fmt.Fprintf(&b, " criteria=%q", e.Criteria)
	}
	if len(e.UIDs) != 0 {
		fmt.Fprintf(&b, " uids=%s", uidSet(e.UIDs))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ResponseError is a tagged NO or BAD completion. The connection stays usable.
type ResponseError struct {
	Command string
	Status  string
	Text    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("imap command %s failed: %s %s", e.Command, e.Status, e.Text)
}

// opError converts a command failure into an *Error. Server rejections get
// the kind rejected; transport failures keep the kind Exec assigned.
func opError(op string, err error, rejected error) *Error {
	e := &Error{Kind: ErrProtocol, Op: op, Err: err}
	var re *ResponseError
	var ie *Error
	switch {
	case errors.As(err, &re):
		e.Kind = rejected
	case errors.As(err, &ie):
		e.Kind = ie.Kind
		e.Err = ie.Err
	}
	return e
}
