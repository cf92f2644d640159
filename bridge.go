package imap

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultSearchFolder and DefaultSearchCriteria apply when Search is called
// with empty arguments.
const (
	DefaultSearchFolder   = "INBOX"
	DefaultSearchCriteria = "ALL"
	DefaultListPattern    = "*"
)

// Bridge runs each mailbox operation against the account in its
// credentials. Without a pool every call opens, uses and closes its own
// session.
type Bridge struct {
	creds Credentials
	opts  Options
	pool  *Pool
}

// NewBridge returns a bridge for creds. A pool is used when
// opts.PoolSize > 0.
func NewBridge(creds Credentials, opts Options) *Bridge {
	opts = opts.withDefaults()
	b := &Bridge{creds: creds, opts: opts}
	if opts.PoolSize > 0 {
		b.pool = NewPool(creds, opts, opts.PoolSize)
	}
	return b
}

// Close releases pooled sessions.
func (b *Bridge) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

// Whoami returns the configured login. It does not contact the server.
func (b *Bridge) Whoami() string {
	return b.creds.Login
}

func (b *Bridge) acquire(ctx context.Context) (*Session, error) {
	if b.pool != nil {
		return b.pool.Get(ctx)
	}
	return OpenSession(ctx, b.creds, b.opts)
}

func (b *Bridge) release(s *Session, healthy bool) {
	if b.pool != nil {
		b.pool.Put(s, healthy)
		return
	}
	s.Close()
}

// withSession runs fn on a session, after EXAMINE of folder when folder is
// not empty. The session is released on every path.
func (b *Bridge) withSession(ctx context.Context, op string, folder string, fn func(s *Session) error) error {
	logger := callLogger(uuid.NewString(), op)
	if folder != "" {
		logger = logger.WithAttrs("mailbox", folder)
	}
	start := time.Now()
	logger.Debug("call started")

	s, err := b.acquire(ctx)
	if err != nil {
		logger.Warn("could not open session", "error", err)
		return err
	}

	if folder != "" {
		err = s.ExamineFolder(ctx, folder)
	}
	if err == nil {
		err = fn(s)
	}
	b.release(s, err == nil)

	if err != nil {
		logger.Warn("call failed", "error", err, "elapsed", time.Since(start))
		return err
	}
	logger.Debug("call finished", "conn", s.ConnNum, "elapsed", time.Since(start))
	return nil
}

// ListMailboxes lists mailboxes under directory matching pattern, which
// defaults to "*".
func (b *Bridge) ListMailboxes(ctx context.Context, directory string, pattern string) ([]FolderDescriptor, error) {
	if pattern == "" {
		pattern = DefaultListPattern
	}
	var folders []FolderDescriptor
	err := b.withSession(ctx, "list_mailboxes", "", func(s *Session) (err error) {
		folders, err = s.ListMailboxes(ctx, directory, pattern)
		return err
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// MailboxStatus returns the message counters of directory.
func (b *Bridge) MailboxStatus(ctx context.Context, directory string) (FolderStatus, error) {
	if directory == "" {
		return FolderStatus{}, &Error{Kind: ErrFolderNotFound, Op: "status", Err: errors.New("no folder given")}
	}
	var status FolderStatus
	err := b.withSession(ctx, "mailboxes_status", "", func(s *Session) (err error) {
		status, err = s.MailboxStatus(ctx, directory)
		return err
	})
	if err != nil {
		return FolderStatus{}, err
	}
	return status, nil
}

// Search returns the UIDs in directory matching criteria. Empty arguments
// default to INBOX and ALL.
func (b *Bridge) Search(ctx context.Context, directory string, criteria string) ([]int, error) {
	if directory == "" {
		directory = DefaultSearchFolder
	}
	if criteria == "" {
		criteria = DefaultSearchCriteria
	}
	var uids []int
	err := b.withSession(ctx, "search", directory, func(s *Session) (err error) {
		uids, err = s.Search(ctx, criteria)
		return err
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// fetchArgs validates the arguments shared by the get operations. It
// returns the UIDs worth fetching; none means no session is needed.
func fetchArgs(op string, directory string, uids []int) ([]int, error) {
	if directory == "" {
		return nil, &Error{Kind: ErrFolderNotFound, Op: op, UIDs: uids, Err: errors.New("no folder given")}
	}
	return positiveUIDs(uids), nil
}

// GetHeader returns the decoded headers of each message in directory.
func (b *Bridge) GetHeader(ctx context.Context, directory string, uids []int) (map[int]MessageHeaders, error) {
	uids, err := fetchArgs("get_header", directory, uids)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return map[int]MessageHeaders{}, nil
	}
	var headers map[int]MessageHeaders
	err = b.withSession(ctx, "get_header", directory, func(s *Session) (err error) {
		headers, err = s.GetHeaders(ctx, uids...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// GetText returns the text/plain body of each message in directory.
func (b *Bridge) GetText(ctx context.Context, directory string, uids []int) (map[int]*string, error) {
	return b.getBodies(ctx, "get_text", directory, uids, (*Session).GetText)
}

// GetHTML returns the text/html body of each message in directory.
func (b *Bridge) GetHTML(ctx context.Context, directory string, uids []int) (map[int]*string, error) {
	return b.getBodies(ctx, "get_html", directory, uids, (*Session).GetHTML)
}

func (b *Bridge) getBodies(ctx context.Context, op string, directory string, uids []int,
	get func(*Session, context.Context, ...int) (map[int]*string, error)) (map[int]*string, error) {
	uids, err := fetchArgs(op, directory, uids)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return map[int]*string{}, nil
	}
	var bodies map[int]*string
	err = b.withSession(ctx, op, directory, func(s *Session) (err error) {
		bodies, err = get(s, ctx, uids...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bodies, nil
}

// GetSize returns the size in bytes of each message in directory.
func (b *Bridge) GetSize(ctx context.Context, directory string, uids []int) (map[int]int64, error) {
	uids, err := fetchArgs("get_size", directory, uids)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return map[int]int64{}, nil
	}
	var sizes map[int]int64
	err = b.withSession(ctx, "get_size", directory, func(s *Session) (err error) {
		sizes, err = s.GetSizes(ctx, uids...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sizes, nil
}
