package imap

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Pool keeps up to a fixed number of authenticated sessions open for reuse.
// A session that saw any error is closed instead of being returned.
type Pool struct {
	creds Credentials
	opts  Options
	sem   *semaphore.Weighted
	idle  chan *Session

	mu     sync.Mutex
	closed bool
}

// NewPool returns a pool holding at most size sessions.
func NewPool(creds Credentials, opts Options, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		creds: creds,
		opts:  opts.withDefaults(),
		sem:   semaphore.NewWeighted(int64(size)),
		idle:  make(chan *Session, size),
	}
}

// Get returns an idle session that still answers NOOP, or opens a new one.
// It blocks while size sessions are checked out.
func (p *Pool) Get(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, &Error{Kind: ErrConnection, Op: "pool get", Err: errors.New("pool is closed")}
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: ErrConnection, Op: "pool get", Err: err}
	}

	for {
		select {
		case s := <-p.idle:
			if err := s.Noop(ctx); err != nil {
				debugLog(s.ConnNum, "", "discarding stale pooled session", "error", err)
				s.Close()
				continue
			}
			return s, nil
		default:
		}
		break
	}

	s, err := OpenSession(ctx, p.creds, p.opts)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return s, nil
}

// Put hands a session back. Unhealthy sessions, and any session once the
// pool is closed, are closed instead.
func (p *Pool) Put(s *Session, healthy bool) {
	if s == nil {
		return
	}
	defer p.sem.Release(1)

	if !healthy || !s.Authenticated() {
		s.Close()
		return
	}

	p.mu.Lock()
	kept := false
	if !p.closed {
		select {
		case p.idle <- s:
			kept = true
		default:
		}
	}
	p.mu.Unlock()
	if !kept {
		s.Close()
	}
}

// Close closes every idle session. Sessions still checked out are closed
// when they are put back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			s.Close()
		default:
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
