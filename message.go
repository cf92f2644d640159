package imap

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
)

// Search runs UID SEARCH with criteria passed through verbatim, returning
// UIDs in the order the server sent them. A folder must be selected.
func (s *Session) Search(ctx context.Context, criteria string) ([]int, error) {
	if err := s.requireState("search", StateSelected); err != nil {
		return nil, err
	}
	if strings.TrimSpace(criteria) == "" {
		criteria = "ALL"
	}

	folder := s.Folder
	uids := make([]int, 0)
	err := s.Exec(ctx, "UID SEARCH "+criteria, func(line []byte) error {
		rest, ok := untagged(line, "SEARCH")
		if !ok {
			return nil
		}
		found, err := parseSearchLine(rest)
		if err != nil {
			return err
		}
		uids = append(uids, found...)
		return nil
	})
	if err != nil {
		e := opError("search", err, ErrSearchSyntax)
		e.Folder = folder
		e.Criteria = criteria
		return nil, e
	}
	debugLog(s.ConnNum, s.Folder, "search complete", "criteria", criteria, "count", len(uids))
	return uids, nil
}

// fetch issues one UID FETCH for item and hands fn the value of every
// record whose UID was requested. Records for other UIDs, and records
// without the item, are skipped.
func (s *Session) fetch(ctx context.Context, uids []int, item string, fn func(uid int, value *Token) error) error {
	if err := s.requireState("fetch", StateSelected); err != nil {
		return err
	}
	uids = positiveUIDs(uids)
	if len(uids) == 0 {
		return nil
	}

	folder := s.Folder
	want := make(map[int]struct{}, len(uids))
	for _, u := range uids {
		want[u] = struct{}{}
	}
	// the server answers BODY.PEEK[x] as BODY[x]
	key := strings.ToUpper(strings.Replace(item, ".PEEK", "", 1))

	err := s.Exec(ctx, "UID FETCH "+uidSet(uids)+" (UID "+item+")", func(line []byte) error {
		items, ok, err := parseFetchLine(line)
		if !ok {
			return nil
		}
		if err != nil {
			return err
		}
		uidTok := items["UID"]
		if uidTok == nil || uidTok.Type != TNumber {
			// unsolicited flag updates carry no UID
			return nil
		}
		if _, ok := want[uidTok.Num]; !ok {
			return nil
		}
		value, ok := items[key]
		if !ok {
			return nil
		}
		return fn(uidTok.Num, value)
	})
	if err != nil {
		e := opError("fetch", err, ErrProtocol)
		e.Folder = folder
		e.UIDs = uids
		return e
	}
	return nil
}

// GetHeaders fetches and decodes the header block of each message.
func (s *Session) GetHeaders(ctx context.Context, uids ...int) (map[int]MessageHeaders, error) {
	headers := make(map[int]MessageHeaders, len(uids))
	err := s.fetch(ctx, uids, "BODY.PEEK[HEADER]", func(uid int, value *Token) error {
		raw, ok := value.stringValue()
		if !ok {
			return expectType(value, "header block", TLiteral, TQuoted, TNil)
		}
		h, err := decodeHeaders(raw)
		if err != nil {
			warnLog(s.ConnNum, s.Folder, "header block partly unparseable", "uid", uid, "error", err)
			if Verbose {
				debugLog(s.ConnNum, s.Folder, "raw header block", "uid", uid, "dump", dumpForDebug(raw))
			}
		}
		headers[uid] = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// GetText fetches each message and returns its text/plain part. A message
// with no such part maps to nil.
func (s *Session) GetText(ctx context.Context, uids ...int) (map[int]*string, error) {
	return s.fetchBodies(ctx, uids, func(b messageBody) *string { return b.Text })
}

// GetHTML fetches each message and returns its text/html part. A message
// with no such part maps to nil.
func (s *Session) GetHTML(ctx context.Context, uids ...int) (map[int]*string, error) {
	return s.fetchBodies(ctx, uids, func(b messageBody) *string { return b.HTML })
}

func (s *Session) fetchBodies(ctx context.Context, uids []int, pick func(messageBody) *string) (map[int]*string, error) {
	bodies := make(map[int]*string, len(uids))
	err := s.fetch(ctx, uids, "BODY.PEEK[]", func(uid int, value *Token) error {
		raw, ok := value.stringValue()
		if !ok {
			return expectType(value, "message body", TLiteral, TQuoted, TNil)
		}
		debugLog(s.ConnNum, s.Folder, "decoding message", "uid", uid, "size", humanize.Bytes(uint64(len(raw))))
		body, err := decodeBody(raw)
		if err != nil {
			warnLog(s.ConnNum, s.Folder, "message body could not be parsed", "uid", uid, "error", err)
			if Verbose {
				debugLog(s.ConnNum, s.Folder, "raw message", "uid", uid, "dump", dumpForDebug(raw))
			}
			bodies[uid] = nil
			return nil
		}
		bodies[uid] = pick(body)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bodies, nil
}

// GetSizes returns the RFC822.SIZE of each message.
func (s *Session) GetSizes(ctx context.Context, uids ...int) (map[int]int64, error) {
	sizes := make(map[int]int64, len(uids))
	err := s.fetch(ctx, uids, "RFC822.SIZE", func(uid int, value *Token) error {
		if err := expectType(value, "RFC822.SIZE", TNumber); err != nil {
			return err
		}
		sizes[uid] = int64(value.Num)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sizes, nil
}
