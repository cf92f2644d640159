package imap

import (
	"context"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/utf7"
	"github.com/pkg/errors"
)

// FolderDescriptor is one entry of a LIST response.
type FolderDescriptor struct {
	Name      string   `json:"name"`
	Flags     []string `json:"flags"`
	Delimiter string   `json:"delimiter"`
}

// FolderStatus holds the counters reported by STATUS.
type FolderStatus struct {
	Messages int `json:"messages"`
	Recent   int `json:"recent"`
	Unseen   int `json:"unseen"`
}

var statusItems = []goimap.StatusItem{goimap.StatusMessages, goimap.StatusRecent, goimap.StatusUnseen}

// quoteMailbox encodes a mailbox name to modified UTF-7 and quotes it.
func quoteMailbox(name string) string {
	encoded, err := utf7.Encoding.NewEncoder().String(name)
	if err != nil {
		return quoteString(name)
	}
	return quoteString(encoded)
}

// decodeMailbox decodes a modified UTF-7 name, returning it unchanged when it
// is not valid modified UTF-7.
func decodeMailbox(name string) string {
	decoded, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return decoded
}

// ListMailboxes lists the mailboxes under reference that match pattern. An
// empty result is an empty slice, not an error.
func (s *Session) ListMailboxes(ctx context.Context, reference string, pattern string) ([]FolderDescriptor, error) {
	if err := s.requireState("list", StateAuthenticated, StateSelected); err != nil {
		return nil, err
	}

	folders := make([]FolderDescriptor, 0)
	err := s.Exec(ctx, "LIST "+quoteMailbox(reference)+" "+quoteMailbox(pattern), func(line []byte) error {
		rest, ok := untagged(line, "LIST")
		if !ok {
			return nil
		}
		f, err := parseListLine(rest)
		if err != nil {
			return err
		}
		folders = append(folders, f)
		return nil
	})
	if err != nil {
		e := opError("list", err, ErrFolderNotFound)
		e.Folder = reference
		e.Criteria = pattern
		return nil, e
	}
	debugLog(s.ConnNum, s.Folder, "listed mailboxes", "reference", reference, "pattern", pattern, "count", len(folders))
	return folders, nil
}

// parseListLine parses `(<flags>) <delimiter> <name>`.
func parseListLine(rest string) (FolderDescriptor, error) {
	tokens, err := parseTokens(rest)
	if err != nil {
		return FolderDescriptor{}, err
	}
	if len(tokens) != 3 {
		return FolderDescriptor{}, errors.Errorf("list response has %d fields: %q", len(tokens), rest)
	}
	if err := expectType(tokens[0], "list flags", TContainer); err != nil {
		return FolderDescriptor{}, err
	}
	if err := expectType(tokens[1], "list delimiter", TQuoted, TNil); err != nil {
		return FolderDescriptor{}, err
	}
	name, ok := tokens[2].stringValue()
	if !ok || tokens[2].Type == TNil {
		return FolderDescriptor{}, errors.Errorf("list response has no mailbox name: %q", rest)
	}

	f := FolderDescriptor{
		Name:      decodeMailbox(name),
		Flags:     make([]string, 0, len(tokens[0].Tokens)),
		Delimiter: tokens[1].Str,
	}
	for _, t := range tokens[0].Tokens {
		if flag, ok := t.stringValue(); ok && flag != "" {
			f.Flags = append(f.Flags, flag)
		}
	}
	return f, nil
}

// MailboxStatus returns the message counters of folder without selecting it.
func (s *Session) MailboxStatus(ctx context.Context, folder string) (FolderStatus, error) {
	if err := s.requireState("status", StateAuthenticated, StateSelected); err != nil {
		return FolderStatus{}, err
	}

	names := make([]string, len(statusItems))
	for i, item := range statusItems {
		names[i] = string(item)
	}

	var (
		status FolderStatus
		found  bool
	)
	err := s.Exec(ctx, "STATUS "+quoteMailbox(folder)+" ("+strings.Join(names, " ")+")", func(line []byte) error {
		rest, ok := untagged(line, "STATUS")
		if !ok || found {
			return nil
		}
		st, err := parseStatusLine(rest)
		if err != nil {
			return err
		}
		status, found = st, true
		return nil
	})
	if err != nil {
		e := opError("status", err, ErrFolderNotFound)
		e.Folder = folder
		return FolderStatus{}, e
	}
	if !found {
		return FolderStatus{}, &Error{Kind: ErrProtocol, Op: "status", Folder: folder, Err: errors.New("server sent no STATUS response")}
	}
	return status, nil
}

// parseStatusLine parses `<name> (<item> <n> ...)`.
func parseStatusLine(rest string) (FolderStatus, error) {
	tokens, err := parseTokens(rest)
	if err != nil {
		return FolderStatus{}, err
	}
	if len(tokens) != 2 {
		return FolderStatus{}, errors.Errorf("status response has %d fields: %q", len(tokens), rest)
	}
	if err := expectType(tokens[1], "status items", TContainer); err != nil {
		return FolderStatus{}, err
	}
	pairs := tokens[1].Tokens
	if len(pairs)%2 != 0 {
		return FolderStatus{}, errors.Errorf("status response has an odd number of items: %q", rest)
	}

	var st FolderStatus
	for i := 0; i < len(pairs); i += 2 {
		if err := expectType(pairs[i+1], "status "+pairs[i].Str, TNumber); err != nil {
			return FolderStatus{}, err
		}
		n := pairs[i+1].Num
		switch goimap.StatusItem(strings.ToUpper(pairs[i].Str)) {
		case goimap.StatusMessages:
			st.Messages = n
		case goimap.StatusRecent:
			st.Recent = n
		case goimap.StatusUnseen:
			st.Unseen = n
		}
	}
	return st, nil
}
