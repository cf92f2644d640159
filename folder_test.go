package imap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSession(t *testing.T, server *mockIMAPServer) *Session {
	t.Helper()
	s, err := OpenSession(context.Background(), server.passwordCreds(), testOptions())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestListMailboxes(t *testing.T) {
	server := newMockIMAPServer(t)
	s := openTestSession(t, server)
	ctx := context.Background()

	folders, err := s.ListMailboxes(ctx, "", "*")
	require.NoError(t, err)
	require.Len(t, folders, 4)
	assert.Equal(t, FolderDescriptor{Name: "INBOX", Flags: []string{`\HasNoChildren`}, Delimiter: "/"}, folders[0])
	assert.Equal(t, "Черновики", folders[3].Name)
	assert.Equal(t, []string{`\HasNoChildren`, `\Drafts`}, folders[3].Flags)

	t.Run("percent stops at the delimiter", func(t *testing.T) {
		folders, err := s.ListMailboxes(ctx, "", "%")
		require.NoError(t, err)
		names := make([]string, 0, len(folders))
		for _, f := range folders {
			names = append(names, f.Name)
		}
		assert.NotContains(t, names, "Archive/2024")
		assert.Contains(t, names, "Archive")
	})

	t.Run("reference", func(t *testing.T) {
		folders, err := s.ListMailboxes(ctx, "Archive/", "*")
		require.NoError(t, err)
		require.Len(t, folders, 1)
		assert.Equal(t, "Archive/2024", folders[0].Name)
	})

	t.Run("non-ascii pattern", func(t *testing.T) {
		folders, err := s.ListMailboxes(ctx, "", "Черновики")
		require.NoError(t, err)
		require.Len(t, folders, 1)
	})

	t.Run("no match is an empty slice", func(t *testing.T) {
		folders, err := s.ListMailboxes(ctx, "", "Nothing*")
		require.NoError(t, err)
		assert.NotNil(t, folders)
		assert.Empty(t, folders)
	})
}

func TestMailboxStatus(t *testing.T) {
	server := newMockIMAPServer(t)
	s := openTestSession(t, server)

	status, err := s.MailboxStatus(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, FolderStatus{Messages: 3, Recent: 0, Unseen: 2}, status)

	_, err = s.MailboxStatus(context.Background(), "DoesNotExist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFolderNotFound)

	// a rejected STATUS does not cost the connection
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestParseListLine(t *testing.T) {
	tests := []struct {
		line string
		want FolderDescriptor
	}{
		{`(\HasNoChildren) "/" "INBOX"`, FolderDescriptor{Name: "INBOX", Flags: []string{`\HasNoChildren`}, Delimiter: "/"}},
		{`() "." Sent`, FolderDescriptor{Name: "Sent", Flags: []string{}, Delimiter: "."}},
		{`(\Noselect) NIL ""`, FolderDescriptor{Name: "", Flags: []string{`\Noselect`}, Delimiter: ""}},
		{`(\HasNoChildren) "/" 2024`, FolderDescriptor{Name: "2024", Flags: []string{`\HasNoChildren`}, Delimiter: "/"}},
		{"() \"/\" {10}\r\nA \"quoted\"", FolderDescriptor{Name: `A "quoted"`, Flags: []string{}, Delimiter: "/"}},
		{`() "/" "Entw&APw-rfe"`, FolderDescriptor{Name: "Entwürfe", Flags: []string{}, Delimiter: "/"}},
	}

	for _, tt := range tests {
		got, err := parseListLine(tt.line)
		if err != nil {
			t.Errorf("parseListLine(%q) error: %v", tt.line, err)
			continue
		}
		assert.Equal(t, tt.want, got, tt.line)
	}

	for _, bad := range []string{`"/" "INBOX"`, `(\HasNoChildren) "/"`, `(\HasNoChildren "/" "INBOX"`} {
		_, err := parseListLine(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseStatusLine(t *testing.T) {
	st, err := parseStatusLine(`"INBOX" (MESSAGES 231 RECENT 1 UNSEEN 4 UIDNEXT 44292)`)
	require.NoError(t, err)
	assert.Equal(t, FolderStatus{Messages: 231, Recent: 1, Unseen: 4}, st)

	_, err = parseStatusLine(`INBOX (MESSAGES -1)`)
	assert.Error(t, err)
	_, err = parseStatusLine(`INBOX (MESSAGES)`)
	assert.Error(t, err)
}

func TestQuoteMailbox(t *testing.T) {
	assert.Equal(t, `"INBOX"`, quoteMailbox("INBOX"))
	assert.Equal(t, `""`, quoteMailbox(""))
	assert.Equal(t, `"Entw&APw-rfe"`, quoteMailbox("Entwürfe"))
	assert.Equal(t, `"a \"b\" \\c"`, quoteMailbox(`a "b" \c`))
	assert.Equal(t, "Entwürfe", decodeMailbox("Entw&APw-rfe"))
	assert.Equal(t, "&bad", decodeMailbox("&bad"))
}
