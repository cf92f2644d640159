// Package imap exposes read-only mailbox inspection over IMAP4rev1.
//
// It covers the handful of operations a mailbox assistant needs:
//
//   - Connecting over TLS (STARTTLS not required)
//   - Authenticating with LOGIN, PLAIN, XOAUTH2 or OAUTHBEARER
//   - Listing folders and reading their STATUS counters
//   - Searching (UID SEARCH) and fetching headers, text, HTML and sizes
//
// Folders are only ever opened with EXAMINE and bodies are fetched with
// BODY.PEEK, so nothing here changes message flags. A Bridge opens one
// session per call unless a pool size is configured.
//
// UIDs are interpreted against the folder they were searched in and are not
// checked against UIDVALIDITY between calls.
package imap
