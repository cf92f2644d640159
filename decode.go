package imap

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"strings"

	"github.com/davecgh/go-spew/spew"
	msgtextproto "github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime/v2"
	"golang.org/x/net/html/charset"
)

// charsetReader converts text in the named charset to UTF-8.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	enc, _ := charset.Lookup(label)
	if enc == nil {
		enc, _ = charset.Lookup(strings.Replace(label, "windows-", "cp", 1))
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// decodeHeaderValue decodes RFC 2047 encoded-words. Values that cannot be
// decoded are returned as received.
func decodeHeaderValue(v string) string {
	dec, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		dec = v
	}
	return strings.ToValidUTF8(dec, "\uFFFD")
}

// MessageHeaders maps canonical header names to their values in the order
// the fields appear in the message.
type MessageHeaders map[string][]string

// Get returns the first value of key, matched case-insensitively.
func (h MessageHeaders) Get(key string) string {
	if v := h[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value of key, matched case-insensitively.
func (h MessageHeaders) Values(key string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// decodeHeaders parses a raw header block. Folded lines are joined and
// encoded-words decoded. When the block is malformed the fields read before
// the problem are returned along with the error.
func decodeHeaders(raw string) (MessageHeaders, error) {
	block := strings.TrimRight(raw, "\r\n") + "\r\n\r\n"
	h, err := msgtextproto.ReadHeader(bufio.NewReader(strings.NewReader(block)))

	headers := make(MessageHeaders, h.Len())
	fields := h.Fields()
	for fields.Next() {
		k := fields.Key()
		headers[k] = append(headers[k], decodeHeaderValue(fields.Value()))
	}
	return headers, err
}

// messageBody is the decoded text and html of one message. Either is nil
// when the message has no part of that type.
type messageBody struct {
	Text *string
	HTML *string
}

// decodeBody parses a full RFC 5322 message.
func decodeBody(raw string) (messageBody, error) {
	env, err := enmime.ReadEnvelope(strings.NewReader(raw))
	if err != nil {
		return messageBody{}, err
	}

	var body messageBody
	// enmime fills Text from HTML when there is no text/plain part
	if hasPart(env, "text/plain") {
		text := strings.ToValidUTF8(env.Text, "\uFFFD")
		body.Text = &text
	}
	if hasPart(env, "text/html") {
		html := strings.ToValidUTF8(env.HTML, "\uFFFD")
		body.HTML = &html
	}
	return body, nil
}

// hasPart reports whether env holds a non-attachment part of mediaType.
func hasPart(env *enmime.Envelope, mediaType string) bool {
	if env.Root == nil {
		return false
	}
	root := env.Root
	if root.FirstChild == nil && root.ContentType == "" {
		// a message without Content-Type is text/plain
		return mediaType == "text/plain"
	}
	p := root.BreadthMatchFirst(func(p *enmime.Part) bool {
		return strings.EqualFold(p.ContentType, mediaType) &&
			!strings.EqualFold(p.Disposition, "attachment")
	})
	return p != nil
}

// dumpForDebug renders v for verbose logs, capped to keep log lines sane.
func dumpForDebug(v any) string {
	s := spew.Sdump(v)
	if len(s) > 4*maxLoggedLine {
		s = s[:4*maxLoggedLine] + "..."
	}
	return s
}
