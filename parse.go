package imap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const nl = "\r\n"

var (
	// literalSuffix matches the {n} announcement that ends a line when a
	// literal of n bytes follows.
	literalSuffix = regexp.MustCompile(`\{(\d+)\}$`)
	fetchLineRE   = regexp.MustCompile(`(?i)^\* (\d+) FETCH `)
)

// Token represents a parsed IMAP token
type Token struct {
	Type   TType
	Str    string
	Num    int
	Tokens []*Token
}

// TType represents the type of an IMAP token
type TType uint8

const (
	TUnset TType = iota
	TAtom
	TNumber
	TLiteral
	TQuoted
	TNil
	TContainer
)

// calculateTokenEnd calculates the end position of a literal token based on size and buffer constraints
func calculateTokenEnd(tokenStart, sizeVal, bufferLen int) (int, error) {
	switch {
	case tokenStart >= bufferLen:
		if sizeVal == 0 {
			return tokenStart - 1, nil // Results in empty string for r[tokenStart:tokenEnd+1]
		}
		return 0, fmt.Errorf("literal size %d but tokenStart %d is at/past end of buffer %d", sizeVal, tokenStart, bufferLen)
	case tokenStart+sizeVal > bufferLen:
		return bufferLen - 1, nil // Taking available data
	default:
		return tokenStart + sizeVal - 1, nil
	}
}

// isAtomChar reports whether b may appear in an atom. Bytes above 0x7f are
// accepted so that servers sending raw UTF-8 do not break parsing.
func isAtomChar(b byte) bool {
	switch b {
	case '(', ')', '{', '"', ' ':
		return false
	}
	return b > ' ' && b != 0x7f
}

func atomToken(s string) *Token {
	if strings.EqualFold(s, "NIL") {
		return &Token{Type: TNil}
	}
	if n, err := strconv.Atoi(s); err == nil && s[0] != '-' && s[0] != '+' {
		return &Token{Type: TNumber, Num: n, Str: s}
	}
	return &Token{Type: TAtom, Str: s}
}

// parseTokens splits a response line, with its literals already inlined, into
// tokens. Parenthesized lists become TContainer tokens.
func parseTokens(r string) ([]*Token, error) {
	tokens := make([]*Token, 0)
	stack := []*[]*Token{&tokens}

	i := 0
	for i < len(r) {
		b := r[i]
		cur := stack[len(stack)-1]

		switch {
		case b == ' ' || b == '\r' || b == '\n':
			i++

		case b == '(':
			t := &Token{Type: TContainer, Tokens: make([]*Token, 0, 1)}
			*cur = append(*cur, t)
			stack = append(stack, &t.Tokens)
			i++

		case b == ')':
			if len(stack) == 1 {
				return nil, fmt.Errorf("unmatched ')' at char %d in %q", i, r)
			}
			stack = stack[:len(stack)-1]
			i++

		case b == '"':
			var sb strings.Builder
			j := i + 1
			for ; j < len(r) && r[j] != '"'; j++ {
				if r[j] == '\\' && j+1 < len(r) {
					j++
				}
				sb.WriteByte(r[j])
			}
			if j >= len(r) {
				return nil, fmt.Errorf("unterminated quoted string at char %d in %q", i, r)
			}
			*cur = append(*cur, &Token{Type: TQuoted, Str: sb.String()})
			i = j + 1

		case b == '{':
			end := strings.IndexByte(r[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated literal size at char %d in %q", i, r)
			}
			size, err := strconv.Atoi(r[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("literal size %q: %w", r[i+1:i+end], err)
			}
			start := i + end + 1
			if start < len(r) && r[start] == '\r' {
				start++
			}
			if start < len(r) && r[start] == '\n' {
				start++
			}
			tokenEnd, err := calculateTokenEnd(start, size, len(r))
			if err != nil {
				return nil, err
			}
			*cur = append(*cur, &Token{Type: TLiteral, Str: r[start : tokenEnd+1]})
			i = tokenEnd + 1

		case isAtomChar(b):
			start := i
			for i < len(r) && isAtomChar(r[i]) {
				// section specs such as BODY[HEADER.FIELDS (FROM TO)] are one atom
				if r[i] == '[' {
					if end := strings.IndexByte(r[i:], ']'); end > 0 {
						i += end
					}
				}
				i++
			}
			*cur = append(*cur, atomToken(r[start:i]))

		default:
			return nil, fmt.Errorf("unexpected byte %#x at char %d in %q", b, i, r)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("mismatched parentheses, depth %d at end of parsing %q", len(stack)-1, r)
	}
	return tokens, nil
}

// untagged returns the remainder of an untagged "* <keyword> ..." line.
func untagged(line []byte, keyword string) (string, bool) {
	s := string(dropNl(line))
	if !strings.HasPrefix(s, "* ") {
		return "", false
	}
	s = s[2:]
	if len(s) < len(keyword) || !strings.EqualFold(s[:len(keyword)], keyword) {
		return "", false
	}
	s = s[len(keyword):]
	if s != "" && s[0] != ' ' {
		return "", false
	}
	return strings.TrimPrefix(s, " "), true
}

// parseFetchLine parses "* <seq> FETCH (<items>)" into its item map keyed by
// upper-cased item name. ok is false for lines that are not FETCH responses.
func parseFetchLine(line []byte) (items map[string]*Token, ok bool, err error) {
	s := string(dropNl(line))
	loc := fetchLineRE.FindStringIndex(s)
	if loc == nil {
		return nil, false, nil
	}
	tokens, err := parseTokens(s[loc[1]:])
	if err != nil {
		return nil, true, err
	}
	if len(tokens) != 1 || tokens[0].Type != TContainer {
		return nil, true, fmt.Errorf("fetch response is not a parenthesized list: %q", s)
	}
	pairs := tokens[0].Tokens
	if len(pairs)%2 != 0 {
		return nil, true, fmt.Errorf("fetch response has an odd number of items: %q", s)
	}
	items = make(map[string]*Token, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		if err := expectType(pairs[i], "fetch item name", TAtom); err != nil {
			return nil, true, err
		}
		items[strings.ToUpper(pairs[i].Str)] = pairs[i+1]
	}
	return items, true, nil
}

// parseSearchLine parses the UIDs of one "* SEARCH" response.
func parseSearchLine(rest string) ([]int, error) {
	fields := strings.Fields(rest)
	uids := make([]int, 0, len(fields))
	for _, f := range fields {
		u, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid uid %q in search response", f)
		}
		uids = append(uids, u)
	}
	return uids, nil
}

// tokenName returns the string name of a token type
func tokenName(tokenType TType) string {
	switch tokenType {
	case TUnset:
		return "TUnset"
	case TAtom:
		return "TAtom"
	case TNumber:
		return "TNumber"
	case TLiteral:
		return "TLiteral"
	case TQuoted:
		return "TQuoted"
	case TNil:
		return "TNil"
	case TContainer:
		return "TContainer"
	}
	return ""
}

// String returns a string representation of a Token
func (t Token) String() string {
	name := tokenName(t.Type)
	switch t.Type {
	case TUnset, TNil:
		return name
	case TLiteral, TQuoted:
		return fmt.Sprintf("(%s, len %d, chars %d %#v)", name, len(t.Str), len([]rune(t.Str)), t.Str)
	case TNumber:
		return fmt.Sprintf("(%s %d)", name, t.Num)
	case TAtom:
		return fmt.Sprintf("(%s %s)", name, t.Str)
	case TContainer:
		return fmt.Sprintf("(%s children: %s)", name, t.Tokens)
	}
	return ""
}

// stringValue returns the text of any string-like token.
func (t *Token) stringValue() (string, bool) {
	switch t.Type {
	case TAtom, TQuoted, TLiteral, TNumber:
		return t.Str, true
	case TNil:
		return "", true
	}
	return "", false
}

// expectType validates that a token is one of the acceptable types
func expectType(token *Token, loc string, acceptable ...TType) error {
	for _, a := range acceptable {
		if token != nil && token.Type == a {
			return nil
		}
	}
	names := make([]string, len(acceptable))
	for i, a := range acceptable {
		names[i] = tokenName(a)
	}
	return fmt.Errorf("expected %s token for %s, got %v", strings.Join(names, "|"), loc, token)
}
