package imap

import (
	"fmt"
	"math"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/rs/xid"
)

// dropNl removes trailing newline characters from a byte slice
func dropNl(b []byte) []byte {
	if len(b) >= 1 && b[len(b)-1] == '\n' {
		if len(b) >= 2 && b[len(b)-2] == '\r' {
			return b[:len(b)-2]
		}
		return b[:len(b)-1]
	}
	return b
}

// MakeIMAPLiteral generates IMAP literal syntax for non-ASCII strings.
// It returns a string in the format "{bytecount}\r\ntext" where bytecount
// is the number of bytes (not characters) in the input string.
// This is useful for search queries with non-ASCII characters.
// Example: MakeIMAPLiteral("тест") returns "{8}\r\nтест"
func MakeIMAPLiteral(s string) string {
	return fmt.Sprintf("{%d}\r\n%s", len(s), s)
}

// quoteString renders s as an IMAP quoted string, or as a literal when it
// holds bytes a quoted string cannot carry.
func quoteString(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 0x80 || c == '\r' || c == '\n' || c == 0 {
			return MakeIMAPLiteral(s)
		}
	}
	return `"` + AddSlashes.Replace(s) + `"`
}

// newTag returns a unique command tag: 20 uppercase base32hex characters.
func newTag() string {
	return strings.ToUpper(xid.New().String())
}

// splitLiterals breaks a command at each synchronizing literal so every part
// after the first is sent only once the server asks for it.
func splitLiterals(command string) []string {
	parts := make([]string, 0, 1)
	for {
		i := strings.Index(command, nl)
		if i < 0 || !literalSuffix.MatchString(command[:i]) {
			return append(parts, command)
		}
		parts = append(parts, command[:i])
		command = command[i+len(nl):]
	}
}

// commandName returns the upper-cased verb of a command, including the UID
// prefix when present.
func commandName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	name := strings.ToUpper(fields[0])
	if name == "UID" && len(fields) > 1 {
		name += " " + strings.ToUpper(fields[1])
	}
	return name
}

// uidSet compacts uids into an IMAP sequence set such as "1:3,7".
func uidSet(uids []int) string {
	var set goimap.SeqSet
	for _, u := range uids {
		if validUID(u) {
			set.AddNum(uint32(u))
		}
	}
	return set.String()
}

// validUID reports whether u fits the 32-bit non-zero UID range.
func validUID(u int) bool {
	return u > 0 && int64(u) <= math.MaxUint32
}

// positiveUIDs drops out-of-range and duplicate uids, keeping first-seen
// order.
func positiveUIDs(uids []int) []int {
	seen := make(map[int]struct{}, len(uids))
	out := make([]int, 0, len(uids))
	for _, u := range uids {
		if !validUID(u) {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
