// Package wildmat implements NNTP range parsing (spec.md §4.D), NNTP
// wildmat pattern matching (RFC 3977 §4.2), and IMAP mailbox glob matching.
//
// No third-party implementation of either grammar was found anywhere in
// the retrieved example pack (aladin2907-overhuman, infodancer-pop3d,
// meszmate-imap-go, samuel-go-imapd, spilled-ink-spilld, or
// other_examples/), so this package is hand-written against the standard
// library only, per spec.md §9 ("regex-based command parsing should be
// replaced by hand-written state parsers").
package wildmat

import (
	"errors"
	"strconv"
	"strings"
)

// ErrSyntax is returned by ParseRange on malformed input.
var ErrSyntax = errors.New("wildmat: syntax error")

// Range is an inclusive sequence-number range. High == 0 means an open
// upper bound (spec.md §4.D: "N-" parses to [N, ∞)).
type Range struct {
	Low  uint32
	High uint32 // 0 means unbounded
}

// Contains reports whether n falls within r.
func (r Range) Contains(n uint32) bool {
	if n < r.Low {
		return false
	}
	return r.High == 0 || n <= r.High
}

// ParseRange parses the NNTP range grammar: "N" -> [N,N]; "N-" -> [N,∞);
// "N-M" -> [N,M].
func ParseRange(s string) (Range, error) {
	if s == "" {
		return Range{}, ErrSyntax
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		lowS, highS := s[:i], s[i+1:]
		low, err := strconv.ParseUint(lowS, 10, 32)
		if err != nil {
			return Range{}, ErrSyntax
		}
		if highS == "" {
			return Range{Low: uint32(low)}, nil
		}
		high, err := strconv.ParseUint(highS, 10, 32)
		if err != nil {
			return Range{}, ErrSyntax
		}
		return Range{Low: uint32(low), High: uint32(high)}, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return Range{}, ErrSyntax
	}
	return Range{Low: uint32(n), High: uint32(n)}, nil
}

// MatchWildmat evaluates a comma-separated, right-to-left wildmat pattern
// list against subject, per RFC 3977 §4.2: '*' matches any substring, '?'
// matches any single character, case-insensitive; a pattern prefixed with
// '!' negates; the rightmost pattern whose literal part matches decides the
// outcome (positive match if that pattern was not negated). If no pattern
// matches, the subject is rejected.
func MatchWildmat(subject string, patternList string) bool {
	patterns := strings.Split(patternList, ",")
	for i := len(patterns) - 1; i >= 0; i-- {
		p := patterns[i]
		negate := false
		if strings.HasPrefix(p, "!") {
			negate = true
			p = p[1:]
		}
		if matchGlob(subject, p, true, 0, false) {
			return !negate
		}
	}
	return false
}

// MatchMailboxGlob evaluates an IMAP LIST/LSUB mailbox pattern: '*'
// matches any characters including the hierarchy delimiter, '%' matches
// any characters except the delimiter, '?' matches one character. When
// delim is the empty byte (hierarchy NIL), '%' behaves like '*'.
func MatchMailboxGlob(subject, pattern string, delim byte, noHierarchy bool) bool {
	return matchGlob(subject, pattern, false, delim, noHierarchy)
}

// matchGlob is the shared recursive-descent matcher. In wildmat mode
// (nntp==true) '*' and '?' are the only metacharacters and matching is
// case-insensitive; in IMAP mode '%' is also recognized and matching is
// case-sensitive (mailbox names are not folded by spec.md §4.D).
func matchGlob(subject, pattern string, nntp bool, delim byte, noHierarchy bool) bool {
	return matchGlobAt(subject, pattern, nntp, delim, noHierarchy)
}

func matchGlobAt(s, p string, nntp bool, delim byte, noHierarchy bool) bool {
	for len(p) > 0 {
		switch c := p[0]; {
		case c == '*':
			p = p[1:]
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlobAt(s[i:], p, nntp, delim, noHierarchy) {
					return true
				}
			}
			return false
		case !nntp && c == '%':
			p = p[1:]
			if noHierarchy {
				if len(p) == 0 {
					return true
				}
				for i := 0; i <= len(s); i++ {
					if matchGlobAt(s[i:], p, nntp, delim, noHierarchy) {
						return true
					}
				}
				return false
			}
			for i := 0; i <= len(s); i++ {
				if i > 0 && s[i-1] == delim {
					break
				}
				if matchGlobAt(s[i:], p, nntp, delim, noHierarchy) {
					return true
				}
			}
			return false
		case c == '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 {
				return false
			}
			match := s[0] == c
			if nntp {
				match = lowerByte(s[0]) == lowerByte(c)
			}
			if !match {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
