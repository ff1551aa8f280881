// Package header parses the RFC 5322 header block shared by NNTP articles
// and IMAP messages into an ordered, mutable representation, grounded on
// spilled-ink-spilld's email.Header (Entries slice + Index map), adapted to
// the exact contract of spec.md §4.C: an ordered multimap preserving
// first-occurrence order, in parallel with an ordered map of name to the
// original full line, so that mutation can recompute a lossless raw block.
package header

import (
	"strings"
)

// Entry is one logical header field: its canonical name, trimmed value,
// and the original (possibly folded) source line(s) it came from.
type Entry struct {
	Name     string // as it appeared on the wire, case preserved
	Value    string // unfolded, trimmed
	FullLine string // original line(s), CRLF-joined, including folding
}

// Header is an ordered multimap of header fields.
type Header struct {
	Entries []Entry
}

// Parse splits a CRLF-joined header block into an ordered Header,
// unfolding continuation lines (lines beginning with space or tab belong
// to the previous logical header).
func Parse(block string) *Header {
	h := &Header{}
	lines := strings.Split(block, "\r\n")
	var cur *Entry
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur.Value = strings.TrimSpace(cur.Value + " " + strings.TrimSpace(line))
			cur.FullLine += "\r\n" + line
			continue
		}
		name, value, ok := splitLine(line)
		if !ok {
			continue
		}
		h.Entries = append(h.Entries, Entry{Name: name, Value: value, FullLine: line})
		cur = &h.Entries[len(h.Entries)-1]
	}
	return h
}

func splitLine(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}

// Get returns the first value for name (case-insensitive), if present.
func (h *Header) Get(name string) (string, bool) {
	for _, e := range h.Entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}
	return "", false
}

// GetAll returns every value for name (case-insensitive), in order.
func (h *Header) GetAll(name string) []string {
	var vals []string
	for _, e := range h.Entries {
		if strings.EqualFold(e.Name, name) {
			vals = append(vals, e.Value)
		}
	}
	return vals
}

// Change replaces every occurrence of name with a single entry carrying
// value, preserving the position of the first occurrence; if name is
// absent, the entry is appended.
func (h *Header) Change(name, value string) {
	first := -1
	out := h.Entries[:0:0]
	for i, e := range h.Entries {
		if strings.EqualFold(e.Name, name) {
			if first == -1 {
				first = i
			}
			continue
		}
		out = append(out, e)
	}
	entry := Entry{Name: name, Value: value, FullLine: name + ": " + value}
	if first == -1 {
		out = append(out, entry)
	} else {
		// Re-insert at the position of the first removed occurrence
		// relative to the filtered slice.
		pos := 0
		for i := 0; i < first; i++ {
			if !strings.EqualFold(h.Entries[i].Name, name) {
				pos++
			}
		}
		out = append(out[:pos], append([]Entry{entry}, out[pos:]...)...)
	}
	h.Entries = out
}

// Remove deletes every occurrence of name (case-insensitive).
func (h *Header) Remove(name string) {
	out := h.Entries[:0:0]
	for _, e := range h.Entries {
		if !strings.EqualFold(e.Name, name) {
			out = append(out, e)
		}
	}
	h.Entries = out
}

// Raw recomputes the header block by joining each entry's stored full
// line(s) with CRLF, plus a trailing CRLF to terminate the block. For
// unmutated input, join(Parse(h).full_lines) == h (spec.md §8).
func (h *Header) Raw() string {
	var b strings.Builder
	for _, e := range h.Entries {
		b.WriteString(e.FullLine)
		b.WriteString("\r\n")
	}
	return b.String()
}
