package imapserver

import (
	"strconv"
	"strings"

	"vellum.news/catalog"
)

// cmdFetch implements FETCH/UID FETCH (spec.md §4.F, §9 Open Question
// iii): messages are fetched and their "* i FETCH" lines written strictly
// in ascending sequence-number order. The teacher's own FETCH fans out
// across a parallelized mailbox.Fetch callback; we deliberately do not
// reproduce that here, since the spec calls out that unordered emission
// is the one thing a conformant rewrite must NOT preserve.
func (s *session) cmdFetch(tag string, sc *scanner, uid bool) {
	if s.state != stateSelected {
		s.conn.Printf("%s NO no mailbox selected", tag)
		return
	}
	rangeTok, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing sequence range", tag)
		return
	}
	itemsRaw, ok := sc.parenList()
	var items []string
	if ok {
		items = splitTokens(itemsRaw)
	} else {
		single, ok := sc.atom()
		if !ok {
			s.conn.Printf("%s BAD missing fetch items", tag)
			return
		}
		items = []string{single}
	}

	lo, hi := parseSeqRange(rangeTok)
	identity := s.requireIdentity()
	msgs, err := s.server.Store.GetMessages(s.ctx(), identity, s.mailbox, lo, hi)
	if err != nil {
		s.conn.Printf("%s NO archive server temporarily offline", tag)
		return
	}
	details, err := s.server.Store.GetMessageDetails(s.ctx(), identity, s.mailbox, lo, hi)
	if err != nil {
		s.conn.Printf("%s NO archive server temporarily offline", tag)
		return
	}
	detailByMsg := make(map[string]catalog.MessageDetail, len(details))
	for _, d := range details {
		detailByMsg[d.MessageID] = d
	}

	for i, m := range msgs {
		detail := detailByMsg[m.Link.MessageID]
		var parts []string
		for _, item := range items {
			part, setsSeen := s.fetchPart(item, m, detail)
			if part != "" {
				parts = append(parts, part)
			}
			if setsSeen {
				s.server.Store.SetSeen(s.ctx(), identity, s.mailbox, m.Link.MessageID)
			}
		}
		num := uint32(i + 1)
		if uid {
			num = m.Link.Seq
		}
		s.conn.Printf("* %d FETCH (%s)", num, strings.Join(parts, " "))
		s.server.Metrics.MessageFetched("imap", len(m.Message.RawHeader)+len(m.Message.Body))
	}

	verb := "FETCH"
	if uid {
		verb = "UID FETCH"
	}
	s.conn.Printf("%s OK %s completed", tag, verb)
}

// fetchPart renders one FETCH data item for m, reporting whether rendering
// it should mark the message \Seen (true only for BODY[...], never for
// BODY.PEEK[...], per RFC 3501 §6.4.5).
func (s *session) fetchPart(item string, m catalog.MessageAt, detail catalog.MessageDetail) (string, bool) {
	upper := strings.ToUpper(item)
	switch {
	case upper == "FLAGS":
		return "FLAGS (" + strings.Join(detail.Flags(), " ") + ")", false
	case upper == "UID":
		return "UID " + strconv.FormatUint(uint64(m.Link.Seq), 10), false
	case upper == "RFC822.SIZE":
		size := len(m.Message.RawHeader) + len(m.Message.Body)
		return "RFC822.SIZE " + strconv.Itoa(size), false
	case strings.HasPrefix(upper, "BODY.PEEK["):
		return fetchBody(item, m), false
	case strings.HasPrefix(upper, "BODY["):
		return fetchBody(item, m), true
	default:
		return "", false
	}
}

// fetchBody renders the wire response for a BODY[section] or
// BODY.PEEK[section] item: "BODY[section] {len}\r\npayload" — the
// response always echoes BODY[...], never BODY.PEEK[...].
func fetchBody(item string, m catalog.MessageAt) string {
	open := strings.IndexByte(item, '[')
	closeIdx := strings.LastIndexByte(item, ']')
	if open < 0 || closeIdx < open {
		return ""
	}
	section := item[open+1 : closeIdx]

	var payload string
	switch {
	case section == "":
		payload = m.Message.RawHeader + "\r\n" + m.Message.Body
	case strings.EqualFold(section, "HEADER"):
		payload = m.Message.RawHeader
	case strings.EqualFold(section, "TEXT"):
		payload = m.Message.Body
	case strings.HasPrefix(strings.ToUpper(section), "HEADER.FIELDS"):
		fopen := strings.IndexByte(section, '(')
		fclose := strings.LastIndexByte(section, ')')
		var names []string
		if fopen >= 0 && fclose > fopen {
			names = strings.Fields(section[fopen+1 : fclose])
		}
		payload = selectHeaderFields(m.Message.Headers, names)
	}
	return "BODY[" + section + "] {" + strconv.Itoa(len(payload)) + "}\r\n" + payload
}

func selectHeaderFields(h catalog.HeaderView, names []string) string {
	if h == nil {
		return ""
	}
	var b strings.Builder
	for _, name := range names {
		if v, ok := h.Get(name); ok {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}
