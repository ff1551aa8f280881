package nntpserver

import (
	"strconv"
	"strings"

	"vellum.news/catalog"
)

type articleKind int

const (
	articleAll articleKind = iota
	articleHead
	articleBody
	articleStat
)

// resolveArticle finds the message for arg, which is either empty (current
// article), a bare article number, or a <message-id>. Message-id lookups
// are scoped to the currently selected catalog: the Store interface (spec
// §4.B) exposes no catalog-independent message index, only per-catalog
// sequence ranges, so cross-group message-id addressing is unsupported.
func (s *session) resolveArticle(arg string) (catalog.MessageAt, bool) {
	if s.current == nil {
		return catalog.MessageAt{}, false
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		if s.currentArt == 0 {
			return catalog.MessageAt{}, false
		}
		return s.lookupBySeq(s.currentArt)
	}
	if strings.HasPrefix(arg, "<") {
		msgs, err := s.server.Store.GetMessages(s.ctx(), s.requireIdentity(), s.current, 0, 0)
		if err != nil {
			return catalog.MessageAt{}, false
		}
		for _, m := range msgs {
			if m.Message != nil && m.Message.ID == arg {
				return m, true
			}
		}
		return catalog.MessageAt{}, false
	}
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return catalog.MessageAt{}, false
	}
	return s.lookupBySeq(uint32(n))
}

func (s *session) lookupBySeq(seq uint32) (catalog.MessageAt, bool) {
	msgs, err := s.server.Store.GetMessages(s.ctx(), s.requireIdentity(), s.current, seq, seq)
	if err != nil || len(msgs) == 0 {
		return catalog.MessageAt{}, false
	}
	return msgs[0], true
}

func (s *session) cmdArticleLike(arg string, kind articleKind) {
	if s.current == nil && !strings.HasPrefix(strings.TrimSpace(arg), "<") {
		s.conn.Printf("412 No newsgroup selected")
		return
	}
	m, ok := s.resolveArticle(arg)
	if !ok {
		if strings.HasPrefix(strings.TrimSpace(arg), "<") {
			s.conn.Printf("430 No such article found")
		} else if strings.TrimSpace(arg) == "" {
			s.conn.Printf("420 No current article selected")
		} else {
			s.conn.Printf("423 No such article number in this group")
		}
		return
	}
	s.currentArt = m.Link.Seq

	switch kind {
	case articleStat:
		s.conn.Printf("223 %d %s", m.Link.Seq, m.Message.ID)
	case articleHead:
		s.conn.Printf("221 %d %s", m.Link.Seq, m.Message.ID)
		s.writeDotBlock(splitCRLF(m.Message.RawHeader))
	case articleBody:
		s.conn.Printf("222 %d %s", m.Link.Seq, m.Message.ID)
		s.writeDotBlock(splitCRLF(m.Message.Body))
	default:
		s.conn.Printf("220 %d %s", m.Link.Seq, m.Message.ID)
		lines := splitCRLF(m.Message.RawHeader)
		lines = append(lines, "")
		lines = append(lines, splitCRLF(m.Message.Body)...)
		s.writeDotBlock(lines)
	}
	s.server.Metrics.MessageFetched("nntp", len(m.Message.RawHeader)+len(m.Message.Body))
}

func splitCRLF(block string) []string {
	block = strings.TrimSuffix(block, "\r\n")
	if block == "" {
		return nil
	}
	return strings.Split(block, "\r\n")
}

func (s *session) cmdNextLast(delta int32) {
	if s.current == nil {
		s.conn.Printf("412 No newsgroup selected")
		return
	}
	if s.currentArt == 0 {
		s.conn.Printf("420 No current article selected")
		return
	}
	var next uint32
	if delta > 0 {
		next = s.currentArt + 1
	} else {
		if s.currentArt == 0 {
			s.conn.Printf("422 No previous article in this group")
			return
		}
		next = s.currentArt - 1
	}
	m, ok := s.lookupBySeq(next)
	if !ok {
		if delta > 0 {
			s.conn.Printf("421 No next article in this group")
		} else {
			s.conn.Printf("422 No previous article in this group")
		}
		return
	}
	s.currentArt = m.Link.Seq
	s.conn.Printf("223 %d %s", m.Link.Seq, m.Message.ID)
}
