package nntpserver

import (
	"strconv"
	"strings"

	"vellum.news/catalog"
	"vellum.news/catalog/wildmat"
)

// squash replaces wire-unsafe characters with a single space, per the
// standard overview-line field encoding (spec §4.E).
func squash(s string) string {
	replacer := strings.NewReplacer("\x00", " ", "\r", " ", "\n", " ", "\t", " ")
	return replacer.Replace(s)
}

func overviewLine(m catalog.MessageAt) string {
	h := m.Message.Headers
	get := func(name string) string {
		if h == nil {
			return ""
		}
		v, _ := h.Get(name)
		return v
	}
	bytes := len(m.Message.RawHeader) + len(m.Message.Body)
	lines := strings.Count(strings.TrimSuffix(m.Message.Body, "\r\n"), "\r\n")
	if m.Message.Body != "" {
		lines++
	}
	fields := []string{
		strconv.FormatUint(uint64(m.Link.Seq), 10),
		squash(get("Subject")),
		squash(get("From")),
		squash(get("Date")),
		squash(m.Message.ID),
		squash(get("References")),
		strconv.Itoa(bytes),
		strconv.Itoa(lines),
	}
	return strings.Join(fields, "\t")
}

func (s *session) cmdOver(arg string) {
	if s.current == nil {
		s.conn.Printf("412 No newsgroup selected")
		return
	}
	low, high := s.overviewRange(arg)
	msgs, err := s.server.Store.GetMessages(s.ctx(), s.requireIdentity(), s.current, low, high)
	if err != nil {
		s.conn.Printf("403 Archive server temporarily offline")
		return
	}
	s.conn.Printf("224 Overview information follows")
	var lines []string
	for _, m := range msgs {
		lines = append(lines, overviewLine(m))
	}
	s.writeDotBlock(lines)
}

func (s *session) overviewRange(arg string) (low, high uint32) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return s.currentArt, s.currentArt
	}
	r, err := wildmat.ParseRange(arg)
	if err != nil {
		return s.currentArt, s.currentArt
	}
	return r.Low, r.High
}

func (s *session) cmdHdr(arg string) {
	if s.current == nil {
		s.conn.Printf("412 No newsgroup selected")
		return
	}
	header, rangeArg := splitVerb(arg)
	if header == "" {
		s.conn.Printf("501 Syntax error")
		return
	}
	low, high := s.overviewRange(rangeArg)
	msgs, err := s.server.Store.GetMessages(s.ctx(), s.requireIdentity(), s.current, low, high)
	if err != nil {
		s.conn.Printf("403 Archive server temporarily offline")
		return
	}
	s.conn.Printf("225 Headers follow")
	var lines []string
	for _, m := range msgs {
		var v string
		if strings.EqualFold(header, "Message-ID") {
			v = m.Message.ID
		} else if m.Message.Headers != nil {
			v, _ = m.Message.Headers.Get(header)
		}
		lines = append(lines, strconv.FormatUint(uint64(m.Link.Seq), 10)+"\t"+squash(v))
	}
	s.writeDotBlock(lines)
}

func (s *session) cmdXPat(arg string) {
	if s.current == nil {
		s.conn.Printf("412 No newsgroup selected")
		return
	}
	fields := strings.SplitN(arg, " ", 3)
	if len(fields) < 3 {
		s.conn.Printf("501 Syntax error")
		return
	}
	header, rangeArg, pattern := fields[0], fields[1], fields[2]
	low, high := s.overviewRange(rangeArg)
	msgs, err := s.server.Store.GetMessages(s.ctx(), s.requireIdentity(), s.current, low, high)
	if err != nil {
		s.conn.Printf("403 Archive server temporarily offline")
		return
	}
	s.conn.Printf("221 Header follows")
	var lines []string
	for _, m := range msgs {
		var v string
		if strings.EqualFold(header, "Message-ID") {
			v = m.Message.ID
		} else if m.Message.Headers != nil {
			v, _ = m.Message.Headers.Get(header)
		}
		if wildmat.MatchWildmat(v, pattern) {
			lines = append(lines, strconv.FormatUint(uint64(m.Link.Seq), 10)+"\t"+squash(v))
		}
	}
	s.writeDotBlock(lines)
}
