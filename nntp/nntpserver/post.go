package nntpserver

import (
	"io"
	"strings"
	"time"

	"vellum.news/catalog"
	"vellum.news/catalog/header"
)

// maxArticleBytes bounds a single POST continuation body, guarding against
// a client that never sends the dot terminator.
const maxArticleBytes = 1 << 24

func (s *session) cmdPost() {
	if !s.server.AllowPosting {
		s.conn.Printf("440 Posting not permitted")
		return
	}
	identity := s.identity
	if identity == nil {
		identity = &catalog.Identity{}
	}

	s.conn.Printf("340 Send article to be posted")
	bf, err := s.conn.ReadDotBlockToFiler(s.server.Filer)
	if err != nil {
		return
	}
	defer bf.Close()

	raw, err := io.ReadAll(io.LimitReader(bf, maxArticleBytes+1))
	if err != nil {
		return
	}
	if len(raw) > maxArticleBytes {
		s.conn.Printf("441 Posting failed: article too large")
		return
	}

	headerBlock, body := splitHeaderBody(splitArticleLines(raw))
	h := header.Parse(headerBlock)
	if _, ok := h.Get("From"); !ok {
		s.conn.Printf("441 Posting failed: missing From header")
		return
	}
	newsgroupsVal, _ := h.Get("Newsgroups")
	if newsgroupsVal == "" {
		s.conn.Printf("441 Posting failed: missing Newsgroups header")
		return
	}
	targets := splitCatalogList(newsgroupsVal)

	if ctl, ok := h.Get("Control"); ok {
		if !s.authorizeControl(identity, ctl, targets) {
			s.conn.Printf("480 Permission to issue control message denied")
			return
		}
	}

	for _, name := range targets {
		canApprove := identity.CanApprove(name)
		if !canApprove {
			h.Remove("Approved")
		}
		if !identity.Flags.Has(catalog.FlagCanCancel) {
			h.Remove("Supersedes")
		}
		if !identity.Flags.Has(catalog.FlagCanInject) {
			h.Change("Injection-Date", time.Now().UTC().Format(time.RFC1123Z))
			h.Remove("Injection-Info")
			h.Remove("Xref")
		}
		if followup, ok := h.Get("Followup-To"); ok && followup == newsgroupsVal {
			h.Remove("Followup-To")
		}
	}

	if approved, refs := approvalRequest(body, h); approved && identityCanApproveAny(identity, targets) {
		s.processApproval(identity, targets, refs)
		s.conn.Printf("240 Article received OK")
		return
	}

	var savedTo []string
	for _, name := range targets {
		cat, err := s.server.Store.GetCatalogByName(s.ctx(), identity, name)
		if err != nil || cat == nil {
			// spec §9 Open Question i: silently skip a non-existent target
			// catalog rather than rejecting the whole POST.
			continue
		}
		savedTo = append(savedTo, name)
	}

	msg, err := s.server.Store.SaveMessage(s.ctx(), identity, savedTo, h.Raw(), h, body)
	if err != nil {
		s.conn.Printf("441 Posting failed")
		return
	}

	if ctl, ok := h.Get("Control"); ok {
		for _, name := range savedTo {
			cat, err := s.server.Store.GetCatalogByName(s.ctx(), identity, name)
			if err == nil && cat != nil {
				s.handleControl(identity, ctl, cat, msg)
			}
		}
	}

	s.server.Metrics.MessagePosted("nntp", len(msg.RawHeader)+len(msg.Body))
	s.conn.Printf("240 Article received OK")
}

// splitArticleLines turns the CRLF-joined bytes read off the wire back
// into the line slice splitHeaderBody expects.
func splitArticleLines(raw []byte) []string {
	s := strings.TrimSuffix(string(raw), "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\r\n")
}

func splitHeaderBody(lines []string) (headerBlock, body string) {
	for i, l := range lines {
		if l == "" {
			var hb, b strings.Builder
			for _, hl := range lines[:i] {
				hb.WriteString(hl)
				hb.WriteString("\r\n")
			}
			for _, bl := range lines[i+1:] {
				b.WriteString(bl)
				b.WriteString("\r\n")
			}
			return hb.String(), b.String()
		}
	}
	var hb strings.Builder
	for _, hl := range lines {
		hb.WriteString(hl)
		hb.WriteString("\r\n")
	}
	return hb.String(), ""
}

func splitCatalogList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// approvalRequest reports whether body begins with APPROVE/APPROVED and
// References: is non-empty, per the approval sub-protocol of spec §4.E.
func approvalRequest(body string, h *header.Header) (bool, []string) {
	trimmed := strings.TrimLeft(body, "\r\n")
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "APPROVE") {
		return false, nil
	}
	refs, ok := h.Get("References")
	if !ok || strings.TrimSpace(refs) == "" {
		return false, nil
	}
	return true, strings.Fields(refs)
}

// identityCanApproveAny reports whether identity may approve postings to at
// least one of targets. Gating the approval sub-protocol on this (spec
// §4.E: "if identity may approve") keeps a posting identity with no
// moderation rights from clearing `pending`/setting `Approved:` on
// arbitrary referenced messages just by opening the body with "APPROVE".
func identityCanApproveAny(identity *catalog.Identity, targets []string) bool {
	for _, name := range targets {
		if identity.CanApprove(name) {
			return true
		}
	}
	return false
}

// processApproval runs the approval sub-protocol: it only calls
// Store.SetApproved for catalogs identity actually moderates, skipping any
// cross-posted target it does not. Store.SetApproved itself also rejects
// the call if the permission check here were ever bypassed.
func (s *session) processApproval(identity *catalog.Identity, targets []string, refs []string) {
	mailbox := identity.Username
	for _, name := range targets {
		if !identity.CanApprove(name) {
			continue
		}
		cat, err := s.server.Store.GetCatalogByName(s.ctx(), identity, name)
		if err != nil || cat == nil {
			continue
		}
		for _, ref := range refs {
			s.server.Store.SetApproved(s.ctx(), identity, ref, cat, mailbox)
		}
	}
}
