package imapserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vellum.news/catalog"
	"vellum.news/catalog/wildmat"
	"vellum.news/wire"
)

type sessionState int

const (
	stateNotAuthenticated sessionState = iota
	stateAuthenticated
	stateSelected
)

// session is one connected IMAP client; served by exactly one goroutine,
// commands execute sequentially (spec.md §4.F: "single-threaded per
// connection").
type session struct {
	server *Server
	conn   *wire.Conn

	state    sessionState
	identity *catalog.Identity

	mailbox  *catalog.Catalog
	readOnly bool
}

func (s *session) serve() {
	defer s.conn.Close()

	s.conn.Printf("* OK IMAP4rev1 %s ready", s.server.Hostname)

	for {
		if s.server.ReadTimeout != 0 {
			s.conn.Raw().SetReadDeadline(time.Now().Add(s.server.ReadTimeout))
		}
		line, err := s.conn.ReadLine()
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !s.dispatch(line) {
			return
		}
	}
}

func (s *session) ctx() context.Context { return context.Background() }

// requireIdentity returns the authenticated identity, or an anonymous
// zero-value Identity for calls that do not require LOGIN.
func (s *session) requireIdentity() *catalog.Identity {
	if s.identity != nil {
		return s.identity
	}
	return &catalog.Identity{}
}

func (s *session) dispatch(line string) bool {
	sc := newScanner(line)
	tag, ok := sc.atom()
	if !ok {
		s.conn.Printf("* BAD empty command")
		return true
	}
	verbTok, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing command", tag)
		return true
	}
	verb := strings.ToUpper(verbTok)
	uid := false
	if verb == "UID" {
		uid = true
		next, ok := sc.atom()
		if !ok {
			s.conn.Printf("%s BAD missing UID subcommand", tag)
			return true
		}
		verb = strings.ToUpper(next)
	}
	s.server.Metrics.CommandProcessed("imap", verb)

	switch verb {
	case "CAPABILITY":
		s.cmdCapability(tag)
	case "LOGIN":
		s.cmdLogin(tag, sc)
	case "LOGOUT":
		s.conn.Printf("* BYE logging out")
		s.conn.Printf("%s OK LOGOUT completed", tag)
		return false
	case "NOOP", "CHECK":
		s.cmdNoop(tag)
	case "STARTTLS":
		s.cmdStartTLS(tag)
	case "SELECT":
		s.cmdSelect(tag, sc, false)
	case "EXAMINE":
		s.cmdSelect(tag, sc, true)
	case "CREATE":
		s.cmdCreate(tag, sc)
	case "SUBSCRIBE":
		s.cmdSubscribe(tag, sc, true)
	case "UNSUBSCRIBE":
		s.cmdSubscribe(tag, sc, false)
	case "LSUB":
		s.cmdList(tag, sc, true)
	case "LIST":
		s.cmdList(tag, sc, false)
	case "STATUS":
		s.cmdStatus(tag, sc)
	case "FETCH":
		s.cmdFetch(tag, sc, uid)
	default:
		s.conn.Printf("%s BAD unknown command", tag)
	}
	return true
}

func (s *session) cmdCapability(tag string) {
	caps := "IMAP4rev1"
	if s.server.AllowStartTLS && !s.conn.TLS() {
		caps += " STARTTLS"
	}
	s.conn.Printf("* CAPABILITY %s", caps)
	s.conn.Printf("%s OK CAPABILITY completed", tag)
}

func (s *session) cmdLogin(tag string, sc *scanner) {
	if s.state != stateNotAuthenticated {
		s.conn.Printf("%s BAD wrong state", tag)
		return
	}
	username, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD LOGIN missing username", tag)
		return
	}
	password, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD LOGIN missing password", tag)
		return
	}
	if s.server.Limiter != nil {
		s.server.Limiter.Wait(username)
	}
	id, err := s.server.Store.GetIdentityByClearAuth(s.ctx(), username, password)
	if err != nil {
		s.conn.Printf("%s NO archive server temporarily offline", tag)
		return
	}
	if id == nil {
		if s.server.Limiter != nil {
			s.server.Limiter.Fail(username)
		}
		s.server.Metrics.AuthAttempt("imap", false)
		s.conn.Printf("%s NO LOGIN failed", tag)
		return
	}
	if id.Flags.Has(catalog.FlagLocalOnly) && !isLoopback(s.conn.Raw().RemoteAddr().String()) {
		s.conn.Printf("%s NO LOGIN failed", tag)
		return
	}
	if s.server.Limiter != nil {
		s.server.Limiter.Reset(username)
	}
	s.server.Metrics.AuthAttempt("imap", true)
	s.identity = id
	s.server.Store.Ensure(s.ctx(), id)
	s.state = stateAuthenticated
	s.conn.Printf("%s OK LOGIN completed", tag)
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if i := strings.LastIndexByte(remoteAddr, ':'); i >= 0 {
		host = remoteAddr[:i]
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

func (s *session) cmdNoop(tag string) {
	if s.mailbox != nil {
		cat, err := s.server.Store.GetCatalogByName(s.ctx(), s.requireIdentity(), s.mailbox.Name)
		if err == nil && cat != nil {
			s.conn.Printf("* %d EXISTS", cat.MessageCount)
		}
	}
	s.conn.Printf("%s OK NOOP completed", tag)
}

func (s *session) cmdStartTLS(tag string) {
	if !s.server.AllowStartTLS || s.conn.TLS() {
		s.conn.Printf("%s BAD STARTTLS not available", tag)
		return
	}
	s.conn.Printf("%s OK begin TLS negotiation now", tag)
	if err := s.conn.UpgradeTLS(s.server.TLSConfig); err != nil {
		s.conn.Close()
		return
	}
	s.server.Metrics.TLSConnectionEstablished("imap")
	s.state = stateNotAuthenticated
	s.identity = nil
	s.mailbox = nil
}

func (s *session) closeMailbox() {
	s.mailbox = nil
	s.readOnly = false
	if s.state == stateSelected {
		s.state = stateAuthenticated
	}
}

func (s *session) cmdSelect(tag string, sc *scanner, examine bool) {
	if s.state == stateNotAuthenticated {
		s.conn.Printf("%s NO not authenticated", tag)
		return
	}
	name, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing mailbox", tag)
		return
	}
	identity := s.requireIdentity()
	cat, err := s.server.Store.GetCatalogByName(s.ctx(), identity, name)
	if err != nil {
		s.closeMailbox()
		s.conn.Printf("%s NO archive server temporarily offline", tag)
		return
	}
	if cat == nil {
		s.closeMailbox()
		s.conn.Printf("%s NO no such mailbox", tag)
		return
	}
	s.mailbox = cat
	s.state = stateSelected
	// SELECT on an owned mailbox is read-write; EXAMINE, and SELECT of a
	// mailbox this identity does not own, is read-only (spec.md §4.F).
	owned := cat.Owner != nil && *cat.Owner == identity.ID
	s.readOnly = examine || !owned

	s.conn.Printf("* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)")
	s.conn.Printf("* %d EXISTS", cat.MessageCount)
	s.conn.Printf("* %d RECENT", 0)
	s.conn.Printf("* OK [UIDNEXT %d]", cat.HighWatermark+1)
	s.conn.Printf("* OK [UIDVALIDITY %s]", uidValidity(cat.CreatedAt))
	if s.readOnly {
		s.conn.Printf("%s OK [READ-ONLY] SELECT completed", tag)
	} else {
		s.conn.Printf("%s OK [READ-WRITE] SELECT completed", tag)
	}
}

func uidValidity(t time.Time) string {
	return t.UTC().Format("200601021504")
}

func (s *session) cmdCreate(tag string, sc *scanner) {
	if s.state == stateNotAuthenticated {
		s.conn.Printf("%s NO not authenticated", tag)
		return
	}
	name, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing mailbox", tag)
		return
	}
	delim := s.server.Store.HierarchyDelimiter()
	if delim != "" && delim != catalog.HierarchyNone {
		name = strings.TrimSuffix(name, delim)
	}
	created, err := s.server.Store.CreatePersonalCatalog(s.ctx(), s.requireIdentity(), name)
	if err != nil {
		s.conn.Printf("%s NO CREATE failed", tag)
		return
	}
	if !created {
		s.conn.Printf("%s NO mailbox already exists", tag)
		return
	}
	s.conn.Printf("%s OK CREATE completed", tag)
}

func (s *session) cmdSubscribe(tag string, sc *scanner, subscribe bool) {
	if s.state == stateNotAuthenticated {
		s.conn.Printf("%s NO not authenticated", tag)
		return
	}
	name, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing mailbox", tag)
		return
	}
	identity := s.requireIdentity()
	var err error
	if subscribe {
		_, err = s.server.Store.CreateSubscription(s.ctx(), identity, name)
	} else {
		_, err = s.server.Store.DeleteSubscription(s.ctx(), identity, name)
	}
	if err != nil {
		s.conn.Printf("%s NO failed", tag)
		return
	}
	verb := "SUBSCRIBE"
	if !subscribe {
		verb = "UNSUBSCRIBE"
	}
	s.conn.Printf("%s OK %s completed", tag, verb)
}

func (s *session) cmdList(tag string, sc *scanner, lsub bool) {
	if s.state == stateNotAuthenticated {
		s.conn.Printf("%s NO not authenticated", tag)
		return
	}
	reference, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing reference", tag)
		return
	}
	pattern, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing mailbox pattern", tag)
		return
	}
	if pattern == "" {
		verb := "LIST"
		if lsub {
			verb = "LSUB"
		}
		s.conn.Printf(`* %s (\Noselect) "%s" ""`, verb, s.server.Store.HierarchyDelimiter())
		s.conn.Printf("%s OK completed", tag)
		return
	}

	identity := s.requireIdentity()
	var names []catalog.Catalog
	var subscribed map[string]bool
	if lsub {
		subs, err := s.server.Store.GetSubscriptions(s.ctx(), identity)
		if err != nil {
			s.conn.Printf("%s NO failed", tag)
			return
		}
		subscribed = make(map[string]bool, len(subs))
		for _, n := range subs {
			subscribed[strings.ToLower(n)] = true
		}
	}

	global, err := s.server.Store.GetGlobalCatalogs(s.ctx(), identity, reference)
	if err != nil {
		s.conn.Printf("%s NO failed", tag)
		return
	}
	personal, err := s.server.Store.GetPersonalCatalogs(s.ctx(), identity, reference)
	if err != nil {
		s.conn.Printf("%s NO failed", tag)
		return
	}
	names = append(names, global...)
	names = append(names, personal...)

	delim := s.server.Store.HierarchyDelimiter()
	noHierarchy := delim == "" || delim == catalog.HierarchyNone
	var delimByte byte
	if len(delim) == 1 {
		delimByte = delim[0]
	}

	hasChild := make(map[string]bool)
	for _, c := range names {
		if i := strings.LastIndex(c.Name, delim); delim != "" && i > 0 {
			hasChild[c.Name[:i]] = true
		}
	}

	verb := "LIST"
	if lsub {
		verb = "LSUB"
	}
	for _, c := range names {
		if lsub && !subscribed[strings.ToLower(c.Name)] {
			continue
		}
		if !wildmat.MatchMailboxGlob(c.Name, pattern, delimByte, noHierarchy) {
			continue
		}
		flags := mailboxFlags(c, hasChild[c.Name])
		s.conn.Printf(`* %s (%s) "%s" "%s"`, verb, strings.Join(flags, " "), delim, c.Name)
	}
	s.conn.Printf("%s OK %s completed", tag, verb)
}

// mailboxFlags derives special-use flags from well-known catalog names,
// plus \HasChildren / \HasNoChildren (spec.md §4.F).
func mailboxFlags(c catalog.Catalog, hasChildren bool) []string {
	var flags []string
	base := c.Name
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	switch strings.ToLower(base) {
	case "all":
		flags = append(flags, `\All`)
	case "drafts":
		flags = append(flags, `\Drafts`)
	case "important", "starred":
		flags = append(flags, `\Flagged`)
	case "junk":
		flags = append(flags, `\Junk`)
	case "sent":
		flags = append(flags, `\Sent`)
	case "trash":
		flags = append(flags, `\Trash`)
	}
	if hasChildren {
		flags = append(flags, `\HasChildren`)
	} else {
		flags = append(flags, `\HasNoChildren`)
	}
	return flags
}

func (s *session) cmdStatus(tag string, sc *scanner) {
	if s.state == stateNotAuthenticated {
		s.conn.Printf("%s NO not authenticated", tag)
		return
	}
	name, ok := sc.atom()
	if !ok {
		s.conn.Printf("%s BAD missing mailbox", tag)
		return
	}
	itemsRaw, ok := sc.parenList()
	if !ok {
		s.conn.Printf("%s BAD missing status items", tag)
		return
	}
	identity := s.requireIdentity()
	cat, err := s.server.Store.GetCatalogByName(s.ctx(), identity, name)
	if err != nil {
		s.conn.Printf("%s NO archive server temporarily offline", tag)
		return
	}
	if cat == nil {
		s.conn.Printf("%s NO no such mailbox", tag)
		return
	}

	var unseen uint32
	details, err := s.server.Store.GetMessageDetails(s.ctx(), identity, cat, 0, 0)
	if err == nil {
		for _, d := range details {
			if d.Seen == nil {
				unseen++
			}
		}
	}

	var parts []string
	for _, item := range strings.Fields(itemsRaw) {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", cat.MessageCount))
		case "RECENT":
			parts = append(parts, "RECENT 0")
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", cat.HighWatermark+1))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %s", uidValidity(cat.CreatedAt)))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", unseen))
		}
	}
	s.conn.Printf(`* STATUS "%s" (%s)`, name, strings.Join(parts, " "))
	s.conn.Printf("%s OK STATUS completed", tag)
}

func parseSeqRange(s string) (lo, hi uint32) {
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return 0, 0
	}
	if i := strings.IndexAny(s, ":"); i >= 0 {
		loS, hiS := s[:i], s[i+1:]
		loN, _ := strconv.ParseUint(loS, 10, 32)
		if hiS == "*" || hiS == "" {
			return uint32(loN), 0
		}
		hiN, _ := strconv.ParseUint(hiS, 10, 32)
		return uint32(loN), uint32(hiN)
	}
	if s == "*" {
		return 0, 0
	}
	n, _ := strconv.ParseUint(s, 10, 32)
	return uint32(n), uint32(n)
}
