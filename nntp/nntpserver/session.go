package nntpserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vellum.news/catalog"
	"vellum.news/wire"
)

type connState int

const (
	stateInitial connState = iota
	stateAuthenticated
	stateSelected
)

// session is one connected NNTP client; served by exactly one goroutine.
type session struct {
	server *Server
	conn   *wire.Conn

	state connState

	pendingUsername string // set by AUTHINFO USER, consumed by AUTHINFO PASS
	identity        *catalog.Identity

	current       *catalog.Catalog
	currentArt    uint32 // current article sequence number within `current`
	currentLow    uint32
	currentHigh   uint32
}

func (s *session) serve() {
	defer s.conn.Close()

	if s.server.AllowPosting {
		s.conn.Printf("200 %s InterNetNews NNRP server ready, posting allowed", s.server.Hostname)
	} else {
		s.conn.Printf("201 %s InterNetNews NNRP server ready, posting prohibited", s.server.Hostname)
	}

	for {
		if s.server.ReadTimeout != 0 {
			s.conn.Raw().SetReadDeadline(time.Now().Add(s.server.ReadTimeout))
		}
		line, err := s.conn.ReadLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		if !s.dispatch(line) {
			return
		}
	}
}

// dispatch executes one command line and reports whether the session
// should continue.
func (s *session) dispatch(line string) bool {
	verb, arg := splitVerb(line)
	verb = strings.ToUpper(verb)
	s.server.Metrics.CommandProcessed("nntp", verb)

	switch verb {
	case "CAPABILITIES":
		s.cmdCapabilities()
	case "MODE":
		s.cmdMode(arg)
	case "GROUP":
		s.cmdGroup(arg)
	case "LISTGROUP":
		s.cmdListGroup(arg)
	case "LIST":
		s.cmdList(arg)
	case "ARTICLE":
		s.cmdArticleLike(arg, articleAll)
	case "HEAD":
		s.cmdArticleLike(arg, articleHead)
	case "BODY":
		s.cmdArticleLike(arg, articleBody)
	case "STAT":
		s.cmdArticleLike(arg, articleStat)
	case "NEXT":
		s.cmdNextLast(+1)
	case "LAST":
		s.cmdNextLast(-1)
	case "POST":
		s.cmdPost()
	case "IHAVE":
		s.conn.Printf("500 IHAVE not supported")
	case "NEWGROUPS":
		s.cmdNewgroups(arg)
	case "NEWNEWS":
		s.conn.Printf("230 list of new articles follows")
		s.writeDotBlock(nil)
	case "OVER", "XOVER":
		s.cmdOver(arg)
	case "HDR", "XHDR":
		s.cmdHdr(arg)
	case "XPAT":
		s.cmdXPat(arg)
	case "AUTHINFO":
		s.cmdAuthinfo(arg)
	case "STARTTLS":
		s.cmdStartTLS()
	case "XFEATURE":
		s.cmdXFeature(arg)
	case "DATE":
		s.conn.Printf("111 %s", time.Now().UTC().Format("20060102150405"))
	case "HELP":
		s.conn.Printf("100 Help text follows")
		s.writeDotBlock([]string{"CAPABILITIES", "GROUP", "ARTICLE", "POST", "QUIT"})
	case "QUIT":
		s.conn.Printf("205 closing connection")
		return false
	default:
		s.conn.Printf("501 Unknown command")
	}
	return true
}

func splitVerb(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

func (s *session) ctx() context.Context { return context.Background() }

func (s *session) cmdCapabilities() {
	s.conn.Printf("101 Capability list:")
	lines := []string{"VERSION 2", "READER"}
	if s.server.AllowStartTLS {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "AUTHINFO USER", "OVER", "HDR", "XPAT", "LIST ACTIVE NEWSGROUPS", "XFEATURE-COMPRESS")
	s.writeDotBlock(lines)
}

func (s *session) cmdMode(arg string) {
	if strings.EqualFold(arg, "READER") {
		if s.server.AllowPosting {
			s.conn.Printf("200 Posting allowed")
		} else {
			s.conn.Printf("201 Posting prohibited")
		}
		return
	}
	s.conn.Printf("501 Unknown MODE")
}

func (s *session) cmdGroup(name string) {
	if name == "" {
		s.conn.Printf("501 Syntax error")
		return
	}
	cat, err := s.server.Store.GetCatalogByName(s.ctx(), s.requireIdentity(), name)
	if err != nil {
		s.conn.Printf("403 Archive server temporarily offline")
		return
	}
	if cat == nil {
		s.conn.Printf("411 No such newsgroup")
		return
	}
	s.current = cat
	s.currentLow = 1
	s.currentHigh = cat.HighWatermark
	s.currentArt = s.currentLow
	s.state = stateSelected
	s.conn.Printf("211 %d %d %d %s", cat.MessageCount, s.currentLow, s.currentHigh, cat.Name)
}

// requireIdentity returns the authenticated identity, or an anonymous
// zero-value Identity for reads that do not require AUTHINFO (the spec's
// Store interface is identity-scoped even for anonymous access).
func (s *session) requireIdentity() *catalog.Identity {
	if s.identity != nil {
		return s.identity
	}
	return &catalog.Identity{}
}

func (s *session) cmdListGroup(arg string) {
	name := arg
	if name == "" {
		if s.current == nil {
			s.conn.Printf("412 No newsgroup selected")
			return
		}
		name = s.current.Name
	}
	cat, err := s.server.Store.GetCatalogByName(s.ctx(), s.requireIdentity(), name)
	if err != nil || cat == nil {
		s.conn.Printf("411 No such newsgroup")
		return
	}
	s.current = cat
	msgs, err := s.server.Store.GetMessages(s.ctx(), s.requireIdentity(), cat, 0, 0)
	if err != nil {
		s.conn.Printf("403 Archive server temporarily offline")
		return
	}
	s.conn.Printf("211 %d %d %d %s list follows", cat.MessageCount, 1, cat.HighWatermark, cat.Name)
	var lines []string
	for _, m := range msgs {
		lines = append(lines, strconv.FormatUint(uint64(m.Link.Seq), 10))
	}
	s.writeDotBlock(lines)
}

func (s *session) cmdList(arg string) {
	parts := strings.SplitN(arg, " ", 2)
	kind := strings.ToUpper(parts[0])
	if kind == "" {
		kind = "ACTIVE"
	}
	switch kind {
	case "ACTIVE":
		cats, err := s.server.Store.GetGlobalCatalogs(s.ctx(), s.requireIdentity(), "")
		if err != nil {
			s.conn.Printf("403 Archive server temporarily offline")
			return
		}
		s.conn.Printf("215 list of newsgroups follows")
		var lines []string
		for _, c := range cats {
			post := "y"
			if c.Moderated {
				post = "m"
			}
			lines = append(lines, fmt.Sprintf("%s %d %d %s", c.Name, c.HighWatermark, 1, post))
		}
		s.writeDotBlock(lines)
	case "NEWSGROUPS":
		cats, err := s.server.Store.GetGlobalCatalogs(s.ctx(), s.requireIdentity(), "")
		if err != nil {
			s.conn.Printf("403 Archive server temporarily offline")
			return
		}
		s.conn.Printf("215 list of newsgroups follows")
		var lines []string
		for _, c := range cats {
			lines = append(lines, fmt.Sprintf("%s %s", c.Name, c.Description))
		}
		s.writeDotBlock(lines)
	default:
		s.conn.Printf("501 Unknown LIST variant")
	}
}

func (s *session) cmdNewgroups(arg string) {
	s.conn.Printf("231 list of new newsgroups follows")
	s.writeDotBlock(nil)
}

func (s *session) cmdAuthinfo(arg string) {
	kind, rest := splitVerb(arg)
	switch strings.ToUpper(kind) {
	case "USER":
		s.pendingUsername = rest
		s.conn.Printf("381 Password required")
	case "PASS":
		if s.pendingUsername == "" {
			s.conn.Printf("482 Authentication commands issued out of sequence")
			return
		}
		if s.server.Limiter != nil {
			s.server.Limiter.Wait(s.pendingUsername)
		}
		id, err := s.server.Store.GetIdentityByClearAuth(s.ctx(), s.pendingUsername, rest)
		if err != nil {
			s.conn.Printf("403 Archive server temporarily offline")
			return
		}
		if id == nil {
			if s.server.Limiter != nil {
				s.server.Limiter.Fail(s.pendingUsername)
			}
			s.server.Metrics.AuthAttempt("nntp", false)
			s.conn.Printf("481 Authentication failed")
			return
		}
		if id.Flags.Has(catalog.FlagLocalOnly) && !isLoopback(s.conn.Raw().RemoteAddr().String()) {
			s.conn.Printf("481 Authentication failed")
			return
		}
		if s.server.Limiter != nil {
			s.server.Limiter.Reset(s.pendingUsername)
		}
		s.server.Metrics.AuthAttempt("nntp", true)
		s.identity = id
		s.server.Store.Ensure(s.ctx(), id)
		s.state = stateAuthenticated
		s.conn.Printf("281 Authentication accepted")
	default:
		s.conn.Printf("501 Unknown AUTHINFO variant")
	}
}

func (s *session) cmdStartTLS() {
	if !s.server.AllowStartTLS || s.conn.TLS() {
		s.conn.Printf("580 Can not initiate TLS negotiation")
		return
	}
	s.conn.Printf("382 Continue with TLS negotiation")
	if err := s.conn.UpgradeTLS(s.server.TLSConfig); err != nil {
		s.conn.Close()
		return
	}
	s.server.Metrics.TLSConnectionEstablished("nntp")
	s.state = stateInitial
	s.identity = nil
}

func (s *session) cmdXFeature(arg string) {
	if strings.EqualFold(arg, "COMPRESS GZIP TERMINATOR") || strings.EqualFold(arg, "COMPRESS GZIP") {
		s.conn.Printf("290 Feature enabled")
		// Armed only after the reply is flushed: StartCompression never
		// touches the read side, so there is no risk of swallowing bytes
		// the client sent before seeing "290".
		if err := s.conn.StartCompression(); err != nil {
			s.conn.Printf("503 Compression negotiation failed")
		}
		return
	}
	s.conn.Printf("501 Unknown XFEATURE")
}

// compressThreshold is the line count above which a negotiated compressor
// is actually worth invoking, matching spec's "only long multi-line
// payloads" per-response policy rather than compressing every reply once
// XFEATURE COMPRESS is on.
const compressThreshold = 32

// writeDotBlock sends a multi-line block, routing it through the
// negotiated zlib writer when compression is active and the block is long
// enough to be worth compressing.
func (s *session) writeDotBlock(lines []string) error {
	if s.conn.Compressed() && len(lines) > compressThreshold {
		return s.conn.WriteDotBlockCompressed(lines)
	}
	return s.conn.WriteDotBlock(lines)
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if i := strings.LastIndexByte(remoteAddr, ':'); i >= 0 {
		host = remoteAddr[:i]
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
