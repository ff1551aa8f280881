package nntpserver

import (
	"bufio"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"

	"vellum.news/catalog"
	"vellum.news/catalog/header"
	"vellum.news/catalog/memstore"
	"vellum.news/internal/metrics"
	"vellum.news/wire"
)

func testCtx() context.Context { return context.Background() }

type testClient struct {
	conn net.Conn
	br   *bufio.Reader
}

func newTestSession(t *testing.T, store catalog.Store, allowPosting bool) (*session, *testClient) {
	t.Helper()
	server, client := net.Pipe()
	srv := &Server{
		Hostname:     "vellum.test",
		Store:        store,
		AllowPosting: allowPosting,
		Metrics:      metrics.Noop{},
		Filer:        iox.NewFiler(0),
	}
	sess := &session{server: srv, conn: wire.NewConn(server), state: stateInitial}
	go sess.serve()
	tc := &testClient{conn: client, br: bufio.NewReader(client)}
	tc.readLine(t) // greeting
	return sess, tc
}

func (tc *testClient) send(t *testing.T, line string) {
	t.Helper()
	tc.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := tc.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (tc *testClient) readLine(t *testing.T) string {
	t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := tc.br.ReadString('\n')
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (tc *testClient) readDotBlock(t *testing.T) []string {
	t.Helper()
	var lines []string
	for {
		l := tc.readLine(t)
		if l == "." {
			return lines
		}
		lines = append(lines, l)
	}
}

func newFixtureStore() *memstore.Store {
	s := memstore.New(".", "vellum.test")
	return s
}

func TestGroupThenListActive(t *testing.T) {
	store := newFixtureStore()
	admin := store.AddIdentity("admin", "pw", "salt", catalog.FlagCanCreateCatalogs)
	ok, err := store.CreateCatalog(testCtx(), admin, "comp.lang.go", false)
	if err != nil || !ok {
		t.Fatalf("CreateCatalog: %v %v", ok, err)
	}

	_, tc := newTestSession(t, store, true)
	tc.send(t, "GROUP comp.lang.go")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "211 ") {
		t.Fatalf("GROUP response = %q", resp)
	}

	tc.send(t, "LIST ACTIVE")
	resp = tc.readLine(t)
	if !strings.HasPrefix(resp, "215 ") {
		t.Fatalf("LIST response = %q", resp)
	}
	lines := tc.readDotBlock(t)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "comp.lang.go ") {
		t.Fatalf("LIST ACTIVE body = %v", lines)
	}
}

func TestGroupUnknownReturns411(t *testing.T) {
	store := newFixtureStore()
	_, tc := newTestSession(t, store, true)
	tc.send(t, "GROUP nonexistent.group")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "411 ") {
		t.Fatalf("response = %q", resp)
	}
}

func TestPostThenArticleRoundTrip(t *testing.T) {
	store := newFixtureStore()
	admin := store.AddIdentity("admin", "pw", "salt", catalog.FlagCanCreateCatalogs)
	if _, err := store.CreateCatalog(testCtx(), admin, "misc.test", false); err != nil {
		t.Fatalf("CreateCatalog: %v", err)
	}

	_, tc := newTestSession(t, store, true)
	tc.send(t, "POST")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "340 ") {
		t.Fatalf("POST response = %q", resp)
	}
	tc.send(t, "From: alice@example.com")
	tc.send(t, "Newsgroups: misc.test")
	tc.send(t, "Subject: hello")
	tc.send(t, "")
	tc.send(t, "body line one")
	tc.send(t, ".")
	resp = tc.readLine(t)
	if !strings.HasPrefix(resp, "240 ") {
		t.Fatalf("post completion = %q", resp)
	}

	tc.send(t, "GROUP misc.test")
	resp = tc.readLine(t)
	if !strings.HasPrefix(resp, "211 ") {
		t.Fatalf("GROUP after post = %q", resp)
	}

	tc.send(t, "ARTICLE 1")
	resp = tc.readLine(t)
	if !strings.HasPrefix(resp, "220 ") {
		t.Fatalf("ARTICLE response = %q", resp)
	}
	lines := tc.readDotBlock(t)
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "Subject: hello") || !strings.Contains(joined, "body line one") {
		t.Fatalf("ARTICLE body = %v", lines)
	}
}

func TestPostingDisallowedReturns440(t *testing.T) {
	store := newFixtureStore()
	_, tc := newTestSession(t, store, false)
	tc.send(t, "POST")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "440 ") {
		t.Fatalf("response = %q", resp)
	}
}

func TestUnauthorizedCancelReturns480(t *testing.T) {
	store := newFixtureStore()
	admin := store.AddIdentity("admin", "pw", "salt", catalog.FlagCanCreateCatalogs)
	if _, err := store.CreateCatalog(testCtx(), admin, "misc.test", false); err != nil {
		t.Fatalf("CreateCatalog: %v", err)
	}

	_, tc := newTestSession(t, store, true)
	tc.send(t, "POST")
	tc.readLine(t) // 340
	tc.send(t, "From: mallory@example.com")
	tc.send(t, "Newsgroups: misc.test")
	tc.send(t, "Control: cancel <1@vellum.test>")
	tc.send(t, "")
	tc.send(t, ".")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "480 ") {
		t.Fatalf("response = %q", resp)
	}
}

func TestAuthinfoWrongPasswordFails(t *testing.T) {
	store := newFixtureStore()
	store.AddIdentity("alice", "correct", "salt", 0)

	_, tc := newTestSession(t, store, true)
	tc.send(t, "AUTHINFO USER alice")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "381 ") {
		t.Fatalf("USER response = %q", resp)
	}
	tc.send(t, "AUTHINFO PASS wrong")
	resp = tc.readLine(t)
	if !strings.HasPrefix(resp, "481 ") {
		t.Fatalf("PASS response = %q", resp)
	}
}

func TestAuthinfoSucceeds(t *testing.T) {
	store := newFixtureStore()
	store.AddIdentity("alice", "correct", "salt", 0)

	_, tc := newTestSession(t, store, true)
	tc.send(t, "AUTHINFO USER alice")
	tc.readLine(t)
	tc.send(t, "AUTHINFO PASS correct")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "281 ") {
		t.Fatalf("PASS response = %q", resp)
	}
}

// readCompressedDotBlock reads a zlib stream off tc's connection and
// unstuffs the dot-terminated block it decompresses to, proving
// XFEATURE COMPRESS actually deflates the response rather than the "290"
// negotiation merely flipping a flag nothing reads.
func (tc *testClient) readCompressedDotBlock(t *testing.T) []string {
	t.Helper()
	zr, err := zlib.NewReader(tc.br)
	if err != nil {
		t.Fatalf("zlib.NewReader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("reading compressed block: %v", err)
	}
	body := strings.TrimSuffix(string(raw), ".\r\n")
	body = strings.TrimSuffix(body, "\r\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\r\n")
}

func TestCompressedOverRoundTrips(t *testing.T) {
	store := newFixtureStore()
	admin := store.AddIdentity("admin", "pw", "salt", catalog.FlagCanCreateCatalogs)
	if _, err := store.CreateCatalog(testCtx(), admin, "misc.test", false); err != nil {
		t.Fatalf("CreateCatalog: %v", err)
	}
	const articleCount = compressThreshold + 8
	for i := 0; i < articleCount; i++ {
		h := header.Parse(fmt.Sprintf("From: alice@example.com\r\nNewsgroups: misc.test\r\nSubject: msg %d\r\n", i))
		if _, err := store.SaveMessage(testCtx(), admin, []string{"misc.test"}, h.Raw(), h, "body\r\n"); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	_, tc := newTestSession(t, store, true)
	tc.send(t, "GROUP misc.test")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "211 ") {
		t.Fatalf("GROUP response = %q", resp)
	}

	tc.send(t, "XFEATURE COMPRESS GZIP TERMINATOR")
	resp = tc.readLine(t)
	if !strings.HasPrefix(resp, "290 ") {
		t.Fatalf("XFEATURE response = %q", resp)
	}

	tc.send(t, "OVER 1-")
	resp = tc.readLine(t)
	if !strings.HasPrefix(resp, "224 ") {
		t.Fatalf("OVER response = %q", resp)
	}
	lines := tc.readCompressedDotBlock(t)
	if len(lines) != articleCount {
		t.Fatalf("got %d overview lines, want %d: %v", len(lines), articleCount, lines)
	}
	if !strings.Contains(lines[0], "msg 0") {
		t.Fatalf("first overview line = %q", lines[0])
	}
}

func TestApprovePostRequiresApprovalPermission(t *testing.T) {
	store := newFixtureStore()
	// admin only creates the catalog and later inspects the pending queue;
	// it must not itself hold approval rights, or posting through it would
	// seed a non-pending message and defeat the point of the fixture.
	admin := store.AddIdentity("admin", "pw", "salt", catalog.FlagCanCreateCatalogs)
	if _, err := store.CreateCatalog(testCtx(), admin, "moderated.test", true); err != nil {
		t.Fatalf("CreateCatalog: %v", err)
	}
	inspector := store.AddIdentity("inspector", "pw", "salt", catalog.FlagCanApproveAny)

	alice := store.AddIdentity("alice", "pw", "salt", 0)
	h := header.Parse("From: alice@example.com\r\nNewsgroups: moderated.test\r\n")
	pending, err := store.SaveMessage(testCtx(), alice, []string{"moderated.test"}, h.Raw(), h, "original\r\n")
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	// mallory has no moderation rights over moderated.test: her APPROVE
	// body must fall through to a normal (pending) post, not clear the
	// earlier message's pending flag.
	store.AddIdentity("mallory", "pw", "salt", 0)
	_, tc := newTestSession(t, store, true)
	tc.send(t, "AUTHINFO USER mallory")
	tc.readLine(t)
	tc.send(t, "AUTHINFO PASS pw")
	tc.readLine(t)

	tc.send(t, "POST")
	tc.readLine(t) // 340
	tc.send(t, "From: mallory@example.com")
	tc.send(t, "Newsgroups: moderated.test")
	tc.send(t, "References: "+pending.ID)
	tc.send(t, "")
	tc.send(t, "APPROVE")
	tc.send(t, ".")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "240 ") {
		t.Fatalf("post completion = %q", resp)
	}

	pendingCat, err := store.GetCatalogByName(testCtx(), inspector, "moderated.test"+catalog.MetaPending)
	if err != nil || pendingCat == nil {
		t.Fatalf("GetCatalogByName(.pending): %v %v", pendingCat, err)
	}
	pendingMsgs, err := store.GetMessages(testCtx(), inspector, pendingCat, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages(.pending): %v", err)
	}

	stillPending := false
	mallorysPostIsPending := false
	for _, m := range pendingMsgs {
		if m.Message.ID == pending.ID {
			stillPending = true
		} else {
			mallorysPostIsPending = true
		}
	}
	if !stillPending {
		t.Fatalf("mallory's unauthorized APPROVE cleared pending on %s", pending.ID)
	}
	if !mallorysPostIsPending {
		t.Fatalf("mallory's APPROVE-prefixed body was not saved as a normal pending post: %v", pendingMsgs)
	}
}

func TestApprovePostWithPermissionClearsPending(t *testing.T) {
	store := newFixtureStore()
	admin := store.AddIdentity("admin", "pw", "salt", catalog.FlagCanCreateCatalogs)
	if _, err := store.CreateCatalog(testCtx(), admin, "moderated.test", true); err != nil {
		t.Fatalf("CreateCatalog: %v", err)
	}
	store.AddIdentity("mod", "pw", "salt", catalog.FlagCanApproveAny)

	alice := store.AddIdentity("alice", "pw", "salt", 0)
	h := header.Parse("From: alice@example.com\r\nNewsgroups: moderated.test\r\n")
	pending, err := store.SaveMessage(testCtx(), alice, []string{"moderated.test"}, h.Raw(), h, "original\r\n")
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	_, tc := newTestSession(t, store, true)
	tc.send(t, "AUTHINFO USER mod")
	tc.readLine(t)
	tc.send(t, "AUTHINFO PASS pw")
	tc.readLine(t)

	tc.send(t, "POST")
	tc.readLine(t) // 340
	tc.send(t, "From: mod@example.com")
	tc.send(t, "Newsgroups: moderated.test")
	tc.send(t, "References: "+pending.ID)
	tc.send(t, "")
	tc.send(t, "APPROVE")
	tc.send(t, ".")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "240 ") {
		t.Fatalf("post completion = %q", resp)
	}

	// GetMessages on the base (non-meta) catalog only returns visible,
	// non-pending links, so pending.ID showing up here proves the
	// approval cleared its pending flag.
	cat, err := store.GetCatalogByName(testCtx(), admin, "moderated.test")
	if err != nil || cat == nil {
		t.Fatalf("GetCatalogByName: %v %v", cat, err)
	}
	msgs, err := store.GetMessages(testCtx(), admin, cat, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	cleared := false
	for _, m := range msgs {
		if m.Message.ID == pending.ID {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("authorized APPROVE did not clear pending on %s", pending.ID)
	}
}

func TestQuitClosesSession(t *testing.T) {
	store := newFixtureStore()
	_, tc := newTestSession(t, store, true)
	tc.send(t, "QUIT")
	resp := tc.readLine(t)
	if !strings.HasPrefix(resp, "205 ") {
		t.Fatalf("QUIT response = %q", resp)
	}
}
