// Package memstore is an in-memory reference implementation of
// catalog.Store, grounded on spilled-ink-spilld's imap/imaptest.MemoryStore
// (a map-of-users, map-of-mailboxes store used to drive that repo's own
// protocol-level tests). It exists to exercise the NNTP and IMAP engines in
// tests; spec.md §1 explicitly puts concrete storage backends out of scope,
// so this is deliberately not backed by SQL or any on-disk format.
package memstore

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vellum.news/catalog"
)

// Store is a concurrency-safe, in-memory catalog.Store.
type Store struct {
	Delimiter string // e.g. "." for NNTP-style stores, "/" for IMAP-style
	Domain    string // used to synthesize "<uuid@Domain>" message-ids

	mu             sync.Mutex
	identities     map[string]*catalog.Identity // by username
	identitiesByID map[int64]*catalog.Identity
	nextIdentityID int64

	catalogs      map[string]*entry // by catalog name
	nextCatalogID int64

	messages map[string]*catalog.Message // by message-id, global

	details map[detailKey]*catalog.MessageDetail

	subscriptions map[int64]map[string]bool // identityID -> catalogName -> subscribed
}

type detailKey struct {
	identityID int64
	catalogID  int64
	messageID  string
}

type entry struct {
	catalog.Catalog
	links []catalog.ArticleLink // ordered by Seq ascending
}

// New returns an empty Store. delimiter is the store-wide hierarchy
// delimiter (spec.md §3); domain is used only to build message-ids.
func New(delimiter, domain string) *Store {
	return &Store{
		Delimiter:      delimiter,
		Domain:         domain,
		identities:     make(map[string]*catalog.Identity),
		identitiesByID: make(map[int64]*catalog.Identity),
		catalogs:       make(map[string]*entry),
		messages:       make(map[string]*catalog.Message),
		details:        make(map[detailKey]*catalog.MessageDetail),
		subscriptions:  make(map[int64]map[string]bool),
	}
}

// HashPassword implements the verifier of spec.md §3: base64(sha512(salt ||
// cleartext)).
func HashPassword(salt, cleartext string) string {
	sum := sha512.Sum512([]byte(salt + cleartext))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AddIdentity provisions an identity with a freshly hashed password; it is
// a test/bootstrap convenience, not part of the catalog.Store contract.
func (s *Store) AddIdentity(username, password, salt string, flags catalog.Flag) *catalog.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextIdentityID++
	id := &catalog.Identity{
		ID:           s.nextIdentityID,
		Username:     username,
		PasswordHash: HashPassword(salt, password),
		PasswordSalt: salt,
		Flags:        flags,
	}
	s.identities[username] = id
	s.identitiesByID[id.ID] = id
	return id
}

func (s *Store) Ensure(ctx context.Context, identity *catalog.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inboxName := "INBOX"
	if _, ok := s.catalogs[inboxName]; !ok {
		s.nextCatalogID++
		owner := identity.ID
		s.catalogs[inboxName] = &entry{Catalog: catalog.Catalog{
			ID:        s.nextCatalogID,
			Name:      inboxName,
			CreatedAt: time.Now().UTC(),
			Owner:     &owner,
		}}
	}
	return nil
}

func (s *Store) GetIdentityByClearAuth(ctx context.Context, username, password string) (*catalog.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[username]
	if !ok {
		return nil, nil
	}
	if HashPassword(id.PasswordSalt, password) != id.PasswordHash {
		return nil, nil
	}
	now := time.Now().UTC()
	id.LastLogin = &now
	cp := *id
	return &cp, nil
}

func (s *Store) HierarchyDelimiter() string { return s.Delimiter }

func (s *Store) GetCatalogByName(ctx context.Context, identity *catalog.Identity, name string) (*catalog.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, meta, isMeta := catalog.BaseName(name)
	lookup := name
	if isMeta {
		lookup = base
	}
	e, ok := s.catalogs[lookup]
	if !ok {
		return nil, nil
	}
	if isMeta {
		allowed := false
		switch meta {
		case catalog.MetaDeleted:
			allowed = identity.Flags.Has(catalog.FlagCanCancel) || identity.Moderate(base)
		case catalog.MetaPending:
			allowed = identity.Flags.Has(catalog.FlagCanApproveAny) || identity.Moderate(base)
		}
		if !allowed {
			return nil, nil
		}
	}
	if e.Owner != nil && *e.Owner != identity.ID && !isMeta {
		// Personal catalogs of another identity are not observable.
		if !identity.Moderate(lookup) {
			return nil, nil
		}
	}
	cp := e.Catalog
	cp.Name = name
	cp.MessageCount = s.visibleCount(e, meta)
	return &cp, nil
}

func (s *Store) visibleCount(e *entry, meta string) uint32 {
	var n uint32
	for _, l := range e.links {
		switch meta {
		case catalog.MetaDeleted:
			if l.Cancelled {
				n++
			}
		case catalog.MetaPending:
			if l.Pending {
				n++
			}
		default:
			if l.Visible() {
				n++
			}
		}
	}
	return n
}

func (s *Store) listCatalogs(identity *catalog.Identity, parent string, personal bool) []catalog.Catalog {
	var out []catalog.Catalog
	for name, e := range s.catalogs {
		isPersonal := e.Owner != nil
		if isPersonal != personal {
			continue
		}
		if isPersonal && *e.Owner != identity.ID {
			continue
		}
		if parent != "" {
			prefix := parent + s.Delimiter
			if !strings.HasPrefix(name, prefix) {
				continue
			}
		}
		cp := e.Catalog
		cp.MessageCount = s.visibleCount(e, "")
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) GetGlobalCatalogs(ctx context.Context, identity *catalog.Identity, parent string) ([]catalog.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCatalogs(identity, parent, false), nil
}

func (s *Store) GetPersonalCatalogs(ctx context.Context, identity *catalog.Identity, parent string) ([]catalog.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCatalogs(identity, parent, true), nil
}

func (s *Store) CreatePersonalCatalog(ctx context.Context, identity *catalog.Identity, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.catalogs[name]; exists {
		return false, nil
	}
	s.nextCatalogID++
	owner := identity.ID
	s.catalogs[name] = &entry{Catalog: catalog.Catalog{
		ID:        s.nextCatalogID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Owner:     &owner,
	}}
	return true, nil
}

func (s *Store) CreateCatalog(ctx context.Context, identity *catalog.Identity, name string, moderated bool) (bool, error) {
	if !identity.Flags.Has(catalog.FlagCanCreateCatalogs) {
		return false, catalog.ErrPermissionDenied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.catalogs[name]; exists {
		return false, nil
	}
	s.nextCatalogID++
	s.catalogs[name] = &entry{Catalog: catalog.Catalog{
		ID:        s.nextCatalogID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Moderated: moderated,
	}}
	return true, nil
}

func (s *Store) DeleteCatalog(ctx context.Context, identity *catalog.Identity, name string) (bool, error) {
	if !identity.Flags.Has(catalog.FlagCanDeleteCatalogs) {
		return false, catalog.ErrPermissionDenied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.catalogs[name]; !exists {
		return false, nil
	}
	delete(s.catalogs, name)
	return true, nil
}

func (s *Store) GetMessages(ctx context.Context, identity *catalog.Identity, cat *catalog.Catalog, from, to uint32) ([]catalog.MessageAt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, meta, isMeta := catalog.BaseName(cat.Name)
	lookup := cat.Name
	if isMeta {
		lookup = base
	}
	e, ok := s.catalogs[lookup]
	if !ok {
		return nil, nil
	}
	var out []catalog.MessageAt
	for _, l := range e.links {
		if l.Seq < from {
			continue
		}
		if to != 0 && l.Seq > to {
			continue
		}
		switch {
		case isMeta && meta == catalog.MetaDeleted && !l.Cancelled:
			continue
		case isMeta && meta == catalog.MetaPending && !l.Pending:
			continue
		case !isMeta && !l.Visible():
			continue
		}
		msg := s.messages[l.MessageID]
		out = append(out, catalog.MessageAt{Link: l, Message: msg})
	}
	return out, nil
}

func (s *Store) GetMessageDetails(ctx context.Context, identity *catalog.Identity, cat *catalog.Catalog, from, to uint32) ([]catalog.MessageDetail, error) {
	msgs, err := s.GetMessages(ctx, identity, cat, from, to)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	catID := cat.ID

	var out []catalog.MessageDetail
	for _, m := range msgs {
		key := detailKey{identityID: identity.ID, catalogID: catID, messageID: m.Link.MessageID}
		if d, ok := s.details[key]; ok {
			out = append(out, *d)
		} else {
			out = append(out, catalog.MessageDetail{IdentityID: identity.ID, CatalogID: catID, MessageID: m.Link.MessageID})
		}
	}
	return out, nil
}

func (s *Store) CreateSubscription(ctx context.Context, identity *catalog.Identity, catalogName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(catalogName)
	set := s.subscriptions[identity.ID]
	if set == nil {
		set = make(map[string]bool)
		s.subscriptions[identity.ID] = set
	}
	if set[key] {
		return false, nil
	}
	set[key] = true
	return true, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, identity *catalog.Identity, catalogName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(catalogName)
	set := s.subscriptions[identity.ID]
	if set == nil || !set[key] {
		return false, nil
	}
	delete(set, key)
	return true, nil
}

func (s *Store) GetSubscriptions(ctx context.Context, identity *catalog.Identity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subscriptions[identity.ID]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SaveMessage(ctx context.Context, identity *catalog.Identity, catalogNames []string, rawHeader string, headers catalog.HeaderView, body string) (*catalog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := "<" + uuid.NewString() + "@" + s.Domain + ">"
	msg := &catalog.Message{ID: id, RawHeader: rawHeader, Headers: headers, Body: body}
	s.messages[id] = msg

	for _, name := range catalogNames {
		e, ok := s.catalogs[name]
		if !ok {
			// spec.md §9 Open Question i: silently skip a non-existent
			// target catalog rather than rejecting the whole POST.
			continue
		}
		e.HighWatermark++
		pending := e.Moderated && !identity.CanApprove(name)
		e.links = append(e.links, catalog.ArticleLink{
			CatalogID: e.ID,
			MessageID: id,
			Seq:       e.HighWatermark,
			Pending:   pending,
		})
	}
	return msg, nil
}

func (s *Store) CancelMessage(ctx context.Context, identity *catalog.Identity, messageID string, cat *catalog.Catalog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, _, isMeta := catalog.BaseName(cat.Name)
	lookup := cat.Name
	if isMeta {
		lookup = base
	}
	e, ok := s.catalogs[lookup]
	if !ok {
		return false, nil
	}
	found := false
	for i := range e.links {
		if e.links[i].MessageID == messageID {
			e.links[i].Cancelled = true
			found = true
		}
	}
	return found, nil
}

// SetApproved marks every link of messageID in cat as no longer pending.
// Messages are immutable once stored (spec.md §3); rather than rewriting
// the stored header bytes to add "Approved: approverMailbox", the approver
// is recorded on the link and the externally observable effect (the
// message becomes visible, pending clears) is what the approval
// sub-protocol actually requires.
func (s *Store) SetApproved(ctx context.Context, identity *catalog.Identity, messageID string, cat *catalog.Catalog, approverMailbox string) (bool, error) {
	if identity == nil || !identity.CanApprove(cat.Name) {
		return false, catalog.ErrPermissionDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, _, isMeta := catalog.BaseName(cat.Name)
	lookup := cat.Name
	if isMeta {
		lookup = base
	}
	e, ok := s.catalogs[lookup]
	if !ok {
		return false, nil
	}
	found := false
	for i := range e.links {
		if e.links[i].MessageID == messageID {
			e.links[i].Pending = false
			found = true
		}
	}
	return found, nil
}

func (s *Store) SetSeen(ctx context.Context, identity *catalog.Identity, cat *catalog.Catalog, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := detailKey{identityID: identity.ID, catalogID: cat.ID, messageID: messageID}
	d, ok := s.details[key]
	if !ok {
		d = &catalog.MessageDetail{IdentityID: identity.ID, CatalogID: cat.ID, MessageID: messageID}
		s.details[key] = d
	}
	now := time.Now().UTC()
	d.Seen = &now
	return nil
}
