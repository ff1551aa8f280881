package catalog

import "context"

// Store is the unified backing catalog both protocol engines drive. All
// operations are identity-scoped. Concrete storage (SQL, mailbox files,
// newsrc) is deliberately out of scope (spec.md §1) — Store fixes the
// contract, not the schema. catalog/memstore provides an in-memory
// reference implementation used by the engines' own tests.
//
// A nil-error, zero-value ("not found") result is a normal outcome; it is
// distinct from ErrTemporarilyOffline, which callers translate to NNTP 403
// or IMAP "BAD Archive server temporarily offline" (spec.md §4.B).
type Store interface {
	// Ensure idempotently provisions an identity (e.g. creates its
	// personal INBOX on first contact).
	Ensure(ctx context.Context, identity *Identity) error

	GetIdentityByClearAuth(ctx context.Context, username, password string) (*Identity, error)

	GetCatalogByName(ctx context.Context, identity *Identity, name string) (*Catalog, error)

	GetGlobalCatalogs(ctx context.Context, identity *Identity, parent string) ([]Catalog, error)
	GetPersonalCatalogs(ctx context.Context, identity *Identity, parent string) ([]Catalog, error)

	CreatePersonalCatalog(ctx context.Context, identity *Identity, name string) (bool, error)

	// GetMessages returns messages in catalog with sequence number in
	// [from, to]. to == 0 means an open upper bound. Honors metagroup
	// suffix rules: a ".deleted"/".pending" catalog name filters to
	// cancelled/pending links of the base catalog, gated by permission.
	GetMessages(ctx context.Context, identity *Identity, cat *Catalog, from, to uint32) ([]MessageAt, error)

	GetMessageDetails(ctx context.Context, identity *Identity, cat *Catalog, from, to uint32) ([]MessageDetail, error)

	CreateSubscription(ctx context.Context, identity *Identity, catalogName string) (bool, error)
	DeleteSubscription(ctx context.Context, identity *Identity, catalogName string) (bool, error)
	GetSubscriptions(ctx context.Context, identity *Identity) ([]string, error)

	HierarchyDelimiter() string

	// SaveMessage stores a new message, linking it into each named
	// catalog at a fresh, monotonic sequence number.
	SaveMessage(ctx context.Context, identity *Identity, catalogNames []string, rawHeader string, headers HeaderView, body string) (*Message, error)

	CancelMessage(ctx context.Context, identity *Identity, messageID string, cat *Catalog) (bool, error)

	SetApproved(ctx context.Context, identity *Identity, messageID string, cat *Catalog, approverMailbox string) (bool, error)

	// SetSeen marks a message as seen by identity in cat, used by IMAP
	// FETCH of a non-PEEK body item.
	SetSeen(ctx context.Context, identity *Identity, cat *Catalog, messageID string) error

	// CreateCatalog and DeleteCatalog back the NNTP newgroup/rmgroup
	// control messages (component H); they are store-defined and may be
	// rejected (spec.md §9 Open Question ii).
	CreateCatalog(ctx context.Context, identity *Identity, name string, moderated bool) (bool, error)
	DeleteCatalog(ctx context.Context, identity *Identity, name string) (bool, error)
}

// MessageAt pairs a Message with the ArticleLink that placed it in the
// catalog being iterated, so callers have the sequence number without a
// second lookup.
type MessageAt struct {
	Link    ArticleLink
	Message *Message
}
