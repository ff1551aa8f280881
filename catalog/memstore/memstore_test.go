package memstore

import (
	"context"
	"testing"

	"vellum.news/catalog"
	"vellum.news/catalog/header"
)

func TestLoginVerifiesSaltedHash(t *testing.T) {
	ctx := context.Background()
	s := New(".", "example.test")
	s.AddIdentity("alice", "hunter2", "somesalt", 0)

	id, err := s.GetIdentityByClearAuth(ctx, "alice", "hunter2")
	if err != nil || id == nil {
		t.Fatalf("GetIdentityByClearAuth(good pw) = %v, %v", id, err)
	}
	if id, err := s.GetIdentityByClearAuth(ctx, "alice", "wrong"); err != nil || id != nil {
		t.Fatalf("GetIdentityByClearAuth(bad pw) = %v, %v, want nil, nil", id, err)
	}
}

func TestSaveMessageAssignsMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	s := New(".", "example.test")
	alice := s.AddIdentity("alice", "pw", "salt", catalog.FlagCanInject|catalog.FlagCanCreateCatalogs)
	s.CreateCatalog(ctx, alice, "misc.test", false)

	h := header.Parse("Subject: hi\r\n")
	var last uint32
	for i := 0; i < 3; i++ {
		msg, err := s.SaveMessage(ctx, alice, []string{"misc.test"}, h.Raw(), h, "body")
		if err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
		cat, _ := s.GetCatalogByName(ctx, alice, "misc.test")
		msgs, _ := s.GetMessages(ctx, alice, cat, 0, 0)
		seq := msgs[len(msgs)-1].Link.Seq
		if seq <= last {
			t.Fatalf("sequence did not increase: %d after %d", seq, last)
		}
		last = seq
		_ = msg
	}
}

func TestModeratedCatalogPendingUntilApproved(t *testing.T) {
	ctx := context.Background()
	s := New(".", "example.test")
	poster := s.AddIdentity("poster", "pw", "salt", 0)
	mod := s.AddIdentity("mod", "pw", "salt", catalog.FlagCanCreateCatalogs)
	mod.Moderates = []string{"misc.mod"}
	s.CreateCatalog(ctx, mod, "misc.mod", true)

	h := header.Parse("Subject: hi\r\n")
	msg, err := s.SaveMessage(ctx, poster, []string{"misc.mod"}, h.Raw(), h, "body")
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	cat, _ := s.GetCatalogByName(ctx, poster, "misc.mod")
	visible, _ := s.GetMessages(ctx, poster, cat, 0, 0)
	if len(visible) != 0 {
		t.Fatalf("pending message should not be visible yet, got %d", len(visible))
	}

	pendingCat, _ := s.GetCatalogByName(ctx, mod, "misc.mod.pending")
	if pendingCat == nil {
		t.Fatal("moderator should be able to see the .pending metagroup")
	}
	pending, _ := s.GetMessages(ctx, mod, pendingCat, 0, 0)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}

	if ok, err := s.SetApproved(ctx, mod, msg.ID, cat, "mod@example.test"); err != nil || !ok {
		t.Fatalf("SetApproved = %v, %v", ok, err)
	}
	visible, _ = s.GetMessages(ctx, poster, cat, 0, 0)
	if len(visible) != 1 {
		t.Fatalf("approved message should now be visible, got %d", len(visible))
	}

	if pendingCat, _ := s.GetCatalogByName(ctx, poster, "misc.mod.pending"); pendingCat != nil {
		t.Fatal("a non-moderator should not be able to see the .pending metagroup")
	}
}

func TestCancelMovesMessageIntoDeletedMetagroup(t *testing.T) {
	ctx := context.Background()
	s := New(".", "example.test")
	alice := s.AddIdentity("alice", "pw", "salt", catalog.FlagCanInject|catalog.FlagCanCancel|catalog.FlagCanCreateCatalogs)
	s.CreateCatalog(ctx, alice, "misc.test", false)

	h := header.Parse("Subject: hi\r\n")
	msg, _ := s.SaveMessage(ctx, alice, []string{"misc.test"}, h.Raw(), h, "body")

	cat, _ := s.GetCatalogByName(ctx, alice, "misc.test")
	if ok, err := s.CancelMessage(ctx, alice, msg.ID, cat); err != nil || !ok {
		t.Fatalf("CancelMessage = %v, %v", ok, err)
	}

	visible, _ := s.GetMessages(ctx, alice, cat, 0, 0)
	if len(visible) != 0 {
		t.Fatalf("cancelled message should not be visible, got %d", len(visible))
	}

	deletedCat, _ := s.GetCatalogByName(ctx, alice, "misc.test.deleted")
	deleted, _ := s.GetMessages(ctx, alice, deletedCat, 0, 0)
	if len(deleted) != 1 || deleted[0].Message.ID != msg.ID {
		t.Fatalf("expected cancelled message in .deleted metagroup, got %+v", deleted)
	}
}

func TestCreatePersonalCatalogScopedToOwner(t *testing.T) {
	ctx := context.Background()
	s := New("/", "example.test")
	alice := s.AddIdentity("alice", "pw", "salt", 0)
	bob := s.AddIdentity("bob", "pw", "salt", 0)

	ok, err := s.CreatePersonalCatalog(ctx, alice, "Archive/2026")
	if err != nil || !ok {
		t.Fatalf("CreatePersonalCatalog = %v, %v", ok, err)
	}

	if cat, _ := s.GetCatalogByName(ctx, alice, "Archive/2026"); cat == nil {
		t.Fatal("owner should see their own personal catalog")
	}
	if cat, _ := s.GetCatalogByName(ctx, bob, "Archive/2026"); cat != nil {
		t.Fatal("a different identity should not see another's personal catalog")
	}

	cats, _ := s.GetPersonalCatalogs(ctx, alice, "")
	if len(cats) != 1 || cats[0].Name != "Archive/2026" {
		t.Fatalf("GetPersonalCatalogs(alice) = %+v", cats)
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := New(".", "example.test")
	alice := s.AddIdentity("alice", "pw", "salt", catalog.FlagCanCreateCatalogs)
	s.CreateCatalog(ctx, alice, "misc.test", false)

	if ok, _ := s.CreateSubscription(ctx, alice, "misc.test"); !ok {
		t.Fatal("first subscribe should report created")
	}
	if ok, _ := s.CreateSubscription(ctx, alice, "misc.test"); ok {
		t.Fatal("duplicate subscribe should report no-op")
	}
	subs, _ := s.GetSubscriptions(ctx, alice)
	if len(subs) != 1 || subs[0] != "misc.test" {
		t.Fatalf("GetSubscriptions = %+v", subs)
	}
	if ok, _ := s.DeleteSubscription(ctx, alice, "misc.test"); !ok {
		t.Fatal("unsubscribe should report removed")
	}
	subs, _ = s.GetSubscriptions(ctx, alice)
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after unsubscribe, got %+v", subs)
	}
}
