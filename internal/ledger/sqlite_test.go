package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

func TestGrantAndConsumeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "user-1"

	granted, err := store.Grant(ctx, GrantRequest{
		UserID:        user,
		ProductID:     "com.ieltsaiprep.academic.writing",
		TransactionID: "tx-001",
		Platform:      domain.PlatformIOS,
	})
	if err != nil || !granted {
		t.Fatalf("Grant failed: granted=%v err=%v", granted, err)
	}

	access, err := store.CheckAccess(ctx, user, "academic_writing")
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if !access.HasAccess || access.UnitsRemaining != 2 {
		t.Errorf("Expected access with 2 units, got %+v", access)
	}

	// First consumption: 1 unit left, still active.
	ok, err := store.Consume(ctx, user, "academic_writing", "assessment-1")
	if err != nil || !ok {
		t.Fatalf("First consume failed: ok=%v err=%v", ok, err)
	}
	access, _ = store.CheckAccess(ctx, user, "academic_writing")
	if !access.HasAccess || access.UnitsRemaining != 1 {
		t.Errorf("Expected 1 unit remaining, got %+v", access)
	}

	// Second consumption drains it: status flips to consumed.
	ok, err = store.Consume(ctx, user, "academic_writing", "assessment-2")
	if err != nil || !ok {
		t.Fatalf("Second consume failed: ok=%v err=%v", ok, err)
	}
	ent, err := store.GetByTransaction(ctx, "tx-001")
	if err != nil || ent == nil {
		t.Fatalf("GetByTransaction failed: ent=%v err=%v", ent, err)
	}
	if ent.Status != domain.EntitlementConsumed || ent.UnitsRemaining != 0 {
		t.Errorf("Expected consumed entitlement with 0 units, got status=%s remaining=%d",
			ent.Status, ent.UnitsRemaining)
	}
	if ent.LastUsageRef != "assessment-2" {
		t.Errorf("Expected last usage ref assessment-2, got %s", ent.LastUsageRef)
	}

	// Third consumption must fail: no units anywhere.
	ok, err = store.Consume(ctx, user, "academic_writing", "assessment-3")
	if err != nil {
		t.Fatalf("Third consume errored: %v", err)
	}
	if ok {
		t.Error("Expected consume to fail with no units remaining")
	}
}

func TestGrant_DuplicateTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := GrantRequest{
		UserID:        "user-1",
		ProductID:     "com.ieltsaiprep.academic.speaking",
		TransactionID: "tx-dup",
		Platform:      domain.PlatformAndroid,
	}

	granted, err := store.Grant(ctx, req)
	if err != nil || !granted {
		t.Fatalf("First grant failed: granted=%v err=%v", granted, err)
	}

	// Same transaction id again: rejected, no error, no second record.
	granted, err = store.Grant(ctx, req)
	if err != nil {
		t.Fatalf("Duplicate grant errored: %v", err)
	}
	if granted {
		t.Error("Expected duplicate grant to return false")
	}

	// Even for a different user: the transaction id is global.
	req.UserID = "user-2"
	granted, err = store.Grant(ctx, req)
	if err != nil {
		t.Fatalf("Cross-user duplicate grant errored: %v", err)
	}
	if granted {
		t.Error("Expected cross-user duplicate grant to return false")
	}

	ents, err := store.Restore(ctx, "user-1")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(ents) != 1 {
		t.Errorf("Expected exactly one entitlement, got %d", len(ents))
	}
}

func TestGrant_EmptyTransactionID(t *testing.T) {
	store := newTestStore(t)

	for _, txn := range []string{"", "   "} {
		granted, err := store.Grant(context.Background(), GrantRequest{
			UserID:        "user-1",
			ProductID:     "academic_speaking",
			TransactionID: txn,
			Platform:      domain.PlatformIOS,
		})
		if err != nil {
			t.Fatalf("Grant with blank txn errored: %v", err)
		}
		if granted {
			t.Errorf("Expected grant with transaction id %q to be rejected", txn)
		}
	}
}

func TestGrant_ConcurrentSameTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const attempts = 10
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := store.Grant(ctx, GrantRequest{
				UserID:        "user-1",
				ProductID:     "com.ieltsaiprep.general.speaking",
				TransactionID: "tx-race",
				Platform:      domain.PlatformIOS,
			})
			if err != nil {
				t.Errorf("Concurrent grant errored: %v", err)
			}
			results <- granted
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for granted := range results {
		if granted {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly 1 successful grant, got %d", succeeded)
	}
}

func TestConsume_NeverNegative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "user-1"

	const units = 3
	granted, err := store.Grant(ctx, GrantRequest{
		UserID:        user,
		ProductID:     "com.ieltsaiprep.academic.speaking",
		TransactionID: "tx-units",
		Platform:      domain.PlatformIOS,
		Units:         units,
	})
	if err != nil || !granted {
		t.Fatalf("Grant failed: granted=%v err=%v", granted, err)
	}

	// Far more concurrent consumers than units: exactly `units` succeed.
	const consumers = 12
	results := make(chan bool, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Consume(ctx, user, "academic_speaking", "assessment")
			if err != nil {
				t.Errorf("Concurrent consume errored: %v", err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	if succeeded != units {
		t.Errorf("Expected exactly %d successful consumptions, got %d", units, succeeded)
	}

	ent, err := store.GetByTransaction(ctx, "tx-units")
	if err != nil || ent == nil {
		t.Fatalf("GetByTransaction failed: ent=%v err=%v", ent, err)
	}
	if ent.UnitsRemaining != 0 {
		t.Errorf("Expected 0 units remaining, got %d", ent.UnitsRemaining)
	}
	if ent.Status != domain.EntitlementConsumed {
		t.Errorf("Expected consumed status, got %s", ent.Status)
	}
}

func TestConsume_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "user-1"
	now := time.Now()

	// Two entitlements for the same module type, bought a day apart.
	for _, grant := range []GrantRequest{
		{UserID: user, ProductID: "com.ieltsaiprep.academic.speaking",
			TransactionID: "tx-new", Platform: domain.PlatformIOS, PurchaseDate: now},
		{UserID: user, ProductID: "academic_speaking",
			TransactionID: "tx-old", Platform: domain.PlatformAndroid, PurchaseDate: now.Add(-24 * time.Hour)},
	} {
		granted, err := store.Grant(ctx, grant)
		if err != nil || !granted {
			t.Fatalf("Grant %s failed: granted=%v err=%v", grant.TransactionID, granted, err)
		}
	}

	// Both consumptions must land on the older purchase first.
	for i := 0; i < 2; i++ {
		ok, err := store.Consume(ctx, user, "academic_speaking", "assessment")
		if err != nil || !ok {
			t.Fatalf("Consume %d failed: ok=%v err=%v", i, ok, err)
		}
	}

	older, _ := store.GetByTransaction(ctx, "tx-old")
	newer, _ := store.GetByTransaction(ctx, "tx-new")
	if older.UnitsRemaining != 0 {
		t.Errorf("Expected older entitlement exhausted, got %d remaining", older.UnitsRemaining)
	}
	if newer.UnitsRemaining != 2 {
		t.Errorf("Expected newer entitlement untouched, got %d remaining", newer.UnitsRemaining)
	}
}

func TestCheckAccess_ModuleCategoryMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "user-1"

	granted, err := store.Grant(ctx, GrantRequest{
		UserID:        user,
		ProductID:     "com.ieltsaiprep.academic.writing",
		TransactionID: "tx-sku",
		Platform:      domain.PlatformIOS,
	})
	if err != nil || !granted {
		t.Fatalf("Grant failed: granted=%v err=%v", granted, err)
	}

	// Underscored module type matches the dotted SKU.
	access, err := store.CheckAccess(ctx, user, "academic_writing")
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if !access.HasAccess {
		t.Error("Expected academic_writing to match the dotted SKU")
	}

	// Different module type does not.
	access, err = store.CheckAccess(ctx, user, "general_speaking")
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if access.HasAccess {
		t.Error("Expected general_speaking not to match an academic writing SKU")
	}
}

func TestRestore_ReturnsAllIncludingConsumed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "user-1"

	for _, txn := range []string{"tx-a", "tx-b"} {
		granted, err := store.Grant(ctx, GrantRequest{
			UserID:        user,
			ProductID:     "com.ieltsaiprep.general.speaking",
			TransactionID: txn,
			Platform:      domain.PlatformAndroid,
			Units:         1,
		})
		if err != nil || !granted {
			t.Fatalf("Grant %s failed: granted=%v err=%v", txn, granted, err)
		}
	}

	if ok, err := store.Consume(ctx, user, "general_speaking", "a1"); err != nil || !ok {
		t.Fatalf("Consume failed: ok=%v err=%v", ok, err)
	}

	ents, err := store.Restore(ctx, user)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	// Consumed entitlements stay in the ledger as an audit trail.
	if len(ents) != 2 {
		t.Fatalf("Expected 2 entitlements, got %d", len(ents))
	}
}
