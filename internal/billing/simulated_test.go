package billing

import (
	"context"
	"testing"
	"time"

	"github.com/arcanalabs/arcana/pkg/entitlements"
)

func newTestSource(t *testing.T) *SimulatedSource {
	t.Helper()
	s, err := NewSimulatedSource(t.TempDir())
	if err != nil {
		t.Fatalf("NewSimulatedSource() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchStatusDefaultsToSeeker(t *testing.T) {
	s := newTestSource(t)

	status, err := s.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() failed: %v", err)
	}
	if status.Tier != entitlements.TierSeeker {
		t.Errorf("tier = %q, want seeker", status.Tier)
	}
	if !status.IsActive {
		t.Error("default status must be active")
	}
	if status.ExpirationDate != nil {
		t.Error("default status must have no expiration")
	}
}

func TestPurchaseUpgradesTier(t *testing.T) {
	s := newTestSource(t)
	ctx := context.Background()

	ok, err := s.Purchase(ctx, ProductOracleMonthly)
	if err != nil {
		t.Fatalf("Purchase() failed: %v", err)
	}
	if !ok {
		t.Fatal("Purchase() declined a known product")
	}

	status, err := s.FetchStatus(ctx)
	if err != nil {
		t.Fatalf("FetchStatus() failed: %v", err)
	}
	if status.Tier != entitlements.TierOracle {
		t.Errorf("tier = %q, want oracle", status.Tier)
	}
	if !status.IsActive {
		t.Error("purchased subscription must be active")
	}
	if status.ExpirationDate == nil || !status.ExpirationDate.After(time.Now()) {
		t.Error("purchased subscription must expire in the future")
	}
	if status.PlatformSubscriptionID == "" {
		t.Error("purchase must assign a platform subscription id")
	}
}

func TestPurchaseUnknownProductDeclined(t *testing.T) {
	s := newTestSource(t)

	ok, err := s.Purchase(context.Background(), "arcana.celestial.monthly")
	if err != nil {
		t.Fatalf("Purchase() errored on unknown product: %v", err)
	}
	if ok {
		t.Fatal("Purchase() accepted an unknown product")
	}
}

func TestRestore(t *testing.T) {
	s := newTestSource(t)
	ctx := context.Background()

	// Nothing to restore on a fresh account.
	ok, err := s.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if ok {
		t.Fatal("Restore() succeeded without a prior purchase")
	}

	if _, err := s.Purchase(ctx, ProductMysticMonthly); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if !ok {
		t.Fatal("Restore() failed after a purchase")
	}
}

func TestUnreachablePlatform(t *testing.T) {
	s := newTestSource(t)
	s.SetUnreachable(true)

	if _, err := s.FetchStatus(context.Background()); err == nil {
		t.Fatal("FetchStatus() should fail while unreachable")
	}
	if _, err := s.Purchase(context.Background(), ProductMysticMonthly); err == nil {
		t.Fatal("Purchase() should fail while unreachable")
	}

	s.SetUnreachable(false)
	if _, err := s.FetchStatus(context.Background()); err != nil {
		t.Fatalf("FetchStatus() failed after recovery: %v", err)
	}
}

func TestFetchStatusHonorsContextCancellation(t *testing.T) {
	s := newTestSource(t)
	s.SetFetchDelay(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.FetchStatus(ctx)
	if err == nil {
		t.Fatal("FetchStatus() should fail when the context expires")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("FetchStatus() ignored cancellation, took %v", elapsed)
	}
}

func TestStatusChangesPushedOnPurchase(t *testing.T) {
	s := newTestSource(t)
	ctx := context.Background()

	if _, err := s.Purchase(ctx, ProductMysticMonthly); err != nil {
		t.Fatal(err)
	}

	// The watcher may observe the file mid-write and push an intermediate
	// status first, so drain until the final one arrives.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case status := <-s.StatusChanges():
			if status.Tier == entitlements.TierMystic {
				return
			}
		case <-deadline:
			t.Fatal("no mystic change notification after purchase")
		}
	}
}
