package subscription

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arcanalabs/arcana/internal/billing"
	"github.com/arcanalabs/arcana/internal/kvstore"
	"github.com/arcanalabs/arcana/pkg/entitlements"
)

// fakeSource is a scriptable billing.Source for scheduler tests.
type fakeSource struct {
	mu       sync.Mutex
	status   billing.Status
	err      error
	fetches  int
	restores bool
	changes  chan billing.Status
}

func newFakeSource() *fakeSource {
	return &fakeSource{changes: make(chan billing.Status, 4)}
}

func (f *fakeSource) set(status billing.Status, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.err = err
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeSource) FetchStatus(ctx context.Context) (billing.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return billing.Status{}, f.err
	}
	return f.status, nil
}

func (f *fakeSource) Purchase(ctx context.Context, productID string) (bool, error) {
	return productID == billing.ProductMysticMonthly, nil
}

func (f *fakeSource) Restore(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restores, nil
}

func (f *fakeSource) StatusChanges() <-chan billing.Status { return f.changes }

func newTestManager(t *testing.T, source billing.Source) (*Manager, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "preferences.db"))
	if err != nil {
		t.Fatalf("kvstore.Open() failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	m := NewManager(source, kv, Config{
		Interval:      time.Hour,
		FetchTimeout:  time.Second,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Millisecond,
	})
	return m, kv
}

func activeStatus(tier entitlements.Tier, expiry time.Time) billing.Status {
	return billing.Status{
		Tier:           tier,
		IsActive:       true,
		ExpirationDate: &expiry,
		LastUpdated:    time.Now(),
	}
}

func TestSyncSuccessCachesStatus(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierMystic, time.Now().Add(30*24*time.Hour)), nil)
	m, kv := newTestManager(t, source)

	m.syncOnce(context.Background())

	if got := m.Current().Tier; got != entitlements.TierMystic {
		t.Errorf("Current().Tier = %q, want mystic", got)
	}
	state, err := m.State()
	if state != StateSuccess || err != nil {
		t.Errorf("State() = (%q, %v), want (success, nil)", state, err)
	}
	if _, ok, _ := kv.Get("subscription.cachedStatus"); !ok {
		t.Error("status was not persisted to the preference store")
	}
}

func TestSyncFailureServesCachedStatus(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierOracle, time.Now().Add(24*time.Hour)), nil)
	m, _ := newTestManager(t, source)

	m.syncOnce(context.Background())
	if got := m.Current().Tier; got != entitlements.TierOracle {
		t.Fatalf("precondition failed: tier = %q", got)
	}
	fetchesAfterSuccess := source.fetchCount()

	// Platform goes dark: three attempts, then Failed, cache intact.
	source.set(billing.Status{}, billing.ErrPlatformUnavailable)
	m.syncOnce(context.Background())

	if got := source.fetchCount() - fetchesAfterSuccess; got != 3 {
		t.Errorf("failed sync made %d attempts, want 3", got)
	}
	state, lastErr := m.State()
	if state != StateFailed {
		t.Errorf("State() = %q, want failed", state)
	}
	if lastErr == nil {
		t.Error("State() should report the last sync error")
	}
	if got := m.Current().Tier; got != entitlements.TierOracle {
		t.Errorf("Current().Tier after failure = %q, want cached oracle", got)
	}
}

func TestNoCacheDefaultsToSeeker(t *testing.T) {
	m, _ := newTestManager(t, newFakeSource())

	status := m.Current()
	if status.Tier != entitlements.TierSeeker {
		t.Errorf("Current().Tier = %q, want seeker default", status.Tier)
	}
	if !status.IsActive {
		t.Error("default status must be active")
	}
}

func TestExpiredStatusTriggersGracefulDowngrade(t *testing.T) {
	yesterday := time.Now().Add(-24 * time.Hour)
	expired := activeStatus(entitlements.TierOracle, yesterday)
	expired.UsageCounts = map[string]int{"manual_interpretations": 3, "journal_entries": 12}

	source := newFakeSource()
	source.set(expired, nil)
	m, _ := newTestManager(t, source)

	m.syncOnce(context.Background())

	state, _ := m.State()
	if state != StateExpired {
		t.Errorf("State() = %q, want expired", state)
	}

	got := m.Current()
	if got.Tier != entitlements.TierSeeker {
		t.Errorf("tier after downgrade = %q, want seeker", got.Tier)
	}
	if !got.IsActive {
		t.Error("downgraded status must be active")
	}
	if got.ExpirationDate != nil {
		t.Error("downgraded status must have no expiration")
	}
	if got.UsageCounts["manual_interpretations"] != 3 || got.UsageCounts["journal_entries"] != 12 {
		t.Errorf("usage counts not preserved across downgrade: %v", got.UsageCounts)
	}
}

func TestInactiveStatusTriggersGracefulDowngrade(t *testing.T) {
	// A canceled subscription arrives as inactive with its paid tier still
	// set. It must never be cached as-is: the only terminal state is the
	// active seeker baseline.
	canceled := billing.Status{
		Tier:        entitlements.TierOracle,
		IsActive:    false,
		UsageCounts: map[string]int{"journal_entries": 4},
		LastUpdated: time.Now(),
	}

	source := newFakeSource()
	source.set(canceled, nil)
	m, kv := newTestManager(t, source)

	m.syncOnce(context.Background())

	state, _ := m.State()
	if state != StateExpired {
		t.Errorf("State() = %q, want expired", state)
	}

	got := m.Current()
	if got.Tier != entitlements.TierSeeker {
		t.Errorf("tier after cancellation = %q, want seeker", got.Tier)
	}
	if !got.IsActive {
		t.Error("downgraded status must be active")
	}
	if got.UsageCounts["journal_entries"] != 4 {
		t.Errorf("usage counts not preserved across downgrade: %v", got.UsageCounts)
	}

	// The persisted cache holds the downgrade, not the inactive oracle.
	raw, ok, err := kv.Get("subscription.cachedStatus")
	if err != nil || !ok {
		t.Fatalf("cached status missing: ok=%v err=%v", ok, err)
	}
	var cached billing.Status
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		t.Fatalf("cached status not decodable: %v", err)
	}
	if cached.Tier != entitlements.TierSeeker || !cached.IsActive {
		t.Errorf("cache holds (%q, active=%v), want (seeker, true)", cached.Tier, cached.IsActive)
	}
}

func TestCachedExpiryDowngradesEvenWhenPlatformUnreachable(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierOracle, time.Now().Add(50*time.Millisecond)), nil)
	m, _ := newTestManager(t, source)

	m.syncOnce(context.Background())
	if got := m.Current().Tier; got != entitlements.TierOracle {
		t.Fatalf("precondition failed: tier = %q", got)
	}

	// Expiry passes while the platform is down.
	time.Sleep(60 * time.Millisecond)
	source.set(billing.Status{}, billing.ErrPlatformUnavailable)
	m.syncOnce(context.Background())

	if got := m.Current().Tier; got != entitlements.TierSeeker {
		t.Errorf("tier = %q, want seeker after offline expiry", got)
	}
}

func TestLoadCacheRestoresPersistedStatus(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierMystic, time.Now().Add(24*time.Hour)), nil)
	m, kv := newTestManager(t, source)
	m.syncOnce(context.Background())

	// A new manager over the same store starts from the cached status.
	m2 := NewManager(newFakeSource(), kv, Config{})
	m2.loadCache()
	if got := m2.Current().Tier; got != entitlements.TierMystic {
		t.Errorf("Current().Tier after reload = %q, want mystic", got)
	}
}

func TestCorruptCacheIgnored(t *testing.T) {
	source := newFakeSource()
	m, kv := newTestManager(t, source)
	if err := kv.Set("subscription.cachedStatus", "{not json"); err != nil {
		t.Fatal(err)
	}

	m.loadCache()
	if got := m.Current().Tier; got != entitlements.TierSeeker {
		t.Errorf("corrupt cache should fall back to seeker, got %q", got)
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierMystic, time.Now().Add(24*time.Hour)), nil)
	m, _ := newTestManager(t, source)

	m.syncOnce(context.Background())

	// A result tagged with an old generation must not clobber the cache.
	stale := activeStatus(entitlements.TierOracle, time.Now().Add(24*time.Hour))
	if m.commitIfCurrent(stale, 0) {
		t.Fatal("commitIfCurrent accepted a stale generation")
	}
	if got := m.Current().Tier; got != entitlements.TierMystic {
		t.Errorf("stale result overwrote the cache: %q", got)
	}
}

func TestSubscribersReceiveCommits(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierOracle, time.Now().Add(24*time.Hour)), nil)
	m, _ := newTestManager(t, source)

	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	m.syncOnce(context.Background())

	select {
	case status := <-ch:
		if status.Tier != entitlements.TierOracle {
			t.Errorf("broadcast tier = %q, want oracle", status.Tier)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the committed status")
	}
}

func TestRestore(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierMystic, time.Now().Add(24*time.Hour)), nil)
	m, _ := newTestManager(t, source)

	// Nothing to restore.
	ok, err := m.Restore(context.Background())
	if err != nil || ok {
		t.Fatalf("Restore() = (%v, %v), want (false, nil)", ok, err)
	}

	source.mu.Lock()
	source.restores = true
	source.mu.Unlock()

	ok, err = m.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("Restore() = (%v, %v), want (true, nil)", ok, err)
	}
	if got := m.Current().Tier; got != entitlements.TierMystic {
		t.Errorf("tier after restore = %q, want mystic", got)
	}
}

func TestPurchaseRefreshesStatus(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierMystic, time.Now().Add(24*time.Hour)), nil)
	m, _ := newTestManager(t, source)

	ok, err := m.Purchase(context.Background(), billing.ProductMysticMonthly)
	if err != nil || !ok {
		t.Fatalf("Purchase() = (%v, %v), want (true, nil)", ok, err)
	}
	if got := m.Current().Tier; got != entitlements.TierMystic {
		t.Errorf("tier after purchase = %q, want mystic", got)
	}

	// Declined purchase leaves the cache alone.
	before := source.fetchCount()
	ok, err = m.Purchase(context.Background(), "arcana.unknown")
	if err != nil || ok {
		t.Fatalf("Purchase(unknown) = (%v, %v), want (false, nil)", ok, err)
	}
	if source.fetchCount() != before {
		t.Error("declined purchase should not trigger a sync")
	}
}

func TestStartAndStop(t *testing.T) {
	source := newFakeSource()
	source.set(activeStatus(entitlements.TierMystic, time.Now().Add(24*time.Hour)), nil)
	m, _ := newTestManager(t, source)

	m.Start(context.Background())
	defer m.Stop()

	// The initial sync runs shortly after Start.
	deadline := time.After(2 * time.Second)
	for {
		if m.Current().Tier == entitlements.TierMystic {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial sync did not complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Pushed platform changes are applied without waiting for a tick.
	pushed := activeStatus(entitlements.TierOracle, time.Now().Add(24*time.Hour))
	source.changes <- pushed
	deadline = time.After(2 * time.Second)
	for {
		if m.Current().Tier == entitlements.TierOracle {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pushed change was not applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
