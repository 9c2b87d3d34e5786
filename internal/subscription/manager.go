// Package subscription owns the cached subscription status and keeps it in
// sync with the billing platform.
//
// The Manager is the single writer of the process-wide status cell: the sync
// loop, purchase/restore handlers, and pushed platform notifications all
// funnel through it, while everyone else reads via Current or subscribes to
// change broadcasts.
package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/arcanalabs/arcana/internal/billing"
	"github.com/arcanalabs/arcana/internal/kvstore"
	"github.com/arcanalabs/arcana/internal/metrics"
)

// cachedStatusKey is where the last known-good status is persisted.
const cachedStatusKey = "subscription.cachedStatus"

// SyncState is the scheduler's process-local state. It is never persisted.
// Terminal outcomes (success, failed, expired) are held until the next sync
// flips to syncing, so status surfaces always see the last sync's result;
// idle only describes a manager that has not synced yet.
type SyncState string

const (
	StateIdle      SyncState = "idle"
	StateSyncing   SyncState = "syncing"
	StateSuccess   SyncState = "success"
	StateFailed    SyncState = "failed"
	StateExpired   SyncState = "expired"
	StateRestoring SyncState = "restoring"
)

// Config controls the sync schedule. Zero values pick the defaults.
type Config struct {
	Interval      time.Duration // between scheduled syncs (default 60m)
	FetchTimeout  time.Duration // per-fetch bound (default 10s)
	RetryAttempts int           // attempts per sync (default 3)
	RetryDelay    time.Duration // fixed delay between attempts (default 5s)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// Manager schedules syncs against the billing source and serves the cached
// status to the rest of the app. Platform failures never propagate: callers
// always get the last known-good status, or the seeker default.
type Manager struct {
	mu sync.RWMutex

	source billing.Source
	kv     *kvstore.Store
	cfg    Config

	current   billing.Status
	hasStatus bool
	state     SyncState
	lastErr   error

	// generation tags each sync; a fetch that resolves after a newer sync
	// started is discarded instead of clobbering the newer result.
	generation uint64

	subscribers map[string]chan billing.Status

	group  singleflight.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nowFn  func() time.Time
}

// NewManager creates a subscription manager. The last persisted status is
// loaded immediately so reads are correct before the first sync; call Start
// to begin syncing.
func NewManager(source billing.Source, kv *kvstore.Store, cfg Config) *Manager {
	m := &Manager{
		source:      source,
		kv:          kv,
		cfg:         cfg.withDefaults(),
		state:       StateIdle,
		subscribers: make(map[string]chan billing.Status),
		nowFn:       time.Now,
	}
	m.loadCache()
	return m
}

// Start runs an initial sync and begins the periodic sync loop plus the
// push-notification consumer.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.syncOnce(ctx)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.syncOnce(ctx)
			}
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case status, ok := <-m.source.StatusChanges():
				if !ok {
					return
				}
				log.Info().Str("tier", string(status.Tier)).Msg("Platform pushed a subscription change")
				m.commit(status)
			}
		}
	}()
}

// Stop cancels the sync loop and waits for it to exit. In-flight fetches are
// not forcibly cancelled beyond their context; stale results are discarded by
// the generation check.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

// Current returns the cached status, or the seeker default when nothing has
// ever been cached (fail closed to free-tier limits).
func (m *Manager) Current() billing.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasStatus {
		return billing.DefaultStatus(m.nowFn())
	}
	return m.current
}

// State returns the scheduler state and the last sync error, if any.
func (m *Manager) State() (SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.lastErr
}

// ForceSync runs a sync immediately. Concurrent callers share one flight.
func (m *Manager) ForceSync(ctx context.Context) {
	m.group.Do("sync", func() (interface{}, error) {
		m.syncOnce(ctx)
		return nil, nil
	})
}

// Purchase buys a product and, on success, refreshes the cached status.
func (m *Manager) Purchase(ctx context.Context, productID string) (bool, error) {
	ok, err := m.source.Purchase(ctx, productID)
	if err != nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("Purchase failed")
		return false, err
	}
	if ok {
		m.syncOnce(ctx)
	}
	return ok, nil
}

// Restore re-applies a previous purchase and refreshes on success.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	m.setState(StateRestoring, nil)

	ok, err := m.source.Restore(ctx)
	if err != nil {
		m.setState(StateFailed, err)
		log.Warn().Err(err).Msg("Restore failed")
		return false, err
	}
	if !ok {
		m.setState(StateIdle, nil)
		return false, nil
	}
	m.syncOnce(ctx)
	return true, nil
}

// Subscribe registers a read-only observer of status changes.
// Returns the subscriber id and the channel. Slow subscribers miss updates
// rather than blocking the writer.
func (m *Manager) Subscribe() (string, <-chan billing.Status) {
	id := uuid.New().String()
	ch := make(chan billing.Status, 4)

	m.mu.Lock()
	m.subscribers[id] = ch
	m.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	ch, ok := m.subscribers[id]
	delete(m.subscribers, id)
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

// syncOnce fetches the platform status with bounded retries. Failures leave
// the cached status untouched (stale-but-available).
func (m *Manager) syncOnce(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.state = StateSyncing
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.RetryAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		status, err := m.source.FetchStatus(fetchCtx)
		cancel()

		if err == nil {
			if !m.commitIfCurrent(status, gen) {
				metrics.SyncTotal.WithLabelValues("stale_discarded").Inc()
				log.Debug().Uint64("generation", gen).Msg("Discarded stale sync result")
				return
			}
			metrics.SyncTotal.WithLabelValues("success").Inc()
			return
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.cfg.RetryAttempts).
			Msg("Subscription sync attempt failed")

		if attempt < m.cfg.RetryAttempts {
			// Fixed delay between attempts; context cancellation aborts.
			select {
			case <-ctx.Done():
				m.setState(StateFailed, ctx.Err())
				return
			case <-time.After(m.cfg.RetryDelay):
			}
		}
	}

	metrics.SyncTotal.WithLabelValues("failed").Inc()
	m.setState(StateFailed, lastErr)

	// Even without a fresh fetch, a lapsed cached status must downgrade.
	m.downgradeCachedIfLapsed()

	log.Warn().Err(lastErr).Msg("Subscription sync exhausted retries, serving cached status")
}

// commitIfCurrent applies a fetched status only if gen is still the latest
// sync generation. Returns false when the result was stale.
func (m *Manager) commitIfCurrent(status billing.Status, gen uint64) bool {
	m.mu.RLock()
	stale := gen != m.generation
	m.mu.RUnlock()
	if stale {
		return false
	}
	m.commit(status)
	return true
}

// commit replaces the cached status wholesale, handling lapses first.
// This is the only write path for the status cell: a paid status that is
// expired or inactive never lands in the cache, only its seeker downgrade.
func (m *Manager) commit(status billing.Status) {
	now := m.nowFn()

	m.mu.Lock()
	lapsed := status.IsLapsedAt(now)
	if lapsed {
		evt := log.Info().
			Str("tier", string(status.Tier)).
			Bool("is_active", status.IsActive)
		if status.ExpirationDate != nil {
			evt = evt.Time("expiration_date", *status.ExpirationDate)
		}
		evt.Msg("Subscription lapsed, downgrading to seeker")
		// Preserve usage history across the downgrade.
		prior := status.UsageCounts
		if prior == nil && m.hasStatus {
			prior = m.current.UsageCounts
		}
		status = status.Downgraded(now)
		status.UsageCounts = prior
		metrics.DowngradesTotal.Inc()
	}

	status.LastUpdated = now
	m.current = status
	m.hasStatus = true
	if lapsed {
		m.state = StateExpired
	} else {
		m.state = StateSuccess
	}
	m.lastErr = nil
	subs := make([]chan billing.Status, 0, len(m.subscribers))
	for _, ch := range m.subscribers {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.persistCache(status)

	for _, ch := range subs {
		select {
		case ch <- status:
		default:
			// Subscriber is behind; it will read the latest via Current.
		}
	}
}

// downgradeCachedIfLapsed applies the graceful downgrade to a stale cached
// status that lapsed while the platform was unreachable.
func (m *Manager) downgradeCachedIfLapsed() {
	m.mu.RLock()
	has := m.hasStatus
	current := m.current
	m.mu.RUnlock()

	if has && current.IsLapsedAt(m.nowFn()) {
		m.commit(current)
	}
}

// setState records scheduler state without touching the cached status.
func (m *Manager) setState(state SyncState, err error) {
	m.mu.Lock()
	m.state = state
	m.lastErr = err
	m.mu.Unlock()
}

// loadCache restores the last known-good status from the preference store.
// Corrupt or missing cache falls back to the seeker default at read time.
func (m *Manager) loadCache() {
	raw, ok, err := m.kv.Get(cachedStatusKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load cached subscription status")
		return
	}
	if !ok {
		return
	}

	var status billing.Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		log.Warn().Err(err).Msg("Corrupt cached subscription status, ignoring")
		return
	}

	m.mu.Lock()
	m.current = status
	m.hasStatus = true
	m.mu.Unlock()

	log.Info().
		Str("tier", string(status.Tier)).
		Time("last_updated", status.LastUpdated).
		Msg("Loaded cached subscription status")
}

// persistCache writes the status blob through to the preference store.
func (m *Manager) persistCache(status billing.Status) {
	data, err := json.Marshal(status)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode subscription status")
		return
	}
	if err := m.kv.Set(cachedStatusKey, string(data)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist subscription status")
	}
}
