package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/arcanalabs/arcana/pkg/entitlements"
)

// StateFileName is the simulated platform state file inside the data dir.
// Editing it by hand (or via Purchase/Restore) is the simulated equivalent
// of a platform-side subscription change.
const StateFileName = "billing.json"

// Product identifiers the simulated platform sells.
const (
	ProductMysticMonthly = "arcana.mystic.monthly"
	ProductOracleMonthly = "arcana.oracle.monthly"
	ProductOracleYearly  = "arcana.oracle.yearly"
)

// product describes what a platform product grants.
type product struct {
	tier   entitlements.Tier
	period time.Duration
}

var products = map[string]product{
	ProductMysticMonthly: {tier: entitlements.TierMystic, period: 30 * 24 * time.Hour},
	ProductOracleMonthly: {tier: entitlements.TierOracle, period: 30 * 24 * time.Hour},
	ProductOracleYearly:  {tier: entitlements.TierOracle, period: 365 * 24 * time.Hour},
}

// platformState is the on-disk shape of the simulated platform account.
type platformState struct {
	Tier                   entitlements.Tier `json:"tier"`
	IsActive               bool              `json:"is_active"`
	ExpirationDate         *time.Time        `json:"expiration_date,omitempty"`
	ProductID              string            `json:"product_id,omitempty"`
	PlatformSubscriptionID string            `json:"platform_subscription_id,omitempty"`
	LastTransactionID      string            `json:"last_transaction_id,omitempty"`
}

// SimulatedSource is a file-backed billing platform. State lives in
// billing.json under the data dir; external edits are pushed to subscribers
// via an fsnotify watcher, mimicking platform change notifications.
type SimulatedSource struct {
	mu       sync.Mutex
	path     string
	watcher  *fsnotify.Watcher
	changes  chan Status
	stopChan chan struct{}
	stopOnce sync.Once

	// Test/demo knobs.
	unreachable bool
	fetchDelay  time.Duration
	nowFn       func() time.Time
}

// NewSimulatedSource creates a simulated billing source rooted at dataDir
// and starts watching the state file for external changes.
func NewSimulatedSource(dataDir string) (*SimulatedSource, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create billing data directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create billing watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(dataDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch billing directory: %w", err)
	}

	s := &SimulatedSource{
		path:     filepath.Join(dataDir, StateFileName),
		watcher:  watcher,
		changes:  make(chan Status, 8),
		stopChan: make(chan struct{}),
		nowFn:    time.Now,
	}
	go s.watchForChanges()

	log.Info().Str("path", s.path).Msg("Simulated billing platform ready")
	return s, nil
}

// FetchStatus reads the platform state file. A missing file means a free
// account. Returns ErrPlatformUnavailable when the platform is marked
// unreachable (test/demo) or the file is unreadable.
func (s *SimulatedSource) FetchStatus(ctx context.Context) (Status, error) {
	s.mu.Lock()
	unreachable := s.unreachable
	delay := s.fetchDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Status{}, fmt.Errorf("%w: %v", ErrPlatformUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	if unreachable {
		return Status{}, ErrPlatformUnavailable
	}

	return s.readStatus()
}

// Purchase buys a product on the simulated platform. Unknown products are
// declined without error, matching how a store SDK reports a failed flow.
func (s *SimulatedSource) Purchase(ctx context.Context, productID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unreachable {
		return false, ErrPlatformUnavailable
	}

	p, ok := products[productID]
	if !ok {
		log.Warn().Str("product_id", productID).Msg("Purchase declined: unknown product")
		return false, nil
	}

	now := s.nowFn()
	expiry := now.Add(p.period)
	state := platformState{
		Tier:                   p.tier,
		IsActive:               true,
		ExpirationDate:         &expiry,
		ProductID:              productID,
		PlatformSubscriptionID: uuid.New().String(),
		LastTransactionID:      ulid.Make().String(),
	}
	if err := s.writeState(state); err != nil {
		return false, err
	}

	log.Info().
		Str("product_id", productID).
		Str("tier", string(p.tier)).
		Str("transaction_id", state.LastTransactionID).
		Msg("Simulated purchase completed")
	return true, nil
}

// Restore re-applies a previous purchase. Succeeds only when the platform
// has a subscription on file.
func (s *SimulatedSource) Restore(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unreachable {
		return false, ErrPlatformUnavailable
	}

	state, found, err := s.readState()
	if err != nil {
		return false, err
	}
	if !found || state.PlatformSubscriptionID == "" {
		return false, nil
	}

	log.Info().Str("subscription_id", state.PlatformSubscriptionID).Msg("Simulated restore completed")
	return true, nil
}

// StatusChanges delivers pushed platform-side changes.
func (s *SimulatedSource) StatusChanges() <-chan Status {
	return s.changes
}

// SetUnreachable toggles simulated platform outages.
func (s *SimulatedSource) SetUnreachable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = down
}

// SetFetchDelay adds artificial latency to FetchStatus.
func (s *SimulatedSource) SetFetchDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchDelay = d
}

// Close stops the watcher and closes the change stream.
func (s *SimulatedSource) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		err = s.watcher.Close()
	})
	return err
}

// watchForChanges pushes a fresh status whenever the state file is written.
func (s *SimulatedSource) watchForChanges() {
	defer close(s.changes)

	for {
		select {
		case <-s.stopChan:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != StateFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			status, err := s.readStatus()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to read billing state after change event")
				continue
			}
			select {
			case s.changes <- status:
			default:
				// Slow consumer: drop rather than block the watcher. The
				// next sync tick picks the change up anyway.
				log.Debug().Msg("Dropped billing change notification (subscriber busy)")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Billing watcher error")
		}
	}
}

// readStatus converts on-disk platform state to a Status snapshot.
func (s *SimulatedSource) readStatus() (Status, error) {
	state, found, err := s.readState()
	now := s.nowFn()
	if err != nil {
		return Status{}, err
	}
	if !found {
		return DefaultStatus(now), nil
	}

	tier := state.Tier
	if !tier.Known() {
		log.Warn().Str("tier", string(state.Tier)).Msg("Unknown tier in billing state, treating as seeker")
		tier = entitlements.TierSeeker
	}

	return Status{
		Tier:                   tier,
		IsActive:               state.IsActive,
		ExpirationDate:         state.ExpirationDate,
		PlatformSubscriptionID: state.PlatformSubscriptionID,
		LastUpdated:            now,
	}, nil
}

func (s *SimulatedSource) readState() (platformState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return platformState{}, false, nil
		}
		return platformState{}, false, fmt.Errorf("%w: read state: %v", ErrPlatformUnavailable, err)
	}
	if len(data) == 0 {
		return platformState{}, false, nil
	}

	var state platformState
	if err := json.Unmarshal(data, &state); err != nil {
		return platformState{}, false, fmt.Errorf("%w: decode state: %v", ErrPlatformUnavailable, err)
	}
	return state, true, nil
}

func (s *SimulatedSource) writeState(state platformState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode billing state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("%w: write state: %v", ErrPlatformUnavailable, err)
	}
	return nil
}
