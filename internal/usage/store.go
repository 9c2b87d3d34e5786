// Package usage tracks monthly feature usage counters.
//
// Counters live in the preference store under the "usage." namespace and are
// written through on every mutation. Counts reset exactly once per rolling
// calendar month; incrementing is the only other mutation.
package usage

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcanalabs/arcana/internal/kvstore"
)

const (
	keyPrefix      = "usage."
	periodStartKey = "usage.periodStart"

	// periodStart is stored as an ISO-8601 calendar date.
	periodDateLayout = "2006-01-02"
)

// Store owns the usage counters. Calls are serialized per process; there is
// no cross-process locking (single active UI process).
type Store struct {
	mu sync.Mutex
	kv *kvstore.Store

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

// NewStore creates a usage store on top of the preference store.
func NewStore(kv *kvstore.Store) *Store {
	return &Store{kv: kv, nowFn: time.Now}
}

func counterKey(feature string) string {
	return keyPrefix + feature
}

// GetCount returns the current count for feature, 0 if absent.
// Storage failures degrade to 0 rather than propagating; quota checks then
// run against the in-memory default, which is the documented fallback.
func (s *Store) GetCount(feature string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.kv.GetInt(counterKey(feature))
	if err != nil {
		log.Warn().Err(err).Str("feature", feature).Msg("Failed to read usage counter, treating as 0")
		return 0
	}
	return n
}

// Increment atomically increments the counter for feature, writing through
// to durable storage. Returns the new count.
func (s *Store) Increment(feature string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.kv.Increment(counterKey(feature))
	if err != nil {
		return 0, err
	}
	log.Debug().Str("feature", feature).Int("count", n).Msg("Usage counter incremented")
	return n, nil
}

// GetAllCounts returns every feature counter keyed by feature name.
// The period-start marker is not a counter and is excluded.
func (s *Store) GetAllCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	keys, err := s.kv.KeysWithPrefix(keyPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list usage counters")
		return counts
	}
	for _, key := range keys {
		if key == periodStartKey {
			continue
		}
		n, err := s.kv.GetInt(key)
		if err != nil {
			continue
		}
		counts[strings.TrimPrefix(key, keyPrefix)] = n
	}
	return counts
}

// ResetIfNewPeriod zeroes all counters when the calendar month has advanced
// past the stored period start. Returns true when a reset happened.
// Calling it twice within the same month is a no-op the second time.
func (s *Store) ResetIfNewPeriod() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()

	raw, ok, err := s.kv.Get(periodStartKey)
	if err != nil {
		return false, err
	}
	if !ok {
		// First run: record the period start without touching counters.
		return false, s.kv.Set(periodStartKey, now.Format(periodDateLayout))
	}

	periodStart, parseErr := time.Parse(periodDateLayout, raw)
	if parseErr != nil {
		log.Warn().Str("value", raw).Msg("Corrupt usage period start, resetting counters")
		return true, s.resetLocked(now)
	}

	if sameCalendarMonth(periodStart, now) {
		return false, nil
	}

	log.Info().
		Str("previous_period", raw).
		Str("new_period", now.Format(periodDateLayout)).
		Msg("Monthly usage period rolled over, resetting counters")
	return true, s.resetLocked(now)
}

// ResetAll unconditionally zeroes every counter and restarts the period.
// This is the explicit manual/testing path.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked(s.nowFn())
}

// resetLocked clears all counters and records a new period start.
// Caller must hold s.mu.
func (s *Store) resetLocked(now time.Time) error {
	if err := s.kv.DeleteWithPrefix(keyPrefix); err != nil {
		return err
	}
	return s.kv.Set(periodStartKey, now.Format(periodDateLayout))
}

// PeriodStart returns the stored period start date, zero time if unset.
func (s *Store) PeriodStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.kv.Get(periodStartKey)
	if err != nil || !ok {
		return time.Time{}
	}
	t, parseErr := time.Parse(periodDateLayout, raw)
	if parseErr != nil {
		return time.Time{}
	}
	return t
}

func sameCalendarMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
