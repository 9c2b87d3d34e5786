// Package billing defines the subscription status source boundary.
//
// The real platform billing integration (App Store / Play Billing) lives on
// the other side of this seam; this package ships a file-backed simulated
// source for development and tests.
package billing

import (
	"time"

	"github.com/arcanalabs/arcana/pkg/entitlements"
)

// Status is a snapshot of the platform-side subscription state.
// Snapshots are replaced wholesale on every sync, purchase, restore, or
// downgrade; they are never partially mutated.
type Status struct {
	Tier                   entitlements.Tier `json:"tier"`
	IsActive               bool              `json:"is_active"`
	ExpirationDate         *time.Time        `json:"expiration_date,omitempty"`
	PlatformSubscriptionID string            `json:"platform_subscription_id,omitempty"`

	// UsageCounts is a display copy; the usage store remains the source
	// of truth for quota decisions.
	UsageCounts map[string]int `json:"usage_counts,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// DefaultStatus is the fail-closed baseline used when no cached or fetched
// status exists: free tier, active, no expiry.
func DefaultStatus(now time.Time) Status {
	return Status{
		Tier:        entitlements.TierSeeker,
		IsActive:    true,
		LastUpdated: now,
	}
}

// IsLapsedAt reports whether the snapshot no longer entitles its paid tier.
// A paid tier can lapse two ways: the subscription was canceled or revoked
// (inactive), or its expiration date passed. Either way the only terminal
// state is the seeker baseline; inactive paid snapshots are never cached
// as-is.
func (s Status) IsLapsedAt(now time.Time) bool {
	if s.Tier == entitlements.TierSeeker {
		return false
	}
	if !s.IsActive {
		return true
	}
	return s.ExpirationDate != nil && s.ExpirationDate.Before(now)
}

// Downgraded returns the snapshot produced by a graceful downgrade:
// seeker tier, active, no expiry, usage counts preserved.
func (s Status) Downgraded(now time.Time) Status {
	return Status{
		Tier:        entitlements.TierSeeker,
		IsActive:    true,
		UsageCounts: s.UsageCounts,
		LastUpdated: now,
	}
}
