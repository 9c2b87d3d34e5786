// Package entitlements is the single entry point feature code uses to ask
// "can I do X" and to consume metered usage.
//
// It composes the pure evaluator from pkg/entitlements with the usage store
// and the subscription manager. Storage and platform failures never surface
// here as hard errors: decisions degrade to the cached or free-tier baseline.
package entitlements

import (
	"github.com/rs/zerolog/log"

	"github.com/arcanalabs/arcana/internal/billing"
	"github.com/arcanalabs/arcana/internal/metrics"
	"github.com/arcanalabs/arcana/internal/subscription"
	"github.com/arcanalabs/arcana/internal/usage"
	pkgent "github.com/arcanalabs/arcana/pkg/entitlements"
)

// Service answers entitlement questions for the rest of the app.
type Service struct {
	manager   *subscription.Manager
	usage     *usage.Store
	evaluator *pkgent.Evaluator
}

// NewService creates the entitlement facade.
func NewService(manager *subscription.Manager, usageStore *usage.Store) *Service {
	return &Service{
		manager:   manager,
		usage:     usageStore,
		evaluator: pkgent.NewEvaluator(),
	}
}

// CurrentTier returns the tier of the cached subscription status.
func (s *Service) CurrentTier() pkgent.Tier {
	return s.manager.Current().Tier
}

// HasAtLeastTier reports whether the current tier grants at least the given
// tier's level.
func (s *Service) HasAtLeastTier(tier pkgent.Tier) bool {
	return s.CurrentTier().AtLeast(tier)
}

// CanPerformReading reports whether a new card reading may start.
// Readings themselves are not metered; every tier can read.
func (s *Service) CanPerformReading() bool {
	return true
}

// CanUseSpread checks the requested spread against the current tier.
func (s *Service) CanUseSpread(spread string) bool {
	return s.evaluator.CanAccessSpread(s.CurrentTier(), spread)
}

// CanUseGuide checks the requested guide persona against the current tier.
func (s *Service) CanUseGuide(guide string) bool {
	return s.evaluator.CanAccessGuide(s.CurrentTier(), guide)
}

// CanPerformManualInterpretation checks the manual interpretation quota
// without consuming it.
func (s *Service) CanPerformManualInterpretation() bool {
	return s.check(pkgent.FeatureManualInterpretations).Allowed()
}

// CanAddJournalEntry checks the journal quota without consuming it.
func (s *Service) CanAddJournalEntry() bool {
	return s.check(pkgent.FeatureJournalEntries).Allowed()
}

// CanAccessFeature checks a boolean-gated feature. Unknown keys are denied.
func (s *Service) CanAccessFeature(feature string) bool {
	return s.evaluator.CanAccessFeature(s.CurrentTier(), feature)
}

// ValidateAndConsumeUsage evaluates an action and, when allowed, increments
// its usage counter. Returns false on denial or when the increment cannot be
// recorded (fail closed: an uncounted grant would leak quota).
func (s *Service) ValidateAndConsumeUsage(action string) bool {
	eval := s.check(action)
	if !eval.Allowed() {
		return false
	}

	if _, err := s.usage.Increment(action); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Denying action: usage could not be recorded")
		return false
	}
	metrics.UsageIncrementsTotal.WithLabelValues(action).Inc()
	return true
}

// ShouldShowAds reports whether the current tier still sees ads.
func (s *Service) ShouldShowAds() bool {
	return !pkgent.AccessForTier(s.CurrentTier()).AdFree
}

// UpgradeRequirementFor returns the lowest tier that would grant the feature
// (or lift its monthly cap), or nil when the current tier already grants it
// or when no tier does.
func (s *Service) UpgradeRequirementFor(feature string) *pkgent.Tier {
	tier := s.CurrentTier()

	switch feature {
	case pkgent.FeatureManualInterpretations, pkgent.FeatureJournalEntries:
		// Metered: an upgrade helps whenever the current quota is finite.
		if meteredLimit(tier, feature) == pkgent.Unlimited {
			return nil
		}
		for _, candidate := range pkgent.AllTiers {
			if candidate != tier && candidate.AtLeast(tier) && meteredLimit(candidate, feature) == pkgent.Unlimited {
				return &candidate
			}
		}
		return nil
	}

	if s.evaluator.CanAccessFeature(tier, feature) {
		return nil
	}
	required, ok := pkgent.MinTierFor(feature)
	if !ok {
		return nil
	}
	return &required
}

// meteredLimit returns the tier's monthly cap for a metered feature.
func meteredLimit(tier pkgent.Tier, feature string) int {
	access := pkgent.AccessForTier(tier)
	switch feature {
	case pkgent.FeatureManualInterpretations:
		return access.MaxManualInterpretations
	case pkgent.FeatureJournalEntries:
		return access.MaxJournalEntries
	default:
		return 0
	}
}

// Remaining returns remaining monthly quota for a metered feature.
func (s *Service) Remaining(feature string) int {
	return s.evaluator.RemainingUsage(s.CurrentTier(), feature, s.usage)
}

// IsApproachingLimit reports whether the remaining quota warrants a warning.
func (s *Service) IsApproachingLimit(feature string) bool {
	return s.evaluator.IsApproachingLimit(s.CurrentTier(), feature, s.usage)
}

// check evaluates an action against the current tier and usage, recording
// the decision metric.
func (s *Service) check(action string) pkgent.Evaluation {
	eval := s.evaluator.CanPerformAction(s.CurrentTier(), action, s.usage)
	metrics.DecisionsTotal.WithLabelValues(string(eval.Decision)).Inc()
	if !eval.Allowed() {
		log.Debug().
			Str("action", action).
			Str("decision", string(eval.Decision)).
			Str("tier", string(s.CurrentTier())).
			Msg("Entitlement denied")
	}
	return eval
}

// Summary is the status view surfaced to UI and CLI consumers.
type Summary struct {
	Tier            pkgent.Tier     `json:"tier"`
	TierDisplayName string          `json:"tier_display_name"`
	IsActive        bool            `json:"is_active"`
	ExpiresAt       *string         `json:"expires_at,omitempty"`
	SyncState       string          `json:"sync_state"`
	ShowAds         bool            `json:"show_ads"`
	UsageCounts     map[string]int  `json:"usage_counts"`
	Remaining       map[string]int  `json:"remaining"`
	Features        map[string]bool `json:"features"`
	Status          billing.Status  `json:"-"`
}

// Summarize builds the current entitlement summary.
func (s *Service) Summarize() Summary {
	status := s.manager.Current()
	state, _ := s.manager.State()
	tier := status.Tier

	var expires *string
	if status.ExpirationDate != nil {
		v := status.ExpirationDate.Format("2006-01-02T15:04:05Z07:00")
		expires = &v
	}

	features := map[string]bool{
		pkgent.FeatureUnlimitedReadings: pkgent.TierHasFeature(tier, pkgent.FeatureUnlimitedReadings),
		pkgent.FeatureAudioReadings:     pkgent.TierHasFeature(tier, pkgent.FeatureAudioReadings),
		pkgent.FeatureAdvancedSpreads:   pkgent.TierHasFeature(tier, pkgent.FeatureAdvancedSpreads),
		pkgent.FeatureCustomization:     pkgent.TierHasFeature(tier, pkgent.FeatureCustomization),
		pkgent.FeatureEarlyAccess:       pkgent.TierHasFeature(tier, pkgent.FeatureEarlyAccess),
		pkgent.FeatureAdFree:            pkgent.TierHasFeature(tier, pkgent.FeatureAdFree),
	}

	return Summary{
		Tier:            tier,
		TierDisplayName: pkgent.GetTierDisplayName(tier),
		IsActive:        status.IsActive,
		ExpiresAt:       expires,
		SyncState:       string(state),
		ShowAds:         s.ShouldShowAds(),
		UsageCounts:     s.usage.GetAllCounts(),
		Remaining: map[string]int{
			pkgent.FeatureManualInterpretations: s.Remaining(pkgent.FeatureManualInterpretations),
			pkgent.FeatureJournalEntries:        s.Remaining(pkgent.FeatureJournalEntries),
		},
		Features: features,
		Status:   status,
	}
}
