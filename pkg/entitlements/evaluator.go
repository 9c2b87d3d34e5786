package entitlements

// UsageSource provides current usage counts from any backing store.
type UsageSource interface {
	GetCount(feature string) int
}

// Decision is the outcome of an entitlement check.
type Decision string

const (
	// Allowed means the action may proceed.
	Allowed Decision = "allowed"
	// DeniedByTier means a higher tier is required; Evaluation.RequiredTier
	// names the lowest tier that would grant the action.
	DeniedByTier Decision = "denied_by_tier"
	// DeniedByUsageLimit means the monthly quota is exhausted.
	DeniedByUsageLimit Decision = "denied_by_usage_limit"
	// DeniedUnknown means the key is not in the catalog. Unknown keys are
	// always denied so a mistyped key can never silently grant access.
	DeniedUnknown Decision = "denied_unknown_key"
)

// Evaluation is the full result of CanPerformAction.
type Evaluation struct {
	Decision     Decision
	RequiredTier Tier // set for DeniedByTier
	Remaining    int  // remaining quota for metered actions; Unlimited if uncapped
}

// Allowed reports whether the evaluation permits the action.
func (e Evaluation) Allowed() bool {
	return e.Decision == Allowed
}

// warningThreshold is the remaining-quota level at which callers should
// surface an "approaching limit" hint.
const warningThreshold = 1

// Evaluator decides allow/deny for tier- and quota-gated actions.
// It is stateless; tier and usage are supplied per call.
type Evaluator struct{}

// NewEvaluator creates an entitlement evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// meteredQuota returns the quota for a metered feature under access,
// and whether the feature is metered at all.
func meteredQuota(access FeatureAccess, feature string) (int, bool) {
	switch feature {
	case FeatureManualInterpretations:
		return access.MaxManualInterpretations, true
	case FeatureJournalEntries:
		return access.MaxJournalEntries, true
	default:
		return 0, false
	}
}

// knownFeature reports whether the key exists in the catalog vocabulary.
func knownFeature(feature string) bool {
	switch feature {
	case FeatureManualInterpretations, FeatureJournalEntries,
		FeatureUnlimitedReadings, FeatureAudioReadings,
		FeatureAdvancedSpreads, FeatureCustomization,
		FeatureEarlyAccess, FeatureAdFree:
		return true
	default:
		return false
	}
}

// CanAccessFeature checks whether the tier includes the feature at all.
// Quota state is not consulted; use CanPerformAction for metered actions.
// Unknown keys return false.
func (ev *Evaluator) CanAccessFeature(tier Tier, feature string) bool {
	if !knownFeature(feature) {
		return false
	}
	return TierHasFeature(tier, feature)
}

// CanAccessSpread checks spread membership in the tier's allowed set.
func (ev *Evaluator) CanAccessSpread(tier Tier, spread string) bool {
	return AccessForTier(tier).AllowedSpreads[spread]
}

// CanAccessGuide checks guide persona membership in the tier's allowed set.
func (ev *Evaluator) CanAccessGuide(tier Tier, guide string) bool {
	return AccessForTier(tier).AllowedGuides[guide]
}

// CanPerformAction evaluates a consuming action against tier and usage.
// For metered actions it compares the current count against the tier quota;
// an Unlimited quota never denies. Unknown action keys fail closed.
func (ev *Evaluator) CanPerformAction(tier Tier, action string, usage UsageSource) Evaluation {
	if !knownFeature(action) {
		return Evaluation{Decision: DeniedUnknown}
	}

	access := AccessForTier(tier)
	quota, metered := meteredQuota(access, action)
	if !metered {
		// Boolean-gated action: tier membership decides.
		if TierHasFeature(tier, action) {
			return Evaluation{Decision: Allowed, Remaining: Unlimited}
		}
		return Evaluation{Decision: DeniedByTier, RequiredTier: requiredTierFor(action)}
	}

	if quota == Unlimited {
		return Evaluation{Decision: Allowed, Remaining: Unlimited}
	}
	if quota == 0 {
		return Evaluation{Decision: DeniedByTier, RequiredTier: requiredTierFor(action)}
	}

	count := 0
	if usage != nil {
		count = usage.GetCount(action)
	}
	remaining := quota - count
	if remaining <= 0 {
		return Evaluation{Decision: DeniedByUsageLimit, Remaining: 0}
	}
	return Evaluation{Decision: Allowed, Remaining: remaining}
}

// RemainingUsage returns max(0, quota - used) for metered features, or
// Unlimited for uncapped quotas. Unknown and non-metered keys report 0
// remaining (fail closed).
func (ev *Evaluator) RemainingUsage(tier Tier, feature string, usage UsageSource) int {
	quota, metered := meteredQuota(AccessForTier(tier), feature)
	if !metered {
		return 0
	}
	if quota == Unlimited {
		return Unlimited
	}
	count := 0
	if usage != nil {
		count = usage.GetCount(feature)
	}
	remaining := quota - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsApproachingLimit reports whether remaining quota is at or below the
// warning threshold. Always false for unlimited quotas.
func (ev *Evaluator) IsApproachingLimit(tier Tier, feature string, usage UsageSource) bool {
	remaining := ev.RemainingUsage(tier, feature, usage)
	if remaining == Unlimited {
		return false
	}
	quota, metered := meteredQuota(AccessForTier(tier), feature)
	if !metered || quota <= 0 {
		return false
	}
	return remaining <= warningThreshold
}

// requiredTierFor resolves the lowest tier granting a feature, defaulting
// to oracle when no tier includes it (nothing lower could help).
func requiredTierFor(feature string) Tier {
	if tier, ok := MinTierFor(feature); ok {
		return tier
	}
	return TierOracle
}
