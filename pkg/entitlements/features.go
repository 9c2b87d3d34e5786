// Package entitlements defines the Arcana tier and feature contracts.
//
// This package is pure data and pure functions: given a subscription tier it
// answers what the tier may do, with no hidden state. Runtime surfaces
// (usage tracking, sync, the facade) live under internal/ and build on it.
package entitlements

import "fmt"

// Feature keys form the vocabulary the evaluator understands.
// These are persisted in usage counters and checked at runtime.
const (
	// Metered features (monthly quota per tier)
	FeatureManualInterpretations = "manual_interpretations" // Manual card interpretation tool
	FeatureJournalEntries        = "journal_entries"        // Personal reading journal

	// Boolean-gated features
	FeatureUnlimitedReadings = "unlimited_readings" // No daily reading cap
	FeatureAudioReadings     = "audio_readings"     // Spoken reading playback
	FeatureAdvancedSpreads   = "advanced_spreads"   // Celtic cross and larger spreads
	FeatureCustomization     = "customization"      // Deck themes and card backs
	FeatureEarlyAccess       = "early_access"       // New spreads/guides before general release
	FeatureAdFree            = "ad_free"            // No interstitial ads
)

// Tier represents a subscription tier.
type Tier string

const (
	TierSeeker Tier = "seeker" // Free
	TierMystic Tier = "mystic" // Paid mid
	TierOracle Tier = "oracle" // Paid premium
)

// AllTiers lists every tier in ascending order. The access table must cover
// exactly this set; see init below.
var AllTiers = []Tier{TierSeeker, TierMystic, TierOracle}

// tierRank orders tiers for upgrade comparisons. Higher rank includes
// everything a lower rank does.
var tierRank = map[Tier]int{
	TierSeeker: 0,
	TierMystic: 1,
	TierOracle: 2,
}

// Known reports whether t is a recognized tier.
func (t Tier) Known() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t grants at least the level of other.
// Unknown tiers rank below seeker (fail closed).
func (t Tier) AtLeast(other Tier) bool {
	tr, ok := tierRank[t]
	if !ok {
		return false
	}
	or, ok := tierRank[other]
	if !ok {
		return false
	}
	return tr >= or
}

// Unlimited is the sentinel quota meaning "no monthly cap".
const Unlimited = -1

// Spread identifiers gated by tier.
const (
	SpreadSingleCard  = "single_card"
	SpreadThreeCard   = "three_card"
	SpreadFiveCard    = "five_card"
	SpreadCelticCross = "celtic_cross"
	SpreadYearAhead   = "year_ahead"
)

// Guide personas gated by tier.
const (
	GuideLuna    = "luna"    // Default guide, all tiers
	GuideSage    = "sage"    // Scholarly readings
	GuideRaven   = "raven"   // Shadow-work readings
	GuideSeraphe = "seraphe" // Premium-only guide
)

// FeatureAccess is the capability and limit set derived from a tier.
// It is a value object: computed purely from the tier, never mutated.
type FeatureAccess struct {
	AllowedSpreads           map[string]bool
	AllowedGuides            map[string]bool
	MaxJournalEntries        int // Unlimited for no cap
	MaxManualInterpretations int // per calendar month; Unlimited for no cap
	AdFree                   bool
	AudioReadings            bool
	AdvancedSpreads          bool
	Customization            bool
	EarlyAccess              bool
}

func spreadSet(spreads ...string) map[string]bool {
	set := make(map[string]bool, len(spreads))
	for _, s := range spreads {
		set[s] = true
	}
	return set
}

// seekerAccess is the free baseline every user keeps after a downgrade.
var seekerAccess = FeatureAccess{
	AllowedSpreads:           spreadSet(SpreadSingleCard, SpreadThreeCard),
	AllowedGuides:            spreadSet(GuideLuna),
	MaxJournalEntries:        30,
	MaxManualInterpretations: 5,
}

var mysticAccess = FeatureAccess{
	AllowedSpreads:           spreadSet(SpreadSingleCard, SpreadThreeCard, SpreadFiveCard, SpreadCelticCross),
	AllowedGuides:            spreadSet(GuideLuna, GuideSage, GuideRaven),
	MaxJournalEntries:        Unlimited,
	MaxManualInterpretations: Unlimited,
	AdFree:                   true,
	AudioReadings:            true,
	AdvancedSpreads:          true,
}

var oracleAccess = FeatureAccess{
	AllowedSpreads:           spreadSet(SpreadSingleCard, SpreadThreeCard, SpreadFiveCard, SpreadCelticCross, SpreadYearAhead),
	AllowedGuides:            spreadSet(GuideLuna, GuideSage, GuideRaven, GuideSeraphe),
	MaxJournalEntries:        Unlimited,
	MaxManualInterpretations: Unlimited,
	AdFree:                   true,
	AudioReadings:            true,
	AdvancedSpreads:          true,
	Customization:            true,
	EarlyAccess:              true,
}

// tierAccess maps each tier to its capability set.
var tierAccess = map[Tier]FeatureAccess{
	TierSeeker: seekerAccess,
	TierMystic: mysticAccess,
	TierOracle: oracleAccess,
}

// The table must stay exhaustive over AllTiers. A missing row is a
// programming error caught at process start, not a runtime default.
func init() {
	for _, tier := range AllTiers {
		if _, ok := tierAccess[tier]; !ok {
			panic(fmt.Sprintf("entitlements: no access table row for tier %q", tier))
		}
	}
}

// AccessForTier returns the capability set for the given tier.
// Unknown tiers resolve to seeker access (fail closed to the free baseline).
func AccessForTier(tier Tier) FeatureAccess {
	if access, ok := tierAccess[tier]; ok {
		return access
	}
	return seekerAccess
}

// TierHasFeature checks if a tier includes a boolean-gated feature.
// Metered features are "included" when the tier has any quota for them.
func TierHasFeature(tier Tier, feature string) bool {
	access := AccessForTier(tier)
	switch feature {
	case FeatureManualInterpretations:
		return access.MaxManualInterpretations != 0
	case FeatureJournalEntries:
		return access.MaxJournalEntries != 0
	case FeatureUnlimitedReadings:
		return access.MaxManualInterpretations == Unlimited
	case FeatureAudioReadings:
		return access.AudioReadings
	case FeatureAdvancedSpreads:
		return access.AdvancedSpreads
	case FeatureCustomization:
		return access.Customization
	case FeatureEarlyAccess:
		return access.EarlyAccess
	case FeatureAdFree:
		return access.AdFree
	default:
		return false
	}
}

// MinTierFor returns the lowest tier that includes the given feature and
// whether any tier includes it at all.
func MinTierFor(feature string) (Tier, bool) {
	for _, tier := range AllTiers {
		if TierHasFeature(tier, feature) {
			return tier, true
		}
	}
	return "", false
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierSeeker:
		return "Seeker"
	case TierMystic:
		return "Mystic"
	case TierOracle:
		return "Oracle"
	default:
		return "Unknown"
	}
}

// GetFeatureDisplayName returns a human-readable name for a feature.
func GetFeatureDisplayName(feature string) string {
	switch feature {
	case FeatureManualInterpretations:
		return "Manual Interpretations"
	case FeatureJournalEntries:
		return "Reading Journal"
	case FeatureUnlimitedReadings:
		return "Unlimited Readings"
	case FeatureAudioReadings:
		return "Audio Readings"
	case FeatureAdvancedSpreads:
		return "Advanced Spreads"
	case FeatureCustomization:
		return "Deck Customization"
	case FeatureEarlyAccess:
		return "Early Access"
	case FeatureAdFree:
		return "Ad-Free Experience"
	default:
		return feature
	}
}
