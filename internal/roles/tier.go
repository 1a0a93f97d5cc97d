package roles

// Tier is one of the five score bands.
type Tier int

const (
	TierUntrusted Tier = iota
	TierQuestionable
	TierNeutral
	TierReputable
	TierExemplary
)

// Inclusive lower bounds of each band.
const (
	ExemplaryMin    = 2000
	ReputableMin    = 1600
	NeutralMin      = 1200
	QuestionableMin = 800
)

// DefaultScore is the score the directory assigns to profiles it has not evaluated.
const DefaultScore = NeutralMin

// AllTiers lists tiers from highest to lowest.
var AllTiers = []Tier{TierExemplary, TierReputable, TierNeutral, TierQuestionable, TierUntrusted}

// TierFor maps a score to its band.
func TierFor(score int) Tier {
	switch {
	case score >= ExemplaryMin:
		return TierExemplary
	case score >= ReputableMin:
		return TierReputable
	case score >= NeutralMin:
		return TierNeutral
	case score >= QuestionableMin:
		return TierQuestionable
	default:
		return TierUntrusted
	}
}

// String returns the lowercase tier key.
func (t Tier) String() string {
	switch t {
	case TierExemplary:
		return "exemplary"
	case TierReputable:
		return "reputable"
	case TierNeutral:
		return "neutral"
	case TierQuestionable:
		return "questionable"
	case TierUntrusted:
		return "untrusted"
	default:
		return "unknown"
	}
}

// Label returns the display name of the tier.
func (t Tier) Label() string {
	switch t {
	case TierExemplary:
		return "Exemplary"
	case TierReputable:
		return "Reputable"
	case TierNeutral:
		return "Neutral"
	case TierQuestionable:
		return "Questionable"
	case TierUntrusted:
		return "Untrusted"
	default:
		return "Unknown"
	}
}

// Color returns the embed color of the tier.
func (t Tier) Color() int {
	switch t {
	case TierExemplary:
		return 0x127F31
	case TierReputable:
		return 0x2E7BC3
	case TierNeutral:
		return 0xC1C0B6
	case TierQuestionable:
		return 0xCC9A1A
	default:
		return 0xB72B38
	}
}

// HasValidatorVariant reports whether validators get a branded role in this tier.
func (t Tier) HasValidatorVariant() bool {
	return t != TierUntrusted
}

// ScoreLabel returns the display label for a score.
func ScoreLabel(score int) string {
	return TierFor(score).Label()
}

// ScoreColor returns the embed color for a score.
func ScoreColor(score int) int {
	return TierFor(score).Color()
}
