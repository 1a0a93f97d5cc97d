package ethos

import "github.com/ethoslink/rolesync/internal/roles"

// Classification describes how a profile is treated for role purposes.
type Classification string

const (
	// ClassMissing means the directory has no profile for the identity.
	ClassMissing Classification = "missing"
	// ClassDefault means the profile exists but was never meaningfully evaluated.
	ClassDefault Classification = "default"
	// ClassValid means the profile carries a real score.
	ClassValid Classification = "valid"
)

// Profile is the canonical reputation data of an identity.
type Profile struct {
	Identity                 Identity
	Score                    *int
	ReviewCount              int
	PositiveReviewPercentage float64
	VouchCount               int
	VouchBalance             float64
	PrimaryAddress           string
	HasProfile               bool
	// Unresolved is set when the lookup failed for reasons other than not-found.
	Unresolved bool
}

// MissingProfile returns the entry used for identities without a profile.
func MissingProfile(identity Identity) *Profile {
	return &Profile{Identity: identity}
}

// Classify returns the classification of the profile.
func (p *Profile) Classify() Classification {
	if p == nil || !p.HasProfile || p.Score == nil {
		return ClassMissing
	}

	if *p.Score == roles.DefaultScore &&
		p.ReviewCount == 0 &&
		p.VouchCount == 0 &&
		p.PrimaryAddress == "" {
		return ClassDefault
	}

	return ClassValid
}

// IsValid reports whether the profile qualifies for tier roles.
func (p *Profile) IsValid() bool {
	return p.Classify() == ClassValid
}

// ScoreValue returns the score or zero when absent.
func (p *Profile) ScoreValue() int {
	if p == nil || p.Score == nil {
		return 0
	}

	return *p.Score
}

// needsAddress reports whether the classification depends on the primary address.
func (p *Profile) needsAddress() bool {
	return p.Identity.Platform == PlatformDiscord &&
		p.Score != nil &&
		*p.Score == roles.DefaultScore &&
		p.ReviewCount == 0 &&
		p.VouchCount == 0 &&
		p.PrimaryAddress == ""
}
