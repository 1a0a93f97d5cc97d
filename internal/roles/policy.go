package roles

import (
	"slices"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/setup/config"
)

// UnknownRoleName is returned by RoleName for ids the policy does not manage.
const UnknownRoleName = "Unknown Role"

// RoleSet is an ordered, deduplicated list of role ids.
type RoleSet []snowflake.ID

// Contains reports whether the set holds id.
func (r RoleSet) Contains(id snowflake.ID) bool {
	return slices.Contains(r, id)
}

// Policy maps profile data to the roles a member should hold.
// It is immutable after construction and safe for concurrent use.
type Policy struct {
	verified  snowflake.ID
	profile   snowflake.ID
	regular   map[Tier]snowflake.ID
	validator map[Tier]snowflake.ID
	names     map[snowflake.ID]string
	managed   []snowflake.ID
}

// NewPolicy builds a policy from the configured role ids.
func NewPolicy(cfg *config.Roles) *Policy {
	p := &Policy{
		verified: snowflake.ID(cfg.Verified),
		profile:  snowflake.ID(cfg.Profile),
		regular: map[Tier]snowflake.ID{
			TierExemplary:    snowflake.ID(cfg.Exemplary),
			TierReputable:    snowflake.ID(cfg.Reputable),
			TierNeutral:      snowflake.ID(cfg.Neutral),
			TierQuestionable: snowflake.ID(cfg.Questionable),
			TierUntrusted:    snowflake.ID(cfg.Untrusted),
		},
		validator: map[Tier]snowflake.ID{
			TierExemplary:    snowflake.ID(cfg.ValidatorExemplary),
			TierReputable:    snowflake.ID(cfg.ValidatorReputable),
			TierNeutral:      snowflake.ID(cfg.ValidatorNeutral),
			TierQuestionable: snowflake.ID(cfg.ValidatorQuestionable),
		},
		names: make(map[snowflake.ID]string),
	}

	p.names[p.verified] = "Verified"
	p.names[p.profile] = "Ethos Profile"

	for _, tier := range AllTiers {
		p.names[p.regular[tier]] = tier.Label()
		if id, ok := p.validator[tier]; ok {
			p.names[id] = "Validator " + tier.Label()
		}
	}

	p.managed = append(p.managed, p.verified, p.profile)
	p.managed = append(p.managed, p.TierRoles()...)

	return p
}

// VerifiedRole returns the baseline role id.
func (p *Policy) VerifiedRole() snowflake.ID {
	return p.verified
}

// ProfileRole returns the indexed-profile role id.
func (p *Policy) ProfileRole() snowflake.ID {
	return p.profile
}

// TierRole returns the role for a tier. Validators get the branded variant when
// the tier has one; the untrusted tier always maps to its regular role.
func (p *Policy) TierRole(tier Tier, hasValidator bool) snowflake.ID {
	if hasValidator {
		if id, ok := p.validator[tier]; ok {
			return id
		}
	}

	return p.regular[tier]
}

// ExpectedRoles computes the role set for a member.
func (p *Policy) ExpectedRoles(score int, hasValidator, hasValidProfile bool) RoleSet {
	set := RoleSet{p.verified}
	if !hasValidProfile {
		return set
	}

	set = appendUnique(set, p.profile)
	set = appendUnique(set, p.TierRole(TierFor(score), hasValidator))

	return set
}

// RegularTierRoles returns the regular tier roles from highest to lowest.
func (p *Policy) RegularTierRoles() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(AllTiers))
	for _, tier := range AllTiers {
		ids = append(ids, p.regular[tier])
	}

	return ids
}

// ValidatorRoles returns the validator tier roles from highest to lowest.
func (p *Policy) ValidatorRoles() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(p.validator))
	for _, tier := range AllTiers {
		if id, ok := p.validator[tier]; ok {
			ids = append(ids, id)
		}
	}

	return ids
}

// TierRoles returns every regular and validator tier role.
func (p *Policy) TierRoles() []snowflake.ID {
	return append(p.RegularTierRoles(), p.ValidatorRoles()...)
}

// IsValidatorRole reports whether id is a validator tier role.
func (p *Policy) IsValidatorRole(id snowflake.ID) bool {
	for _, vid := range p.validator {
		if vid == id {
			return true
		}
	}

	return false
}

// ManagedRoles returns every role the policy may add or remove.
func (p *Policy) ManagedRoles() []snowflake.ID {
	return slices.Clone(p.managed)
}

// IsManaged reports whether the policy controls id.
func (p *Policy) IsManaged(id snowflake.ID) bool {
	return slices.Contains(p.managed, id)
}

// RoleName returns the display name of a managed role.
func (p *Policy) RoleName(id snowflake.ID) string {
	if name, ok := p.names[id]; ok {
		return name
	}

	return UnknownRoleName
}

// Diff compares live roles with the expected set. Only managed roles are ever
// removed; additions follow the expected set's order.
func (p *Policy) Diff(current []snowflake.ID, expected RoleSet) (toRemove, toAdd []snowflake.ID) {
	for _, id := range current {
		if p.IsManaged(id) && !expected.Contains(id) && !slices.Contains(toRemove, id) {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range expected {
		if !slices.Contains(current, id) {
			toAdd = append(toAdd, id)
		}
	}

	return toRemove, toAdd
}

func appendUnique(set RoleSet, id snowflake.ID) RoleSet {
	if set.Contains(id) {
		return set
	}

	return append(set, id)
}
