package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/internal/roles"
	"go.uber.org/zap"
)

// DemotionOptions controls a validator demotion pass.
type DemotionOptions struct {
	RunID    string
	Stop     func() bool
	Progress ProgressFunc
}

// DemotionResult describes a validator demotion pass.
type DemotionResult struct {
	TotalUsers int      `json:"totalUsers"`
	Checked    int      `json:"checked"`
	Kept       int      `json:"kept"`
	Demoted    int      `json:"demoted"`
	Failed     int      `json:"failed"`
	Stopped    bool     `json:"stopped"`
	Changes    []string `json:"changes,omitempty"`
}

// DemoteValidators checks every member holding a validator tier role. Members
// who no longer own a validator lose those roles and get the regular tier role
// of their current score.
func (e *Engine) DemoteValidators(
	ctx context.Context, guildID snowflake.ID, opts DemotionOptions,
) (*DemotionResult, error) {
	validatorRoles := e.policy.ValidatorRoles()

	members, err := e.guild.MembersWithAnyRole(ctx, guildID, validatorRoles)
	if err != nil {
		return nil, fmt.Errorf("failed to list validator members: %w", err)
	}

	result := &DemotionResult{TotalUsers: len(members)}

	e.logger.Info("Starting validator check",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("members", len(members)))

	for i, listed := range members {
		if shouldStop(ctx, opts.Stop) {
			result.Stopped = true
			break
		}

		if i > 0 {
			if err := e.memberPacer.Wait(ctx); err != nil {
				result.Stopped = true
				break
			}
		}

		result.Checked++
		userID := listed.User.ID

		changes, demoted, err := e.demoteMember(ctx, guildID, userID, opts)

		switch {
		case err != nil:
			result.Failed++
			e.recorder.ObserveUser(SourceValidatorCheck, OutcomeFailed)
			e.logger.Warn("Failed to check validator member",
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))
		case !demoted:
			result.Kept++
			e.recorder.ObserveUser(SourceValidatorCheck, OutcomeKept)
		default:
			result.Demoted++
			e.recorder.ObserveUser(SourceValidatorCheck, OutcomeDemoted)

			for _, change := range changes {
				result.Changes = append(result.Changes, userID.String()+" "+change)
			}
		}

		if opts.Progress != nil {
			opts.Progress(i+1, result.Checked, result.TotalUsers)
		}
	}

	e.logger.Info("Validator check finished",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("checked", result.Checked),
		zap.Int("kept", result.Kept),
		zap.Int("demoted", result.Demoted),
		zap.Int("failed", result.Failed),
		zap.Bool("stopped", result.Stopped))

	return result, ctx.Err()
}

// demoteMember demotes one member if they lost validator ownership.
// Returns the applied changes and whether a demotion happened.
func (e *Engine) demoteMember(
	ctx context.Context, guildID, userID snowflake.ID, opts DemotionOptions,
) ([]string, bool, error) {
	identity := ethos.DiscordIdentity(userID)
	if e.directory.OwnsValidator(ctx, identity) {
		return nil, false, nil
	}

	member, err := e.fetchMember(ctx, guildID, userID)
	if err != nil {
		return nil, false, err
	}

	held := slices.DeleteFunc(slices.Clone(member.RoleIDs), func(id snowflake.ID) bool {
		return !e.policy.IsValidatorRole(id)
	})
	if len(held) == 0 {
		return nil, false, nil
	}

	// Scores may have moved since the validator role was granted
	profile, err := e.directory.ResolveSingle(ctx, identity)
	switch {
	case errors.Is(err, ethos.ErrProfileNotFound):
		profile = ethos.MissingProfile(identity)
	case err != nil:
		return nil, false, fmt.Errorf("failed to resolve profile for %s: %w", userID, err)
	}

	result := &Result{UserID: userID, Profile: profile, Classification: profile.Classify()}
	syncOpts := Options{Source: SourceValidatorCheck, RunID: opts.RunID}

	for _, roleID := range held {
		e.mutate(ctx, guildID, userID, roleID, ActionRemove, profile, syncOpts, result)
	}

	if profile.IsValid() {
		regular := e.policy.TierRole(roles.TierFor(profile.ScoreValue()), false)
		if !slices.Contains(member.RoleIDs, regular) {
			e.mutate(ctx, guildID, userID, regular, ActionAdd, profile, syncOpts, result)
		}
	}

	if result.Failed > 0 {
		return result.Changes, false, fmt.Errorf("%w: %d for %s", ErrRoleChangesFailed, result.Failed, userID)
	}

	return result.Changes, true, nil
}
