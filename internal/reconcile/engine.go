package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/discord/rate"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/internal/roles"
	"github.com/ethoslink/rolesync/pkg/utils"
	"go.uber.org/zap"
)

var (
	// ErrMemberNotFound is returned when the user is not a member of the guild.
	ErrMemberNotFound = errors.New("member not found")
	// ErrRoleChangesFailed is returned when some role mutations of a member failed.
	ErrRoleChangesFailed = errors.New("role changes failed")
)

// Sources identify what triggered a reconciliation.
const (
	SourceVerify         = "verify"
	SourceForceSync      = "force_sync"
	SourceSync           = "sync"
	SourceBatchSync      = "batch_sync"
	SourceValidatorCheck = "validator_check"
)

// Guild reads members and mutates their roles.
type Guild interface {
	GetMember(ctx context.Context, guildID, userID snowflake.ID) (*discord.Member, error)
	MembersWithAnyRole(ctx context.Context, guildID snowflake.ID, roleIDs []snowflake.ID) ([]discord.Member, error)
	AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID, reason string) error
}

// Directory resolves profiles and validator ownership.
type Directory interface {
	ResolveSingle(ctx context.Context, identity ethos.Identity) (*ethos.Profile, error)
	ResolveBatch(ctx context.Context, identities []ethos.Identity) (map[string]*ethos.Profile, error)
	OwnsValidator(ctx context.Context, identity ethos.Identity) bool
}

// SyncCache remembers recently synced users.
type SyncCache interface {
	IsFresh(ctx context.Context, userID snowflake.ID) bool
	MarkSynced(ctx context.Context, userID snowflake.ID) error
	Clear(ctx context.Context, userID snowflake.ID) error
}

// Params holds the dependencies and tunables of an Engine.
type Params struct {
	Guild     Guild
	Directory Directory
	Cache     SyncCache
	Policy    *roles.Policy
	Clock     utils.Clock
	Ledger    Ledger
	Recorder  Recorder
	Logger    *zap.Logger

	MemberDelay          time.Duration
	RoleDelay            time.Duration
	BatchDelay           time.Duration
	BatchSize            int
	ValidatorConcurrency int
}

// Engine reconciles guild roles with directory profiles.
// Role mutations are applied one at a time; only validator lookups fan out.
type Engine struct {
	guild                Guild
	directory            Directory
	cache                SyncCache
	policy               *roles.Policy
	clock                utils.Clock
	ledger               Ledger
	recorder             Recorder
	memberPacer          *rate.Limiter
	rolePacer            *rate.Limiter
	batchDelay           time.Duration
	batchSize            int
	validatorConcurrency int
	logger               *zap.Logger
}

// Options controls a single-user sync.
type Options struct {
	// Force bypasses and clears the sync record.
	Force  bool
	Source string
	RunID  string
}

// Result describes the outcome of a single-user sync.
type Result struct {
	UserID         snowflake.ID
	Skipped        bool
	Changes        []string
	Failed         int
	Profile        *ethos.Profile
	Classification ethos.Classification
	Validator      bool
}

// New creates an engine.
func New(p Params) *Engine {
	if p.Clock == nil {
		p.Clock = utils.RealClock()
	}

	if p.Ledger == nil {
		p.Ledger = NopLedger{}
	}

	if p.Recorder == nil {
		p.Recorder = NopRecorder{}
	}

	if p.BatchSize <= 0 {
		p.BatchSize = 500
	}

	if p.ValidatorConcurrency <= 0 {
		p.ValidatorConcurrency = 1
	}

	e := &Engine{
		guild:                p.Guild,
		directory:            p.Directory,
		cache:                p.Cache,
		policy:               p.Policy,
		clock:                p.Clock,
		ledger:               p.Ledger,
		recorder:             p.Recorder,
		memberPacer:          rate.New(p.MemberDelay, p.MemberDelay/5, p.Clock),
		rolePacer:            rate.New(p.RoleDelay, p.RoleDelay/5, p.Clock),
		batchDelay:           p.BatchDelay,
		batchSize:            p.BatchSize,
		validatorConcurrency: p.ValidatorConcurrency,
		logger:               p.Logger.Named("reconcile"),
	}

	e.logger.Debug("Engine pacing",
		zap.Duration("memberInterval", e.memberPacer.Interval()),
		zap.Duration("roleInterval", e.rolePacer.Interval()),
		zap.Duration("batchDelay", e.batchDelay),
		zap.Int("batchSize", e.batchSize))

	return e
}

// Policy returns the role policy of the engine.
func (e *Engine) Policy() *roles.Policy {
	return e.policy
}

// SyncUser reconciles one member. A fresh sync record skips the user unless forced.
func (e *Engine) SyncUser(ctx context.Context, guildID, userID snowflake.ID, opts Options) (*Result, error) {
	if opts.Source == "" {
		opts.Source = SourceSync
	}

	if opts.Force {
		if err := e.cache.Clear(ctx, userID); err != nil {
			e.logger.Warn("Failed to clear sync record",
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))
		}
	} else if e.cache.IsFresh(ctx, userID) {
		e.recorder.ObserveUser(opts.Source, OutcomeSkipped)
		return &Result{UserID: userID, Skipped: true}, nil
	}

	member, err := e.fetchMember(ctx, guildID, userID)
	if err != nil {
		e.recorder.ObserveUser(opts.Source, OutcomeFailed)
		return nil, err
	}

	identity := ethos.DiscordIdentity(userID)

	profile, err := e.directory.ResolveSingle(ctx, identity)
	switch {
	case errors.Is(err, ethos.ErrProfileNotFound):
		profile = ethos.MissingProfile(identity)
	case err != nil:
		e.recorder.ObserveUser(opts.Source, OutcomeFailed)
		return nil, fmt.Errorf("failed to resolve profile for %s: %w", userID, err)
	}

	return e.apply(ctx, guildID, member, profile, nil, opts), nil
}

// fetchMember reads the live roles of a member.
func (e *Engine) fetchMember(ctx context.Context, guildID, userID snowflake.ID) (*discord.Member, error) {
	member, err := e.guild.GetMember(ctx, guildID, userID)
	if err != nil {
		if api.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
		}

		return nil, fmt.Errorf("failed to fetch member %s: %w", userID, err)
	}

	return member, nil
}

// apply diffs the member's live roles against the policy and applies the
// difference, removals first. A nil validator means it is looked up here.
func (e *Engine) apply(
	ctx context.Context, guildID snowflake.ID, member *discord.Member, profile *ethos.Profile,
	validator *bool, opts Options,
) *Result {
	userID := member.User.ID
	class := profile.Classify()

	result := &Result{
		UserID:         userID,
		Profile:        profile,
		Classification: class,
	}

	if class == ethos.ClassValid {
		if validator != nil {
			result.Validator = *validator
		} else {
			result.Validator = e.directory.OwnsValidator(ctx, profile.Identity)
		}
	}

	expected := e.policy.ExpectedRoles(profile.ScoreValue(), result.Validator, class == ethos.ClassValid)
	toRemove, toAdd := e.policy.Diff(member.RoleIDs, expected)

	for _, roleID := range toRemove {
		e.mutate(ctx, guildID, userID, roleID, ActionRemove, profile, opts, result)
	}

	for _, roleID := range toAdd {
		e.mutate(ctx, guildID, userID, roleID, ActionAdd, profile, opts, result)
	}

	if err := e.cache.MarkSynced(ctx, userID); err != nil {
		e.logger.Warn("Failed to mark user synced",
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))
	}

	switch {
	case result.Failed > 0:
		e.recorder.ObserveUser(opts.Source, OutcomeFailed)
	case len(result.Changes) > 0:
		e.recorder.ObserveUser(opts.Source, OutcomeChanged)
	default:
		e.recorder.ObserveUser(opts.Source, OutcomeUnchanged)
	}

	if len(result.Changes) > 0 || result.Failed > 0 {
		e.logger.Info("Reconciled member roles",
			zap.Uint64("userID", uint64(userID)),
			zap.String("classification", string(class)),
			zap.Int("score", profile.ScoreValue()),
			zap.Bool("validator", result.Validator),
			zap.Strings("changes", result.Changes),
			zap.Int("failed", result.Failed))
	}

	return result
}

// mutate applies one role change with pacing. Failures are counted, not returned.
func (e *Engine) mutate(
	ctx context.Context, guildID, userID, roleID snowflake.ID, action Action,
	profile *ethos.Profile, opts Options, result *Result,
) {
	if err := e.rolePacer.Wait(ctx); err != nil {
		result.Failed++
		return
	}

	reason := "Ethos role sync (" + opts.Source + ")"
	name := e.policy.RoleName(roleID)

	var err error
	if action == ActionRemove {
		err = e.guild.RemoveRole(ctx, guildID, userID, roleID, reason)
	} else {
		err = e.guild.AddRole(ctx, guildID, userID, roleID, reason)
	}

	e.recorder.ObserveRoleChange(action, err == nil)

	if err != nil {
		result.Failed++
		e.logger.Warn("Failed to apply role change",
			zap.Uint64("userID", uint64(userID)),
			zap.String("role", name),
			zap.String("action", string(action)),
			zap.Error(err))

		return
	}

	result.Changes = append(result.Changes, action.Symbol()+name)

	e.record(ctx, Change{
		GuildID:   guildID,
		UserID:    userID,
		RoleID:    roleID,
		RoleName:  name,
		Action:    action,
		Source:    opts.Source,
		RunID:     opts.RunID,
		Score:     profile.Score,
		AppliedAt: e.clock.Now(),
	})
}

// record forwards a change to the ledger; ledger failures are logged only.
func (e *Engine) record(ctx context.Context, change Change) {
	if err := e.ledger.Record(ctx, change); err != nil {
		e.logger.Warn("Failed to record role change",
			zap.Uint64("userID", uint64(change.UserID)),
			zap.String("role", change.RoleName),
			zap.Error(err))
	}
}
