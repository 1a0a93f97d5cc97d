package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ProgressFunc reports the next index, users processed so far and the total.
type ProgressFunc func(nextIndex, processed, total int)

// ChunkOptions controls a resumable guild pass.
type ChunkOptions struct {
	StartIndex int
	// ChunkSize of zero processes every remaining user.
	ChunkSize int
	// MaxDuration of zero disables the wall-clock budget.
	MaxDuration time.Duration
	Force       bool
	Source      string
	RunID       string
	Stop        func() bool
	Progress    ProgressFunc
	// Members reuses the snapshot returned by an earlier chunk of the same
	// run. Nil lists the guild.
	Members []discord.Member
}

// ChunkResult describes how far a guild pass got.
type ChunkResult struct {
	Completed  bool `json:"completed"`
	NextIndex  int  `json:"nextIndex"`
	TotalUsers int  `json:"totalUsers"`
	Processed  int  `json:"processed"`
	Changed    int  `json:"changed"`
	Skipped    int  `json:"skipped"`
	Failed     int  `json:"failed"`
	Stopped    bool `json:"stopped"`
	TimedOut   bool `json:"timedOut"`
	// Members is the snapshot the chunk walked.
	Members []discord.Member `json:"-"`
}

// BatchOptions controls a batch-optimized guild pass.
type BatchOptions struct {
	Force    bool
	Source   string
	RunID    string
	Stop     func() bool
	Progress ProgressFunc
}

// BatchResult describes a batch-optimized guild pass.
type BatchResult struct {
	TotalUsers int  `json:"totalUsers"`
	Batches    int  `json:"batches"`
	Processed  int  `json:"processed"`
	Changed    int  `json:"changed"`
	Skipped    int  `json:"skipped"`
	Failed     int  `json:"failed"`
	Stopped    bool `json:"stopped"`
}

// candidates returns the verified members in member-list order.
func (e *Engine) candidates(ctx context.Context, guildID snowflake.ID) ([]discord.Member, error) {
	members, err := e.guild.MembersWithAnyRole(ctx, guildID, []snowflake.ID{e.policy.VerifiedRole()})
	if err != nil {
		return nil, fmt.Errorf("failed to list verified members: %w", err)
	}

	return members, nil
}

// ReconcileGuild syncs verified members from StartIndex for at most ChunkSize users.
// It returns early with the resume index when stopped or when the budget runs out.
func (e *Engine) ReconcileGuild(ctx context.Context, guildID snowflake.ID, opts ChunkOptions) (*ChunkResult, error) {
	if opts.Source == "" {
		opts.Source = SourceSync
	}

	members := opts.Members
	if members == nil {
		listed, err := e.candidates(ctx, guildID)
		if err != nil {
			return nil, err
		}

		members = listed
	}

	total := len(members)
	start := min(max(opts.StartIndex, 0), total)

	end := total
	if opts.ChunkSize > 0 {
		end = min(start+opts.ChunkSize, total)
	}

	var deadline time.Time
	if opts.MaxDuration > 0 {
		deadline = e.clock.Now().Add(opts.MaxDuration)
	}

	result := &ChunkResult{
		NextIndex:  start,
		TotalUsers: total,
		Members:    members,
	}

	e.logger.Info("Starting guild pass",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("startIndex", start),
		zap.Int("endIndex", end),
		zap.Int("totalUsers", total))

	paced := false

	for i := start; i < end; i++ {
		if shouldStop(ctx, opts.Stop) {
			result.Stopped = true
			break
		}

		if !deadline.IsZero() && !e.clock.Now().Before(deadline) {
			result.TimedOut = true
			break
		}

		if paced {
			if err := e.memberPacer.Wait(ctx); err != nil {
				result.Stopped = true
				break
			}
		}

		userID := members[i].User.ID
		syncOpts := Options{Force: opts.Force, Source: opts.Source, RunID: opts.RunID}

		res, err := e.SyncUser(ctx, guildID, userID, syncOpts)

		result.Processed++
		result.NextIndex = i + 1
		paced = true

		switch {
		case err != nil:
			result.Failed++
			e.logger.Warn("Failed to sync member",
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))
		case res.Skipped:
			result.Skipped++
			paced = false
		case res.Failed > 0:
			result.Failed++
		case len(res.Changes) > 0:
			result.Changed++
		}

		if opts.Progress != nil {
			opts.Progress(result.NextIndex, result.Processed, total)
		}
	}

	result.Completed = result.NextIndex >= total

	e.logger.Info("Guild pass finished",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("nextIndex", result.NextIndex),
		zap.Int("processed", result.Processed),
		zap.Int("changed", result.Changed),
		zap.Int("failed", result.Failed),
		zap.Bool("completed", result.Completed),
		zap.Bool("stopped", result.Stopped),
		zap.Bool("timedOut", result.TimedOut))

	return result, ctx.Err()
}

// ReconcileGuildBatch resolves profiles and validator ownership per batch up
// front, then applies the diff user by user.
func (e *Engine) ReconcileGuildBatch(ctx context.Context, guildID snowflake.ID, opts BatchOptions) (*BatchResult, error) {
	if opts.Source == "" {
		opts.Source = SourceBatchSync
	}

	members, err := e.candidates(ctx, guildID)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{TotalUsers: len(members)}

	// Fresh users are skipped before any directory call
	pending := make([]snowflake.ID, 0, len(members))
	for _, member := range members {
		if !opts.Force && e.cache.IsFresh(ctx, member.User.ID) {
			result.Skipped++
			result.Processed++
			e.recorder.ObserveUser(opts.Source, OutcomeSkipped)

			continue
		}

		pending = append(pending, member.User.ID)
	}

	e.logger.Info("Starting batch guild pass",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("totalUsers", len(members)),
		zap.Int("pending", len(pending)))

	for batch := range slices.Chunk(pending, e.batchSize) {
		if shouldStop(ctx, opts.Stop) {
			result.Stopped = true
			break
		}

		if result.Batches > 0 && e.batchDelay > 0 {
			if err := e.clock.Sleep(ctx, e.batchDelay); err != nil {
				result.Stopped = true
				break
			}
		}

		result.Batches++

		if stopped := e.processBatch(ctx, guildID, batch, opts, result); stopped {
			result.Stopped = true
			break
		}
	}

	e.logger.Info("Batch guild pass finished",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("batches", result.Batches),
		zap.Int("processed", result.Processed),
		zap.Int("changed", result.Changed),
		zap.Int("failed", result.Failed),
		zap.Bool("stopped", result.Stopped))

	return result, ctx.Err()
}

// processBatch handles one batch and reports whether a stop was requested.
func (e *Engine) processBatch(
	ctx context.Context, guildID snowflake.ID, batch []snowflake.ID, opts BatchOptions, result *BatchResult,
) bool {
	identities := make([]ethos.Identity, len(batch))
	for i, userID := range batch {
		identities[i] = ethos.DiscordIdentity(userID)
	}

	profiles, err := e.directory.ResolveBatch(ctx, identities)
	if err != nil {
		e.logger.Warn("Batch profile resolution failed",
			zap.Int("size", len(batch)),
			zap.Error(err))

		result.Failed += len(batch)
		result.Processed += len(batch)

		return errors.Is(err, context.Canceled)
	}

	validators := e.resolveValidators(ctx, profiles)

	for i, userID := range batch {
		if shouldStop(ctx, opts.Stop) {
			return true
		}

		if i > 0 {
			if err := e.memberPacer.Wait(ctx); err != nil {
				return true
			}
		}

		result.Processed++

		profile := profiles[identities[i].Key()]
		if profile == nil || profile.Unresolved {
			result.Failed++
			e.recorder.ObserveUser(opts.Source, OutcomeFailed)
			e.logger.Warn("Skipping member with unresolved profile", zap.Uint64("userID", uint64(userID)))

			continue
		}

		member, err := e.fetchMember(ctx, guildID, userID)
		if err != nil {
			result.Failed++
			e.recorder.ObserveUser(opts.Source, OutcomeFailed)
			e.logger.Warn("Failed to fetch member", zap.Uint64("userID", uint64(userID)), zap.Error(err))

			continue
		}

		validator := validators[identities[i].Key()]
		res := e.apply(ctx, guildID, member, profile, &validator, Options{
			Force:  opts.Force,
			Source: opts.Source,
			RunID:  opts.RunID,
		})

		switch {
		case res.Failed > 0:
			result.Failed++
		case len(res.Changes) > 0:
			result.Changed++
		}

		if opts.Progress != nil {
			opts.Progress(result.Processed, result.Processed, result.TotalUsers)
		}
	}

	return false
}

// validatorResult is the ownership of one identity.
type validatorResult struct {
	key  string
	owns bool
}

// resolveValidators checks ownership for every valid profile with bounded concurrency.
func (e *Engine) resolveValidators(ctx context.Context, profiles map[string]*ethos.Profile) map[string]bool {
	p := pool.NewWithResults[validatorResult]().WithMaxGoroutines(e.validatorConcurrency)

	for key, profile := range profiles {
		if !profile.IsValid() {
			continue
		}

		p.Go(func() validatorResult {
			return validatorResult{key: key, owns: e.directory.OwnsValidator(ctx, profile.Identity)}
		})
	}

	owners := make(map[string]bool, len(profiles))
	for _, res := range p.Wait() {
		owners[res.key] = res.owns
	}

	return owners
}

// shouldStop reports whether a pass must end at this checkpoint.
func shouldStop(ctx context.Context, stop func() bool) bool {
	if utils.ContextGuard(ctx) {
		return true
	}

	return stop != nil && stop()
}
