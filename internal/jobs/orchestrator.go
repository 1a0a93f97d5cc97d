package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"go.uber.org/zap"
)

var (
	// ErrJobPanicked is recorded as the last error of a job that panicked.
	ErrJobPanicked = errors.New("job panicked")
	// ErrNoProgress is returned when a chunk ends without processing anyone.
	ErrNoProgress = errors.New("chunk made no progress")
)

// Reconciler runs guild-wide passes.
type Reconciler interface {
	ReconcileGuild(ctx context.Context, guildID snowflake.ID, opts reconcile.ChunkOptions) (*reconcile.ChunkResult, error)
	ReconcileGuildBatch(ctx context.Context, guildID snowflake.ID, opts reconcile.BatchOptions) (*reconcile.BatchResult, error)
	DemoteValidators(ctx context.Context, guildID snowflake.ID, opts reconcile.DemotionOptions) (*reconcile.DemotionResult, error)
}

// ChunkPlan holds the defaults of chunked sync jobs.
type ChunkPlan struct {
	ChunkSize    int
	MaxDuration  time.Duration
	AutoContinue bool
}

// SyncRequest describes a chunked sync job.
type SyncRequest struct {
	GuildID    snowflake.ID
	StartIndex int
	// ChunkSize overrides the plan when positive.
	ChunkSize int
	Force     bool
	Source    string
	// Resume starts from where the previous unfinished sync of the same guild
	// stopped, ignoring StartIndex.
	Resume bool
}

// Orchestrator starts guild passes as jobs.
// Chunked and batch syncs share the sync kind so they never overlap.
type Orchestrator struct {
	manager *Manager
	engine  Reconciler
	plan    ChunkPlan
	logger  *zap.Logger
}

// NewOrchestrator creates an orchestrator over a job manager.
func NewOrchestrator(manager *Manager, engine Reconciler, plan ChunkPlan, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		manager: manager,
		engine:  engine,
		plan:    plan,
		logger:  logger.Named("orchestrator"),
	}
}

// Manager returns the underlying job manager.
func (o *Orchestrator) Manager() *Manager {
	return o.manager
}

// Plan returns the chunk defaults.
func (o *Orchestrator) Plan() ChunkPlan {
	return o.plan
}

// StartSync starts a chunked sync job.
func (o *Orchestrator) StartSync(req SyncRequest) StartResult {
	if req.Source == "" {
		req.Source = reconcile.SourceSync
	}

	if req.ChunkSize <= 0 {
		req.ChunkSize = o.plan.ChunkSize
	}

	if req.Resume {
		req.StartIndex = o.resumeIndex(req.GuildID)
	}

	return o.manager.Start(KindSync, req.GuildID, o.syncRunner(req))
}

// resumeIndex returns the index after the last synced member of an unfinished
// sync of the guild, or zero.
func (o *Orchestrator) resumeIndex(guildID snowflake.ID) int {
	last := o.manager.Status(KindSync)
	if last.IsRunning || last.Completed || last.GuildID != guildID {
		return 0
	}

	if last.TotalCount > 0 && last.LastIndex >= last.TotalCount {
		return 0
	}

	return last.LastIndex
}

// StartBatchSync starts a batch-optimized sync job.
func (o *Orchestrator) StartBatchSync(guildID snowflake.ID, force bool) StartResult {
	return o.manager.Start(KindSync, guildID, func(ctx context.Context, run *Run) error {
		result, err := o.engine.ReconcileGuildBatch(ctx, run.GuildID(), reconcile.BatchOptions{
			Force:  force,
			Source: reconcile.SourceBatchSync,
			RunID:  run.ID(),
			Stop:   run.ShouldStop,
			Progress: func(nextIndex, processed, total int) {
				run.SetTotal(total)
				run.Progress(nextIndex, processed)
			},
		})
		if err != nil {
			return err
		}

		run.SetTotal(result.TotalUsers)
		run.Progress(result.Processed, result.Processed)
		run.AddResults(result.Changed, result.Failed)

		if !result.Stopped {
			run.MarkCompleted()
		}

		return nil
	})
}

// StopSync requests the running sync job to stop.
func (o *Orchestrator) StopSync() bool {
	return o.manager.Stop(KindSync)
}

// StartValidatorCheck starts a validator demotion job.
func (o *Orchestrator) StartValidatorCheck(guildID snowflake.ID) StartResult {
	return o.manager.Start(KindValidatorCheck, guildID, func(ctx context.Context, run *Run) error {
		result, err := o.engine.DemoteValidators(ctx, run.GuildID(), reconcile.DemotionOptions{
			RunID: run.ID(),
			Stop:  run.ShouldStop,
			Progress: func(nextIndex, processed, total int) {
				run.SetTotal(total)
				run.Progress(nextIndex, processed)
			},
		})
		if err != nil {
			return err
		}

		run.SetTotal(result.TotalUsers)
		run.Progress(result.Checked, result.Checked)
		run.AddResults(result.Demoted, result.Failed)

		if !result.Stopped {
			run.MarkCompleted()
		}

		return nil
	})
}

// StopValidatorCheck requests the running validator check to stop.
func (o *Orchestrator) StopValidatorCheck() bool {
	return o.manager.Stop(KindValidatorCheck)
}

// Status returns the status of a job kind.
func (o *Orchestrator) Status(kind Kind) Status {
	return o.manager.Status(kind)
}

// syncRunner runs chunks until the guild is complete, a stop is requested or
// auto-continue is off.
func (o *Orchestrator) syncRunner(req SyncRequest) Runner {
	return func(ctx context.Context, run *Run) error {
		next := req.StartIndex
		processed := 0

		// The member list is fetched once per run and reused by later chunks
		var members []discord.Member

		run.Progress(next, 0)

		for chunk := 1; ; chunk++ {
			result, err := o.engine.ReconcileGuild(ctx, run.GuildID(), reconcile.ChunkOptions{
				StartIndex:  next,
				ChunkSize:   req.ChunkSize,
				MaxDuration: o.plan.MaxDuration,
				Force:       req.Force,
				Source:      req.Source,
				RunID:       run.ID(),
				Stop:        run.ShouldStop,
				Members:     members,
				Progress: func(nextIndex, done, total int) {
					run.SetTotal(total)
					run.Progress(nextIndex, processed+done)
				},
			})
			if err != nil {
				return fmt.Errorf("chunk %d at index %d: %w", chunk, next, err)
			}

			processed += result.Processed
			next = result.NextIndex
			members = result.Members

			run.SetTotal(result.TotalUsers)
			run.Progress(next, processed)
			run.AddResults(result.Changed, result.Failed)

			o.logger.Info("Chunk finished",
				zap.String("runID", run.ID()),
				zap.Int("chunk", chunk),
				zap.Int("nextIndex", next),
				zap.Int("totalUsers", result.TotalUsers),
				zap.Bool("timedOut", result.TimedOut))

			switch {
			case result.Completed:
				run.MarkCompleted()
				return nil
			case result.Stopped || run.ShouldStop():
				return nil
			case !o.plan.AutoContinue:
				return nil
			case result.Processed == 0:
				return fmt.Errorf("%w at index %d", ErrNoProgress, next)
			}
		}
	}
}
