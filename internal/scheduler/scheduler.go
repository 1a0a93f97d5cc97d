// Package scheduler triggers recurring guild passes through the job orchestrator.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"go.uber.org/zap"
)

// Jobs starts guild passes.
type Jobs interface {
	StartSync(req jobs.SyncRequest) jobs.StartResult
	StartValidatorCheck(guildID snowflake.ID) jobs.StartResult
}

// Pass is one recurring trigger.
type Pass struct {
	Name     string
	Interval time.Duration
	Start    func() jobs.StartResult
}

// Scheduler runs passes on fixed intervals. A pass whose job is still running
// is skipped until the next tick.
type Scheduler struct {
	passes []Pass
	logger *zap.Logger
}

// New creates a scheduler for the given passes.
func New(passes []Pass, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		passes: passes,
		logger: logger.Named("scheduler"),
	}
}

// Options selects which passes run and how often.
type Options struct {
	GuildID           snowflake.ID
	EnableSync        bool
	SyncInterval      time.Duration
	EnableValidator   bool
	ValidatorInterval time.Duration
}

// ForGuild builds the sync and validator passes of a guild.
func ForGuild(j Jobs, opts Options, logger *zap.Logger) *Scheduler {
	var passes []Pass

	if opts.EnableSync && opts.SyncInterval > 0 {
		passes = append(passes, Pass{
			Name:     string(jobs.KindSync),
			Interval: opts.SyncInterval,
			Start: func() jobs.StartResult {
				return j.StartSync(jobs.SyncRequest{
					GuildID: opts.GuildID,
					Source:  reconcile.SourceSync,
					Resume:  true,
				})
			},
		})
	}

	if opts.EnableValidator && opts.ValidatorInterval > 0 {
		passes = append(passes, Pass{
			Name:     string(jobs.KindValidatorCheck),
			Interval: opts.ValidatorInterval,
			Start: func() jobs.StartResult {
				return j.StartValidatorCheck(opts.GuildID)
			},
		})
	}

	return New(passes, logger)
}

// Passes returns the configured passes.
func (s *Scheduler) Passes() []Pass {
	return s.passes
}

// Run triggers every pass on its interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.passes) == 0 {
		s.logger.Info("No scheduled passes enabled")
		return
	}

	var wg sync.WaitGroup

	for _, pass := range s.passes {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.loop(ctx, pass)
		}()
	}

	wg.Wait()
}

// loop ticks one pass.
func (s *Scheduler) loop(ctx context.Context, pass Pass) {
	s.logger.Info("Scheduled pass enabled",
		zap.String("pass", pass.Name),
		zap.Duration("interval", pass.Interval))

	ticker := time.NewTicker(pass.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pass.Start() == jobs.AlreadyRunning {
				s.logger.Info("Skipping scheduled pass, job still running", zap.String("pass", pass.Name))
				continue
			}

			s.logger.Info("Scheduled pass started", zap.String("pass", pass.Name))
		}
	}
}
