package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies a job type. At most one job of each kind runs at a time.
type Kind string

const (
	KindSync           Kind = "sync"
	KindValidatorCheck Kind = "validator_check"
)

// StartResult is the outcome of a start request.
type StartResult int

const (
	Accepted StartResult = iota
	AlreadyRunning
)

func (r StartResult) String() string {
	if r == Accepted {
		return "accepted"
	}

	return "already_running"
}

// Status is a snapshot of a job kind.
type Status struct {
	RunID          string       `json:"runId,omitempty"`
	Kind           Kind         `json:"kind"`
	IsRunning      bool         `json:"isRunning"`
	ShouldStop     bool         `json:"shouldStop"`
	GuildID        snowflake.ID `json:"guildId,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	FinishedAt     *time.Time   `json:"finishedAt,omitempty"`
	ProcessedCount int          `json:"processedCount"`
	TotalCount     int          `json:"totalCount"`
	LastIndex      int          `json:"lastIndex"`
	Changed        int          `json:"changed"`
	Failed         int          `json:"failed"`
	Completed      bool         `json:"completed"`
	LastError      string       `json:"lastError,omitempty"`
}

// Runner does the work of a job. It should check run.ShouldStop between units of work.
type Runner func(ctx context.Context, run *Run) error

// state is the mutable record of one job kind.
type state struct {
	status Status
	done   chan struct{}
	cancel context.CancelFunc
}

// Manager tracks one in-flight job per kind.
type Manager struct {
	mu     sync.Mutex
	ctx    context.Context
	states map[Kind]*state
	clock  utils.Clock
	logger *zap.Logger
}

// NewManager creates a job manager. Jobs run under ctx and are cancelled with it.
func NewManager(ctx context.Context, clock utils.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = utils.RealClock()
	}

	return &Manager{
		ctx:    ctx,
		states: make(map[Kind]*state),
		clock:  clock,
		logger: logger.Named("jobs"),
	}
}

// stateLocked returns the state of a kind, creating it if needed. Callers hold mu.
func (m *Manager) stateLocked(kind Kind) *state {
	st, ok := m.states[kind]
	if !ok {
		st = &state{status: Status{Kind: kind}}
		m.states[kind] = st
	}

	return st
}

// Start launches runner in the background unless a job of the same kind is running.
func (m *Manager) Start(kind Kind, guildID snowflake.ID, runner Runner) StartResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(kind)
	if st.status.IsRunning {
		return AlreadyRunning
	}

	now := m.clock.Now()
	st.status = Status{
		RunID:     uuid.NewString(),
		Kind:      kind,
		IsRunning: true,
		GuildID:   guildID,
		StartedAt: &now,
	}

	ctx, cancel := context.WithCancel(m.ctx)
	st.cancel = cancel
	st.done = make(chan struct{})

	run := &Run{manager: m, kind: kind, id: st.status.RunID, guildID: guildID}

	m.logger.Info("Job started",
		zap.String("kind", string(kind)),
		zap.String("runID", run.id),
		zap.Uint64("guildID", uint64(guildID)))

	go m.execute(ctx, run, runner, st.done)

	return Accepted
}

// execute runs a job and always resets its status, even when the runner panics.
func (m *Manager) execute(ctx context.Context, run *Run, runner Runner, done chan struct{}) {
	var err error

	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			m.logger.Error("Job panicked",
				zap.String("kind", string(run.kind)),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}

		m.finish(run, err)
	}()

	err = runner(ctx, run)
}

// finish marks a job as idle and records its error.
func (m *Manager) finish(run *Run, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(run.kind)
	if st.status.RunID != run.id {
		return
	}

	now := m.clock.Now()
	st.status.IsRunning = false
	st.status.ShouldStop = false
	st.status.FinishedAt = &now

	if err != nil {
		st.status.LastError = err.Error()
	}

	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}

	m.logger.Info("Job finished",
		zap.String("kind", string(run.kind)),
		zap.String("runID", run.id),
		zap.Int("processed", st.status.ProcessedCount),
		zap.Int("total", st.status.TotalCount),
		zap.Int("changed", st.status.Changed),
		zap.Int("failed", st.status.Failed),
		zap.Bool("completed", st.status.Completed),
		zap.Error(err))
}

// Stop requests a cooperative stop. Returns false when nothing is running.
func (m *Manager) Stop(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(kind)
	if !st.status.IsRunning {
		return false
	}

	st.status.ShouldStop = true

	m.logger.Info("Job stop requested",
		zap.String("kind", string(kind)),
		zap.String("runID", st.status.RunID))

	return true
}

// Status returns a snapshot of a job kind.
func (m *Manager) Status(kind Kind) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stateLocked(kind).status
}

// IsRunning reports whether a job of the kind is in flight.
func (m *Manager) IsRunning(kind Kind) bool {
	return m.Status(kind).IsRunning
}

// Wait blocks until the current job of the kind finishes.
func (m *Manager) Wait(kind Kind) {
	m.mu.Lock()
	done := m.stateLocked(kind).done
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Shutdown stops every running job and waits for them until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()

	dones := make([]chan struct{}, 0, len(m.states))
	for _, st := range m.states {
		if !st.status.IsRunning {
			continue
		}

		st.status.ShouldStop = true
		if st.cancel != nil {
			st.cancel()
		}

		dones = append(dones, st.done)
	}

	m.mu.Unlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// update applies fn to the status of a run if it is still current.
func (m *Manager) update(run *Run, fn func(status *Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(run.kind)
	if st.status.RunID == run.id {
		fn(&st.status)
	}
}

// Run is the handle a runner uses to report progress and observe stop requests.
type Run struct {
	manager *Manager
	kind    Kind
	id      string
	guildID snowflake.ID
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Kind returns the job kind.
func (r *Run) Kind() Kind {
	return r.kind
}

// GuildID returns the guild the job runs against.
func (r *Run) GuildID() snowflake.ID {
	return r.guildID
}

// ShouldStop reports whether a stop was requested.
func (r *Run) ShouldStop() bool {
	r.manager.mu.Lock()
	defer r.manager.mu.Unlock()

	st := r.manager.stateLocked(r.kind)

	return st.status.RunID != r.id || st.status.ShouldStop
}

// SetTotal records the number of users the job covers.
func (r *Run) SetTotal(total int) {
	r.manager.update(r, func(status *Status) {
		status.TotalCount = total
	})
}

// Progress records the resume index and the users processed so far.
func (r *Run) Progress(index, processed int) {
	r.manager.update(r, func(status *Status) {
		status.LastIndex = index
		status.ProcessedCount = processed
	})
}

// AddResults adds to the changed and failed counters.
func (r *Run) AddResults(changed, failed int) {
	r.manager.update(r, func(status *Status) {
		status.Changed += changed
		status.Failed += failed
	})
}

// MarkCompleted records that the job covered every user.
func (r *Run) MarkCompleted() {
	r.manager.update(r, func(status *Status) {
		status.Completed = true
	})
}
