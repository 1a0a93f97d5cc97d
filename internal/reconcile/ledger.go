package reconcile

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Action is the direction of a role change.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Symbol returns the prefix used in change summaries.
func (a Action) Symbol() string {
	if a == ActionRemove {
		return "-"
	}

	return "+"
}

// Change is one applied role mutation.
type Change struct {
	GuildID   snowflake.ID
	UserID    snowflake.ID
	RoleID    snowflake.ID
	RoleName  string
	Action    Action
	Source    string
	RunID     string
	Score     *int
	AppliedAt time.Time
}

// Ledger persists applied role changes.
type Ledger interface {
	Record(ctx context.Context, change Change) error
}

// NopLedger discards every change.
type NopLedger struct{}

func (NopLedger) Record(context.Context, Change) error {
	return nil
}

// Outcome classifies a per-user result for metrics.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeChanged   Outcome = "changed"
	OutcomeFailed    Outcome = "failed"
	OutcomeKept      Outcome = "kept"
	OutcomeDemoted   Outcome = "demoted"
)

// Recorder receives reconciliation events for metrics.
type Recorder interface {
	ObserveUser(source string, outcome Outcome)
	ObserveRoleChange(action Action, ok bool)
}

// NopRecorder ignores every event.
type NopRecorder struct{}

func (NopRecorder) ObserveUser(string, Outcome) {}

func (NopRecorder) ObserveRoleChange(Action, bool) {}
