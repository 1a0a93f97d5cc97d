package types

import (
	"time"

	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/uptrace/bun"
)

// RoleChange is one applied role mutation.
type RoleChange struct {
	bun.BaseModel `bun:"table:role_changes,alias:rc"`

	ID        int64     `bun:"id,pk,autoincrement"`
	GuildID   uint64    `bun:"guild_id,notnull"`
	UserID    uint64    `bun:"user_id,notnull"`
	RoleID    uint64    `bun:"role_id,notnull"`
	RoleName  string    `bun:"role_name,notnull"`
	Action    string    `bun:"action,notnull"`
	Source    string    `bun:"source,notnull"`
	RunID     string    `bun:"run_id"`
	Score     *int      `bun:"score"`
	AppliedAt time.Time `bun:"applied_at,notnull"`
}

// NewRoleChange converts a reconciliation change into its stored form.
func NewRoleChange(change reconcile.Change) *RoleChange {
	return &RoleChange{
		GuildID:   uint64(change.GuildID),
		UserID:    uint64(change.UserID),
		RoleID:    uint64(change.RoleID),
		RoleName:  change.RoleName,
		Action:    string(change.Action),
		Source:    change.Source,
		RunID:     change.RunID,
		Score:     change.Score,
		AppliedAt: change.AppliedAt,
	}
}

// Summary renders the change the way sync results list it.
func (c *RoleChange) Summary() string {
	return reconcile.Action(c.Action).Symbol() + c.RoleName
}

// RunSummary aggregates the changes of one job run.
type RunSummary struct {
	RunID   string    `bun:"run_id"`
	Source  string    `bun:"source"`
	Added   int       `bun:"added"`
	Removed int       `bun:"removed"`
	Users   int       `bun:"users"`
	First   time.Time `bun:"first"`
	Last    time.Time `bun:"last"`
}
