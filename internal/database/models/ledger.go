package models

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/database/dbretry"
	"github.com/ethoslink/rolesync/internal/database/types"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// LedgerModel handles database operations for the role-change ledger.
type LedgerModel struct {
	db     *bun.DB
	logger *zap.Logger
}

var _ reconcile.Ledger = (*LedgerModel)(nil)

// NewLedger creates a new ledger model instance.
func NewLedger(db *bun.DB, logger *zap.Logger) *LedgerModel {
	return &LedgerModel{
		db:     db,
		logger: logger.Named("db_ledger"),
	}
}

// Record stores one applied role change.
func (m *LedgerModel) Record(ctx context.Context, change reconcile.Change) error {
	row := types.NewRoleChange(change)

	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		if _, err := m.db.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert role change: %w", err)
		}

		return nil
	})
}

// RecentForUser returns the latest changes of a member, newest first.
func (m *LedgerModel) RecentForUser(
	ctx context.Context, guildID, userID snowflake.ID, limit int,
) ([]*types.RoleChange, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.RoleChange, error) {
		var changes []*types.RoleChange

		err := m.db.NewSelect().
			Model(&changes).
			Where("guild_id = ?", uint64(guildID)).
			Where("user_id = ?", uint64(userID)).
			Order("applied_at DESC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get role changes: %w", err)
		}

		return changes, nil
	})
}

// SummarizeRun aggregates the changes applied by one job run.
func (m *LedgerModel) SummarizeRun(ctx context.Context, runID string) (*types.RunSummary, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.RunSummary, error) {
		summary := &types.RunSummary{RunID: runID}

		err := m.db.NewSelect().
			Model((*types.RoleChange)(nil)).
			ColumnExpr("MIN(source) AS source").
			ColumnExpr("COUNT(*) FILTER (WHERE action = ?) AS added", string(reconcile.ActionAdd)).
			ColumnExpr("COUNT(*) FILTER (WHERE action = ?) AS removed", string(reconcile.ActionRemove)).
			ColumnExpr("COUNT(DISTINCT user_id) AS users").
			ColumnExpr("MIN(applied_at) AS first").
			ColumnExpr("MAX(applied_at) AS last").
			Where("run_id = ?", runID).
			Scan(ctx, summary)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize run: %w", err)
		}

		return summary, nil
	})
}

// Prune deletes changes applied before the cutoff.
func (m *LedgerModel) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (int64, error) {
		result, err := m.db.NewDelete().
			Model((*types.RoleChange)(nil)).
			Where("applied_at < ?", cutoff).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to prune role changes: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count pruned role changes: %w", err)
		}

		m.logger.Info("Pruned role changes",
			zap.Time("cutoff", cutoff),
			zap.Int64("deleted", affected))

		return affected, nil
	})
}
