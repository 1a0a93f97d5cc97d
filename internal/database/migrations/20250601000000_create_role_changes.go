package migrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethoslink/rolesync/internal/database/types"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewCreateTable().
			Model((*types.RoleChange)(nil)).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create role_changes table: %w", err)
		}

		indexes := []struct {
			name    string
			columns []string
		}{
			{"idx_role_changes_guild_user", []string{"guild_id", "user_id", "applied_at DESC"}},
			{"idx_role_changes_run", []string{"run_id"}},
			{"idx_role_changes_applied_at", []string{"applied_at"}},
		}

		for _, index := range indexes {
			if _, err := db.NewCreateIndex().
				Model((*types.RoleChange)(nil)).
				Index(index.name).
				IfNotExists().
				ColumnExpr(strings.Join(index.columns, ", ")).
				Exec(ctx); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.name, err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewDropTable().
			Model((*types.RoleChange)(nil)).
			IfExists().
			Cascade().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop role_changes table: %w", err)
		}

		return nil
	})
}
