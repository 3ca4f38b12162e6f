package sqlite

import (
	"context"
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrations embed.FS

type migration struct {
	name string
	sql  string
}

// getMigrations returns the embedded migrations ordered by file name
func getMigrations() ([]migration, error) {
	migDir, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}
	res := make([]migration, 0, len(migDir))
	for _, f := range migDir {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		content, err := migrations.ReadFile(path.Join("migrations", f.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
		}
		res = append(res, migration{name: f.Name(), sql: string(content)})
	}
	return res, nil
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migration (name TEXT PRIMARY KEY, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`)
	if err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	migs, err := getMigrations()
	if err != nil {
		return err
	}
	for _, m := range migs {
		var applied int
		if err := db.GetContext(ctx, &applied, `SELECT COUNT(*) FROM schema_migration WHERE name = ?`, m.name); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migration (name) VALUES (?)`, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.name, err)
		}
	}
	return nil
}
