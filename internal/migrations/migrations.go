// Package migrations embeds the schema files so every binary and the
// integration tests apply the same SQL in the same order.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed *.sql
var files embed.FS

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Names lists the embedded migrations in apply order
func Names() ([]string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every migration. The files are idempotent, so reapplying is safe.
func Apply(ctx context.Context, db Execer) ([]string, error) {
	names, err := Names()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		b, err := files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}
