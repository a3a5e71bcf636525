package migrate

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/example/visa-rescheduler/internal/db"
)

//go:embed postgres/*.sql sqlite/*.sql
var fs embed.FS

// Up applies every migration for d's dialect that is not yet recorded in
// schema_migrations, in file name order.
func Up(ctx context.Context, d *db.DB) error {
	dir := string(d.Dialect())
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY);`); err != nil {
		return err
	}

	for _, f := range files {
		var applied bool
		if err := d.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, f).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}

		b, err := fs.ReadFile(path.Join(dir, f))
		if err != nil {
			return err
		}
		if err := d.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
		if err := d.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, f); err != nil {
			return err
		}
	}

	return nil
}
