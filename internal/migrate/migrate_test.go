package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/visa-rescheduler/internal/db"
)

func TestUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, err := db.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, Up(ctx, d))
	require.NoError(t, Up(ctx, d))

	var n int
	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	require.Equal(t, 1, n)

	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*) FROM reschedule_attempts`).Scan(&n))
	require.Zero(t, n)
}
