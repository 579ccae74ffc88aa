package sqlstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gurpartap/agentgraph/agent"
	"github.com/Gurpartap/agentgraph/checkpointstore/sqlstore"
	"github.com/Gurpartap/agentgraph/checkpointstore/storetest"
)

func openSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := sqlstore.Open(context.Background(), sqlstore.DialectSQLite, path, sqlstore.Options{PageSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) agent.CheckpointStore {
		return openSQLite(t)
	})
}

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("AGENTGRAPH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTGRAPH_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) agent.CheckpointStore {
		store, err := sqlstore.Open(context.Background(), sqlstore.DialectPostgres, dsn, sqlstore.Options{})
		require.NoError(t, err)
		t.Cleanup(func() {
			for _, table := range []string{"checkpoint_writes", "checkpoint_blobs", "checkpoints"} {
				_, _ = store.DB().Exec(`DELETE FROM ` + table)
			}
			_ = store.Close()
		})
		return store
	})
}

func rowCounts(t *testing.T, store *sqlstore.Store, threadID agent.ThreadID) map[string]int {
	t.Helper()
	counts := make(map[string]int, 3)
	for _, table := range []string{"checkpoint_writes", "checkpoint_blobs", "checkpoints"} {
		var n int
		require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE thread_id = ?`, string(threadID)).Scan(&n))
		counts[table] = n
	}
	return counts
}

func TestDeleteThread_RollsBackOnFailure(t *testing.T) {
	t.Parallel()

	for _, stage := range []string{"delete:checkpoint_writes", "delete:checkpoint_blobs", "delete:checkpoints"} {
		t.Run(stage, func(t *testing.T) {
			t.Parallel()

			store := openSQLite(t)
			chain := storetest.Chain("wipe-me", 4)
			for _, checkpoint := range chain {
				require.NoError(t, store.Append(context.Background(), checkpoint))
			}
			before := rowCounts(t, store, "wipe-me")
			require.Positive(t, before["checkpoint_writes"])
			require.Positive(t, before["checkpoint_blobs"])
			require.Equal(t, len(chain), before["checkpoints"])

			injected := errors.New("disk unplugged")
			sqlstore.SetHook(store, func(got string) error {
				if got == stage {
					return injected
				}
				return nil
			})

			err := store.DeleteThread(context.Background(), "wipe-me")
			require.ErrorIs(t, err, injected)

			sqlstore.SetHook(store, nil)
			assert.Equal(t, before, rowCounts(t, store, "wipe-me"), "every table must survive the rolled back delete")

			latest, err := store.Latest(context.Background(), "wipe-me")
			require.NoError(t, err)
			assert.Equal(t, int64(3), latest.Seq)
			assert.Len(t, latest.Messages, 3)
			require.NotNil(t, latest.Reply)

			var count int
			for _, iterErr := range store.History(context.Background(), "wipe-me") {
				require.NoError(t, iterErr)
				count++
			}
			assert.Equal(t, len(chain), count)

			require.NoError(t, store.DeleteThread(context.Background(), "wipe-me"))
			_, err = store.Latest(context.Background(), "wipe-me")
			require.ErrorIs(t, err, agent.ErrThreadNotFound)
			assert.Equal(t, map[string]int{"checkpoint_writes": 0, "checkpoint_blobs": 0, "checkpoints": 0}, rowCounts(t, store, "wipe-me"))
		})
	}
}

func TestAppend_FailedPayloadWriteLeavesNoCheckpoint(t *testing.T) {
	t.Parallel()

	store := openSQLite(t)
	chain := storetest.Chain("half-written", 2)
	require.NoError(t, store.Append(context.Background(), chain[0]))

	injected := errors.New("write failed")
	sqlstore.SetHook(store, func(stage string) error {
		if stage == "append:checkpoint_blobs" {
			return injected
		}
		return nil
	})
	require.ErrorIs(t, store.Append(context.Background(), chain[1]), injected)

	sqlstore.SetHook(store, nil)
	latest, err := store.Latest(context.Background(), "half-written")
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest.Seq)
	require.NoError(t, store.Append(context.Background(), chain[1]))
}

func TestDialect_Rebind(t *testing.T) {
	t.Parallel()

	query := `SELECT a FROM t WHERE b = ? AND c < ? LIMIT ?`
	assert.Equal(t, query, sqlstore.DialectSQLite.Rebind(query))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c < $2 LIMIT $3`, sqlstore.DialectPostgres.Rebind(query))
}

func TestParseDialect(t *testing.T) {
	t.Parallel()

	d, err := sqlstore.ParseDialect(" Postgres ")
	require.NoError(t, err)
	assert.Equal(t, sqlstore.DialectPostgres, d)

	_, err = sqlstore.ParseDialect("mysql")
	require.ErrorIs(t, err, sqlstore.ErrUnknownDialect)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, sqlstore.IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, sqlstore.IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, sqlstore.IsUniqueViolation(errors.New("plain")))
}
