package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM enrichment_tasks WHERE id = \$1 AND user_id = \$2`).
		WithArgs("missing", "u1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTask(context.Background(), "u1", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTask_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO enrichment_tasks .* ON CONFLICT DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	task := newTestTask("u1", "item-1", "w1", "key", time.Now().UTC())
	ok, err := s.InsertTask(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTask_Created(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO enrichment_tasks`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := s.InsertTask(context.Background(), newTestTask("u1", "item-1", "w1", "key", time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE enrichment_tasks SET status = \$1`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateTask(context.Background(), newTestTask("u1", "item-1", "w1", "key", time.Now().UTC()))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimTask_NotDue(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE enrichment_tasks\s+SET status = 'in_progress', attempt_count = attempt_count \+ 1`).
		WithArgs("t1", now, "u1").
		WillReturnError(pgx.ErrNoRows)

	task, err := s.ClaimTask(context.Background(), "u1", "t1", now)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReclaimStaleTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	cutoff := now.Add(-10 * time.Minute)

	mock.ExpectQuery(`WHERE status = 'in_progress' AND updated_at < \$1`).
		WithArgs(cutoff, now, StaleTaskError).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "status"}).
			AddRow("t1", "u1", "pending").
			AddRow("t2", "u2", "failed"))

	out, err := s.ReclaimStaleTasks(context.Background(), cutoff, now)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, model.TaskPending, out[0].Status)
	assert.Equal(t, model.TaskFailed, out[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExternalID_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT external_id FROM external_ids`).
		WithArgs(model.EntityWork, "w1", "openlibrary").
		WillReturnError(pgx.ErrNoRows)

	id, err := s.GetExternalID(context.Background(), model.EntityWork, "w1", "openlibrary")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddExternalID_DoNothing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO external_ids .* ON CONFLICT .* DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.AddExternalID(context.Background(), model.ExternalID{
		EntityType: model.EntityWork, EntityID: "w1", Provider: "openlibrary", ExternalID: "OL1W",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertNoMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO enrichment_no_match .* ON CONFLICT .* DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertNoMatch(context.Background(), model.NoMatchEntry{
		UserID: "u1", WorkID: "w1", Provider: "openlibrary", ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClearNoMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM enrichment_no_match WHERE user_id = \$1 AND work_id = \$2`).
		WithArgs("u1", "w1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := s.ClearNoMatch(context.Background(), "u1", "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO provider_daily_usage`).
		WithArgs("2026-10-16", "openlibrary", "u1", 2).
		WillReturnRows(pgxmock.NewRows([]string{"request_count"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO provider_daily_usage`).
		WithArgs("2026-10-16", "openlibrary", "u1", 2).
		WillReturnError(pgx.ErrNoRows)

	ok, err := s.IncrementUsage(context.Background(), "2026-10-16", "openlibrary", "u1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IncrementUsage(context.Background(), "2026-10-16", "openlibrary", "u1", 2)
	require.NoError(t, err)
	assert.False(t, ok, "limit reached")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GlobalUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(request_count\), 0\)::int FROM provider_daily_usage`).
		WithArgs("2026-10-16", "openlibrary").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(42))

	total, err := s.GlobalUsage(context.Background(), "2026-10-16", "openlibrary")
	require.NoError(t, err)
	assert.Equal(t, 42, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountTasksByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM enrichment_tasks`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("complete", 7))

	counts, err := s.CountTasksByStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.TaskPending])
	assert.Equal(t, 7, counts[model.TaskComplete])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountTasksUpdatedSince(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM enrichment_tasks WHERE updated_at >= \$1`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("failed", 2).
			AddRow("needs_review", 5))

	counts, err := s.CountTasksUpdatedSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.TaskFailed])
	assert.Equal(t, 5, counts[model.TaskNeedsReview])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM enrichment_no_match WHERE expires_at <= \$1`).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Store) error {
		return tx.InTx(context.Background(), func(inner Store) error {
			_, err := inner.DeleteExpiredNoMatch(context.Background(), time.Now())
			return err
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTxRollback(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(Store) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
