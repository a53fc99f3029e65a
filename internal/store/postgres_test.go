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
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return &PostgresStore{pool: mock}, mock
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS preserved_state`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Get(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	expires := created.Add(90 * time.Minute)

	mock.ExpectQuery(`SELECT key, payload, created_at, expires_at FROM preserved_state WHERE key = \$1`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "payload", "created_at", "expires_at"}).
			AddRow("user-1", []byte(`{"step":"confirm"}`), created, expires))

	st, err := s.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "user-1", st.Key)
	assert.JSONEq(t, `{"step":"confirm"}`, string(st.Payload))
	assert.Equal(t, created, st.CreatedAt)
	assert.Equal(t, expires, st.ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT key, payload`).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)

	st, err := s.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestPostgres_GetError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT key, payload`).
		WithArgs("user-1").
		WillReturnError(errors.New("connection reset"))

	_, err := s.Get(context.Background(), "user-1")
	assert.ErrorContains(t, err, "postgres: get state")
}

func TestPostgres_SetUpserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	st := entry("user-1", `{"v":2}`, now, time.Hour)

	mock.ExpectExec(`INSERT INTO preserved_state .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("user-1", []byte(`{"v":2}`), now, now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), st))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteAndSweep(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM preserved_state WHERE key = \$1`).
		WithArgs("user-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM preserved_state WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, s.Delete(context.Background(), "user-1"))
	n, err := s.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
