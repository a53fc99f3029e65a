package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/calendar-assistant/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Times are stored as unix milliseconds so comparisons stay numeric.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS preserved_state (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_preserved_state_expires_at ON preserved_state(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*model.PreservedState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, payload, created_at, expires_at FROM preserved_state WHERE key = ?`,
		key,
	)

	var st model.PreservedState
	var payload []byte
	var createdAt, expiresAt int64
	err := row.Scan(&st.Key, &payload, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get state")
	}
	st.Payload = payload
	st.CreatedAt = time.UnixMilli(createdAt).UTC()
	st.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &st, nil
}

func (s *SQLiteStore) Set(ctx context.Context, state model.PreservedState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preserved_state (key, payload, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		state.Key, []byte(state.Payload), state.CreatedAt.UnixMilli(), state.ExpiresAt.UnixMilli(),
	)
	return eris.Wrap(err, "sqlite: set state")
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM preserved_state WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: delete state")
}

func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM preserved_state WHERE expires_at <= ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: sweep state")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}
