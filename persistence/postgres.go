package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AuralisLabs/CastKit/taskerr"
)

const ddlTexts = `
CREATE TABLE IF NOT EXISTS tts_texts (
    id          BIGSERIAL    PRIMARY KEY,
    text_id     TEXT         NOT NULL UNIQUE,
    user_id     TEXT         NOT NULL DEFAULT '',
    filename    TEXT         NOT NULL DEFAULT '',
    title       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    char_count  INTEGER      NOT NULL,
    object_key  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    is_deleted  BOOLEAN      NOT NULL DEFAULT FALSE
);
`

const ddlAudios = `
CREATE TABLE IF NOT EXISTS tts_audios (
    id           BIGSERIAL    PRIMARY KEY,
    text_id      TEXT         NOT NULL REFERENCES tts_texts (text_id),
    user_id      TEXT         NOT NULL DEFAULT '',
    filename     TEXT         NOT NULL,
    object_key   TEXT         NOT NULL UNIQUE,
    url          TEXT         NOT NULL DEFAULT '',
    size_bytes   BIGINT       NOT NULL DEFAULT 0,
    duration_sec INTEGER      NOT NULL DEFAULT 0,
    version_num  INTEGER      NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    is_deleted   BOOLEAN      NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_tts_audios_text_id
    ON tts_audios (text_id);

-- At most one live audio per text; deleted versions accumulate freely.
CREATE UNIQUE INDEX IF NOT EXISTS idx_tts_audios_live
    ON tts_audios (text_id) WHERE NOT is_deleted;
`

// Migrate creates the persistence tables when missing. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlTexts, ddlAudios} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// PostgresStore is the production Store backed by a pgx connection pool.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveText implements Store. A resubmitted textID refreshes the row and
// revives it if soft-deleted.
func (s *PostgresStore) SaveText(ctx context.Context, text *Text) error {
	const q = `
		INSERT INTO tts_texts (text_id, user_id, filename, title, content, char_count, object_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (text_id) DO UPDATE
		SET user_id    = EXCLUDED.user_id,
		    filename   = EXCLUDED.filename,
		    title      = EXCLUDED.title,
		    content    = EXCLUDED.content,
		    char_count = EXCLUDED.char_count,
		    object_key = EXCLUDED.object_key,
		    updated_at = now(),
		    is_deleted = FALSE
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, q,
		text.TextID, text.UserID, text.Filename, text.Title,
		text.Content, text.CharCount, text.ObjectKey,
	).Scan(&text.CreatedAt)
	if err != nil {
		return fmt.Errorf("save text %s: %w", text.TextID, err)
	}
	return nil
}

// GetText implements Store.
func (s *PostgresStore) GetText(ctx context.Context, textID string) (*Text, error) {
	const q = `
		SELECT text_id, user_id, filename, title, content, char_count, object_key, created_at
		FROM   tts_texts
		WHERE  text_id = $1 AND NOT is_deleted`

	var t Text
	err := s.pool.QueryRow(ctx, q, textID).Scan(
		&t.TextID, &t.UserID, &t.Filename, &t.Title,
		&t.Content, &t.CharCount, &t.ObjectKey, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get text %s: %w", textID, err)
	}
	return &t, nil
}

// InsertAudio implements Store. The live-audio partial index and the
// object key uniqueness both surface as ErrDuplicateAudio.
func (s *PostgresStore) InsertAudio(ctx context.Context, audio *Audio) error {
	const q = `
		INSERT INTO tts_audios (text_id, user_id, filename, object_key, url, size_bytes, duration_sec, version_num)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q,
		audio.TextID, audio.UserID, audio.Filename, audio.ObjectKey,
		audio.URL, audio.SizeBytes, audio.DurationSec, audio.Version,
	).Scan(&audio.ID, &audio.CreatedAt)
	if isDuplicateKeyError(err) {
		return fmt.Errorf("insert audio for %s: %w", audio.TextID, ErrDuplicateAudio)
	}
	if err != nil {
		return fmt.Errorf("insert audio for %s: %w", audio.TextID, err)
	}
	return nil
}

// LiveAudio implements Store.
func (s *PostgresStore) LiveAudio(ctx context.Context, textID string) (*Audio, error) {
	const q = `
		SELECT id, text_id, user_id, filename, object_key, url, size_bytes, duration_sec, version_num, created_at
		FROM   tts_audios
		WHERE  text_id = $1 AND NOT is_deleted`

	var a Audio
	err := s.pool.QueryRow(ctx, q, textID).Scan(
		&a.ID, &a.TextID, &a.UserID, &a.Filename, &a.ObjectKey,
		&a.URL, &a.SizeBytes, &a.DurationSec, &a.Version, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("live audio for %s: %w", textID, err)
	}
	return &a, nil
}

// CountAudioVersions implements Store.
func (s *PostgresStore) CountAudioVersions(ctx context.Context, textID string) (int, error) {
	const q = `SELECT count(*) FROM tts_audios WHERE text_id = $1`

	var n int
	if err := s.pool.QueryRow(ctx, q, textID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audio versions for %s: %w", textID, err)
	}
	return n, nil
}

// Totals implements Store.
func (s *PostgresStore) Totals(ctx context.Context) (int64, int64, error) {
	const q = `
		SELECT
		    (SELECT count(*) FROM tts_texts  WHERE NOT is_deleted),
		    (SELECT count(*) FROM tts_audios WHERE NOT is_deleted)`

	var texts, audios int64
	if err := s.pool.QueryRow(ctx, q).Scan(&texts, &audios); err != nil {
		return 0, 0, fmt.Errorf("count totals: %w", err)
	}
	return texts, audios, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// isDuplicateKeyError checks for a PostgreSQL unique violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
