package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"quest/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS session (
	slot          INTEGER PRIMARY KEY CHECK (slot = 1),
	user_id       TEXT NOT NULL,
	email         TEXT NOT NULL,
	nickname      TEXT NOT NULL DEFAULT '',
	picture_url   TEXT NOT NULL DEFAULT '',
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL DEFAULT '',
	issued_at     INTEGER NOT NULL
)`

// SQLiteStore keeps the single session row in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and creates if needed) the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping session database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate session database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, nickname, picture_url, access_token, refresh_token, provider, issued_at
		FROM session WHERE slot = 1`)

	var (
		session  domain.Session
		provider string
		issuedAt int64
	)
	err := row.Scan(
		&session.UserID,
		&session.Email,
		&session.Nickname,
		&session.PictureURL,
		&session.AccessToken,
		&session.RefreshToken,
		&provider,
		&issuedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	session.Provider = domain.AuthProvider(provider)
	session.IssuedAt = time.UnixMilli(issuedAt)
	return &session, nil
}

func (s *SQLiteStore) Set(ctx context.Context, session domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session (slot, user_id, email, nickname, picture_url, access_token, refresh_token, provider, issued_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			nickname = excluded.nickname,
			picture_url = excluded.picture_url,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			provider = excluded.provider,
			issued_at = excluded.issued_at`,
		session.UserID,
		session.Email,
		session.Nickname,
		session.PictureURL,
		session.AccessToken,
		session.RefreshToken,
		string(session.Provider),
		session.IssuedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE slot = 1`); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
