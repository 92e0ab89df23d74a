// Package postgres stores guild settings in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cadenza/internal/settings"
)

// Schema creates the guild_settings table. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS guild_settings (
    guild_id            TEXT PRIMARY KEY,
    mode                TEXT NOT NULL DEFAULT '',
    dj_role_id          TEXT NOT NULL DEFAULT '',
    announce_channel_id TEXT NOT NULL DEFAULT '',
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Store is a [settings.Store] backed by PostgreSQL.
type Store struct {
	db DB
}

var _ settings.Store = (*Store)(nil)

// New returns a Store on db. Call [Store.Migrate] before first use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, verifies it and applies [Schema]. The caller
// closes the returned pool.
func Open(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("settings/postgres: connect: %w", err)
	}
	s := New(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("settings/postgres: migrate: %w", err)
	}
	return nil
}

// Get implements [settings.Store].
func (s *Store) Get(ctx context.Context, guildID string) (settings.Settings, error) {
	const query = `
		SELECT mode, dj_role_id, announce_channel_id
		FROM guild_settings
		WHERE guild_id = $1`

	out := settings.Settings{GuildID: guildID}
	err := s.db.QueryRow(ctx, query, guildID).Scan(&out.Mode, &out.DJRoleID, &out.AnnounceChannelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings.Settings{GuildID: guildID}, nil
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("settings/postgres: get %q: %w", guildID, err)
	}
	return out, nil
}

// Put implements [settings.Store].
func (s *Store) Put(ctx context.Context, v settings.Settings) error {
	if err := v.Validate(); err != nil {
		return err
	}
	const query = `
		INSERT INTO guild_settings (guild_id, mode, dj_role_id, announce_channel_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			dj_role_id = EXCLUDED.dj_role_id,
			announce_channel_id = EXCLUDED.announce_channel_id,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, v.GuildID, v.Mode, v.DJRoleID, v.AnnounceChannelID); err != nil {
		return fmt.Errorf("settings/postgres: put %q: %w", v.GuildID, err)
	}
	return nil
}

// Ping implements [settings.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("settings/postgres: ping: %w", err)
	}
	return nil
}
