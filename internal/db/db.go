package db

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Driver names accepted in configuration.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects the relational store.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	Migrate      bool
}

// Connect opens the database and applies the bootstrap schema when asked.
func Connect(cfg Config, log zerolog.Logger) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		db, err = sqlx.Connect("postgres", cfg.DSN)
	case DriverSQLite:
		db, err = openSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.Migrate {
		if err := Migrate(db, cfg.Driver); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info().Str("driver", cfg.Driver).Msg("database migrations applied")
	}
	return db, nil
}

// openSQLite wraps modernc's "sqlite" driver so sqlx rebinds '?' placeholders.
func openSQLite(dsn string) (*sqlx.DB, error) {
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; a single connection keeps in-memory databases shared.
	raw.SetMaxOpenConns(1)
	if err := raw.Ping(); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return sqlx.NewDb(raw, "sqlite3"), nil
}

// Migrate applies the bootstrap schema for the given driver.
func Migrate(db *sqlx.DB, driver string) error {
	var migrations []string
	switch driver {
	case DriverPostgres:
		migrations = postgresMigrations
	case DriverSQLite:
		migrations = sqliteMigrations
	default:
		return fmt.Errorf("unsupported db driver %q", driver)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// postgresMigrations keep read cursors consistent with the log: purging a
// message nulls cursors that point at it.
var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS chat_channels (
        id BIGSERIAL PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        kind TEXT NOT NULL,
        status TEXT NOT NULL,
        chatable_type TEXT NOT NULL,
        chatable_id BIGINT NOT NULL DEFAULT 0,
        dm_key TEXT UNIQUE,
        last_message_id BIGINT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS chat_channel_participants (
        channel_id BIGINT NOT NULL REFERENCES chat_channels(id) ON DELETE CASCADE,
        user_id BIGINT NOT NULL,
        PRIMARY KEY (channel_id, user_id)
    );`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
        channel_id BIGINT NOT NULL REFERENCES chat_channels(id) ON DELETE CASCADE,
        id BIGINT NOT NULL,
        author_id BIGINT NOT NULL,
        webhook_key TEXT,
        body TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        edited_at TIMESTAMPTZ,
        deleted_at TIMESTAMPTZ,
        PRIMARY KEY (channel_id, id)
    );`,
	`CREATE TABLE IF NOT EXISTS chat_memberships (
        user_id BIGINT NOT NULL,
        channel_id BIGINT NOT NULL REFERENCES chat_channels(id) ON DELETE CASCADE,
        following BOOLEAN NOT NULL DEFAULT TRUE,
        last_read_message_id BIGINT,
        desktop_level TEXT NOT NULL DEFAULT 'mention',
        mobile_level TEXT NOT NULL DEFAULT 'mention',
        email_level TEXT NOT NULL DEFAULT 'mention',
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (channel_id, user_id),
        FOREIGN KEY (channel_id, last_read_message_id)
            REFERENCES chat_messages(channel_id, id) ON DELETE SET NULL (last_read_message_id)
    );`,
	`CREATE TABLE IF NOT EXISTS chat_notifications (
        id BIGSERIAL PRIMARY KEY,
        user_id BIGINT NOT NULL,
        channel_id BIGINT NOT NULL,
        message_id BIGINT NOT NULL,
        status TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        processed_at TIMESTAMPTZ,
        FOREIGN KEY (channel_id, message_id) REFERENCES chat_messages(channel_id, id) ON DELETE CASCADE
    );`,
	`CREATE INDEX IF NOT EXISTS chat_notifications_pending ON chat_notifications (user_id, status, channel_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS chat_webhooks (
        hook_key TEXT PRIMARY KEY,
        channel_id BIGINT NOT NULL REFERENCES chat_channels(id) ON DELETE CASCADE,
        name TEXT NOT NULL DEFAULT ''
    );`,
}

// sqliteMigrations omit the composite cursor constraint; the repair pass
// covers purged messages there.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS chat_channels (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL DEFAULT '',
        kind TEXT NOT NULL,
        status TEXT NOT NULL,
        chatable_type TEXT NOT NULL,
        chatable_id INTEGER NOT NULL DEFAULT 0,
        dm_key TEXT UNIQUE,
        last_message_id INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMP NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS chat_channel_participants (
        channel_id INTEGER NOT NULL,
        user_id INTEGER NOT NULL,
        PRIMARY KEY (channel_id, user_id)
    );`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
        channel_id INTEGER NOT NULL,
        id INTEGER NOT NULL,
        author_id INTEGER NOT NULL,
        webhook_key TEXT,
        body TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        edited_at TIMESTAMP,
        deleted_at TIMESTAMP,
        PRIMARY KEY (channel_id, id)
    );`,
	`CREATE TABLE IF NOT EXISTS chat_memberships (
        user_id INTEGER NOT NULL,
        channel_id INTEGER NOT NULL,
        following BOOLEAN NOT NULL DEFAULT 1,
        last_read_message_id INTEGER,
        desktop_level TEXT NOT NULL DEFAULT 'mention',
        mobile_level TEXT NOT NULL DEFAULT 'mention',
        email_level TEXT NOT NULL DEFAULT 'mention',
        updated_at TIMESTAMP NOT NULL,
        PRIMARY KEY (channel_id, user_id)
    );`,
	`CREATE TABLE IF NOT EXISTS chat_notifications (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        channel_id INTEGER NOT NULL,
        message_id INTEGER NOT NULL,
        status TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        processed_at TIMESTAMP
    );`,
	`CREATE INDEX IF NOT EXISTS chat_notifications_pending ON chat_notifications (user_id, status, channel_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS chat_webhooks (
        hook_key TEXT PRIMARY KEY,
        channel_id INTEGER NOT NULL,
        name TEXT NOT NULL DEFAULT ''
    );`,
}
