package database

import (
	"context"
	"fmt"
	"time"

	"credit-ledger/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// DSN renders the libpq connection string
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	return NewDBFromDSN(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
}

// NewDBFromDSN connects using a prebuilt connection string
func NewDBFromDSN(dsn string, maxConns, minConns int32) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MinConns = 2
	if minConns > 0 && minConns <= poolConfig.MaxConns {
		poolConfig.MinConns = minConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.DatabaseContext("connect", "").Info("Connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.DatabaseContext("close", "").Info("Database connection closed")
	}
}

// RunMigrations creates the ledger schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	l := logging.DatabaseContext("migrate", "")
	l.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS user_credits (
			user_id UUID PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			video_watch_minutes BIGINT NOT NULL DEFAULT 0 CHECK (video_watch_minutes >= 0),
			article_credits BIGINT NOT NULL DEFAULT 0 CHECK (article_credits >= 0),
			total_earned BIGINT NOT NULL DEFAULT 0,
			total_spent BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS license_codes (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code VARCHAR(64) UNIQUE NOT NULL,
			credit_type VARCHAR(16) NOT NULL CHECK (credit_type IN ('universal', 'video', 'article', 'both')),
			credit_value BIGINT NOT NULL DEFAULT 0 CHECK (credit_value >= 0),
			video_minutes BIGINT NOT NULL DEFAULT 0 CHECK (video_minutes >= 0),
			article_count BIGINT NOT NULL DEFAULT 0 CHECK (article_count >= 0),
			is_redeemed BOOLEAN NOT NULL DEFAULT FALSE,
			redeemed_by UUID,
			redeemed_at TIMESTAMPTZ,
			created_by UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (is_redeemed = (redeemed_by IS NOT NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_license_codes_redeemed_by ON license_codes(redeemed_by)`,
		`CREATE INDEX IF NOT EXISTS idx_license_codes_created_at ON license_codes(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id UUID PRIMARY KEY,
			seq BIGSERIAL NOT NULL,
			user_id UUID NOT NULL,
			transaction_type VARCHAR(16) NOT NULL CHECK (transaction_type IN ('redeem', 'usage', 'bonus')),
			balance_type VARCHAR(20) NOT NULL CHECK (balance_type IN ('universal', 'video_minutes', 'article_credits')),
			amount BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			related_entity_type VARCHAR(32),
			related_entity_id TEXT,
			transaction_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (balance_after = balance_before + amount),
			CHECK (balance_after >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_date ON credit_transactions(user_id, transaction_date DESC, seq DESC)`,
		`CREATE OR REPLACE FUNCTION forbid_credit_transaction_change() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'credit_transactions is append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS credit_transactions_immutable ON credit_transactions`,
		`CREATE TRIGGER credit_transactions_immutable
			BEFORE UPDATE OR DELETE ON credit_transactions
			FOR EACH ROW EXECUTE FUNCTION forbid_credit_transaction_change()`,

		`CREATE TABLE IF NOT EXISTS articles (
			id UUID PRIMARY KEY,
			title VARCHAR(255) NOT NULL DEFAULT '',
			credits_required BIGINT NOT NULL DEFAULT 0 CHECK (credits_required >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS courses (
			id UUID PRIMARY KEY,
			title VARCHAR(255) NOT NULL DEFAULT '',
			credits_required BIGINT NOT NULL DEFAULT 0 CHECK (credits_required >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS article_access (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			article_id UUID NOT NULL,
			credits_spent BIGINT NOT NULL DEFAULT 0,
			granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, article_id)
		)`,
		`CREATE TABLE IF NOT EXISTS course_access (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			course_id UUID NOT NULL,
			credits_spent BIGINT NOT NULL DEFAULT 0,
			granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, course_id)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	l.Info("Database migrations completed", "count", len(migrations))
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
