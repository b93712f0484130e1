package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultHealthCheckTimeout = 3 * time.Second

// DB wraps sql.DB with adapter-facing operations
type DB struct {
	*sql.DB
}

// New creates a new database connection with connection pooling and retry logic
func New(cfg *config.Config) (*DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	// Verify connection with retry
	if err := pingWithRetry(db, 3, cfg.DBConnectTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database after retries: %w", err)
	}

	slog.Info("Database connected",
		"max_conns", cfg.DBMaxOpenConns,
		"host", cfg.DBHost,
		"database", cfg.DBName,
	)

	return &DB{db}, nil
}

// pingWithRetry attempts to ping the database with a linearly growing
// backoff (1s, 2s, ...)
func pingWithRetry(db *sql.DB, maxRetries int, connectTimeout time.Duration) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err = db.PingContext(ctx)
		cancel()

		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			backoff := time.Duration(i+1) * time.Second
			slog.Warn("Database ping failed, retrying",
				"attempt", i+1,
				"max_retries", maxRetries,
				"backoff", backoff,
				"error", err,
			)
			time.Sleep(backoff)
		}
	}
	return err
}

// HealthCheck verifies database connectivity and pool health
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Check pool health
	stats := db.Stats()
	if stats.OpenConnections > stats.MaxOpenConnections*90/100 {
		slog.Warn("Database connection pool near capacity",
			"open", stats.OpenConnections,
			"max", stats.MaxOpenConnections,
		)
	}

	return nil
}

// PoolStats returns current connection pool statistics
func (db *DB) PoolStats() sql.DBStats {
	return db.Stats()
}

// Close gracefully closes the database connection
func (db *DB) Close() error {
	slog.Info("Closing database connection")
	return db.DB.Close()
}
