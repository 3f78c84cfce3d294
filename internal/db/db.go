package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "funnelweb"
	}

	return New(config)
}

// setupSchema creates the crawler tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Crawl records, one row per base domain; id doubles as the crawl id.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS domains (
			id SERIAL PRIMARY KEY,
			base_domain TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL,
			pages_crawled INTEGER NOT NULL DEFAULT 0,
			external_links_total INTEGER NOT NULL DEFAULT 0,
			max_depth INTEGER NOT NULL DEFAULT 10,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create domains table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS outgoing_links (
			id BIGSERIAL PRIMARY KEY,
			crawl_id INTEGER NOT NULL REFERENCES domains(id),
			source_url TEXT NOT NULL,
			target_url TEXT NOT NULL,
			target_domain TEXT NOT NULL,
			anchor_text TEXT NOT NULL DEFAULT '',
			rel TEXT NOT NULL DEFAULT '',
			is_nofollow BOOLEAN NOT NULL DEFAULT FALSE,
			observed_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create outgoing_links table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS outgoing_domains (
			crawl_id INTEGER NOT NULL REFERENCES domains(id),
			target_domain TEXT NOT NULL,
			link_count INTEGER NOT NULL DEFAULT 0,
			first_seen_at TIMESTAMP NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (crawl_id, target_domain)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create outgoing_domains table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS crawl_states (
			base_domain TEXT PRIMARY KEY,
			state_blob TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create crawl_states table: %w", err)
	}

	// Duplicate link rows are discarded at insert via this index.
	_, err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_outgoing_links_unique
		ON outgoing_links (crawl_id, source_url, target_url)`)
	if err != nil {
		return fmt.Errorf("failed to create outgoing_links unique index: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_outgoing_links_domain
		ON outgoing_links (crawl_id, target_domain)`)
	if err != nil {
		return fmt.Errorf("failed to create outgoing_links domain index: %w", err)
	}

	return nil
}

// NewWithClient wraps an existing connection without pinging or creating the
// schema. Used by tests backed by sqlmock.
func NewWithClient(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// ResetSchema drops and recreates the crawler tables
func (db *DB) ResetSchema() error {
	log.Warn().Msg("Resetting PostgreSQL schema")

	tables := []string{"outgoing_domains", "outgoing_links", "crawl_states", "domains"}
	for _, table := range tables {
		_, err := db.client.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table))
		if err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}

	if err := setupSchema(db.client); err != nil {
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	log.Info().Msg("Successfully reset database schema")
	return nil
}
