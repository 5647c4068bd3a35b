// Package database provides database connection and migration management for
// promptkeep. It supports both PostgreSQL and SQLite backends.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB represents a database connection with migration support.
type DB struct {
	*sql.DB
	driver   string
	connStr  string
	mu       sync.Mutex
	migrated bool
}

// Config holds database configuration.
type Config struct {
	Driver   string `json:"driver" env:"PROMPTKEEP_DB_DRIVER"`     // "postgres" or "sqlite"
	URL      string `json:"url" env:"DATABASE_URL"`                // full PostgreSQL URL, overrides the host/port fields
	Host     string `json:"host" env:"PROMPTKEEP_DB_HOST"`         // PostgreSQL host
	Port     int    `json:"port" env:"PROMPTKEEP_DB_PORT"`         // PostgreSQL port
	Database string `json:"database" env:"PROMPTKEEP_DB_NAME"`     // Database name or SQLite file path
	User     string `json:"user" env:"PROMPTKEEP_DB_USER"`         // PostgreSQL user
	Password string `json:"password" env:"PROMPTKEEP_DB_PASSWORD"` // PostgreSQL password
	SSLMode  string `json:"ssl_mode" env:"PROMPTKEEP_DB_SSLMODE"`  // PostgreSQL SSL mode
}

// DefaultConfig returns default database configuration: a SQLite file in the
// working directory, suitable for single-user setups.
func DefaultConfig() *Config {
	return &Config{
		Driver:   "sqlite",
		Database: "promptkeep.db",
	}
}

// New creates a new database connection.
func New(cfg *Config) (*DB, error) {
	var connStr string
	var driver string

	driverName := cfg.Driver
	if driverName == "" && cfg.URL != "" {
		driverName = "postgres"
	}

	switch driverName {
	case "postgres", "postgresql":
		driver = "postgres"
		if cfg.URL != "" {
			connStr = cfg.URL
			break
		}
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		connStr = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode,
		)
	case "sqlite", "sqlite3", "":
		driver = "sqlite3"
		connStr = cfg.Database
		if connStr == "" {
			connStr = "promptkeep.db"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:      db,
		driver:  driver,
		connStr: connStr,
	}, nil
}

// Driver returns the database driver name.
func (d *DB) Driver() string {
	return d.driver
}

// Migrate runs all pending database migrations using goose.
func (d *DB) Migrate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.migrated {
		return nil
	}

	// Set the embedded filesystem for goose
	goose.SetBaseFS(migrationsFS)

	// Set the dialect based on driver
	dialect := "postgres"
	if d.driver == "sqlite3" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// Run migrations
	if err := goose.Up(d.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.migrated = true
	return nil
}

// NewUUID generates a new UUID.
func NewUUID() string {
	return uuid.New().String()
}

// NullString creates a sql.NullString from a string pointer.
func NullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// NullTime creates a sql.NullTime from a time.Time pointer.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// TimePtr returns a pointer to the time held by a sql.NullTime, or nil.
func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
