// Package db provides PostgreSQL database access and management for the hub.
//
// This file implements the core database connection and lifecycle management.
//
// Purpose:
//   - Establish and maintain a PostgreSQL connection pool
//   - Initialize the hub's schema on startup (agents, commands, traces,
//     investigation reports, audit log)
//   - Provide a centralized database handle for the repository types in this
//     package
//   - Validate database configuration for security
//
// Implementation Details:
//   - Uses database/sql with the lib/pq PostgreSQL driver
//   - Connection pool configured for steady-state throughput (5min max
//     lifetime, 25 max open connections)
//   - Schema initialization runs CREATE TABLE IF NOT EXISTS on startup
//   - Validates hostname, port, username, database name, SSL mode before
//     building the connection string
//
// Thread Safety:
//   - Database connections are thread-safe and managed by the database/sql
//     pool; safe for concurrent use across goroutines.
//
// Example Usage:
//
//	config := db.Config{
//	    Host:     "localhost",
//	    Port:     "5432",
//	    User:     "hub",
//	    Password: "secretpassword",
//	    DBName:   "hub",
//	    SSLMode:  "require",
//	}
//
//	database, err := db.NewDatabase(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer database.Close()
//
//	if err := database.Migrate(); err != nil {
//	    log.Fatal(err)
//	}
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database represents the database connection.
type Database struct {
	db *sql.DB
}

// validateConfig validates database configuration to prevent SQL injection
// via a malformed connection string.
func validateConfig(config Config) error {
	// Validate host (must be valid hostname or IP)
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	// Validate port (must be numeric and in valid range)
	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	// Validate user (alphanumeric, underscore, hyphen only)
	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	// Validate database name (alphanumeric, underscore, hyphen only)
	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	// Validate SSL mode (must be one of the allowed values)
	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	// SECURITY: Warn if SSL is disabled (insecure for production)
	if config.SSLMode == "" || config.SSLMode == "disable" {
		fmt.Println("WARNING: Database SSL/TLS is DISABLED - This is INSECURE for production!")
		fmt.Println("         Set DB_SSL_MODE to 'require', 'verify-ca', or 'verify-full'")
	}

	return nil
}

// NewDatabase creates a new database connection with connection pooling.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: db}, nil
}

// NewDatabaseForTesting creates a Database from an existing sql.DB connection.
// This constructor is intended ONLY FOR TESTING to enable dependency injection
// with mock databases (e.g., sqlmock).
//
// DO NOT use this in production code. Use NewDatabase() instead.
func NewDatabaseForTesting(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying sql.DB.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate runs the hub's schema migrations. All statements are idempotent
// (CREATE TABLE/INDEX IF NOT EXISTS) so Migrate can run on every process
// start without an external migration runner.
func (d *Database) Migrate() error {
	migrations := []string{
		// agents: the persisted identity and last-known state of every agent
		// the hub has ever seen. Presence (online/offline) itself lives in
		// ConnectionRegistry, not here — this row survives a disconnect.
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id        VARCHAR(255) PRIMARY KEY,
			name            VARCHAR(255) NOT NULL,
			type            VARCHAR(100) NOT NULL,
			status          VARCHAR(20) NOT NULL DEFAULT 'offline',
			activity        VARCHAR(20) NOT NULL DEFAULT 'idle',
			owner_user_id   VARCHAR(255) NOT NULL,
			api_key_hash            TEXT,
			api_key_created_at      TIMESTAMPTZ,
			api_key_last_used_at    TIMESTAMPTZ,
			last_heartbeat  TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,

		// commands: the addressable unit of work issued by a dashboard.
		// target_agents is stored as a JSON array rather than a join table —
		// the set is small (bounded by one dashboard request) and never
		// queried independently of its command.
		`CREATE TABLE IF NOT EXISTS commands (
			command_id      VARCHAR(255) PRIMARY KEY,
			issuer_user_id  VARCHAR(255) NOT NULL,
			target_agents   JSONB NOT NULL DEFAULT '[]',
			broadcast       BOOLEAN NOT NULL DEFAULT FALSE,
			priority        INTEGER NOT NULL DEFAULT 0,
			status          VARCHAR(20) NOT NULL DEFAULT 'pending',
			action          VARCHAR(255) NOT NULL,
			payload         JSONB,
			result          JSONB,
			error           TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_issuer ON commands(issuer_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_created_at ON commands(created_at)`,

		// command_output: the durable record of terminal output, written
		// line-by-line at submit time, independent of the coalesced
		// best-effort delivery to the dashboard.
		`CREATE TABLE IF NOT EXISTS command_output (
			id          BIGSERIAL PRIMARY KEY,
			command_id  VARCHAR(255) NOT NULL REFERENCES commands(command_id) ON DELETE CASCADE,
			agent_id    VARCHAR(255) NOT NULL,
			content     TEXT NOT NULL,
			stream      VARCHAR(10) NOT NULL DEFAULT 'stdout',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_output_command ON command_output(command_id)`,

		// command_traces: structured execution events reported by an agent
		// while a command is in flight (TRACE_EVENT frames).
		`CREATE TABLE IF NOT EXISTS command_traces (
			id          BIGSERIAL PRIMARY KEY,
			command_id  VARCHAR(255) NOT NULL REFERENCES commands(command_id) ON DELETE CASCADE,
			agent_id    VARCHAR(255) NOT NULL,
			name        VARCHAR(255) NOT NULL,
			data        JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_traces_command ON command_traces(command_id)`,

		// investigation_reports: the structured final report an agent may
		// submit for a command, kept distinct from ordinary terminal output
		// and trace events so a dashboard can render it separately.
		`CREATE TABLE IF NOT EXISTS investigation_reports (
			id          BIGSERIAL PRIMARY KEY,
			command_id  VARCHAR(255) NOT NULL REFERENCES commands(command_id) ON DELETE CASCADE,
			agent_id    VARCHAR(255) NOT NULL,
			summary     TEXT NOT NULL,
			findings    JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_investigation_reports_command ON investigation_reports(command_id)`,

		// audit_log: every security- and control-plane-relevant action —
		// connect/disconnect, auth failure, command issuance, emergency
		// stop — independent of the application-level command_traces.
		`CREATE TABLE IF NOT EXISTS audit_log (
			id          BIGSERIAL PRIMARY KEY,
			actor       VARCHAR(255) NOT NULL,
			action      VARCHAR(100) NOT NULL,
			target      VARCHAR(255),
			details     JSONB,
			ip_address  VARCHAR(64),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
