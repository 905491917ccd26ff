// Package store is the persistence layer: guests, worlds,
// world_chunk_state, forge_state, chest_state, player_state, plus
// identity tables, backed by database/sql over either SQLite (default,
// local/dev) or PostgreSQL (multi-replica).
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/outpostgame/worldserver/internal/config"
)

// DB wraps the SQL connection plus which dialect it's talking, since the
// logical schema is identical but placeholder syntax ("?" vs "$1") differs.
type DB struct {
	*sql.DB
	Dialect string // "sqlite" or "postgres"
}

// Open establishes the database connection and ensures the schema exists.
func Open(cfg *config.Config) (*DB, error) {
	log.Println("Initializing database connection...")

	var (
		conn *sql.DB
		err  error
	)

	dialect := cfg.DBType
	switch dialect {
	case "sqlite":
		conn, err = openSQLite(cfg)
	case "postgres":
		conn, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	db := &DB{DB: conn, Dialect: dialect}
	if err := db.initializeSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Printf("Database connection established (%s)", dialect)
	return db, nil
}

func openSQLite(cfg *config.Config) (*sql.DB, error) {
	path := cfg.DBName
	if cfg.DatabaseURL != "" {
		path = cfg.DatabaseURL
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Printf("Warning: failed to set WAL mode: %v", err)
	}
	return conn, nil
}

func openPostgres(cfg *config.Config) (*sql.DB, error) {
	connStr := cfg.DatabaseURL
	if connStr == "" {
		connStr = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
		)
	}
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return conn, nil
}

// Rebind converts a "?"-placeholder query into the dialect's native
// placeholder style. SQLite accepts "?" directly; PostgreSQL needs "$1",
// "$2", etc. Every repository query is written once using "?" and rebound
// here so both backends share the same query text.
func (db *DB) Rebind(query string) string {
	if db.Dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (db *DB) initializeSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS worlds (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS guests (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	mfa_secret TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS devices (
	device_key TEXT PRIMARY KEY,
	guest_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS device_guest_links (
	device_key TEXT PRIMARY KEY,
	guest_id TEXT NOT NULL,
	migrated BOOLEAN DEFAULT 0,
	user_id TEXT
);

CREATE TABLE IF NOT EXISTS world_chunk_state (
	world_id TEXT NOT NULL,
	chunk_x INTEGER NOT NULL,
	chunk_z INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (world_id, chunk_x, chunk_z)
);

CREATE TABLE IF NOT EXISTS forge_state (
	world_id TEXT NOT NULL,
	forge_id TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (world_id, forge_id)
);

CREATE TABLE IF NOT EXISTS chest_state (
	world_id TEXT NOT NULL,
	chest_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (world_id, chest_id)
);

CREATE TABLE IF NOT EXISTS player_state (
	guest_id TEXT NOT NULL,
	world_id TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (guest_id, world_id)
);

CREATE INDEX IF NOT EXISTS idx_chest_state_owner ON chest_state(owner_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	log.Println("Closing database connection...")
	return db.DB.Close()
}
