// Package db implements the store contract on SQLite. One database file
// holds the profiles, messages, and user_roles tables; change
// subscriptions are served by an in-process notifier that fires after
// every successful mutation.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements store.Store over a single SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	notifier *notifier
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %v", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Enable foreign key constraints
	if _, err = sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %v", err)
	}

	if err := initSchema(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:       sqlDB,
		notifier: newNotifier(),
	}, nil
}

// DB exposes the underlying connection for tests and maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if err := createProfilesTable(db); err != nil {
		return fmt.Errorf("failed to create profiles table: %v", err)
	}

	if err := createMessagesTable(db); err != nil {
		return fmt.Errorf("failed to create messages table: %v", err)
	}

	if err := createUserRolesTable(db); err != nil {
		return fmt.Errorf("failed to create user_roles table: %v", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %v", err)
	}

	return nil
}

func createProfilesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		profile_image TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createMessagesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'sent',
		is_starred BOOLEAN NOT NULL DEFAULT FALSE,
		is_draft BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (sender_id) REFERENCES profiles(id),
		FOREIGN KEY (receiver_id) REFERENCES profiles(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createUserRolesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_roles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		UNIQUE(user_id, role),
		FOREIGN KEY (user_id) REFERENCES profiles(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createIndexes(db *sql.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)",
		"CREATE INDEX IF NOT EXISTS idx_profiles_status ON profiles(status)",
		"CREATE INDEX IF NOT EXISTS idx_profiles_email ON profiles(email)",
		"CREATE INDEX IF NOT EXISTS idx_user_roles_user ON user_roles(user_id)",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}
