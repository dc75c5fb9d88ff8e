package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailhub/internal/models"
	"mailhub/internal/store"
)

// GetOrCreateProfile returns the profile for an identity, creating it
// with status=pending on first sight. Signup goes through here so every
// authenticated identity has exactly one profile row.
func (s *SQLiteStore) GetOrCreateProfile(ctx context.Context, id, name, email string) (models.Profile, error) {
	profile, err := s.ProfileByID(ctx, id)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Profile{}, err
	}

	now := time.Now().UTC()
	row := store.Row{
		"id":         id,
		"name":       name,
		"email":      email,
		"status":     string(models.UserPending),
		"created_at": now,
		"updated_at": now,
	}
	if err := s.Insert(ctx, store.TableProfiles, row); err != nil {
		return models.Profile{}, err
	}

	return s.ProfileByID(ctx, id)
}

// ProfileByID fetches a single profile row.
func (s *SQLiteStore) ProfileByID(ctx context.Context, id string) (models.Profile, error) {
	return s.oneProfile(ctx, "id", id)
}

// ProfileByEmail fetches the profile registered under an email address.
func (s *SQLiteStore) ProfileByEmail(ctx context.Context, email string) (models.Profile, error) {
	return s.oneProfile(ctx, "email", email)
}

func (s *SQLiteStore) oneProfile(ctx context.Context, column, value string) (models.Profile, error) {
	rows, err := s.Query(ctx, store.TableProfiles, []store.Filter{store.Eq(column, value)}, store.Order{})
	if err != nil {
		return models.Profile{}, err
	}
	if len(rows) == 0 {
		return models.Profile{}, storeErr("query", store.TableProfiles, store.ErrNotFound)
	}
	return store.DecodeProfile(rows[0]), nil
}

// GrantRole assigns an application role to a user. Granting an already
// held role is a no-op.
func (s *SQLiteStore) GrantRole(ctx context.Context, userID string, role models.Role) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO user_roles (id, user_id, role) VALUES (?, ?, ?)",
		uuid.NewString(), userID, string(role))
	if err != nil {
		return fmt.Errorf("failed to grant role %s: %v", role, err)
	}
	return nil
}

// IsAdmin reports whether the user holds the admin role.
func (s *SQLiteStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM user_roles WHERE user_id = ? AND role = ?)",
		userID, string(models.RoleAdmin)).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check admin role: %v", err)
	}
	return exists, nil
}
