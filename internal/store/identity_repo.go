package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/outpostgame/worldserver/internal/identity"
)

// IdentityRepo persists guests, device-to-guest bindings, and registered
// user accounts.
type IdentityRepo struct {
	db *DB
}

func NewIdentityRepo(db *DB) *IdentityRepo { return &IdentityRepo{db: db} }

var _ identity.Repo = (*IdentityRepo)(nil)

func (r *IdentityRepo) CreateGuest(ctx context.Context, guestID string) error {
	query := r.db.Rebind(`INSERT INTO guests (id) VALUES (?)`)
	if _, err := r.db.ExecContext(ctx, query, guestID); err != nil {
		return fmt.Errorf("identity_repo: create guest %s: %w", guestID, err)
	}
	return nil
}

func (r *IdentityRepo) GuestForDevice(ctx context.Context, deviceKey string) (string, bool, error) {
	query := r.db.Rebind(`SELECT guest_id FROM devices WHERE device_key = ?`)
	row := r.db.QueryRowContext(ctx, query, deviceKey)
	var guestID string
	if err := row.Scan(&guestID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("identity_repo: guest for device %s: %w", deviceKey, err)
	}
	return guestID, true, nil
}

func (r *IdentityRepo) LinkDevice(ctx context.Context, deviceKey, guestID string) error {
	query := r.db.Rebind(`INSERT INTO devices (device_key, guest_id) VALUES (?, ?)`)
	if _, err := r.db.ExecContext(ctx, query, deviceKey, guestID); err != nil {
		return fmt.Errorf("identity_repo: link device %s: %w", deviceKey, err)
	}
	return nil
}

func (r *IdentityRepo) CreateUser(ctx context.Context, row identity.UserRow) error {
	query := r.db.Rebind(`INSERT INTO users (id, username, password_hash, mfa_secret) VALUES (?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, query, row.ID, row.Username, row.PasswordHash, row.MFASecret); err != nil {
		return fmt.Errorf("identity_repo: create user %s: %w", row.Username, err)
	}
	return nil
}

func (r *IdentityRepo) UserByUsername(ctx context.Context, username string) (identity.UserRow, bool, error) {
	query := r.db.Rebind(`SELECT id, username, password_hash, mfa_secret FROM users WHERE username = ?`)
	row := r.db.QueryRowContext(ctx, query, username)

	var out identity.UserRow
	var mfaSecret sql.NullString
	if err := row.Scan(&out.ID, &out.Username, &out.PasswordHash, &mfaSecret); err != nil {
		if err == sql.ErrNoRows {
			return identity.UserRow{}, false, nil
		}
		return identity.UserRow{}, false, fmt.Errorf("identity_repo: user by username %s: %w", username, err)
	}
	out.MFASecret = mfaSecret.String
	return out, true, nil
}

func (r *IdentityRepo) SetMFASecret(ctx context.Context, userID, secret string) error {
	query := r.db.Rebind(`UPDATE users SET mfa_secret = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, secret, userID); err != nil {
		return fmt.Errorf("identity_repo: set mfa secret for %s: %w", userID, err)
	}
	return nil
}

// IsGuestMigrated reports whether guestID has been claimed by a registered
// account via LinkUserGuest, meaning the device it originated from must log
// in rather than keep resolving to it as a bare guest.
func (r *IdentityRepo) IsGuestMigrated(ctx context.Context, guestID string) (bool, error) {
	query := r.db.Rebind(`SELECT 1 FROM device_guest_links WHERE guest_id = ? AND migrated = 1 LIMIT 1`)
	row := r.db.QueryRowContext(ctx, query, guestID)
	var x int
	if err := row.Scan(&x); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("identity_repo: is guest migrated %s: %w", guestID, err)
	}
	return true, nil
}

func (r *IdentityRepo) GuestForUser(ctx context.Context, userID string) (string, bool, error) {
	query := r.db.Rebind(`SELECT guest_id FROM device_guest_links WHERE user_id = ? AND migrated = 1 LIMIT 1`)
	row := r.db.QueryRowContext(ctx, query, userID)
	var guestID string
	if err := row.Scan(&guestID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("identity_repo: guest for user %s: %w", userID, err)
	}
	return guestID, true, nil
}

// LinkUserGuest records that userID's authenticated sessions resolve to
// guestID. The device_guest_links table is keyed on device_key, so a
// device-less account/guest link uses a synthetic "user:<id>" key rather
// than widening the schema for a row that only ever has one reader.
func (r *IdentityRepo) LinkUserGuest(ctx context.Context, userID, guestID string) error {
	query := r.db.Rebind(`INSERT INTO device_guest_links (device_key, guest_id, migrated, user_id) VALUES (?, ?, 1, ?)`)
	if _, err := r.db.ExecContext(ctx, query, "user:"+userID, guestID, userID); err != nil {
		return fmt.Errorf("identity_repo: link user guest %s: %w", userID, err)
	}
	return nil
}
