package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/outpostgame/worldserver/internal/playerstate"
)

// PlayerStateRepo persists the opaque per-(guest, world) state blob.
type PlayerStateRepo struct {
	db *DB
}

func NewPlayerStateRepo(db *DB) *PlayerStateRepo { return &PlayerStateRepo{db: db} }

var _ playerstate.Store = (*PlayerStateRepo)(nil)

func (r *PlayerStateRepo) Get(ctx context.Context, guestID, worldID string) (string, time.Time, bool, error) {
	query := r.db.Rebind(`SELECT state, updated_at FROM player_state WHERE guest_id = ? AND world_id = ?`)
	row := r.db.QueryRowContext(ctx, query, guestID, worldID)

	var blob string
	var updatedAt time.Time
	if err := row.Scan(&blob, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("playerstate_repo: get %s/%s: %w", guestID, worldID, err)
	}
	return blob, updatedAt, true, nil
}

func (r *PlayerStateRepo) Put(ctx context.Context, guestID, worldID, blob string, now time.Time) error {
	var query string
	switch r.db.Dialect {
	case "postgres":
		query = r.db.Rebind(`
			INSERT INTO player_state (guest_id, world_id, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (guest_id, world_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`)
	default:
		query = r.db.Rebind(`
			INSERT INTO player_state (guest_id, world_id, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (guest_id, world_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`)
	}
	if _, err := r.db.ExecContext(ctx, query, guestID, worldID, blob, now); err != nil {
		return fmt.Errorf("playerstate_repo: put %s/%s: %w", guestID, worldID, err)
	}
	return nil
}
