package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outpostgame/worldserver/internal/chest"
)

// ChestRepo persists chest rows: an immutable owner plus a JSON-blob slot
// array, keyed on (world_id, chest_id).
type ChestRepo struct {
	db *DB
}

func NewChestRepo(db *DB) *ChestRepo { return &ChestRepo{db: db} }

var _ chest.Store = (*ChestRepo)(nil)

func (r *ChestRepo) Get(ctx context.Context, worldID, chestID string) (chest.Row, bool, error) {
	query := r.db.Rebind(`SELECT owner_id, state, updated_at FROM chest_state WHERE world_id = ? AND chest_id = ?`)
	row := r.db.QueryRowContext(ctx, query, worldID, chestID)

	var ownerID, raw string
	var updatedAt time.Time
	if err := row.Scan(&ownerID, &raw, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return chest.Row{}, false, nil
		}
		return chest.Row{}, false, fmt.Errorf("chest_repo: get %s/%s: %w", worldID, chestID, err)
	}

	var st chest.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return chest.Row{}, false, fmt.Errorf("chest_repo: decode %s/%s: %w", worldID, chestID, err)
	}
	return chest.Row{OwnerID: ownerID, State: st, UpdatedAt: updatedAt}, true, nil
}

func (r *ChestRepo) Create(ctx context.Context, worldID, chestID, ownerID string, now time.Time) error {
	raw, err := json.Marshal(chest.State{})
	if err != nil {
		return fmt.Errorf("chest_repo: encode empty state: %w", err)
	}
	query := r.db.Rebind(`INSERT INTO chest_state (world_id, chest_id, owner_id, state, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, query, worldID, chestID, ownerID, string(raw), now); err != nil {
		return fmt.Errorf("chest_repo: create %s/%s: %w", worldID, chestID, err)
	}
	return nil
}

func (r *ChestRepo) Put(ctx context.Context, worldID, chestID string, st chest.State, now time.Time) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("chest_repo: encode %s/%s: %w", worldID, chestID, err)
	}
	query := r.db.Rebind(`UPDATE chest_state SET state = ?, updated_at = ? WHERE world_id = ? AND chest_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, string(raw), now, worldID, chestID); err != nil {
		return fmt.Errorf("chest_repo: put %s/%s: %w", worldID, chestID, err)
	}
	return nil
}

func (r *ChestRepo) Delete(ctx context.Context, worldID, chestID string) error {
	query := r.db.Rebind(`DELETE FROM chest_state WHERE world_id = ? AND chest_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, worldID, chestID); err != nil {
		return fmt.Errorf("chest_repo: delete %s/%s: %w", worldID, chestID, err)
	}
	return nil
}
