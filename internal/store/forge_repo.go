package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outpostgame/worldserver/internal/forge"
)

// ForgeRepo persists furnace state as a JSON blob per forge (world_id,
// forge_id).
type ForgeRepo struct {
	db *DB
}

func NewForgeRepo(db *DB) *ForgeRepo { return &ForgeRepo{db: db} }

var _ forge.Store = (*ForgeRepo)(nil)

// Get loads a furnace's state, returning ok=false if it has never been
// written (callers treat that as a fresh zero-value furnace).
func (r *ForgeRepo) Get(ctx context.Context, worldID, forgeID string) (forge.State, time.Time, bool, error) {
	query := r.db.Rebind(`SELECT state, updated_at FROM forge_state WHERE world_id = ? AND forge_id = ?`)
	row := r.db.QueryRowContext(ctx, query, worldID, forgeID)

	var raw string
	var updatedAt time.Time
	if err := row.Scan(&raw, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return forge.State{}, time.Time{}, false, nil
		}
		return forge.State{}, time.Time{}, false, fmt.Errorf("forge_repo: get %s/%s: %w", worldID, forgeID, err)
	}

	var st forge.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return forge.State{}, time.Time{}, false, fmt.Errorf("forge_repo: decode %s/%s: %w", worldID, forgeID, err)
	}
	return st, updatedAt, true, nil
}

// Put upserts a furnace's state and bumps updated_at to now.
func (r *ForgeRepo) Put(ctx context.Context, worldID, forgeID string, st forge.State, now time.Time) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("forge_repo: encode %s/%s: %w", worldID, forgeID, err)
	}

	var query string
	switch r.db.Dialect {
	case "postgres":
		query = r.db.Rebind(`
			INSERT INTO forge_state (world_id, forge_id, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (world_id, forge_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`)
	default:
		query = r.db.Rebind(`
			INSERT INTO forge_state (world_id, forge_id, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (world_id, forge_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`)
	}

	if _, err := r.db.ExecContext(ctx, query, worldID, forgeID, string(raw), now); err != nil {
		return fmt.Errorf("forge_repo: put %s/%s: %w", worldID, forgeID, err)
	}
	return nil
}

// ListEnabled returns up to limit furnaces with enabled=true, for the
// background worker's scan pass. The enabled filter is applied in Go
// rather than via a JSON path query, since sqlite's JSON1 extension isn't
// guaranteed present in every mattn/go-sqlite3 build tag combination; the
// table is expected to stay small enough (hundreds of forges) that a full
// scan per tick is cheap relative to the 1s tick period.
func (r *ForgeRepo) ListEnabled(ctx context.Context, limit int) ([]forge.Ref, error) {
	query := r.db.Rebind(`SELECT world_id, forge_id, state, updated_at FROM forge_state`)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("forge_repo: list: %w", err)
	}
	defer rows.Close()

	var out []forge.Ref
	for rows.Next() {
		var ref forge.Ref
		var raw string
		if err := rows.Scan(&ref.WorldID, &ref.ForgeID, &raw, &ref.UpdatedAt); err != nil {
			return nil, fmt.Errorf("forge_repo: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ref.State); err != nil {
			return nil, fmt.Errorf("forge_repo: decode %s/%s: %w", ref.WorldID, ref.ForgeID, err)
		}
		if !ref.State.Enabled {
			continue
		}
		out = append(out, ref)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (r *ForgeRepo) Delete(ctx context.Context, worldID, forgeID string) error {
	query := r.db.Rebind(`DELETE FROM forge_state WHERE world_id = ? AND forge_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, worldID, forgeID); err != nil {
		return fmt.Errorf("forge_repo: delete %s/%s: %w", worldID, forgeID, err)
	}
	return nil
}
