package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/outpostgame/worldserver/internal/world"
)

// ChunkRepo persists chunk state as a JSON blob keyed on (world_id, chunk_x,
// chunk_z), with version tracked alongside it for optimistic-write bookkeeping.
type ChunkRepo struct {
	db *DB
}

func NewChunkRepo(db *DB) *ChunkRepo { return &ChunkRepo{db: db} }

var _ world.Repo = (*ChunkRepo)(nil)

func (r *ChunkRepo) Get(ctx context.Context, worldID string, cx, cz int32) (world.ChunkState, int64, bool, error) {
	query := r.db.Rebind(`SELECT state, version FROM world_chunk_state WHERE world_id = ? AND chunk_x = ? AND chunk_z = ?`)
	row := r.db.QueryRowContext(ctx, query, worldID, cx, cz)

	var raw string
	var version int64
	if err := row.Scan(&raw, &version); err != nil {
		if err == sql.ErrNoRows {
			return world.ChunkState{}, 0, false, nil
		}
		return world.ChunkState{}, 0, false, fmt.Errorf("chunk_repo: get %s/%d:%d: %w", worldID, cx, cz, err)
	}

	var st world.ChunkState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return world.ChunkState{}, 0, false, fmt.Errorf("chunk_repo: decode %s/%d:%d: %w", worldID, cx, cz, err)
	}
	st.Version = version
	return st, version, true, nil
}

func (r *ChunkRepo) Put(ctx context.Context, worldID string, cx, cz int32, st world.ChunkState, version int64) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("chunk_repo: encode %s/%d:%d: %w", worldID, cx, cz, err)
	}

	var query string
	switch r.db.Dialect {
	case "postgres":
		query = r.db.Rebind(`
			INSERT INTO world_chunk_state (world_id, chunk_x, chunk_z, version, state)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (world_id, chunk_x, chunk_z) DO UPDATE SET
				version = EXCLUDED.version, state = EXCLUDED.state, updated_at = CURRENT_TIMESTAMP`)
	default:
		query = r.db.Rebind(`
			INSERT INTO world_chunk_state (world_id, chunk_x, chunk_z, version, state)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (world_id, chunk_x, chunk_z) DO UPDATE SET
				version = excluded.version, state = excluded.state, updated_at = CURRENT_TIMESTAMP`)
	}

	if _, err := r.db.ExecContext(ctx, query, worldID, cx, cz, version, string(raw)); err != nil {
		return fmt.Errorf("chunk_repo: put %s/%d:%d: %w", worldID, cx, cz, err)
	}
	return nil
}
