package postgres

import (
	"context"
	"fmt"

	"github.com/matheusmosca/variant-reservations/internal/storage"
)

// InsertBarrier records a DTM branch barrier inside tx, the same row the DTM client writes
// for a branch. A row already present means the server decided that branch first, and
// storage.ErrConflict is returned so the caller rolls tx back.
func (s *Store) InsertBarrier(ctx context.Context, tx storage.Tx, transType, gid, branchID, op, barrierID string) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	tag, err := pgTx.Exec(ctx, `
		INSERT INTO dtm_barrier.barrier (trans_type, gid, branch_id, op, barrier_id, reason, create_time, update_time)
		VALUES ($1, $2, $3, $4, $5, $4, NOW(), NOW())
		ON CONFLICT ON CONSTRAINT uniq_barrier DO NOTHING`,
		transType, gid, branchID, op, barrierID,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: barrier %s/%s/%s already recorded", storage.ErrConflict, gid, branchID, op)
	}
	return nil
}
