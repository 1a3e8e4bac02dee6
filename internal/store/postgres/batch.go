package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/store"
)

// BatchRepo implements store.BatchRepository with sqlx.
type BatchRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewBatchRepo returns a new BatchRepo.
func NewBatchRepo(db *sqlx.DB, clk clock.Clock) *BatchRepo {
	return &BatchRepo{db: db, clock: clk}
}

func (r *BatchRepo) CreateBatch(ctx context.Context, b *store.Batch, chars []store.BatchCharacter) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.clock.Now().UTC()
	b.Status = store.BatchPending
	b.CreatedAt, b.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO character_batches (round_id, status, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
		b.RoundID, b.Status, now)
	if isUniqueViolation(err) {
		return store.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("inserting batch %d: %w", b.RoundID, err)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO batch_characters (round_id, idx, name, symbol, description, avatar) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chars {
		if _, err := stmt.ExecContext(ctx, b.RoundID, c.Index, c.Name, c.Symbol, c.Description, c.Avatar); err != nil {
			return fmt.Errorf("inserting character (round=%d, idx=%d): %w", b.RoundID, c.Index, err)
		}
	}

	return tx.Commit()
}

func (r *BatchRepo) GetBatch(ctx context.Context, roundID uint64) (*store.Batch, []store.BatchCharacter, error) {
	var b store.Batch
	err := r.db.GetContext(ctx, &b, `SELECT * FROM character_batches WHERE round_id = $1`, roundID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("getting batch: %w", err)
	}

	var chars []store.BatchCharacter
	err = r.db.SelectContext(ctx, &chars,
		`SELECT * FROM batch_characters WHERE round_id = $1 ORDER BY idx ASC`, roundID)
	if err != nil {
		return nil, nil, fmt.Errorf("getting batch characters: %w", err)
	}
	return &b, chars, nil
}

func (r *BatchRepo) MarkCharacterPublished(ctx context.Context, roundID uint64, index int, avatarCID, metadataCID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE batch_characters SET avatar_cid = $1, metadata_cid = $2 WHERE round_id = $3 AND idx = $4`,
		avatarCID, metadataCID, roundID, index)
	if err != nil {
		return fmt.Errorf("marking character published: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *BatchRepo) SetBatchStatus(ctx context.Context, roundID uint64, status store.BatchStatus, txHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE character_batches SET status = $1, tx_hash = COALESCE($2, tx_hash), updated_at = $3 WHERE round_id = $4`,
		status, nullable(txHash), r.clock.Now().UTC(), roundID)
	if err != nil {
		return fmt.Errorf("setting batch status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *BatchRepo) ListByStatus(ctx context.Context, statuses ...store.BatchStatus) ([]store.Batch, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var batches []store.Batch
	err := r.db.SelectContext(ctx, &batches,
		`SELECT * FROM character_batches WHERE status = ANY($1) ORDER BY round_id ASC`, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	return batches, nil
}
