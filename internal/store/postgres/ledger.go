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

// LedgerRepo implements store.LedgerRepository with sqlx.
type LedgerRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewLedgerRepo returns a new LedgerRepo.
func NewLedgerRepo(db *sqlx.DB, clk clock.Clock) *LedgerRepo {
	return &LedgerRepo{db: db, clock: clk}
}

func (r *LedgerRepo) Get(ctx context.Context, roundID uint64) (*store.LedgerEntry, error) {
	var e store.LedgerEntry
	err := r.db.GetContext(ctx, &e, `SELECT * FROM round_ledger WHERE round_id = $1`, roundID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting ledger entry: %w", err)
	}
	return &e, nil
}

// Claim inserts the entry or retakes a released one in a single statement,
// so concurrent keepers sharing the database cannot both win.
func (r *LedgerRepo) Claim(ctx context.Context, roundID uint64, owner string) (bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO round_ledger (round_id, status, owner, created_at, updated_at)
		 VALUES ($1, 'claimed', $2, $3, $3)
		 ON CONFLICT (round_id) DO UPDATE
		   SET status = 'claimed', owner = EXCLUDED.owner,
		       intent_id = NULL, top_bidder = NULL, winning_index = NULL, tx_hash = NULL,
		       updated_at = EXCLUDED.updated_at
		   WHERE round_ledger.status = 'released'
		 RETURNING round_id`,
		roundID, owner, r.clock.Now().UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claiming round %d: %w", roundID, err)
	}
	return true, nil
}

func (r *LedgerRepo) MarkSubmitted(ctx context.Context, roundID uint64, owner string, sub store.Submission) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE round_ledger
		 SET status = 'submitted', intent_id = $1, top_bidder = $2, winning_index = $3, tx_hash = $4, updated_at = $5
		 WHERE round_id = $6 AND owner = $7 AND status = 'claimed'`,
		sub.IntentID, sub.TopBidder, int16(sub.WinningIndex), sub.TxHash, r.clock.Now().UTC(), roundID, owner,
	)
	if err != nil {
		return fmt.Errorf("marking round %d submitted: %w", roundID, err)
	}
	return r.expectOne(ctx, result, roundID)
}

func (r *LedgerRepo) MarkClosed(ctx context.Context, roundID uint64, txHash string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO round_ledger (round_id, status, tx_hash, created_at, updated_at)
		 VALUES ($1, 'closed', $2, $3, $3)
		 ON CONFLICT (round_id) DO UPDATE
		   SET status = 'closed', tx_hash = COALESCE(EXCLUDED.tx_hash, round_ledger.tx_hash),
		       updated_at = EXCLUDED.updated_at`,
		roundID, nullable(txHash), r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking round %d closed: %w", roundID, err)
	}
	return nil
}

func (r *LedgerRepo) Release(ctx context.Context, roundID uint64, owner, reason string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE round_ledger
		 SET status = 'released', attempts = attempts + 1, last_error = $1, updated_at = $2
		 WHERE round_id = $3 AND owner = $4 AND status IN ('claimed', 'submitted')
		 RETURNING attempts`,
		reason, r.clock.Now().UTC(), roundID, owner,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, roundID); errors.Is(getErr, store.ErrNotFound) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("releasing round %d: %w", roundID, store.ErrNotOwner)
	}
	if err != nil {
		return 0, fmt.Errorf("releasing round %d: %w", roundID, err)
	}
	return attempts, nil
}

func (r *LedgerRepo) MarkFailed(ctx context.Context, roundID uint64, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE round_ledger SET status = 'failed', last_error = $1, updated_at = $2 WHERE round_id = $3`,
		reason, r.clock.Now().UTC(), roundID,
	)
	if err != nil {
		return fmt.Errorf("marking round %d failed: %w", roundID, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *LedgerRepo) Reset(ctx context.Context, roundID uint64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE round_ledger SET status = 'released', attempts = 0, updated_at = $1
		 WHERE round_id = $2 AND status = 'failed'`,
		r.clock.Now().UTC(), roundID,
	)
	if err != nil {
		return fmt.Errorf("resetting round %d: %w", roundID, err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}
	e, err := r.Get(ctx, roundID)
	if err != nil {
		return err
	}
	return fmt.Errorf("round %d is %s, not failed", roundID, e.Status)
}

func (r *LedgerRepo) ListByStatus(ctx context.Context, statuses ...store.LedgerStatus) ([]store.LedgerEntry, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var entries []store.LedgerEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM round_ledger WHERE status = ANY($1) ORDER BY round_id ASC`, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	return entries, nil
}

func (r *LedgerRepo) expectOne(ctx context.Context, result sql.Result, roundID uint64) error {
	n, _ := result.RowsAffected()
	if n == 1 {
		return nil
	}
	e, err := r.Get(ctx, roundID)
	if err != nil {
		return err
	}
	return fmt.Errorf("round %d is %s by %q: %w", roundID, e.Status, e.Owner, store.ErrNotOwner)
}
