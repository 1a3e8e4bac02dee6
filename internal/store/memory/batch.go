package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/store"
)

type batchRecord struct {
	batch store.Batch
	chars []store.BatchCharacter
}

// BatchRepo is an in-memory implementation of store.BatchRepository.
type BatchRepo struct {
	mu    sync.RWMutex
	clock clock.Clock
	data  map[uint64]*batchRecord
}

// NewBatchRepo creates an empty batch repository.
func NewBatchRepo(clk clock.Clock) *BatchRepo {
	return &BatchRepo{clock: clk, data: make(map[uint64]*batchRecord)}
}

// CreateBatch stores b and its characters. Returns ErrDuplicateKey if the
// round already has a batch.
func (r *BatchRepo) CreateBatch(_ context.Context, b *store.Batch, chars []store.BatchCharacter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[b.RoundID]; exists {
		return store.ErrDuplicateKey
	}

	now := r.clock.Now().UTC()
	b.Status = store.BatchPending
	b.CreatedAt, b.UpdatedAt = now, now

	rec := &batchRecord{batch: *b, chars: make([]store.BatchCharacter, len(chars))}
	for i, c := range chars {
		c.RoundID = b.RoundID
		c.Avatar = append([]byte(nil), c.Avatar...)
		rec.chars[i] = c
	}
	sort.Slice(rec.chars, func(i, j int) bool { return rec.chars[i].Index < rec.chars[j].Index })
	r.data[b.RoundID] = rec
	return nil
}

// GetBatch returns copies of the batch and its characters.
func (r *BatchRepo) GetBatch(_ context.Context, roundID uint64) (*store.Batch, []store.BatchCharacter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.data[roundID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	b := rec.batch
	chars := make([]store.BatchCharacter, len(rec.chars))
	copy(chars, rec.chars)
	return &b, chars, nil
}

// MarkCharacterPublished stores the content ids for one character.
func (r *BatchRepo) MarkCharacterPublished(_ context.Context, roundID uint64, index int, avatarCID, metadataCID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.data[roundID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range rec.chars {
		if rec.chars[i].Index == index {
			rec.chars[i].AvatarCID = ptr(avatarCID)
			rec.chars[i].MetadataCID = ptr(metadataCID)
			rec.batch.UpdatedAt = r.clock.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

// SetBatchStatus moves the batch to status, recording txHash when set.
func (r *BatchRepo) SetBatchStatus(_ context.Context, roundID uint64, status store.BatchStatus, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.data[roundID]
	if !ok {
		return store.ErrNotFound
	}
	rec.batch.Status = status
	if txHash != "" {
		rec.batch.TxHash = ptr(txHash)
	}
	rec.batch.UpdatedAt = r.clock.Now().UTC()
	return nil
}

// ListByStatus returns batches in the given statuses ordered by round.
func (r *BatchRepo) ListByStatus(_ context.Context, statuses ...store.BatchStatus) ([]store.Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []store.Batch
	for _, rec := range r.data {
		if contains(statuses, rec.batch.Status) {
			out = append(out, rec.batch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundID < out[j].RoundID })
	return out, nil
}
