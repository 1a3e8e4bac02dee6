package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/store"
)

func TestBatchRepo_CreateAndPublish(t *testing.T) {
	repo := NewBatchRepo(clock.Real{})
	ctx := context.Background()

	chars := []store.BatchCharacter{
		{Index: 1, Name: "Bram", Symbol: "BRAM", Avatar: []byte{2}},
		{Index: 0, Name: "Ada", Symbol: "ADA", Avatar: []byte{1}},
	}
	if err := repo.CreateBatch(ctx, &store.Batch{RoundID: 8}, chars); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := repo.CreateBatch(ctx, &store.Batch{RoundID: 8}, chars); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("second CreateBatch: err = %v, want ErrDuplicateKey", err)
	}

	if err := repo.MarkCharacterPublished(ctx, 8, 1, "QmAvatar", "QmMeta"); err != nil {
		t.Fatalf("MarkCharacterPublished: %v", err)
	}
	if err := repo.MarkCharacterPublished(ctx, 8, 5, "x", "y"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkCharacterPublished unknown index: err = %v, want ErrNotFound", err)
	}

	b, got, err := repo.GetBatch(ctx, 8)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Status != store.BatchPending {
		t.Errorf("status = %q, want pending", b.Status)
	}
	if len(got) != 2 || got[0].Name != "Ada" {
		t.Fatalf("characters not ordered by index: %+v", got)
	}
	if got[0].Published() {
		t.Error("character 0 should not be published")
	}
	if !got[1].Published() || *got[1].MetadataCID != "QmMeta" {
		t.Errorf("character 1 = %+v, want published", got[1])
	}
}

func TestBatchRepo_Status(t *testing.T) {
	repo := NewBatchRepo(clock.Real{})
	ctx := context.Background()

	if _, _, err := repo.GetBatch(ctx, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetBatch: err = %v, want ErrNotFound", err)
	}
	for _, id := range []uint64{4, 3} {
		if err := repo.CreateBatch(ctx, &store.Batch{RoundID: id}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.SetBatchStatus(ctx, 4, store.BatchRegistered, "0xfeed"); err != nil {
		t.Fatalf("SetBatchStatus: %v", err)
	}

	pending, err := repo.ListByStatus(ctx, store.BatchPending, store.BatchPublished)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].RoundID != 3 {
		t.Errorf("pending = %+v, want round 3", pending)
	}

	b, _, err := repo.GetBatch(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if b.TxHash == nil || *b.TxHash != "0xfeed" {
		t.Errorf("tx hash = %v, want 0xfeed", b.TxHash)
	}
}
