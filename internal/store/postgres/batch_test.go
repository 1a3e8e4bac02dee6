package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/store"
	"github.com/digichar/keeper/internal/store/postgres"
)

func TestBatchRepo_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewBatchRepo(db, clock.Real{})
	ctx := context.Background()

	chars := []store.BatchCharacter{
		{Index: 0, Name: "Ada", Symbol: "ADA", Description: "a", Avatar: []byte{0x89, 0x50}},
		{Index: 1, Name: "Bram", Symbol: "BRAM", Description: "b", Avatar: []byte{0x89, 0x51}},
	}
	if err := repo.CreateBatch(ctx, &store.Batch{RoundID: 8}, chars); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := repo.CreateBatch(ctx, &store.Batch{RoundID: 8}, chars); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("duplicate CreateBatch: err = %v, want ErrDuplicateKey", err)
	}

	if err := repo.MarkCharacterPublished(ctx, 8, 1, "QmA", "QmM"); err != nil {
		t.Fatalf("MarkCharacterPublished: %v", err)
	}
	if err := repo.SetBatchStatus(ctx, 8, store.BatchRegistered, "0xbeef"); err != nil {
		t.Fatalf("SetBatchStatus: %v", err)
	}

	b, got, err := repo.GetBatch(ctx, 8)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Status != store.BatchRegistered || b.TxHash == nil || *b.TxHash != "0xbeef" {
		t.Errorf("batch = %+v", b)
	}
	if len(got) != 2 {
		t.Fatalf("got %d characters, want 2", len(got))
	}
	if got[0].Published() || !got[1].Published() {
		t.Errorf("published flags = [%v %v], want [false true]", got[0].Published(), got[1].Published())
	}
	if string(got[0].Avatar) != string(chars[0].Avatar) {
		t.Errorf("avatar bytes not round-tripped")
	}

	registered, err := repo.ListByStatus(ctx, store.BatchRegistered)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(registered) != 1 {
		t.Errorf("ListByStatus returned %d, want 1", len(registered))
	}
}

func TestBatchRepo_GetMissing(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewBatchRepo(db, clock.Real{})

	if _, _, err := repo.GetBatch(context.Background(), 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
