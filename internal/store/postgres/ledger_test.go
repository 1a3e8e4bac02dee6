package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/store"
	"github.com/digichar/keeper/internal/store/postgres"
)

func TestLedgerRepo_ConcurrentClaim(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.Claim(ctx, 7, fmt.Sprintf("keeper-%d", i))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", got)
	}
}

func TestLedgerRepo_SubmitAndClose(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	if ok, err := repo.Claim(ctx, 7, "keeper-a"); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}

	sub := store.Submission{
		IntentID:     "6f1c1c1e-8a47-4c55-9b1e-9d7c3f2d7e10",
		TopBidder:    "0x0000000000000000000000000000000000000ABC",
		WinningIndex: 2,
		TxHash:       "0xfeed",
	}
	if err := repo.MarkSubmitted(ctx, 7, "keeper-b", sub); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("MarkSubmitted by non-owner: err = %v, want ErrNotOwner", err)
	}
	if err := repo.MarkSubmitted(ctx, 7, "keeper-a", sub); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}

	got, err := repo.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.LedgerSubmitted {
		t.Errorf("Status = %q, want submitted", got.Status)
	}
	if got.WinningIndex == nil || *got.WinningIndex != 2 {
		t.Errorf("WinningIndex = %v, want 2", got.WinningIndex)
	}

	if err := repo.MarkClosed(ctx, 7, ""); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}
	got, err = repo.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.LedgerClosed || got.TxHash == nil || *got.TxHash != "0xfeed" {
		t.Errorf("entry after close = %+v, want closed keeping tx hash", got)
	}
}

func TestLedgerRepo_ReleaseAndRetake(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	if _, err := repo.Release(ctx, 3, "keeper-a", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Release missing: err = %v, want ErrNotFound", err)
	}
	if ok, _ := repo.Claim(ctx, 3, "keeper-a"); !ok {
		t.Fatal("Claim failed")
	}
	if _, err := repo.Release(ctx, 3, "keeper-b", "x"); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("Release by non-owner: err = %v, want ErrNotOwner", err)
	}
	n, err := repo.Release(ctx, 3, "keeper-a", "reverted")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if ok, _ := repo.Claim(ctx, 3, "keeper-b"); !ok {
		t.Fatal("retake after release failed")
	}

	entries, err := repo.ListByStatus(ctx, store.LedgerClaimed)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(entries) != 1 || entries[0].Owner != "keeper-b" || entries[0].Attempts != 1 {
		t.Errorf("ListByStatus = %+v", entries)
	}

	if err := repo.MarkFailed(ctx, 3, "gave up"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if ok, _ := repo.Claim(ctx, 3, "keeper-c"); ok {
		t.Error("Claim succeeded on failed round")
	}

	if err := repo.Reset(ctx, 3); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ok, _ := repo.Claim(ctx, 3, "keeper-c"); !ok {
		t.Fatal("Claim after Reset failed")
	}
	if err := repo.Reset(ctx, 3); err == nil {
		t.Error("Reset of a claimed round succeeded")
	}
}
