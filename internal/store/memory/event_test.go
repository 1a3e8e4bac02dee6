package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/event"
	"github.com/digichar/keeper/internal/store"
)

func TestEventStore_AssignsVersions(t *testing.T) {
	es := NewEventStore(clock.Real{})
	ctx := context.Background()

	agg := event.RoundAggregate(7)
	if err := es.Append(ctx,
		event.Event{AggregateID: agg, Type: event.RoundCloseSubmitted, Data: json.RawMessage(`{}`)},
		event.Event{AggregateID: agg, Type: event.RoundClosed, Data: json.RawMessage(`{}`)},
	); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := es.Append(ctx, event.Event{AggregateID: agg, Type: event.BatchGenerated, Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := es.Load(ctx, agg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("Load returned %d events, want 3", len(loaded))
	}
	for i, e := range loaded {
		if e.Version != i+1 {
			t.Errorf("event[%d].Version = %d, want %d", i, e.Version, i+1)
		}
		if e.ID == "" {
			t.Errorf("event[%d] has no id", i)
		}
	}
}

func TestEventStore_DuplicateVersion(t *testing.T) {
	es := NewEventStore(clock.Real{})
	ctx := context.Background()

	e := event.Event{AggregateID: "a", Type: event.ConfigUpdated, Version: 1}
	if err := es.Append(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := es.Append(ctx, e); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestEventStore_LoadByType(t *testing.T) {
	es := NewEventStore(clock.Real{})
	ctx := context.Background()

	if err := es.Append(ctx,
		event.Event{AggregateID: "round-1", Type: event.RoundClosed},
		event.Event{AggregateID: "round-2", Type: event.RoundClosed},
		event.Event{AggregateID: "round-2", Type: event.BatchRegistered},
	); err != nil {
		t.Fatal(err)
	}

	closed, err := es.LoadByType(ctx, event.RoundClosed)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 2 {
		t.Errorf("LoadByType returned %d, want 2", len(closed))
	}
}
