// Package memory provides an in-process store.Driver. State lives for the
// life of the process, which suits local development against a test chain
// and unit tests of the coordinator and pipeline.
package memory

import (
	"context"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/config"
	"github.com/digichar/keeper/internal/store"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func init() {
	store.Register("memory", open)
}

func open(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk), nil
}

// New returns a fresh set of in-memory repositories.
func New(clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Ledger:  NewLedgerRepo(clk),
		Batches: NewBatchRepo(clk),
		Events:  NewEventStore(clk),
		Closer:  nopCloser{},
		Ping:    func(context.Context) error { return nil },
	}
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }
