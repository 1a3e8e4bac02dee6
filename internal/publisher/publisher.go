// Package publisher stores character assets in a content-addressed store.
// Publishing is idempotent: identical bytes always yield the same id.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/config"
)

// ErrPublish wraps every failed upload.
var ErrPublish = errors.New("publish failed")

// ContentID is a content identifier such as a CIDv0.
type ContentID string

// URI returns the ipfs:// form used in token metadata.
func (c ContentID) URI() string {
	return "ipfs://" + string(c)
}

func (c ContentID) String() string { return string(c) }

// Publisher uploads bytes and returns their content identifier.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (ContentID, error)
}

// New builds the publisher selected by cfg.Driver.
func New(cfg config.PublisherConfig, logger *slog.Logger, tp trace.TracerProvider) (Publisher, error) {
	switch cfg.Driver {
	case "ipfs":
		return NewIPFS(cfg, logger, tp), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown publisher driver %q", cfg.Driver)
	}
}
