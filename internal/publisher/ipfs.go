package publisher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	shell "github.com/ipfs/go-ipfs-api"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/config"
)

// IPFS publishes through a Kubo HTTP API.
type IPFS struct {
	sh          *shell.Shell
	pin         bool
	maxAttempts uint64
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewIPFS returns a publisher for the node at cfg.APIURL.
func NewIPFS(cfg config.PublisherConfig, logger *slog.Logger, tp trace.TracerProvider) *IPFS {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := uint64(cfg.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}
	return &IPFS{
		sh:          shell.NewShellWithClient(cfg.APIURL, &http.Client{Timeout: timeout}),
		pin:         cfg.Pin,
		maxAttempts: attempts,
		newBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:      logger,
		tracer:      tp.Tracer("github.com/digichar/keeper/internal/publisher"),
	}
}

// Publish adds data as a CIDv0 object, retrying transient failures. Adding
// the same bytes again returns the same id.
func (p *IPFS) Publish(ctx context.Context, data []byte) (ContentID, error) {
	ctx, span := p.tracer.Start(ctx, "IPFS.Publish",
		trace.WithAttributes(attribute.Int("bytes", len(data))))
	defer span.End()

	var (
		id      string
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		id, err = p.sh.Add(bytes.NewReader(data), shell.Pin(p.pin), shell.CidVersion(0))
		if err != nil {
			p.logger.WarnContext(ctx, "ipfs add failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.maxAttempts-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: ipfs add after %d attempts: %w", ErrPublish, attempt, err)
	}

	span.SetAttributes(attribute.String("cid", id))
	return ContentID(id), nil
}
