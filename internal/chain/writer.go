package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SubmitClose calls closeCurrentAuction(topBidder, winningIndex).
func (c *Client) SubmitClose(ctx context.Context, roundID uint64, topBidder common.Address, winningIndex uint8, onSigned SignedHook) (*types.Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "Client.SubmitClose",
		trace.WithAttributes(
			attribute.Int64("round_id", int64(roundID)),
			attribute.String("top_bidder", topBidder.Hex()),
			attribute.Int("winning_index", int(winningIndex)),
		))
	defer span.End()

	r, err := c.transact(ctx, c.vault, onSigned, "closeCurrentAuction", topBidder, winningIndex)
	if err != nil {
		return nil, recordErr(span, err)
	}
	return r, nil
}

// RegisterCharacters calls startAuction with the published characters of
// the next round.
func (c *Client) RegisterCharacters(ctx context.Context, roundID uint64, regs []Registration, onSigned SignedHook) (*types.Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "Client.RegisterCharacters",
		trace.WithAttributes(
			attribute.Int64("round_id", int64(roundID)),
			attribute.Int("characters", len(regs)),
		))
	defer span.End()

	uris := make([]string, len(regs))
	names := make([]string, len(regs))
	symbols := make([]string, len(regs))
	for i, r := range regs {
		uris[i], names[i], symbols[i] = r.URI, r.Name, r.Symbol
	}

	r, err := c.transact(ctx, c.vault, onSigned, "startAuction", uris, names, symbols)
	if err != nil {
		return nil, recordErr(span, err)
	}
	return r, nil
}

// SubmitConfigUpdate calls the setter for field with value parsed for the
// field's kind.
func (c *Client) SubmitConfigUpdate(ctx context.Context, field Field, value string, onSigned SignedHook) (*types.Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "Client.SubmitConfigUpdate",
		trace.WithAttributes(
			attribute.String("field", string(field)),
			attribute.String("value", value),
		))
	defer span.End()

	spec, ok := LookupField(field)
	if !ok {
		return nil, recordErr(span, &TxError{Kind: ErrTxRejected, Method: string(field), Err: fmt.Errorf("unknown config field %q", field)})
	}
	v, err := spec.Parse(value)
	if err != nil {
		return nil, recordErr(span, &TxError{Kind: ErrTxRejected, Method: spec.Setter, Err: err})
	}

	r, err := c.transact(ctx, c.cfg, onSigned, spec.Setter, v)
	if err != nil {
		return nil, recordErr(span, err)
	}
	return r, nil
}

// transact signs method without sending, runs onSigned, broadcasts once
// and waits up to the tx timeout for the receipt.
func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, onSigned SignedHook, method string, args ...any) (*types.Receipt, error) {
	if c.auth == nil {
		return nil, &TxError{Kind: ErrTxRejected, Method: method, Err: ErrNoSigner}
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	opts := *c.auth
	opts.Context = ctx
	opts.NoSend = true

	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		kind := ErrTxRejected
		if isRevert(err) {
			kind = ErrTxReverted
		}
		return nil, &TxError{Kind: kind, Method: method, Err: err}
	}
	hash := tx.Hash()

	if onSigned != nil {
		if err := onSigned(ctx, hash); err != nil {
			return nil, &TxError{Kind: ErrTxRejected, Method: method, Err: fmt.Errorf("recording signed tx: %w", err)}
		}
	}

	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		if !isAlreadyKnown(err) {
			return nil, &TxError{Kind: ErrTxRejected, Method: method, TxHash: hash, Err: err}
		}
		c.logger.WarnContext(ctx, "transaction already known to node",
			slog.String("method", method),
			slog.String("tx_hash", hash.Hex()),
		)
	}

	c.logger.InfoContext(ctx, "transaction sent",
		slog.String("method", method),
		slog.String("tx_hash", hash.Hex()),
		slog.Uint64("nonce", tx.Nonce()),
	)

	waitCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, &TxError{Kind: ErrTxTimeout, Method: method, TxHash: hash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &TxError{Kind: ErrTxReverted, Method: method, TxHash: hash,
			Err: errors.New("receipt status failed")}
	}
	return receipt, nil
}
