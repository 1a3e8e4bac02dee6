package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type bidPlaced struct {
	Bidder         common.Address
	AuctionId      *big.Int //nolint:revive // matches the ABI argument name
	CharacterIndex uint8
	Amount         *big.Int
}

// TopBid returns the bidder holding the largest balance on one character of
// a round. BidPlaced logs name the candidates and getUserBidBalance gives
// each one's current balance, so withdrawals are already netted out by the
// contract. Ties go to the bidder seen first. The address is nil when no
// balance remains.
func (c *Client) TopBid(ctx context.Context, roundID uint64, index uint8) (*common.Address, *big.Int, error) {
	ctx, span := c.tracer.Start(ctx, "Client.TopBid",
		trace.WithAttributes(
			attribute.Int64("round_id", int64(roundID)),
			attribute.Int("character_index", int(index)),
		))
	defer span.End()

	candidates, err := c.bidders(ctx, roundID, index)
	if err != nil {
		return nil, nil, recordErr(span, err)
	}

	var (
		best   *common.Address
		amount = new(big.Int)
	)
	for _, addr := range candidates {
		bal, err := c.BidBalance(ctx, addr, roundID, index)
		if err != nil {
			return nil, nil, recordErr(span, err)
		}
		if bal.Cmp(amount) > 0 {
			a := addr
			best, amount = &a, bal
		}
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return best, amount, nil
}

// BidBalance returns getUserBidBalance(user, roundID, index).
func (c *Client) BidBalance(ctx context.Context, user common.Address, roundID uint64, index uint8) (*big.Int, error) {
	out, err := c.call(ctx, c.vault, "getUserBidBalance", user, new(big.Int).SetUint64(roundID), index)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// bidders lists every address that placed a bid on index in roundID, in
// first-seen order.
func (c *Client) bidders(ctx context.Context, roundID uint64, index uint8) ([]common.Address, error) {
	placedID := c.events.Events["BidPlaced"].ID
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.vaultAt},
		Topics: [][]common.Hash{
			{placedID},
			nil,
			{common.BigToHash(new(big.Int).SetUint64(roundID))},
		},
	}

	var logs []types.Log
	err := c.retry(ctx, "bid logs", func(ctx context.Context) error {
		if c.lookback > 0 {
			head, err := c.backend.BlockNumber(ctx)
			if err != nil {
				return err
			}
			if head > c.lookback {
				q.FromBlock = new(big.Int).SetUint64(head - c.lookback)
			}
		}
		var err error
		logs, err = c.backend.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, l := range logs {
		if len(l.Topics) == 0 || l.Removed || l.Topics[0] != placedID {
			continue
		}
		var ev bidPlaced
		if err := c.vault.UnpackLog(&ev, "BidPlaced", l); err != nil {
			return nil, fmt.Errorf("%w: decoding BidPlaced: %w", ErrChainRead, err)
		}
		if ev.CharacterIndex != index || seen[ev.Bidder] {
			continue
		}
		seen[ev.Bidder] = true
		out = append(out, ev.Bidder)
	}
	return out, nil
}
