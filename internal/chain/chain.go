// Package chain reads auction and protocol configuration state from the
// AuctionVault and Config contracts and submits the keeper's transactions.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CharactersPerRound is the number of characters auctioned in each round.
const CharactersPerRound = 3

// Round is the chain's view of one auction round.
type Round struct {
	ID      uint64
	EndTime time.Time
	// Closed is true once a later round exists or the contract reports a
	// zero end time, which it does before the first round and after a close.
	Closed bool
}

// CharacterData is one character slot of a round.
type CharacterData struct {
	URI         string
	Name        string
	Symbol      string
	PoolBalance *big.Int
	IsWinner    bool
}

// Outcome is the close arguments derived from a round's bids.
type Outcome struct {
	WinningIndex uint8
	// TopBidder is nil when the winning character received no bids.
	TopBidder   *common.Address
	PoolBalance *big.Int
}

// Registration is one character handed to startAuction.
type Registration struct {
	URI    string
	Name   string
	Symbol string
}

// TxStatus is what the node knows about a transaction hash.
type TxStatus int

const (
	// TxUnknown means the node has no record of the transaction.
	TxUnknown TxStatus = iota
	// TxPending means the transaction is in the mempool.
	TxPending
	// TxMined means a receipt exists. Check its status for success.
	TxMined
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	default:
		return "unknown"
	}
}

// SignedHook runs after a transaction is signed and before it is
// broadcast. An error aborts the broadcast.
type SignedHook func(ctx context.Context, txHash common.Hash) error

// Reader is the read-only view of the contracts. Every error wraps
// ErrChainRead.
type Reader interface {
	CurrentRoundID(ctx context.Context) (uint64, error)
	CurrentRound(ctx context.Context) (Round, error)
	Round(ctx context.Context, roundID uint64) (Round, error)
	ClosingTimestamp(ctx context.Context, roundID uint64) (time.Time, error)
	RoundClosed(ctx context.Context, roundID uint64) (bool, error)
	CharacterData(ctx context.Context, roundID uint64, index uint8) (CharacterData, error)
	TopBid(ctx context.Context, roundID uint64, index uint8) (*common.Address, *big.Int, error)
	Outcome(ctx context.Context, roundID uint64) (Outcome, error)
	ConfigValue(ctx context.Context, field Field) (string, error)
	Receipt(ctx context.Context, txHash common.Hash) (TxStatus, *types.Receipt, error)
}

// Writer submits transactions. Each call broadcasts at most one
// transaction and fails with a *TxError.
type Writer interface {
	SubmitClose(ctx context.Context, roundID uint64, topBidder common.Address, winningIndex uint8, onSigned SignedHook) (*types.Receipt, error)
	RegisterCharacters(ctx context.Context, roundID uint64, regs []Registration, onSigned SignedHook) (*types.Receipt, error)
	SubmitConfigUpdate(ctx context.Context, field Field, value string, onSigned SignedHook) (*types.Receipt, error)
}

// Winner picks the character with the largest pool. Ties go to the lowest
// index.
func Winner(chars []CharacterData) (uint8, *big.Int) {
	var (
		idx uint8
		max = new(big.Int)
	)
	for i, c := range chars {
		if c.PoolBalance != nil && c.PoolBalance.Cmp(max) > 0 {
			idx = uint8(i)
			max = c.PoolBalance
		}
	}
	return idx, max
}
