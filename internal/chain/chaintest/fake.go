// Package chaintest provides an in-memory AuctionVault and Config contract
// that implements chain.Reader and chain.Writer with scripted faults.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/clock"
)

// Fault is the scripted result of the next write.
type Fault int

const (
	// None lets the write succeed.
	None Fault = iota
	// Rejected fails before signing. Nothing is broadcast.
	Rejected
	// Revert mines the transaction with a failed status.
	Revert
	// TimeoutLanded applies the write but reports a timeout to the caller.
	TimeoutLanded
	// TimeoutPending leaves the transaction in the mempool.
	TimeoutPending
	// TimeoutDropped loses the transaction after broadcast.
	TimeoutDropped
)

// Call records one broadcast transaction.
type Call struct {
	Method string
	Hash   common.Hash
	Args   []any
}

type round struct {
	end     time.Time
	closed  bool
	chars   [chain.CharactersPerRound]chain.CharacterData
	bidders [chain.CharactersPerRound]*common.Address
	// winner records the close arguments that landed.
	winner *chain.Outcome
}

type tx struct {
	status  chain.TxStatus
	receipt *types.Receipt
}

// Fake is safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	clock clock.Clock

	current uint64
	rounds  map[uint64]*round
	config  map[chain.Field]string
	txs     map[common.Hash]*tx
	nonce   uint64

	faults    []Fault
	readFails int

	broadcasts []Call
	closes     map[uint64]int
	cfgWrites  int
}

var (
	_ chain.Reader = (*Fake)(nil)
	_ chain.Writer = (*Fake)(nil)
)

// New returns a fake with no rounds. Round ids start at 1.
func New(clk clock.Clock) *Fake {
	return &Fake{
		clock:  clk,
		rounds: make(map[uint64]*round),
		config: map[chain.Field]string{chain.FieldAuctionDuration: "86400"},
		txs:    make(map[common.Hash]*tx),
		closes: make(map[uint64]int),
	}
}

// SetRound installs round id as the current round ending at end with the
// given pool balances.
func (f *Fake) SetRound(id uint64, end time.Time, pools ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := &round{end: end}
	for i := range r.chars {
		r.chars[i] = chain.CharacterData{
			URI:         fmt.Sprintf("ipfs://round-%d-%d", id, i),
			Name:        fmt.Sprintf("Round %d #%d", id, i),
			Symbol:      fmt.Sprintf("R%dC%d", id, i),
			PoolBalance: new(big.Int),
		}
		if i < len(pools) {
			r.chars[i].PoolBalance = big.NewInt(pools[i])
		}
	}
	f.rounds[id] = r
	if id > f.current {
		f.current = id
	}
}

// SetTopBidder sets the top bidder of one character.
func (f *Fake) SetTopBidder(id uint64, index uint8, bidder common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds[id].bidders[index] = &bidder
}

// CloseExternally marks a round closed as if another party closed it.
func (f *Fake) CloseExternally(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds[id].closed = true
}

// SetConfig sets a config value without a transaction.
func (f *Fake) SetConfig(field chain.Field, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config[field] = value
}

// Fail queues faults consumed in order by subsequent writes.
func (f *Fake) Fail(faults ...Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, faults...)
}

// FailReads makes the next n reads fail.
func (f *Fake) FailReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readFails = n
}

// Mine confirms a pending transaction, applying nothing.
func (f *Fake) Mine(h common.Hash, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	f.txs[h] = &tx{status: chain.TxMined, receipt: &types.Receipt{TxHash: h, Status: status}}
}

// Broadcasts returns every broadcast transaction, optionally filtered by
// method.
func (f *Fake) Broadcasts(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.broadcasts {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// EffectiveCloses returns how many closes of round id changed state.
func (f *Fake) EffectiveCloses(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[id]
}

// ConfigWrites returns how many config setters changed state.
func (f *Fake) ConfigWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfgWrites
}

// ClosedWith returns the close arguments that landed for round id.
func (f *Fake) ClosedWith(id uint64) (chain.Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[id]
	if !ok || r.winner == nil {
		return chain.Outcome{}, false
	}
	return *r.winner, true
}

// Reader

func (f *Fake) read() error {
	if f.readFails > 0 {
		f.readFails--
		return fmt.Errorf("%w: injected read failure", chain.ErrChainRead)
	}
	return nil
}

func (f *Fake) CurrentRoundID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(); err != nil {
		return 0, err
	}
	return f.current, nil
}

func (f *Fake) CurrentRound(ctx context.Context) (chain.Round, error) {
	f.mu.Lock()
	id := f.current
	f.mu.Unlock()
	return f.Round(ctx, id)
}

func (f *Fake) Round(_ context.Context, id uint64) (chain.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(); err != nil {
		return chain.Round{}, err
	}
	r, ok := f.rounds[id]
	if !ok {
		// No end time on chain reads as closed.
		return chain.Round{ID: id, EndTime: time.Unix(0, 0).UTC(), Closed: true}, nil
	}
	return chain.Round{ID: id, EndTime: r.end, Closed: r.closed || f.current > id}, nil
}

func (f *Fake) ClosingTimestamp(ctx context.Context, id uint64) (time.Time, error) {
	r, err := f.Round(ctx, id)
	return r.EndTime, err
}

func (f *Fake) RoundClosed(ctx context.Context, id uint64) (bool, error) {
	r, err := f.Round(ctx, id)
	return r.Closed, err
}

func (f *Fake) CharacterData(_ context.Context, id uint64, index uint8) (chain.CharacterData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(); err != nil {
		return chain.CharacterData{}, err
	}
	r, ok := f.rounds[id]
	if !ok || int(index) >= len(r.chars) {
		return chain.CharacterData{PoolBalance: new(big.Int)}, nil
	}
	return r.chars[index], nil
}

func (f *Fake) TopBid(_ context.Context, id uint64, index uint8) (*common.Address, *big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(); err != nil {
		return nil, nil, err
	}
	r, ok := f.rounds[id]
	if !ok || r.bidders[index] == nil {
		return nil, new(big.Int), nil
	}
	b := *r.bidders[index]
	return &b, r.chars[index].PoolBalance, nil
}

func (f *Fake) Outcome(ctx context.Context, id uint64) (chain.Outcome, error) {
	chars := make([]chain.CharacterData, chain.CharactersPerRound)
	for i := range chars {
		d, err := f.CharacterData(ctx, id, uint8(i))
		if err != nil {
			return chain.Outcome{}, err
		}
		chars[i] = d
	}
	idx, pool := chain.Winner(chars)
	bidder, _, err := f.TopBid(ctx, id, idx)
	if err != nil {
		return chain.Outcome{}, err
	}
	return chain.Outcome{WinningIndex: idx, TopBidder: bidder, PoolBalance: pool}, nil
}

func (f *Fake) ConfigValue(_ context.Context, field chain.Field) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(); err != nil {
		return "", err
	}
	spec, ok := chain.LookupField(field)
	if !ok {
		return "", fmt.Errorf("%w: unknown field %q", chain.ErrChainRead, field)
	}
	v, ok := f.config[field]
	if !ok {
		if spec.Kind == chain.KindAddress {
			return common.Address{}.Hex(), nil
		}
		return "0", nil
	}
	return v, nil
}

func (f *Fake) Receipt(_ context.Context, h common.Hash) (chain.TxStatus, *types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(); err != nil {
		return chain.TxUnknown, nil, err
	}
	t, ok := f.txs[h]
	if !ok {
		return chain.TxUnknown, nil, nil
	}
	return t.status, t.receipt, nil
}

// Writer

var errRevert = errors.New("execution reverted")

func (f *Fake) SubmitClose(ctx context.Context, _ uint64, topBidder common.Address, idx uint8, onSigned chain.SignedHook) (*types.Receipt, error) {
	return f.write(ctx, "closeCurrentAuction", []any{topBidder, idx}, onSigned,
		func() error {
			r := f.rounds[f.current]
			if r == nil || r.closed {
				return fmt.Errorf("%w: auction already closed", errRevert)
			}
			if f.clock.Now().Before(r.end) {
				return fmt.Errorf("%w: auction not ended", errRevert)
			}
			return nil
		},
		func() {
			r := f.rounds[f.current]
			r.closed = true
			bidder := topBidder
			r.winner = &chain.Outcome{WinningIndex: idx, TopBidder: &bidder, PoolBalance: r.chars[idx].PoolBalance}
			f.closes[f.current]++
		})
}

func (f *Fake) RegisterCharacters(ctx context.Context, _ uint64, regs []chain.Registration, onSigned chain.SignedHook) (*types.Receipt, error) {
	return f.write(ctx, "startAuction", []any{regs}, onSigned,
		func() error {
			if r := f.rounds[f.current]; r != nil && !r.closed {
				return fmt.Errorf("%w: current auction still open", errRevert)
			}
			if len(regs) != chain.CharactersPerRound {
				return fmt.Errorf("%w: need %d characters", errRevert, chain.CharactersPerRound)
			}
			return nil
		},
		func() {
			secs, _ := strconv.ParseInt(f.config[chain.FieldAuctionDuration], 10, 64)
			f.current++
			r := &round{end: f.clock.Now().Add(time.Duration(secs) * time.Second)}
			for i, reg := range regs {
				r.chars[i] = chain.CharacterData{URI: reg.URI, Name: reg.Name, Symbol: reg.Symbol, PoolBalance: new(big.Int)}
			}
			f.rounds[f.current] = r
		})
}

func (f *Fake) SubmitConfigUpdate(ctx context.Context, field chain.Field, value string, onSigned chain.SignedHook) (*types.Receipt, error) {
	spec, ok := chain.LookupField(field)
	if !ok {
		return nil, &chain.TxError{Kind: chain.ErrTxRejected, Method: string(field), Err: errors.New("unknown field")}
	}
	canonical, err := spec.Canonical(value)
	if err != nil {
		return nil, &chain.TxError{Kind: chain.ErrTxRejected, Method: spec.Setter, Err: err}
	}
	return f.write(ctx, spec.Setter, []any{canonical}, onSigned,
		func() error { return nil },
		func() {
			f.config[field] = canonical
			f.cfgWrites++
		})
}

func (f *Fake) write(ctx context.Context, method string, args []any, onSigned chain.SignedHook, check func() error, apply func()) (*types.Receipt, error) {
	f.mu.Lock()
	fault := None
	if len(f.faults) > 0 {
		fault, f.faults = f.faults[0], f.faults[1:]
	}
	if fault == Rejected {
		f.mu.Unlock()
		return nil, &chain.TxError{Kind: chain.ErrTxRejected, Method: method, Err: errors.New("injected rejection")}
	}
	if err := check(); err != nil && fault != Revert {
		f.mu.Unlock()
		return nil, &chain.TxError{Kind: chain.ErrTxReverted, Method: method, Err: err}
	}
	f.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.nonce)
	h := crypto.Keccak256Hash([]byte(method), buf[:])
	f.mu.Unlock()

	if onSigned != nil {
		if err := onSigned(ctx, h); err != nil {
			return nil, &chain.TxError{Kind: chain.ErrTxRejected, Method: method, Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcasts = append(f.broadcasts, Call{Method: method, Hash: h, Args: args})

	timeout := &chain.TxError{Kind: chain.ErrTxTimeout, Method: method, TxHash: h, Err: context.DeadlineExceeded}
	switch fault {
	case TimeoutPending:
		f.txs[h] = &tx{status: chain.TxPending}
		return nil, timeout
	case TimeoutDropped:
		return nil, timeout
	}

	// The world may have changed between signing and broadcast.
	if fault == Revert || check() != nil {
		receipt := &types.Receipt{TxHash: h, Status: types.ReceiptStatusFailed}
		f.txs[h] = &tx{status: chain.TxMined, receipt: receipt}
		if fault == TimeoutLanded {
			return nil, timeout
		}
		return receipt, &chain.TxError{Kind: chain.ErrTxReverted, Method: method, TxHash: h, Err: errRevert}
	}

	apply()
	receipt := &types.Receipt{TxHash: h, Status: types.ReceiptStatusSuccessful}
	f.txs[h] = &tx{status: chain.TxMined, receipt: receipt}
	if fault == TimeoutLanded {
		return nil, timeout
	}
	return receipt, nil
}
