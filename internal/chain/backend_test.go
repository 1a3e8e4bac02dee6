package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testVault  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testConfig = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

type fakeRound struct {
	// end is zeroed by closeCurrentAuction, as the contract does.
	end      int64
	chars    [CharactersPerRound]CharacterData
	balances [CharactersPerRound]map[common.Address]*big.Int
}

// fakeBackend executes the AuctionVault and Config ABIs against in-memory
// state so the client's encoding, signing and receipt handling run for real.
type fakeBackend struct {
	mu sync.Mutex

	vaultABI  abi.ABI
	configABI abi.ABI

	auctionID uint64
	rounds    map[uint64]*fakeRound
	config    map[string]any
	logs      []types.Log

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	// knobs
	callFailures   int
	estimateErr    error
	sendErr        error
	revertOnMine   bool
	withholdMining bool
}

func newFakeBackend() *fakeBackend {
	vaultABI, err := abi.JSON(strings.NewReader(AuctionVaultABI))
	if err != nil {
		panic(err)
	}
	configABI, err := abi.JSON(strings.NewReader(ConfigABI))
	if err != nil {
		panic(err)
	}
	return &fakeBackend{
		vaultABI:  vaultABI,
		configABI: configABI,
		rounds:    make(map[uint64]*fakeRound),
		config:    make(map[string]any),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) setRound(id uint64, end int64, pools ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := newFakeRound(end)
	for i := range r.chars {
		r.chars[i] = CharacterData{
			URI:         fmt.Sprintf("ipfs://round%d-char%d", id, i),
			Name:        fmt.Sprintf("Char %d", i),
			Symbol:      fmt.Sprintf("C%d", i),
			PoolBalance: new(big.Int),
		}
		if i < len(pools) {
			r.chars[i].PoolBalance = big.NewInt(pools[i])
		}
	}
	f.rounds[id] = r
	if id > f.auctionID {
		f.auctionID = id
	}
}

func newFakeRound(end int64) *fakeRound {
	r := &fakeRound{end: end}
	for i := range r.balances {
		r.balances[i] = make(map[common.Address]*big.Int)
	}
	return r
}

// placeBid records a BidPlaced log and credits the bidder's balance.
func (f *fakeBackend) placeBid(who common.Address, round uint64, idx uint8, amount int64) {
	f.emit("BidPlaced", who, round, idx, big.NewInt(amount))
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.rounds[round].balances[idx]
	if bal[who] == nil {
		bal[who] = new(big.Int)
	}
	bal[who].Add(bal[who], big.NewInt(amount))
}

// withdrawBid records a BidWithdrawn log, which carries no character
// index, and debits the bidder's balance on idx.
func (f *fakeBackend) withdrawBid(who common.Address, round uint64, idx uint8, amount int64) {
	f.emit("BidWithdrawn", who, round, big.NewInt(amount))
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.rounds[round].balances[idx]
	if bal[who] != nil {
		bal[who].Sub(bal[who], big.NewInt(amount))
	}
}

func (f *fakeBackend) emit(name string, who common.Address, round uint64, data ...any) {
	ev := f.vaultABI.Events[name]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, types.Log{
		Address: testVault,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(who.Bytes()),
			common.BigToHash(new(big.Int).SetUint64(round)),
		},
		Data: packed,
	})
}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// ContractCaller

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.callFailures > 0 {
		f.callFailures--
		return nil, errors.New("connection reset by peer")
	}

	parsed := f.vaultABI
	if *msg.To == testConfig {
		parsed = f.configABI
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	var out []any
	switch method.Name {
	case "auctionId":
		out = []any{new(big.Int).SetUint64(f.auctionID)}
	case "getAuctionEndTime":
		r := f.rounds[args[0].(*big.Int).Uint64()]
		if r == nil {
			r = &fakeRound{}
		}
		out = []any{big.NewInt(r.end)}
	case "getUserBidBalance":
		bal := new(big.Int)
		if r := f.rounds[args[1].(*big.Int).Uint64()]; r != nil {
			if v := r.balances[args[2].(uint8)][args[0].(common.Address)]; v != nil {
				bal.Set(v)
			}
		}
		out = []any{bal}
	case "getAuctionCharacterData":
		r := f.rounds[args[0].(*big.Int).Uint64()]
		if r == nil {
			r = &fakeRound{}
		}
		c := r.chars[args[1].(uint8)]
		pool := c.PoolBalance
		if pool == nil {
			pool = new(big.Int)
		}
		out = []any{c.URI, c.Name, c.Symbol, pool, c.IsWinner}
	default:
		v, ok := f.config[method.Name]
		if !ok {
			if method.Outputs[0].Type.T == abi.AddressTy {
				v = common.Address{}
			} else {
				v = new(big.Int)
			}
		}
		out = []any{v}
	}
	return method.Outputs.Pack(out...)
}

// ContractTransactor

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 200_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil && !strings.Contains(f.sendErr.Error(), "already known") {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.withholdMining {
		return f.sendErr
	}

	status := types.ReceiptStatusSuccessful
	if f.revertOnMine {
		status = types.ReceiptStatusFailed
	} else {
		f.apply(tx)
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(101),
		GasUsed:     21_000,
	}
	return f.sendErr
}

// apply mutates contract state for a mined transaction. Callers hold mu.
func (f *fakeBackend) apply(tx *types.Transaction) {
	parsed := f.vaultABI
	if *tx.To() == testConfig {
		parsed = f.configABI
	}
	method, err := parsed.MethodById(tx.Data()[:4])
	if err != nil {
		panic(err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		panic(err)
	}

	switch method.Name {
	case "closeCurrentAuction":
		if r := f.rounds[f.auctionID]; r != nil {
			r.end = 0
		}
	case "startAuction":
		f.auctionID++
		r := newFakeRound(1_700_086_400)
		uris, names, symbols := args[0].([]string), args[1].([]string), args[2].([]string)
		for i := range uris {
			r.chars[i] = CharacterData{URI: uris[i], Name: names[i], Symbol: symbols[i], PoolBalance: new(big.Int)}
		}
		f.rounds[f.auctionID] = r
	default:
		for _, spec := range Fields {
			if spec.Setter == method.Name {
				f.config[spec.Getter] = args[0]
			}
		}
	}
}

// ContractFilterer

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Log
	for _, l := range f.logs {
		if matchTopics(l.Topics, q.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchTopics(have []common.Hash, want [][]common.Hash) bool {
	for i, alts := range want {
		if len(alts) == 0 {
			continue
		}
		if i >= len(have) {
			return false
		}
		ok := false
		for _, h := range alts {
			if have[i] == h {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

// DeployBackend and extras

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			_, mined := f.receipts[hash]
			return tx, !mined, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return 100, nil
}
