package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/config"
)

// Backend is the node API the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Options configures a Client.
type Options struct {
	AuctionVault common.Address
	Config       common.Address
	// PrivateKey signs transactions. Nil makes the client read-only.
	PrivateKey     *ecdsa.PrivateKey
	RPCTimeout     time.Duration
	TxTimeout      time.Duration
	LogLookback    uint64
	ReadAttempts   uint64
	NewBackOff     func() backoff.BackOff
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Client implements Reader and Writer over go-ethereum contract bindings.
type Client struct {
	backend Backend
	vault   *bind.BoundContract
	cfg     *bind.BoundContract
	events  abi.ABI
	vaultAt common.Address

	auth *bind.TransactOpts
	// txMu serializes nonce use across writes from this process.
	txMu sync.Mutex

	rpcTimeout   time.Duration
	txTimeout    time.Duration
	lookback     uint64
	readAttempts uint64
	newBackOff   func() backoff.BackOff

	logger  *slog.Logger
	tracer  trace.Tracer
	closeFn func()
}

var (
	_ Reader = (*Client)(nil)
	_ Writer = (*Client)(nil)
)

// Dial connects to the node at cfg.RPCURL and binds both contracts.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger, tp trace.TracerProvider) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.RPCURL, err)
	}

	opts := Options{
		AuctionVault:   common.HexToAddress(cfg.AuctionVaultAddress),
		Config:         common.HexToAddress(cfg.ConfigAddress),
		RPCTimeout:     cfg.RPCTimeout,
		TxTimeout:      cfg.TxTimeout,
		LogLookback:    cfg.LogLookbackBlocks,
		Logger:         logger,
		TracerProvider: tp,
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		opts.PrivateKey = key
	}

	c, err := NewClient(ctx, backend, opts)
	if err != nil {
		backend.Close()
		return nil, err
	}
	c.closeFn = backend.Close
	return c, nil
}

// Close releases the node connection opened by Dial.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// NewClient binds the contracts on backend. When a private key is set the
// chain id is read from the node to build the transactor.
func NewClient(ctx context.Context, backend Backend, opts Options) (*Client, error) {
	vaultABI, err := abi.JSON(strings.NewReader(AuctionVaultABI))
	if err != nil {
		return nil, fmt.Errorf("parsing auction vault abi: %w", err)
	}
	configABI, err := abi.JSON(strings.NewReader(ConfigABI))
	if err != nil {
		return nil, fmt.Errorf("parsing config abi: %w", err)
	}

	c := &Client{
		backend:      backend,
		vault:        bind.NewBoundContract(opts.AuctionVault, vaultABI, backend, backend, backend),
		cfg:          bind.NewBoundContract(opts.Config, configABI, backend, backend, backend),
		events:       vaultABI,
		vaultAt:      opts.AuctionVault,
		rpcTimeout:   opts.RPCTimeout,
		txTimeout:    opts.TxTimeout,
		lookback:     opts.LogLookback,
		readAttempts: opts.ReadAttempts,
		newBackOff:   opts.NewBackOff,
		logger:       opts.Logger,
		tracer:       opts.TracerProvider.Tracer("github.com/digichar/keeper/internal/chain"),
	}
	if c.rpcTimeout <= 0 {
		c.rpcTimeout = 10 * time.Second
	}
	if c.txTimeout <= 0 {
		c.txTimeout = 2 * time.Minute
	}
	if c.readAttempts == 0 {
		c.readAttempts = 3
	}
	if c.newBackOff == nil {
		c.newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	if opts.PrivateKey != nil {
		chainID, err := c.chainID(ctx)
		if err != nil {
			return nil, err
		}
		auth, err := bind.NewKeyedTransactorWithChainID(opts.PrivateKey, chainID)
		if err != nil {
			return nil, fmt.Errorf("building transactor: %w", err)
		}
		c.auth = auth
	}
	return c, nil
}

// From returns the signing address, or the zero address for a read-only
// client.
func (c *Client) From() common.Address {
	if c.auth == nil {
		return common.Address{}
	}
	return c.auth.From
}

func (c *Client) chainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.retry(ctx, "chainId", func(ctx context.Context) error {
		var err error
		id, err = c.backend.ChainID(ctx)
		return err
	})
	return id, err
}

// retry runs op with a per-attempt rpc timeout and exponential backoff.
// Failures wrap ErrChainRead.
func (c *Client) retry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
		defer cancel()
		err := op(callCtx)
		if err != nil && (isRevert(err) || errors.Is(err, bind.ErrNoCode)) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.readAttempts-1), ctx)
	if err := backoff.Retry(attempt, b); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrChainRead, what, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, contract *bind.BoundContract, method string, args ...any) ([]any, error) {
	var out []any
	err := c.retry(ctx, method, func(ctx context.Context) error {
		out = nil
		return contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
	})
	return out, err
}

// CurrentRoundID returns auctionId().
func (c *Client) CurrentRoundID(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, c.vault, "auctionId")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// CurrentRound reads the active round.
func (c *Client) CurrentRound(ctx context.Context) (Round, error) {
	ctx, span := c.tracer.Start(ctx, "Client.CurrentRound")
	defer span.End()

	id, err := c.CurrentRoundID(ctx)
	if err != nil {
		return Round{}, recordErr(span, err)
	}
	span.SetAttributes(attribute.Int64("round_id", int64(id)))
	return c.round(ctx, id, id)
}

// Round reads a round by id.
func (c *Client) Round(ctx context.Context, roundID uint64) (Round, error) {
	ctx, span := c.tracer.Start(ctx, "Client.Round",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer span.End()

	current, err := c.CurrentRoundID(ctx)
	if err != nil {
		return Round{}, recordErr(span, err)
	}
	return c.round(ctx, roundID, current)
}

func (c *Client) round(ctx context.Context, roundID, current uint64) (Round, error) {
	sec, err := c.endTime(ctx, roundID)
	if err != nil {
		return Round{}, err
	}
	return Round{
		ID:      roundID,
		EndTime: time.Unix(sec, 0).UTC(),
		Closed:  current > roundID || sec == 0,
	}, nil
}

func (c *Client) endTime(ctx context.Context, roundID uint64) (int64, error) {
	out, err := c.call(ctx, c.vault, "getAuctionEndTime", new(big.Int).SetUint64(roundID))
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Int64(), nil
}

// ClosingTimestamp returns getAuctionEndTime(roundID).
func (c *Client) ClosingTimestamp(ctx context.Context, roundID uint64) (time.Time, error) {
	sec, err := c.endTime(ctx, roundID)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

// RoundClosed reports whether the round is closed on chain: a later round
// exists or the contract reports no end time for it.
func (c *Client) RoundClosed(ctx context.Context, roundID uint64) (bool, error) {
	r, err := c.Round(ctx, roundID)
	if err != nil {
		return false, err
	}
	return r.Closed, nil
}

// CharacterData returns getAuctionCharacterData(roundID, index).
func (c *Client) CharacterData(ctx context.Context, roundID uint64, index uint8) (CharacterData, error) {
	out, err := c.call(ctx, c.vault, "getAuctionCharacterData", new(big.Int).SetUint64(roundID), index)
	if err != nil {
		return CharacterData{}, err
	}
	return CharacterData{
		URI:         out[0].(string),
		Name:        out[1].(string),
		Symbol:      out[2].(string),
		PoolBalance: out[3].(*big.Int),
		IsWinner:    out[4].(bool),
	}, nil
}

// Outcome derives the close arguments for a round from fresh reads.
func (c *Client) Outcome(ctx context.Context, roundID uint64) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "Client.Outcome",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer span.End()

	chars := make([]CharacterData, CharactersPerRound)
	for i := range chars {
		d, err := c.CharacterData(ctx, roundID, uint8(i))
		if err != nil {
			return Outcome{}, recordErr(span, err)
		}
		chars[i] = d
	}
	idx, pool := Winner(chars)

	bidder, _, err := c.TopBid(ctx, roundID, idx)
	if err != nil {
		return Outcome{}, recordErr(span, err)
	}
	return Outcome{WinningIndex: idx, TopBidder: bidder, PoolBalance: pool}, nil
}

// ConfigValue reads the current value of field in canonical form.
func (c *Client) ConfigValue(ctx context.Context, field Field) (string, error) {
	spec, ok := LookupField(field)
	if !ok {
		return "", fmt.Errorf("%w: unknown config field %q", ErrChainRead, field)
	}
	out, err := c.call(ctx, c.cfg, spec.Getter)
	if err != nil {
		return "", err
	}
	return spec.Format(out[0]), nil
}

// Receipt looks up a transaction by hash.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (TxStatus, *types.Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "Client.Receipt",
		trace.WithAttributes(attribute.String("tx_hash", txHash.Hex())))
	defer span.End()

	var (
		status  = TxUnknown
		receipt *types.Receipt
	)
	err := c.retry(ctx, "receipt", func(ctx context.Context) error {
		r, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			status, receipt = TxMined, r
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return err
		}
		_, pending, err := c.backend.TransactionByHash(ctx, txHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			status = TxUnknown
			return nil
		case err != nil:
			return err
		case pending:
			status = TxPending
		default:
			// Known and not pending but no receipt yet: indexing lag.
			status = TxPending
		}
		return nil
	})
	if err != nil {
		return TxUnknown, nil, recordErr(span, err)
	}
	span.SetAttributes(attribute.String("status", status.String()))
	return status, receipt, nil
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
