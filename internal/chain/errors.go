package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrChainRead wraps every failed read against the node.
	ErrChainRead = errors.New("chain read failed")
	// ErrTxRejected means the node refused the transaction. Nothing was
	// broadcast, so a retry is safe.
	ErrTxRejected = errors.New("transaction rejected")
	// ErrTxReverted means execution reverted, either while estimating gas
	// or in a mined receipt.
	ErrTxReverted = errors.New("transaction reverted")
	// ErrTxTimeout means the transaction was broadcast but no receipt was
	// seen in time. The outcome is unknown until reconciled.
	ErrTxTimeout = errors.New("transaction outcome unknown")
	// ErrNoSigner is returned by writes on a read-only client.
	ErrNoSigner = errors.New("no signing key configured")
)

// TxError describes a failed write. Kind is one of ErrTxRejected,
// ErrTxReverted or ErrTxTimeout. TxHash is zero when nothing was signed.
type TxError struct {
	Kind   error
	Method string
	TxHash common.Hash
	Err    error
}

func (e *TxError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Method, e.Kind)
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " (tx %s)", e.TxHash.Hex())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TxError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TxHashOf returns the transaction hash carried by err, if any.
func TxHashOf(err error) (common.Hash, bool) {
	var txErr *TxError
	if errors.As(err, &txErr) && txErr.TxHash != (common.Hash{}) {
		return txErr.TxHash, true
	}
	return common.Hash{}, false
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
