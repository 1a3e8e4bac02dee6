package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Field names one protocol configuration parameter.
type Field string

const (
	FieldWETH                 Field = "weth"
	FieldLPLockBps            Field = "lp_lock_bps"
	FieldSwapRouter           Field = "swap_router"
	FieldSwapFactory          Field = "swap_factory"
	FieldAuctionVault         Field = "auction_vault"
	FieldAuctionDuration      Field = "auction_duration"
	FieldDigicharFactory      Field = "digichar_factory"
	FieldProtocolAdmin        Field = "protocol_admin"
	FieldProtocolAdminTaxBps  Field = "protocol_admin_tax_bps"
	FieldCharacterOwnerTaxBps Field = "character_owner_tax_bps"
	FieldOwnershipCertificate Field = "ownership_certificate"
)

// Kind is the solidity type of a config field.
type Kind int

const (
	KindAddress Kind = iota
	KindUint
)

func (k Kind) abiType() string {
	if k == KindAddress {
		return "address"
	}
	return "uint256"
}

// FieldSpec maps a field to its Config contract methods.
type FieldSpec struct {
	Name   Field
	Setter string
	Getter string
	Kind   Kind
}

// Fields lists every configurable parameter.
var Fields = []FieldSpec{
	{FieldWETH, "setWeth", "weth", KindAddress},
	{FieldLPLockBps, "setLpLockBps", "lpLockBps", KindUint},
	{FieldSwapRouter, "setSwapRouter", "swapRouter", KindAddress},
	{FieldSwapFactory, "setSwapFactory", "swapFactory", KindAddress},
	{FieldAuctionVault, "setAuctionVault", "auctionVault", KindAddress},
	{FieldAuctionDuration, "setAuctionDuration", "auctionDuration", KindUint},
	{FieldDigicharFactory, "setDigicharFactory", "digicharFactory", KindAddress},
	{FieldProtocolAdmin, "updateProtocolAdmin", "protocolAdmin", KindAddress},
	{FieldProtocolAdminTaxBps, "setProtocolAdminTaxBps", "protocolAdminTaxBps", KindUint},
	{FieldCharacterOwnerTaxBps, "setCharacterOwnerTaxBps", "characterOwnerTaxBps", KindUint},
	{FieldOwnershipCertificate, "setOwnershipCertificate", "ownershipCertificate", KindAddress},
}

// LookupField returns the spec for name.
func LookupField(name Field) (FieldSpec, bool) {
	for _, f := range Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Canonical parses raw for the field's kind and returns its canonical text:
// a checksummed address or a base-10 integer.
func (f FieldSpec) Canonical(raw string) (string, error) {
	v, err := f.Parse(raw)
	if err != nil {
		return "", err
	}
	return f.Format(v), nil
}

// Parse converts raw into the Go value the ABI expects for the field.
func (f FieldSpec) Parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch f.Kind {
	case KindAddress:
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("%s: %q is not a hex address", f.Name, raw)
		}
		return common.HexToAddress(raw), nil
	default:
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%s: %q is not a non-negative integer", f.Name, raw)
		}
		return n, nil
	}
}

// Format renders a value returned by the ABI for the field.
func (f FieldSpec) Format(v any) string {
	switch x := v.(type) {
	case common.Address:
		return x.Hex()
	case *big.Int:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
