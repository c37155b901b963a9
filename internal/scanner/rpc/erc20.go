package rpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20 call selectors
var (
	selectorName     = common.Hex2Bytes("06fdde03")
	selectorSymbol   = common.Hex2Bytes("95d89b41")
	selectorDecimals = common.Hex2Bytes("313ce567")
)

// call executes a read-only contract call.
func (a *Adapter) call(ctx context.Context, adr common.Address, data []byte) ([]byte, error) {
	return a.eth.CallContract(ctx, ethereum.CallMsg{
		From: common.Address{},
		To:   &adr,
		Data: data,
	}, nil)
}

// Erc20Name collects name of the given ERC20 contract if possible.
// Solidity: function name() view returns(string)
func (a *Adapter) Erc20Name(ctx context.Context, adr common.Address) (string, error) {
	data, err := a.call(ctx, adr, selectorName)
	if err != nil {
		return "", a.failed("erc20_name", err)
	}
	return DecodeAbiString(data)
}

// Erc20Symbol collects symbol of the given ERC20 contract if possible.
// Solidity: function symbol() view returns(string)
func (a *Adapter) Erc20Symbol(ctx context.Context, adr common.Address) (string, error) {
	data, err := a.call(ctx, adr, selectorSymbol)
	if err != nil {
		return "", a.failed("erc20_symbol", err)
	}
	return DecodeAbiString(data)
}

// Erc20Decimals collects number of decimals of the given ERC20 contract.
// Solidity: function decimals() view returns(uint8)
func (a *Adapter) Erc20Decimals(ctx context.Context, adr common.Address) (uint8, error) {
	data, err := a.call(ctx, adr, selectorDecimals)
	if err != nil {
		return 0, a.failed("erc20_decimals", err)
	}

	// even uint8 is encoded in 32 bytes by ABI
	if len(data) < 32 {
		return 0, fmt.Errorf("invalid decimals response of %s", adr.Hex())
	}
	return data[31], nil
}

// DecodeAbiString decodes string from ABI format.
func DecodeAbiString(data []byte) (string, error) {
	// does it even make sense?
	if len(data) < 64 {
		return "", fmt.Errorf("abi string too short; %d bytes", len(data))
	}

	// where the string starts and ends?
	off := new(big.Int).SetBytes(data[:32])
	if !off.IsUint64() || off.Uint64() > uint64(len(data))-32 {
		return "", fmt.Errorf("abi string offset out of range")
	}
	offset := off.Uint64() + 32

	ln := new(big.Int).SetBytes(data[offset-32 : offset])
	if !ln.IsUint64() || ln.Uint64() > uint64(len(data))-offset {
		return "", fmt.Errorf("abi string length out of range")
	}
	return string(data[offset : offset+ln.Uint64()]), nil
}
