package trx

import "github.com/ethereum/go-ethereum/common"

// Token represents a description of an ERC20 token.
type Token struct {
	Address  common.Address `json:"address"`
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Label provides a short human-readable token identification.
func (t Token) Label() string {
	if t.Symbol != "" && t.Symbol != "-" {
		return t.Symbol
	}
	return t.Address.Hex()
}
