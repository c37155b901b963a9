package scanner

import (
	"context"
	"math/big"
	"sync"

	"chaincrunch/internal/logger"
	"chaincrunch/internal/trx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferTopic is the topic of the ERC20 Transfer event.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// decoder turns a log record into an ERC20 transaction; false means the record does not fit.
type decoder func(*types.Log, func(common.Address) trx.Token) (trx.Erc20Transaction, bool)

// LogTopicProcessor represents a map of base log topic to transaction decoder.
var LogTopicProcessor = map[common.Hash]decoder{
	TransferTopic: decodeErc20Transfer,
	/* common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"): "APPROVAL", */
}

// Topics provides the log filter topics of all known decoders.
func Topics() [][]common.Hash {
	topics := [][]common.Hash{make([]common.Hash, 0, len(LogTopicProcessor))}
	for t := range LogTopicProcessor {
		topics[0] = append(topics[0], t)
	}
	return topics
}

// Decode decodes a log record; false is returned for unknown or malformed records.
func Decode(ev *types.Log, token func(common.Address) trx.Token) (trx.Erc20Transaction, bool) {
	if len(ev.Topics) == 0 {
		return trx.Erc20Transaction{}, false
	}
	decode, ok := LogTopicProcessor[ev.Topics[0]]
	if !ok {
		return trx.Erc20Transaction{}, false
	}
	return decode(ev, token)
}

// decodeErc20Transfer decodes ERC20 transfer event log record into ERC20 trx structure.
// Solidity: event Transfer(address indexed from, address indexed to, uint256 value)
// ERC721 transfers share the topic but index the value, they are skipped.
func decodeErc20Transfer(ev *types.Log, token func(common.Address) trx.Token) (trx.Erc20Transaction, bool) {
	if len(ev.Topics) != 3 || len(ev.Data) < 32 {
		return trx.Erc20Transaction{}, false
	}
	return trx.Erc20Transaction{
		Token:     token(ev.Address),
		Type:      trx.TransferType,
		Sender:    common.BytesToAddress(ev.Topics[1].Bytes()),
		Recipient: common.BytesToAddress(ev.Topics[2].Bytes()),
		Amount:    hexutil.Big(*new(big.Int).SetBytes(ev.Data[:32])),
	}, true
}

// Tokens resolves ERC20 token details, asking the node once per token.
type Tokens struct {
	mu     sync.Mutex
	src    TokenSource
	tokens map[common.Address]trx.Token
}

// NewTokens creates a token resolver.
func NewTokens(src TokenSource) *Tokens {
	return &Tokens{src: src, tokens: make(map[common.Address]trx.Token)}
}

// Lookup provides an ERC20 detail structure based on token contract address.
func (t *Tokens) Lookup(ctx context.Context, adr common.Address) trx.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	// do we already know the token?
	tok, ok := t.tokens[adr]
	if ok {
		return tok
	}

	log := logger.Component("tokens").WithField("token", adr.Hex())

	// we need to pull the data from RPC
	name, err := t.src.Erc20Name(ctx, adr)
	if err != nil {
		log.WithError(err).Warn("token name lookup failed")
		name = "unknown"
	}

	symbol, err := t.src.Erc20Symbol(ctx, adr)
	if err != nil {
		log.WithError(err).Warn("token symbol lookup failed")
		symbol = "-"
	}

	decimals, err := t.src.Erc20Decimals(ctx, adr)
	if err != nil {
		log.WithError(err).Warn("token decimals lookup failed")
		decimals = 0
	}

	tok = trx.Token{
		Address:  adr,
		Name:     name,
		Symbol:   symbol,
		Decimals: decimals,
	}

	log.WithField("symbol", tok.Symbol).Debugf("new token found %s [%d]", tok.Name, tok.Decimals)
	t.tokens[adr] = tok
	return tok
}

// Resolver binds the lookup to a context for use by decoders.
func (t *Tokens) Resolver(ctx context.Context) func(common.Address) trx.Token {
	return func(adr common.Address) trx.Token {
		return t.Lookup(ctx, adr)
	}
}
