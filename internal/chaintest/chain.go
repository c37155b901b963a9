// Package chaintest provides an in-memory blockchain node for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"chaincrunch/internal/trx"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// ErrUnknown is returned for data the fake node does not have.
var ErrUnknown = errors.New("not found")

// TransferTopic is the ERC20 Transfer event topic.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Chain is a fake node serving logs, transactions and token details from memory.
type Chain struct {
	mu     sync.Mutex
	head   uint64
	id     *big.Int
	price  *big.Int
	logs   []types.Log
	txs    map[common.Hash]*types.Transaction
	tokens map[common.Address]trx.Token
	heads  chan *types.Header

	// FailLogs makes the next GetLogs calls fail.
	FailLogs int
	// SubscribeErr is returned by SubscribeHeads when set.
	SubscribeErr error

	logCalls   int
	subscribes int
	closed     bool
}

// New creates an empty fake chain with the given head.
func New(head uint64) *Chain {
	return &Chain{
		head:   head,
		id:     big.NewInt(250),
		price:  big.NewInt(1_000_000_000),
		txs:    make(map[common.Hash]*types.Transaction),
		tokens: make(map[common.Address]trx.Token),
		heads:  make(chan *types.Header, 16),
	}
}

// AddToken registers token metadata.
func (c *Chain) AddToken(tok trx.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[tok.Address] = tok
}

// AddTransfer adds an ERC20 transfer log of a transaction sent to recipient.
func (c *Chain) AddTransfer(block uint64, tx common.Hash, recipient, token, from, to common.Address, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txs[tx]; !ok {
		c.txs[tx] = types.NewTransaction(uint64(len(c.txs)), recipient, big.NewInt(0), 50000, big.NewInt(1), nil)
	}
	c.logs = append(c.logs, types.Log{
		Address:     token,
		Topics:      []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		TxHash:      tx,
		Index:       uint(len(c.logs)),
	})
}

// Emit pushes a new head to the subscribers.
func (c *Chain) Emit(number uint64) {
	c.mu.Lock()
	c.head = number
	c.mu.Unlock()
	c.heads <- &types.Header{Number: new(big.Int).SetUint64(number), Difficulty: big.NewInt(0)}
}

// TopBlock provides the head block.
func (c *Chain) TopBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// ChainID provides the chain identifier.
func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.id), nil
}

// GasPrice provides the gas price.
func (c *Chain) GasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.price), nil
}

// GetLogs provides the logs of the range matching the first topic.
func (c *Chain) GetLogs(_ context.Context, topics [][]common.Hash, from uint64, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logCalls++
	if c.FailLogs > 0 {
		c.FailLogs--
		return nil, errors.New("logs unavailable")
	}

	out := make([]types.Log, 0)
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(topics) > 0 && !contains(topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func contains(list []common.Hash, h common.Hash) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// Header provides a block header with a timestamp derived from the number.
func (c *Chain) Header(_ context.Context, n uint64) (*types.Header, error) {
	return &types.Header{
		Number:     new(big.Int).SetUint64(n),
		Time:       1_600_000_000 + n,
		Difficulty: big.NewInt(0),
	}, nil
}

// Transaction provides a registered transaction.
func (c *Chain) Transaction(_ context.Context, tx common.Hash) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txs[tx]
	if !ok {
		return nil, ErrUnknown
	}
	return t, nil
}

// token provides registered token details.
func (c *Chain) token(adr common.Address) (trx.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tokens[adr]
	if !ok {
		return trx.Token{}, ErrUnknown
	}
	return t, nil
}

// Erc20Name provides the token name.
func (c *Chain) Erc20Name(_ context.Context, adr common.Address) (string, error) {
	t, err := c.token(adr)
	return t.Name, err
}

// Erc20Symbol provides the token symbol.
func (c *Chain) Erc20Symbol(_ context.Context, adr common.Address) (string, error) {
	t, err := c.token(adr)
	return t.Symbol, err
}

// Erc20Decimals provides the token decimals.
func (c *Chain) Erc20Decimals(_ context.Context, adr common.Address) (uint8, error) {
	t, err := c.token(adr)
	return t.Decimals, err
}

// SubscribeHeads forwards emitted heads until unsubscribed.
func (c *Chain) SubscribeHeads(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	c.subscribes++
	err := c.SubscribeErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case h := <-c.heads:
				select {
				case ch <- h:
				case <-quit:
					return nil
				}
			case <-quit:
				return nil
			}
		}
	}), nil
}

// Close marks the fake connection closed.
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// LogCalls provides the number of GetLogs calls.
func (c *Chain) LogCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logCalls
}

// Subscriptions provides the number of SubscribeHeads calls.
func (c *Chain) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

// Closed reports whether Close has been called.
func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
