// Package rpc implements blockchain node communication wrappers through an adapter.
package rpc

import (
	"context"
	"fmt"
	"math/big"

	"chaincrunch/internal/logger"
	"chaincrunch/internal/monitor"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	client "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Adapter represents a communication interface to the blockchain node.
type Adapter struct {
	rpc *client.Client
	eth *ethclient.Client
	log *logrus.Entry
}

// Dial creates a new RPC adapter connected to the node at the given URI.
// Subscriptions need a websocket or IPC endpoint.
func Dial(ctx context.Context, uri string) (*Adapter, error) {
	log := logger.For(logger.RPC).WithField("uri", uri)

	con, err := client.DialContext(ctx, uri)
	if err != nil {
		log.WithError(err).Error("can not connect node")
		return nil, fmt.Errorf("can not connect %s; %w", uri, err)
	}

	log.Info("node connected")
	return &Adapter{
		rpc: con,
		eth: ethclient.NewClient(con),
		log: log,
	}, nil
}

// Close terminates the node connection.
func (a *Adapter) Close() {
	a.rpc.Close()
}

// failed records a failed call.
func (a *Adapter) failed(op string, err error) error {
	monitor.RPCErrors.WithLabelValues(op).Inc()
	a.log.WithError(err).WithField("op", op).Error("call failed")
	return err
}

// TopBlock provides the numeric ID of the current blockchain head block.
func (a *Adapter) TopBlock(ctx context.Context) (uint64, error) {
	head, err := a.eth.BlockNumber(ctx)
	if err != nil {
		return 0, a.failed("block_number", err)
	}
	return head, nil
}

// ChainID provides the chain identifier.
func (a *Adapter) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := a.eth.ChainID(ctx)
	if err != nil {
		return nil, a.failed("chain_id", err)
	}
	return id, nil
}

// GasPrice provides the currently suggested gas price.
func (a *Adapter) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := a.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, a.failed("gas_price", err)
	}
	return price, nil
}

// GetLogs provides a slice of log records for the given topics and blocks range.
func (a *Adapter) GetLogs(ctx context.Context, topics [][]common.Hash, from uint64, to uint64) ([]types.Log, error) {
	a.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("pulling logs")

	logs, err := a.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    topics,
	})
	if err != nil {
		return nil, a.failed("get_logs", err)
	}
	return logs, nil
}

// Header provides the header of the given block.
func (a *Adapter) Header(ctx context.Context, blockNumber uint64) (*types.Header, error) {
	hdr, err := a.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return nil, a.failed("header", err)
	}
	return hdr, nil
}

// Transaction provides the transaction details.
func (a *Adapter) Transaction(ctx context.Context, tx common.Hash) (*types.Transaction, error) {
	trx, _, err := a.eth.TransactionByHash(ctx, tx)
	if err != nil {
		return nil, a.failed("transaction", fmt.Errorf("transaction %s; %w", tx.String(), err))
	}
	return trx, nil
}

// SubscribeHeads opens a subscription of new chain heads.
func (a *Adapter) SubscribeHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	sub, err := a.eth.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, a.failed("subscribe_heads", err)
	}
	return sub, nil
}
