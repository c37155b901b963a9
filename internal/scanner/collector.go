package scanner

import (
	"context"
	"sync"

	"chaincrunch/internal/logger"
	"chaincrunch/internal/monitor"
	"chaincrunch/internal/scanner/cache"
	"chaincrunch/internal/trx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// logCollector represents a service responsible for collecting patches of transfers
type logCollector struct {
	input      chan types.Log
	output     chan trx.BlockchainTransaction
	currentTrx *trx.BlockchainTransaction
	tokens     *Tokens
	chain      Chain
	cache      *cache.MemCache
	wg         *sync.WaitGroup
	log        *logrus.Entry
}

// newCollector creates a new log collector instance.
func newCollector(in chan types.Log, chain Chain, cch *cache.MemCache, tokens *Tokens) *logCollector {
	return &logCollector{
		input:  in,
		output: make(chan trx.BlockchainTransaction, 25),
		tokens: tokens,
		chain:  chain,
		cache:  cch,
		log:    logger.Component("collector"),
	}
}

// run the log collector service.
func (lc *logCollector) run(ctx context.Context, wg *sync.WaitGroup) {
	lc.wg = wg

	wg.Add(1)
	go lc.collect(ctx)
}

// collect interesting transactions and build collections for sending.
// It terminates once the puller closes its output.
func (lc *logCollector) collect(ctx context.Context) {
	defer func() {
		lc.flush()
		close(lc.output)

		lc.log.Info("log collector terminated")
		lc.wg.Done()
	}()

	for ev := range lc.input {
		lc.process(ctx, ev)
	}
}

// process log event into the collectors' transaction.
func (lc *logCollector) process(ctx context.Context, ev types.Log) {
	// is this the same chain trx?
	if lc.currentTrx == nil || lc.currentTrx.TXHash != ev.TxHash {
		lc.newTransaction(ctx, ev)
	}

	// do we have a decoder for this type of event?
	tx, ok := Decode(&ev, lc.tokens.Resolver(ctx))
	if !ok {
		lc.log.WithField("trx", ev.TxHash.String()).Debug("log record not decoded")
		return
	}

	// add decoded tx to the current transaction group
	monitor.TransfersCollected.WithLabelValues(tx.Token.Label()).Inc()
	lc.currentTrx.Transactions = append(lc.currentTrx.Transactions, tx)
}

// flush submits the current transaction, if any.
func (lc *logCollector) flush() {
	if lc.currentTrx == nil {
		return
	}

	lc.log.WithField("trx", lc.currentTrx.TXHash.String()).Debug("closing group")
	lc.output <- *lc.currentTrx
	lc.currentTrx = nil
}

// newTransaction closes the current transaction, if any, and makes a new one.
func (lc *logCollector) newTransaction(ctx context.Context, ev types.Log) {
	// submit the current transaction
	lc.flush()

	// make a new transaction record
	lc.currentTrx = &trx.BlockchainTransaction{
		TXHash:       ev.TxHash,
		BlockNumber:  hexutil.Uint64(ev.BlockNumber),
		Transactions: make([]trx.Erc20Transaction, 0),
	}

	hdr, err := lc.cache.Header(ev.BlockNumber, func(n uint64) (*types.Header, error) {
		return lc.chain.Header(ctx, n)
	})
	if err != nil {
		lc.log.WithError(err).WithField("block", ev.BlockNumber).Warn("unable to get block header")
	} else {
		lc.currentTrx.Timestamp = hexutil.Uint64(hdr.Time)
	}

	tran, err := lc.cache.Transaction(ev.TxHash, func(h common.Hash) (*types.Transaction, error) {
		return lc.chain.Transaction(ctx, h)
	})
	if err != nil {
		lc.log.WithError(err).WithField("trx", ev.TxHash.String()).Warn("unable to get transaction")
	} else if tran.To() != nil {
		lc.currentTrx.To = *tran.To()
	}

	lc.log.WithField("trx", ev.TxHash.String()).Debug("new group")
}
