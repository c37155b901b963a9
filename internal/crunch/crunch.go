// Package crunch implements the operating modes of the application.
package crunch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"chaincrunch/internal/cfg"
	"chaincrunch/internal/logger"
	"chaincrunch/internal/monitor"
	"chaincrunch/internal/scanner"
	"chaincrunch/internal/scanner/cache"
	"chaincrunch/internal/scanner/rpc"
	"chaincrunch/internal/scanner/store"
	"chaincrunch/internal/trx"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// defaultRetryDelay is the pause before a lost subscription is renewed.
const defaultRetryDelay = 5 * time.Second

// reportTimeout bounds the final report decoration and upload.
const reportTimeout = 30 * time.Second

// Node represents the blockchain node access of all the modes.
type Node interface {
	scanner.Chain
	ChainID(ctx context.Context) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	SubscribeHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// Crunch runs the view, subscribe and flakes modes against a node.
type Crunch struct {
	cfg        *cfg.Config
	dial       func(ctx context.Context, uri string) (Node, error)
	openStore  func() (store.Store, error)
	out        io.Writer
	retryDelay time.Duration
	log        *logrus.Entry
}

// New creates the mode runner of the given configuration.
func New(c *cfg.Config) *Crunch {
	cr := &Crunch{
		cfg:        c,
		out:        os.Stdout,
		retryDelay: defaultRetryDelay,
		log:        logger.Component("crunch"),
	}
	cr.dial = func(ctx context.Context, uri string) (Node, error) {
		a, err := rpc.Dial(ctx, uri)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	cr.openStore = cr.defaultStore
	return cr
}

// defaultStore uploads into S3 if a bucket is configured, local files are used otherwise.
func (cr *Crunch) defaultStore() (store.Store, error) {
	if cr.cfg.AwsS3Bucket == "" {
		return store.NewFile(cr.cfg.ReportDir), nil
	}
	return store.NewS3(cr.cfg.AwsRegion, cr.cfg.AwsS3Bucket)
}

// View prints a one-shot report of the latest blocks.
func (cr *Crunch) View(ctx context.Context) error {
	node, err := cr.dial(ctx, cr.cfg.RpcURI)
	if err != nil {
		return err
	}
	defer node.Close()

	head, err := node.TopBlock(ctx)
	if err != nil {
		return fmt.Errorf("can not get head block; %w", err)
	}
	from := windowStart(head, cr.cfg.ViewBlocks)

	logs, err := node.GetLogs(ctx, scanner.Topics(), from, head)
	if err != nil {
		return fmt.Errorf("can not get logs of #%d-#%d; %w", from, head, err)
	}

	tokens := scanner.NewTokens(node)
	tally := trx.NewTally()
	tallyLogs(tally, logs, tokens.Resolver(ctx))

	rep := tally.Report("view", from, head)
	cr.decorate(ctx, node, tokens, &rep, head)

	enc := json.NewEncoder(cr.out)
	enc.SetIndent("", "    ")
	return enc.Encode(rep)
}

// Subscribe follows new chain heads and tallies their transfers until the context is done.
// A lost subscription is renewed after a pause.
func (cr *Crunch) Subscribe(ctx context.Context) error {
	tally := trx.NewTally()
	for {
		err := cr.follow(ctx, tally)
		if ctx.Err() != nil {
			return nil
		}

		cr.log.WithError(err).WithField("retry", cr.retryDelay).Warn("subscription lost")
		if !sleepWithContext(ctx, cr.retryDelay) {
			return nil
		}
	}
}

// follow consumes a single head subscription.
func (cr *Crunch) follow(ctx context.Context, tally *trx.Tally) error {
	node, err := cr.dial(ctx, cr.cfg.RpcURI)
	if err != nil {
		return err
	}
	defer node.Close()

	heads := make(chan *types.Header, 16)
	sub, err := node.SubscribeHeads(ctx, heads)
	if err != nil {
		return fmt.Errorf("can not subscribe heads; %w", err)
	}
	defer sub.Unsubscribe()

	cr.log.Info("subscribed to new heads")
	tokens := scanner.NewTokens(node)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case hdr := <-heads:
			cr.era(ctx, node, tokens, tally, hdr.Number.Uint64())
		}
	}
}

// era tallies the transfers of a new head block.
func (cr *Crunch) era(ctx context.Context, node Node, tokens *scanner.Tokens, tally *trx.Tally, block uint64) {
	monitor.HeadBlock.Set(float64(block))

	logs, err := node.GetLogs(ctx, scanner.Topics(), block, block)
	if err != nil {
		cr.log.WithError(err).WithField("block", block).Warn("can not get block logs")
		return
	}

	n := tallyLogs(tally, logs, tokens.Resolver(ctx))
	cr.log.WithFields(logrus.Fields{
		"block":        block,
		"transfers":    n,
		"transactions": tally.Transactions(),
	}).Info("new head")
}

// Flakes scans the configured blocks range and stores the transactions and the report.
func (cr *Crunch) Flakes(ctx context.Context) error {
	node, err := cr.dial(ctx, cr.cfg.RpcURI)
	if err != nil {
		return err
	}
	defer node.Close()

	st, err := cr.openStore()
	if err != nil {
		return err
	}

	cch, err := cache.New()
	if err != nil {
		return err
	}
	defer cch.Close()

	head, err := node.TopBlock(ctx)
	if err != nil {
		return fmt.Errorf("can not get head block; %w", err)
	}
	monitor.HeadBlock.Set(float64(head))

	rng := scanner.Range{From: cr.cfg.StartBlock, To: head}
	if rng.From == 0 {
		rng.From = windowStart(head, cr.cfg.ViewBlocks)
	}
	if rng.From > head {
		return fmt.Errorf("start block #%d is beyond head #%d", rng.From, head)
	}

	rep, scanErr := scanner.New(cr.cfg, node, cch, st, rng).Run(ctx)
	if ctx.Err() != nil {
		cr.log.WithField("to", uint64(rep.ToBlock)).Warn("scan interrupted, storing partial report")
	}

	// the report is stored even if the scan has been interrupted
	fin, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	cr.decorate(fin, node, scanner.NewTokens(node), &rep, head)
	loc, err := scanner.SaveReport(fin, st, rep)
	if err != nil {
		return errors.Join(scanErr, err)
	}

	cr.log.WithFields(logrus.Fields{
		"location":     loc,
		"transactions": rep.Transactions,
		"tokens":       len(rep.Tokens),
	}).Info("report stored")
	return scanErr
}

// decorate adds the chain details to the report.
func (cr *Crunch) decorate(ctx context.Context, node Node, tokens *scanner.Tokens, rep *trx.Report, head uint64) {
	rep.HeadBlock = hexutil.Uint64(head)

	if id, err := node.ChainID(ctx); err == nil {
		rep.ChainID = (*hexutil.Big)(id)
	} else {
		cr.log.WithError(err).Warn("chain id not available")
	}

	if price, err := node.GasPrice(ctx); err == nil {
		rep.GasPrice = (*hexutil.Big)(price)
	} else {
		cr.log.WithError(err).Warn("gas price not available")
	}

	if cr.cfg.ScanContract != (common.Address{}) {
		tok := tokens.Lookup(ctx, cr.cfg.ScanContract)
		rep.Contract = &tok
	}
}

// tallyLogs groups decoded transfers by transaction and adds them to the tally.
func tallyLogs(tally *trx.Tally, logs []types.Log, token func(common.Address) trx.Token) int {
	var cur *trx.BlockchainTransaction
	n := 0

	for i := range logs {
		ev := &logs[i]
		if ev.Removed {
			continue
		}

		tr, ok := scanner.Decode(ev, token)
		if !ok {
			continue
		}

		if cur == nil || cur.TXHash != ev.TxHash {
			if cur != nil {
				tally.Add(*cur)
			}
			cur = &trx.BlockchainTransaction{
				TXHash:      ev.TxHash,
				BlockNumber: hexutil.Uint64(ev.BlockNumber),
			}
		}
		cur.Transactions = append(cur.Transactions, tr)
		n++
	}

	if cur != nil {
		tally.Add(*cur)
	}
	return n
}

// windowStart provides the first block of a window of the given size ending at head.
func windowStart(head uint64, size uint64) uint64 {
	if size == 0 || size > head {
		return 0
	}
	return head - size + 1
}

// sleepWithContext waits for the given time; false means the context is done.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
