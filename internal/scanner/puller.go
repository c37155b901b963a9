package scanner

import (
	"context"
	"sync"
	"time"

	"chaincrunch/internal/cfg"
	"chaincrunch/internal/logger"
	"chaincrunch/internal/monitor"
	"chaincrunch/internal/scanner/cache"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// logBufferCapacity represents the capacity of collected log records.
const logBufferCapacity = 100

// maxPullAttempts is the number of consecutive failed pulls tolerated.
const maxPullAttempts = 3

// infoInterval is the period of progress reports.
const infoInterval = 5 * time.Second

// logPuller represents log record pulling service
type logPuller struct {
	output        chan types.Log
	target        uint64
	currentBlock  uint64
	window        uint64
	sigStop       chan struct{}
	wg            *sync.WaitGroup
	chain         Chain
	cache         *cache.MemCache
	limiter       *rate.Limiter
	topics        [][]common.Hash
	txRecipients  map[common.Hash]common.Address
	contractMatch func(rc common.Address) bool
	lastInfo      time.Time
	err           error
	log           *logrus.Entry
}

// newPuller creates a new puller service.
func newPuller(c *cfg.Config, chain Chain, cch *cache.MemCache, rng Range) *logPuller {
	contract := c.ScanContract
	match := func(rc common.Address) bool { return rc == contract }
	if contract == (common.Address{}) {
		match = nil
	}

	// make the puller
	return &logPuller{
		output:        make(chan types.Log, logBufferCapacity),
		target:        rng.To,
		currentBlock:  rng.From,
		window:        c.ScanWindow,
		sigStop:       make(chan struct{}, 1),
		topics:        Topics(),
		chain:         chain,
		cache:         cch,
		limiter:       rate.NewLimiter(rate.Limit(c.RequestsPerSecond), c.RequestsPerSecond),
		txRecipients:  make(map[common.Hash]common.Address),
		contractMatch: match,
		log:           logger.Component("puller"),
	}
}

// run the log puller service.
func (lp *logPuller) run(ctx context.Context, wg *sync.WaitGroup) {
	lp.wg = wg

	wg.Add(1)
	go lp.scan(ctx)
}

// stop signals the log puller thread to terminate.
func (lp *logPuller) stop() {
	select {
	case lp.sigStop <- struct{}{}:
	default:
	}
}

// scan the blockchain for log records of interest.
func (lp *logPuller) scan(ctx context.Context) {
	defer func() {
		close(lp.output)

		lp.log.WithField("block", lp.currentBlock).Info("log puller terminated")
		lp.wg.Done()
	}()

	failures := 0
	for lp.currentBlock <= lp.target {
		// terminate if requested
		select {
		case <-lp.sigStop:
			return
		case <-ctx.Done():
			return
		default:
		}

		lp.progress()

		logs, err := lp.nextLogs(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			failures++
			lp.log.WithError(err).WithField("attempt", failures).Warn("failed to pull logs")
			if failures >= maxPullAttempts {
				lp.err = err
				return
			}
			continue
		}
		failures = 0

		for i := range logs {
			if !lp.process(ctx, logs[i]) {
				return
			}
		}
	}
}

// progress reports the scanner position from time to time.
func (lp *logPuller) progress() {
	if time.Since(lp.lastInfo) < infoInterval {
		return
	}
	lp.lastInfo = time.Now()
	lp.log.WithFields(logrus.Fields{"block": lp.currentBlock, "target": lp.target}).Info("scanner progress")
}

// nextLogs pulls the next set of log records from the backend server.
func (lp *logPuller) nextLogs(ctx context.Context) ([]types.Log, error) {
	if err := lp.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// what is our current target?
	target := lp.currentBlock + lp.window - 1
	if target > lp.target {
		target = lp.target
	}

	// pull the data from remote server
	logs, err := lp.chain.GetLogs(ctx, lp.topics, lp.currentBlock, target)
	if err != nil {
		return nil, err
	}

	// clear tx recipients map, if it makes sense
	if len(logs) > 0 {
		lp.txRecipients = make(map[common.Hash]common.Address)
	}

	// advance current block
	monitor.BlocksScanned.Add(float64(target - lp.currentBlock + 1))
	lp.currentBlock = target + 1
	return logs, nil
}

// process given event log record; false means the puller has been asked to terminate.
func (lp *logPuller) process(ctx context.Context, ev types.Log) bool {
	if ev.Removed {
		return true
	}

	// is the recipient interesting?
	if lp.contractMatch != nil {
		rec, err := lp.recipient(ctx, ev.TxHash)
		if err != nil {
			lp.log.WithError(err).WithField("trx", ev.TxHash.String()).Warn("can not get tx recipient")
			return true
		}
		if !lp.contractMatch(rec) {
			return true
		}
		lp.log.WithFields(logrus.Fields{"to": rec.String(), "trx": ev.TxHash.String()}).Debug("match")
	}

	// this one is what we're looking for
	select {
	case lp.output <- ev:
		return true
	case <-lp.sigStop:
		return false
	case <-ctx.Done():
		return false
	}
}

// recipient provides the recipient of the given transaction.
func (lp *logPuller) recipient(ctx context.Context, tx common.Hash) (common.Address, error) {
	// do we know the transaction recipient?
	rec, ok := lp.txRecipients[tx]
	if ok {
		return rec, nil
	}

	tran, err := lp.cache.Transaction(tx, func(h common.Hash) (*types.Transaction, error) {
		return lp.chain.Transaction(ctx, h)
	})
	if err != nil {
		return common.Address{}, err
	}

	// contract creation has no recipient
	if tran.To() != nil {
		rec = *tran.To()
	}

	// remember the transaction recipient in case we have more logs from this tx
	lp.txRecipients[tx] = rec
	return rec, nil
}
