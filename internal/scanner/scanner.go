// Package scanner performs the scanning task.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chaincrunch/internal/cfg"
	"chaincrunch/internal/logger"
	"chaincrunch/internal/scanner/cache"
	"chaincrunch/internal/scanner/store"
	"chaincrunch/internal/trx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// TokenSource provides ERC20 token details.
type TokenSource interface {
	Erc20Name(ctx context.Context, adr common.Address) (string, error)
	Erc20Symbol(ctx context.Context, adr common.Address) (string, error)
	Erc20Decimals(ctx context.Context, adr common.Address) (uint8, error)
}

// Chain represents the blockchain node access of the scanner.
type Chain interface {
	TokenSource
	TopBlock(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, topics [][]common.Hash, from uint64, to uint64) ([]types.Log, error)
	Header(ctx context.Context, blockNumber uint64) (*types.Header, error)
	Transaction(ctx context.Context, tx common.Hash) (*types.Transaction, error)
}

// Range is an inclusive range of blocks.
type Range struct {
	From uint64
	To   uint64
}

// Service represents the scanner manager.
type Service struct {
	wg  *sync.WaitGroup
	rng Range
	lp  *logPuller
	lc  *logCollector
	se  *sender
	log *logrus.Entry
}

// New creates a new scanner service of the given blocks range.
func New(c *cfg.Config, chain Chain, cch *cache.MemCache, st store.Store, rng Range) *Service {
	tokens := NewTokens(chain)

	// make sub-services
	lp := newPuller(c, chain, cch, rng)
	lc := newCollector(lp.output, chain, cch, tokens)
	se := newSender(lc.output, st)

	// build the manager
	return &Service{
		wg:  new(sync.WaitGroup),
		rng: rng,
		lp:  lp,
		lc:  lc,
		se:  se,
		log: logger.Component("scanner"),
	}
}

// Run the scanner service until the range is drained or the service is stopped.
// The report covers the blocks actually scanned.
func (s *Service) Run(ctx context.Context) (trx.Report, error) {
	s.log.WithFields(logrus.Fields{"from": s.rng.From, "to": s.rng.To}).Info("scanner started")

	// start all needed threads
	s.se.run(ctx, s.wg)
	s.lc.run(ctx, s.wg)
	s.lp.run(ctx, s.wg)

	// wait until all the threads terminate
	s.wg.Wait()

	// a stopped puller covers the blocks below its current position only
	to := s.rng.To
	if s.lp.currentBlock <= s.rng.To {
		to = s.rng.From
		if s.lp.currentBlock > s.rng.From {
			to = s.lp.currentBlock - 1
		}
	}
	rep := s.se.tally.Report("flakes", s.rng.From, to)

	if s.lp.err != nil {
		return rep, fmt.Errorf("log puller failed; %w", s.lp.err)
	}
	if s.se.err != nil {
		return rep, fmt.Errorf("sender failed; %w", s.se.err)
	}
	return rep, nil
}

// Stop the scanner service by signaling the puller to terminate.
// The rest of the pipeline drains what has been pulled already.
func (s *Service) Stop() {
	s.lp.stop()
}

// SaveReport stores the report and provides its location.
func SaveReport(ctx context.Context, st store.Store, rep trx.Report) (string, error) {
	data, err := json.MarshalIndent(rep, "", "    ")
	if err != nil {
		return "", fmt.Errorf("can not encode report; %w", err)
	}

	key := "reports/" + rep.ID.String() + ".json"
	if err := st.Put(ctx, key, data); err != nil {
		return "", err
	}
	return st.Location(key), nil
}
