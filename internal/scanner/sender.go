package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chaincrunch/internal/logger"
	"chaincrunch/internal/scanner/store"
	"chaincrunch/internal/trx"

	"github.com/sirupsen/logrus"
)

const (
	// batchSize is the number of transactions stored together.
	batchSize = 40

	// batchAge is the longest time a transaction waits in the queue.
	batchAge = 2 * time.Minute
)

// sender represents a sub-service responsible for storing collected transactions
type sender struct {
	input    chan trx.BlockchainTransaction
	store    store.Store
	queue    []trx.BlockchainTransaction
	tally    *trx.Tally
	lastSent time.Time
	err      error
	wg       *sync.WaitGroup
	log      *logrus.Entry
}

// newSender creates a new transaction sender instance.
func newSender(in chan trx.BlockchainTransaction, st store.Store) *sender {
	return &sender{
		input:    in,
		store:    st,
		queue:    make([]trx.BlockchainTransaction, 0, batchSize),
		tally:    trx.NewTally(),
		lastSent: time.Now(),
		log:      logger.Component("sender"),
	}
}

// run the sender service.
func (se *sender) run(ctx context.Context, wg *sync.WaitGroup) {
	se.wg = wg

	wg.Add(1)
	go se.observe(ctx)
}

// observe the collected transactions until the collector closes its output.
func (se *sender) observe(ctx context.Context) {
	defer func() {
		// store whatever is left; the context may be gone already
		if len(se.queue) > 0 {
			se.send(context.WithoutCancel(ctx))
		}

		se.log.WithField("transactions", se.tally.Transactions()).Info("sender terminated")
		se.wg.Done()
	}()

	for tx := range se.input {
		se.process(ctx, tx)
	}
}

// process adds the transaction into queue, sends if the queue is long/old enough
func (se *sender) process(ctx context.Context, tx trx.BlockchainTransaction) {
	se.tally.Add(tx)
	se.queue = append(se.queue, tx)

	if len(se.queue) >= batchSize || time.Since(se.lastSent) > batchAge {
		se.send(ctx)
	}
}

// send the queued transactions to the store.
// A batch that can not be stored is dropped; the first failure is kept for the report.
func (se *sender) send(ctx context.Context) {
	log := se.log.WithField("count", len(se.queue))
	defer func() {
		se.queue = make([]trx.BlockchainTransaction, 0, batchSize)
	}()

	// encode the transaction into a human-readable JSON struct
	data, err := json.MarshalIndent(se.queue, "", "    ")
	if err != nil {
		log.WithError(err).Error("can not encode transactions into JSON")
		se.fail(err)
		return
	}

	key := "transactions/" + se.queue[0].TXHash.String() + ".json"
	if err := se.store.Put(ctx, key, data); err != nil {
		log.WithError(err).Error("can not store transactions, batch dropped")
		se.fail(err)
		return
	}
	log.WithField("location", se.store.Location(key)).Info("transactions stored")
	se.lastSent = time.Now()
}

// fail remembers the first failure.
func (se *sender) fail(err error) {
	if se.err == nil {
		se.err = fmt.Errorf("store failed; %w", err)
	}
}
