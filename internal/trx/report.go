package trx

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// TokenStats represents the aggregated transfers of a single token.
type TokenStats struct {
	Token      Token       `json:"token"`
	Transfers  uint64      `json:"transfers"`
	Volume     hexutil.Big `json:"volume"`
	Senders    int         `json:"senders"`
	Recipients int         `json:"recipients"`
}

// Report represents the result of a scan.
type Report struct {
	ID           uuid.UUID      `json:"id"`
	Mode         string         `json:"mode"`
	ChainID      *hexutil.Big   `json:"chainId,omitempty"`
	HeadBlock    hexutil.Uint64 `json:"headBlock"`
	FromBlock    hexutil.Uint64 `json:"fromBlock"`
	ToBlock      hexutil.Uint64 `json:"toBlock"`
	GasPrice     *hexutil.Big   `json:"gasPrice,omitempty"`
	Contract     *Token         `json:"contract,omitempty"`
	Transactions uint64         `json:"transactions"`
	Tokens       []TokenStats   `json:"tokens"`
	GeneratedAt  time.Time      `json:"generatedAt"`
}

// tokenTally keeps the running statistics of a token.
type tokenTally struct {
	token      Token
	transfers  uint64
	volume     *big.Int
	senders    map[common.Address]struct{}
	recipients map[common.Address]struct{}
}

// Tally accumulates transfer statistics. It is not safe for concurrent use.
type Tally struct {
	tokens map[common.Address]*tokenTally
	txs    uint64
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{tokens: make(map[common.Address]*tokenTally)}
}

// Add counts a transaction with all its transfers.
func (t *Tally) Add(tx BlockchainTransaction) {
	t.txs++
	for _, tr := range tx.Transactions {
		t.AddTransfer(tr)
	}
}

// AddTransfer counts a single transfer.
func (t *Tally) AddTransfer(tr Erc20Transaction) {
	tt, ok := t.tokens[tr.Token.Address]
	if !ok {
		tt = &tokenTally{
			token:      tr.Token,
			volume:     new(big.Int),
			senders:    make(map[common.Address]struct{}),
			recipients: make(map[common.Address]struct{}),
		}
		t.tokens[tr.Token.Address] = tt
	}

	tt.transfers++
	tt.volume.Add(tt.volume, tr.Amount.ToInt())
	tt.senders[tr.Sender] = struct{}{}
	tt.recipients[tr.Recipient] = struct{}{}
}

// Transactions provides the number of counted transactions.
func (t *Tally) Transactions() uint64 {
	return t.txs
}

// Report builds a report of the tally; tokens are ordered by the number of transfers.
func (t *Tally) Report(mode string, from, to uint64) Report {
	stats := make([]TokenStats, 0, len(t.tokens))
	for _, tt := range t.tokens {
		stats = append(stats, TokenStats{
			Token:      tt.token,
			Transfers:  tt.transfers,
			Volume:     hexutil.Big(*new(big.Int).Set(tt.volume)),
			Senders:    len(tt.senders),
			Recipients: len(tt.recipients),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Transfers != stats[j].Transfers {
			return stats[i].Transfers > stats[j].Transfers
		}
		return stats[i].Token.Address.Hex() < stats[j].Token.Address.Hex()
	})

	return Report{
		ID:           uuid.New(),
		Mode:         mode,
		FromBlock:    hexutil.Uint64(from),
		ToBlock:      hexutil.Uint64(to),
		Transactions: t.txs,
		Tokens:       stats,
		GeneratedAt:  time.Now().UTC(),
	}
}
