// Package cache memoizes chain data loaded from the node.
package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/allegro/bigcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MemCache represents in-memory cache.
type MemCache struct {
	cache *bigcache.BigCache
}

// New creates a new in-memory cache instance.
func New() (*MemCache, error) {
	c, err := bigcache.NewBigCache(bigcache.Config{
		Shards:             1024,
		LifeWindow:         5 * time.Minute,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 1500 * 10 * 60,
		MaxEntrySize:       2048,
		Verbose:            false,
		HardMaxCacheSize:   300,
		Logger:             log.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("can not create cache; %w", err)
	}
	return &MemCache{cache: c}, nil
}

// Close releases the cache memory.
func (c *MemCache) Close() error {
	return c.cache.Close()
}

// Transaction provides the transaction, loading it if it is not cached yet.
func (c *MemCache) Transaction(tx common.Hash, loader func(tx common.Hash) (*types.Transaction, error)) (*types.Transaction, error) {
	key := "t" + tx.String()

	var trx types.Transaction
	if c.get(key, &trx) {
		return &trx, nil // HIT
	}

	// load data from primary source
	loaded, err := loader(tx)
	if err != nil {
		return nil, err
	}
	c.set(key, loaded)
	return loaded, nil // MIS
}

// Header provides the block header, loading it if it is not cached yet.
func (c *MemCache) Header(blockNumber uint64, loader func(blockNumber uint64) (*types.Header, error)) (*types.Header, error) {
	key := "b" + strconv.FormatUint(blockNumber, 16)

	var hdr types.Header
	if c.get(key, &hdr) {
		return &hdr, nil // HIT
	}

	loaded, err := loader(blockNumber)
	if err != nil {
		return nil, err
	}
	c.set(key, loaded)
	return loaded, nil // MIS
}

// get decodes a cached value; a damaged entry counts as a miss.
func (c *MemCache) get(key string, out interface{}) bool {
	data, err := c.cache.Get(key)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// set stores the value; values which do not fit are not cached.
func (c *MemCache) set(key string, v interface{}) {
	if v == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.cache.Set(key, data)
}
