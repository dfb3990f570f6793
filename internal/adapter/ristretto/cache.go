// Package ristretto is the in-process L1 for cached extraction replies.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache holds replies in process memory, bounded by total bytes.
type Cache struct {
	c       *ristretto.Cache[string, []byte]
	maxItem int64
}

// New sizes the cache to maxCostBytes. Replies larger than a tenth of that
// are not stored.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		return nil, fmt.Errorf("ristretto: max size must be positive, got %d", maxCostBytes)
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/1024*10, 1000), // replies run to a few KiB
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c, maxItem: max(maxCostBytes/10, 1)}, nil
}

func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value for ttl (zero means no expiry) and waits for the write
// buffer to drain so other extraction workers see it. Admission is still up
// to ristretto; a dropped entry is a later miss, not an error.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cost := int64(len(key) + len(value))
	if cost > c.maxItem {
		return nil
	}
	if c.c.SetWithTTL(key, value, cost, ttl) {
		c.c.Wait()
	}
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

func (c *Cache) Close() {
	c.c.Close()
}
