package tiered_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/ReviewForge/internal/adapter/tiered"
	"github.com/Strob0t/ReviewForge/internal/port/cache/cachetest"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

func TestTieredBehavesAsCache(t *testing.T) {
	cachetest.Run(t, tiered.New(newMemCache(), newMemCache(), time.Minute))
	cachetest.Run(t, tiered.New(newMemCache(), nil, time.Minute))
}

func TestL2HitBackfillsL1(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.data["extract:k"] = []byte("reply")
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	val, found, err := c.Get(ctx, "extract:k")
	if err != nil || !found || string(val) != "reply" {
		t.Fatalf("Get = %q, %v, %v", val, found, err)
	}
	if string(l1.data["extract:k"]) != "reply" {
		t.Fatal("expected L1 backfill")
	}
	if _, _, err := c.Get(ctx, "extract:k"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Get(ctx, "extract:none"); err != nil {
		t.Fatal(err)
	}

	want := tiered.Stats{L1Hits: 1, L2Hits: 1, Misses: 1}
	if got := c.Stats(); got != want {
		t.Fatalf("Stats = %+v, want %+v", got, want)
	}
}

func TestL2FailureDegradesToMiss(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = errors.New("nats: no responders")
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("L2 set failure must not surface, got %v", err)
	}
	if _, ok := l1.data["k"]; !ok {
		t.Fatal("expected L1 write despite L2 failure")
	}
	if _, found, err := c.Get(ctx, "other"); err != nil || found {
		t.Fatalf("expected clean miss, got found=%v err=%v", found, err)
	}
	if err := c.Delete(ctx, "k"); err == nil {
		t.Fatal("L2 delete failure should surface")
	}

	st := c.Stats()
	if st.L2Errors != 2 || st.Misses != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestL1FailureSurfaces(t *testing.T) {
	l1 := newMemCache()
	l1.err = errors.New("boom")
	c := tiered.New(l1, newMemCache(), time.Minute)
	if _, _, err := c.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected L1 error")
	}
}
