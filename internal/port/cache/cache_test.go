package cache_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/ReviewForge/internal/port/cache"
	"github.com/Strob0t/ReviewForge/internal/port/cache/cachetest"
)

func TestKey(t *testing.T) {
	a := cache.Key("extract", "m", "sys", "prompt")
	if a != cache.Key("extract", "m", "sys", "prompt") {
		t.Fatal("Key is not deterministic")
	}
	if !strings.HasPrefix(a, "extract:") || len(a) != len("extract:")+64 {
		t.Fatalf("unexpected key shape %q", a)
	}
	if cache.Key("extract", "ab", "c") == cache.Key("extract", "a", "bc") {
		t.Fatal("part boundaries collide")
	}
	if cache.Key("extract", "m") == cache.Key("other", "m") {
		t.Fatal("namespaces collide")
	}
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestMapCache(t *testing.T) {
	cachetest.Run(t, &mapCache{data: make(map[string][]byte)})
}
