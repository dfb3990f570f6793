// Package cachetest holds the behaviour every cache.Cache must share.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/ReviewForge/internal/port/cache"
)

// Run exercises c with reply-sized values under extraction keys.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()
	reply := []byte(`{"evidence":[{"requirement_id":"REQ-001","page":2}]}`)

	t.Run("SetAndGet", func(t *testing.T) {
		key := cache.Key("extract", "model", "system", "prompt-a")
		if err := c.Set(ctx, key, reply, time.Minute); err != nil {
			t.Fatal(err)
		}
		got, found, err := c.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !found || string(got) != string(reply) {
			t.Fatalf("Get = %q, %v", got, found)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		_, found, err := c.Get(ctx, cache.Key("extract", "never", "stored"))
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		key := cache.Key("extract", "model", "system", "prompt-b")
		if err := c.Set(ctx, key, reply, time.Minute); err != nil {
			t.Fatal(err)
		}
		if err := c.Delete(ctx, key); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := c.Get(ctx, key); found {
			t.Fatal("expected miss after Delete")
		}
		if err := c.Delete(ctx, key); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		key := cache.Key("extract", "model", "system", "prompt-c")
		_ = c.Set(ctx, key, []byte(`{"evidence":[]}`), time.Minute)
		if err := c.Set(ctx, key, reply, time.Minute); err != nil {
			t.Fatal(err)
		}
		got, found, err := c.Get(ctx, key)
		if err != nil || !found {
			t.Fatalf("Get after overwrite: %v, %v", found, err)
		}
		if string(got) != string(reply) {
			t.Fatalf("got %s, want the second value", got)
		}
	})
}
