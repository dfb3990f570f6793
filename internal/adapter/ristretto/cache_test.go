package ristretto

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/ReviewForge/internal/port/cache/cachetest"
)

func TestCache(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	cachetest.Run(t, c)
}

func TestCacheSkipsOversizedReply(t *testing.T) {
	c, err := New(10_000)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "extract:big", []byte(strings.Repeat("x", 2_000)), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "extract:big"); ok {
		t.Fatal("oversized reply should not be cached")
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}
