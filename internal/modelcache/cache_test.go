package modelcache

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

var asOf = time.Date(2024, 6, 3, 15, 4, 5, 0, time.UTC)

func TestKeyNormalizesSymbolOrderAndTime(t *testing.T) {
	a := Key{Symbols: []string{"MSFT", "AAPL"}, Window: 252, AsOf: asOf}
	b := Key{Symbols: []string{"AAPL", "MSFT"}, Window: 252, AsOf: asOf.Add(3 * time.Hour)}
	if a.String() != b.String() {
		t.Errorf("keys differ: %q vs %q", a.String(), b.String())
	}

	c := Key{Symbols: []string{"AAPL", "MSFT"}, Window: 120, AsOf: asOf}
	if a.String() == c.String() {
		t.Error("different windows must produce different keys")
	}
}

func TestPutGetInvalidate(t *testing.T) {
	cache := New(zap.NewNop())
	key := Key{Symbols: []string{"AAPL"}, Window: 252, AsOf: asOf}

	if _, ok := cache.Get(key); ok {
		t.Fatal("empty cache reported a hit")
	}

	cache.Put(key, "model-1")
	got, ok := cache.Get(key)
	if !ok || got != "model-1" {
		t.Fatalf("Get = %v, %v", got, ok)
	}

	cache.Put(key, "model-2")
	if got, _ := cache.Get(key); got != "model-2" {
		t.Errorf("Put did not replace: %v", got)
	}

	cache.Invalidate(key)
	if _, ok := cache.Get(key); ok {
		t.Error("entry survived invalidation")
	}
}

func TestInvalidateSymbolRemovesOnlyMatchingUniverses(t *testing.T) {
	cache := New(zap.NewNop())
	with := Key{Symbols: []string{"AAPL", "MSFT"}, Window: 252, AsOf: asOf}
	without := Key{Symbols: []string{"GOOG", "AMZN"}, Window: 252, AsOf: asOf}
	cache.Put(with, 1)
	cache.Put(without, 2)

	if removed := cache.InvalidateSymbol("AAPL"); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := cache.Get(with); ok {
		t.Error("universe containing AAPL survived")
	}
	if _, ok := cache.Get(without); !ok {
		t.Error("unrelated universe was evicted")
	}
}

func TestClear(t *testing.T) {
	cache := New(zap.NewNop())
	cache.Put(Key{Symbols: []string{"A"}, Window: 10, AsOf: asOf}, 1)
	cache.Put(Key{Symbols: []string{"B"}, Window: 10, AsOf: asOf}, 2)
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len = %d after Clear", cache.Len())
	}
}
