package cache

import "testing"

func TestLRU_Eviction(t *testing.T) {
	var evicted []int
	c := New[int, string](2, func(k int, _ string) { evicted = append(evicted, k) })

	c.Set(1, "one")
	c.Set(2, "two")
	if _, ok := c.Get(1); !ok {
		t.Fatal("expected key 1")
	}
	// 2 is now least recently used
	c.Set(3, "three")

	if _, ok := c.Get(2); ok {
		t.Fatal("key 2 should be evicted")
	}
	if v, ok := c.Get(1); !ok || v != "one" {
		t.Fatalf("unexpected value for key 1: %q %v", v, ok)
	}
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("unexpected evictions: %v", evicted)
	}
}

func TestLRU_UpdateAndRemove(t *testing.T) {
	c := New[string, int](3, nil)

	c.Set("a", 1)
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 {
		t.Fatalf("expected updated value, got %d", v)
	}

	c.Set("b", 3)
	c.Remove("a")
	c.Remove("missing")
	if c.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("a should be removed")
	}

	c.Set("c", 4)
	c.Set("d", 5)
	c.Set("e", 6)
	if _, ok := c.Get("b"); ok {
		t.Fatal("b should be evicted")
	}
}
