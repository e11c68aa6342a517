package store

import (
	"context"
	"sync"
	"testing"
)

// countingSettings counts backend reads to prove the cache absorbs them.
type countingSettings struct {
	mu    sync.Mutex
	data  map[string]string
	reads int
}

func (s *countingSettings) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.data[key], nil
}

func (s *countingSettings) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string]string{}
	}
	s.data[key] = value
	return nil
}

func TestCachedSettingsReadThrough(t *testing.T) {
	ctx := context.Background()
	backend := &countingSettings{data: map[string]string{"k": "v1"}}
	c := NewCachedSettings(backend)

	for i := 0; i < 5; i++ {
		v, err := c.Get(ctx, "k")
		if err != nil || v != "v1" {
			t.Fatalf("get = %q, %v", v, err)
		}
	}
	if backend.reads != 1 {
		t.Errorf("backend reads = %d, want 1", backend.reads)
	}

	// Writes invalidate the cached entry.
	if err := c.Set(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := c.Get(ctx, "k"); v != "v2" {
		t.Errorf("after set, get = %q", v)
	}
	if backend.reads != 2 {
		t.Errorf("backend reads = %d, want re-read after invalidation", backend.reads)
	}

	// Invalidate drops everything.
	backend.Set(ctx, "k", "v3")
	c.Invalidate()
	if v, _ := c.Get(ctx, "k"); v != "v3" {
		t.Errorf("after invalidate, get = %q", v)
	}
}

func TestIntSetting(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		value string
		def   int
		min   int
		max   int
		want  int
	}{
		{"absent uses default", "", 40, 0, 50, 40},
		{"in range", "25", 40, 0, 50, 25},
		{"clamped high", "90", 40, 0, 50, 50},
		{"clamped low", "10", 80, 50, 95, 50},
		{"malformed uses default", "not-a-number", 80, 50, 95, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &countingSettings{data: map[string]string{}}
			if tt.value != "" {
				backend.data["key"] = tt.value
			}
			if got := IntSetting(ctx, backend, "key", tt.def, tt.min, tt.max); got != tt.want {
				t.Errorf("IntSetting = %d, want %d", got, tt.want)
			}
		})
	}
}
