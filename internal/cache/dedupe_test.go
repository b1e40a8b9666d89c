package cache

import (
	"sync"
	"testing"
	"time"
)

func TestNewDedupeCache(t *testing.T) {
	t.Run("creates cache with valid options", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		if cache == nil {
			t.Fatal("expected cache to be created")
		}
		if cache.ttl != time.Minute {
			t.Errorf("expected TTL %v, got %v", time.Minute, cache.ttl)
		}
		if cache.maxSize != 100 {
			t.Errorf("expected maxSize 100, got %d", cache.maxSize)
		}
	})

	t.Run("normalizes negative options to zero", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: -time.Minute, MaxSize: -10})
		if cache.ttl != 0 {
			t.Errorf("expected TTL 0, got %v", cache.ttl)
		}
		if cache.maxSize != 0 {
			t.Errorf("expected maxSize 0, got %d", cache.maxSize)
		}
	})
}

func TestDedupeCache_Check(t *testing.T) {
	t.Run("returns false for first occurrence", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		if cache.Check("frame1") {
			t.Error("expected false for first occurrence")
		}
	})

	t.Run("returns true for duplicate within TTL", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		cache.Check("frame1")
		if !cache.Check("frame1") {
			t.Error("expected true for duplicate")
		}
	})

	t.Run("empty key is never stored", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		if cache.Check("") {
			t.Error("expected false for empty key")
		}
		if cache.Size() != 0 {
			t.Error("expected cache to stay empty")
		}
	})

	t.Run("returns false after TTL expires", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: 100 * time.Millisecond, MaxSize: 100})

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cache.CheckAt("frame1", base)

		if !cache.CheckAt("frame1", base.Add(50*time.Millisecond)) {
			t.Error("expected true within TTL")
		}
		if cache.CheckAt("frame1", base.Add(150*time.Millisecond)) {
			t.Error("expected false after TTL expires")
		}
	})

	t.Run("duplicate check refreshes the timestamp", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: 100 * time.Millisecond, MaxSize: 100})

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cache.CheckAt("frame1", base)
		cache.CheckAt("frame1", base.Add(50*time.Millisecond))

		if !cache.CheckAt("frame1", base.Add(120*time.Millisecond)) {
			t.Error("expected true after refresh extended the TTL")
		}
	})
}

func TestDedupeCache_MaxSize(t *testing.T) {
	t.Run("enforces bound", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Hour, MaxSize: 3})

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cache.CheckAt("f1", base)
		cache.CheckAt("f2", base.Add(time.Millisecond))
		cache.CheckAt("f3", base.Add(2*time.Millisecond))
		cache.CheckAt("f4", base.Add(3*time.Millisecond))

		if cache.Size() > 3 {
			t.Errorf("expected size <= 3, got %d", cache.Size())
		}
	})

	t.Run("evicts oldest on overflow", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Hour, MaxSize: 2})

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cache.CheckAt("f1", base)
		cache.CheckAt("f2", base.Add(time.Millisecond))
		cache.CheckAt("f3", base.Add(2*time.Millisecond))

		at := base.Add(3 * time.Millisecond)
		if cache.ContainsAt("f1", at) {
			t.Error("expected oldest key to be evicted")
		}
		if !cache.ContainsAt("f2", at) || !cache.ContainsAt("f3", at) {
			t.Error("expected newer keys to survive")
		}
	})

	t.Run("zero maxSize means unbounded", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Hour, MaxSize: 0})

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 100; i++ {
			cache.CheckAt("f"+string(rune('a'+i%26))+string(rune('a'+i/26)), base)
		}
		if cache.Size() != 100 {
			t.Errorf("expected 100 entries with no bound, got %d", cache.Size())
		}
	})
}

func TestDedupeCache_Contains(t *testing.T) {
	t.Run("does not refresh the timestamp", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: 100 * time.Millisecond, MaxSize: 100})

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cache.CheckAt("frame1", base)
		cache.ContainsAt("frame1", base.Add(50*time.Millisecond))

		if cache.ContainsAt("frame1", base.Add(110*time.Millisecond)) {
			t.Error("expected Contains not to extend the TTL")
		}
	})

	t.Run("returns false for absent and empty keys", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		if cache.Contains("absent") {
			t.Error("expected false for absent key")
		}
		if cache.Contains("") {
			t.Error("expected false for empty key")
		}
	})
}

func TestDedupeCache_RemoveAndClear(t *testing.T) {
	cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})

	cache.Check("f1")
	cache.Check("f2")

	cache.Remove("f1")
	if cache.Contains("f1") {
		t.Error("expected removed key to be forgotten")
	}
	if !cache.Contains("f2") {
		t.Error("expected other keys to survive remove")
	}

	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("expected size 0 after clear, got %d", cache.Size())
	}
	if cache.Check("f2") {
		t.Error("expected cleared key not to be a duplicate")
	}
}

func TestDedupeCache_ZeroTTLMeansInfinite(t *testing.T) {
	cache := NewDedupeCache(DedupeCacheOptions{TTL: 0, MaxSize: 100})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.CheckAt("frame1", base)

	if !cache.CheckAt("frame1", base.Add(24*time.Hour)) {
		t.Error("expected duplicate with zero TTL")
	}
	if !cache.ContainsAt("frame1", base.Add(24*time.Hour)) {
		t.Error("expected Contains true with zero TTL")
	}
}

func TestDedupeCache_Concurrency(t *testing.T) {
	cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := "frame" + string(rune(id%26+'a'))
			for j := 0; j < 100; j++ {
				cache.Check(key)
				cache.Contains(key)
				cache.Size()
			}
		}(i)
	}
	wg.Wait()

	if cache.Size() == 0 {
		t.Error("expected entries after concurrent use")
	}
}

func TestFrameKey(t *testing.T) {
	tests := []struct {
		name           string
		conversationID string
		frameID        string
		expected       string
	}{
		{
			name:           "conversation and frame",
			conversationID: "conv-1",
			frameID:        "frame-9",
			expected:       "conv-1:frame-9",
		},
		{
			name:           "missing conversation",
			conversationID: "",
			frameID:        "frame-9",
			expected:       "frame-9",
		},
		{
			name:           "missing frame id disables dedupe",
			conversationID: "conv-1",
			frameID:        "",
			expected:       "",
		},
		{
			name:           "both empty",
			conversationID: "",
			frameID:        "",
			expected:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FrameKey(tt.conversationID, tt.frameID)
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
