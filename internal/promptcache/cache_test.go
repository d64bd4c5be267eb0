package promptcache

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0 // tests drive Sweep explicitly
	return cfg
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

// TestConfigValidate tests cache config validation.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "zero ttl", mutate: func(c *Config) { c.TTL = 0 }, wantErr: true},
		{name: "zero max entries", mutate: func(c *Config) { c.MaxEntries = 0 }, wantErr: true},
		{name: "zero total tokens", mutate: func(c *Config) { c.MaxTotalTokens = 0 }, wantErr: true},
		{name: "zero entry tokens", mutate: func(c *Config) { c.MaxEntryTokens = 0 }, wantErr: true},
		{name: "zero threshold", mutate: func(c *Config) { c.MinReuseThreshold = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *Config) { c.MinReuseThreshold = 1.5 }, wantErr: true},
		{name: "threshold exactly one", mutate: func(c *Config) { c.MinReuseThreshold = 1 }, wantErr: false},
		{name: "zero tokens per second", mutate: func(c *Config) { c.TokensPerSecond = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestEstimateTokens pins the chars/4 heuristic.
func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Errorf("EstimateTokens(\"\") = %d, want 1", got)
	}
	if got := EstimateTokens(strings.Repeat("x", 400)); got != 101 {
		t.Errorf("EstimateTokens(400 chars) = %d, want 101", got)
	}
}

// TestExactHit verifies the exact-key lookup path: store then find with
// identical inputs.
func TestExactHit(t *testing.T) {
	c := newTestCache(t, testConfig())

	msgs := []Message{
		{Role: "user", Content: "implement the parser"},
		{Role: "assistant", Content: "package parser..."},
	}
	id, err := c.StoreContext("proj", "model-a", "backend", "you are a coder", msgs)
	if err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	hit := c.FindCacheHit("proj", "model-a", "you are a coder", msgs)
	if !hit.Hit {
		t.Fatal("FindCacheHit() = miss, want exact hit")
	}
	if hit.EntryID != id {
		t.Errorf("EntryID = %q, want %q", hit.EntryID, id)
	}
	wantTokens := estimateContextTokens("you are a coder", msgs)
	if hit.ReusableTokens != wantTokens {
		t.Errorf("ReusableTokens = %d, want full entry size %d", hit.ReusableTokens, wantTokens)
	}
	if hit.TimeSavedMs <= 0 {
		t.Errorf("TimeSavedMs = %d, want positive", hit.TimeSavedMs)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Errorf("stats = %+v, want 1 hit / 0 misses", stats)
	}
}

// TestMissIsCounted verifies lookups against an empty cache count as misses.
func TestMissIsCounted(t *testing.T) {
	c := newTestCache(t, testConfig())

	hit := c.FindCacheHit("proj", "model-a", "sys", []Message{{Role: "user", Content: "hello"}})
	if hit.Hit {
		t.Error("FindCacheHit() on empty cache = hit, want miss")
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}

// TestPrefixHit verifies the prefix path: a conversation diverging after the
// first messages still reuses the shared leading run.
func TestPrefixHit(t *testing.T) {
	c := newTestCache(t, testConfig())

	m1 := Message{Role: "user", Content: strings.Repeat("describe the schema. ", 20)}
	m2 := Message{Role: "assistant", Content: strings.Repeat("CREATE TABLE ... ", 20)}
	m3 := Message{Role: "user", Content: "now add indexes"}
	m4 := Message{Role: "user", Content: "now add constraints"}

	if _, err := c.StoreContext("proj", "model-a", "backend", "sys", []Message{m1, m2, m3}); err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	hit := c.FindCacheHit("proj", "model-a", "sys", []Message{m1, m2, m4})
	if !hit.Hit {
		t.Fatal("FindCacheHit() = miss, want prefix hit")
	}
	wantOverlap := EstimateTokens(m1.Content) + EstimateTokens(m2.Content)
	if hit.ReusableTokens != wantOverlap {
		t.Errorf("ReusableTokens = %d, want shared prefix %d", hit.ReusableTokens, wantOverlap)
	}
}

// TestPrefixHitPicksLongestOverlap verifies the best-overlap tie-break among
// multiple qualifying entries.
func TestPrefixHitPicksLongestOverlap(t *testing.T) {
	c := newTestCache(t, testConfig())

	m1 := Message{Role: "user", Content: strings.Repeat("a", 400)}
	m2 := Message{Role: "assistant", Content: strings.Repeat("b", 400)}
	m3 := Message{Role: "user", Content: strings.Repeat("c", 400)}

	if _, err := c.StoreContext("proj", "m", "t", "sys", []Message{m1, m2}); err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}
	longID, err := c.StoreContext("proj", "m", "t", "sys", []Message{m1, m2, m3})
	if err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	lookup := []Message{m1, m2, m3, {Role: "user", Content: "diverges"}}
	hit := c.FindCacheHit("proj", "m", "sys", lookup)
	if !hit.Hit {
		t.Fatal("FindCacheHit() = miss, want hit")
	}
	if hit.EntryID != longID {
		t.Errorf("EntryID = %q, want the longer entry %q", hit.EntryID, longID)
	}
}

// TestPrefixBelowThresholdMisses verifies the reuse threshold gate.
func TestPrefixBelowThresholdMisses(t *testing.T) {
	cfg := testConfig()
	cfg.MinReuseThreshold = 0.5
	c := newTestCache(t, cfg)

	small := Message{Role: "user", Content: "hi"}
	big := Message{Role: "assistant", Content: strings.Repeat("lots of generated text ", 100)}

	if _, err := c.StoreContext("proj", "m", "t", "sys", []Message{small, big}); err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	// Only the tiny first message matches; far below half the entry.
	hit := c.FindCacheHit("proj", "m", "sys", []Message{small, {Role: "user", Content: "different"}})
	if hit.Hit {
		t.Errorf("FindCacheHit() = hit with %d tokens, want miss below threshold", hit.ReusableTokens)
	}
}

// TestLookupScoping verifies project, model and system prompt all scope
// candidate entries.
func TestLookupScoping(t *testing.T) {
	c := newTestCache(t, testConfig())

	msgs := []Message{{Role: "user", Content: strings.Repeat("shared prompt ", 30)}}
	if _, err := c.StoreContext("proj", "model-a", "t", "sys", msgs); err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	tests := []struct {
		name      string
		projectID string
		model     string
		sysPrompt string
		wantHit   bool
	}{
		{"same scope", "proj", "model-a", "sys", true},
		{"other project", "other", "model-a", "sys", false},
		{"other model", "proj", "model-b", "sys", false},
		{"other system prompt", "proj", "model-a", "different sys", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hit := c.FindCacheHit(tt.projectID, tt.model, tt.sysPrompt, msgs)
			if hit.Hit != tt.wantHit {
				t.Errorf("FindCacheHit() hit = %v, want %v", hit.Hit, tt.wantHit)
			}
		})
	}
}

// TestStoreContextRejectsOversized verifies the single-entry ceiling.
func TestStoreContextRejectsOversized(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntryTokens = 10
	c := newTestCache(t, cfg)

	_, err := c.StoreContext("proj", "m", "t", "sys", []Message{
		{Role: "user", Content: strings.Repeat("x", 400)},
	})
	if !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("StoreContext() error = %v, want ErrEntryTooLarge", err)
	}
	if stats := c.Stats(); stats.Entries != 0 {
		t.Errorf("Entries = %d, want 0 after rejection", stats.Entries)
	}
}

// TestStoreContextRefreshesExistingKey verifies re-storing the same context
// updates in place instead of duplicating.
func TestStoreContextRefreshesExistingKey(t *testing.T) {
	c := newTestCache(t, testConfig())

	msgs := []Message{{Role: "user", Content: "same conversation"}}
	id1, err := c.StoreContext("proj", "m", "t", "sys", msgs)
	if err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}
	id2, err := c.StoreContext("proj", "m", "t", "sys", msgs)
	if err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("re-store created a new entry: %q vs %q", id1, id2)
	}
	if stats := c.Stats(); stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1", stats.Entries)
	}
}

// TestEvictionUnderEntryPressure verifies the entry-count ceiling evicts a
// low-scoring batch and keeps the cache under its limit.
func TestEvictionUnderEntryPressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntries = 5
	c := newTestCache(t, cfg)

	for i := 0; i < 6; i++ {
		msgs := []Message{{Role: "user", Content: fmt.Sprintf("conversation %d", i)}}
		if _, err := c.StoreContext("proj", "m", "t", "sys", msgs); err != nil {
			t.Fatalf("StoreContext(%d) error = %v", i, err)
		}
	}

	stats := c.Stats()
	if stats.Entries > 5 {
		t.Errorf("Entries = %d, want <= 5", stats.Entries)
	}
	if stats.Evictions == 0 {
		t.Error("Evictions = 0, want at least one")
	}
}

// TestEvictionUnderTokenPressure verifies the total-token ceiling evicts
// until the new entry fits.
func TestEvictionUnderTokenPressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalTokens = 400
	c := newTestCache(t, cfg)

	// Each entry is ~150 tokens; the third insert must push something out.
	for i := 0; i < 3; i++ {
		msgs := []Message{{Role: "user", Content: strings.Repeat(fmt.Sprintf("m%d ", i), 200)}}
		if _, err := c.StoreContext("proj", "m", "t", "", msgs); err != nil {
			t.Fatalf("StoreContext(%d) error = %v", i, err)
		}
	}

	stats := c.Stats()
	if stats.TotalTokens > 400 {
		t.Errorf("TotalTokens = %d, want <= 400", stats.TotalTokens)
	}
	if stats.Evictions == 0 {
		t.Error("Evictions = 0, want at least one")
	}
}

// TestEvictionScoreOrdering verifies hot entries outscore cold, old and large
// ones.
func TestEvictionScoreOrdering(t *testing.T) {
	now := time.Now()

	hot := &Entry{HitCount: 10, LastUsedAt: now.Add(-time.Second), CreatedAt: now.Add(-time.Minute), TokenCount: 100}
	cold := &Entry{HitCount: 0, LastUsedAt: now.Add(-20 * time.Minute), CreatedAt: now.Add(-25 * time.Minute), TokenCount: 100}
	large := &Entry{HitCount: 0, LastUsedAt: now.Add(-20 * time.Minute), CreatedAt: now.Add(-25 * time.Minute), TokenCount: 90000}

	if evictionScore(hot, now) <= evictionScore(cold, now) {
		t.Error("hot entry should outscore cold entry")
	}
	if evictionScore(cold, now) <= evictionScore(large, now) {
		t.Error("small entry should outscore large entry, all else equal")
	}
}

// TestTTLExpiry verifies expired entries miss on lookup and are purged by
// Sweep.
func TestTTLExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 20 * time.Millisecond
	c := newTestCache(t, cfg)

	msgs := []Message{{Role: "user", Content: "short lived"}}
	if _, err := c.StoreContext("proj", "m", "t", "sys", msgs); err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if hit := c.FindCacheHit("proj", "m", "sys", msgs); hit.Hit {
		t.Error("FindCacheHit() = hit on expired entry, want miss")
	}

	if removed := c.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	stats := c.Stats()
	if stats.Entries != 0 || stats.Expired != 1 {
		t.Errorf("stats after sweep = %+v, want 0 entries / 1 expired", stats)
	}
}

// TestInvalidateProject verifies project-wide invalidation.
func TestInvalidateProject(t *testing.T) {
	c := newTestCache(t, testConfig())

	for i := 0; i < 3; i++ {
		msgs := []Message{{Role: "user", Content: fmt.Sprintf("proj conversation %d", i)}}
		if _, err := c.StoreContext("proj", "m", "t", "sys", msgs); err != nil {
			t.Fatalf("StoreContext() error = %v", err)
		}
	}
	other := []Message{{Role: "user", Content: "other project"}}
	if _, err := c.StoreContext("other", "m", "t", "sys", other); err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	if removed := c.InvalidateProject("proj"); removed != 3 {
		t.Errorf("InvalidateProject() = %d, want 3", removed)
	}
	if stats := c.Stats(); stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1 surviving entry", stats.Entries)
	}
	if hit := c.FindCacheHit("other", "m", "sys", other); !hit.Hit {
		t.Error("other project's entry was removed")
	}
}

// TestInvalidateEntry verifies single-entry invalidation by id.
func TestInvalidateEntry(t *testing.T) {
	c := newTestCache(t, testConfig())

	msgs := []Message{{Role: "user", Content: "to be removed"}}
	id, err := c.StoreContext("proj", "m", "t", "sys", msgs)
	if err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	if !c.InvalidateEntry(id) {
		t.Error("InvalidateEntry() = false, want true")
	}
	if c.InvalidateEntry(id) {
		t.Error("second InvalidateEntry() = true, want false")
	}
	if hit := c.FindCacheHit("proj", "m", "sys", msgs); hit.Hit {
		t.Error("FindCacheHit() = hit after invalidation, want miss")
	}
}

// TestShutdown verifies shutdown clears state, stops accepting work and is
// idempotent.
func TestShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond // exercise the sweep goroutine
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	msgs := []Message{{Role: "user", Content: "ephemeral"}}
	if _, err := c.StoreContext("proj", "m", "t", "sys", msgs); err != nil {
		t.Fatalf("StoreContext() error = %v", err)
	}

	c.Shutdown()
	c.Shutdown() // must not panic or block

	if hit := c.FindCacheHit("proj", "m", "sys", msgs); hit.Hit {
		t.Error("FindCacheHit() = hit after shutdown, want miss")
	}
	if _, err := c.StoreContext("proj", "m", "t", "sys", msgs); err == nil {
		t.Error("StoreContext() after shutdown error = nil, want error")
	}
	if stats := c.Stats(); stats.Entries != 0 || stats.TotalTokens != 0 {
		t.Errorf("stats after shutdown = %+v, want empty", stats)
	}
}

// TestHashMessagesSeparators verifies the message framing can't collide
// across different splits of the same bytes.
func TestHashMessagesSeparators(t *testing.T) {
	a := hashMessages([]Message{{Role: "user", Content: "ab"}, {Role: "user", Content: "c"}})
	b := hashMessages([]Message{{Role: "user", Content: "a"}, {Role: "user", Content: "bc"}})
	if a == b {
		t.Error("hashMessages() collides across different message splits")
	}
}
