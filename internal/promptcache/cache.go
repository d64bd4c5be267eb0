// Package promptcache caches prior conversation contexts so the generation
// layer can avoid resending prompt prefixes the backend has already seen.
// Lookups try an exact key first and fall back to the longest shared message
// prefix; storage is capped by entry count and total cached tokens, with a
// score-based batch eviction under pressure.
package promptcache

import (
	"container/list"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// ErrEntryTooLarge is returned when a context exceeds the single-entry token
// ceiling. Such contexts are rejected outright, never cached.
var ErrEntryTooLarge = errors.New("context exceeds single-entry token ceiling")

// Message is one turn of a generation conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config controls cache capacity, expiry and hit estimation.
type Config struct {
	TTL               time.Duration // Entry lifetime measured from creation
	MaxEntries        int           // Entry-count ceiling
	MaxTotalTokens    int           // Total cached-token ceiling across entries
	MaxEntryTokens    int           // Single-entry ceiling; larger contexts are rejected
	MinReuseThreshold float64       // Prefix hit qualifies when overlap >= threshold * entry tokens
	TokensPerSecond   float64       // Assumed generation speed for time-saved estimates
	SweepInterval     time.Duration // Background TTL sweep period (<= 0 disables)
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:               30 * time.Minute,
		MaxEntries:        500,
		MaxTotalTokens:    2_000_000,
		MaxEntryTokens:    100_000,
		MinReuseThreshold: 0.3,
		TokensPerSecond:   150,
		SweepInterval:     5 * time.Minute,
	}
}

// Validate checks the config at construction time.
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %v", c.TTL)
	}
	if c.MaxEntries < 1 {
		return fmt.Errorf("max entries must be >= 1, got %d", c.MaxEntries)
	}
	if c.MaxTotalTokens < 1 {
		return fmt.Errorf("max total tokens must be >= 1, got %d", c.MaxTotalTokens)
	}
	if c.MaxEntryTokens < 1 {
		return fmt.Errorf("max entry tokens must be >= 1, got %d", c.MaxEntryTokens)
	}
	if c.MinReuseThreshold <= 0 || c.MinReuseThreshold > 1 {
		return fmt.Errorf("min reuse threshold must be in (0, 1], got %v", c.MinReuseThreshold)
	}
	if c.TokensPerSecond <= 0 {
		return fmt.Errorf("tokens per second must be positive, got %v", c.TokensPerSecond)
	}
	return nil
}

// Entry is one cached conversation context.
type Entry struct {
	ID               string // Unique entry id
	Key              string // Derived cache key (project, model, prompt hashes)
	ProjectID        string
	ContextHash      string // Hash of the serialized message sequence
	SystemPromptHash string
	Messages         []Message
	TokenCount       int
	CreatedAt        time.Time
	LastUsedAt       time.Time
	HitCount         int
	Model            string
	TaskType         string
}

// Hit is the outcome of a lookup.
type Hit struct {
	Hit            bool
	ReusableTokens int
	TimeSavedMs    int64
	EntryID        string
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries     int
	TotalTokens int
	Hits        int64
	Misses      int64
	Evictions   int64
	Expired     int64
}

// Cache is an in-process prompt-context cache. All state is guarded by one
// mutex: lookups mutate recency bookkeeping, so a read/write split buys
// nothing here.
type Cache struct {
	mu          sync.Mutex
	cfg         Config
	byKey       map[string]*list.Element       // cache key -> recency element
	byProject   map[string]map[string]struct{} // projectID -> set of cache keys
	recency     *list.List                     // front = most recently used; element value is *Entry
	totalTokens int

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	sweepStop chan struct{}
	sweepDone chan struct{}
	closed    bool
}

// New creates a Cache and starts its TTL sweep goroutine when
// cfg.SweepInterval is positive.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	c := &Cache{
		cfg:       cfg,
		byKey:     make(map[string]*list.Element),
		byProject: make(map[string]map[string]struct{}),
		recency:   list.New(),
	}

	if cfg.SweepInterval > 0 {
		c.sweepStop = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweepLoop()
	}

	return c, nil
}

// hashText is a fast content hash. Collisions need to be rare, not
// impossible; 128 bits of blake3 is plenty.
func hashText(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// hashMessages hashes the serialized message sequence with explicit
// separators so ("a","bc") and ("ab","c") can't collide.
func hashMessages(msgs []Message) string {
	h := blake3.New()
	for _, m := range msgs {
		h.Write([]byte(m.Role))
		h.Write([]byte{0x1f})
		h.Write([]byte(m.Content))
		h.Write([]byte{0x1e})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// cacheKey derives the exact-lookup key from project, model and the two
// content hashes.
func cacheKey(projectID, model, systemPromptHash, contextHash string) string {
	return projectID + ":" + model + ":" + systemPromptHash + ":" + contextHash
}

// EstimateTokens is the rough chars/4 heuristic used consistently for entry
// sizes and prefix overlaps.
func EstimateTokens(s string) int {
	return len(s)/4 + 1
}

func estimateContextTokens(systemPrompt string, msgs []Message) int {
	total := EstimateTokens(systemPrompt)
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

// FindCacheHit looks for a reusable context. Exact key match first; failing
// that, the best qualifying prefix match among same-project entries sharing
// the model and system prompt. Lookup anomalies never surface as errors,
// only as a miss.
func (c *Cache) FindCacheHit(projectID, model, systemPrompt string, msgs []Message) Hit {
	sysHash := hashText(systemPrompt)
	ctxHash := hashMessages(msgs)
	key := cacheKey(projectID, model, sysHash, ctxHash)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Hit{}
	}

	if el, ok := c.byKey[key]; ok {
		entry := el.Value.(*Entry)
		if !c.expiredAt(entry, now) {
			c.touchLocked(el, now)
			c.hits++
			return Hit{
				Hit:            true,
				ReusableTokens: entry.TokenCount,
				TimeSavedMs:    c.timeSavedMs(entry.TokenCount),
				EntryID:        entry.ID,
			}
		}
	}

	// Prefix match: longest shared leading message run among candidates.
	var best *list.Element
	bestOverlap := 0
	for k := range c.byProject[projectID] {
		el, ok := c.byKey[k]
		if !ok {
			continue
		}
		entry := el.Value.(*Entry)
		if entry.Model != model || entry.SystemPromptHash != sysHash || c.expiredAt(entry, now) {
			continue
		}

		// Overlap counts matching prefix messages only; the system prompt
		// already gated candidacy via its hash.
		overlap := 0
		matched := 0
		for i := 0; i < len(msgs) && i < len(entry.Messages); i++ {
			if msgs[i] != entry.Messages[i] {
				break
			}
			overlap += EstimateTokens(msgs[i].Content)
			matched++
		}
		if matched == 0 {
			continue
		}
		if float64(overlap) < c.cfg.MinReuseThreshold*float64(entry.TokenCount) {
			continue
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = el
		}
	}

	if best != nil {
		entry := best.Value.(*Entry)
		c.touchLocked(best, now)
		c.hits++
		return Hit{
			Hit:            true,
			ReusableTokens: bestOverlap,
			TimeSavedMs:    c.timeSavedMs(bestOverlap),
			EntryID:        entry.ID,
		}
	}

	c.misses++
	return Hit{}
}

// StoreContext caches a conversation context, evicting low-scoring entries
// first when the insert would exceed a capacity ceiling. Returns the entry
// id, or ErrEntryTooLarge when the context exceeds the single-entry ceiling.
func (c *Cache) StoreContext(projectID, model, taskType, systemPrompt string, msgs []Message) (string, error) {
	tokens := estimateContextTokens(systemPrompt, msgs)
	if tokens > c.cfg.MaxEntryTokens {
		return "", fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, tokens, c.cfg.MaxEntryTokens)
	}

	sysHash := hashText(systemPrompt)
	ctxHash := hashMessages(msgs)
	key := cacheKey(projectID, model, sysHash, ctxHash)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", fmt.Errorf("cache is shut down")
	}

	// Re-storing an existing key refreshes it in place.
	if el, ok := c.byKey[key]; ok {
		entry := el.Value.(*Entry)
		c.totalTokens += tokens - entry.TokenCount
		entry.Messages = append([]Message(nil), msgs...)
		entry.TokenCount = tokens
		entry.CreatedAt = now
		entry.LastUsedAt = now
		c.recency.MoveToFront(el)
		return entry.ID, nil
	}

	for len(c.byKey)+1 > c.cfg.MaxEntries || c.totalTokens+tokens > c.cfg.MaxTotalTokens {
		if !c.evictBatchLocked(now) {
			break
		}
	}

	entry := &Entry{
		ID:               uuid.NewString(),
		Key:              key,
		ProjectID:        projectID,
		ContextHash:      ctxHash,
		SystemPromptHash: sysHash,
		Messages:         append([]Message(nil), msgs...),
		TokenCount:       tokens,
		CreatedAt:        now,
		LastUsedAt:       now,
		Model:            model,
		TaskType:         taskType,
	}
	el := c.recency.PushFront(entry)
	c.byKey[key] = el
	keys, ok := c.byProject[projectID]
	if !ok {
		keys = make(map[string]struct{})
		c.byProject[projectID] = keys
	}
	keys[key] = struct{}{}
	c.totalTokens += tokens

	return entry.ID, nil
}

// evictionScore favors frequently and recently used entries and penalizes
// old and large ones. Lower scores are evicted first.
func evictionScore(e *Entry, now time.Time) float64 {
	sinceUse := now.Sub(e.LastUsedAt).Milliseconds()
	age := now.Sub(e.CreatedAt).Milliseconds()
	return float64(e.HitCount)*1000/float64(sinceUse+1) -
		float64(age)/60000 -
		float64(e.TokenCount)/1000
}

// evictBatchLocked removes the lowest-scoring ~20% of entries (at least
// one). Returns false when the cache is already empty.
func (c *Cache) evictBatchLocked(now time.Time) bool {
	n := len(c.byKey)
	if n == 0 {
		return false
	}

	type scored struct {
		el    *list.Element
		score float64
	}
	ranked := make([]scored, 0, n)
	for el := c.recency.Front(); el != nil; el = el.Next() {
		ranked = append(ranked, scored{el, evictionScore(el.Value.(*Entry), now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	count := (n + 4) / 5 // ceil(20%)
	for i := 0; i < count; i++ {
		c.removeLocked(ranked[i].el)
		c.evictions++
	}
	return true
}

// InvalidateProject drops every entry belonging to the project. Returns how
// many were removed.
func (c *Cache) InvalidateProject(projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byProject[projectID]
	removed := 0
	for k := range keys {
		if el, ok := c.byKey[k]; ok {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// InvalidateEntry drops one entry by its id. Returns whether it existed.
func (c *Cache) InvalidateEntry(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.recency.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry).ID == id {
			c.removeLocked(el)
			return true
		}
	}
	return false
}

// Sweep purges TTL-expired entries and returns how many were removed. The
// background goroutine calls this periodically; it is exported so callers
// without a sweep interval can run it themselves.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	var next *list.Element
	for el := c.recency.Front(); el != nil; el = next {
		next = el.Next()
		if c.expiredAt(el.Value.(*Entry), now) {
			c.removeLocked(el)
			c.expired++
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:     len(c.byKey),
		TotalTokens: c.totalTokens,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expired:     c.expired,
	}
}

// Shutdown stops the sweep goroutine and clears all state. Idempotent.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.byKey = make(map[string]*list.Element)
	c.byProject = make(map[string]map[string]struct{})
	c.recency.Init()
	c.totalTokens = 0
	stop := c.sweepStop
	done := c.sweepDone
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.sweepStop:
			return
		}
	}
}

func (c *Cache) expiredAt(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= c.cfg.TTL
}

// touchLocked records a hit: bump the counter, refresh recency.
func (c *Cache) touchLocked(el *list.Element, now time.Time) {
	entry := el.Value.(*Entry)
	entry.HitCount++
	entry.LastUsedAt = now
	c.recency.MoveToFront(el)
}

func (c *Cache) timeSavedMs(tokens int) int64 {
	return int64(float64(tokens) / c.cfg.TokensPerSecond * 1000)
}

// removeLocked unlinks an entry from every index.
func (c *Cache) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	c.recency.Remove(el)
	delete(c.byKey, entry.Key)
	if keys, ok := c.byProject[entry.ProjectID]; ok {
		delete(keys, entry.Key)
		if len(keys) == 0 {
			delete(c.byProject, entry.ProjectID)
		}
	}
	c.totalTokens -= entry.TokenCount
}
