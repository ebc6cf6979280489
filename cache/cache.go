// Package cache implements the Response Cache: deterministic content-addressed
// storage with two keying modes (exact, aggressive), a bounded in-memory LRU
// tier, an on-disk gzip tier, and a durable index tier.
//
// Grounded on caching/caching.go's Engine shape (mutex + atomic counters +
// Config/Entry/Stats structs), generalized from embedding/cosine-similarity
// matching to canonical-JSON SHA-256 keying per spec.
package cache

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/envelope"
)

// Mode selects the keying algorithm.
type Mode string

const (
	ModeExact      Mode = "exact"
	ModeAggressive Mode = "aggressive"
)

// Config holds cache policy.
type Config struct {
	Enabled               bool
	Mode                  Mode // exact or aggressive keying, independent of router mode
	OnlyWhenDeterministic bool // exact mode only: bypass when temperature > 0
	ExactTTL              time.Duration
	AggressiveTTL         time.Duration
	TaskTypeTTLOverrides  map[string]time.Duration
	MaxMemoryBytes        int64
	MaxMemoryEntries      int // cap for the underlying LRU library, count-based
	DiskDir               string
	ValidateResponses     bool
	MinResponseLength     int
}

// DefaultConfig returns spec-aligned defaults (§4.2: 1h exact, 30m aggressive,
// 100MB memory budget).
func DefaultConfig(diskDir string) Config {
	return Config{
		Enabled:               true,
		Mode:                  ModeExact,
		OnlyWhenDeterministic: true,
		ExactTTL:              time.Hour,
		AggressiveTTL:         30 * time.Minute,
		TaskTypeTTLOverrides:  map[string]time.Duration{},
		MaxMemoryBytes:        100 * 1024 * 1024,
		MaxMemoryEntries:      10000,
		DiskDir:               diskDir,
		ValidateResponses:     true,
		MinResponseLength:     2,
	}
}

// Entry is a stored cache record.
type Entry struct {
	Key         string          `json:"key"`
	Model       string          `json:"model"`
	TaskType    string          `json:"task_type"`
	Response    []byte          `json:"-"`
	TokensIn    int             `json:"tokens_in"`
	TokensOut   int             `json:"tokens_out"`
	CostUSD     float64         `json:"cost_usd"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	HitCount    int64           `json:"hit_count"`
	Size        int             `json:"size"`
}

func (e *Entry) Expired() bool { return time.Now().After(e.ExpiresAt) }

// indexRow is the durable-index-tier record (no response body).
type indexRow struct {
	Key       string    `json:"key"`
	Model     string    `json:"model"`
	TaskType  string    `json:"task_type"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int64     `json:"hit_count"`
	Size      int       `json:"size"`
}

// LookupResult is the outcome of a Lookup call.
type LookupResult struct {
	Hit    bool
	Entry  *Entry
	Source string // "memory", "disk", or "" on miss
}

// Stats reports cache counters per spec §4.2.
type Stats struct {
	Hits           int64
	Misses         int64
	Bypasses       int64
	SavedCostUSD   float64
	PerModelHits   map[string]int64
	PerModelEntries map[string]int64
	PerTaskTypeHits map[string]int64
	PerTaskTypeEntries map[string]int64
	MemoryBytes    int64
}

// Engine is the 3-tier Response Cache.
type Engine struct {
	mu     sync.RWMutex
	logger zerolog.Logger
	config Config

	memory      *lru.Cache[string, *Entry]
	memoryBytes int64

	index map[string]*indexRow // durable index tier, rebuilt at startup

	hits, misses, bypasses int64
	savedCostMicros        int64 // cost accumulated as micro-USD to keep atomic ops integer

	perModelHitsMu sync.Mutex
	perModelHits   map[string]int64
	perTaskHits    map[string]int64
}

// NewEngine constructs an Engine and performs the startup sweep (§4.2:
// "expired entries are deleted on startup").
func NewEngine(logger zerolog.Logger, cfg Config) (*Engine, error) {
	maxEntries := cfg.MaxMemoryEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	mem, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: creating LRU: %w", err)
	}
	e := &Engine{
		logger:       logger.With().Str("component", "cache").Logger(),
		config:       cfg,
		memory:       mem,
		index:        make(map[string]*indexRow),
		perModelHits: make(map[string]int64),
		perTaskHits:  make(map[string]int64),
	}
	if cfg.DiskDir != "" {
		if err := os.MkdirAll(cfg.DiskDir, 0o700); err != nil {
			return nil, fmt.Errorf("cache: creating disk dir: %w", err)
		}
		if err := e.loadIndex(); err != nil {
			logger.Warn().Err(err).Msg("cache: index load failed, starting empty")
		}
		e.sweepExpired()
	}
	return e, nil
}

// ComputeKey canonicalizes env per mode and returns the hex SHA-256 digest.
func ComputeKey(env *envelope.Envelope, mode Mode) string {
	var subset map[string]interface{}
	switch mode {
	case ModeAggressive:
		subset = map[string]interface{}{
			"model":            env.Model,
			"system":           env.System,
			"tools":            rawOrNil(env.Tools),
			"last_user_message": env.LastUserMessage(),
		}
	default: // ModeExact
		subset = map[string]interface{}{
			"max_tokens":     env.MaxTokens,
			"messages":       env.Messages,
			"model":          env.Model,
			"stop_sequences": env.StopSequences,
			"system":         env.System,
			"temperature":    env.Temperature,
			"tool_choice":    rawOrNil(env.ToolChoice),
			"tools":          rawOrNil(env.Tools),
			"top_k":          env.TopK,
			"top_p":          env.TopP,
		}
	}
	return hashCanonical(subset)
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// hashCanonical marshals subset with sorted top-level keys (json.Marshal on a
// map already sorts keys) and returns the SHA-256 hex digest.
func hashCanonical(subset map[string]interface{}) string {
	keys := make([]string, 0, len(subset))
	for k := range subset {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, subset[k])
	}
	data, _ := json.Marshal(ordered)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShouldBypass reports whether this request bypasses the cache entirely, per
// spec §4.2's bypass rules.
func ShouldBypass(cfg Config, mode Mode, temperature *float64, explicitBypass bool) bool {
	if explicitBypass {
		return true
	}
	if !cfg.Enabled {
		return true
	}
	if mode == ModeExact && cfg.OnlyWhenDeterministic {
		if temperature != nil && *temperature > 0 {
			return true
		}
	}
	return false
}

// Lookup checks memory then index+disk, promoting a disk hit into memory.
func (e *Engine) Lookup(key string) *LookupResult {
	e.mu.RLock()
	entry, ok := e.memory.Get(key)
	e.mu.RUnlock()
	if ok {
		if entry.Expired() {
			e.mu.Lock()
			e.memory.Remove(key)
			e.mu.Unlock()
		} else {
			e.recordHit(entry)
			return &LookupResult{Hit: true, Entry: entry, Source: "memory"}
		}
	}

	if e.config.DiskDir == "" {
		atomic.AddInt64(&e.misses, 1)
		return &LookupResult{Hit: false}
	}

	e.mu.RLock()
	row, ok := e.index[key]
	e.mu.RUnlock()
	if !ok || time.Now().After(row.ExpiresAt) {
		atomic.AddInt64(&e.misses, 1)
		return &LookupResult{Hit: false}
	}

	body, err := e.readDisk(key)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("cache: index row present but disk read failed")
		atomic.AddInt64(&e.misses, 1)
		return &LookupResult{Hit: false}
	}

	restored := &Entry{
		Key: key, Model: row.Model, TaskType: row.TaskType, Response: body,
		TokensIn: row.TokensIn, TokensOut: row.TokensOut, CostUSD: row.CostUSD,
		CreatedAt: row.CreatedAt, ExpiresAt: row.ExpiresAt, HitCount: row.HitCount,
		Size: row.Size,
	}
	e.promoteToMemory(key, restored)
	e.recordHit(restored)
	return &LookupResult{Hit: true, Entry: restored, Source: "disk"}
}

func (e *Engine) recordHit(entry *Entry) {
	atomic.AddInt64(&e.hits, 1)
	atomic.AddInt64(&entry.HitCount, 1)
	atomic.AddInt64(&e.savedCostMicros, int64(entry.CostUSD*1_000_000))
	e.perModelHitsMu.Lock()
	e.perModelHits[entry.Model]++
	e.perTaskHits[entry.TaskType]++
	e.perModelHitsMu.Unlock()
}

// Store inserts into all three tiers: memory, disk, and index.
func (e *Engine) Store(key string, mode Mode, model, taskType string, response []byte, tokensIn, tokensOut int, costUSD float64) error {
	if e.config.ValidateResponses && len(response) < e.config.MinResponseLength {
		return fmt.Errorf("cache: response too short to cache")
	}

	ttl := e.ttlFor(mode, taskType)
	now := time.Now()
	entry := &Entry{
		Key: key, Model: model, TaskType: taskType, Response: response,
		TokensIn: tokensIn, TokensOut: tokensOut, CostUSD: costUSD,
		CreatedAt: now, ExpiresAt: now.Add(ttl), Size: len(response),
	}

	e.mu.Lock()
	e.enforceByteBudget(int64(len(response)))
	e.memory.Add(key, entry)
	atomic.AddInt64(&e.memoryBytes, int64(len(response)))
	if e.config.DiskDir != "" {
		e.index[key] = &indexRow{
			Key: key, Model: model, TaskType: taskType,
			TokensIn: tokensIn, TokensOut: tokensOut, CostUSD: costUSD,
			CreatedAt: now, ExpiresAt: now.Add(ttl), Size: len(response),
		}
	}
	e.mu.Unlock()

	if e.config.DiskDir != "" {
		if err := e.writeDisk(key, response); err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("cache: disk write failed, serving memory-only")
		}
		e.persistIndexRow(key)
	}
	return nil
}

func (e *Engine) ttlFor(mode Mode, taskType string) time.Duration {
	if override, ok := e.config.TaskTypeTTLOverrides[taskType]; ok {
		return override
	}
	if mode == ModeAggressive {
		return e.config.AggressiveTTL
	}
	return e.config.ExactTTL
}

// enforceByteBudget evicts LRU-tail entries until adding incoming bytes keeps
// total memory usage within MaxMemoryBytes. Caller holds e.mu.
func (e *Engine) enforceByteBudget(incoming int64) {
	budget := e.config.MaxMemoryBytes
	if budget <= 0 {
		return
	}
	for atomic.LoadInt64(&e.memoryBytes)+incoming > budget {
		key, evicted, ok := e.memory.RemoveOldest()
		if !ok {
			return
		}
		_ = key
		atomic.AddInt64(&e.memoryBytes, -int64(evicted.Size))
	}
}

func (e *Engine) promoteToMemory(key string, entry *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enforceByteBudget(int64(entry.Size))
	e.memory.Add(key, entry)
	atomic.AddInt64(&e.memoryBytes, int64(entry.Size))
}

// SizeBytes returns current in-memory tier usage, for the §8 invariant test.
func (e *Engine) SizeBytes() int64 {
	return atomic.LoadInt64(&e.memoryBytes)
}

// Invalidate removes key from all tiers.
func (e *Engine) Invalidate(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, existedMem := e.memory.Peek(key)
	if existedMem {
		if v, ok := e.memory.Get(key); ok {
			atomic.AddInt64(&e.memoryBytes, -int64(v.Size))
		}
		e.memory.Remove(key)
	}
	_, existedIdx := e.index[key]
	delete(e.index, key)
	if e.config.DiskDir != "" {
		_ = os.Remove(e.diskPath(key))
	}
	return existedMem || existedIdx
}

// FlushAll clears every tier.
func (e *Engine) FlushAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := e.memory.Len()
	e.memory.Purge()
	atomic.StoreInt64(&e.memoryBytes, 0)
	for key := range e.index {
		if e.config.DiskDir != "" {
			_ = os.Remove(e.diskPath(key))
		}
	}
	e.index = make(map[string]*indexRow)
	return count
}

// Stats returns current cache counters.
func (e *Engine) Stats() Stats {
	e.perModelHitsMu.Lock()
	perModelHits := make(map[string]int64, len(e.perModelHits))
	for k, v := range e.perModelHits {
		perModelHits[k] = v
	}
	perTaskHits := make(map[string]int64, len(e.perTaskHits))
	for k, v := range e.perTaskHits {
		perTaskHits[k] = v
	}
	e.perModelHitsMu.Unlock()

	e.mu.RLock()
	perModelEntries := map[string]int64{}
	perTaskEntries := map[string]int64{}
	for _, k := range e.memory.Keys() {
		if v, ok := e.memory.Peek(k); ok {
			perModelEntries[v.Model]++
			perTaskEntries[v.TaskType]++
		}
	}
	e.mu.RUnlock()

	return Stats{
		Hits:               atomic.LoadInt64(&e.hits),
		Misses:             atomic.LoadInt64(&e.misses),
		Bypasses:           atomic.LoadInt64(&e.bypasses),
		SavedCostUSD:       math.Round(float64(atomic.LoadInt64(&e.savedCostMicros))/10) / 100000,
		PerModelHits:       perModelHits,
		PerModelEntries:    perModelEntries,
		PerTaskTypeHits:    perTaskHits,
		PerTaskTypeEntries: perTaskEntries,
		MemoryBytes:        e.SizeBytes(),
	}
}

// RecordBypass increments the bypass counter.
func (e *Engine) RecordBypass() { atomic.AddInt64(&e.bypasses, 1) }

// Config returns the engine's static policy.
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) diskPath(key string) string {
	return filepath.Join(e.config.DiskDir, key+".gz")
}

func (e *Engine) writeDisk(key string, body []byte) error {
	tmp := e.diskPath(key) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(body); err != nil {
		gw.Close()
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := gw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, e.diskPath(key))
}

func (e *Engine) readDisk(key string) ([]byte, error) {
	f, err := os.Open(e.diskPath(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// indexLogPath is the JSON-lines durable index file.
func (e *Engine) indexLogPath() string {
	return filepath.Join(e.config.DiskDir, "index.db")
}

func (e *Engine) persistIndexRow(key string) {
	row, ok := func() (*indexRow, bool) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		r, ok := e.index[key]
		return r, ok
	}()
	if !ok {
		return
	}
	f, err := os.OpenFile(e.indexLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		e.logger.Warn().Err(err).Msg("cache: index append failed")
		return
	}
	defer f.Close()
	data, _ := json.Marshal(row)
	_, _ = f.Write(append(data, '\n'))
}

func (e *Engine) loadIndex() error {
	f, err := os.Open(e.indexLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	for {
		var row indexRow
		if err := dec.Decode(&row); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		e.index[row.Key] = &row
	}
	return nil
}

// sweepExpired deletes index rows (and their disk files) whose expires_at has
// already passed, per §4.2's startup invariant.
func (e *Engine) sweepExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for key, row := range e.index {
		if now.After(row.ExpiresAt) {
			delete(e.index, key)
			_ = os.Remove(e.diskPath(key))
		}
	}
}
