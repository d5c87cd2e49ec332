// Package performance keeps durable per-URL test history: running averages,
// health score, last result and the temporary blacklist.
package performance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"kptv-failover/work/dedupe"
	"kptv-failover/work/kvstore"
	"kptv-failover/work/logger"
	"kptv-failover/work/metrics"
	"kptv-failover/work/types"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultTTL               = 30 * time.Minute
	DefaultMaxEntries        = 500
	DefaultBlacklistDuration = time.Hour

	persistTimeout = 2 * time.Second
)

// Sample is one probe or playback outcome fed into the store.
type Sample struct {
	Success    bool
	LoadTimeMs int64
	Score      float64
	PingMs     int64
	ErrorKind  types.ErrorKind
}

// Store is the process-wide performance history. It is safe for concurrent
// use; every update is a pure function of the previous entry plus one sample.
type Store struct {
	mu        sync.Mutex
	persistMu sync.Mutex

	entries *lru.Cache[string, *types.CachedSourceInfo]
	kv      kvstore.KV
	dedupe  *dedupe.Deduplicator
	clock   clock.Clock

	ttl          time.Duration
	blacklistFor time.Duration
	maxEntries   int
	autoPersist  bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for ages, TTL and blacklist windows.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithTTL sets how long a history entry stays fresh.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxEntries bounds the number of tracked URLs; the least recently used
// entry is evicted first.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithBlacklistDuration sets how long a failed source stays excluded.
func WithBlacklistDuration(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.blacklistFor = d
		}
	}
}

// WithDeduplicator shares a memoizing normalizer with the selector so both
// agree on URL identity.
func WithDeduplicator(d *dedupe.Deduplicator) Option {
	return func(s *Store) { s.dedupe = d }
}

// WithAutoPersist controls whether every mutation is written through to the
// KV. When off, callers must Flush.
func WithAutoPersist(on bool) Option {
	return func(s *Store) { s.autoPersist = on }
}

// New creates an empty store backed by kv. A nil kv keeps history in memory
// only.
func New(kv kvstore.KV, opts ...Option) *Store {
	s := &Store{
		kv:           kv,
		clock:        clock.New(),
		ttl:          DefaultTTL,
		blacklistFor: DefaultBlacklistDuration,
		maxEntries:   DefaultMaxEntries,
		autoPersist:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dedupe == nil {
		s.dedupe = dedupe.New(s.maxEntries*2, 10*time.Minute)
	}

	entries, err := lru.NewWithEvict[string, *types.CachedSourceInfo](s.maxEntries, func(key string, info *types.CachedSourceInfo) {
		logger.Debug("{performance - evict} dropping least recently used entry %s", key)
	})
	if err != nil {
		// only reachable with a non-positive size, which the options rule out
		panic(fmt.Sprintf("performance: %v", err))
	}
	s.entries = entries

	return s
}

// Load replaces the in-memory history with the persisted map. Entries are
// inserted oldest-used first so LRU order matches lastUsedTime.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	data, ok, err := s.kv.Get(ctx, kvstore.KeySourcePerformance)
	if err != nil {
		return fmt.Errorf("load performance history: %w", err)
	}
	if !ok {
		return nil
	}

	var persisted map[string]*types.CachedSourceInfo
	if err := json.Unmarshal(data, &persisted); err != nil {
		logger.Warn("{performance - Load} discarding unreadable history: %v", err)
		return nil
	}

	keys := make([]string, 0, len(persisted))
	for k, v := range persisted {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return persisted[keys[i]].LastUsedTime.Before(persisted[keys[j]].LastUsedTime)
	})

	s.mu.Lock()
	s.entries.Purge()
	for _, k := range keys {
		s.entries.Add(k, persisted[k])
	}
	n := s.entries.Len()
	s.mu.Unlock()

	s.updateBlacklistGauge()
	logger.Info("{performance - Load} restored history for %d sources", n)
	return nil
}

// Flush writes the current history to the KV.
func (s *Store) Flush(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	out := make(map[string]*types.CachedSourceInfo, s.entries.Len())
	for _, k := range s.entries.Keys() {
		if v, ok := s.entries.Peek(k); ok {
			cp := *v
			out[k] = &cp
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode performance history: %w", err)
	}
	if err := s.kv.Set(ctx, kvstore.KeySourcePerformance, data); err != nil {
		return fmt.Errorf("save performance history: %w", err)
	}
	return nil
}

// persist flushes best-effort after a mutation when auto-persist is on.
func (s *Store) persist() {
	if !s.autoPersist || s.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		logger.Warn("{performance - persist} %v", err)
	}
}

// key returns the hashed store key and the normalized URL. URLs that do not
// normalize are keyed by their raw text.
func (s *Store) key(url string) (string, string) {
	n, err := s.dedupe.Normalize(url)
	if err != nil {
		n = url
	}
	return dedupe.HashKey(n), n
}

// Get returns a copy of the history for url, or false when there is none or
// the last test is older than the TTL.
func (s *Store) Get(url string) (types.CachedSourceInfo, bool) {
	k, _ := s.key(url)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.entries.Get(k)
	if !ok {
		return types.CachedSourceInfo{}, false
	}
	if now.Sub(info.LastTestTime) > s.ttl {
		return types.CachedSourceInfo{}, false
	}
	info.LastUsedTime = now
	return *info, true
}

// Record folds one sample into the running averages of url.
func (s *Store) Record(url string, sample Sample) types.CachedSourceInfo {
	k, normalized := s.key(url)
	now := s.clock.Now()

	s.mu.Lock()
	info, ok := s.entries.Get(k)
	if !ok {
		info = &types.CachedSourceInfo{URL: normalized, IsAvailable: true}
	} else if now.Sub(info.LastTestTime) > s.ttl {
		// stale history counts as absent; blacklist state outlives the TTL
		info = &types.CachedSourceInfo{
			URL:               normalized,
			IsAvailable:       info.IsAvailable,
			UnavailableSince:  info.UnavailableSince,
			UnavailableReason: info.UnavailableReason,
		}
	} else {
		cp := *info
		info = &cp
	}

	info.TestCount++
	n := float64(info.TestCount)
	outcome := 0.0
	if sample.Success {
		outcome = 1
		info.SuccessCount++
		info.IsAvailable = true
		info.UnavailableSince = time.Time{}
		info.UnavailableReason = ""
	} else {
		info.FailureCount++
	}

	info.AverageLoadTimeMs = (info.AverageLoadTimeMs*(n-1) + float64(sample.LoadTimeMs)) / n
	info.AverageScore = (info.AverageScore*(n-1) + sample.Score) / n
	info.HealthScore = (info.HealthScore*(n-1) + outcome) / n
	if sample.PingMs > 0 {
		info.PingMs = sample.PingMs
	}

	info.LastResult = types.LastTestResult{
		Available:  sample.Success,
		Score:      sample.Score,
		LoadTimeMs: sample.LoadTimeMs,
		ErrorKind:  sample.ErrorKind,
	}
	info.LastTestTime = now
	info.LastUsedTime = now

	s.entries.Add(k, info)
	out := *info
	s.mu.Unlock()

	s.persist()
	return out
}

// Blacklist marks url unavailable from now on.
func (s *Store) Blacklist(url, reason string) {
	k, normalized := s.key(url)
	now := s.clock.Now()

	s.mu.Lock()
	info, ok := s.entries.Get(k)
	if !ok {
		info = &types.CachedSourceInfo{URL: normalized}
	} else {
		cp := *info
		info = &cp
	}
	info.IsAvailable = false
	info.UnavailableSince = now
	info.UnavailableReason = reason
	info.LastUsedTime = now
	s.entries.Add(k, info)
	s.mu.Unlock()

	logger.Debug("{performance - Blacklist} blacklisted %s: %s", k, reason)
	s.updateBlacklistGauge()
	s.persist()
}

// IsBlacklisted reports whether url is currently excluded. An entry whose
// blacklist has run for the full duration is cleared on the spot.
func (s *Store) IsBlacklisted(url string) bool {
	k, _ := s.key(url)
	now := s.clock.Now()

	s.mu.Lock()
	info, ok := s.entries.Peek(k)
	if !ok || info.IsAvailable {
		s.mu.Unlock()
		return false
	}
	if s.blacklisted(info, now) {
		s.mu.Unlock()
		return true
	}

	cp := *info
	cp.IsAvailable = true
	cp.UnavailableSince = time.Time{}
	cp.UnavailableReason = ""
	s.entries.Add(k, &cp)
	s.mu.Unlock()

	logger.Debug("{performance - IsBlacklisted} blacklist expired for %s", k)
	s.updateBlacklistGauge()
	s.persist()
	return false
}

// Blacklisted reports whether info, as returned by Snapshot, is inside its
// blacklist window. Unlike IsBlacklisted it never touches the store.
func (s *Store) Blacklisted(info types.CachedSourceInfo) bool {
	return s.blacklisted(&info, s.clock.Now())
}

func (s *Store) blacklisted(info *types.CachedSourceInfo, now time.Time) bool {
	return !info.IsAvailable && now.Sub(info.UnavailableSince) < s.blacklistFor
}

// ClearBlacklist lifts every blacklist entry and returns how many were lifted.
func (s *Store) ClearBlacklist() int {
	s.mu.Lock()
	cleared := 0
	for _, k := range s.entries.Keys() {
		info, ok := s.entries.Peek(k)
		if !ok || info.IsAvailable {
			continue
		}
		cp := *info
		cp.IsAvailable = true
		cp.UnavailableSince = time.Time{}
		cp.UnavailableReason = ""
		s.entries.Add(k, &cp)
		cleared++
	}
	s.mu.Unlock()

	if cleared > 0 {
		s.updateBlacklistGauge()
		s.persist()
	}
	return cleared
}

// Clear forgets url entirely.
func (s *Store) Clear(url string) {
	k, _ := s.key(url)
	s.mu.Lock()
	s.entries.Remove(k)
	s.mu.Unlock()
	s.updateBlacklistGauge()
	s.persist()
}

// Reset forgets all history.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries.Purge()
	s.mu.Unlock()
	s.updateBlacklistGauge()
	s.persist()
}

// Len returns the number of tracked URLs, stale ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Snapshot returns copies of every tracked entry ordered by URL.
func (s *Store) Snapshot() []types.CachedSourceInfo {
	s.mu.Lock()
	out := make([]types.CachedSourceInfo, 0, s.entries.Len())
	for _, k := range s.entries.Keys() {
		if v, ok := s.entries.Peek(k); ok {
			out = append(out, *v)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// updateBlacklistGauge publishes the number of entries inside their window.
func (s *Store) updateBlacklistGauge() {
	now := s.clock.Now()
	s.mu.Lock()
	n := 0
	for _, k := range s.entries.Keys() {
		if v, ok := s.entries.Peek(k); ok && s.blacklisted(v, now) {
			n++
		}
	}
	s.mu.Unlock()
	metrics.BlacklistedSources.Set(float64(n))
}
