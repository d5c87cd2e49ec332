// Package stats keeps the switch history ledger and per-source rollups.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"kptv-failover/work/kvstore"
	"kptv-failover/work/logger"
	"kptv-failover/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultCapacity is the number of switch records kept when New is given
// no capacity.
const (
	DefaultCapacity = 100

	persistTimeout = 2 * time.Second
)

// SourceStats is the rollup of every switch that targeted one source.
type SourceStats struct {
	Source            string                   `json:"source"`
	Attempts          int                      `json:"attempts"`
	Successes         int                      `json:"successes"`
	Failures          int                      `json:"failures"`
	AverageLoadTimeMs float64                  `json:"averageLoadTimeMs"`
	SuccessRate       float64                  `json:"successRate"`
	LastUsed          time.Time                `json:"lastUsed"`
	Errors            map[types.ErrorClass]int `json:"errors,omitempty"`
}

// clone deep-copies s so Compute never mutates a value a reader holds.
func (s *SourceStats) clone() *SourceStats {
	cp := *s
	cp.Errors = make(map[types.ErrorClass]int, len(s.Errors))
	for k, v := range s.Errors {
		cp.Errors[k] = v
	}
	return &cp
}

// Summary is the aggregate view served by the admin API.
type Summary struct {
	TotalSwitches     int                        `json:"totalSwitches"`
	Successes         int                        `json:"successes"`
	Failures          int                        `json:"failures"`
	SuccessRate       float64                    `json:"successRate"`
	AverageDurationMs float64                    `json:"averageDurationMs"`
	Reasons           map[types.SwitchReason]int `json:"reasons"`
	TopFailing        []SourceStats              `json:"topFailing"`
}

// Ledger is a fixed-capacity ring of switch records, oldest dropped first.
type Ledger struct {
	mu        sync.Mutex
	persistMu sync.Mutex

	ring  []types.SwitchRecord
	next  int
	count int

	rollups *xsync.MapOf[string, *SourceStats]
	kv      kvstore.KV
}

// New creates a ledger. A nil kv keeps history in memory only.
func New(kv kvstore.KV, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		ring:    make([]types.SwitchRecord, capacity),
		rollups: xsync.NewMapOf[string, *SourceStats](),
		kv:      kv,
	}
}

// Append adds one record and persists the history best-effort.
func (l *Ledger) Append(rec types.SwitchRecord) {
	l.mu.Lock()
	l.push(rec)
	l.mu.Unlock()

	l.rollup(rec)
	l.persist()
}

// push writes rec at the ring head, overwriting the oldest record once full.
func (l *Ledger) push(rec types.SwitchRecord) {
	l.ring[l.next] = rec
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
}

// rollup folds rec into the stats of its target, keyed by candidate key or,
// for keyless candidates, by URL.
func (l *Ledger) rollup(rec types.SwitchRecord) {
	key := rec.To
	if key == "" {
		key = rec.ToURL
	}
	if key == "" {
		return
	}

	l.rollups.Compute(key, func(old *SourceStats, loaded bool) (*SourceStats, bool) {
		var s *SourceStats
		if loaded {
			s = old.clone()
		} else {
			s = &SourceStats{Source: key, Errors: map[types.ErrorClass]int{}}
		}

		s.Attempts++
		if rec.Success {
			s.Successes++
			s.AverageLoadTimeMs += (float64(rec.DurationMs) - s.AverageLoadTimeMs) / float64(s.Successes)
		} else {
			s.Failures++
			class := rec.ErrorClass
			if class == types.ClassNone {
				class = "unknown"
			}
			s.Errors[class]++
		}
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
		if rec.Timestamp.After(s.LastUsed) {
			s.LastUsed = rec.Timestamp
		}
		return s, false
	})
}

// History returns the records oldest first.
func (l *Ledger) History() []types.SwitchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.historyLocked()
}

func (l *Ledger) historyLocked() []types.SwitchRecord {
	out := make([]types.SwitchRecord, 0, l.count)
	start := (l.next - l.count + len(l.ring)) % len(l.ring)
	for i := 0; i < l.count; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Recent returns up to n records, newest first.
func (l *Ledger) Recent(n int) []types.SwitchRecord {
	h := l.History()
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	out := make([]types.SwitchRecord, 0, n)
	for i := len(h) - 1; i >= len(h)-n; i-- {
		out = append(out, h[i])
	}
	return out
}

// Len is the number of records held, at most the capacity.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// SourceStats returns a copy of the rollup for one source.
func (l *Ledger) SourceStats(source string) (SourceStats, bool) {
	s, ok := l.rollups.Load(source)
	if !ok {
		return SourceStats{}, false
	}
	return *s.clone(), true
}

// AllSourceStats returns every rollup, sorted by source.
func (l *Ledger) AllSourceStats() []SourceStats {
	var out []SourceStats
	l.rollups.Range(func(_ string, s *SourceStats) bool {
		out = append(out, *s.clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// OverallSuccessRate is the share of successful records in the history.
func (l *Ledger) OverallSuccessRate() float64 {
	h := l.History()
	if len(h) == 0 {
		return 0
	}
	ok := 0
	for _, r := range h {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(h))
}

// AverageSwitchDurationMs averages DurationMs over the history.
func (l *Ledger) AverageSwitchDurationMs() float64 {
	h := l.History()
	if len(h) == 0 {
		return 0
	}
	var total int64
	for _, r := range h {
		total += r.DurationMs
	}
	return float64(total) / float64(len(h))
}

// ReasonHistogram counts history records by switch reason.
func (l *Ledger) ReasonHistogram() map[types.SwitchReason]int {
	out := map[types.SwitchReason]int{}
	for _, r := range l.History() {
		out[r.Reason]++
	}
	return out
}

// TopFailingSources returns the n sources with the most failures. Ties go to
// the lower success rate, then to the source name.
func (l *Ledger) TopFailingSources(n int) []SourceStats {
	all := l.AllSourceStats()
	failing := all[:0]
	for _, s := range all {
		if s.Failures > 0 {
			failing = append(failing, s)
		}
	}
	sort.SliceStable(failing, func(i, j int) bool {
		if failing[i].Failures != failing[j].Failures {
			return failing[i].Failures > failing[j].Failures
		}
		return failing[i].SuccessRate < failing[j].SuccessRate
	})
	if n > 0 && len(failing) > n {
		failing = failing[:n]
	}
	return failing
}

// Summary aggregates the whole ledger: totals, success rate, mean switch
// duration, the reason histogram and the topN sources with the most failures.
func (l *Ledger) Summary(topN int) Summary {
	h := l.History()
	s := Summary{
		TotalSwitches:     len(h),
		SuccessRate:       l.OverallSuccessRate(),
		AverageDurationMs: l.AverageSwitchDurationMs(),
		Reasons:           l.ReasonHistogram(),
		TopFailing:        l.TopFailingSources(topN),
	}
	for _, r := range h {
		if r.Success {
			s.Successes++
		} else {
			s.Failures++
		}
	}
	return s
}

// Reset drops the history and every rollup.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.next, l.count = 0, 0
	for i := range l.ring {
		l.ring[i] = types.SwitchRecord{}
	}
	l.mu.Unlock()
	l.rollups.Clear()
	l.persist()
}

// Load restores the persisted history and rebuilds the rollups from it.
func (l *Ledger) Load(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}

	data, ok, err := l.kv.Get(ctx, kvstore.KeySwitchHistory)
	if err != nil {
		return fmt.Errorf("load switch history: %w", err)
	}
	if !ok {
		return nil
	}

	var records []types.SwitchRecord
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Warn("{stats - Load} discarding unreadable switch history: %v", err)
		return nil
	}
	if len(records) > len(l.ring) {
		records = records[len(records)-len(l.ring):]
	}

	l.mu.Lock()
	l.next, l.count = 0, 0
	for _, r := range records {
		l.push(r)
	}
	l.mu.Unlock()

	l.rollups.Clear()
	for _, r := range records {
		l.rollup(r)
	}

	logger.Info("{stats - Load} restored %d switch records", len(records))
	return nil
}

// Flush writes the history as a JSON array, oldest first.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}

	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	data, err := json.Marshal(l.History())
	if err != nil {
		return fmt.Errorf("encode switch history: %w", err)
	}
	if err := l.kv.Set(ctx, kvstore.KeySwitchHistory, data); err != nil {
		return fmt.Errorf("save switch history: %w", err)
	}
	return nil
}

// persist saves the history best-effort after each append.
func (l *Ledger) persist() {
	if l.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		logger.Warn("{stats - persist} %v", err)
	}
}
