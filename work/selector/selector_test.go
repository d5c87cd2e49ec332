package selector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"kptv-failover/work/dedupe"
	"kptv-failover/work/kvstore"
	"kptv-failover/work/performance"
	"kptv-failover/work/priority"
	"kptv-failover/work/scheduler"
	"kptv-failover/work/types"
	"kptv-failover/work/validator"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTester struct {
	mu     sync.Mutex
	seen   []string
	scores map[string]float64 // absent means unavailable
}

func (s *scriptedTester) Test(_ context.Context, url string, _ float64) types.LayeredTestResult {
	s.mu.Lock()
	s.seen = append(s.seen, url)
	s.mu.Unlock()

	score, ok := s.scores[url]
	return types.LayeredTestResult{URL: url, Available: ok, FinalScore: score}
}

func (s *scriptedTester) tested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func newSelector(t *testing.T, tester *scriptedTester) (*Selector, *performance.Store) {
	t.Helper()
	mock := clock.NewMock()
	d := dedupe.New(128, time.Minute)
	store := performance.New(kvstore.NewMemory(), performance.WithClock(mock), performance.WithDeduplicator(d))
	scorer := priority.NewScorer(store, mock, 50)
	sched := scheduler.New(tester, nil)
	return New(validator.New(), d, scorer, sched, store, Options{Mode: scheduler.ModeBalanced, MaxConcurrency: 2, MinAvailable: 3}, false), store
}

func TestMissingURLNeverReachesProber(t *testing.T) {
	tester := &scriptedTester{scores: map[string]float64{"https://a.example.com/1": 90}}
	sel, _ := newSelector(t, tester)

	var missing types.SourceCandidate
	require.NoError(t, json.Unmarshal([]byte(`{"key":"broken"}`), &missing))

	q, report := sel.Prepare([]types.SourceCandidate{missing, types.NewCandidate("ok", "https://a.example.com/1", 60)})
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "broken", report.Rejected[0].Key)
	assert.Equal(t, types.KindMissing, report.Rejected[0].Kind)
	assert.Equal(t, 1, q.Len())

	res := sel.SelectFirstAvailable(context.Background(), []types.SourceCandidate{missing, types.NewCandidate("ok", "https://a.example.com/1", 60)})
	require.NotNil(t, res)
	assert.Equal(t, "ok", res.Candidate.Key)
	assert.Equal(t, []string{"https://a.example.com/1"}, tester.tested())
}

func TestPrepareExcludesTriedAndBlacklisted(t *testing.T) {
	sel, store := newSelector(t, &scriptedTester{})
	store.Blacklist("https://b.example.com/1", "network")

	q, report := sel.Prepare([]types.SourceCandidate{
		types.NewCandidate("a", "https://a.example.com/1", 50),
		types.NewCandidate("b", "https://b.example.com/1", 50),
		types.NewCandidate("c", "https://c.example.com/1", 50),
		types.NewCandidate("c2", "http://c.example.com/1?t=9", 40),
	}, WithExclude("http://a.example.com/1/"))

	assert.Equal(t, 1, report.Excluded)
	assert.Equal(t, 1, report.Blacklisted)
	assert.Equal(t, 1, report.Duplicates)
	require.Equal(t, 1, q.Len())
	it, _ := q.Dequeue()
	assert.Equal(t, "c", it.Candidate.Key)
}

func TestPrepareAdvancedGroupsByDomain(t *testing.T) {
	sel, _ := newSelector(t, &scriptedTester{})

	q, _ := sel.Prepare([]types.SourceCandidate{
		types.NewCandidate("a", "https://s1.example.com/1", 10),
		types.NewCandidate("b", "https://s2.example.com/1", 70),
		types.NewCandidate("c", "https://other.net/1", 20),
	}, WithAdvanced(true))

	var keys []string
	for _, it := range q.Items() {
		keys = append(keys, it.Candidate.Key)
	}
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestSelectFirstAvailableNone(t *testing.T) {
	sel, _ := newSelector(t, &scriptedTester{})

	res := sel.SelectFirstAvailable(context.Background(), []types.SourceCandidate{
		types.NewCandidate("a", "https://a.example.com/1", 50),
	})
	assert.Nil(t, res)
}

func TestSelectBestSourcesSortsByScore(t *testing.T) {
	tester := &scriptedTester{scores: map[string]float64{
		"https://a.example.com/1": 40,
		"https://b.example.com/1": 90,
		"https://c.example.com/1": 70,
	}}
	sel, _ := newSelector(t, tester)

	best := sel.SelectBestSources(context.Background(), []types.SourceCandidate{
		types.NewCandidate("a", "https://a.example.com/1", 90),
		types.NewCandidate("b", "https://b.example.com/1", 80),
		types.NewCandidate("c", "https://c.example.com/1", 70),
		types.NewCandidate("d", "https://d.example.com/1", 60),
	}, 2)

	require.Len(t, best, 2)
	assert.Equal(t, "b", best[0].Candidate.Key)
	assert.Equal(t, "a", best[1].Candidate.Key)
	assert.Len(t, tester.tested(), 2, "probing stops once two are available")
}

func TestSelectBestSourcesReturnsAllRequested(t *testing.T) {
	tester := &scriptedTester{scores: map[string]float64{
		"https://a.example.com/1": 60,
		"https://b.example.com/1": 70,
		"https://c.example.com/1": 80,
		"https://d.example.com/1": 90,
	}}
	sel, _ := newSelector(t, tester)

	best := sel.SelectBestSources(context.Background(), []types.SourceCandidate{
		types.NewCandidate("a", "https://a.example.com/1", 90),
		types.NewCandidate("b", "https://b.example.com/1", 80),
		types.NewCandidate("c", "https://c.example.com/1", 70),
		types.NewCandidate("d", "https://d.example.com/1", 60),
	}, 4)

	require.Len(t, best, 4)
	assert.Equal(t, "d", best[0].Candidate.Key)
	assert.Equal(t, "a", best[3].Candidate.Key)
	assert.Len(t, tester.tested(), 4)
}

func TestSelectBestSourcesShortWhenQueueRunsOut(t *testing.T) {
	tester := &scriptedTester{scores: map[string]float64{"https://c.example.com/1": 80}}
	sel, _ := newSelector(t, tester)

	best := sel.SelectBestSources(context.Background(), []types.SourceCandidate{
		types.NewCandidate("a", "https://a.example.com/1", 90),
		types.NewCandidate("b", "https://b.example.com/1", 80),
		types.NewCandidate("c", "https://c.example.com/1", 70),
	}, 2)

	require.Len(t, best, 1)
	assert.Equal(t, "c", best[0].Candidate.Key)
	assert.Len(t, tester.tested(), 3)
}

func TestSelectProgressiveStreams(t *testing.T) {
	tester := &scriptedTester{scores: map[string]float64{"https://a.example.com/1": 50}}
	sel, _ := newSelector(t, tester)

	ch, report := sel.SelectProgressive(context.Background(), []types.SourceCandidate{
		types.NewCandidate("a", "https://a.example.com/1", 50),
		types.NewCandidate("b", "https://b.example.com/1", 50),
	}, WithMode(scheduler.ModeComprehensive))

	assert.Equal(t, 2, report.Queued)
	got := scheduler.Collect(ch)
	require.Len(t, got, 2)
	assert.True(t, got[0].Available)
	assert.False(t, got[1].Available)
}
