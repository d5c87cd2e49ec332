package failover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kptv-failover/work/dedupe"
	"kptv-failover/work/kvstore"
	"kptv-failover/work/performance"
	"kptv-failover/work/priority"
	"kptv-failover/work/scheduler"
	"kptv-failover/work/selector"
	"kptv-failover/work/stats"
	"kptv-failover/work/types"
	"kptv-failover/work/validator"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	urlA = "https://a.example.com/ep.m3u8"
	urlB = "https://b.example.com/ep.m3u8"
	urlC = "https://c.example.com/ep.m3u8"
	urlD = "https://d.example.com/ep.m3u8"
)

type tableTester struct {
	mu        sync.Mutex
	available map[string]bool
}

func (t *tableTester) Test(_ context.Context, url string, _ float64) types.LayeredTestResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := t.available[url]
	score := 0.0
	if ok {
		score = 75
	}
	return types.LayeredTestResult{URL: url, Available: ok, FinalScore: score}
}

type fakePlayer struct {
	mu      sync.Mutex
	url     string
	ready   types.ReadyState
	failing map[string]bool
	swaps   []string
}

func (p *fakePlayer) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePlayer) SwitchURL(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.swaps = append(p.swaps, url)
	if p.failing[url] {
		return errors.New("media decode error")
	}
	p.url = url
	p.ready = types.ReadyHaveEnoughData
	return nil
}

func (p *fakePlayer) setFailing(urls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = map[string]bool{}
	for _, u := range urls {
		p.failing[u] = true
	}
}

func (p *fakePlayer) swapCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.swaps)
}

func (p *fakePlayer) ReadyState() types.ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePlayer) CurrentTime() float64                  { return 12 }
func (p *fakePlayer) SetCurrentTime(float64) error          { return nil }
func (p *fakePlayer) Volume() float64                       { return 1 }
func (p *fakePlayer) SetVolume(float64) error               { return nil }
func (p *fakePlayer) PlaybackRate() float64                 { return 1 }
func (p *fakePlayer) SetPlaybackRate(float64) error         { return nil }
func (p *fakePlayer) Paused() bool                          { return false }
func (p *fakePlayer) Muted() bool                           { return false }
func (p *fakePlayer) SetMuted(bool) error                   { return nil }
func (p *fakePlayer) Subtitle() (types.SubtitleState, bool) { return types.SubtitleState{}, false }
func (p *fakePlayer) SetSubtitle(types.SubtitleState) error { return nil }
func (p *fakePlayer) Play() error                           { return nil }
func (p *fakePlayer) Pause() error                          { return nil }

type stubMonitor struct {
	timeout atomic.Bool
	begins  atomic.Int32
}

func (m *stubMonitor) IsLoadingTimeout() bool { return m.timeout.Load() }
func (m *stubMonitor) LoadingState() types.LoadingState {
	if m.timeout.Load() {
		return types.LoadingState{Stage: types.StageLoading, NetworkQuality: "poor"}
	}
	return types.LoadingState{Stage: types.StageReady, NetworkQuality: "good"}
}
func (m *stubMonitor) BeginLoad() {
	m.begins.Add(1)
	m.timeout.Store(false)
}

type quietNotifier struct{}

func (quietNotifier) Notify(string, string) {}

type harness struct {
	m       *Manager
	player  *fakePlayer
	tester  *tableTester
	store   *performance.Store
	ledger  *stats.Ledger
	monitor *stubMonitor
	clock   *clock.Mock
	cands   []types.SourceCandidate

	mu     sync.Mutex
	events []EventData
}

func newHarness(t *testing.T, cfg Config, available ...string) *harness {
	t.Helper()
	h := &harness{
		player:  &fakePlayer{url: urlA, ready: types.ReadyHaveEnoughData},
		tester:  &tableTester{available: map[string]bool{}},
		ledger:  stats.New(nil, 100),
		monitor: &stubMonitor{},
		clock:   clock.NewMock(),
	}
	for _, u := range available {
		h.tester.available[u] = true
	}

	d := dedupe.New(128, time.Minute)
	h.store = performance.New(kvstore.NewMemory(), performance.WithClock(h.clock), performance.WithDeduplicator(d))
	scorer := priority.NewScorer(h.store, h.clock, 50)
	sel := selector.New(validator.New(), d, scorer, scheduler.New(h.tester, nil), h.store,
		selector.Options{Mode: scheduler.ModeBalanced, MaxConcurrency: 1, MinAvailable: 3}, false)

	h.m = New(Deps{
		Selector:  sel,
		Monitor:   h.monitor,
		Validator: validator.New(),
		Store:     h.store,
		Ledger:    h.ledger,
		Notifier:  quietNotifier{},
		Clock:     h.clock,
	}, cfg)

	for _, ev := range []Event{EventSwitchStart, EventSwitchSuccess, EventSwitchFailed, EventAllSourcesFailed} {
		h.m.On(ev, func(d EventData) {
			h.mu.Lock()
			h.events = append(h.events, d)
			h.mu.Unlock()
		})
	}

	h.cands = []types.SourceCandidate{
		types.NewCandidate("a", urlA, 90),
		types.NewCandidate("b", urlB, 80),
		types.NewCandidate("c", urlC, 70),
		types.NewCandidate("d", urlD, 60),
	}
	require.NoError(t, h.m.Initialize(h.player, h.cands))
	return h
}

// startCold re-attaches the player as if its URL never loaded.
func (h *harness) startCold(t *testing.T) {
	t.Helper()
	h.player.mu.Lock()
	h.player.ready = types.ReadyHaveNothing
	h.player.mu.Unlock()
	require.NoError(t, h.m.Initialize(h.player, h.cands))
}

func (h *harness) eventNames() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Event)
	}
	return out
}

func (h *harness) lastEvent() EventData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

func TestInitializeRequiresPlayer(t *testing.T) {
	m := New(Deps{}, DefaultConfig())
	assert.ErrorIs(t, m.Initialize(nil, nil), types.ErrNoPlayer)
}

func TestManualSwitchPicksBestUntried(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlA, urlB, urlC)

	require.NoError(t, h.m.ManualSwitch(context.Background(), nil))

	assert.Equal(t, urlB, h.player.URL(), "a is playing, so b is the best untried")
	assert.Equal(t, "b", h.m.Current().Key)
	assert.Equal(t, []Event{EventSwitchStart, EventSwitchSuccess}, h.eventNames())

	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Success)
	assert.Equal(t, "a", hist[0].From)
	assert.Equal(t, "b", hist[0].To)
	assert.Equal(t, types.ReasonManual, hist[0].Reason)
	assert.Equal(t, int32(1), h.monitor.begins.Load())

	info, ok := h.store.Get(urlB)
	require.True(t, ok)
	assert.Equal(t, 1, info.SuccessCount)
}

func TestFailedAttemptMovesToNextCandidate(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlB, urlC)
	h.player.setFailing(urlB)

	require.NoError(t, h.m.ManualSwitch(context.Background(), nil))

	assert.Equal(t, urlC, h.player.URL())
	assert.Equal(t, []Event{EventSwitchStart, EventSwitchFailed, EventSwitchStart, EventSwitchSuccess}, h.eventNames())
	assert.True(t, h.store.IsBlacklisted(urlB))

	hist := h.ledger.History()
	require.Len(t, hist, 2)
	assert.False(t, hist[0].Success)
	assert.Equal(t, types.ClassPlayer, hist[0].ErrorClass)
	assert.Equal(t, "good", hist[0].NetworkQuality)
	assert.True(t, hist[1].Success)
}

func TestExhaustionWithNothingAvailableIsFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.startCold(t)

	err := h.m.ManualSwitch(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNoCandidates)
	assert.Equal(t, types.ClassExhaustion, types.ClassOf(err))

	last := h.lastEvent()
	assert.Equal(t, EventAllSourcesFailed, last.Event)
	assert.True(t, last.Fatal)
	assert.Zero(t, h.player.swapCount())
}

func TestExhaustionAfterPlayingSourceStallsIsRecoverable(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	err := h.m.ManualSwitch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrAllSourcesFailed)

	last := h.lastEvent()
	assert.Equal(t, EventAllSourcesFailed, last.Event)
	assert.False(t, last.Fatal, "a was playing before it stalled")

	h.tester.mu.Lock()
	h.tester.available[urlB] = true
	h.tester.mu.Unlock()
	require.NoError(t, h.m.Retry(context.Background()))
	assert.Equal(t, urlB, h.player.URL())
}

func TestReadyStageMarksSessionAvailable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.startCold(t)

	h.m.tick(context.Background())
	assert.Zero(t, h.player.swapCount())

	err := h.m.ManualSwitch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrAllSourcesFailed)
	assert.False(t, h.lastEvent().Fatal)
}

func TestExhaustionAfterFailuresIsRecoverable(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlB)
	h.player.setFailing(urlB)

	err := h.m.ManualSwitch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrAllSourcesFailed)

	last := h.lastEvent()
	assert.Equal(t, EventAllSourcesFailed, last.Event)
	assert.False(t, last.Fatal)

	h.player.setFailing()
	h.store.ClearBlacklist()
	require.NoError(t, h.m.Retry(context.Background()))
	assert.Equal(t, urlB, h.player.URL())
}

func TestAttemptLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSwitchAttempts = 2
	h := newHarness(t, cfg, urlB, urlC, urlD)
	h.player.setFailing(urlB, urlC, urlD)

	err := h.m.ManualSwitch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrAllSourcesFailed)
	assert.Equal(t, 2, h.player.swapCount())
	assert.Len(t, h.ledger.History(), 2)
}

func TestInvalidManualTargetIsDroppedNotBlacklisted(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlB)

	bad := types.NewCandidate("x", "ftp://x.example.com/ep", 99)
	require.NoError(t, h.m.ManualSwitch(context.Background(), &bad))

	hist := h.ledger.History()
	require.Len(t, hist, 2)
	assert.Equal(t, types.ClassValidation, hist[0].ErrorClass)
	assert.False(t, h.store.IsBlacklisted("ftp://x.example.com/ep"))
	assert.Equal(t, urlB, h.player.URL())
}

func TestTickWithoutTimeoutDoesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlB)
	h.clock.Add(time.Minute)

	h.m.tick(context.Background())
	assert.Zero(t, h.player.swapCount())
	assert.Zero(t, h.m.Gate().ErrorCount)
}

func TestTickForcedTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlB)
	h.monitor.timeout.Store(true)

	h.clock.Add(5 * time.Second)
	h.m.tick(context.Background())
	assert.Zero(t, h.player.swapCount(), "below the force timeout and the error threshold")

	h.clock.Add(time.Second)
	h.m.tick(context.Background())

	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.Equal(t, types.ReasonForcedTimeout, hist[0].Reason)
	assert.Equal(t, urlB, h.player.URL())
	assert.Zero(t, h.m.Gate().ErrorCount, "switch resets the error count")
}

func TestTickErrorThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Decision.ForceTimeout = 0
	h := newHarness(t, cfg, urlB)
	h.monitor.timeout.Store(true)
	h.clock.Add(10 * time.Second)

	h.m.tick(context.Background())
	h.m.tick(context.Background())
	assert.Zero(t, h.player.swapCount())
	assert.Equal(t, 3, h.m.Gate().AvailableBackupCount)

	h.m.tick(context.Background())
	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.Equal(t, types.ReasonErrors, hist[0].Reason)
}

func TestTickSkippedWhileSwitchInFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlB)
	h.monitor.timeout.Store(true)
	h.clock.Add(time.Minute)

	h.m.inFlight.Store(true)
	h.m.tick(context.Background())
	assert.Zero(t, h.player.swapCount())
	assert.ErrorIs(t, h.m.ManualSwitch(context.Background(), nil), types.ErrBusy)
	h.m.inFlight.Store(false)
}

func TestReportFatalError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlC)

	require.NoError(t, h.m.ReportError(context.Background(), false))
	assert.Zero(t, h.player.swapCount())
	assert.Equal(t, 1, h.m.Gate().ErrorCount)

	require.NoError(t, h.m.ReportError(context.Background(), true))
	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.Equal(t, types.ReasonFatal, hist[0].Reason)
	assert.Equal(t, urlC, h.player.URL())
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, DefaultConfig(), urlB)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h.m.Start(context.Background())
	h.m.Start(context.Background())
	assert.True(t, h.m.Running())

	h.clock.Add(time.Second)
	h.m.Stop()
	h.m.Stop()
	assert.False(t, h.m.Running())
	assert.Zero(t, h.player.swapCount())
}
