// Package failover runs the live failover loop: it polls the loading monitor,
// asks the decision gate, and switches the player to the best untried source.
package failover

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kptv-failover/work/config"
	"kptv-failover/work/decision"
	"kptv-failover/work/logger"
	"kptv-failover/work/metrics"
	"kptv-failover/work/performance"
	"kptv-failover/work/priority"
	"kptv-failover/work/selector"
	"kptv-failover/work/stats"
	"kptv-failover/work/switcher"
	"kptv-failover/work/types"
	"kptv-failover/work/utils"

	"github.com/benbjohnson/clock"
)

// Event names a failover notification.
type Event string

const (
	EventSwitchStart      Event = "switch-start"       // an attempt is about to swap the player
	EventSwitchSuccess    Event = "switch-success"     // the player is on the new source
	EventSwitchFailed     Event = "switch-failed"      // one attempt failed; the next may follow
	EventAllSourcesFailed Event = "all-sources-failed" // the session ran out of sources
)

// EventData is passed to handlers. Record is empty for all-sources-failed;
// Fatal is only meaningful there.
type EventData struct {
	Event  Event
	Record types.SwitchRecord // the attempt the event belongs to
	Fatal  bool               // no source was ever available; Retry will not help
	Err    error              // *types.SwitchError for failures
}

// Handler receives events synchronously on the goroutine that raised them.
// A switching method called from a handler returns ErrBusy.
type Handler func(EventData)

// Selector is the part of the selection pipeline the loop needs.
type Selector interface {
	Prepare(cands []types.SourceCandidate, opts ...selector.Option) (*priority.Queue, selector.Report)
	SelectFirstAvailable(ctx context.Context, cands []types.SourceCandidate, opts ...selector.Option) *types.SourceResult
}

// Store receives switch outcomes.
type Store interface {
	Record(url string, sample performance.Sample) types.CachedSourceInfo
	Blacklist(url, reason string)
}

// loadTracker is implemented by monitors that want to know when a new source
// starts loading.
type loadTracker interface {
	BeginLoad()
}

// Deps are the collaborators of a Manager. Selector, Monitor and Validator
// are required; Store, Ledger, Notifier and Clock are optional.
type Deps struct {
	Selector  Selector
	Monitor   types.LoadingMonitor
	Validator types.URLValidator
	Store     Store
	Ledger    *stats.Ledger
	Notifier  switcher.Notifier
	Clock     clock.Clock
}

// Config tunes the loop.
type Config struct {
	Decision          decision.Config  // gate thresholds
	Switch            switcher.Options // per-attempt timeouts
	PollInterval      time.Duration    // how often the monitor is read
	MaxSwitchAttempts int              // consecutive failed attempts before giving up
	Obfuscate         bool             // mask URLs in log lines
}

// DefaultConfig polls once a second and gives up after five failed attempts.
func DefaultConfig() Config {
	return Config{
		Decision:          decision.DefaultConfig(),
		PollInterval:      time.Second,
		MaxSwitchAttempts: 5,
	}
}

// ConfigFrom maps the daemon configuration onto the loop settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Decision: decision.ConfigFrom(cfg),
		Switch: switcher.Options{
			SwapTimeout:  cfg.SwapTimeout,
			ReadyTimeout: cfg.ReadyTimeout,
			Obfuscate:    cfg.ObfuscateUrls,
		},
		PollInterval:      cfg.PollInterval,
		MaxSwitchAttempts: cfg.MaxSwitchAttempts,
		Obfuscate:         cfg.ObfuscateUrls,
	}
}

// Manager owns one playback session.
//
// A session starts with Initialize, which attaches the player and the
// candidate list. From then on the poll loop (Start) reads the loading
// monitor, feeds the decision gate and, when the gate says so, switches to
// the best untried source. At most one switch runs at a time; inside it,
// failed attempts move on to the next candidate until one plays, none is
// left, or MaxSwitchAttempts is reached.
type Manager struct {
	deps Deps
	cfg  Config
	gate *decision.Maker

	mu            sync.Mutex
	player        types.PlayerHandle
	exec          *switcher.Executor
	candidates    []types.SourceCandidate
	current       types.SourceCandidate
	tried         map[string]bool
	attempts      int
	everAvailable bool
	exhausted     bool

	hmu      sync.RWMutex
	handlers map[Event][]Handler

	inFlight atomic.Bool
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Manager. Zero PollInterval and MaxSwitchAttempts take the
// DefaultConfig values.
func New(deps Deps, cfg Config) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Notifier == nil {
		deps.Notifier = switcher.LogNotifier{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxSwitchAttempts <= 0 {
		cfg.MaxSwitchAttempts = 5
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		gate:     decision.New(cfg.Decision, deps.Clock),
		tried:    make(map[string]bool),
		handlers: make(map[Event][]Handler),
	}
}

// Initialize attaches the player and the candidate list. The URL the player
// is already on counts as tried. If the player already has enough data to
// play that URL, the session has had an available source, so a later
// exhaustion is recoverable rather than fatal.
func (m *Manager) Initialize(player types.PlayerHandle, cands []types.SourceCandidate) error {
	if player == nil {
		return types.ErrNoPlayer
	}

	m.mu.Lock()
	m.player = player
	m.exec = switcher.New(player, m.deps.Validator, m.deps.Notifier, m.deps.Clock, m.cfg.Switch)
	m.candidates = append([]types.SourceCandidate(nil), cands...)
	m.tried = make(map[string]bool)
	m.attempts = 0
	m.exhausted = false
	m.current = types.SourceCandidate{}

	playing := player.URL()
	m.everAvailable = playing != "" && player.ReadyState() >= types.ReadyHaveFutureData
	if playing != "" {
		m.tried[playing] = true
		for _, c := range m.candidates {
			if c.URL() == playing {
				m.current = c
				break
			}
		}
	}
	m.mu.Unlock()

	m.gate.StartLoad()
	m.refreshBackups()
	logger.Debug("{failover - Initialize} session with %d candidates, playing %s", len(cands), utils.LogURL(m.cfg.Obfuscate, playing))
	return nil
}

// On subscribes to an event.
func (m *Manager) On(event Event, h Handler) {
	m.hmu.Lock()
	m.handlers[event] = append(m.handlers[event], h)
	m.hmu.Unlock()
}

// emit calls the handlers registered for data.Event in subscription order.
func (m *Manager) emit(data EventData) {
	m.hmu.RLock()
	hs := append([]Handler(nil), m.handlers[data.Event]...)
	m.hmu.RUnlock()
	for _, h := range hs {
		h(data)
	}
}

// Start begins polling at the configured interval. It is a no-op when the
// loop is already running.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ticker := m.deps.Clock.Ticker(m.cfg.PollInterval)

	go func() {
		defer close(m.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
	logger.Debug("{failover - Start} polling every %s", m.cfg.PollInterval)
}

// Stop cancels the poll loop and waits for it to exit. Probes already in
// flight still finish and update the performance store.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	<-m.done
	logger.Debug("{failover - Stop} poll loop stopped")
}

// Running reports whether the poll loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// tick is one poll. A loading timeout counts one error, then the gate decides
// whether this poll fails over.
func (m *Manager) tick(ctx context.Context) {
	if m.inFlight.Load() {
		return
	}
	m.mu.Lock()
	skip := m.exhausted || m.player == nil
	m.mu.Unlock()
	if skip {
		return
	}

	state := m.deps.Monitor.LoadingState()
	if state.Stage == types.StageReady {
		m.mu.Lock()
		m.everAvailable = true
		m.mu.Unlock()
	}

	fatal := state.Stage == types.StageFatal
	timeout := fatal || m.deps.Monitor.IsLoadingTimeout()
	if !timeout {
		return
	}

	m.gate.RecordError()
	m.refreshBackups()

	d := m.gate.Decide(timeout, fatal)
	if !d.Switch {
		return
	}
	if err := m.failover(ctx, d.Reason, nil); err != nil && !errors.Is(err, types.ErrBusy) {
		logger.Debug("{failover - tick} failover ended: %v", err)
	}
}

// ReportError feeds a player error into the gate. A fatal error switches at
// once; otherwise the next poll decides.
func (m *Manager) ReportError(ctx context.Context, fatal bool) error {
	m.gate.RecordError()
	if !fatal {
		return nil
	}
	return m.failover(ctx, types.ReasonFatal, nil)
}

// ManualSwitch switches to target, or to the best untried source when target
// is nil. If target fails, the remaining sources are tried as for any other
// failover.
func (m *Manager) ManualSwitch(ctx context.Context, target *types.SourceCandidate) error {
	m.mu.Lock()
	m.exhausted = false
	m.attempts = 0
	m.mu.Unlock()
	return m.failover(ctx, types.ReasonManual, target)
}

// Retry clears the tried set and the attempt counter after a recoverable
// exhaustion, then fails over again.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.player == nil {
		m.mu.Unlock()
		return types.ErrNoPlayer
	}
	m.tried = map[string]bool{m.player.URL(): true}
	m.attempts = 0
	m.exhausted = false
	m.mu.Unlock()

	m.gate.RecordSwitch()
	return m.failover(ctx, types.ReasonManual, nil)
}

// Current returns the candidate the player is on, if known.
func (m *Manager) Current() types.SourceCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Gate exposes the decision counters.
func (m *Manager) Gate() decision.State {
	return m.gate.Snapshot()
}

// triedURLs is the exclusion list for the next selection.
func (m *Manager) triedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tried))
	for u := range m.tried {
		out = append(out, u)
	}
	return out
}

// refreshBackups counts untried, non-blacklisted, valid candidates without
// probing them.
func (m *Manager) refreshBackups() {
	m.mu.Lock()
	cands := m.candidates
	m.mu.Unlock()

	_, report := m.deps.Selector.Prepare(cands, selector.WithExclude(m.triedURLs()...))
	m.gate.SetAvailableBackupCount(report.Queued)
}

// failover runs one in-flight switch. Failed attempts move straight on to
// the next candidate until one succeeds, nothing is left, or the attempt
// limit is hit.
func (m *Manager) failover(ctx context.Context, reason types.SwitchReason, target *types.SourceCandidate) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		logger.Debug("{failover - failover} switch already in flight")
		return types.ErrBusy
	}
	defer m.inFlight.Store(false)

	m.mu.Lock()
	if m.player == nil {
		m.mu.Unlock()
		return types.ErrNoPlayer
	}
	cands := m.candidates
	m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		attempts := m.attempts
		m.mu.Unlock()
		if attempts >= m.cfg.MaxSwitchAttempts {
			return m.exhaust()
		}

		var cand types.SourceCandidate
		if target != nil {
			cand = *target
			target = nil
		} else {
			res := m.deps.Selector.SelectFirstAvailable(ctx, cands, selector.WithExclude(m.triedURLs()...))
			if res == nil {
				return m.exhaust()
			}
			m.mu.Lock()
			m.everAvailable = true
			m.mu.Unlock()
			cand = res.Candidate
		}

		if err := m.attempt(ctx, cand, reason); err == nil {
			return nil
		}
	}
}

// attempt runs one switch to cand and books the outcome. The switch duration
// is wall time; the record timestamp comes from the injected clock.
func (m *Manager) attempt(ctx context.Context, cand types.SourceCandidate, reason types.SwitchReason) error {
	m.mu.Lock()
	player, exec, from := m.player, m.exec, m.current
	m.mu.Unlock()

	sc := switcher.NewContext(player, cand, reason, m.deps.Clock.Now())
	rec := types.SwitchRecord{
		ID:        sc.ID,
		Timestamp: sc.StartedAt,
		From:      from.Key,
		To:        cand.Key,
		FromURL:   sc.CurrentURL,
		ToURL:     cand.URL(),
		Reason:    reason,
	}
	m.emit(EventData{Event: EventSwitchStart, Record: rec})

	started := time.Now()
	ok, err := exec.SwitchSource(ctx, sc)
	if !ok && err == nil {
		err = types.ErrBusy
	}
	elapsed := time.Since(started)

	rec.DurationMs = elapsed.Milliseconds()
	rec.Success = err == nil
	rec.NetworkQuality = m.deps.Monitor.LoadingState().NetworkQuality
	metrics.SwitchDuration.Observe(elapsed.Seconds())

	m.mu.Lock()
	if u := cand.URL(); u != "" {
		m.tried[u] = true
	}
	m.mu.Unlock()

	if err == nil {
		m.succeeded(cand, rec)
		return nil
	}
	m.failed(cand, rec, err)
	return err
}

// succeeded makes cand current and resets the gate and the attempt counter.
func (m *Manager) succeeded(cand types.SourceCandidate, rec types.SwitchRecord) {
	m.mu.Lock()
	m.current = cand
	m.attempts = 0
	m.everAvailable = true
	m.exhausted = false
	m.mu.Unlock()

	m.gate.RecordSwitch()
	if lt, ok := m.deps.Monitor.(loadTracker); ok {
		lt.BeginLoad()
	}
	if m.deps.Store != nil {
		m.deps.Store.Record(rec.ToURL, performance.Sample{Success: true, LoadTimeMs: rec.DurationMs, Score: 100})
	}
	if m.deps.Ledger != nil {
		m.deps.Ledger.Append(rec)
	}
	metrics.SwitchesTotal.WithLabelValues(string(rec.Reason), "success").Inc()

	logger.Info("{failover - attempt} switched to %s in %dms", utils.LogURL(m.cfg.Obfuscate, rec.ToURL), rec.DurationMs)
	m.emit(EventData{Event: EventSwitchSuccess, Record: rec})
}

// failed books a failed attempt. Validation failures only mark the URL as
// tried; player and network failures also count an attempt and blacklist it.
func (m *Manager) failed(cand types.SourceCandidate, rec types.SwitchRecord, err error) {
	class := types.ClassOf(err)
	rec.ErrorClass = class
	rec.Error = err.Error()

	outcome := "failed"
	if class == types.ClassValidation {
		outcome = "validation"
		logger.Warn("{failover - attempt} dropping candidate %s: %v", cand.Key, err)
	} else {
		m.mu.Lock()
		m.attempts++
		m.mu.Unlock()
		if m.deps.Store != nil && rec.ToURL != "" {
			m.deps.Store.Blacklist(rec.ToURL, blacklistReason(err))
		}
		logger.Warn("{failover - attempt} switch to %s failed: %v", utils.LogURL(m.cfg.Obfuscate, rec.ToURL), err)
	}

	if m.deps.Ledger != nil {
		m.deps.Ledger.Append(rec)
	}
	metrics.SwitchesTotal.WithLabelValues(string(rec.Reason), outcome).Inc()
	m.emit(EventData{Event: EventSwitchFailed, Record: rec, Err: err})
}

// blacklistReason is the error kind when known, else the class.
func blacklistReason(err error) string {
	var se *types.SwitchError
	if errors.As(err, &se) && se.Kind != types.KindNone {
		return string(se.Kind)
	}
	return string(types.ClassOf(err))
}

// exhaust ends the session with all-sources-failed. It is fatal when no
// candidate was ever available.
func (m *Manager) exhaust() error {
	m.mu.Lock()
	fatal := !m.everAvailable
	m.exhausted = true
	m.mu.Unlock()

	base := types.ErrAllSourcesFailed
	msg := "All sources failed. Try again."
	if fatal {
		base = types.ErrNoCandidates
		msg = "No playable source is available."
	}
	err := types.NewSwitchError(types.ClassExhaustion, types.KindNone, "failover", base)

	metrics.AllSourcesFailed.WithLabelValues(strconv.FormatBool(fatal)).Inc()
	m.deps.Notifier.Notify("error", msg)
	logger.Error("{failover - exhaust} %s (fatal=%t)", base, fatal)
	m.emit(EventData{Event: EventAllSourcesFailed, Fatal: fatal, Err: err})
	return err
}
