// Package monitor is the default LoadingMonitor: a stall timer fed by player
// progress events.
package monitor

import (
	"sync"
	"time"

	"kptv-failover/work/types"

	"github.com/benbjohnson/clock"
)

// DefaultLoadTimeout is the stall time that counts as a loading timeout.
const DefaultLoadTimeout = 5 * time.Second

// TimeoutMonitor reports a loading timeout when the player has been loading
// without progress for longer than the load timeout.
type TimeoutMonitor struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration

	stage        types.LoadingStage
	loadStart    time.Time
	lastProgress time.Time
}

// New creates an idle monitor. A non-positive timeout takes the default.
func New(timeout time.Duration, clk clock.Clock) *TimeoutMonitor {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TimeoutMonitor{clock: clk, timeout: timeout, stage: types.StageIdle}
}

// BeginLoad marks the start of a new load, e.g. right after a swap.
func (m *TimeoutMonitor) BeginLoad() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.stage = types.StageLoading
	m.loadStart = now
	m.lastProgress = now
}

// MarkProgress records that the player received data. Progress while idle
// starts a load.
func (m *TimeoutMonitor) MarkProgress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProgress = m.clock.Now()
	if m.stage == types.StageIdle {
		m.stage = types.StageLoading
		m.loadStart = m.lastProgress
	}
}

// MarkStalled puts a playing source back into the loading stage without
// resetting the progress timer.
func (m *TimeoutMonitor) MarkStalled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stage == types.StageReady || m.stage == types.StageIdle {
		m.stage = types.StageLoading
		m.loadStart = m.clock.Now()
		m.lastProgress = m.loadStart
	}
}

// MarkReady ends the current load.
func (m *TimeoutMonitor) MarkReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage = types.StageReady
	m.lastProgress = m.clock.Now()
}

// MarkFatal flags an unrecoverable media error; it reads as a timeout until
// the next BeginLoad, MarkStalled or MarkReady.
func (m *TimeoutMonitor) MarkFatal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage = types.StageFatal
}

// IsLoadingTimeout reports whether the current load stalled. A fatal stage
// also counts, since the load will never finish.
func (m *TimeoutMonitor) IsLoadingTimeout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.stage {
	case types.StageFatal:
		return true
	case types.StageLoading:
		return m.clock.Now().Sub(m.lastProgress) >= m.timeout
	default:
		return false
	}
}

// LoadingState tags network quality by how long the current load has stalled:
// good, fair past half the timeout, poor past the timeout, offline when fatal.
func (m *TimeoutMonitor) LoadingState() types.LoadingState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := types.LoadingState{Stage: m.stage, NetworkQuality: "unknown"}
	if m.stage == types.StageIdle {
		return st
	}

	now := m.clock.Now()
	st.DurationMs = now.Sub(m.loadStart).Milliseconds()

	stalled := now.Sub(m.lastProgress)
	switch {
	case m.stage == types.StageFatal:
		st.NetworkQuality = "offline"
	case stalled >= m.timeout:
		st.NetworkQuality = "poor"
	case stalled >= m.timeout/2:
		st.NetworkQuality = "fair"
	default:
		st.NetworkQuality = "good"
	}
	return st
}
