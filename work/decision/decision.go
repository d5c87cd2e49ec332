// Package decision gates when a live failover may happen.
package decision

import (
	"sync"
	"time"

	"kptv-failover/work/config"
	"kptv-failover/work/types"

	"github.com/benbjohnson/clock"
)

// Config holds the gate thresholds. A zero ForceTimeout disables forced
// switches.
type Config struct {
	Cooldown       time.Duration
	MinAttemptTime time.Duration
	ErrorThreshold int
	ForceTimeout   time.Duration
}

// DefaultConfig returns the standard gates.
func DefaultConfig() Config {
	return Config{
		Cooldown:       10 * time.Second,
		MinAttemptTime: 5 * time.Second,
		ErrorThreshold: 3,
		ForceTimeout:   6 * time.Second,
	}
}

// ConfigFrom maps the daemon configuration onto gate thresholds.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Cooldown:       cfg.Cooldown,
		MinAttemptTime: cfg.MinAttemptTime,
		ErrorThreshold: cfg.ErrorThreshold,
		ForceTimeout:   cfg.ForceTimeout,
	}
}

// Decision is the verdict of one Decide call.
type Decision struct {
	Switch bool
	Reason types.SwitchReason
}

// State is a snapshot of the gate counters.
type State struct {
	LastSwitchTime       time.Time `json:"lastSwitchTime"`
	LoadStartTime        time.Time `json:"loadStartTime"`
	ErrorCount           int       `json:"errorCount"`
	AvailableBackupCount int       `json:"availableBackupCount"`
	SinceLastSwitch      string    `json:"sinceLastSwitch"`
	SinceLoadStart       string    `json:"sinceLoadStart"`
}

// Maker tracks the current source's lifetime and answers whether to switch.
type Maker struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock

	lastSwitch time.Time
	loadStart  time.Time
	errorCount int
	backups    int
}

// New creates a Maker whose load timer starts now.
func New(cfg Config, clk clock.Clock) *Maker {
	if clk == nil {
		clk = clock.New()
	}
	return &Maker{cfg: cfg, clock: clk, loadStart: clk.Now()}
}

// Decide evaluates the gates.
//
//   - fatal switches immediately.
//   - a timeout that has lasted ForceTimeout since load start switches
//     immediately, whatever the other gates say, backups included.
//   - otherwise all of: timeout, cooldown elapsed, min attempt time elapsed,
//     error threshold reached, at least one backup.
func (m *Maker) Decide(isTimeout, isFatal bool) Decision {
	if isFatal {
		return Decision{Switch: true, Reason: types.ReasonFatal}
	}
	if !isTimeout {
		return Decision{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	sinceLoad := now.Sub(m.loadStart)

	if m.cfg.ForceTimeout > 0 && sinceLoad >= m.cfg.ForceTimeout {
		return Decision{Switch: true, Reason: types.ReasonForcedTimeout}
	}

	if now.Sub(m.lastSwitch) < m.cfg.Cooldown {
		return Decision{}
	}
	if sinceLoad < m.cfg.MinAttemptTime {
		return Decision{}
	}
	if m.errorCount < m.cfg.ErrorThreshold {
		return Decision{}
	}
	if m.backups <= 0 {
		return Decision{}
	}
	return Decision{Switch: true, Reason: types.ReasonErrors}
}

// ShouldSwitch is Decide without the reason.
func (m *Maker) ShouldSwitch(isTimeout, isFatal bool) bool {
	return m.Decide(isTimeout, isFatal).Switch
}

// RecordSwitch starts a new source lifetime.
func (m *Maker) RecordSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.lastSwitch = now
	m.loadStart = now
	m.errorCount = 0
}

// RecordError counts one loading error toward the threshold.
func (m *Maker) RecordError() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
}

// StartLoad restarts the load timer without touching the other counters.
func (m *Maker) StartLoad() {
	m.mu.Lock()
	m.loadStart = m.clock.Now()
	m.mu.Unlock()
}

// SetAvailableBackupCount records how many untried sources remain; the
// error-threshold branch needs at least one.
func (m *Maker) SetAvailableBackupCount(n int) {
	m.mu.Lock()
	m.backups = n
	m.mu.Unlock()
}

// Snapshot returns the counters and ages as of now.
func (m *Maker) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	s := State{
		LastSwitchTime:       m.lastSwitch,
		LoadStartTime:        m.loadStart,
		ErrorCount:           m.errorCount,
		AvailableBackupCount: m.backups,
		SinceLoadStart:       now.Sub(m.loadStart).String(),
	}
	if !m.lastSwitch.IsZero() {
		s.SinceLastSwitch = now.Sub(m.lastSwitch).String()
	}
	return s
}
