package decision

import (
	"testing"
	"time"

	"kptv-failover/work/types"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func newMaker() (*Maker, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC))
	return New(DefaultConfig(), mock), mock
}

// armed leaves the maker with cooldown and min attempt time elapsed but the
// load age still below the force timeout.
func armed(m *Maker, mock *clock.Mock) {
	m.RecordSwitch()
	mock.Add(10 * time.Second)
	m.StartLoad()
	mock.Add(5500 * time.Millisecond)
}

func TestFatalAlwaysSwitches(t *testing.T) {
	m, mock := newMaker()
	m.RecordSwitch()

	for i := 0; i < 5; i++ {
		assert.True(t, m.ShouldSwitch(true, true))
		assert.True(t, m.ShouldSwitch(false, true))
		mock.Add(time.Second)
	}
	assert.Equal(t, types.ReasonFatal, m.Decide(true, true).Reason)
}

func TestNoTimeoutNoSwitch(t *testing.T) {
	m, mock := newMaker()
	m.SetAvailableBackupCount(2)
	for i := 0; i < 5; i++ {
		m.RecordError()
	}
	mock.Add(time.Minute)

	assert.False(t, m.ShouldSwitch(false, false))
}

func TestErrorThresholdGate(t *testing.T) {
	m, mock := newMaker()
	m.SetAvailableBackupCount(1)
	armed(m, mock)

	m.RecordError()
	m.RecordError()
	assert.False(t, m.ShouldSwitch(true, false), "below threshold")

	m.RecordError()
	d := m.Decide(true, false)
	assert.True(t, d.Switch)
	assert.Equal(t, types.ReasonErrors, d.Reason)
}

func TestBackupRequired(t *testing.T) {
	m, mock := newMaker()
	armed(m, mock)
	for i := 0; i < 3; i++ {
		m.RecordError()
	}

	assert.False(t, m.ShouldSwitch(true, false))
	m.SetAvailableBackupCount(1)
	assert.True(t, m.ShouldSwitch(true, false))
}

func TestCooldownGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForceTimeout = 0
	mock := clock.NewMock()
	m := New(cfg, mock)
	m.SetAvailableBackupCount(1)

	m.RecordSwitch()
	for i := 0; i < 3; i++ {
		m.RecordError()
	}

	mock.Add(9 * time.Second)
	assert.False(t, m.ShouldSwitch(true, false), "cooldown not elapsed")

	mock.Add(time.Second)
	assert.True(t, m.ShouldSwitch(true, false))
}

func TestMinAttemptGate(t *testing.T) {
	m, mock := newMaker()
	m.SetAvailableBackupCount(1)
	m.RecordSwitch()
	mock.Add(20 * time.Second)
	m.StartLoad()
	for i := 0; i < 3; i++ {
		m.RecordError()
	}

	mock.Add(4 * time.Second)
	assert.False(t, m.ShouldSwitch(true, false))

	mock.Add(time.Second)
	assert.True(t, m.ShouldSwitch(true, false))
}

func TestForcedTimeoutBypassesGates(t *testing.T) {
	m, mock := newMaker()
	m.RecordSwitch()

	mock.Add(5 * time.Second)
	assert.False(t, m.ShouldSwitch(true, false))

	mock.Add(time.Second)
	d := m.Decide(true, false)
	assert.True(t, d.Switch, "no errors, no backups, cooldown pending, still forced")
	assert.Equal(t, types.ReasonForcedTimeout, d.Reason)
}

func TestRecordSwitchThenErrorsScenario(t *testing.T) {
	m, mock := newMaker()
	m.SetAvailableBackupCount(1)

	m.RecordSwitch()
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		m.RecordError()
	}
	mock.Add(10 * time.Second)

	assert.True(t, m.ShouldSwitch(true, false))
}

func TestRecordSwitchResetsCounters(t *testing.T) {
	m, mock := newMaker()
	m.RecordError()
	m.RecordError()
	mock.Add(3 * time.Second)

	m.RecordSwitch()
	s := m.Snapshot()
	assert.Equal(t, 0, s.ErrorCount)
	assert.Equal(t, mock.Now(), s.LastSwitchTime)
	assert.Equal(t, mock.Now(), s.LoadStartTime)
}
