// Package switcher performs one live source swap on a player while keeping
// the viewer's playback state.
package switcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kptv-failover/work/logger"
	"kptv-failover/work/types"
	"kptv-failover/work/utils"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Notifier shows a short message to the viewer. Level is one of "info",
// "warn" or "error"; implementations decide how loudly to surface it.
type Notifier interface {
	Notify(level, message string)
}

// LogNotifier writes notices to the log. It is the default when the embedder
// has no on-screen toast.
type LogNotifier struct{}

// Notify logs message at the matching level.
func (LogNotifier) Notify(level, message string) {
	switch level {
	case "error":
		logger.Error("{switcher - notice} %s", message)
	case "warn":
		logger.Warn("{switcher - notice} %s", message)
	default:
		logger.Info("{switcher - notice} %s", message)
	}
}

// Options tune the executor. Zero values fall back to the defaults below.
type Options struct {
	SwapTimeout   time.Duration // max wait for the player to accept the new URL (2s)
	ReadyTimeout  time.Duration // max wait for playable data after the swap (5s)
	ReadyInterval time.Duration // readiness poll period (50ms)
	Obfuscate     bool          // mask URLs in log lines
}

func (o *Options) setDefaults() {
	if o.SwapTimeout <= 0 {
		o.SwapTimeout = 2 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = 50 * time.Millisecond
	}
}

// SwitchContext describes one switch attempt. It is built before the swap so
// the state it holds is the state the viewer had, not what the new source
// reports after loading.
type SwitchContext struct {
	ID         string                // attempt ID, shared by log lines and events
	CurrentURL string                // URL playing when the attempt began
	Target     types.SourceCandidate // source to switch to
	State      types.PlayerState     // playback state to restore
	Reason     types.SwitchReason    // why the attempt started
	StartedAt  time.Time             // injected-clock start time
}

// NewContext captures the player state and stamps a fresh attempt ID.
func NewContext(p types.PlayerHandle, target types.SourceCandidate, reason types.SwitchReason, now time.Time) *SwitchContext {
	return &SwitchContext{
		ID:         uuid.NewString(),
		CurrentURL: p.URL(),
		Target:     target,
		State:      CaptureState(p),
		Reason:     reason,
		StartedAt:  now,
	}
}

// CaptureState reads everything that is restored after a swap.
func CaptureState(p types.PlayerHandle) types.PlayerState {
	st := types.PlayerState{
		CurrentTime:  p.CurrentTime(),
		Volume:       p.Volume(),
		PlaybackRate: p.PlaybackRate(),
		Paused:       p.Paused(),
		Muted:        p.Muted(),
	}
	st.Subtitle, st.HasSubtitle = p.Subtitle()
	return st
}

// Executor runs at most one switch at a time against a single player. A
// second SwitchSource call while one is in flight is a no-op rather than an
// error, so a polling loop can call it freely.
type Executor struct {
	player    types.PlayerHandle
	validator types.URLValidator
	notifier  Notifier
	clock     clock.Clock
	opts      Options
	busy      atomic.Bool
}

// New creates an Executor for player. A nil notifier logs, a nil clock uses
// wall time.
func New(player types.PlayerHandle, v types.URLValidator, n Notifier, clk clock.Clock, opts Options) *Executor {
	opts.setDefaults()
	if n == nil {
		n = LogNotifier{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{player: player, validator: v, notifier: n, clock: clk, opts: opts}
}

// Busy reports whether a switch is in flight.
func (e *Executor) Busy() bool {
	return e.busy.Load()
}

// SwitchSource swaps the player to sc.Target and restores the captured
// playback state.
//
// The steps are: validate the target, hand the URL to the player within
// SwapTimeout, poll until the player has future data within ReadyTimeout,
// then restore position, volume, rate, mute, subtitle and play state.
// Validation failures carry ClassValidation; swap and readiness failures carry
// ClassPlayer. Restore problems are logged and never fail the switch.
//
// It returns (false, nil) when another switch is already running. Errors are
// *types.SwitchError.
func (e *Executor) SwitchSource(ctx context.Context, sc *SwitchContext) (bool, error) {
	if !e.busy.CompareAndSwap(false, true) {
		logger.Debug("{switcher - SwitchSource} switch already in progress, ignoring %s", sc.ID)
		return false, nil
	}
	defer e.busy.Store(false)

	if e.player == nil {
		return false, types.NewSwitchError(types.ClassPlayer, types.KindNone, "switch", types.ErrNoPlayer)
	}

	res := e.validator.Validate(sc.Target)
	if !res.Valid {
		return false, types.NewSwitchError(types.ClassValidation, res.Kind, "validate", res.Err)
	}
	target := res.URL

	logger.Info("{switcher - SwitchSource} switching %s -> %s (%s)",
		utils.LogURL(e.opts.Obfuscate, sc.CurrentURL), utils.LogURL(e.opts.Obfuscate, target), sc.Reason)

	if err := e.swap(ctx, target); err != nil {
		return false, err
	}
	if err := e.waitReady(ctx); err != nil {
		return false, err
	}

	e.restore(sc.State)

	name := sc.Target.Name
	if name == "" {
		name = sc.Target.Key
	}
	e.notifier.Notify("info", fmt.Sprintf("Switched to %s", name))
	return true, nil
}

// swap races the player's URL change against the swap timeout.
func (e *Executor) swap(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SwapTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.player.SwitchURL(ctx, url)
	}()

	select {
	case err := <-done:
		if err != nil {
			return types.NewSwitchError(types.ClassPlayer, types.KindSwap, "swap", err)
		}
		return nil
	case <-ctx.Done():
		return types.NewSwitchError(types.ClassPlayer, types.KindSwap, "swap", types.ErrSwapTimeout)
	}
}

// waitReady polls the player's ready state on the injected clock until it
// can play ahead or ReadyTimeout passes.
func (e *Executor) waitReady(ctx context.Context) error {
	deadline := e.clock.Now().Add(e.opts.ReadyTimeout)
	for {
		if e.player.ReadyState() >= types.ReadyHaveFutureData {
			return nil
		}
		if !e.clock.Now().Before(deadline) {
			return types.NewSwitchError(types.ClassPlayer, types.KindNotReady, "ready", types.ErrNotReady)
		}
		select {
		case <-ctx.Done():
			return types.NewSwitchError(types.ClassPlayer, types.KindNotReady, "ready", ctx.Err())
		case <-e.clock.After(e.opts.ReadyInterval):
		}
	}
}

// restoreStep is one field of PlayerState put back on the player.
type restoreStep struct {
	name string
	fn   func() error
}

// restore applies the captured state. A field that fails is logged and the
// rest still run.
func (e *Executor) restore(st types.PlayerState) {
	steps := []restoreStep{
		{"position", func() error { return e.player.SetCurrentTime(st.CurrentTime) }},
		{"volume", func() error { return e.player.SetVolume(st.Volume) }},
		{"rate", func() error { return e.player.SetPlaybackRate(st.PlaybackRate) }},
		{"mute", func() error { return e.player.SetMuted(st.Muted) }},
	}
	if st.HasSubtitle {
		steps = append(steps, restoreStep{"subtitle", func() error { return e.player.SetSubtitle(st.Subtitle) }})
	}
	if !st.Paused {
		steps = append(steps, restoreStep{"play", e.player.Play})
	}

	for _, s := range steps {
		if err := s.fn(); err != nil {
			logger.Warn("{switcher - restore} could not restore %s: %v", s.name, err)
		}
	}
}
