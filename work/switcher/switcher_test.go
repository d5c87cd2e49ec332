package switcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kptv-failover/work/types"
	"kptv-failover/work/validator"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	mu          sync.Mutex
	url         string
	ready       types.ReadyState
	readyOnSwap bool
	block       chan struct{} // when set, SwitchURL waits on it or on ctx
	entered     chan struct{}
	subErr      error

	currentTime float64
	volume      float64
	rate        float64
	paused      bool
	muted       bool
	subtitle    types.SubtitleState
	plays       int
}

func (p *fakePlayer) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePlayer) SwitchURL(ctx context.Context, url string) error {
	if p.entered != nil {
		close(p.entered)
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.currentTime = 0
	if p.readyOnSwap {
		p.ready = types.ReadyHaveEnoughData
	}
	return nil
}

func (p *fakePlayer) ReadyState() types.ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePlayer) CurrentTime() float64 { return p.currentTime }
func (p *fakePlayer) SetCurrentTime(s float64) error {
	p.currentTime = s
	return nil
}
func (p *fakePlayer) Volume() float64 { return p.volume }
func (p *fakePlayer) SetVolume(v float64) error {
	p.volume = v
	return nil
}
func (p *fakePlayer) PlaybackRate() float64 { return p.rate }
func (p *fakePlayer) SetPlaybackRate(r float64) error {
	p.rate = r
	return nil
}
func (p *fakePlayer) Paused() bool { return p.paused }
func (p *fakePlayer) Muted() bool  { return p.muted }
func (p *fakePlayer) SetMuted(m bool) error {
	p.muted = m
	return nil
}
func (p *fakePlayer) Subtitle() (types.SubtitleState, bool) { return p.subtitle, true }
func (p *fakePlayer) SetSubtitle(s types.SubtitleState) error {
	if p.subErr != nil {
		return p.subErr
	}
	p.subtitle = s
	return nil
}
func (p *fakePlayer) Play() error {
	p.plays++
	p.paused = false
	return nil
}
func (p *fakePlayer) Pause() error {
	p.paused = true
	return nil
}

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_, message string) {
	n.messages = append(n.messages, message)
}

func newPlayer() *fakePlayer {
	return &fakePlayer{
		url:         "https://a.example.com/ep.m3u8",
		readyOnSwap: true,
		currentTime: 754.5,
		volume:      0.4,
		rate:        1.25,
		muted:       true,
		subtitle:    types.SubtitleState{Show: true, Index: 2},
	}
}

func fastOptions() Options {
	return Options{SwapTimeout: 50 * time.Millisecond, ReadyTimeout: 50 * time.Millisecond, ReadyInterval: 5 * time.Millisecond}
}

func TestSwitchRestoresState(t *testing.T) {
	p := newPlayer()
	n := &recordingNotifier{}
	e := New(p, validator.New(), n, clock.New(), fastOptions())

	target := types.NewCandidate("b", "https://b.example.com/ep.m3u8", 50)
	target.Name = "Server B"
	sc := NewContext(p, target, types.ReasonManual, time.Now())
	require.NotEmpty(t, sc.ID)
	assert.Equal(t, "https://a.example.com/ep.m3u8", sc.CurrentURL)

	ok, err := e.SwitchSource(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "https://b.example.com/ep.m3u8", p.URL())
	assert.Equal(t, 754.5, p.currentTime)
	assert.Equal(t, 0.4, p.volume)
	assert.Equal(t, 1.25, p.rate)
	assert.True(t, p.muted)
	assert.Equal(t, types.SubtitleState{Show: true, Index: 2}, p.subtitle)
	assert.Equal(t, 1, p.plays, "was playing, so playback resumes")
	assert.Equal(t, []string{"Switched to Server B"}, n.messages)
	assert.False(t, e.Busy())
}

func TestPausedPlayerStaysPaused(t *testing.T) {
	p := newPlayer()
	p.paused = true
	e := New(p, validator.New(), &recordingNotifier{}, clock.New(), fastOptions())

	ok, err := e.SwitchSource(context.Background(), NewContext(p, types.NewCandidate("b", "https://b.example.com/ep.m3u8", 50), types.ReasonManual, time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, p.plays)
}

func TestRestoreIsBestEffort(t *testing.T) {
	p := newPlayer()
	p.subErr = errors.New("no text tracks")
	p.volume = 0.9
	e := New(p, validator.New(), &recordingNotifier{}, clock.New(), fastOptions())
	sc := NewContext(p, types.NewCandidate("b", "https://b.example.com/ep.m3u8", 50), types.ReasonManual, time.Now())
	p.volume = 0.1

	ok, err := e.SwitchSource(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.9, p.volume)
	assert.Equal(t, 1, p.plays)
}

func TestValidationFailureIsTagged(t *testing.T) {
	p := newPlayer()
	e := New(p, validator.New(), &recordingNotifier{}, clock.New(), fastOptions())

	ok, err := e.SwitchSource(context.Background(), NewContext(p, types.NewCandidate("b", "not a url", 50), types.ReasonManual, time.Now()))
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Equal(t, "https://a.example.com/ep.m3u8", p.URL(), "player untouched")
}

func TestSwapTimeout(t *testing.T) {
	p := newPlayer()
	p.block = make(chan struct{})
	e := New(p, validator.New(), &recordingNotifier{}, clock.New(), fastOptions())

	ok, err := e.SwitchSource(context.Background(), NewContext(p, types.NewCandidate("b", "https://b.example.com/ep.m3u8", 50), types.ReasonTimeout, time.Now()))
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSwapTimeout)
	assert.Equal(t, types.ClassPlayer, types.ClassOf(err))
}

func TestNotReady(t *testing.T) {
	p := newPlayer()
	p.readyOnSwap = false
	e := New(p, validator.New(), &recordingNotifier{}, clock.New(), fastOptions())

	ok, err := e.SwitchSource(context.Background(), NewContext(p, types.NewCandidate("b", "https://b.example.com/ep.m3u8", 50), types.ReasonTimeout, time.Now()))
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrNotReady)
	assert.Equal(t, types.ClassPlayer, types.ClassOf(err))
}

func TestSecondSwitchWhileBusyIsNoop(t *testing.T) {
	p := newPlayer()
	p.block = make(chan struct{})
	p.entered = make(chan struct{})
	opts := fastOptions()
	opts.SwapTimeout = 5 * time.Second
	e := New(p, validator.New(), &recordingNotifier{}, clock.New(), opts)

	type outcome struct {
		ok  bool
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		ok, err := e.SwitchSource(context.Background(), NewContext(p, types.NewCandidate("b", "https://b.example.com/ep.m3u8", 50), types.ReasonManual, time.Now()))
		first <- outcome{ok, err}
	}()
	<-p.entered
	assert.True(t, e.Busy())

	ok, err := e.SwitchSource(context.Background(), &SwitchContext{ID: "second", Target: types.NewCandidate("c", "https://c.example.com/ep.m3u8", 50)})
	assert.False(t, ok)
	assert.NoError(t, err)

	close(p.block)
	got := <-first
	assert.True(t, got.ok)
	assert.NoError(t, got.err)
	assert.Equal(t, "https://b.example.com/ep.m3u8", p.URL())
}

func TestNoPlayer(t *testing.T) {
	e := New(nil, validator.New(), nil, nil, Options{})
	ok, err := e.SwitchSource(context.Background(), &SwitchContext{Target: types.NewCandidate("b", "https://b.example.com/ep.m3u8", 50)})
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrNoPlayer)
}
