package types

import "context"

// ReadyState mirrors the media element readiness ladder.
type ReadyState int

const (
	ReadyHaveNothing ReadyState = iota
	ReadyHaveMetadata
	ReadyHaveCurrentData
	ReadyHaveFutureData
	ReadyHaveEnoughData
)

// SubtitleState is the subtitle selection of a player.
type SubtitleState struct {
	Show  bool `json:"show"`
	Index int  `json:"index"`
}

// PlayerState is the playback state captured before a switch and restored
// after it.
type PlayerState struct {
	CurrentTime  float64       `json:"currentTime"`
	Volume       float64       `json:"volume"`
	PlaybackRate float64       `json:"playbackRate"`
	Paused       bool          `json:"paused"`
	Muted        bool          `json:"muted"`
	Subtitle     SubtitleState `json:"subtitle"`
	HasSubtitle  bool          `json:"hasSubtitle"`
}

// PlayerHandle is the minimal surface of the external media player that the
// switch executor drives.
type PlayerHandle interface {
	URL() string
	SwitchURL(ctx context.Context, url string) error
	ReadyState() ReadyState

	CurrentTime() float64
	SetCurrentTime(seconds float64) error
	Volume() float64
	SetVolume(v float64) error
	PlaybackRate() float64
	SetPlaybackRate(rate float64) error
	Paused() bool
	Muted() bool
	SetMuted(muted bool) error

	// Subtitle returns the current selection and whether the player has
	// subtitle support at all.
	Subtitle() (SubtitleState, bool)
	SetSubtitle(s SubtitleState) error

	Play() error
	Pause() error
}

// LoadingStage is the coarse state reported by a loading monitor.
type LoadingStage string

const (
	StageIdle    LoadingStage = "idle"
	StageLoading LoadingStage = "loading"
	StageReady   LoadingStage = "ready"
	StageFatal   LoadingStage = "fatal"
)

// LoadingState is a snapshot of the current load.
type LoadingState struct {
	Stage          LoadingStage `json:"stage"`
	DurationMs     int64        `json:"durationMs"`
	NetworkQuality string       `json:"networkQuality"`
}

// LoadingMonitor tells the failover loop whether the current load stalled.
type LoadingMonitor interface {
	IsLoadingTimeout() bool
	LoadingState() LoadingState
}

// ValidationResult is the outcome of URL validation for one candidate.
type ValidationResult struct {
	Valid bool
	URL   string
	Kind  ErrorKind
	Err   error
}

// URLValidator checks a candidate before it may be probed or played.
type URLValidator interface {
	Validate(c SourceCandidate) ValidationResult
}
