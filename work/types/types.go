package types

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultBasePriority is the priority handed to a candidate that has no test
// history and no explicit priority of its own.
const DefaultBasePriority = 50

// SourceCandidate is one playable endpoint for the requested media item, as
// delivered by the external catalog fetch. A candidate is immutable for the
// duration of a selection run; the engine only ever copies it.
//
// The catalog payload is loosely typed, so the episode URL keeps track of how
// it arrived: absent (nil), a string, or some other JSON type. The validator
// uses that to tell "missing" apart from "invalid_type".
type SourceCandidate struct {
	Key        string            // Opaque source descriptor (provider / line identifier)
	Name       string            // Human readable label for notices and logs
	EpisodeURL *string           // Playable URL, nil when the catalog did not provide one
	Priority   *int              // Optional explicit priority supplied by the catalog
	Attributes map[string]string // Free-form catalog metadata, carried through untouched

	invalidURLType bool
}

// candidateJSON is the wire form of a SourceCandidate.
type candidateJSON struct {
	Key        string            `json:"key"`
	Name       string            `json:"name,omitempty"`
	EpisodeURL json.RawMessage   `json:"episodeUrl,omitempty"`
	Priority   *int              `json:"priority,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewCandidate builds a candidate with a URL and an explicit priority.
func NewCandidate(key, url string, priority int) SourceCandidate {
	return SourceCandidate{
		Key:        key,
		Name:       key,
		EpisodeURL: &url,
		Priority:   &priority,
	}
}

// URL returns the episode URL or an empty string when none was supplied.
func (c SourceCandidate) URL() string {
	if c.EpisodeURL == nil {
		return ""
	}
	return *c.EpisodeURL
}

// HasURL reports whether the catalog supplied a string URL at all.
func (c SourceCandidate) HasURL() bool {
	return c.EpisodeURL != nil
}

// InvalidURLType reports whether the catalog supplied an episode URL that was
// not a JSON string.
func (c SourceCandidate) InvalidURLType() bool {
	return c.invalidURLType
}

// ExplicitPriority returns the catalog priority, or 0 when there is none.
func (c SourceCandidate) ExplicitPriority() int {
	if c.Priority == nil {
		return 0
	}
	return *c.Priority
}

// BasePriority returns the explicit priority when present, otherwise def.
func (c SourceCandidate) BasePriority(def float64) float64 {
	if c.Priority == nil {
		return def
	}
	return float64(*c.Priority)
}

// WithURL returns a copy of the candidate pointing at a different URL.
func (c SourceCandidate) WithURL(url string) SourceCandidate {
	c.EpisodeURL = &url
	c.invalidURLType = false
	return c
}

// UnmarshalJSON decodes a catalog entry, remembering non-string URLs.
func (c *SourceCandidate) UnmarshalJSON(data []byte) error {
	var raw candidateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = SourceCandidate{
		Key:        raw.Key,
		Name:       raw.Name,
		Priority:   raw.Priority,
		Attributes: raw.Attributes,
	}

	trimmed := strings.TrimSpace(string(raw.EpisodeURL))
	switch {
	case trimmed == "" || trimmed == "null":
		// absent
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(raw.EpisodeURL, &s); err != nil {
			return err
		}
		c.EpisodeURL = &s
	default:
		c.invalidURLType = true
	}

	return nil
}

// MarshalJSON encodes the candidate in catalog form.
func (c SourceCandidate) MarshalJSON() ([]byte, error) {
	out := candidateJSON{
		Key:        c.Key,
		Name:       c.Name,
		Priority:   c.Priority,
		Attributes: c.Attributes,
	}
	if c.EpisodeURL != nil {
		b, err := json.Marshal(*c.EpisodeURL)
		if err != nil {
			return nil, err
		}
		out.EpisodeURL = b
	}
	return json.Marshal(out)
}

// Layer identifies one tier of the multi-layer prober.
type Layer int

const (
	LayerCache Layer = iota + 1 // cached history, no network
	LayerQuick                  // bounded HEAD request
	LayerDeep                   // ranged GET with bandwidth measurement
)

// String returns the metric/log label of the layer.
func (l Layer) String() string {
	switch l {
	case LayerCache:
		return "cache"
	case LayerQuick:
		return "quick"
	case LayerDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// QualityTier is the playback quality a measured bandwidth can sustain.
type QualityTier string

const (
	Quality4K    QualityTier = "4K"
	Quality2K    QualityTier = "2K"
	Quality1080p QualityTier = "1080p"
	Quality720p  QualityTier = "720p"
	Quality480p  QualityTier = "480p"
	QualitySD    QualityTier = "SD"
)

// CacheLayerResult is what layer 1 found in the performance store.
type CacheLayerResult struct {
	Hit       bool          `json:"hit"`
	Fresh     bool          `json:"fresh"`
	Available bool          `json:"available"`
	Score     float64       `json:"score"`
	Age       time.Duration `json:"age"`
}

// QuickLayerResult is the outcome of the bounded HEAD probe.
type QuickLayerResult struct {
	Available  bool      `json:"available"`
	Score      float64   `json:"score"`
	LatencyMs  int64     `json:"latencyMs"`
	StatusCode int       `json:"statusCode,omitempty"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DeepLayerResult is the outcome of the ranged GET probe.
type DeepLayerResult struct {
	Available         bool        `json:"available"`
	Score             float64     `json:"score"`
	BandwidthMbps     float64     `json:"bandwidthMbps"`
	Quality           QualityTier `json:"quality"`
	LatencyMs         int64       `json:"latencyMs"`
	BytesRead         int         `json:"bytesRead"`
	Playlist          string      `json:"playlist,omitempty"` // "master", "media" or empty
	Variants          int         `json:"variants,omitempty"`
	MaxVariantBitrate uint32      `json:"maxVariantBitrate,omitempty"`
	Resolution        string      `json:"resolution,omitempty"`
	ErrorKind         ErrorKind   `json:"errorKind,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// LayeredTestResult is the per-URL outcome of the multi-layer prober.
type LayeredTestResult struct {
	URL            string            `json:"url"`
	Available      bool              `json:"available"`
	FinalScore     float64           `json:"finalScore"`
	TestDurationMs int64             `json:"testDurationMs"`
	LayersUsed     []Layer           `json:"layersUsed"`
	Cache          *CacheLayerResult `json:"cache,omitempty"`
	Quick          *QuickLayerResult `json:"quick,omitempty"`
	Deep           *DeepLayerResult  `json:"deep,omitempty"`
}

// UsedLayer reports whether the given layer contributed to the result.
func (r LayeredTestResult) UsedLayer(l Layer) bool {
	for _, used := range r.LayersUsed {
		if used == l {
			return true
		}
	}
	return false
}

// SourceResult is one item of a selection run: the candidate, the URL that was
// actually probed, its queue priority and the probe outcome.
type SourceResult struct {
	Candidate     SourceCandidate   `json:"candidate"`
	URL           string            `json:"url"`
	PriorityScore float64           `json:"priorityScore"`
	Available     bool              `json:"available"`
	Score         float64           `json:"score"`
	Test          LayeredTestResult `json:"test"`
}

// LastTestResult is the most recent probe outcome kept per URL.
type LastTestResult struct {
	Available  bool      `json:"available"`
	Score      float64   `json:"score"`
	LoadTimeMs int64     `json:"loadTimeMs"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
}

// CachedSourceInfo is the durable history of one normalized URL.
type CachedSourceInfo struct {
	URL               string         `json:"url"`
	LastResult        LastTestResult `json:"lastResult"`
	LastTestTime      time.Time      `json:"lastTestTime"`
	LastUsedTime      time.Time      `json:"lastUsedTime"`
	TestCount         int            `json:"testCount"`
	SuccessCount      int            `json:"successCount"`
	FailureCount      int            `json:"failureCount"`
	AverageLoadTimeMs float64        `json:"averageLoadTimeMs"`
	AverageScore      float64        `json:"averageScore"`
	HealthScore       float64        `json:"healthScore"`
	PingMs            int64          `json:"pingMs"`
	IsAvailable       bool           `json:"isAvailable"`
	UnavailableSince  time.Time      `json:"unavailableSince,omitempty"`
	UnavailableReason string         `json:"unavailableReason,omitempty"`
}

// SuccessRate returns the share of successful tests in [0,1].
func (i *CachedSourceInfo) SuccessRate() float64 {
	if i == nil || i.TestCount == 0 {
		return 0
	}
	return float64(i.SuccessCount) / float64(i.TestCount)
}

// SwitchReason tags why a failover attempt was started.
type SwitchReason string

const (
	ReasonTimeout       SwitchReason = "timeout"
	ReasonForcedTimeout SwitchReason = "forced_timeout"
	ReasonFatal         SwitchReason = "fatal"
	ReasonErrors        SwitchReason = "error_threshold"
	ReasonManual        SwitchReason = "manual"
)

// SwitchRecord is one immutable entry of the switch history.
type SwitchRecord struct {
	ID             string       `json:"id"`
	Timestamp      time.Time    `json:"timestamp"`
	From           string       `json:"from"`
	To             string       `json:"to"`
	FromURL        string       `json:"fromUrl,omitempty"`
	ToURL          string       `json:"toUrl,omitempty"`
	Reason         SwitchReason `json:"reason"`
	DurationMs     int64        `json:"durationMs"`
	Success        bool         `json:"success"`
	ErrorClass     ErrorClass   `json:"errorClass,omitempty"`
	Error          string       `json:"error,omitempty"`
	NetworkQuality string       `json:"networkQuality,omitempty"`
}
