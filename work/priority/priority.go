// Package priority turns performance history into an ordering of candidates.
package priority

import (
	"time"

	"kptv-failover/work/types"
	"kptv-failover/work/utils"

	"github.com/benbjohnson/clock"
)

// Sub-score weights of the combined priority score.
const (
	WeightHealth      = 0.4
	WeightSpeed       = 0.3
	WeightFreshness   = 0.2
	WeightSuccessRate = 0.1
)

// SubScores are the components of a priority score, each in [0,100].
type SubScores struct {
	Health      float64 `json:"health"`
	Speed       float64 `json:"speed"`
	Freshness   float64 `json:"freshness"`
	SuccessRate float64 `json:"successRate"`
}

// Combine applies the fixed weights and clamps the result to [0,100].
func (s SubScores) Combine() float64 {
	score := WeightHealth*s.Health +
		WeightSpeed*s.Speed +
		WeightFreshness*s.Freshness +
		WeightSuccessRate*s.SuccessRate
	return utils.Clamp(score, 0, 100)
}

// SpeedScore buckets a latency in milliseconds. Zero means "never measured".
func SpeedScore(pingMs int64) float64 {
	switch {
	case pingMs <= 0:
		return 0
	case pingMs <= 100:
		return 100
	case pingMs <= 200:
		return 90
	case pingMs <= 500:
		return 70
	case pingMs <= 1000:
		return 50
	case pingMs <= 2000:
		return 30
	default:
		return 10
	}
}

// FreshnessScore buckets the age of the last test.
func FreshnessScore(age time.Duration) float64 {
	switch {
	case age <= 5*time.Minute:
		return 100
	case age <= 10*time.Minute:
		return 80
	case age <= 30*time.Minute:
		return 60
	case age <= 60*time.Minute:
		return 40
	default:
		return 20
	}
}

// History is the read side of the performance store.
type History interface {
	Get(url string) (types.CachedSourceInfo, bool)
}

// Scorer computes priority scores from history.
type Scorer struct {
	history History
	clock   clock.Clock
	base    float64
}

// NewScorer creates a scorer. base is the priority of a candidate without
// history and without an explicit priority.
func NewScorer(history History, clk clock.Clock, base float64) *Scorer {
	if clk == nil {
		clk = clock.New()
	}
	if base <= 0 {
		base = types.DefaultBasePriority
	}
	return &Scorer{history: history, clock: clk, base: base}
}

// SubScores derives the components for one history entry.
func (s *Scorer) SubScores(info types.CachedSourceInfo) SubScores {
	return SubScores{
		Health:      utils.Clamp(info.HealthScore*100, 0, 100),
		Speed:       SpeedScore(info.PingMs),
		Freshness:   FreshnessScore(s.clock.Since(info.LastTestTime)),
		SuccessRate: utils.Clamp(info.SuccessRate()*100, 0, 100),
	}
}

// Score returns the priority of a candidate and whether history was used.
// Without history the candidate's explicit priority, or the scorer base,
// stands in for the formula.
func (s *Scorer) Score(c types.SourceCandidate) (float64, bool) {
	if s.history != nil {
		if info, ok := s.history.Get(c.URL()); ok {
			return s.SubScores(info).Combine(), true
		}
	}
	return utils.Clamp(c.BasePriority(s.base), 0, 100), false
}
