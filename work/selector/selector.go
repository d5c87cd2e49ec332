// Package selector is the one-shot selection pipeline: validate, exclude,
// deduplicate, score, then probe progressively.
package selector

import (
	"context"
	"sort"

	"kptv-failover/work/dedupe"
	"kptv-failover/work/logger"
	"kptv-failover/work/priority"
	"kptv-failover/work/scheduler"
	"kptv-failover/work/types"
	"kptv-failover/work/utils"
)

// Blacklist is the part of the performance store the selector consults.
type Blacklist interface {
	IsBlacklisted(url string) bool
}

// Options for one selection.
type Options struct {
	Mode           scheduler.Mode
	MaxConcurrency int
	MinAvailable   int
	Advanced       bool     // also collapse candidates by base domain
	Exclude        []string // URLs already tried in this session
	Target         int      // stop once this many are available
}

// Option overrides one field of the selector defaults for a single call.
type Option func(*Options)

// WithMode sets the scheduler stop policy.
func WithMode(m scheduler.Mode) Option {
	return func(o *Options) { o.Mode = m }
}

func WithConcurrency(n int) Option {
	return func(o *Options) { o.MaxConcurrency = n }
}

func WithMinAvailable(n int) Option {
	return func(o *Options) { o.MinAvailable = n }
}

// WithTarget probes until n sources are available or the queue runs out,
// overriding the mode's own stop rules.
func WithTarget(n int) Option {
	return func(o *Options) { o.Target = n }
}

func WithAdvanced(on bool) Option {
	return func(o *Options) { o.Advanced = on }
}

// WithExclude drops these URLs before probing; they are compared after
// normalization.
func WithExclude(urls ...string) Option {
	return func(o *Options) { o.Exclude = append(o.Exclude, urls...) }
}

// Rejection is a candidate dropped by validation.
type Rejection struct {
	Key  string          `json:"key"`
	Kind types.ErrorKind `json:"kind"`
	Err  string          `json:"error"`
}

// Report summarizes what Prepare did with the input.
type Report struct {
	Input       int         `json:"input"`
	Rejected    []Rejection `json:"rejected,omitempty"`
	Excluded    int         `json:"excluded"`
	Blacklisted int         `json:"blacklisted"`
	Duplicates  int         `json:"duplicates"`
	Queued      int         `json:"queued"`
}

// Selector wires the selection pipeline together.
type Selector struct {
	validator types.URLValidator
	dedupe    *dedupe.Deduplicator
	scorer    *priority.Scorer
	scheduler *scheduler.Scheduler
	blacklist Blacklist
	defaults  Options
	obfuscate bool
}

// New creates a selector. defaults apply to every call before per-call
// options.
func New(v types.URLValidator, d *dedupe.Deduplicator, scorer *priority.Scorer, sched *scheduler.Scheduler, blacklist Blacklist, defaults Options, obfuscate bool) *Selector {
	return &Selector{
		validator: v,
		dedupe:    d,
		scorer:    scorer,
		scheduler: sched,
		blacklist: blacklist,
		defaults:  defaults,
		obfuscate: obfuscate,
	}
}

func (s *Selector) options(opts []Option) Options {
	o := s.defaults
	o.Exclude = append([]string(nil), s.defaults.Exclude...)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Prepare runs every step up to the priority queue.
func (s *Selector) Prepare(cands []types.SourceCandidate, opts ...Option) (*priority.Queue, Report) {
	o := s.options(opts)
	report := Report{Input: len(cands)}

	excluded := make(map[string]bool, len(o.Exclude))
	for _, u := range o.Exclude {
		excluded[s.normalized(u)] = true
	}

	valid := make([]types.SourceCandidate, 0, len(cands))
	for _, c := range cands {
		res := s.validator.Validate(c)
		if !res.Valid {
			errText := ""
			if res.Err != nil {
				errText = res.Err.Error()
			}
			report.Rejected = append(report.Rejected, Rejection{Key: c.Key, Kind: res.Kind, Err: errText})
			logger.Debug("{selector - Prepare} rejected candidate %s: %s", c.Key, res.Kind)
			continue
		}
		c = c.WithURL(res.URL)

		if excluded[s.normalized(res.URL)] {
			report.Excluded++
			continue
		}
		if s.blacklist != nil && s.blacklist.IsBlacklisted(res.URL) {
			report.Blacklisted++
			logger.Debug("{selector - Prepare} skipping blacklisted %s", utils.LogURL(s.obfuscate, res.URL))
			continue
		}
		valid = append(valid, c)
	}

	unique := s.dedupe.Deduplicate(valid)
	if o.Advanced {
		unique = s.dedupe.DeduplicateByDomain(unique)
	}
	report.Duplicates = len(valid) - len(unique)

	q := priority.Build(unique, s.scorer)
	report.Queued = q.Len()
	return q, report
}

func (s *Selector) normalized(u string) string {
	n, err := s.dedupe.Normalize(u)
	if err != nil {
		return u
	}
	return n
}

func (s *Selector) schedulerOptions(o Options) scheduler.Options {
	return scheduler.Options{Mode: o.Mode, MaxConcurrency: o.MaxConcurrency, MinAvailable: o.MinAvailable, Target: o.Target}
}

// SelectProgressive returns the raw result stream. The stream is finite and
// cannot be restarted; cancelling ctx ends it early.
func (s *Selector) SelectProgressive(ctx context.Context, cands []types.SourceCandidate, opts ...Option) (<-chan types.SourceResult, Report) {
	o := s.options(opts)
	q, report := s.Prepare(cands, opts...)
	return s.scheduler.Run(ctx, q, s.schedulerOptions(o)), report
}

// SelectFirstAvailable returns the first candidate to probe available, or nil.
func (s *Selector) SelectFirstAvailable(ctx context.Context, cands []types.SourceCandidate, opts ...Option) *types.SourceResult {
	opts = append(opts, WithMode(scheduler.ModeFast))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, report := s.SelectProgressive(ctx, cands, opts...)
	for r := range ch {
		if r.Available {
			r := r
			logger.Debug("{selector - SelectFirstAvailable} picked %s (score %.1f)", utils.LogURL(s.obfuscate, r.URL), r.Score)
			return &r
		}
	}

	logger.Info("{selector - SelectFirstAvailable} no available source among %d candidates (%d queued)", report.Input, report.Queued)
	return nil
}

// SelectBestSources probes in priority order until n sources are available or
// the queue is exhausted, then returns them best score first. The balanced
// half-tested shortcut does not apply here.
func (s *Selector) SelectBestSources(ctx context.Context, cands []types.SourceCandidate, n int, opts ...Option) []types.SourceResult {
	if n <= 0 {
		return nil
	}
	opts = append(opts, WithMode(scheduler.ModeBalanced), WithTarget(n))

	ch, _ := s.SelectProgressive(ctx, cands, opts...)
	var available []types.SourceResult
	for r := range ch {
		if r.Available {
			available = append(available, r)
		}
	}

	sort.SliceStable(available, func(i, j int) bool { return available[i].Score > available[j].Score })
	if len(available) > n {
		available = available[:n]
	}
	return available
}
