// Package probe tests one candidate URL in up to three layers: cached history,
// a bounded HEAD request, and a ranged GET that measures bandwidth. The prober
// never returns an error; every failure resolves to an unavailable result.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"kptv-failover/work/buffer"
	"kptv-failover/work/client"
	"kptv-failover/work/config"
	"kptv-failover/work/logger"
	"kptv-failover/work/metrics"
	"kptv-failover/work/performance"
	"kptv-failover/work/priority"
	"kptv-failover/work/types"
	"kptv-failover/work/utils"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/singleflight"
)

// Final score weights when the deep layer ran.
const (
	quickWeight = 0.6
	deepWeight  = 0.4
)

// Store is the history the prober reads from and writes back to.
type Store interface {
	Get(url string) (types.CachedSourceInfo, bool)
	Record(url string, sample performance.Sample) types.CachedSourceInfo
}

// Options tune the layers.
type Options struct {
	CacheFreshness time.Duration // layer 1 is decisive below this age
	QuickTimeout   time.Duration
	DeepEnabled    bool
	DeepTimeout    time.Duration
	DeepThreshold  float64 // minimum caller priority for layer 3
	DeepBytes      int
	RatePerHost    int
	ObfuscateURLs  bool
}

// OptionsFromConfig maps the daemon configuration onto prober options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CacheFreshness: cfg.CacheFreshness,
		QuickTimeout:   cfg.QuickTimeout,
		DeepEnabled:    cfg.DeepEnabled,
		DeepTimeout:    cfg.DeepTimeout,
		DeepThreshold:  cfg.DeepThreshold,
		DeepBytes:      cfg.DeepBytes,
		RatePerHost:    cfg.ProbeRatePerHost,
		ObfuscateURLs:  cfg.ObfuscateUrls,
	}
}

func (o *Options) setDefaults() {
	if o.CacheFreshness <= 0 {
		o.CacheFreshness = 5 * time.Minute
	}
	if o.QuickTimeout <= 0 {
		o.QuickTimeout = 2 * time.Second
	}
	if o.DeepTimeout <= 0 {
		o.DeepTimeout = 5 * time.Second
	}
	if o.DeepThreshold <= 0 {
		o.DeepThreshold = 80
	}
	if o.DeepBytes <= 0 {
		o.DeepBytes = 10 * 1024
	}
	if o.RatePerHost <= 0 {
		o.RatePerHost = 10
	}
}

// Prober runs layered tests. Concurrent tests of the same URL share one
// network round trip, and every host gets its own request rate limit.
type Prober struct {
	client   client.Doer
	store    Store
	clock    clock.Clock
	opts     Options
	buffers  *buffer.BufferPool
	limiters *xsync.MapOf[string, ratelimit.Limiter]
	group    singleflight.Group
}

// New creates a prober. store may be nil, which disables layer 1 and history
// updates.
func New(doer client.Doer, store Store, opts Options, clk clock.Clock) *Prober {
	opts.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Prober{
		client:   doer,
		store:    store,
		clock:    clk,
		opts:     opts,
		buffers:  buffer.NewBufferPool(opts.DeepBytes),
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Test probes url. callerPriority gates the deep layer.
func (p *Prober) Test(ctx context.Context, rawURL string, callerPriority float64) types.LayeredTestResult {
	start := time.Now()

	// layer 1
	var cached *types.CacheLayerResult
	if p.store != nil {
		if info, ok := p.store.Get(rawURL); ok {
			age := p.clock.Since(info.LastTestTime)
			cached = &types.CacheLayerResult{
				Hit:       true,
				Fresh:     age <= p.opts.CacheFreshness,
				Available: info.LastResult.Available,
				Score:     info.LastResult.Score,
				Age:       age,
			}
			if cached.Fresh {
				metrics.ProbesTotal.WithLabelValues(types.LayerCache.String(), "cached").Inc()
				return types.LayeredTestResult{
					URL:            rawURL,
					Available:      cached.Available,
					FinalScore:     cached.Score,
					TestDurationMs: time.Since(start).Milliseconds(),
					LayersUsed:     []types.Layer{types.LayerCache},
					Cache:          cached,
				}
			}
		}
	}

	deep := p.opts.DeepEnabled && callerPriority >= p.opts.DeepThreshold
	key := rawURL
	if deep {
		key += "|deep"
	}

	v, _, _ := p.group.Do(key, func() (interface{}, error) {
		return p.network(ctx, rawURL, deep, cached, start), nil
	})
	return v.(types.LayeredTestResult)
}

// network runs layers 2 and 3 and records the outcome.
func (p *Prober) network(ctx context.Context, rawURL string, deep bool, cached *types.CacheLayerResult, start time.Time) types.LayeredTestResult {
	res := types.LayeredTestResult{
		URL:        rawURL,
		LayersUsed: []types.Layer{types.LayerCache, types.LayerQuick},
		Cache:      cached,
	}
	if cached == nil {
		res.LayersUsed = res.LayersUsed[1:]
	}

	quick := p.quick(ctx, rawURL)
	res.Quick = &quick
	p.countLayer(types.LayerQuick, quick.Available)

	errKind := quick.ErrorKind
	if quick.Available {
		res.Available = true
		res.FinalScore = quick.Score

		if deep {
			d := p.deep(ctx, rawURL)
			res.Deep = &d
			res.LayersUsed = append(res.LayersUsed, types.LayerDeep)
			p.countLayer(types.LayerDeep, d.Available)

			if d.Available {
				res.FinalScore = quick.Score*quickWeight + d.Score*deepWeight
			} else {
				res.Available = false
				res.FinalScore = 0
				errKind = d.ErrorKind
			}
		}
	}

	elapsed := time.Since(start)
	res.TestDurationMs = elapsed.Milliseconds()
	metrics.ProbeDuration.Observe(elapsed.Seconds())

	if p.store != nil {
		p.store.Record(rawURL, performance.Sample{
			Success:    res.Available,
			LoadTimeMs: res.TestDurationMs,
			Score:      res.FinalScore,
			PingMs:     quick.LatencyMs,
			ErrorKind:  errKind,
		})
	}

	logger.Debug("{probe - Test} %s available=%v score=%.1f layers=%v in %dms",
		utils.LogURL(p.opts.ObfuscateURLs, rawURL), res.Available, res.FinalScore, res.LayersUsed, res.TestDurationMs)

	return res
}

// countLayer feeds the per-layer probe counter.
func (p *Prober) countLayer(l types.Layer, available bool) {
	outcome := "unavailable"
	if available {
		outcome = "available"
	}
	metrics.ProbesTotal.WithLabelValues(l.String(), outcome).Inc()
}

// limiter returns the per-host limiter, creating it on first use.
func (p *Prober) limiter(rawURL string) ratelimit.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	l, _ := p.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(p.opts.RatePerHost)
	})
	return l
}

// quick is layer 2: HEAD under a short timeout. Servers that refuse HEAD get a
// one byte ranged GET instead.
func (p *Prober) quick(parent context.Context, rawURL string) types.QuickLayerResult {
	ctx, cancel := context.WithTimeout(parent, p.opts.QuickTimeout)
	defer cancel()

	p.limiter(rawURL).Take()

	start := time.Now()
	status, err := p.status(ctx, http.MethodHead, rawURL, "")
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = p.status(ctx, http.MethodGet, rawURL, "bytes=0-0")
	}
	latency := measuredMs(time.Since(start))

	if err != nil {
		return types.QuickLayerResult{LatencyMs: latency, ErrorKind: classify(ctx, err), Error: err.Error()}
	}
	if status >= http.StatusBadRequest {
		return types.QuickLayerResult{
			LatencyMs:  latency,
			StatusCode: status,
			ErrorKind:  types.KindHTTPStatus,
			Error:      fmt.Sprintf("status %d", status),
		}
	}

	return types.QuickLayerResult{
		Available:  true,
		Score:      priority.SpeedScore(latency),
		LatencyMs:  latency,
		StatusCode: status,
	}
}

// status issues one request and returns the HTTP status. At most 512 body
// bytes are drained so the connection can be reused.
func (p *Prober) status(ctx context.Context, method, rawURL, rangeHeader string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// measuredMs turns a measured duration into milliseconds, never zero, so a
// measured latency is distinguishable from "never measured".
func measuredMs(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

// classify maps a request error onto an ErrorKind. A deadline is a timeout,
// a cancelled parent is an abort, anything else is a network failure.
func classify(ctx context.Context, err error) types.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.KindTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return types.KindAborted
	default:
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return types.KindTimeout
		}
		return types.KindNetwork
	}
}
