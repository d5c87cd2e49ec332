package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"kptv-failover/work/priority"
	"kptv-failover/work/types"

	"github.com/grafov/m3u8"
)

// deep sub-score weights
const (
	bandwidthWeight = 0.7
	latencyWeight   = 0.3
)

// QualityFor maps a measured bandwidth to the playback tier it can sustain.
func QualityFor(mbps float64) types.QualityTier {
	switch {
	case mbps > 10:
		return types.Quality4K
	case mbps > 5:
		return types.Quality2K
	case mbps > 3:
		return types.Quality1080p
	case mbps > 1.5:
		return types.Quality720p
	case mbps > 0.5:
		return types.Quality480p
	default:
		return types.QualitySD
	}
}

// DeepScore combines bandwidth (saturating at 10 Mbps) and time to first byte.
func DeepScore(mbps float64, ttfbMs int64) float64 {
	bw := math.Min(100, mbps/10*100)
	if bw < 0 {
		bw = 0
	}
	return bw*bandwidthWeight + priority.SpeedScore(ttfbMs)*latencyWeight
}

// deep is layer 3: a ranged GET of the first DeepBytes, timed end to end.
func (p *Prober) deep(parent context.Context, rawURL string) types.DeepLayerResult {
	ctx, cancel := context.WithTimeout(parent, p.opts.DeepTimeout)
	defer cancel()

	p.limiter(rawURL).Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return types.DeepLayerResult{ErrorKind: types.KindMalformed, Error: err.Error()}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.opts.DeepBytes-1))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return types.DeepLayerResult{ErrorKind: classify(ctx, err), Error: err.Error()}
	}
	defer resp.Body.Close()
	ttfb := measuredMs(time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		return types.DeepLayerResult{
			LatencyMs: ttfb,
			ErrorKind: types.KindHTTPStatus,
			Error:     fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	buf, err := p.buffers.ReadLimited(resp.Body, p.opts.DeepBytes)
	if err != nil {
		return types.DeepLayerResult{LatencyMs: ttfb, ErrorKind: classify(ctx, err), Error: err.Error()}
	}
	defer p.buffers.Put(buf)

	elapsed := time.Since(start)
	if buf.Len() == 0 {
		return types.DeepLayerResult{LatencyMs: ttfb, ErrorKind: types.KindEmpty, Error: "empty body"}
	}

	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = time.Microsecond.Seconds()
	}
	mbps := float64(buf.Len()) * 8 / seconds / 1e6

	res := types.DeepLayerResult{
		Available:     true,
		BandwidthMbps: mbps,
		Quality:       QualityFor(mbps),
		Score:         DeepScore(mbps, ttfb),
		LatencyMs:     ttfb,
		BytesRead:     buf.Len(),
	}
	inspectPlaylist(buf.B, &res)

	return res
}

// inspectPlaylist fills the HLS details when the body is a playlist. A body
// cut short by the byte range may not decode; that leaves the fields empty.
func inspectPlaylist(body []byte, res *types.DeepLayerResult) {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("#EXTM3U")) {
		return
	}

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err != nil {
		return
	}

	switch listType {
	case m3u8.MEDIA:
		res.Playlist = "media"

	case m3u8.MASTER:
		res.Playlist = "master"
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return
		}
		for _, variant := range master.Variants {
			if variant == nil {
				break
			}
			res.Variants++
			if variant.Bandwidth > res.MaxVariantBitrate {
				res.MaxVariantBitrate = variant.Bandwidth
				res.Resolution = variant.Resolution
			}
		}
	}
}
