package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"kptv-failover/work/client"
	"kptv-failover/work/logger"
	"kptv-failover/work/scheduler"
	"kptv-failover/work/selector"
	"kptv-failover/work/types"
)

const maxBodyBytes = 1 << 20

// Selection is the selection API served over HTTP.
type Selection interface {
	SelectProgressive(ctx context.Context, cands []types.SourceCandidate, opts ...selector.Option) (<-chan types.SourceResult, selector.Report)
	SelectFirstAvailable(ctx context.Context, cands []types.SourceCandidate, opts ...selector.Option) *types.SourceResult
	SelectBestSources(ctx context.Context, cands []types.SourceCandidate, n int, opts ...selector.Option) []types.SourceResult
}

// SelectResponse is the JSON body for non-streaming selections.
type SelectResponse struct {
	Mode    string               `json:"mode"`
	Result  *types.SourceResult  `json:"result,omitempty"`
	Results []types.SourceResult `json:"results,omitempty"`
	Report  *selector.Report     `json:"report,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers - writeJSON} encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleSelect runs a selection over the posted candidate array.
//
// Query parameters:
//   - mode: fast, balanced or comprehensive (default fast when n is unset)
//   - n: return the best n available sources
//   - stream=1: write every result as one NDJSON line as soon as it is known
//   - advanced=1: also collapse candidates by base domain
//   - concurrency: probes per batch
//   - min: available sources that end a balanced run
//   - exclude: URL already tried, repeatable
func HandleSelect(sel Selection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cands []types.SourceCandidate
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cands); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid candidate list: %v", err))
			return
		}

		q := r.URL.Query()
		var opts []selector.Option

		n := 0
		if raw := q.Get("n"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
				return
			}
			n = v
		}

		mode := scheduler.ModeFast
		if n > 0 {
			mode = scheduler.ModeBalanced
		}
		if raw := q.Get("mode"); raw != "" {
			m, err := scheduler.ParseMode(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			mode = m
		}
		opts = append(opts, selector.WithMode(mode))

		if raw := q.Get("concurrency"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				writeError(w, http.StatusBadRequest, "concurrency must be a positive integer")
				return
			}
			opts = append(opts, selector.WithConcurrency(v))
		}

		if raw := q.Get("min"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				writeError(w, http.StatusBadRequest, "min must be a positive integer")
				return
			}
			opts = append(opts, selector.WithMinAvailable(v))
		}

		if on, _ := strconv.ParseBool(q.Get("advanced")); on {
			opts = append(opts, selector.WithAdvanced(true))
		}
		if ex := q["exclude"]; len(ex) > 0 {
			opts = append(opts, selector.WithExclude(ex...))
		}

		if stream, _ := strconv.ParseBool(q.Get("stream")); stream {
			streamResults(w, r, sel, cands, opts)
			return
		}

		switch {
		case n > 0:
			writeJSON(w, http.StatusOK, SelectResponse{Mode: string(mode), Results: sel.SelectBestSources(r.Context(), cands, n, opts...)})
		case mode == scheduler.ModeFast:
			res := sel.SelectFirstAvailable(r.Context(), cands, opts...)
			if res == nil {
				writeError(w, http.StatusServiceUnavailable, "no available source")
				return
			}
			writeJSON(w, http.StatusOK, SelectResponse{Mode: string(mode), Result: res})
		default:
			ch, report := sel.SelectProgressive(r.Context(), cands, opts...)
			writeJSON(w, http.StatusOK, SelectResponse{Mode: string(mode), Results: scheduler.Collect(ch), Report: &report})
		}
	}
}

// streamResults writes the selection report as the first line, then one line
// per result. A client that disconnects ends the stream; probes in flight
// still finish.
func streamResults(w http.ResponseWriter, r *http.Request, sel Selection, cands []types.SourceCandidate, opts []selector.Option) {
	crw := client.NewCustomResponseWriter(w)
	crw.Header().Set("Content-Type", "application/x-ndjson")
	crw.WriteHeader(http.StatusOK)

	ch, report := sel.SelectProgressive(r.Context(), cands, opts...)
	enc := json.NewEncoder(crw)

	if err := enc.Encode(map[string]any{"report": report}); err != nil {
		logger.Debug("{handlers - streamResults} client gone: %v", err)
		for range ch {
		}
		return
	}
	crw.Flush()

	for res := range ch {
		if err := enc.Encode(res); err != nil {
			logger.Debug("{handlers - streamResults} client gone: %v", err)
			for range ch {
			}
			return
		}
		crw.Flush()
	}
}
