package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"kptv-failover/work/config"
	"kptv-failover/work/logger"
	"kptv-failover/work/middleware"
	"kptv-failover/work/performance"
	"kptv-failover/work/stats"
	"kptv-failover/work/types"
	"kptv-failover/work/utils"

	"github.com/gorilla/mux"
)

// StatsResponse is the admin overview.
type StatsResponse struct {
	Uptime        string        `json:"uptime"`
	MemoryUsage   string        `json:"memoryUsage"`
	TrackedURLs   int           `json:"trackedUrls"`
	Blacklisted   int           `json:"blacklisted"`
	StoreBackend  string        `json:"storeBackend"`
	DefaultMode   string        `json:"defaultMode"`
	Switches      stats.Summary `json:"switches"`
	WorkerThreads int           `json:"workerThreads"`
}

// SourceResponse is one tracked URL as shown to the admin.
type SourceResponse struct {
	URL               string  `json:"url"`
	Available         bool    `json:"available"`
	Blacklisted       bool    `json:"blacklisted"`
	UnavailableReason string  `json:"unavailableReason,omitempty"`
	HealthScore       float64 `json:"healthScore"`
	SuccessRate       float64 `json:"successRate"`
	AverageLoadTimeMs float64 `json:"averageLoadTimeMs"`
	PingMs            int64   `json:"pingMs"`
	Tests             int     `json:"tests"`
	LastTest          string  `json:"lastTest"`
}

// adminDeps is what the admin handlers read. cfg returns the live config so
// a hot reload is visible without re-registering routes.
type adminDeps struct {
	cfg    func() *config.Config
	store  *performance.Store
	ledger *stats.Ledger
}

// adminStartTime anchors the uptime reported by /stats.
var adminStartTime = time.Now()

// setupAdminRoutes registers the admin endpoints on router:
//   - GET /stats: store and switch overview
//   - GET /stats/history: switch records, newest first
//   - DELETE /stats/history: drop the switch history
//   - GET /sources: every tracked URL with its history
//   - DELETE /sources/blacklist: lift every blacklist
//   - POST /sources/forget: drop one URL's history
//
// Read routes are gzip-compressed; every route answers CORS preflights.
func setupAdminRoutes(router *mux.Router, d adminDeps) {
	router.HandleFunc("/stats", corsMiddleware(middleware.Gzip(handleGetStats(d)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/stats/history", corsMiddleware(middleware.Gzip(handleGetHistory(d)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/stats/history", corsMiddleware(handleClearHistory(d))).Methods("DELETE")
	router.HandleFunc("/sources", corsMiddleware(middleware.Gzip(handleGetSources(d)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/sources/blacklist", corsMiddleware(handleClearBlacklist(d))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/sources/forget", corsMiddleware(handleForgetSource(d))).Methods("POST", "OPTIONS")
}

// corsMiddleware opens the admin API to browser dashboards on other origins
// and short-circuits OPTIONS preflight requests with 200.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// writeJSON encodes v as the response body. An encoding failure is logged and
// answered with 500.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin_handlers - writeJSON} %v", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// handleGetStats reports process health alongside the store and ledger
// totals. Blacklisted counts only entries still inside their window.
func handleGetStats(d adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := d.cfg()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		blacklisted := 0
		snap := d.store.Snapshot()
		for _, info := range snap {
			if d.store.Blacklisted(info) {
				blacklisted++
			}
		}

		writeJSON(w, StatsResponse{
			Uptime:        formatDuration(time.Since(adminStartTime)),
			MemoryUsage:   formatBytes(m.Alloc),
			TrackedURLs:   len(snap),
			Blacklisted:   blacklisted,
			StoreBackend:  cfg.StoreBackend,
			DefaultMode:   cfg.DefaultMode,
			Switches:      d.ledger.Summary(5),
			WorkerThreads: cfg.WorkerThreads,
		})
	}
}

// handleGetHistory returns switch records newest first; ?limit caps the count.
func handleGetHistory(d adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = v
		}

		records := d.ledger.Recent(limit)
		obfuscate := d.cfg().ObfuscateUrls
		for i := range records {
			records[i].FromURL = utils.LogURL(obfuscate, records[i].FromURL)
			records[i].ToURL = utils.LogURL(obfuscate, records[i].ToURL)
		}
		writeJSON(w, records)
	}
}

// handleClearHistory empties the switch ledger.
func handleClearHistory(d adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.ledger.Reset()
		logger.Info("{admin_handlers - handleClearHistory} switch history cleared")
		writeJSON(w, map[string]string{"status": "success"})
	}
}

// handleGetSources lists every tracked URL ordered by URL. URLs are obfuscated
// when the config asks for it.
func handleGetSources(d adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obfuscate := d.cfg().ObfuscateUrls
		snap := d.store.Snapshot()

		out := make([]SourceResponse, 0, len(snap))
		for _, info := range snap {
			out = append(out, sourceResponse(info, d.store.Blacklisted(info), obfuscate))
		}
		writeJSON(w, out)
	}
}

// sourceResponse flattens one store entry. An entry whose blacklist window ran
// out reads as available even before the store rechecks it.
func sourceResponse(info types.CachedSourceInfo, blacklisted, obfuscate bool) SourceResponse {
	return SourceResponse{
		URL:               utils.LogURL(obfuscate, info.URL),
		Available:         info.IsAvailable || !blacklisted,
		Blacklisted:       blacklisted,
		UnavailableReason: info.UnavailableReason,
		HealthScore:       info.HealthScore,
		SuccessRate:       info.SuccessRate(),
		AverageLoadTimeMs: info.AverageLoadTimeMs,
		PingMs:            info.PingMs,
		Tests:             info.TestCount,
		LastTest:          info.LastTestTime.Format(time.RFC3339),
	}
}

// handleClearBlacklist lifts every blacklist and reports how many were lifted.
func handleClearBlacklist(d adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := d.store.ClearBlacklist()
		logger.Info("{admin_handlers - handleClearBlacklist} cleared %d blacklisted sources", n)
		writeJSON(w, map[string]any{"status": "success", "cleared": n})
	}
}

// handleForgetSource drops the history of one URL, given as {"url": "..."}.
func handleForgetSource(d adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.URL == "" {
			http.Error(w, "body must be {\"url\": \"...\"}", http.StatusBadRequest)
			return
		}
		d.store.Clear(req.URL)
		writeJSON(w, map[string]string{"status": "success"})
	}
}

// formatDuration renders d at the two coarsest units that matter: seconds,
// minutes, hours and minutes, or days and hours.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

// formatBytes renders b with a binary unit suffix (KB = 1024 B).
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
