package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kptv-failover/work/logger"
	"kptv-failover/work/utils"

	"github.com/fsnotify/fsnotify"
)

// DefaultConfigPath is where the daemon looks for its settings unless
// KPTV_FAILOVER_CONFIG points somewhere else.
const DefaultConfigPath = "/settings/config.json"

// Config holds all tunables of the selection and failover engine.
type Config struct {
	ListenAddr    string `json:"listenAddr"`    // HTTP address of the selection/admin API
	Debug         bool   `json:"debug"`         // Enable debug logging
	LogLevel      string `json:"logLevel"`      // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls bool   `json:"obfuscateUrls"` // Obfuscate URLs in logs for security

	// persistence
	StoreBackend string `json:"storeBackend"` // memory, file or sqlite
	StorePath    string `json:"storePath"`    // directory (file) or database file (sqlite)

	// performance store
	StoreTTL          time.Duration `json:"storeTTL"`          // entries older than this are treated as absent
	MaxStoreEntries   int           `json:"maxStoreEntries"`   // LRU cap on tracked URLs
	BlacklistDuration time.Duration `json:"blacklistDuration"` // blacklist auto-expiry

	// scoring / queue
	BasePriority float64 `json:"basePriority"` // priority for candidates without history

	// prober
	CacheFreshness    time.Duration `json:"cacheFreshness"`    // layer 1 decisive age
	QuickTimeout      time.Duration `json:"quickTimeout"`      // layer 2 HEAD timeout
	DeepEnabled       bool          `json:"deepEnabled"`       // allow layer 3 at all
	DeepTimeout       time.Duration `json:"deepTimeout"`       // layer 3 ranged GET timeout
	DeepThreshold     float64       `json:"deepThreshold"`     // minimum caller priority for layer 3
	DeepBytes         int           `json:"deepBytes"`         // bytes requested by layer 3
	ProbeRatePerHost  int           `json:"probeRatePerHost"`  // requests per second per host
	UserAgent         string        `json:"userAgent"`         // HTTP User-Agent header for probes
	ReqOrigin         string        `json:"reqOrigin"`         // HTTP Origin header for probes
	ReqReferrer       string        `json:"reqReferrer"`       // HTTP Referer header for probes
	WorkerThreads     int           `json:"workerThreads"`     // ants pool size for probe tasks
	MaxConcurrency    int           `json:"maxConcurrency"`    // scheduler batch size
	MinAvailable      int           `json:"minAvailable"`      // balanced mode stop threshold
	DefaultMode       string        `json:"defaultMode"`       // fast, balanced or comprehensive
	AdvancedDedupe    bool          `json:"advancedDedupe"`    // also collapse by base domain
	NormalizeCacheTTL time.Duration `json:"normalizeCacheTTL"` // memoized URL normalization lifetime

	// decision maker
	Cooldown       time.Duration `json:"cooldown"`
	MinAttemptTime time.Duration `json:"minAttemptTime"`
	ErrorThreshold int           `json:"errorThreshold"`
	ForceTimeout   time.Duration `json:"forceTimeout"`

	// executor / live failover
	SwapTimeout       time.Duration `json:"swapTimeout"`
	ReadyTimeout      time.Duration `json:"readyTimeout"`
	PollInterval      time.Duration `json:"pollInterval"`
	LoadTimeout       time.Duration `json:"loadTimeout"`
	MaxSwitchAttempts int           `json:"maxSwitchAttempts"`
	HistorySize       int           `json:"historySize"`
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30m") are parsed into time.Duration values.
type ConfigFile struct {
	ListenAddr    string `json:"listenAddr"`
	Debug         bool   `json:"debug"`
	LogLevel      string `json:"logLevel"`
	ObfuscateUrls bool   `json:"obfuscateUrls"`

	StoreBackend string `json:"storeBackend"`
	StorePath    string `json:"storePath"`

	StoreTTL          string `json:"storeTTL"` // Duration as string (e.g., "30m")
	MaxStoreEntries   int    `json:"maxStoreEntries"`
	BlacklistDuration string `json:"blacklistDuration"`

	BasePriority float64 `json:"basePriority"`

	CacheFreshness    string  `json:"cacheFreshness"`
	QuickTimeout      string  `json:"quickTimeout"`
	DeepEnabled       *bool   `json:"deepEnabled"` // unset means enabled
	DeepTimeout       string  `json:"deepTimeout"`
	DeepThreshold     float64 `json:"deepThreshold"`
	DeepBytes         int     `json:"deepBytes"`
	ProbeRatePerHost  int     `json:"probeRatePerHost"`
	UserAgent         string  `json:"userAgent"`
	ReqOrigin         string  `json:"reqOrigin"`
	ReqReferrer       string  `json:"reqReferrer"`
	WorkerThreads     int     `json:"workerThreads"`
	MaxConcurrency    int     `json:"maxConcurrency"`
	MinAvailable      int     `json:"minAvailable"`
	DefaultMode       string  `json:"defaultMode"`
	AdvancedDedupe    bool    `json:"advancedDedupe"`
	NormalizeCacheTTL string  `json:"normalizeCacheTTL"`

	Cooldown       string `json:"cooldown"`
	MinAttemptTime string `json:"minAttemptTime"`
	ErrorThreshold int    `json:"errorThreshold"`
	ForceTimeout   string `json:"forceTimeout"`

	SwapTimeout       string `json:"swapTimeout"`
	ReadyTimeout      string `json:"readyTimeout"`
	PollInterval      string `json:"pollInterval"`
	LoadTimeout       string `json:"loadTimeout"`
	MaxSwitchAttempts int    `json:"maxSwitchAttempts"`
	HistorySize       int    `json:"historySize"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// Path returns the config file location, honoring KPTV_FAILOVER_CONFIG.
func Path() string {
	if p := os.Getenv("KPTV_FAILOVER_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from Path().
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := Path()
	config, err := LoadFile(configPath)
	if err != nil {
		logger.Warn("{config - LoadConfig} failed to load config from %s: %v", configPath, err)
		logger.Warn("{config - LoadConfig} falling back to default configuration")
		config = getDefaultConfig()
	}

	configCache = config

	if config.Debug {
		logger.Debug("{config - LoadConfig} configuration loaded")
		logger.Debug("{config - LoadConfig}   store: %s (%s)", config.StoreBackend, utils.LogURL(config.ObfuscateUrls, config.StorePath))
		logger.Debug("{config - LoadConfig}   scheduler: mode=%s concurrency=%d minAvailable=%d",
			config.DefaultMode, config.MaxConcurrency, config.MinAvailable)
		logger.Debug("{config - LoadConfig}   decision: cooldown=%v minAttempt=%v errors=%d force=%v",
			config.Cooldown, config.MinAttemptTime, config.ErrorThreshold, config.ForceTimeout)
	}

	return config
}

// LoadFile reads, converts and validates one config file without touching the
// cache.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}

	validateAndSetDefaults(config)
	return config, nil
}

// parseDuration parses an optional duration string; empty means "use default".
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:        cf.ListenAddr,
		Debug:             cf.Debug,
		LogLevel:          cf.LogLevel,
		ObfuscateUrls:     cf.ObfuscateUrls,
		StoreBackend:      cf.StoreBackend,
		StorePath:         cf.StorePath,
		MaxStoreEntries:   cf.MaxStoreEntries,
		BasePriority:      cf.BasePriority,
		DeepEnabled:       cf.DeepEnabled == nil || *cf.DeepEnabled,
		DeepThreshold:     cf.DeepThreshold,
		DeepBytes:         cf.DeepBytes,
		ProbeRatePerHost:  cf.ProbeRatePerHost,
		UserAgent:         cf.UserAgent,
		ReqOrigin:         cf.ReqOrigin,
		ReqReferrer:       cf.ReqReferrer,
		WorkerThreads:     cf.WorkerThreads,
		MaxConcurrency:    cf.MaxConcurrency,
		MinAvailable:      cf.MinAvailable,
		DefaultMode:       cf.DefaultMode,
		AdvancedDedupe:    cf.AdvancedDedupe,
		ErrorThreshold:    cf.ErrorThreshold,
		MaxSwitchAttempts: cf.MaxSwitchAttempts,
		HistorySize:       cf.HistorySize,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"storeTTL", cf.StoreTTL, &config.StoreTTL},
		{"blacklistDuration", cf.BlacklistDuration, &config.BlacklistDuration},
		{"cacheFreshness", cf.CacheFreshness, &config.CacheFreshness},
		{"quickTimeout", cf.QuickTimeout, &config.QuickTimeout},
		{"deepTimeout", cf.DeepTimeout, &config.DeepTimeout},
		{"normalizeCacheTTL", cf.NormalizeCacheTTL, &config.NormalizeCacheTTL},
		{"cooldown", cf.Cooldown, &config.Cooldown},
		{"minAttemptTime", cf.MinAttemptTime, &config.MinAttemptTime},
		{"forceTimeout", cf.ForceTimeout, &config.ForceTimeout},
		{"swapTimeout", cf.SwapTimeout, &config.SwapTimeout},
		{"readyTimeout", cf.ReadyTimeout, &config.ReadyTimeout},
		{"pollInterval", cf.PollInterval, &config.PollInterval},
		{"loadTimeout", cf.LoadTimeout, &config.LoadTimeout},
	}

	for _, d := range durations {
		parsed, err := parseDuration(d.name, d.value)
		if err != nil {
			return nil, err
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	config := &Config{DeepEnabled: true}
	validateAndSetDefaults(config)
	return config
}

// Default returns a fresh copy of the built-in configuration.
func Default() *Config {
	return getDefaultConfig()
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
		if config.Debug {
			config.LogLevel = "DEBUG"
		}
	}
	switch config.StoreBackend {
	case "memory", "file", "sqlite":
	default:
		config.StoreBackend = "file"
	}
	if config.StorePath == "" {
		switch config.StoreBackend {
		case "sqlite":
			config.StorePath = "/settings/failover.db"
		case "file":
			config.StorePath = "/settings/failover"
		}
	}
	if config.StoreTTL <= 0 {
		config.StoreTTL = 30 * time.Minute
	}
	if config.MaxStoreEntries <= 0 {
		config.MaxStoreEntries = 500
	}
	if config.BlacklistDuration <= 0 {
		config.BlacklistDuration = time.Hour
	}
	if config.BasePriority <= 0 || config.BasePriority > 100 {
		config.BasePriority = 50
	}
	if config.CacheFreshness <= 0 {
		config.CacheFreshness = 5 * time.Minute
	}
	if config.QuickTimeout <= 0 {
		config.QuickTimeout = 2 * time.Second
	}
	if config.DeepTimeout <= 0 {
		config.DeepTimeout = 5 * time.Second
	}
	if config.DeepThreshold <= 0 {
		config.DeepThreshold = 80
	}
	if config.DeepBytes <= 0 {
		config.DeepBytes = 10 * 1024
	}
	if config.ProbeRatePerHost <= 0 {
		config.ProbeRatePerHost = 10
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 16
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 6
	}
	if config.MinAvailable <= 0 {
		config.MinAvailable = 3
	}
	switch config.DefaultMode {
	case "fast", "balanced", "comprehensive":
	default:
		config.DefaultMode = "balanced"
	}
	if config.NormalizeCacheTTL <= 0 {
		config.NormalizeCacheTTL = 10 * time.Minute
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 10 * time.Second
	}
	if config.MinAttemptTime <= 0 {
		config.MinAttemptTime = 5 * time.Second
	}
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	if config.ForceTimeout < 0 {
		config.ForceTimeout = 0
	} else if config.ForceTimeout == 0 {
		config.ForceTimeout = 6 * time.Second
	}
	if config.SwapTimeout <= 0 {
		config.SwapTimeout = 2 * time.Second
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 5 * time.Second
	}
	if config.MaxSwitchAttempts <= 0 {
		config.MaxSwitchAttempts = 5
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	deep := true
	example := ConfigFile{
		ListenAddr:        ":8080",
		LogLevel:          "INFO",
		ObfuscateUrls:     true,
		StoreBackend:      "sqlite",
		StorePath:         "/settings/failover.db",
		StoreTTL:          "30m",
		MaxStoreEntries:   500,
		BlacklistDuration: "1h",
		BasePriority:      50,
		CacheFreshness:    "5m",
		QuickTimeout:      "2s",
		DeepEnabled:       &deep,
		DeepTimeout:       "5s",
		DeepThreshold:     80,
		DeepBytes:         10240,
		ProbeRatePerHost:  10,
		UserAgent:         "VLC/3.0.18 LibVLC/3.0.18",
		WorkerThreads:     16,
		MaxConcurrency:    6,
		MinAvailable:      3,
		DefaultMode:       "balanced",
		NormalizeCacheTTL: "10m",
		Cooldown:          "10s",
		MinAttemptTime:    "5s",
		ErrorThreshold:    3,
		ForceTimeout:      "6s",
		SwapTimeout:       "2s",
		ReadyTimeout:      "5s",
		PollInterval:      "1s",
		LoadTimeout:       "5s",
		MaxSwitchAttempts: 5,
		HistorySize:       100,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// Watch reloads the config whenever the file at path is written, created or
// renamed into place, and hands the fresh value to onChange. The directory is
// watched rather than the file so editors that replace the file atomically are
// still seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			cfg, err := LoadFile(path)
			if err != nil {
				logger.Warn("{config - Watch} ignoring invalid config change: %v", err)
				continue
			}

			configMutex.Lock()
			configCache = cfg
			configMutex.Unlock()

			logger.Info("{config - Watch} configuration reloaded from %s", path)
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("{config - Watch} watcher error: %v", err)
		}
	}
}
