package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration for the playback engine daemon.
// It covers the channel catalog source, probing, proxy relay policy, resume
// persistence, signed-URL renewal, and per-engine runtime locations.
type Config struct {
	ListenAddr              string        `json:"listenAddr"`              // address the control API listens on
	BaseURL                 string        `json:"baseURL"`                 // externally visible base URL for links
	LogLevel                string        `json:"logLevel"`                // DEBUG, INFO, WARN or ERROR
	Debug                   bool          `json:"debug"`                   // enable debug logging
	ObfuscateUrls           bool          `json:"obfuscateUrls"`           // obfuscate stream URLs in logs
	CatalogURL              string        `json:"catalogURL"`              // channel catalog location (M3U8 playlist or JSON document)
	CatalogFormat           string        `json:"catalogFormat"`           // "m3u8" or "json"
	CatalogIncludeRegex     string        `json:"catalogIncludeRegex"`     // only channels matching this pattern are kept
	CatalogExcludeRegex     string        `json:"catalogExcludeRegex"`     // channels matching this pattern are dropped
	CatalogRefreshInterval  time.Duration `json:"catalogRefreshInterval"`  // interval for catalog re-fetch
	CacheDuration           time.Duration `json:"cacheDuration"`           // TTL for cached catalog and manifest fetches
	WorkerThreads           int           `json:"workerThreads"`           // goroutine pool size for background tasks
	ProbeTimeout            time.Duration `json:"probeTimeout"`            // abort timeout for a single probe request
	StreamTimeout           time.Duration `json:"streamTimeout"`           // timeout for manifest and segment fetches
	RelayOrigin             string        `json:"relayOrigin"`             // backup relay origin prefixed to proxied URLs
	BlockedHosts            []string      `json:"blockedHosts"`            // hosts known to reject direct client requests
	ResumeDBPath            string        `json:"resumeDBPath"`            // SQLite file for resume positions
	ResumeTTL               time.Duration `json:"resumeTTL"`               // age after which resume entries are treated as absent
	RenewalEndpoint         string        `json:"renewalEndpoint"`         // signed-URL renewal collaborator endpoint, empty to disable
	RenewalLeadTime         time.Duration `json:"renewalLeadTime"`         // safety lead time before URL expiry
	RenewalFallbackInterval time.Duration `json:"renewalFallbackInterval"` // renewal interval when no expiry is known
	ManifestPollInterval    time.Duration `json:"manifestPollInterval"`    // live playlist poll interval for the embedded and HLS adapters
	DeviceMemoryGiB         int           `json:"deviceMemoryGiB"`         // device memory hint for buffering profile, 0 = unknown
	BufferTargetSeconds     int           `json:"bufferTargetSeconds"`     // HLS engine buffer target on regular devices
	LowEndBufferSeconds     int           `json:"lowEndBufferSeconds"`     // HLS engine buffer target on low-end devices
	HostRateLimit           int           `json:"hostRateLimit"`           // per-host request rate limit for polling and probes
	UserAgent               string        `json:"userAgent"`               // HTTP User-Agent for upstream requests
	ReqOrigin               string        `json:"reqOrigin"`               // HTTP Origin header for upstream requests
	ReqReferrer             string        `json:"reqReferrer"`             // HTTP Referer header for upstream requests
	EmbeddedRuntimeURL      string        `json:"embeddedRuntimeURL"`      // versioned location of the embedded player runtime
	HLSRuntimeURL           string        `json:"hlsRuntimeURL"`           // versioned location of the segmented-streaming runtime
	DASHRuntimeURL          string        `json:"dashRuntimeURL"`          // versioned location of the DASH runtime
}

// ConfigFile mirrors Config for JSON unmarshaling, with durations carried as
// strings (e.g. "30s", "4m") and parsed into time.Duration afterwards.
type ConfigFile struct {
	ListenAddr              string   `json:"listenAddr"`
	BaseURL                 string   `json:"baseURL"`
	LogLevel                string   `json:"logLevel"`
	Debug                   bool     `json:"debug"`
	ObfuscateUrls           bool     `json:"obfuscateUrls"`
	CatalogURL              string   `json:"catalogURL"`
	CatalogFormat           string   `json:"catalogFormat"`
	CatalogIncludeRegex     string   `json:"catalogIncludeRegex"`
	CatalogExcludeRegex     string   `json:"catalogExcludeRegex"`
	CatalogRefreshInterval  string   `json:"catalogRefreshInterval"`
	CacheDuration           string   `json:"cacheDuration"`
	WorkerThreads           int      `json:"workerThreads"`
	ProbeTimeout            string   `json:"probeTimeout"`
	StreamTimeout           string   `json:"streamTimeout"`
	RelayOrigin             string   `json:"relayOrigin"`
	BlockedHosts            []string `json:"blockedHosts"`
	ResumeDBPath            string   `json:"resumeDBPath"`
	ResumeTTL               string   `json:"resumeTTL"`
	RenewalEndpoint         string   `json:"renewalEndpoint"`
	RenewalLeadTime         string   `json:"renewalLeadTime"`
	RenewalFallbackInterval string   `json:"renewalFallbackInterval"`
	ManifestPollInterval    string   `json:"manifestPollInterval"`
	DeviceMemoryGiB         int      `json:"deviceMemoryGiB"`
	BufferTargetSeconds     int      `json:"bufferTargetSeconds"`
	LowEndBufferSeconds     int      `json:"lowEndBufferSeconds"`
	HostRateLimit           int      `json:"hostRateLimit"`
	UserAgent               string   `json:"userAgent"`
	ReqOrigin               string   `json:"reqOrigin"`
	ReqReferrer             string   `json:"reqReferrer"`
	EmbeddedRuntimeURL      string   `json:"embeddedRuntimeURL"`
	HLSRuntimeURL           string   `json:"hlsRuntimeURL"`
	DASHRuntimeURL          string   `json:"dashRuntimeURL"`
}

var (
	configCache *Config      // cached configuration singleton
	configMutex sync.RWMutex // protects configCache
)

// LoadConfig loads the configuration from file or returns the cached
// instance. The config path defaults to /settings/config.json and can be
// overridden with the PLAYER_CONFIG environment variable. Missing or invalid
// files fall back to built-in defaults; all values pass through
// validateAndSetDefaults either way.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// double-check under the write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("PLAYER_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Catalog: %s (%s)", obfuscateURL(config.CatalogURL), config.CatalogFormat)
		log.Printf("  Relay origin: %s", config.RelayOrigin)
		log.Printf("  Blocked hosts: %d configured", len(config.BlockedHosts))
		log.Printf("  Resume DB: %s (TTL %s)", config.ResumeDBPath, config.ResumeTTL)
		log.Printf("  Renewal endpoint configured: %v", config.RenewalEndpoint != "")
	}

	return config
}

// loadFromFile reads and parses the configuration JSON file at path.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing all duration
// strings. Empty duration strings are left at zero and filled in by
// validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:          cf.ListenAddr,
		BaseURL:             cf.BaseURL,
		LogLevel:            cf.LogLevel,
		Debug:               cf.Debug,
		ObfuscateUrls:       cf.ObfuscateUrls,
		CatalogURL:          cf.CatalogURL,
		CatalogFormat:       cf.CatalogFormat,
		CatalogIncludeRegex: cf.CatalogIncludeRegex,
		CatalogExcludeRegex: cf.CatalogExcludeRegex,
		WorkerThreads:       cf.WorkerThreads,
		RelayOrigin:         cf.RelayOrigin,
		BlockedHosts:        cf.BlockedHosts,
		ResumeDBPath:        cf.ResumeDBPath,
		RenewalEndpoint:     cf.RenewalEndpoint,
		DeviceMemoryGiB:     cf.DeviceMemoryGiB,
		BufferTargetSeconds: cf.BufferTargetSeconds,
		LowEndBufferSeconds: cf.LowEndBufferSeconds,
		HostRateLimit:       cf.HostRateLimit,
		UserAgent:           cf.UserAgent,
		ReqOrigin:           cf.ReqOrigin,
		ReqReferrer:         cf.ReqReferrer,
		EmbeddedRuntimeURL:  cf.EmbeddedRuntimeURL,
		HLSRuntimeURL:       cf.HLSRuntimeURL,
		DASHRuntimeURL:      cf.DASHRuntimeURL,
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"catalogRefreshInterval", cf.CatalogRefreshInterval, &config.CatalogRefreshInterval},
		{"cacheDuration", cf.CacheDuration, &config.CacheDuration},
		{"probeTimeout", cf.ProbeTimeout, &config.ProbeTimeout},
		{"streamTimeout", cf.StreamTimeout, &config.StreamTimeout},
		{"resumeTTL", cf.ResumeTTL, &config.ResumeTTL},
		{"renewalLeadTime", cf.RenewalLeadTime, &config.RenewalLeadTime},
		{"renewalFallbackInterval", cf.RenewalFallbackInterval, &config.RenewalFallbackInterval},
		{"manifestPollInterval", cf.ManifestPollInterval, &config.ManifestPollInterval},
	}

	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration used when no config file
// is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":8080",
		BaseURL:       "http://localhost:8080",
		LogLevel:      "INFO",
		CatalogFormat: "m3u8",
	}
}

// validateAndSetDefaults ensures all config values are usable, filling in
// defaults for anything missing or invalid.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.CatalogFormat == "" {
		config.CatalogFormat = "m3u8"
	}
	if config.CatalogRefreshInterval <= 0 {
		config.CatalogRefreshInterval = 12 * time.Hour
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 30 * time.Minute
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 8 * time.Second
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 15 * time.Second
	}
	if config.ResumeDBPath == "" {
		config.ResumeDBPath = "/settings/resume.db"
	}
	if config.ResumeTTL <= 0 {
		config.ResumeTTL = 7 * 24 * time.Hour
	}
	if config.RenewalLeadTime <= 0 {
		config.RenewalLeadTime = 30 * time.Second
	}
	if config.RenewalFallbackInterval <= 0 {
		config.RenewalFallbackInterval = 4 * time.Minute
	}
	if config.ManifestPollInterval <= 0 {
		config.ManifestPollInterval = time.Minute
	}
	if config.BufferTargetSeconds <= 0 {
		config.BufferTargetSeconds = 30
	}
	if config.LowEndBufferSeconds <= 0 {
		config.LowEndBufferSeconds = 60
	}
	if config.HostRateLimit <= 0 {
		config.HostRateLimit = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if config.EmbeddedRuntimeURL == "" {
		config.EmbeddedRuntimeURL = "https://cdn.jsdelivr.net/npm/@clappr/player@0.11.3/dist/clappr.min.js"
	}
	if config.HLSRuntimeURL == "" {
		config.HLSRuntimeURL = "https://cdn.jsdelivr.net/npm/hls.js@1.5.13/dist/hls.min.js"
	}
	if config.DASHRuntimeURL == "" {
		config.DASHRuntimeURL = "https://cdn.jsdelivr.net/npm/dashjs@4.7.4/dist/dash.all.min.js"
	}
	// RelayOrigin and BlockedHosts may stay empty: proxying is then disabled
}

// CreateExampleConfig writes an example config file to path, mirroring the
// defaults with the fields most installations need to change.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenAddr:              ":8080",
		BaseURL:                 "http://localhost:8080",
		LogLevel:                "INFO",
		Debug:                   false,
		ObfuscateUrls:           true,
		CatalogURL:              "http://example.com/channels.m3u8",
		CatalogFormat:           "m3u8",
		CatalogRefreshInterval:  "12h",
		CacheDuration:           "30m",
		WorkerThreads:           8,
		ProbeTimeout:            "8s",
		StreamTimeout:           "15s",
		RelayOrigin:             "https://relay.example.com/fetch?url=",
		BlockedHosts:            []string{"blocked.example.com"},
		ResumeDBPath:            "/settings/resume.db",
		ResumeTTL:               "168h",
		RenewalEndpoint:         "",
		RenewalLeadTime:         "30s",
		RenewalFallbackInterval: "4m",
		ManifestPollInterval:    "1m",
		BufferTargetSeconds:     30,
		LowEndBufferSeconds:     60,
		HostRateLimit:           5,
		UserAgent:               "VLC/3.0.18 LibVLC/3.0.18",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the cached config, forcing a reload on the next
// LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for config logging. Duplicated
// here because the utils package depends on config.
func obfuscateURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
