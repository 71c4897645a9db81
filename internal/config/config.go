package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AgentConfig holds configuration for the slothtab agent.
type AgentConfig struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	TabURLFilter  string
	EvalTimeoutMS int

	// Browser launch
	LaunchBrowser bool
	ProfileDir    string
	StartURL      string
	BrowserPath   string
	Headless      bool
	BrowserArgs   []string

	// HTTP surface
	BindAddr      string
	BindFallbacks []string
	AutoFallback  bool

	// Option store
	StoreKind string
	StorePath string

	// Deferred loading
	RetryToleranceMS int
	FetchMaxBytes    int
	FetchUserAgent   string

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent configuration from environment variables and an
// optional .env file.
func LoadAgent() (*AgentConfig, error) {
	loadDotEnv()

	cfg := &AgentConfig{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		TabURLFilter:     getEnvOrDefault("SLOTHTAB_TAB_URL_FILTER", ""),
		EvalTimeoutMS:    getEnvIntOrDefault("SLOTHTAB_EVAL_TIMEOUT_MS", 5000),
		LaunchBrowser:    getEnvBoolOrDefault("SLOTHTAB_LAUNCH_BROWSER", false),
		ProfileDir:       getEnvOrDefault("SLOTHTAB_PROFILE_DIR", "./browser_profile"),
		StartURL:         getEnvOrDefault("SLOTHTAB_START_URL", "about:blank"),
		BrowserPath:      getEnvOrDefault("SLOTHTAB_BROWSER_PATH", ""),
		Headless:         getEnvBoolOrDefault("SLOTHTAB_BROWSER_HEADLESS", false),
		BrowserArgs:      strings.Fields(getEnvOrDefault("SLOTHTAB_BROWSER_ARGS", "")),
		BindAddr:         getEnvOrDefault("SLOTHTAB_BIND_ADDR", "127.0.0.1:8190"),
		BindFallbacks:    splitList(getEnvOrDefault("SLOTHTAB_BIND_FALLBACKS", "127.0.0.1:8191,127.0.0.1:8192")),
		AutoFallback:     getEnvBoolOrDefault("SLOTHTAB_BIND_AUTO_FALLBACK", true),
		StoreKind:        strings.ToLower(getEnvOrDefault("SLOTHTAB_STORE", "json")),
		StorePath:        getEnvOrDefault("SLOTHTAB_STORE_PATH", "./slothtab_data"),
		RetryToleranceMS: getEnvIntOrDefault("SLOTHTAB_RETRY_TOLERANCE_MS", 3000),
		FetchMaxBytes:    getEnvIntOrDefault("SLOTHTAB_FETCH_MAX_BYTES", 32*1024*1024),
		FetchUserAgent:   getEnvOrDefault("SLOTHTAB_FETCH_USER_AGENT", "slothtab/1.0"),
		LogLevel:         strings.ToLower(getEnvOrDefault("SLOTHTAB_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("SLOTHTAB_LOG_FILE", "logs/slothtab.log"),
	}

	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.RetryToleranceMS <= 0 {
		return nil, fmt.Errorf("SLOTHTAB_RETRY_TOLERANCE_MS must be positive, got %d", cfg.RetryToleranceMS)
	}
	switch cfg.StoreKind {
	case "json", "file", "sqlite":
	default:
		return nil, fmt.Errorf("SLOTHTAB_STORE must be json or sqlite, got %q", cfg.StoreKind)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote allocator.
func (c *AgentConfig) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// StoreLocation is the path handed to the option store. The sqlite store
// wants a database file; a bare directory gets options.db inside it.
func (c *AgentConfig) StoreLocation() string {
	if c.StoreKind == "sqlite" && filepath.Ext(c.StorePath) == "" {
		return filepath.Join(c.StorePath, "options.db")
	}
	return c.StorePath
}

// PlaceholderURL returns the URL blocked requests are redirected to once the
// HTTP surface listens on bindAddr.
func PlaceholderURL(bindAddr string) string {
	return "http://" + bindAddr + "/placeholder.png"
}

// CtlConfig holds configuration for the slothctl CLI.
type CtlConfig struct {
	BaseURL   string
	TimeoutMS int
	Output    string
}

// LoadCtl reads CLI configuration. Flags override these values.
func LoadCtl() (*CtlConfig, error) {
	loadDotEnv()

	cfg := &CtlConfig{
		BaseURL:   strings.TrimRight(getEnvOrDefault("SLOTHTAB_URL", "http://127.0.0.1:8190"), "/"),
		TimeoutMS: getEnvIntOrDefault("SLOTHCTL_TIMEOUT_MS", 10000),
		Output:    strings.ToLower(getEnvOrDefault("SLOTHCTL_OUTPUT", "text")),
	}
	if cfg.TimeoutMS < 100 {
		cfg.TimeoutMS = 100
	}
	return cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
