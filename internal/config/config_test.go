package config

import (
	"reflect"
	"testing"
)

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent()
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.CDPURL() != "http://127.0.0.1:9222" {
		t.Fatalf("CDPURL() = %q", cfg.CDPURL())
	}
	if cfg.RetryToleranceMS != 3000 || cfg.StoreKind != "json" {
		t.Fatalf("cfg = %+v; want 3000ms tolerance and json store", cfg)
	}
	if !reflect.DeepEqual(cfg.BindFallbacks, []string{"127.0.0.1:8191", "127.0.0.1:8192"}) {
		t.Fatalf("BindFallbacks = %v", cfg.BindFallbacks)
	}
}

func TestLoadAgentFromEnv(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("SLOTHTAB_STORE", "SQLite")
	t.Setenv("SLOTHTAB_EVAL_TIMEOUT_MS", "10")
	t.Setenv("SLOTHTAB_LAUNCH_BROWSER", "true")
	t.Setenv("SLOTHTAB_BIND_FALLBACKS", " a:1, ,b:2 ")
	t.Setenv("SLOTHTAB_BROWSER_HEADLESS", "1")
	t.Setenv("SLOTHTAB_BROWSER_ARGS", "--lang=en  --mute-audio")

	cfg, err := LoadAgent()
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.CDPPort != 9333 || cfg.StoreKind != "sqlite" || !cfg.LaunchBrowser {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.EvalTimeoutMS != 1000 {
		t.Fatalf("EvalTimeoutMS = %d; want clamped to 1000", cfg.EvalTimeoutMS)
	}
	if !reflect.DeepEqual(cfg.BindFallbacks, []string{"a:1", "b:2"}) {
		t.Fatalf("BindFallbacks = %v", cfg.BindFallbacks)
	}
	if !cfg.Headless || !reflect.DeepEqual(cfg.BrowserArgs, []string{"--lang=en", "--mute-audio"}) {
		t.Fatalf("Headless = %v, BrowserArgs = %v", cfg.Headless, cfg.BrowserArgs)
	}
}

func TestLoadAgentRejectsInvalidValues(t *testing.T) {
	t.Setenv("SLOTHTAB_STORE", "redis")
	if _, err := LoadAgent(); err == nil {
		t.Fatal("LoadAgent() = nil error; want unknown store rejected")
	}
	t.Setenv("SLOTHTAB_STORE", "json")
	t.Setenv("SLOTHTAB_RETRY_TOLERANCE_MS", "-5")
	if _, err := LoadAgent(); err == nil {
		t.Fatal("LoadAgent() = nil error; want negative tolerance rejected")
	}
}

func TestLoadCtl(t *testing.T) {
	t.Setenv("SLOTHTAB_URL", "http://127.0.0.1:9000/")
	t.Setenv("SLOTHCTL_OUTPUT", "YAML")
	cfg, err := LoadCtl()
	if err != nil {
		t.Fatalf("LoadCtl() error = %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:9000" || cfg.Output != "yaml" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestPlaceholderURL(t *testing.T) {
	if got := PlaceholderURL("127.0.0.1:8190"); got != "http://127.0.0.1:8190/placeholder.png" {
		t.Fatalf("PlaceholderURL() = %q", got)
	}
}

func TestEnvHelpersIgnoreMalformedValues(t *testing.T) {
	t.Setenv("SLOTHTAB_TEST_INT", "abc")
	t.Setenv("SLOTHTAB_TEST_BOOL", "maybe")
	if got := getEnvIntOrDefault("SLOTHTAB_TEST_INT", 7); got != 7 {
		t.Fatalf("getEnvIntOrDefault() = %d; want 7", got)
	}
	if got := getEnvBoolOrDefault("SLOTHTAB_TEST_BOOL", true); !got {
		t.Fatal("getEnvBoolOrDefault() = false; want default true")
	}
}

func TestStoreLocation(t *testing.T) {
	tests := []struct {
		kind, path, want string
	}{
		{"json", "./data", "./data"},
		{"sqlite", "./data", "data/options.db"},
		{"sqlite", "./data/agent.sqlite", "./data/agent.sqlite"},
	}
	for _, tc := range tests {
		cfg := &AgentConfig{StoreKind: tc.kind, StorePath: tc.path}
		if got := cfg.StoreLocation(); got != tc.want {
			t.Fatalf("StoreLocation(%s, %s) = %q; want %q", tc.kind, tc.path, got, tc.want)
		}
	}
}
