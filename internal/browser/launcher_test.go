package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestLauncherArgs(t *testing.T) {
	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: 9333, ProfileDir: "/tmp/profile", StartURL: "https://example.com/", Headless: true, ExtraArgs: []string{"--lang=en"}})
	args := l.args()

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--remote-debugging-port=9333",
		"--remote-debugging-address=127.0.0.1",
		"--remote-allow-origins=http://127.0.0.1:9333",
		"--user-data-dir=/tmp/profile",
		"--disable-extensions",
		"--site-per-process",
		"--headless=new",
		"--lang=en",
		"--window-size=1280,900",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %s: %v", want, args)
		}
	}
	if args[len(args)-1] != "https://example.com/" {
		t.Fatalf("last arg = %q; want start URL", args[len(args)-1])
	}

	l = NewLauncher(Config{CDPPort: 9333, AllowOrigins: "*"})
	args = l.args()
	if last := args[len(args)-1]; strings.HasPrefix(last, "http") {
		t.Fatalf("start URL appended when unset: %q", last)
	}
	if joined := strings.Join(args, " "); !strings.Contains(joined, "--remote-allow-origins=*") || strings.Contains(joined, "--headless") {
		t.Fatalf("args = %v; want explicit origins and no headless flag", args)
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	if err != nil {
		t.Fatalf("split %s: %v", rawURL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func newVersionServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/126.0","Protocol-Version":"1.3"}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestWaitForCDPReady(t *testing.T) {
	host, port := splitHostPort(t, newVersionServer(t).URL)
	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ReadyTimeout: 5 * time.Second})
	info, err := l.waitForCDP(context.Background())
	if err != nil {
		t.Fatalf("waitForCDP() error = %v", err)
	}
	if info.Browser != "Chrome/126.0" || info.ProtocolVersion != "1.3" {
		t.Fatalf("waitForCDP() = %+v; want parsed version info", info)
	}
}

func TestWaitForCDPTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	host, port := splitHostPort(t, ts.URL)
	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ReadyTimeout: 600 * time.Millisecond})
	if _, err := l.waitForCDP(context.Background()); err == nil {
		t.Fatal("waitForCDP() succeeded against a server that never became ready")
	}
}

func TestLaunchAdoptsRunningBrowser(t *testing.T) {
	host, port := splitHostPort(t, newVersionServer(t).URL)
	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ProfileDir: t.TempDir()})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true for an adopted browser")
	}
}

func TestLaunchRejectsNonCDPPort(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	host, port := splitHostPort(t, ts.URL)
	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ProfileDir: t.TempDir()})
	if err := l.Launch(context.Background()); err == nil {
		t.Fatal("Launch() succeeded against a port that does not serve CDP")
	}
}

func TestStopWithoutProcess(t *testing.T) {
	l := NewLauncher(Config{})
	l.Stop()
	if l.Running() {
		t.Fatal("Running() = true for a launcher that never started")
	}
}
