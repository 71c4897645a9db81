package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	WindowSize string
	// Path overrides browser detection.
	Path     string
	Headless bool
	// AllowOrigins is passed to --remote-allow-origins; empty means the
	// local agent only.
	AllowOrigins string
	ExtraArgs    []string
	// ReadyTimeout bounds the wait for the CDP endpoint after launch.
	ReadyTimeout time.Duration
}

// VersionInfo is the subset of /json/version the launcher reads.
type VersionInfo struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
}

// Launcher starts a browser for the agent or adopts one already serving CDP.
type Launcher struct {
	cfg     Config
	cmd     *exec.Cmd
	running bool
	client  *http.Client
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1280,900"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.AllowOrigins == "" {
		cfg.AllowOrigins = fmt.Sprintf("http://%s:%d", cfg.CDPAddress, cfg.CDPPort)
	}
	return &Launcher{cfg: cfg, client: &http.Client{Timeout: time.Second}}
}

func detectBrowser(override string) (string, error) {
	if override != "" {
		path, err := exec.LookPath(override)
		if err != nil {
			return "", fmt.Errorf("browser %q: %w", override, err)
		}
		return path, nil
	}
	candidates := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (set SLOTHTAB_BROWSER_PATH)")
}

func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Launch starts the browser unless a CDP endpoint already answers on the
// configured port. A port held by something that is not CDP is an error.
func (l *Launcher) Launch(ctx context.Context) error {
	if isPortInUse(l.cfg.CDPAddress, l.cfg.CDPPort) {
		info, err := l.probe(ctx)
		if err != nil {
			return fmt.Errorf("port %d is in use but does not serve CDP: %w", l.cfg.CDPPort, err)
		}
		slog.Info("Adopting running browser", "browser", info.Browser, "protocol", info.ProtocolVersion, "port", l.cfg.CDPPort)
		return nil
	}

	browserPath, err := detectBrowser(l.cfg.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(browserPath, l.args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	slog.Info("Browser process started", "path", browserPath, "pid", l.cmd.Process.Pid, "headless", l.cfg.Headless)

	info, err := l.waitForCDP(ctx)
	if err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "browser", info.Browser, "address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
	return nil
}

// args keeps other extensions out of the request pipeline and forces
// cross-site iframes into their own targets, which the agent attaches to.
func (l *Launcher) args() []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.cfg.CDPPort),
		fmt.Sprintf("--remote-debugging-address=%s", l.cfg.CDPAddress),
		fmt.Sprintf("--remote-allow-origins=%s", l.cfg.AllowOrigins),
		fmt.Sprintf("--user-data-dir=%s", l.cfg.ProfileDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-extensions",
		"--site-per-process",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
		fmt.Sprintf("--window-size=%s", l.cfg.WindowSize),
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, l.cfg.ExtraArgs...)
	if l.cfg.StartURL != "" {
		args = append(args, l.cfg.StartURL)
	}
	return args
}

func (l *Launcher) probe(ctx context.Context) (VersionInfo, error) {
	url := fmt.Sprintf("http://%s:%d/json/version", l.cfg.CDPAddress, l.cfg.CDPPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return VersionInfo{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return VersionInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("%s returned %s", url, resp.Status)
	}
	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return VersionInfo{}, fmt.Errorf("decode %s: %w", url, err)
	}
	return info, nil
}

// waitForCDP polls /json/version until it answers or ReadyTimeout passes.
func (l *Launcher) waitForCDP(ctx context.Context) (VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return VersionInfo{}, fmt.Errorf("CDP not ready within %s: %v", l.cfg.ReadyTimeout, lastErr)
		case <-ticker.C:
			info, err := l.probe(ctx)
			if err == nil {
				return info, nil
			}
			lastErr = err
		}
	}
}

func (l *Launcher) Running() bool {
	return l.running
}

// Stop terminates a browser this launcher started, SIGTERM then SIGKILL.
// An adopted browser is left alone.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	pid := l.cmd.Process.Pid
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Browser stopped", "pid", pid)
	case <-time.After(5 * time.Second):
		slog.Warn("Browser did not exit, killing", "pid", pid)
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.running = false
}
