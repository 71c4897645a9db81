package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/slothtab/internal/api"
	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/browser"
	"github.com/dgnsrekt/slothtab/internal/cdp"
	"github.com/dgnsrekt/slothtab/internal/config"
	"github.com/dgnsrekt/slothtab/internal/controller"
	"github.com/dgnsrekt/slothtab/internal/deferload"
	"github.com/dgnsrekt/slothtab/internal/intercept"
	"github.com/dgnsrekt/slothtab/internal/netutil"
	"github.com/dgnsrekt/slothtab/internal/protocol"
	"github.com/dgnsrekt/slothtab/internal/relay"
	"github.com/dgnsrekt/slothtab/internal/storage"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("Failed to load agent config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("Logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("slothtab config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"tab_url_filter", cfg.TabURLFilter,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"store", cfg.StoreKind,
		"store_path", cfg.StoreLocation(),
		"retry_tolerance_ms", cfg.RetryToleranceMS,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if code := run(cfg); code != 0 {
		os.Exit(code)
	}
}

func run(cfg *config.AgentConfig) int {
	ctx := context.Background()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
			Path:       cfg.BrowserPath,
			Headless:   cfg.Headless,
			ExtraArgs:  cfg.BrowserArgs,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("Failed to launch browser", "error", err)
			return 1
		}
		defer func() {
			if launcher.Running() {
				launcher.Stop()
			}
		}()
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.BindFallbacks, cfg.AutoFallback)
	if err != nil {
		slog.Error("Failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		return 1
	}
	bindAddr := ln.Addr().String()

	store, err := storage.Open(cfg.StoreKind, cfg.StoreLocation())
	if err != nil {
		slog.Error("Failed to open option store", "kind", cfg.StoreKind, "path", cfg.StoreLocation(), "error", err)
		_ = ln.Close()
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Debug("Option store close failed", "error", err)
		}
	}()

	state := authz.New(store)
	if err := state.Load(ctx); err != nil {
		slog.Error("Failed to load options", "error", err)
		_ = ln.Close()
		return 1
	}

	events := relay.NewBroker()
	engine := intercept.NewEngine(state, config.PlaceholderURL(bindAddr))
	svc := controller.NewService(state, engine, controller.Options{
		UserAgent:     cfg.FetchUserAgent,
		MaxFetchBytes: int64(cfg.FetchMaxBytes),
		Events:        events,
	})
	protoServer := protocol.NewServer(svc)

	cdpClient := cdp.NewClient(cdp.Options{
		CDPURL:       cfg.CDPURL(),
		TabURLFilter: cfg.TabURLFilter,
		EvalTimeout:  time.Duration(cfg.EvalTimeoutMS) * time.Millisecond,
		Loader: deferload.Options{
			RetryTolerance: time.Duration(cfg.RetryToleranceMS) * time.Millisecond,
		},
		Events: events,
	}, protoServer, state, engine, cdp.NewTabRegistry())

	// The placeholder must be served before the first request is redirected.
	srv := &http.Server{Handler: api.NewServer(svc, api.Transports{Protocol: protoServer, Events: events})}
	go func() {
		slog.Info("slothtab listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("slothtab server failed", "error", err)
		}
	}()

	svc.Bind(cdpClient)
	if err := cdpClient.Connect(ctx); err != nil {
		slog.Error("Failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		shutdown(srv)
		return 1
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	enabled := state.ExtensionEnabled()
	if err := engine.Start(ctx, cdpClient, enabled); err != nil {
		slog.Error("Failed to start interception", "enabled", enabled, "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	shutdown(srv)
	return 0
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("slothtab shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
