package intercept

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/slothtab/internal/authz"
)

// Registrar installs and removes the request hook on the browser pipeline.
type Registrar interface {
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
}

// Engine is a two-state machine: Armed (hook registered) or Disarmed.
type Engine struct {
	auth           Authorizer
	placeholderURL string

	mu          sync.Mutex
	reg         Registrar
	armed       bool
	transitions int
}

// NewEngine returns a disarmed engine that redirects blocked requests to
// placeholderURL.
func NewEngine(auth Authorizer, placeholderURL string) *Engine {
	return &Engine{auth: auth, placeholderURL: placeholderURL}
}

// PlaceholderURL returns the URL blocked requests are redirected to.
func (e *Engine) PlaceholderURL() string { return e.placeholderURL }

// Start binds the registrar and sets the initial state: armed iff enabled.
func (e *Engine) Start(ctx context.Context, reg Registrar, enabled bool) error {
	e.mu.Lock()
	e.reg = reg
	e.mu.Unlock()
	return e.Sync(ctx, enabled)
}

// Sync moves the engine to Armed when enabled and Disarmed otherwise. Calling
// it with the current state is a no-op: no duplicate registration happens.
func (e *Engine) Sync(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked(ctx, enabled)
}

// Reconcile syncs to the value current reports, read under the engine lock.
// Concurrent toggles may run their change hooks in any order; the last one
// still leaves the engine matching the latest flag.
func (e *Engine) Reconcile(ctx context.Context, current func() bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked(ctx, current())
}

func (e *Engine) syncLocked(ctx context.Context, enabled bool) error {
	if e.armed == enabled {
		return nil
	}
	if e.reg == nil {
		e.armed = enabled
		e.transitions++
		return nil
	}

	var err error
	if enabled {
		err = e.reg.Register(ctx)
	} else {
		err = e.reg.Unregister(ctx)
	}
	if err != nil {
		slog.Error("Interception transition failed", "enabled", enabled, "error", err)
		return err
	}

	e.armed = enabled
	e.transitions++
	slog.Info("Interception transition", "armed", enabled, "transitions", e.transitions)
	return nil
}

// Armed reports whether the hook is currently registered.
func (e *Engine) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed
}

// Transitions returns the number of state changes since construction.
func (e *Engine) Transitions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitions
}

// Evaluate decides one intercepted request from tab.
func (e *Engine) Evaluate(tab authz.TabID, url string) Decision {
	d := Decide(e.auth, tab, url, e.placeholderURL)
	if d.Action == Block {
		slog.Debug("Blocked request", "tab_id", tab, "url", truncateURL(url))
	}
	return d
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
