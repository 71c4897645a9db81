// Package controller is the background service: it owns the authorization
// state and the interception engine, serves protocol messages from pages and
// control surfaces, and fetches real images on behalf of pages.
package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/dgnsrekt/slothtab/internal/assets"
	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/domain"
	"github.com/dgnsrekt/slothtab/internal/intercept"
	"github.com/dgnsrekt/slothtab/internal/protocol"
	"github.com/dgnsrekt/slothtab/internal/relay"
	"github.com/dgnsrekt/slothtab/internal/types"
)

const (
	defaultUserAgent     = "slothtab/1.0"
	defaultMaxFetchBytes = 32 << 20
)

// Browser is the view of the attached browser the service needs.
type Browser interface {
	types.TabInfoProvider
	ListTabs() []types.TabInfo
	ActiveTabID() (string, bool)
	Push(ctx context.Context, tabID string, kind protocol.Kind) error
}

// Options configures a Service.
type Options struct {
	HTTPClient    *http.Client
	UserAgent     string
	MaxFetchBytes int64
	Events        *relay.Broker
}

// Service serves the background side of the message protocol.
type Service struct {
	state    *authz.State
	engine   *intercept.Engine
	events   *relay.Broker
	client   *http.Client
	ua       string
	maxBytes int64

	mu      sync.RWMutex
	browser Browser
}

// NewService wires state changes of the enabled flag to the engine.
func NewService(state *authz.State, engine *intercept.Engine, opts Options) *Service {
	s := &Service{
		state:    state,
		engine:   engine,
		events:   opts.Events,
		client:   opts.HTTPClient,
		ua:       opts.UserAgent,
		maxBytes: opts.MaxFetchBytes,
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.ua == "" {
		s.ua = defaultUserAgent
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxFetchBytes
	}
	state.OnEnabledChange(func(bool) {
		if err := engine.Reconcile(context.Background(), state.ExtensionEnabled); err != nil {
			slog.Error("Failed to sync interception", "enabled", state.ExtensionEnabled(), "error", err)
		}
	})
	return s
}

// Bind attaches the browser once the CDP client is connected.
func (s *Service) Bind(b Browser) {
	s.mu.Lock()
	s.browser = b
	s.mu.Unlock()
}

func (s *Service) getBrowser() (Browser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.browser == nil {
		return nil, types.NewError(types.CodeCDPUnavailable, "browser not attached", nil)
	}
	return s.browser, nil
}

// resolveTab maps an empty id to the active tab.
func (s *Service) resolveTab(tabID string) (*types.TabInfo, error) {
	b, err := s.getBrowser()
	if err != nil {
		return nil, err
	}
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		active, ok := b.ActiveTabID()
		if !ok {
			return nil, types.NewError(types.CodeTabNotFound, "no active tab", nil)
		}
		tabID = active
	}
	info, ok := b.GetByStringID(tabID)
	if !ok {
		return nil, types.NewError(types.CodeTabNotFound, fmt.Sprintf("tab %q is not attached", tabID), nil)
	}
	return info, nil
}

// GetStatus returns the status of tabID, or of the active tab when empty.
// With no browser or no active tab the global flags are still reported.
func (s *Service) GetStatus(ctx context.Context, tabID string) (authz.Status, error) {
	info, err := s.resolveTab(tabID)
	if err != nil {
		if strings.TrimSpace(tabID) == "" {
			return s.state.Status(authz.NoTab), nil
		}
		return authz.Status{}, err
	}
	return s.state.Status(authz.TabID(info.TabID)), nil
}

// SetExtensionEnabled flips the global switch and reports whether it changed.
func (s *Service) SetExtensionEnabled(ctx context.Context, enabled bool) bool {
	changed := s.state.SetExtensionEnabled(ctx, enabled)
	if changed {
		s.events.PublishJSON(relay.TopicStatus, "", s.state.Status(authz.NoTab))
	}
	return changed
}

// SetSiteEnabled allows or denies the domain of a tab, durably.
func (s *Service) SetSiteEnabled(ctx context.Context, tabID string, allow bool) (authz.Status, error) {
	info, err := s.resolveTab(tabID)
	if err != nil {
		return authz.Status{}, err
	}
	tab := authz.TabID(info.TabID)
	s.state.SetSiteAllowed(ctx, tab, info.URL, allow)
	return s.afterToggle(ctx, tab), nil
}

// SetTabEnabled allows or denies a single tab for the session.
func (s *Service) SetTabEnabled(ctx context.Context, tabID string, allow bool) (authz.Status, error) {
	info, err := s.resolveTab(tabID)
	if err != nil {
		return authz.Status{}, err
	}
	tab := authz.TabID(info.TabID)
	s.state.SetTabOverridden(tab, allow)
	return s.afterToggle(ctx, tab), nil
}

// afterToggle tells the page whether its hover loader is still needed and
// announces the new status.
func (s *Service) afterToggle(ctx context.Context, tab authz.TabID) authz.Status {
	kind := protocol.KindShallRegister
	if s.state.IsTabExempt(tab) {
		kind = protocol.KindShallUnregister
	}
	s.push(ctx, string(tab), kind)
	status := s.state.Status(tab)
	s.events.PublishJSON(relay.TopicStatus, string(tab), status)
	return status
}

// Online answers a page's readiness signal: tabs outside allowedTabs are told
// to register the hover loader.
func (s *Service) Online(ctx context.Context, tabID string) {
	tab := authz.TabID(tabID)
	if tab == authz.NoTab || s.state.IsTabAllowed(tab) {
		return
	}
	s.push(ctx, tabID, protocol.KindShallRegister)
}

func (s *Service) push(ctx context.Context, tabID string, kind protocol.Kind) {
	b, err := s.getBrowser()
	if err != nil {
		return
	}
	if err := b.Push(ctx, tabID, kind); err != nil {
		slog.Warn("Failed to push to tab", "tab_id", tabID, "kind", kind, "error", err)
	}
}

// ListTabs returns the attached tabs with their authorization flags.
func (s *Service) ListTabs(ctx context.Context) ([]types.TabInfo, error) {
	b, err := s.getBrowser()
	if err != nil {
		return nil, err
	}
	tabs := b.ListTabs()
	for i := range tabs {
		tab := authz.TabID(tabs[i].TabID)
		if d, ok := domain.URLToDomain(tabs[i].URL); ok {
			tabs[i].Domain = d
		}
		tabs[i].Exempt = s.state.IsTabExempt(tab)
		tabs[i].LazyLoading = s.state.LazyLoading(tab)
	}
	return tabs, nil
}

// AllowedDomains returns the durable allow-list.
func (s *Service) AllowedDomains() []string {
	return s.state.AllowedDomains()
}

// Armed reports whether request interception is active.
func (s *Service) Armed() bool {
	return s.engine.Armed()
}

// Fetch downloads rawURL out of band and returns it as a data: URI. The
// request bypasses caches so the placeholder the browser already holds for
// the same URL is not returned.
func (s *Service) Fetch(ctx context.Context, tabID, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", types.NewError(types.CodeValidation, fmt.Sprintf("unsupported url %q", rawURL), err)
	}
	s.state.CountAllowed()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", types.NewError(types.CodeFetchFailed, "build request", err)
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("User-Agent", s.ua)

	resp, err := s.client.Do(req)
	if err != nil {
		s.publishFetch(tabID, rawURL, false)
		return "", types.NewError(types.CodeFetchFailed, "request "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.publishFetch(tabID, rawURL, false)
		return "", types.NewError(types.CodeFetchFailed, fmt.Sprintf("%s returned %s", rawURL, resp.Status), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		s.publishFetch(tabID, rawURL, false)
		return "", types.NewError(types.CodeFetchFailed, "read "+rawURL, err)
	}
	if int64(len(body)) > s.maxBytes {
		s.publishFetch(tabID, rawURL, false)
		return "", types.NewError(types.CodeFetchFailed, fmt.Sprintf("%s exceeds %d bytes", rawURL, s.maxBytes), nil)
	}

	slog.Info("Fetched image", "tab_id", tabID, "url", rawURL, "bytes", len(body))
	s.publishFetch(tabID, rawURL, true)
	return assets.DataURI(contentType(resp.Header.Get("Content-Type"), body), body), nil
}

func (s *Service) publishFetch(tabID, rawURL string, ok bool) {
	s.events.PublishJSON(relay.TopicFetch, tabID, map[string]any{"url": rawURL, "ok": ok})
}

func contentType(header string, body []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "" {
		return mt
	}
	return http.DetectContentType(body)
}

// HandleCall serves fetch and get-status.
func (s *Service) HandleCall(ctx context.Context, msg protocol.Message) (any, error) {
	switch msg.Kind {
	case protocol.KindFetch:
		target, err := protocol.DecodeString(msg)
		if err != nil {
			return nil, types.NewError(types.CodeValidation, "fetch payload", err)
		}
		return s.Fetch(ctx, msg.Tab, target)
	case protocol.KindGetStatus:
		return s.GetStatus(ctx, msg.Tab)
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownKind, msg.Kind)
	}
}

// HandleFire serves the fire-and-forget kinds.
func (s *Service) HandleFire(ctx context.Context, msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindOnline:
		s.Online(ctx, msg.Tab)
		return nil
	case protocol.KindExtensionEnable, protocol.KindSiteEnable, protocol.KindTabEnable:
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownKind, msg.Kind)
	}

	enabled, err := protocol.DecodeBool(msg)
	if err != nil {
		return types.NewError(types.CodeValidation, string(msg.Kind)+" payload", err)
	}
	switch msg.Kind {
	case protocol.KindExtensionEnable:
		s.SetExtensionEnabled(ctx, enabled)
	case protocol.KindSiteEnable:
		_, err = s.SetSiteEnabled(ctx, msg.Tab, enabled)
	case protocol.KindTabEnable:
		_, err = s.SetTabEnabled(ctx, msg.Tab, enabled)
	}
	return err
}
