// Package authz holds the authorization state every block/allow decision is
// made against: tab-scoped, domain-scoped and override-scoped permission sets,
// the persisted options, and the allowed/blocked counters.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/slothtab/internal/domain"
	"github.com/dgnsrekt/slothtab/internal/storage"
)

// TabID identifies a browser tab (a CDP page target id).
type TabID string

// NoTab marks a request that is not associated with any tab.
const NoTab TabID = ""

// Status is the aggregated view the control surface shows for one tab.
type Status struct {
	ExtensionEnabled bool  `json:"extensionEnabled"`
	SiteEnabled      bool  `json:"siteEnabled"`
	TabEnabled       bool  `json:"tabEnabled"`
	NumAllowed       int64 `json:"numAllowed"`
	NumBlocked       int64 `json:"numBlocked"`
}

// Counters is a snapshot of the allowed/blocked counters.
type Counters struct {
	Allowed int64 `json:"allowed"`
	Blocked int64 `json:"blocked"`
}

// State is the single source of truth for block/allow decisions. It lives for
// the lifetime of the agent process.
//
// Mutations update memory first and persist afterwards: concurrent decisions
// see the latest intent immediately, a failed write is logged and the next
// successful write reconciles.
type State struct {
	store storage.OptionStore

	mu               sync.RWMutex
	allowedTabs      map[TabID]struct{}
	overriddenTabs   map[TabID]struct{}
	allowedDomains   map[string]struct{}
	extensionEnabled bool
	onEnabledChange  func(enabled bool)

	// persistMu orders writes so the last one always carries the newest snapshot.
	persistMu sync.Mutex

	numAllowed atomic.Int64
	numBlocked atomic.Int64
}

// New returns a State with default options. Call Load before serving.
func New(store storage.OptionStore) *State {
	return &State{
		store:            store,
		allowedTabs:      make(map[TabID]struct{}),
		overriddenTabs:   make(map[TabID]struct{}),
		allowedDomains:   make(map[string]struct{}),
		extensionEnabled: true,
	}
}

// OnEnabledChange registers fn to run after every actual extension-enabled
// transition. The interception engine uses it to re-register.
func (s *State) OnEnabledChange(fn func(enabled bool)) {
	s.mu.Lock()
	s.onEnabledChange = fn
	s.mu.Unlock()
}

// Load hydrates the state from the store. On first run the defaults are
// written immediately. A failing write is logged and does not fail Load.
func (s *State) Load(ctx context.Context) error {
	opts, err := s.store.LoadOptions(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		opts = storage.DefaultOptions()
		s.apply(opts)
		slog.Info("Options initialized for the first time", "extension_enabled", opts.ExtensionEnabled)
		s.persist(ctx)
		return nil
	}
	if err != nil {
		return err
	}

	s.apply(opts)
	slog.Info("Options loaded", "allowed_domains", len(opts.AllowedDomains), "extension_enabled", opts.ExtensionEnabled)
	return nil
}

func (s *State) apply(opts storage.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedDomains = make(map[string]struct{}, len(opts.AllowedDomains))
	for _, d := range opts.AllowedDomains {
		s.allowedDomains[d] = struct{}{}
	}
	s.extensionEnabled = opts.ExtensionEnabled
}

// IsTabExempt reports whether requests from tab bypass blocking.
func (s *State) IsTabExempt(tab TabID) bool {
	if tab == NoTab {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, allowed := s.allowedTabs[tab]
	_, overridden := s.overriddenTabs[tab]
	return allowed || overridden
}

// IsTabAllowed reports membership in the domain-derived tab set only.
func (s *State) IsTabAllowed(tab TabID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allowedTabs[tab]
	return ok
}

// IsTabOverridden reports membership in the per-tab override set only.
func (s *State) IsTabOverridden(tab TabID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.overriddenTabs[tab]
	return ok
}

// ExtensionEnabled reports the current enabled flag.
func (s *State) ExtensionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extensionEnabled
}

// IsDomainAllowed reports whether d is on the durable allow-list.
func (s *State) IsDomainAllowed(d string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allowedDomains[d]
	return ok
}

// OnNavigationStart recomputes allowedTabs membership for tab from the domain
// of newURL. It must run when navigation starts, before the page issues its
// own requests. Internal browser pages leave membership untouched.
func (s *State) OnNavigationStart(tab TabID, newURL string) {
	if tab == NoTab || domain.IsInternalPage(newURL) {
		return
	}

	d, ok := domain.URLToDomain(newURL)

	s.mu.Lock()
	_, allowed := s.allowedDomains[d]
	if ok && allowed {
		s.allowedTabs[tab] = struct{}{}
	} else {
		delete(s.allowedTabs, tab)
	}
	s.mu.Unlock()

	slog.Debug("Tab navigation started", "tab_id", tab, "domain", d, "allowed", ok && allowed)
}

// OnTabClosed purges tab from both tab sets.
func (s *State) OnTabClosed(tab TabID) {
	s.mu.Lock()
	delete(s.allowedTabs, tab)
	delete(s.overriddenTabs, tab)
	s.mu.Unlock()
}

// SetSiteAllowed toggles tab in allowedTabs. When the tab's current URL
// resolves to a domain, the domain's durable membership is toggled too and
// the options are persisted. Tabs without a domain only change session state.
func (s *State) SetSiteAllowed(ctx context.Context, tab TabID, currentURL string, allow bool) {
	d, ok := domain.URLToDomain(currentURL)

	s.mu.Lock()
	if allow {
		s.allowedTabs[tab] = struct{}{}
		if ok {
			s.allowedDomains[d] = struct{}{}
		}
	} else {
		delete(s.allowedTabs, tab)
		if ok {
			delete(s.allowedDomains, d)
		}
	}
	s.mu.Unlock()

	if !ok {
		slog.Info("Site toggled without domain", "tab_id", tab, "allow", allow)
		return
	}
	slog.Info("Site toggled", "tab_id", tab, "domain", d, "allow", allow)
	s.persist(ctx)
}

// SetTabOverridden toggles tab in overriddenTabs. Domains and persisted state
// are never touched.
func (s *State) SetTabOverridden(tab TabID, allow bool) {
	s.mu.Lock()
	if allow {
		s.overriddenTabs[tab] = struct{}{}
	} else {
		delete(s.overriddenTabs, tab)
	}
	s.mu.Unlock()
	slog.Info("Tab override toggled", "tab_id", tab, "allow", allow)
}

// SetExtensionEnabled changes the enabled flag. It is a no-op when the value
// is unchanged and reports whether a transition happened. On change the
// options are persisted and the OnEnabledChange hook runs.
func (s *State) SetExtensionEnabled(ctx context.Context, enabled bool) bool {
	s.mu.Lock()
	if s.extensionEnabled == enabled {
		s.mu.Unlock()
		return false
	}
	s.extensionEnabled = enabled
	hook := s.onEnabledChange
	s.mu.Unlock()

	slog.Info("Extension toggled", "enabled", enabled)
	s.persist(ctx)
	if hook != nil {
		hook(enabled)
	}
	return true
}

// CountAllowed increments the allowed counter.
func (s *State) CountAllowed() { s.numAllowed.Add(1) }

// CountBlocked increments the blocked counter.
func (s *State) CountBlocked() { s.numBlocked.Add(1) }

// Counters returns the current counter values.
func (s *State) Counters() Counters {
	return Counters{Allowed: s.numAllowed.Load(), Blocked: s.numBlocked.Load()}
}

// Status returns the control-surface view for tab.
func (s *State) Status(tab TabID) Status {
	s.mu.RLock()
	_, site := s.allowedTabs[tab]
	_, override := s.overriddenTabs[tab]
	enabled := s.extensionEnabled
	s.mu.RUnlock()

	return Status{
		ExtensionEnabled: enabled,
		SiteEnabled:      site,
		TabEnabled:       override,
		NumAllowed:       s.numAllowed.Load(),
		NumBlocked:       s.numBlocked.Load(),
	}
}

// LazyLoading reports whether the tab is currently having its images
// deferred: the agent is enabled and the tab is not exempt.
func (s *State) LazyLoading(tab TabID) bool {
	return s.ExtensionEnabled() && !s.IsTabExempt(tab)
}

// AllowedDomains returns the durable allow-list, sorted.
func (s *State) AllowedDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.allowedDomains))
	for d := range s.allowedDomains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Options returns the persisted projection of the current state.
func (s *State) Options() storage.Options {
	domains := s.AllowedDomains()
	return storage.Options{AllowedDomains: domains, ExtensionEnabled: s.ExtensionEnabled()}
}

func (s *State) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	opts := s.Options()
	if err := s.store.SaveOptions(ctx, opts); err != nil {
		slog.Error("Failed to persist options", "error", err)
	}
}
