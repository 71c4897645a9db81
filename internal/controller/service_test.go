package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/intercept"
	"github.com/dgnsrekt/slothtab/internal/protocol"
	"github.com/dgnsrekt/slothtab/internal/relay"
	"github.com/dgnsrekt/slothtab/internal/storage"
	"github.com/dgnsrekt/slothtab/internal/types"
)

type push struct {
	tab  string
	kind protocol.Kind
}

type fakeBrowser struct {
	mu     sync.Mutex
	tabs   map[string]types.TabInfo
	active string
	pushes []push
}

func (b *fakeBrowser) GetByStringID(tabID string) (*types.TabInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.tabs[tabID]
	if !ok {
		return nil, false
	}
	return &info, true
}

func (b *fakeBrowser) ListTabs() []types.TabInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.TabInfo, 0, len(b.tabs))
	for _, id := range []string{"tab-1", "tab-2"} {
		if info, ok := b.tabs[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

func (b *fakeBrowser) ActiveTabID() (string, bool) {
	return b.active, b.active != ""
}

func (b *fakeBrowser) Push(ctx context.Context, tabID string, kind protocol.Kind) error {
	b.mu.Lock()
	b.pushes = append(b.pushes, push{tabID, kind})
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) lastPush() (push, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pushes) == 0 {
		return push{}, false
	}
	return b.pushes[len(b.pushes)-1], true
}

type countingRegistrar struct{ registers, unregisters int }

func (r *countingRegistrar) Register(ctx context.Context) error   { r.registers++; return nil }
func (r *countingRegistrar) Unregister(ctx context.Context) error { r.unregisters++; return nil }

type fixture struct {
	svc     *Service
	state   *authz.State
	engine  *intercept.Engine
	reg     *countingRegistrar
	browser *fakeBrowser
	events  *relay.Broker
}

func newFixture(t *testing.T, client *http.Client) *fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	state := authz.New(store)
	if err := state.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	engine := intercept.NewEngine(state, "http://127.0.0.1:8190/placeholder.png")
	reg := &countingRegistrar{}
	if err := engine.Start(context.Background(), reg, state.ExtensionEnabled()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events := relay.NewBroker()
	svc := NewService(state, engine, Options{HTTPClient: client, Events: events})
	browser := &fakeBrowser{
		active: "tab-1",
		tabs: map[string]types.TabInfo{
			"tab-1": {TabID: "tab-1", URL: "https://images.example.com/gallery"},
			"tab-2": {TabID: "tab-2", URL: "chrome://newtab/"},
		},
	}
	svc.Bind(browser)
	return &fixture{svc: svc, state: state, engine: engine, reg: reg, browser: browser, events: events}
}

func fire(t *testing.T, svc *Service, kind protocol.Kind, tab string, payload any) error {
	t.Helper()
	msg, err := protocol.NewMessage(kind, tab, payload)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	return svc.HandleFire(context.Background(), msg)
}

func TestGetStatusForAllowedTab(t *testing.T) {
	f := newFixture(t, nil)
	if err := fire(t, f.svc, protocol.KindSiteEnable, "", true); err != nil {
		t.Fatalf("site-enable error = %v", err)
	}

	got, err := f.svc.HandleCall(context.Background(), protocol.Message{Kind: protocol.KindGetStatus})
	if err != nil {
		t.Fatalf("get-status error = %v", err)
	}
	status := got.(authz.Status)
	if !status.ExtensionEnabled || !status.SiteEnabled || status.TabEnabled {
		t.Fatalf("status = %+v; want enabled, site allowed, tab not overridden", status)
	}
	if domains := f.svc.AllowedDomains(); len(domains) != 1 || domains[0] != "example.com" {
		t.Fatalf("AllowedDomains() = %v; want [example.com]", domains)
	}
	if p, _ := f.browser.lastPush(); p != (push{"tab-1", protocol.KindShallUnregister}) {
		t.Fatalf("last push = %+v; want shall-unregister to tab-1", p)
	}
}

func TestSiteEnableFalseRemovesMembership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.svc.SetSiteEnabled(ctx, "tab-1", true); err != nil {
		t.Fatalf("SetSiteEnabled(true) error = %v", err)
	}
	status, err := f.svc.SetSiteEnabled(ctx, "tab-1", false)
	if err != nil {
		t.Fatalf("SetSiteEnabled(false) error = %v", err)
	}
	if status.SiteEnabled || f.state.IsDomainAllowed("example.com") {
		t.Fatalf("status = %+v; want site and domain removed", status)
	}
	if p, _ := f.browser.lastPush(); p.kind != protocol.KindShallRegister {
		t.Fatalf("last push = %+v; want shall-register", p)
	}
}

func TestTabEnableOverridesOnlySession(t *testing.T) {
	f := newFixture(t, nil)
	status, err := f.svc.SetTabEnabled(context.Background(), "tab-1", true)
	if err != nil {
		t.Fatalf("SetTabEnabled() error = %v", err)
	}
	if !status.TabEnabled || status.SiteEnabled {
		t.Fatalf("status = %+v; want tab overridden only", status)
	}
	if len(f.svc.AllowedDomains()) != 0 {
		t.Fatalf("AllowedDomains() = %v; want none", f.svc.AllowedDomains())
	}
}

func TestUnknownTabIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.SetTabEnabled(context.Background(), "tab-9", true)
	if !types.HasCode(err, types.CodeTabNotFound) {
		t.Fatalf("SetTabEnabled(tab-9) error = %v; want %s", err, types.CodeTabNotFound)
	}
	if _, err := f.svc.GetStatus(context.Background(), "tab-9"); !types.HasCode(err, types.CodeTabNotFound) {
		t.Fatalf("GetStatus(tab-9) error = %v; want %s", err, types.CodeTabNotFound)
	}
}

func TestExtensionEnableSyncsEngineOnce(t *testing.T) {
	f := newFixture(t, nil)
	if f.reg.registers != 1 || !f.svc.Armed() {
		t.Fatalf("registers = %d, armed = %v; want armed after start", f.reg.registers, f.svc.Armed())
	}
	for i := 0; i < 2; i++ {
		if err := fire(t, f.svc, protocol.KindExtensionEnable, "", false); err != nil {
			t.Fatalf("extension-enable error = %v", err)
		}
	}
	if f.reg.unregisters != 1 || f.svc.Armed() {
		t.Fatalf("unregisters = %d, armed = %v; want one transition to disarmed", f.reg.unregisters, f.svc.Armed())
	}
	if f.engine.Transitions() != 2 {
		t.Fatalf("Transitions() = %d; want 2", f.engine.Transitions())
	}
}

func TestConcurrentExtensionTogglesKeepEngineInStep(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(enabled bool) {
			defer wg.Done()
			f.svc.SetExtensionEnabled(context.Background(), enabled)
		}(i%2 == 0)
	}
	wg.Wait()

	if f.svc.Armed() != f.state.ExtensionEnabled() {
		t.Fatalf("Armed() = %v; want %v to match the enabled flag", f.svc.Armed(), f.state.ExtensionEnabled())
	}
}

func TestOnlinePushesRegisterUnlessAllowed(t *testing.T) {
	f := newFixture(t, nil)
	if err := fire(t, f.svc, protocol.KindOnline, "tab-2", nil); err != nil {
		t.Fatalf("online error = %v", err)
	}
	if p, ok := f.browser.lastPush(); !ok || p != (push{"tab-2", protocol.KindShallRegister}) {
		t.Fatalf("last push = %+v; want shall-register to tab-2", p)
	}

	f.state.OnNavigationStart("tab-1", "https://example.com/")
	if _, err := f.svc.SetSiteEnabled(context.Background(), "tab-1", true); err != nil {
		t.Fatalf("SetSiteEnabled() error = %v", err)
	}
	before := len(f.browser.pushes)
	f.svc.Online(context.Background(), "tab-1")
	if len(f.browser.pushes) != before {
		t.Fatalf("pushes = %d; want no push for an allowed tab", len(f.browser.pushes))
	}
}

func TestFireRejectsBadPayload(t *testing.T) {
	f := newFixture(t, nil)
	err := fire(t, f.svc, protocol.KindTabEnable, "", "yes")
	if !types.HasCode(err, types.CodeValidation) {
		t.Fatalf("tab-enable error = %v; want %s", err, types.CodeValidation)
	}
	if err := fire(t, f.svc, protocol.KindFetch, "", "x"); !errors.Is(err, protocol.ErrUnknownKind) {
		t.Fatalf("HandleFire(fetch) = %v; want ErrUnknownKind", err)
	}
}

func TestFetchReturnsDataURIAndCounts(t *testing.T) {
	var gotCache string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCache = r.Header.Get("Cache-Control")
		w.Header().Set("Content-Type", "image/gif; charset=binary")
		_, _ = w.Write([]byte("GIF89a"))
	}))
	defer ts.Close()

	f := newFixture(t, ts.Client())
	id, ch := f.events.Subscribe()
	defer f.events.Unsubscribe(id)

	msg, _ := protocol.NewMessage(protocol.KindFetch, "tab-1", ts.URL+"/a.gif")
	got, err := f.svc.HandleCall(context.Background(), msg)
	if err != nil {
		t.Fatalf("fetch error = %v", err)
	}
	if got != "data:image/gif;base64,R0lGODlh" {
		t.Fatalf("fetch = %q; want gif data uri", got)
	}
	if gotCache != "no-cache" {
		t.Fatalf("Cache-Control = %q; want no-cache", gotCache)
	}
	if c := f.state.Counters(); c.Allowed != 1 {
		t.Fatalf("Counters() = %+v; want one allowed", c)
	}
	evt := <-ch
	if evt.Topic != relay.TopicFetch || !strings.Contains(evt.Payload, `"ok":true`) {
		t.Fatalf("event = %+v; want successful fetch event", evt)
	}
}

func TestFetchFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()
	f := newFixture(t, ts.Client())

	if _, err := f.svc.Fetch(context.Background(), "tab-1", ts.URL+"/missing.png"); !types.HasCode(err, types.CodeFetchFailed) {
		t.Fatalf("Fetch(404) error = %v; want %s", err, types.CodeFetchFailed)
	}
	if _, err := f.svc.Fetch(context.Background(), "tab-1", "file:///etc/passwd"); !types.HasCode(err, types.CodeValidation) {
		t.Fatalf("Fetch(file) error = %v; want %s", err, types.CodeValidation)
	}
}

func TestListTabsAddsAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	f.state.SetTabOverridden("tab-2", true)

	tabs, err := f.svc.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("ListTabs() len = %d; want 2", len(tabs))
	}
	if tabs[0].Domain != "example.com" || !tabs[0].LazyLoading || tabs[0].Exempt {
		t.Fatalf("tab-1 = %+v; want example.com, lazy loading", tabs[0])
	}
	if !tabs[1].Exempt || tabs[1].LazyLoading {
		t.Fatalf("tab-2 = %+v; want exempt", tabs[1])
	}
}

func TestUnboundServiceReportsCDPUnavailable(t *testing.T) {
	store, _ := storage.NewFileStore(t.TempDir())
	state := authz.New(store)
	svc := NewService(state, intercept.NewEngine(state, "p"), Options{})
	if _, err := svc.ListTabs(context.Background()); !types.HasCode(err, types.CodeCDPUnavailable) {
		t.Fatalf("ListTabs() error = %v; want %s", err, types.CodeCDPUnavailable)
	}
	status, err := svc.GetStatus(context.Background(), "")
	if err != nil || status.SiteEnabled {
		t.Fatalf("GetStatus() = (%+v, %v); want global status", status, err)
	}
}
