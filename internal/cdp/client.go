package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/deferload"
	"github.com/dgnsrekt/slothtab/internal/intercept"
	"github.com/dgnsrekt/slothtab/internal/protocol"
	"github.com/dgnsrekt/slothtab/internal/relay"
	"github.com/dgnsrekt/slothtab/internal/types"
)

const eventQueueSize = 64

// interceptPatterns pause every image and media request before it is sent.
var interceptPatterns = []*fetch.RequestPattern{
	{URLPattern: "*", ResourceType: network.ResourceTypeImage, RequestStage: fetch.RequestStageRequest},
	{URLPattern: "*", ResourceType: network.ResourceTypeMedia, RequestStage: fetch.RequestStageRequest},
}

// Lifecycle receives the tab events that change authorization.
type Lifecycle interface {
	OnNavigationStart(tab authz.TabID, url string)
	OnTabClosed(tab authz.TabID)
}

// Interceptor decides paused requests.
type Interceptor interface {
	Evaluate(tab authz.TabID, url string) intercept.Decision
}

// Options configures a Client.
type Options struct {
	CDPURL       string
	TabURLFilter string
	EvalTimeout  time.Duration
	Loader       deferload.Options
	Events       *relay.Broker
}

// Client manages CDP connections to browser tabs. Every attached page gets a
// deferred loader, a local protocol transport and, while interception is
// on, a Fetch domain hook for image and media requests. Out-of-process
// iframes are separate targets; they get a frame session carrying only the
// Fetch hook, decided under the tab that embeds them.
type Client struct {
	opts        Options
	server      *protocol.Server
	lifecycle   Lifecycle
	interceptor Interceptor
	tabRegistry *TabRegistry

	allocCtx       context.Context
	allocCancel    context.CancelFunc
	browserCtx     context.Context
	browserCancel  context.CancelFunc
	ownsBrowserTab bool

	tabs         map[target.ID]*tabSession
	frames       map[target.ID]*tabSession
	frameOwners  map[cdp.FrameID]target.ID
	tabsMu       sync.RWMutex
	intercepting bool
	closed       bool
	wg           sync.WaitGroup
}

type tabSession struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
	loader *deferload.Loader
	conn   *protocol.Local
	events chan pageEvent
	ready  bool
	// frame marks an iframe target; it has no loader, conn or event queue.
	frame bool
}

func NewClient(opts Options, server *protocol.Server, lifecycle Lifecycle, interceptor Interceptor, tabRegistry *TabRegistry) *Client {
	return &Client{
		opts:        opts,
		server:      server,
		lifecycle:   lifecycle,
		interceptor: interceptor,
		tabRegistry: tabRegistry,
		tabs:        make(map[target.ID]*tabSession),
		frames:      make(map[target.ID]*tabSession),
		frameOwners: make(map[cdp.FrameID]target.ID),
	}
}

// Connect attaches to every open page and starts following target events.
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("Connecting to Chromium", "url", c.opts.CDPURL)

	initial, err := listTargets(ctx, c.opts.CDPURL)
	if err != nil {
		return types.NewError(types.CodeCDPUnavailable, "failed to list browser targets", err)
	}

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.opts.CDPURL)
	if first, ok := firstPage(initial); ok {
		c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(first.TargetID))
	} else {
		c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)
		c.ownsBrowserTab = true
	}

	if err := chromedp.Run(c.browserCtx); err != nil {
		return types.NewError(types.CodeCDPUnavailable, "failed to connect to browser", err)
	}
	chromedp.ListenBrowser(c.browserCtx, c.handleBrowserEvent)
	if err := chromedp.Run(c.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	})); err != nil {
		slog.Warn("Failed to enable target discovery (continuing)", "error", err)
	}

	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return types.NewError(types.CodeCDPUnavailable, "failed to enumerate targets", err)
	}
	slog.Info("Found browser targets", "count", len(targets))

	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL, t.Title); err != nil {
			slog.Error("Failed to attach to tab", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
		}
	}
	// Frames last, once their embedding tabs have reported child frames.
	for _, t := range targets {
		if t.Type != "iframe" {
			continue
		}
		if err := c.attachToFrame(t.TargetID, t.URL); err != nil {
			slog.Warn("Failed to attach to frame", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
		}
	}

	slog.Info("Attached to tabs", "count", c.GetTabCount(), "tab_url_filter", c.opts.TabURLFilter)
	return nil
}

func (c *Client) handleBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		switch e.TargetInfo.Type {
		case "page":
			c.goAttach(e.TargetInfo)
		case "iframe":
			info := e.TargetInfo
			go func() {
				if err := c.attachToFrame(info.TargetID, info.URL); err != nil {
					slog.Warn("Failed to attach to new frame", "target_id", info.TargetID, "error", err)
				}
			}()
		}
	case *target.EventTargetInfoChanged:
		info := e.TargetInfo
		if info.Type != "page" {
			return
		}
		if !c.tabRegistry.Update(info.TargetID, info.URL, info.Title) && c.opts.TabURLFilter != "" {
			// A tab skipped by the URL filter may match after navigating.
			c.goAttach(info)
		}
	case *target.EventTargetDestroyed:
		go c.detach(e.TargetID)
	case *target.EventTargetCrashed:
		go c.detach(e.TargetID)
	}
}

func (c *Client) goAttach(info *target.Info) {
	go func() {
		if err := c.attachToTab(info.TargetID, info.URL, info.Title); err != nil {
			slog.Warn("Failed to attach to new tab", "target_id", info.TargetID, "error", err)
		}
	}()
}

func (c *Client) attachToTab(targetID target.ID, url, title string) error {
	if !c.matchesTabURL(url) {
		slog.Debug("Skipping tab (url filter)", "url", truncateURL(url))
		return nil
	}

	tabID := string(targetID)
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	conn := protocol.NewLocal(c.server, tabID)
	sess := &tabSession{
		id:     targetID,
		ctx:    tabCtx,
		cancel: tabCancel,
		conn:   conn,
		events: make(chan pageEvent, eventQueueSize),
	}
	sess.loader = deferload.NewLoader(tabID, newPage(tabID, chromedpEval(tabCtx), c.opts.EvalTimeout), conn, c.opts.Loader)

	c.tabsMu.Lock()
	if c.closed {
		c.tabsMu.Unlock()
		tabCancel()
		return types.NewError(types.CodeCDPUnavailable, "client closed", nil)
	}
	if _, exists := c.tabs[targetID]; exists {
		c.tabsMu.Unlock()
		tabCancel()
		return nil
	}
	c.tabs[targetID] = sess
	c.tabsMu.Unlock()

	c.tabRegistry.Register(targetID, url, title)
	chromedp.ListenTarget(tabCtx, c.createEventHandler(sess))

	err := chromedp.Run(tabCtx,
		network.Enable(),
		page.Enable(),
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(pageScript).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, exc, err := runtime.Evaluate(pageScript).Do(ctx)
			if err != nil {
				return err
			}
			if exc != nil {
				return exc
			}
			return nil
		}),
	)
	if err != nil {
		c.tabsMu.Lock()
		delete(c.tabs, targetID)
		c.tabsMu.Unlock()
		c.tabRegistry.Remove(targetID)
		conn.Close()
		tabCancel()
		return fmt.Errorf("failed to prepare tab: %w", err)
	}

	c.tabsMu.Lock()
	sess.ready = true
	intercepting := c.intercepting
	c.tabsMu.Unlock()
	if intercepting {
		if err := c.applyInterception(tabCtx, sess, true); err != nil {
			slog.Warn("Failed to enable interception on tab", "target_id", targetID, "error", err)
		}
	}

	c.wg.Add(1)
	go c.runSession(sess)

	slog.Info("Attached to tab", "target_id", targetID, "url", truncateURL(url), "intercepting", intercepting)
	c.opts.Events.PublishJSON(relay.TopicTab, tabID, map[string]string{"event": "attached", "url": url})
	return nil
}

func (c *Client) createEventHandler(sess *tabSession) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go c.continueRequest(sess, e)
		case *network.EventRequestWillBeSent:
			// Runs on the event goroutine so authorization changes before any
			// request of the new document is decided.
			if e.Type == network.ResourceTypeDocument && e.FrameID == cdp.FrameID(sess.id) && e.Request != nil {
				c.onNavigation(sess, e.Request.URL)
			}
		case *page.EventNavigatedWithinDocument:
			if e.FrameID == cdp.FrameID(sess.id) {
				c.lifecycle.OnNavigationStart(authz.TabID(sess.id), e.URL)
				c.tabRegistry.Update(sess.id, e.URL, "")
				slog.Info("Tab navigated (SPA)", "tab_id", sess.id, "url", truncateURL(e.URL))
			}
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				c.tabRegistry.Update(sess.id, e.Frame.URL, "")
			}
		case *page.EventFrameAttached:
			c.recordFrame(sess, e.FrameID)
		case *runtime.EventBindingCalled:
			if e.Name != bindingName {
				return
			}
			pe, err := parsePageEvent(e.Payload)
			if err != nil {
				slog.Debug("Ignoring page event", "tab_id", sess.id, "error", err)
				return
			}
			c.enqueue(sess, pe)
		}
	}
}

// attachToFrame hooks Fetch on an out-of-process iframe so its image and
// media requests are decided like the embedding tab's own.
func (c *Client) attachToFrame(targetID target.ID, url string) error {
	frameCtx, frameCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	sess := &tabSession{id: targetID, ctx: frameCtx, cancel: frameCancel, frame: true}

	c.tabsMu.Lock()
	if c.closed {
		c.tabsMu.Unlock()
		frameCancel()
		return types.NewError(types.CodeCDPUnavailable, "client closed", nil)
	}
	if _, exists := c.frames[targetID]; exists {
		c.tabsMu.Unlock()
		frameCancel()
		return nil
	}
	owner, known := c.frameOwners[cdp.FrameID(targetID)]
	if c.opts.TabURLFilter != "" {
		if _, attached := c.tabs[owner]; !known || !attached {
			c.tabsMu.Unlock()
			frameCancel()
			slog.Debug("Skipping frame (owner not attached)", "target_id", targetID, "url", truncateURL(url))
			return nil
		}
	}
	c.frames[targetID] = sess
	c.tabsMu.Unlock()

	chromedp.ListenTarget(frameCtx, c.createFrameEventHandler(sess))
	if err := chromedp.Run(frameCtx); err != nil {
		c.tabsMu.Lock()
		delete(c.frames, targetID)
		c.tabsMu.Unlock()
		frameCancel()
		return fmt.Errorf("failed to attach frame: %w", err)
	}

	c.tabsMu.Lock()
	sess.ready = true
	intercepting := c.intercepting
	c.tabsMu.Unlock()
	if intercepting {
		if err := c.applyInterception(frameCtx, sess, true); err != nil {
			slog.Warn("Failed to enable interception on frame", "target_id", targetID, "error", err)
		}
	}

	slog.Info("Attached to frame", "target_id", targetID, "owner", owner, "url", truncateURL(url))
	return nil
}

func (c *Client) createFrameEventHandler(sess *tabSession) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go c.continueRequest(sess, e)
		case *page.EventFrameAttached:
			c.recordFrame(sess, e.FrameID)
		}
	}
}

// recordFrame notes that frame belongs to the tab owning sess. An iframe
// that later moves out of process becomes a target whose id is this frame id.
func (c *Client) recordFrame(sess *tabSession, frame cdp.FrameID) {
	owner := c.ownerTab(sess)
	c.tabsMu.Lock()
	c.frameOwners[frame] = owner
	c.tabsMu.Unlock()
}

// ownerTab returns the tab a session's requests are decided under. A frame
// whose embedding tab is unknown stands for itself, so its requests are
// blocked rather than treated as coming from no tab.
func (c *Client) ownerTab(sess *tabSession) target.ID {
	if !sess.frame {
		return sess.id
	}
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	if owner, ok := c.frameOwners[cdp.FrameID(sess.id)]; ok {
		return owner
	}
	return sess.id
}

func (c *Client) onNavigation(sess *tabSession, url string) {
	c.lifecycle.OnNavigationStart(authz.TabID(sess.id), url)
	c.tabRegistry.Update(sess.id, url, "")
	c.enqueue(sess, pageEvent{Type: eventNavigate})
	slog.Info("Tab navigated (full)", "tab_id", sess.id, "url", truncateURL(url))
}

func (c *Client) enqueue(sess *tabSession, ev pageEvent) {
	select {
	case sess.events <- ev:
	default:
		slog.Debug("Dropped page event (queue full)", "tab_id", sess.id, "type", ev.Type)
	}
}

// runSession handles page events of one tab in order.
func (c *Client) runSession(sess *tabSession) {
	defer c.wg.Done()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case ev := <-sess.events:
			c.handlePageEvent(sess, ev)
		}
	}
}

func (c *Client) handlePageEvent(sess *tabSession, ev pageEvent) {
	ctx := sess.ctx
	switch ev.Type {
	case eventOnline:
		if err := sess.loader.Online(ctx); err != nil {
			slog.Debug("Failed to announce page", "tab_id", sess.id, "error", err)
		}
	case eventModifier:
		sess.loader.SetModifierHeld(ev.Held)
	case eventMove:
		out, err := sess.loader.Sample(ctx, ev.X, ev.Y)
		if err != nil {
			slog.Debug("Pointer sample failed", "tab_id", sess.id, "outcome", out, "error", err)
		}
	case eventSettled:
		n, err := sess.loader.AnnotateTitles(ctx)
		if err != nil {
			slog.Debug("Failed to annotate image titles", "tab_id", sess.id, "error", err)
		} else if n > 0 {
			slog.Debug("Annotated image titles", "tab_id", sess.id, "count", n)
		}
	case eventFocus:
		c.tabRegistry.SetActive(sess.id)
	case eventNavigate:
		sess.loader.Forget()
		sess.loader.SetModifierHeld(false)
		sess.loader.SetRegistered(false)
	}
}

func (c *Client) continueRequest(sess *tabSession, e *fetch.EventRequestPaused) {
	action := fetch.ContinueRequest(e.RequestID)
	if c.isIntercepting() && e.Request != nil {
		if d := c.interceptor.Evaluate(authz.TabID(c.ownerTab(sess)), e.Request.URL); d.Action == intercept.Block {
			action = action.WithURL(d.RedirectURL)
		}
	}
	if err := chromedp.Run(sess.ctx, action); err != nil {
		slog.Debug("Failed to continue request", "tab_id", sess.id, "request_id", e.RequestID, "error", err)
	}
}

func (c *Client) isIntercepting() bool {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return c.intercepting
}

// Register turns request interception on for every attached tab and for
// tabs attached later.
func (c *Client) Register(ctx context.Context) error {
	return c.setIntercepting(ctx, true)
}

// Unregister turns request interception off.
func (c *Client) Unregister(ctx context.Context) error {
	return c.setIntercepting(ctx, false)
}

func (c *Client) setIntercepting(ctx context.Context, on bool) error {
	c.tabsMu.Lock()
	if c.closed {
		c.tabsMu.Unlock()
		return types.NewError(types.CodeCDPUnavailable, "client closed", nil)
	}
	c.intercepting = on
	sessions := make([]*tabSession, 0, len(c.tabs)+len(c.frames))
	for _, s := range c.tabs {
		if s.ready {
			sessions = append(sessions, s)
		}
	}
	for _, s := range c.frames {
		if s.ready {
			sessions = append(sessions, s)
		}
	}
	c.tabsMu.Unlock()

	failed := 0
	for _, s := range sessions {
		if err := c.applyInterception(ctx, s, on); err != nil {
			failed++
			slog.Warn("Failed to update interception on tab", "target_id", s.id, "enabled", on, "error", err)
		}
	}
	slog.Info("Request interception updated", "enabled", on, "tabs", len(sessions), "failed", failed)
	return nil
}

func (c *Client) applyInterception(ctx context.Context, s *tabSession, on bool) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var action chromedp.Action = fetch.Disable()
	if on {
		action = fetch.Enable().WithPatterns(interceptPatterns)
	}
	return chromedp.Run(runCtx, action)
}

func (c *Client) detach(targetID target.ID) {
	c.tabsMu.Lock()
	if fs, ok := c.frames[targetID]; ok {
		delete(c.frames, targetID)
		c.tabsMu.Unlock()
		fs.cancel()
		slog.Debug("Detached from frame", "target_id", targetID)
		return
	}
	sess, ok := c.tabs[targetID]
	delete(c.tabs, targetID)
	for frame, owner := range c.frameOwners {
		if owner == targetID {
			delete(c.frameOwners, frame)
		}
	}
	c.tabsMu.Unlock()

	c.lifecycle.OnTabClosed(authz.TabID(targetID))
	c.tabRegistry.Remove(targetID)
	if !ok {
		return
	}
	sess.conn.Close()
	sess.cancel()
	slog.Info("Detached from tab", "target_id", targetID)
	c.opts.Events.PublishJSON(relay.TopicTab, string(targetID), map[string]string{"event": "closed"})
}

// Push delivers a background push message to the loader of a tab.
func (c *Client) Push(ctx context.Context, tabID string, kind protocol.Kind) error {
	if !kind.IsPush() {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownKind, kind)
	}
	c.tabsMu.RLock()
	sess, ok := c.tabs[target.ID(tabID)]
	c.tabsMu.RUnlock()
	if !ok {
		return types.NewError(types.CodeTabNotFound, fmt.Sprintf("tab %q is not attached", tabID), nil)
	}
	return sess.loader.HandlePush(kind)
}

func (c *Client) GetByStringID(tabID string) (*types.TabInfo, bool) {
	return c.tabRegistry.GetByStringID(tabID)
}

func (c *Client) ListTabs() []types.TabInfo {
	return c.tabRegistry.List()
}

func (c *Client) ActiveTabID() (string, bool) {
	return c.tabRegistry.ActiveID()
}

// Close drops every session and the browser connection. Attached tabs stay
// open in the browser.
func (c *Client) Close() error {
	c.tabsMu.Lock()
	if c.closed {
		c.tabsMu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*tabSession, 0, len(c.tabs))
	for _, s := range c.tabs {
		sessions = append(sessions, s)
	}
	c.tabs = make(map[target.ID]*tabSession)
	c.frames = make(map[target.ID]*tabSession)
	c.tabsMu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
	if c.ownsBrowserTab && c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.wg.Wait()

	slog.Info("CDP client closed")
	return nil
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) matchesTabURL(url string) bool {
	if c.opts.TabURLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.opts.TabURLFilter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
