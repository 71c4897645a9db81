package deferload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/slothtab/internal/assets"
	"github.com/dgnsrekt/slothtab/internal/protocol"
)

// DefaultRetryTolerance is the minimum interval between two fetches for the
// same element.
const DefaultRetryTolerance = 3000 * time.Millisecond

// Status is the load state of one element.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusLoaded
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	default:
		return "idle"
	}
}

// ElementState is the side-table entry kept per element.
type ElementState struct {
	OriginalURL string
	RequestedAt time.Time
	Status      Status
}

// Outcome describes what a single sample did.
type Outcome int

const (
	OutcomeInactive Outcome = iota
	OutcomeNoTarget
	OutcomeAlreadyLoaded
	OutcomeUnresolved
	OutcomeDebounced
	OutcomeImageRequested
	OutcomeBackgroundRequested
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInactive:
		return "inactive"
	case OutcomeNoTarget:
		return "no-target"
	case OutcomeAlreadyLoaded:
		return "already-loaded"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeDebounced:
		return "debounced"
	case OutcomeImageRequested:
		return "image-requested"
	case OutcomeBackgroundRequested:
		return "background-requested"
	default:
		return "unknown"
	}
}

// Options configures a Loader. Zero values select the defaults.
type Options struct {
	RetryTolerance time.Duration
	LoadingURI     string
	Now            func() time.Time
}

// Loader runs the hover-reveal protocol for one tab.
type Loader struct {
	tab  string
	page Page
	conn protocol.Conn

	tolerance time.Duration
	loading   string
	now       func() time.Time

	mu           sync.Mutex
	table        map[ElementID]*ElementState
	modifierHeld bool
	registered   bool

	wg sync.WaitGroup
}

// NewLoader returns a Loader for tab, inactive until both the modifier is
// held and the background has pushed shall-register.
func NewLoader(tab string, page Page, conn protocol.Conn, opts Options) *Loader {
	l := &Loader{
		tab:       tab,
		page:      page,
		conn:      conn,
		tolerance: opts.RetryTolerance,
		loading:   opts.LoadingURI,
		now:       opts.Now,
		table:     make(map[ElementID]*ElementState),
	}
	if l.tolerance <= 0 {
		l.tolerance = DefaultRetryTolerance
	}
	if l.loading == "" {
		l.loading = assets.LoadingDataURI()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// LoadingURI returns the indicator shown while a fetch is outstanding.
func (l *Loader) LoadingURI() string { return l.loading }

// SetModifierHeld records whether the hover-reveal key combination is down.
func (l *Loader) SetModifierHeld(held bool) {
	l.mu.Lock()
	l.modifierHeld = held
	l.mu.Unlock()
}

// SetRegistered records the background's shall-register/shall-unregister
// decision.
func (l *Loader) SetRegistered(registered bool) {
	l.mu.Lock()
	l.registered = registered
	l.mu.Unlock()
}

// Active reports whether pointer samples are processed.
func (l *Loader) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modifierHeld && l.registered
}

// State returns a copy of the side-table entry for id.
func (l *Loader) State(id ElementID) (ElementState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.table[id]
	if !ok {
		return ElementState{}, false
	}
	return *st, true
}

// Online announces page readiness to the background.
func (l *Loader) Online(ctx context.Context) error {
	msg, err := protocol.NewMessage(protocol.KindOnline, l.tab, nil)
	if err != nil {
		return err
	}
	return l.conn.Fire(ctx, msg)
}

// HandlePush applies a background push message.
func (l *Loader) HandlePush(kind protocol.Kind) error {
	switch kind {
	case protocol.KindShallRegister:
		l.SetRegistered(true)
	case protocol.KindShallUnregister:
		l.SetRegistered(false)
	default:
		return protocol.ErrUnknownKind
	}
	slog.Debug("Loader registration changed", "tab_id", l.tab, "kind", kind)
	return nil
}

// Sample runs one pointer sample at (x, y). The image pass runs first; the
// background pass only when no <img> is stacked at the point.
func (l *Loader) Sample(ctx context.Context, x, y float64) (Outcome, error) {
	if !l.Active() {
		return OutcomeInactive, nil
	}
	elements, err := l.page.ElementsAt(ctx, x, y)
	if err != nil {
		return OutcomeNoTarget, err
	}
	for _, el := range elements {
		if el.IsImage() {
			return l.sampleImage(ctx, el)
		}
	}
	return l.sampleBackground(ctx, elements)
}

func (l *Loader) sampleImage(ctx context.Context, el Element) (Outcome, error) {
	if isInline(el.Src) && el.Src != l.loading {
		l.mu.Lock()
		if st, ok := l.table[el.ID]; ok {
			st.Status = StatusLoaded
		}
		l.mu.Unlock()
		// srcset would override the inline src on the next reflow.
		if el.Srcset != "" {
			if err := l.page.RemoveSrcset(ctx, el.ID); err != nil {
				return OutcomeAlreadyLoaded, err
			}
		}
		return OutcomeAlreadyLoaded, nil
	}

	l.mu.Lock()
	original := l.resolve(el)
	if original == "" {
		l.mu.Unlock()
		slog.Warn("Image has no resolvable source", "tab_id", l.tab, "element_id", el.ID)
		return OutcomeUnresolved, nil
	}
	if !l.claim(el.ID, original) {
		l.mu.Unlock()
		return OutcomeDebounced, nil
	}
	l.mu.Unlock()

	if err := l.page.SetSrc(ctx, el.ID, l.loading); err != nil {
		return OutcomeImageRequested, err
	}
	if err := l.page.RemoveSrcset(ctx, el.ID); err != nil {
		return OutcomeImageRequested, err
	}

	slog.Info("Requesting image", "tab_id", l.tab, "element_id", el.ID, "url", original)
	l.dispatch(ctx, el.ID, original, func(ctx context.Context, data string) error {
		if err := l.page.SetSrc(ctx, el.ID, data); err != nil {
			return err
		}
		if el.InPicture {
			return l.page.RemovePictureSources(ctx, el.ID)
		}
		return nil
	})
	return OutcomeImageRequested, nil
}

func (l *Loader) sampleBackground(ctx context.Context, elements []Element) (Outcome, error) {
	for _, el := range elements {
		original, ok := ParseCSSURL(el.BackgroundImage)
		if !ok {
			continue
		}
		l.mu.Lock()
		if original == l.loading {
			// A fetch that never applied leaves the indicator behind.
			original = ""
			if st, known := l.table[el.ID]; known {
				original = st.OriginalURL
			}
		} else if isInline(original) {
			original = ""
		} else {
			original = absoluteURL(el.BaseURI, original)
		}
		claimed := original != "" && l.claim(el.ID, original)
		l.mu.Unlock()
		if !claimed {
			continue
		}

		if err := l.page.SetBackgroundImage(ctx, el.ID, l.loading); err != nil {
			return OutcomeBackgroundRequested, err
		}
		slog.Info("Requesting background image", "tab_id", l.tab, "element_id", el.ID, "url", original)
		id := el.ID
		l.dispatch(ctx, id, original, func(ctx context.Context, data string) error {
			return l.page.SetBackgroundImage(ctx, id, data)
		})
		return OutcomeBackgroundRequested, nil
	}
	return OutcomeNoTarget, nil
}

// resolve picks the original URL of an image. Caller holds l.mu.
func (l *Loader) resolve(el Element) string {
	if st, ok := l.table[el.ID]; ok && st.OriginalURL != "" {
		return st.OriginalURL
	}
	if el.Src != "" && el.Src != l.loading {
		return absoluteURL(el.BaseURI, el.Src)
	}
	if c := ParseSrcset(el.Srcset); len(c) > 0 {
		return absoluteURL(el.BaseURI, c[0])
	}
	if el.InPicture {
		if c := ParseSrcset(el.PictureSourceSrcset); len(c) > 0 {
			return absoluteURL(el.BaseURI, c[0])
		}
	}
	return ""
}

// claim marks id as loading unless it was requested within the retry
// tolerance. Caller holds l.mu.
func (l *Loader) claim(id ElementID, original string) bool {
	now := l.now()
	st, ok := l.table[id]
	if ok && !st.RequestedAt.IsZero() && now.Sub(st.RequestedAt) < l.tolerance {
		slog.Debug("Waiting before requesting element again", "tab_id", l.tab, "element_id", id, "tolerance", l.tolerance)
		return false
	}
	if !ok {
		st = &ElementState{}
		l.table[id] = st
	}
	st.OriginalURL = original
	st.RequestedAt = now
	st.Status = StatusLoading
	return true
}

// dispatch sends the fetch without blocking the sampler. A failed fetch
// leaves the indicator in place; a later sample past the tolerance retries.
func (l *Loader) dispatch(ctx context.Context, id ElementID, original string, apply func(context.Context, string) error) {
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		msg, err := protocol.NewMessage(protocol.KindFetch, l.tab, original)
		if err != nil {
			slog.Error("Failed to build fetch message", "tab_id", l.tab, "error", err)
			return
		}
		reply, err := l.conn.Call(ctx, msg)
		if err != nil {
			slog.Warn("Fetch call failed", "tab_id", l.tab, "element_id", id, "url", original, "error", err)
			return
		}
		var data string
		if err := reply.Decode(&data); err != nil {
			slog.Warn("Fetch returned no data", "tab_id", l.tab, "element_id", id, "url", original, "error", err)
			return
		}
		if err := apply(ctx, data); err != nil {
			slog.Warn("Failed to apply fetched image", "tab_id", l.tab, "element_id", id, "error", err)
			return
		}
		l.mu.Lock()
		if st, ok := l.table[id]; ok {
			st.Status = StatusLoaded
		}
		l.mu.Unlock()
		slog.Info("Loaded element", "tab_id", l.tab, "element_id", id, "url", original)
	}()
}

// AnnotateTitles gives every untitled image a hover hint: its alt text, or
// the file name of its source.
func (l *Loader) AnnotateTitles(ctx context.Context) (int, error) {
	images, err := l.page.UntitledImages(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, el := range images {
		title := el.Alt
		if title == "" {
			l.mu.Lock()
			src := l.resolve(el)
			l.mu.Unlock()
			if src == "" || isInline(src) {
				continue
			}
			title = titleFromURL(src)
		}
		if title == "" {
			continue
		}
		if err := l.page.SetTitle(ctx, el.ID, title); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Forget drops the side-table entries. Called when the tab navigates.
func (l *Loader) Forget() {
	l.mu.Lock()
	l.table = make(map[ElementID]*ElementState)
	l.mu.Unlock()
}

// Wait blocks until every dispatched fetch has settled.
func (l *Loader) Wait() {
	l.wg.Wait()
}
