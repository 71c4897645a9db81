package cdp

import (
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/slothtab/internal/types"
)

// TabRegistry maps CDP target IDs to tab metadata and tracks the active tab.
type TabRegistry struct {
	tabs   map[target.ID]*types.TabInfo
	order  []target.ID
	active target.ID
	mu     sync.RWMutex
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[target.ID]*types.TabInfo)}
}

// Register adds or refreshes a tab. The first registered tab becomes active.
func (r *TabRegistry) Register(targetID target.ID, url, title string) types.TabInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.tabs[targetID]
	if !ok {
		info = &types.TabInfo{TabID: string(targetID)}
		r.tabs[targetID] = info
		r.order = append(r.order, targetID)
	}
	info.URL = url
	if title != "" {
		info.Title = title
	}
	if r.active == "" {
		r.active = targetID
	}
	return r.snapshot(info)
}

// Update changes the URL and title of a known tab. Empty values are kept.
func (r *TabRegistry) Update(targetID target.ID, url, title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tabs[targetID]
	if !ok {
		return false
	}
	if url != "" {
		info.URL = url
	}
	if title != "" {
		info.Title = title
	}
	return true
}

func (r *TabRegistry) Get(targetID target.ID) (*types.TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[targetID]
	if !ok {
		return nil, false
	}
	cp := r.snapshot(info)
	return &cp, true
}

func (r *TabRegistry) GetByStringID(tabID string) (*types.TabInfo, bool) {
	return r.Get(target.ID(tabID))
}

func (r *TabRegistry) Remove(targetID target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[targetID]; !ok {
		return
	}
	delete(r.tabs, targetID)
	for i, id := range r.order {
		if id == targetID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == targetID {
		r.active = ""
		if len(r.order) > 0 {
			r.active = r.order[len(r.order)-1]
		}
	}
}

// SetActive marks a known tab as the one the user is looking at.
func (r *TabRegistry) SetActive(targetID target.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[targetID]; !ok {
		return false
	}
	r.active = targetID
	return true
}

func (r *TabRegistry) ActiveID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.active), r.active != ""
}

// List returns the tabs in registration order.
func (r *TabRegistry) List() []types.TabInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TabInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.snapshot(r.tabs[id]))
	}
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// snapshot copies info and stamps the active flag. Caller holds r.mu.
func (r *TabRegistry) snapshot(info *types.TabInfo) types.TabInfo {
	cp := *info
	cp.Active = target.ID(cp.TabID) == r.active
	return cp
}
