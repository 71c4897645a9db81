package types

// TabInfo describes an attached browser tab as reported to the control surface.
type TabInfo struct {
	TabID  string `json:"tab_id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Domain string `json:"domain,omitempty"`
	// Exempt is true when requests from the tab are currently let through.
	Exempt bool `json:"exempt"`
	// LazyLoading is the indicator the browser action icon used to show:
	// the agent is enabled and the tab is neither site-allowed nor overridden.
	LazyLoading bool `json:"lazy_loading"`
	Active      bool `json:"active"`
}

// TabInfoProvider looks up attached tabs by id.
type TabInfoProvider interface {
	GetByStringID(tabID string) (*TabInfo, bool)
}
