// Package intercept decides, per image/media request, whether the request is
// let through or redirected to the placeholder, and keeps the request-pipeline
// registration in step with the extension-enabled flag.
package intercept

import "github.com/dgnsrekt/slothtab/internal/authz"

// Action is the outcome of a decision.
type Action int

const (
	// Allow lets the request through and counts it.
	Allow Action = iota
	// AllowPlaceholder lets a request for the placeholder itself through
	// without counting it, so substitution cannot loop.
	AllowPlaceholder
	// Block substitutes the placeholder and counts the request.
	Block
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case AllowPlaceholder:
		return "allow-placeholder"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Decision is returned for every intercepted request.
type Decision struct {
	Action      Action
	RedirectURL string
}

// Authorizer is the slice of authz.State a decision reads and counts against.
type Authorizer interface {
	IsTabExempt(tab authz.TabID) bool
	CountAllowed()
	CountBlocked()
}

// Decide evaluates one request. It holds no request-local state; the outcome
// depends only on its arguments and the authorizer's state at call time.
func Decide(a Authorizer, tab authz.TabID, url, placeholderURL string) Decision {
	if tab == authz.NoTab || a.IsTabExempt(tab) {
		a.CountAllowed()
		return Decision{Action: Allow}
	}
	if url == placeholderURL {
		return Decision{Action: AllowPlaceholder}
	}
	a.CountBlocked()
	return Decision{Action: Block, RedirectURL: placeholderURL}
}
