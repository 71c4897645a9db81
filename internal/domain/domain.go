// Package domain maps URLs to the heuristically registrable domain used as the
// unit of durable authorization. It is not a public suffix list.
package domain

import "strings"

// compoundSuffixes are second-level labels that, when found right under the
// TLD, make the registrable domain three labels long (foo.co.uk, bar.gov.au).
var compoundSuffixes = map[string]bool{
	"co":  true,
	"gov": true,
}

// URLToDomain returns the registrable domain of rawURL, e.g.
// "https://images.example.com/x" -> "example.com". ok is false for empty input
// and for strings without a host component.
func URLToDomain(rawURL string) (string, bool) {
	if rawURL == "" {
		return "", false
	}

	comp := strings.Split(strings.ToLower(rawURL), "/")
	if len(comp) < 3 || comp[2] == "" {
		return "", false
	}

	labels := strings.Split(comp[2], ".")
	n := len(labels)
	keep := 2
	if n >= 3 && compoundSuffixes[labels[n-2]] {
		keep = 3
	}
	if keep > n {
		keep = n
	}
	return strings.Join(labels[n-keep:], "."), true
}

// IsInternalPage reports whether rawURL belongs to the browser itself
// (new tab page, settings, devtools). Navigations to such pages leave tab
// authorization untouched.
func IsInternalPage(rawURL string) bool {
	scheme, _, found := strings.Cut(strings.ToLower(rawURL), ":")
	if !found {
		return false
	}
	switch scheme {
	case "chrome", "chrome-extension", "chrome-search", "devtools", "about", "edge":
		return true
	}
	return false
}
