// Package deferload reveals blocked images on demand. A Loader samples the
// elements stacked under the pointer while the hover-reveal modifier is held
// and swaps the placeholder for the real image, fetched out of band by the
// background service and delivered as a data: URI.
package deferload

import (
	"context"
	"net/url"
	"strings"
)

// ElementID is a stable handle for a DOM element, assigned by the page script.
type ElementID string

// Element is a snapshot of the attributes the loader reads.
type Element struct {
	ID     ElementID `json:"id"`
	Tag    string    `json:"tag"`
	Src    string    `json:"src"`
	Srcset string    `json:"srcset"`
	Alt    string    `json:"alt"`
	// InPicture is set when the parent element is a <picture>.
	InPicture bool `json:"inPicture"`
	// PictureSourceSrcset is the srcset of the first <source> sibling.
	PictureSourceSrcset string `json:"pictureSourceSrcset"`
	// BackgroundImage is the computed background-image value.
	BackgroundImage string `json:"backgroundImage"`
	// BaseURI is the document base that relative srcset candidates resolve against.
	BaseURI string `json:"baseURI"`
}

// IsImage reports whether e is an <img>.
func (e Element) IsImage() bool {
	return strings.EqualFold(e.Tag, "img")
}

// Page is the DOM of one tab.
type Page interface {
	// ElementsAt returns every element stacked at (x, y), topmost first.
	ElementsAt(ctx context.Context, x, y float64) ([]Element, error)
	SetSrc(ctx context.Context, id ElementID, src string) error
	RemoveSrcset(ctx context.Context, id ElementID) error
	// RemovePictureSources removes the <source> siblings of an <img> inside a <picture>.
	RemovePictureSources(ctx context.Context, id ElementID) error
	// SetBackgroundImage sets background-image to url(value) with !important.
	SetBackgroundImage(ctx context.Context, id ElementID, value string) error
	SetTitle(ctx context.Context, id ElementID, title string) error
	// UntitledImages returns every <img> with an empty title attribute.
	UntitledImages(ctx context.Context) ([]Element, error)
}

// ParseSrcset returns the URL of every candidate in a srcset attribute.
func ParseSrcset(srcset string) []string {
	var out []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		out = append(out, fields[0])
	}
	return out
}

// ParseCSSURL extracts the URL from a url(...) value, quoted or not.
func ParseCSSURL(value string) (string, bool) {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, "url(") || !strings.HasSuffix(v, ")") {
		return "", false
	}
	inner := strings.TrimSpace(v[len("url(") : len(v)-1])
	if len(inner) >= 2 {
		if q := inner[0]; (q == '"' || q == '\'') && inner[len(inner)-1] == q {
			inner = inner[1 : len(inner)-1]
		}
	}
	if inner == "" {
		return "", false
	}
	return inner, true
}

// absoluteURL resolves ref against base. Attribute values such as srcset
// candidates may be relative; ref is returned as is when either side does
// not parse.
func absoluteURL(base, ref string) string {
	if base == "" || ref == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// titleFromURL returns the decoded last path segment without the query.
func titleFromURL(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	segment := decoded[strings.LastIndex(decoded, "/")+1:]
	if i := strings.IndexAny(segment, "?#"); i >= 0 {
		segment = segment[:i]
	}
	return segment
}

func isInline(src string) bool {
	return strings.HasPrefix(src, "data:")
}
