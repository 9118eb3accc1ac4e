// File: internal/rewrite/htmlpipe/filters.go
package htmlpipe

import (
	"bytes"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/htmlforge/internal/propcache"
)

// Filter rewrites one start or self-closing tag at a time. It may mutate
// the token in place and return bytes to inject immediately after the
// tag. Returning an error (or panicking) discards this filter's change
// for that tag only; sibling filters and sibling bytes are unaffected.
type Filter interface {
	Name() string
	RewriteTag(tok *html.Token) (inject []byte, changed bool, err error)
}

// PageLookup resolves the property page for a cohort, or nil when the
// lookup did not deliver one. Bound to the request's lookup collector.
type PageLookup func(cohort string) *propcache.Page

// LazyLoadFilter marks images for browser-native lazy loading.
type LazyLoadFilter struct{}

func (LazyLoadFilter) Name() string { return "lazyload_images" }

func (LazyLoadFilter) RewriteTag(tok *html.Token) ([]byte, bool, error) {
	if tok.Data != "img" {
		return nil, false, nil
	}
	for _, attr := range tok.Attr {
		if attr.Key == "loading" {
			return nil, false, nil
		}
	}
	tok.Attr = append(tok.Attr, html.Attribute{Key: "loading", Val: "lazy"})
	return nil, true, nil
}

// CriticalCSSFilter injects the persisted critical selector set for the
// page as an inline style block at the top of <head>. An expired value is
// used as last-known-good fallback rather than dropped.
type CriticalCSSFilter struct {
	pages    PageLookup
	injected bool
}

// NewCriticalCSSFilter reads the "page" cohort through the given lookup.
func NewCriticalCSSFilter(pages PageLookup) *CriticalCSSFilter {
	return &CriticalCSSFilter{pages: pages}
}

func (f *CriticalCSSFilter) Name() string { return "critical_css" }

func (f *CriticalCSSFilter) RewriteTag(tok *html.Token) ([]byte, bool, error) {
	if f.injected || tok.Data != "head" || tok.Type != html.StartTagToken {
		return nil, false, nil
	}
	page := f.pages("page")
	if page == nil {
		return nil, false, nil
	}
	v := page.Value("critical_css")
	css := v.Bytes()
	if css == nil {
		// Last-known-good: an expired selector set still beats a flash of
		// unstyled content.
		css = v.StaleBytes()
	}
	if len(css) == 0 {
		return nil, false, nil
	}
	f.injected = true
	var b bytes.Buffer
	b.WriteString(`<style id="hf-critical">`)
	b.Write(css)
	b.WriteString("</style>")
	return b.Bytes(), false, nil
}
