package scraper

import (
	"net/http"
	"regexp"
	"strings"
)

// DefaultPrefetchBytes is how much of the body is buffered before deciding
// whether the page needs a browser.
const DefaultPrefetchBytes = 16 * 1024

var (
	appRootPattern   = regexp.MustCompile(`(?i)id=["'](?:app|root|__next)["']`)
	hydrationPattern = regexp.MustCompile(`(?i)data-reactroot|window\.__INITIAL_STATE__|window\.__PRELOADED_STATE__`)
	scriptTagPattern = regexp.MustCompile(`(?i)<script\b`)
)

// IsScriptRendered reports whether a page looks like a client-rendered SPA,
// judging only from the raw byte prefix and the response headers. It works
// directly on bytes so it tolerates any encoding, and it is a pure function:
// the same prefix and headers always produce the same verdict.
//
// Rules apply in order, first match wins:
//  1. a known SPA root element marker in the prefix
//  2. client-framework hydration markers in the prefix
//  3. three or more script tags with less than 8 KB of markup
//  4. text/html with at least one script tag and less than 2 KB of markup
func IsScriptRendered(prefix []byte, headers http.Header) bool {
	if appRootPattern.Match(prefix) {
		return true
	}
	if hydrationPattern.Match(prefix) {
		return true
	}
	scripts := len(scriptTagPattern.FindAll(prefix, -1))
	if scripts >= 3 && len(prefix) < 8_000 {
		return true
	}
	contentType := strings.ToLower(headers.Get("Content-Type"))
	if strings.Contains(contentType, "text/html") && scripts >= 1 && len(prefix) < 2_000 {
		return true
	}
	return false
}
