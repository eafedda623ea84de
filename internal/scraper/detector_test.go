package scraper

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func htmlHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return h
}

func TestIsScriptRenderedAppRootMarkers(t *testing.T) {
	t.Parallel()

	for _, root := range []string{"app", "root", "__next"} {
		page := []byte(`<html><body><div id="` + root + `"></div></body></html>`)
		require.True(t, IsScriptRendered(page, htmlHeaders()), "marker %q", root)
	}
	// Single quotes and mixed case count too.
	require.True(t, IsScriptRendered([]byte(`<div ID='App'></div>`), htmlHeaders()))
}

func TestIsScriptRenderedHydrationMarkers(t *testing.T) {
	t.Parallel()

	filler := strings.Repeat("<p>content</p>", 800)
	for _, marker := range []string{
		`<div data-reactroot="">`,
		`<script>window.__INITIAL_STATE__ = {}</script>`,
		`<script>window.__PRELOADED_STATE__ = {}</script>`,
	} {
		page := []byte("<html><body>" + filler + marker + "</body></html>")
		require.True(t, IsScriptRendered(page, htmlHeaders()), "marker %q", marker)
	}
}

func TestIsScriptRenderedScriptDensity(t *testing.T) {
	t.Parallel()

	scripts := bytes.Repeat([]byte(`<script src="/a.js"></script>`), 3)
	small := append([]byte("<html><body><div>hi</div>"), scripts...)
	require.True(t, IsScriptRendered(small, htmlHeaders()))

	// Same script count in a large document is treated as static.
	large := append([]byte(strings.Repeat("<p>text</p>", 1000)), scripts...)
	require.GreaterOrEqual(t, len(large), 8_000)
	require.False(t, IsScriptRendered(large, htmlHeaders()))
}

func TestIsScriptRenderedTinyHTMLShell(t *testing.T) {
	t.Parallel()

	shell := []byte(`<html><head><script src="/bundle.js"></script></head><body></body></html>`)
	require.True(t, IsScriptRendered(shell, htmlHeaders()))

	// Without a text/html content type the tiny-shell rule does not apply.
	jsonHeaders := http.Header{}
	jsonHeaders.Set("Content-Type", "application/json")
	require.False(t, IsScriptRendered(shell, jsonHeaders))
}

func TestIsScriptRenderedStaticPage(t *testing.T) {
	t.Parallel()

	page := []byte("<html><body>" + strings.Repeat("<p>words</p>", 300) + "</body></html>")
	require.False(t, IsScriptRendered(page, htmlHeaders()))

	require.False(t, IsScriptRendered(nil, http.Header{}))
}

func TestIsScriptRenderedDeterministic(t *testing.T) {
	t.Parallel()

	page := []byte(`<div id="app"></div>`)
	first := IsScriptRendered(page, htmlHeaders())
	for i := 0; i < 10; i++ {
		require.Equal(t, first, IsScriptRendered(page, htmlHeaders()))
	}
}
