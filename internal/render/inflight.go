package render

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// evalFunc evaluates a JavaScript expression in the page and unmarshals the
// result into out. Production code binds it to chromedp.Evaluate; tests
// inject fakes.
type evalFunc func(ctx context.Context, expr string, out any) error

// defaultIgnoreHosts are third-party beacon origins whose requests must not
// block settlement detection.
var defaultIgnoreHosts = []string{
	"google-analytics.com",
	"analytics.google.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
	"fonts.googleapis.com",
}

// inflightScript builds the init-time instrumentation injected before any
// page script runs. It wraps fetch and XMLHttpRequest to maintain a counted
// window.__inflightRequests gauge, skipping requests to the ignore list.
func inflightScript(ignoreHosts []string) string {
	hosts, err := json.Marshal(ignoreHosts)
	if err != nil {
		hosts = []byte("[]")
	}
	return fmt.Sprintf(`(function() {
  try {
    window.__inflightRequests = 0;
    window.__recentRequests = [];
    const ignoreHosts = %s;

    function shouldCount(url) {
      try {
        if (!url) return true;
        for (const h of ignoreHosts) {
          if (url.includes(h)) return false;
        }
        return true;
      } catch (e) { return true; }
    }

    function track(url) {
      window.__inflightRequests += 1;
      window.__recentRequests.push(url);
      if (window.__recentRequests.length > 100) window.__recentRequests.shift();
    }

    const origFetch = window.fetch;
    if (origFetch) {
      window.fetch = async function(resource, init) {
        const url = typeof resource === 'string' ? resource : (resource && resource.url) || '';
        const counted = shouldCount(url);
        if (counted) track(url);
        try {
          return await origFetch.apply(this, arguments);
        } finally {
          if (counted) window.__inflightRequests -= 1;
        }
      };
    }

    const origOpen = XMLHttpRequest.prototype.open;
    const origSend = XMLHttpRequest.prototype.send;
    XMLHttpRequest.prototype.open = function(method, url) {
      this.__trackedURL = url;
      return origOpen.apply(this, arguments);
    };
    XMLHttpRequest.prototype.send = function() {
      try {
        const url = this.__trackedURL || '';
        if (shouldCount(url)) {
          track(url);
          this.addEventListener('loadend', function() {
            window.__inflightRequests -= 1;
          });
        }
      } catch (e) {}
      return origSend.apply(this, arguments);
    };
  } catch (e) { console.error('instrumentation error', e); }
})();`, hosts)
}

// settleConfig bounds the sustained-zero wait.
type settleConfig struct {
	window       time.Duration
	pollInterval time.Duration
	zerosNeeded  int
}

// waitForSettle polls the in-flight gauge until it reads zero for zerosNeeded
// consecutive polls, or the window elapses. Best effort: a false return means
// the page never settled, which the caller logs but does not treat as fatal.
func waitForSettle(ctx context.Context, eval evalFunc, cfg settleConfig) bool {
	deadline := time.Now().Add(cfg.window)
	zeros := 0
	for time.Now().Before(deadline) {
		var inflight int
		if err := eval(ctx, "window.__inflightRequests || 0", &inflight); err != nil {
			zeros = 0
		} else if inflight == 0 {
			zeros++
			if zeros >= cfg.zerosNeeded {
				return true
			}
		} else {
			zeros = 0
		}
		timer := time.NewTimer(cfg.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

// autoScroll scrolls to the bottom of the document up to maxScrolls times to
// trigger lazy-loaded content, stopping early once the document height
// stabilizes between iterations.
func autoScroll(ctx context.Context, eval evalFunc, maxScrolls int, pause time.Duration) error {
	var lastHeight int64
	if err := eval(ctx, "document.body.scrollHeight", &lastHeight); err != nil {
		return fmt.Errorf("read scroll height: %w", err)
	}
	for i := 0; i < maxScrolls; i++ {
		if err := eval(ctx, "window.scrollTo(0, document.body.scrollHeight)", nil); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		var height int64
		if err := eval(ctx, "document.body.scrollHeight", &height); err != nil {
			return fmt.Errorf("read scroll height: %w", err)
		}
		if height == lastHeight {
			break
		}
		lastHeight = height
	}
	return nil
}
