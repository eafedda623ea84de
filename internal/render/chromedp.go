// Package render implements the headless-browser fallback for
// script-rendered pages: robots enforcement, instrumented navigation,
// settlement detection, auto-scroll and dedupe-by-hash upload.
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seya-ai/scraper-service/internal/scraper"
)

// Config controls the chromedp renderer.
type Config struct {
	UserAgent      string
	MaxConcurrency int
	NavTimeout     time.Duration
	// WaitSelector, when set, is waited for after navigation. A timeout is
	// logged and ignored.
	WaitSelector   string
	MaxScrolls     int
	ScrollPause    time.Duration
	SettleWindow   time.Duration
	SettlePoll     time.Duration
	SettleZeroHold time.Duration
	IgnoreHosts    []string
	DomainQPS      float64
	Screenshots    bool
	// NoSandbox disables the Chrome sandbox. Required when running as root
	// inside a container; leave off everywhere else.
	NoSandbox bool
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 2
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.MaxScrolls <= 0 {
		c.MaxScrolls = 12
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 400 * time.Millisecond
	}
	if c.SettleWindow <= 0 {
		c.SettleWindow = 3 * time.Second
	}
	if c.SettlePoll <= 0 {
		c.SettlePoll = 100 * time.Millisecond
	}
	if c.SettleZeroHold <= 0 {
		c.SettleZeroHold = 500 * time.Millisecond
	}
	if len(c.IgnoreHosts) == 0 {
		c.IgnoreHosts = defaultIgnoreHosts
	}
}

// ChromedpRenderer renders pages in headless Chrome. Rendering is far
// heavier than a plain fetch, so it holds its own semaphore sized
// independently of the admission governor.
type ChromedpRenderer struct {
	cfg             Config
	store           scraper.ObjectStore
	robots          *RobotsPolicy
	logger          *zap.Logger
	sem             chan struct{}
	allocator       context.Context
	allocatorCancel context.CancelFunc
	limiters        sync.Map
	script          string
	now             func() time.Time
}

// NewChromedp creates the renderer and its browser allocator. The browser
// process itself starts lazily with the first render.
func NewChromedp(cfg Config, store scraper.ObjectStore, robots *RobotsPolicy, logger *zap.Logger) *ChromedpRenderer {
	cfg.applyDefaults()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	allocator, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromedpRenderer{
		cfg:             cfg,
		store:           store,
		robots:          robots,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxConcurrency),
		allocator:       allocator,
		allocatorCancel: cancel,
		script:          inflightScript(cfg.IgnoreHosts),
		now:             time.Now,
	}
}

// Close tears down the browser allocator.
func (r *ChromedpRenderer) Close() {
	r.allocatorCancel()
}

// Render drives a full headless render of rawURL and uploads the serialized
// DOM unless an object with the same content hash is already stored.
func (r *ChromedpRenderer) Render(ctx context.Context, rawURL, urlHash string) (scraper.RenderResult, error) {
	if !r.robots.Allowed(ctx, rawURL) {
		return scraper.RenderResult{}, fmt.Errorf("render %s: %w", rawURL, scraper.ErrRobotsDenied)
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return scraper.RenderResult{}, err
	}
	defer release()

	if err := r.waitDomainBudget(ctx, rawURL); err != nil {
		return scraper.RenderResult{}, err
	}

	html, snapshot, err := r.renderDOM(ctx, rawURL)
	if err != nil {
		return scraper.RenderResult{}, err
	}

	key := scraper.RenderedKey(urlHash, r.now())
	contentHash, skipped, err := storeRendered(ctx, r.store, r.logger, key, html)
	if err != nil {
		return scraper.RenderResult{}, err
	}
	result := scraper.RenderResult{ContentHash: contentHash, Key: key, Skipped: skipped}

	if r.cfg.Screenshots && len(snapshot) > 0 {
		snapKey := scraper.SnapshotKey(urlHash, r.now())
		if upErr := r.store.Upload(ctx, snapKey, snapshot, "image/png", "", contentHash); upErr != nil {
			// The DOM is already stored; a lost screenshot is not fatal.
			r.logger.Warn("upload snapshot failed", zap.String("key", snapKey), zap.Error(upErr))
		} else {
			result.SnapshotKey = snapKey
		}
	}

	return result, nil
}

// storeRendered gzips and uploads the serialized DOM under key, unless the
// object already stored at that key carries the same content hash, in which
// case the upload is skipped. A failed hash lookup counts as no match.
func storeRendered(ctx context.Context, store scraper.ObjectStore, logger *zap.Logger, key, html string) (string, bool, error) {
	sum := sha256.Sum256([]byte(html))
	contentHash := hex.EncodeToString(sum[:])

	stored, err := store.StoredHash(ctx, key)
	if err != nil {
		logger.Debug("stored hash lookup failed", zap.String("key", key), zap.Error(err))
	}
	if stored == contentHash && stored != "" {
		return contentHash, true, nil
	}

	gz, err := gzipBytes([]byte(html))
	if err != nil {
		return "", false, fmt.Errorf("compress rendered html: %w", err)
	}
	if err := store.Upload(ctx, key, gz, "text/html", "gzip", contentHash); err != nil {
		return "", false, fmt.Errorf("upload rendered html: %w", err)
	}
	return contentHash, false, nil
}

// renderDOM owns the browser tab lifecycle: every exit path cancels the tab
// context, which closes the page and its target.
func (r *ChromedpRenderer) renderDOM(ctx context.Context, rawURL string) (string, []byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.allocator)
	defer cancelTab()

	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.NavTimeout)
	defer cancelTask()

	eval := func(ectx context.Context, expr string, out any) error {
		return chromedp.Run(ectx, chromedp.Evaluate(expr, out))
	}

	if err := chromedp.Run(taskCtx,
		chromedp.ActionFunc(func(actx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(r.script).Do(actx)
			return err
		}),
	); err != nil {
		return "", nil, fmt.Errorf("install instrumentation: %w", err)
	}

	if err := r.navigate(taskCtx, rawURL, eval); err != nil {
		return "", nil, err
	}

	if r.cfg.WaitSelector != "" {
		selTimeout := r.cfg.NavTimeout / 3
		if selTimeout < 3*time.Second {
			selTimeout = 3 * time.Second
		}
		selCtx, cancelSel := context.WithTimeout(taskCtx, selTimeout)
		if err := chromedp.Run(selCtx, chromedp.WaitVisible(r.cfg.WaitSelector, chromedp.ByQuery)); err != nil {
			r.logger.Info("selector wait timed out",
				zap.String("url", rawURL), zap.String("selector", r.cfg.WaitSelector))
		}
		cancelSel()
	}

	if err := autoScroll(taskCtx, eval, r.cfg.MaxScrolls, r.cfg.ScrollPause); err != nil {
		if taskCtx.Err() != nil {
			return "", nil, fmt.Errorf("auto scroll: %w", err)
		}
		r.logger.Debug("auto scroll failed", zap.String("url", rawURL), zap.Error(err))
	}

	settled := waitForSettle(taskCtx, eval, settleConfig{
		window:       r.cfg.SettleWindow,
		pollInterval: r.cfg.SettlePoll,
		zerosNeeded:  zerosNeeded(r.cfg.SettleZeroHold, r.cfg.SettlePoll),
	})
	if !settled {
		r.logger.Debug("in-flight requests did not settle", zap.String("url", rawURL))
	}

	// Small buffer for microtasks scheduled by the last responses.
	if err := chromedp.Run(taskCtx, chromedp.Sleep(150*time.Millisecond)); err != nil {
		return "", nil, fmt.Errorf("post-settle wait: %w", err)
	}

	var html string
	if err := chromedp.Run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", nil, fmt.Errorf("serialize dom: %w", err)
	}

	var snapshot []byte
	if r.cfg.Screenshots {
		if err := chromedp.Run(taskCtx, chromedp.FullScreenshot(&snapshot, 90)); err != nil {
			r.logger.Warn("screenshot failed", zap.String("url", rawURL), zap.Error(err))
			snapshot = nil
		}
	}

	return html, snapshot, nil
}

// navigate issues the navigation and applies progressively weaker readiness
// conditions: body ready within the nav timeout, then a DOM-content-loaded
// readyState poll as the last resort. The in-flight settlement wait after
// navigation plays the role of the network-idle condition.
func (r *ChromedpRenderer) navigate(ctx context.Context, rawURL string, eval evalFunc) error {
	if err := chromedp.Run(ctx, chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	loadCtx, cancelLoad := context.WithTimeout(ctx, r.cfg.NavTimeout/2)
	err := chromedp.Run(loadCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	cancelLoad()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("navigation wait: %w", ctx.Err())
	}
	r.logger.Info("load wait timed out, falling back to readyState poll", zap.String("url", rawURL))

	for {
		var state string
		if evalErr := eval(ctx, "document.readyState", &state); evalErr == nil {
			if state == "interactive" || state == "complete" {
				return nil
			}
		}
		timer := time.NewTimer(200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("navigation never became ready: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *ChromedpRenderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

func (r *ChromedpRenderer) waitDomainBudget(ctx context.Context, rawURL string) error {
	if r.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := r.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("render rate limit: %w", err)
	}
	return nil
}

func zerosNeeded(hold, poll time.Duration) int {
	if poll <= 0 {
		return 1
	}
	n := int(hold / poll)
	if n < 1 {
		return 1
	}
	return n
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// forwardCancel propagates cancellation of the request context into the tab
// context, which is derived from the long-lived allocator instead.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

var _ scraper.Renderer = (*ChromedpRenderer)(nil)
