// Package scraper implements the fetch-and-store pipeline: admission
// control, streaming fetch with SPA classification, the failure taxonomy and
// the per-item orchestration that ties fetch, render, storage, metadata and
// event emission together.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/seya-ai/scraper-service/internal/model"
	"github.com/seya-ai/scraper-service/internal/telemetry"
)

// PageFetcher performs one streaming fetch attempt.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// stepResult reports how a pipeline stage left the item.
type stepResult int

const (
	// stepOK lets the item continue to the next stage.
	stepOK stepResult = iota
	// stepFailed means the item was dead-lettered: a terminal state.
	stepFailed
	// stepAbandoned means shutdown interrupted the item before a terminal
	// state; the upstream feed must redeliver it.
	stepAbandoned
)

// OrchestratorConfig carries the per-stage retry budgets and TTL policy.
type OrchestratorConfig struct {
	FetchAttempts  int
	UploadAttempts int
	UpsertAttempts int
	RawTTL         time.Duration
}

// Orchestrator drives one crawl item through the pipeline:
// acquire -> fetch/render -> persist -> emit or dead-letter -> release.
// It is the only component that constructs dead-letter events; everything
// below it signals failure through typed errors.
type Orchestrator struct {
	governor *Governor
	fetcher  PageFetcher
	renderer Renderer
	store    ObjectStore
	meta     MetadataStore
	results  ResultPublisher
	dlq      DeadLetterSink
	backoff  BackoffPolicy
	cfg      OrchestratorConfig
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(
	governor *Governor,
	fetcher PageFetcher,
	renderer Renderer,
	store ObjectStore,
	meta MetadataStore,
	results ResultPublisher,
	dlq DeadLetterSink,
	backoff BackoffPolicy,
	cfg OrchestratorConfig,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 2
	}
	if cfg.UploadAttempts <= 0 {
		cfg.UploadAttempts = 2
	}
	if cfg.UpsertAttempts <= 0 {
		cfg.UpsertAttempts = 3
	}
	if cfg.RawTTL <= 0 {
		cfg.RawTTL = 30 * 24 * time.Hour
	}
	return &Orchestrator{
		governor: governor,
		fetcher:  fetcher,
		renderer: renderer,
		store:    store,
		meta:     meta,
		results:  results,
		dlq:      dlq,
		backoff:  backoff,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Process handles one raw input message end to end. It never returns an
// error: every failure either dead-letters the item or, on shutdown,
// abandons it for upstream redelivery. The return value reports whether the
// item reached a terminal state (completed or dead-lettered); false means it
// was abandoned and the caller must not acknowledge the message, so the
// upstream feed redelivers it.
func (o *Orchestrator) Process(ctx context.Context, raw []byte) bool {
	var ev model.SearchResultEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		o.deadLetter(ctx, model.DeadLetterEvent{
			Reason:        model.ReasonParseError,
			CorrelationID: ev.CorrelationID,
			Error:         err.Error(),
			Raw:           string(raw),
		})
		return true
	}
	if ev.Link == "" {
		o.deadLetter(ctx, model.DeadLetterEvent{
			Reason:        model.ReasonParseError,
			CorrelationID: ev.CorrelationID,
			Error:         "missing link",
			Raw:           string(raw),
		})
		return true
	}

	normalized, err := NormalizeURL(ev.Link)
	if err != nil {
		o.deadLetter(ctx, model.DeadLetterEvent{
			Reason:        model.ReasonParseError,
			CorrelationID: ev.CorrelationID,
			URL:           ev.Link,
			Error:         err.Error(),
			Raw:           string(raw),
		})
		return true
	}
	urlHash := HashURL(normalized)
	domain := Domain(normalized)
	logger := o.logger.With(
		zap.String("url", normalized),
		zap.String("correlation_id", ev.CorrelationID),
	)

	waitStart := o.now()
	ticket, err := o.governor.Acquire(ctx, domain)
	if err != nil {
		logger.Warn("admission canceled, abandoning item", zap.Error(err))
		o.metrics.ItemsProcessed.WithLabelValues("abandoned").Inc()
		return false
	}
	o.metrics.GovernorWait.Observe(o.now().Sub(waitStart).Seconds())
	defer ticket.Release()

	res, step := o.fetchWithRetry(ctx, logger, ev, normalized)
	if step != stepOK {
		return step == stepFailed
	}
	if res.ScratchPath != "" {
		scratch := res.ScratchPath
		defer func() {
			if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
				logger.Warn("remove scratch file", zap.String("path", scratch), zap.Error(err))
			}
		}()
	}
	o.metrics.BytesTransferred.Add(float64(res.BytesTransferred))

	if res.Rendered {
		return o.renderPath(ctx, logger, ev, normalized, urlHash, domain, res)
	}
	return o.staticPath(ctx, logger, ev, normalized, urlHash, domain, res)
}

// fetchWithRetry runs the streaming fetcher under its retry budget. On
// failure it emits the matching dead letter; cancellation abandons the item
// silently.
func (o *Orchestrator) fetchWithRetry(
	ctx context.Context,
	logger *zap.Logger,
	ev model.SearchResultEvent,
	url string,
) (FetchResult, stepResult) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.FetchAttempts; attempt++ {
		start := o.now()
		res, err := o.fetcher.Fetch(ctx, url)
		if err == nil {
			o.metrics.FetchDuration.Observe(o.now().Sub(start).Seconds())
			return res, stepOK
		}
		lastErr = err
		if ctx.Err() != nil {
			o.abandon(logger, err)
			return FetchResult{}, stepAbandoned
		}
		logger.Warn("fetch attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if Classify(err) == Permanent {
			o.deadLetter(ctx, fetchDeadLetter(ev, url, err))
			return FetchResult{}, stepFailed
		}
		if attempt+1 >= o.cfg.FetchAttempts {
			break
		}
		if serr := o.backoff.Sleep(ctx, attempt); serr != nil {
			o.abandon(logger, serr)
			return FetchResult{}, stepAbandoned
		}
	}
	o.deadLetter(ctx, model.DeadLetterEvent{
		Reason:        model.ReasonFetchError,
		URL:           url,
		CorrelationID: ev.CorrelationID,
		Error:         lastErr.Error(),
	})
	return FetchResult{}, stepFailed
}

func fetchDeadLetter(ev model.SearchResultEvent, url string, err error) model.DeadLetterEvent {
	dl := model.DeadLetterEvent{
		URL:           url,
		CorrelationID: ev.CorrelationID,
		Error:         err.Error(),
	}
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		dl.Reason = model.ReasonBodyTooLarge
	default:
		dl.Reason = model.ReasonFetchPermanent
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			dl.HTTPStatus = httpErr.Status
		}
	}
	return dl
}

// renderPath hands the item to the headless fallback, which uploads (or
// dedupes) the rendered DOM itself, then records metadata and emits.
func (o *Orchestrator) renderPath(
	ctx context.Context,
	logger *zap.Logger,
	ev model.SearchResultEvent,
	url, urlHash, domain string,
	res FetchResult,
) bool {
	start := o.now()
	rr, err := o.renderer.Render(ctx, url, urlHash)
	if err != nil {
		if ctx.Err() != nil {
			o.abandon(logger, err)
			return false
		}
		reason := model.ReasonRenderFailed
		if errors.Is(err, ErrRobotsDenied) {
			reason = model.ReasonRobotsDenied
		}
		o.deadLetter(ctx, model.DeadLetterEvent{
			Reason:        reason,
			URL:           url,
			CorrelationID: ev.CorrelationID,
			Error:         err.Error(),
		})
		return true
	}
	o.metrics.RenderDuration.Observe(o.now().Sub(start).Seconds())
	if rr.Skipped {
		logger.Info("rendered content unchanged, upload skipped",
			zap.String("content_hash", rr.ContentHash))
	}

	rec := o.record(url, urlHash, domain, res, rr.ContentHash)
	rec.RenderedKey = rr.Key
	rec.SnapshotKey = rr.SnapshotKey
	rec.PublicURL = o.store.PublicURL(rr.Key)

	id, step := o.upsertWithRetry(ctx, logger, ev, rec, rr.Key)
	if step != stepOK {
		return step == stepFailed
	}
	o.emit(ctx, logger, ev, rec, id)
	return true
}

// staticPath uploads the gzipped scratch file and records metadata.
func (o *Orchestrator) staticPath(
	ctx context.Context,
	logger *zap.Logger,
	ev model.SearchResultEvent,
	url, urlHash, domain string,
	res FetchResult,
) bool {
	key := RawKey(urlHash, o.now())
	if step := o.uploadWithRetry(ctx, logger, ev, url, key, res); step != stepOK {
		return step == stepFailed
	}

	rec := o.record(url, urlHash, domain, res, res.ContentHash)
	rec.RawKey = key
	rec.PublicURL = o.store.PublicURL(key)

	id, step := o.upsertWithRetry(ctx, logger, ev, rec, key)
	if step != stepOK {
		return step == stepFailed
	}
	o.emit(ctx, logger, ev, rec, id)
	return true
}

func (o *Orchestrator) uploadWithRetry(
	ctx context.Context,
	logger *zap.Logger,
	ev model.SearchResultEvent,
	url, key string,
	res FetchResult,
) stepResult {
	var lastErr error
	for attempt := 0; attempt < o.cfg.UploadAttempts; attempt++ {
		err := o.store.UploadFile(ctx, key, res.ScratchPath, res.ContentHash)
		if err == nil {
			return stepOK
		}
		lastErr = err
		if ctx.Err() != nil {
			o.abandon(logger, err)
			return stepAbandoned
		}
		logger.Warn("object upload failed",
			zap.String("key", key),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt+1 >= o.cfg.UploadAttempts {
			break
		}
		if serr := o.backoff.Sleep(ctx, attempt); serr != nil {
			o.abandon(logger, serr)
			return stepAbandoned
		}
	}
	o.deadLetter(ctx, model.DeadLetterEvent{
		Reason:        model.ReasonUploadError,
		URL:           url,
		CorrelationID: ev.CorrelationID,
		Error:         lastErr.Error(),
	})
	return stepFailed
}

// upsertWithRetry writes the metadata record. The object is already uploaded
// at this point, so exhaustion dead-letters with the orphaned key recorded
// for out-of-band garbage collection; the upload is never rolled back here
// because a concurrent retry might still need it.
func (o *Orchestrator) upsertWithRetry(
	ctx context.Context,
	logger *zap.Logger,
	ev model.SearchResultEvent,
	rec model.MetadataRecord,
	orphanKey string,
) (string, stepResult) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.UpsertAttempts; attempt++ {
		id, err := o.meta.Upsert(ctx, rec)
		if err == nil {
			return id, stepOK
		}
		lastErr = err
		if ctx.Err() != nil {
			o.abandon(logger, err)
			return "", stepAbandoned
		}
		logger.Warn("metadata upsert failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt+1 >= o.cfg.UpsertAttempts {
			break
		}
		if serr := o.backoff.Sleep(ctx, attempt); serr != nil {
			o.abandon(logger, serr)
			return "", stepAbandoned
		}
	}
	o.deadLetter(ctx, model.DeadLetterEvent{
		Reason:        model.ReasonUpsertAfterUpload,
		URL:           rec.URL,
		CorrelationID: ev.CorrelationID,
		Error:         lastErr.Error(),
		OrphanKey:     orphanKey,
	})
	return "", stepFailed
}

func (o *Orchestrator) record(url, urlHash, domain string, res FetchResult, contentHash string) model.MetadataRecord {
	now := o.now().UTC()
	return model.MetadataRecord{
		URL:         url,
		URLHash:     urlHash,
		Domain:      domain,
		Bucket:      o.store.Bucket(),
		ContentHash: contentHash,
		HTTPStatus:  res.StatusCode,
		Headers:     res.Headers,
		FetchedAt:   now,
		TTLExpireAt: now.Add(o.cfg.RawTTL),
	}
}

func (o *Orchestrator) emit(
	ctx context.Context,
	logger *zap.Logger,
	ev model.SearchResultEvent,
	rec model.MetadataRecord,
	documentID string,
) {
	out := model.ScraperFetchedEvent{
		CorrelationID: ev.CorrelationID,
		DocumentID:    documentID,
		URL:           rec.URL,
		Bucket:        rec.Bucket,
		RawKey:        rec.RawKey,
		RenderedKey:   rec.RenderedKey,
		SnapshotKey:   rec.SnapshotKey,
		PublicURL:     rec.PublicURL,
		ContentHash:   rec.ContentHash,
		HTTPStatus:    rec.HTTPStatus,
		FetchedAt:     rec.FetchedAt.Format(time.RFC3339),
		SourceDomain:  ev.SourceDomain,
		Title:         ev.Title,
		URLHash:       rec.URLHash,
		Domain:        rec.Domain,
		Done:          true,
	}
	if err := o.results.PublishResult(ctx, out); err != nil {
		// The page is stored and recorded; upstream will not redeliver.
		// Surface loudly and leave replay to the operator.
		logger.Error("publish completion event failed", zap.Error(err))
		o.metrics.ItemsProcessed.WithLabelValues("publish_failed").Inc()
		return
	}
	o.metrics.ItemsProcessed.WithLabelValues("completed").Inc()
	logger.Info("item completed",
		zap.String("document_id", documentID),
		zap.String("content_hash", rec.ContentHash),
		zap.Bool("rendered", rec.RenderedKey != ""),
	)
}

func (o *Orchestrator) deadLetter(ctx context.Context, dl model.DeadLetterEvent) {
	o.dlq.Publish(ctx, dl)
	o.metrics.DeadLetters.WithLabelValues(string(dl.Reason)).Inc()
	o.metrics.ItemsProcessed.WithLabelValues("dead_lettered").Inc()
	o.logger.Warn("item dead-lettered",
		zap.String("reason", string(dl.Reason)),
		zap.String("url", dl.URL),
		zap.String("correlation_id", dl.CorrelationID),
		zap.String("error", dl.Error),
	)
}

func (o *Orchestrator) abandon(logger *zap.Logger, err error) {
	logger.Warn("shutdown during processing, abandoning item", zap.Error(err))
	o.metrics.ItemsProcessed.WithLabelValues("abandoned").Inc()
}
