package scraper

import (
	"context"

	"github.com/seya-ai/scraper-service/internal/model"
)

// ObjectStore writes gzipped page content to the content-addressable object
// store and reads back stored hashes for dedupe decisions.
type ObjectStore interface {
	// UploadFile uploads an already-gzipped scratch file under key,
	// recording contentHash as object metadata.
	UploadFile(ctx context.Context, key, path, contentHash string) error
	// Upload uploads an in-memory payload under key.
	Upload(ctx context.Context, key string, data []byte, contentType, contentEncoding, contentHash string) error
	// StoredHash returns the content hash recorded on an existing object,
	// or "" when the object does not exist.
	StoredHash(ctx context.Context, key string) (string, error)
	// Bucket names the backing bucket for event payloads.
	Bucket() string
	// PublicURL renders the externally reachable URL for a key.
	PublicURL(key string) string
}

// MetadataStore performs the single idempotent upsert the pipeline needs.
type MetadataStore interface {
	Upsert(ctx context.Context, rec model.MetadataRecord) (string, error)
}

// ResultPublisher emits completion events to the downstream topic.
type ResultPublisher interface {
	PublishResult(ctx context.Context, ev model.ScraperFetchedEvent) error
}

// DeadLetterSink routes terminal failures to the dead-letter channel.
// Delivery is best effort; implementations log rather than propagate errors
// so a broken DLQ never takes the pipeline down with it.
type DeadLetterSink interface {
	Publish(ctx context.Context, ev model.DeadLetterEvent)
}

// RenderResult is what the headless fallback hands back after it has
// serialized, deduped and (when the content changed) uploaded the DOM.
type RenderResult struct {
	ContentHash string
	Key         string
	SnapshotKey string
	// Skipped is true when the stored object already carried this hash and
	// the upload was elided.
	Skipped bool
}

// Renderer is the headless-browser fallback for script-rendered pages.
type Renderer interface {
	Render(ctx context.Context, url, urlHash string) (RenderResult, error)
}
