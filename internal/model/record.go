package model

import (
	"net/http"
	"time"
)

// MetadataRecord is the durable row keyed by normalized URL. Exactly one
// logical record exists per URL; re-fetches update it in place.
type MetadataRecord struct {
	URL         string
	URLHash     string
	Domain      string
	RawKey      string
	RenderedKey string
	SnapshotKey string
	Bucket      string
	PublicURL   string
	ContentHash string
	HTTPStatus  int
	Headers     http.Header
	FetchedAt   time.Time
	TTLExpireAt time.Time
}
