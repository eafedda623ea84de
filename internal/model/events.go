// Package model defines the JSON contracts exchanged over the message bus.
package model

// SearchResultEvent is one discovered URL consumed from the upstream
// search feed. Unknown fields in the payload are ignored so producers can
// evolve the schema without breaking this service.
type SearchResultEvent struct {
	CorrelationID string `json:"correlationId"`
	Query         string `json:"query,omitempty"`
	SourceDomain  string `json:"sourceDomain,omitempty"`
	Link          string `json:"link"`
	Title         string `json:"title,omitempty"`
	Snippet       string `json:"snippet,omitempty"`
	Rank          int    `json:"rank,omitempty"`
}

// ScraperFetchedEvent announces that a page has been fetched, stored and
// recorded. Downstream parsing picks it up from the completion topic.
type ScraperFetchedEvent struct {
	CorrelationID string `json:"correlationId"`
	DocumentID    string `json:"document_id,omitempty"`
	URL           string `json:"url"`
	Bucket        string `json:"r2_bucket"`
	RawKey        string `json:"r2_key_raw,omitempty"`
	RenderedKey   string `json:"r2_key_rendered,omitempty"`
	SnapshotKey   string `json:"r2_snapshot_key,omitempty"`
	PublicURL     string `json:"r2_url,omitempty"`
	ContentHash   string `json:"content_hash"`
	HTTPStatus    int    `json:"http_status"`
	FetchedAt     string `json:"fetched_at"`
	SourceDomain  string `json:"sourceDomain,omitempty"`
	Title         string `json:"title,omitempty"`
	URLHash       string `json:"url_hash"`
	Domain        string `json:"domain,omitempty"`
	Done          bool   `json:"done"`
}

// DeadLetterReason enumerates the terminal failure taxonomy. Each value is
// stable wire vocabulary; operators replay dead letters by reason.
type DeadLetterReason string

const (
	ReasonParseError        DeadLetterReason = "parse_error"
	ReasonFetchPermanent    DeadLetterReason = "fetch_permanent"
	ReasonFetchError        DeadLetterReason = "fetch_error"
	ReasonRobotsDenied      DeadLetterReason = "robots_denied"
	ReasonBodyTooLarge      DeadLetterReason = "body_too_large"
	ReasonRenderFailed      DeadLetterReason = "render_failed"
	ReasonUploadError       DeadLetterReason = "r2_upload_error"
	ReasonUpsertAfterUpload DeadLetterReason = "db_upsert_after_upload_failed"
)

// DeadLetterEvent is a terminal, self-describing failure record. It carries
// enough context (reason, URL, correlation id, error text) for manual replay
// without consulting logs.
type DeadLetterEvent struct {
	Reason        DeadLetterReason `json:"reason"`
	URL           string           `json:"url,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Error         string           `json:"error"`
	HTTPStatus    int              `json:"status,omitempty"`
	OrphanKey     string           `json:"r2_key,omitempty"`
	Raw           string           `json:"raw,omitempty"`
}
