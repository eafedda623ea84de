package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const readChunkSize = 64 * 1024

// FetcherConfig controls the streaming fetch path.
type FetcherConfig struct {
	UserAgent     string
	Timeout       time.Duration
	PrefetchBytes int
	MaxBytes      int64
	// ScratchDir receives temporary gzip files; empty means os.TempDir.
	ScratchDir string
}

// FetchResult is the outcome of one attempt. For static pages the body has
// been hashed and gzipped into a scratch file owned by the caller; for
// script-rendered pages only the verdict and response metadata are filled.
type FetchResult struct {
	Rendered         bool
	StatusCode       int
	Headers          http.Header
	ContentHash      string
	ScratchPath      string
	BytesTransferred int64
}

// Fetcher issues one GET per attempt, classifies the page from a bounded
// prefetch and, for static pages, streams the remainder of the same
// connection through an inline hash and gzip compressor.
type Fetcher struct {
	client *http.Client
	cfg    FetcherConfig
	logger *zap.Logger
}

// NewFetcher builds a Fetcher with its own HTTP client.
func NewFetcher(cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if cfg.PrefetchBytes <= 0 {
		cfg.PrefetchBytes = DefaultPrefetchBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 8 << 20
	}
	return &Fetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Fetch performs a single attempt against a normalized URL.
//
// Status codes >= 400 abort before any body is read; the returned HTTPError
// lets the caller classify them (4xx other than 429 are permanent). A
// rendered verdict abandons the connection: the browser fallback performs
// its own navigation, so a second network fetch is the accepted cost.
func (f *Fetcher) Fetch(ctx context.Context, url string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode >= 400 {
		return FetchResult{}, &HTTPError{Status: resp.StatusCode}
	}

	prefix, prefixErr := f.prefetch(resp.Body)
	if prefixErr != nil {
		return FetchResult{}, fmt.Errorf("prefetch body: %w", prefixErr)
	}

	if IsScriptRendered(prefix, resp.Header) {
		// The live connection is abandoned here; rendering re-navigates.
		return FetchResult{
			Rendered:         true,
			StatusCode:       resp.StatusCode,
			Headers:          resp.Header.Clone(),
			BytesTransferred: int64(len(prefix)),
		}, nil
	}

	return f.streamStatic(resp, prefix)
}

// prefetch reads up to cfg.PrefetchBytes, or the whole body if shorter.
func (f *Fetcher) prefetch(body io.Reader) ([]byte, error) {
	prefix := make([]byte, 0, f.cfg.PrefetchBytes)
	buf := make([]byte, readChunkSize)
	for len(prefix) < f.cfg.PrefetchBytes {
		n, err := body.Read(buf)
		if n > 0 {
			prefix = append(prefix, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return prefix, nil
}

// streamStatic continues on the live connection, feeding every chunk through
// a running SHA-256 and a streaming gzip writer into a scratch file. The
// scratch file is removed on every failure path; on success the caller owns
// it and must delete it after upload.
func (f *Fetcher) streamStatic(resp *http.Response, prefix []byte) (FetchResult, error) {
	tmp, err := os.CreateTemp(f.cfg.ScratchDir, "scrape-*.html.gz")
	if err != nil {
		return FetchResult{}, fmt.Errorf("create scratch file: %w", err)
	}
	scratch := tmp.Name()
	gz := gzip.NewWriter(tmp)
	hasher := sha256.New()

	discard := func() {
		_ = gz.Close()
		_ = tmp.Close()
		if rmErr := os.Remove(scratch); rmErr != nil {
			f.logger.Warn("remove scratch file", zap.String("path", scratch), zap.Error(rmErr))
		}
	}

	total := int64(len(prefix))
	if total > f.cfg.MaxBytes {
		discard()
		return FetchResult{}, ErrBodyTooLarge
	}
	hasher.Write(prefix)
	if _, err := gz.Write(prefix); err != nil {
		discard()
		return FetchResult{}, fmt.Errorf("write prefix: %w", err)
	}

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > f.cfg.MaxBytes {
				discard()
				return FetchResult{}, ErrBodyTooLarge
			}
			hasher.Write(buf[:n])
			if _, err := gz.Write(buf[:n]); err != nil {
				discard()
				return FetchResult{}, fmt.Errorf("write chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			discard()
			return FetchResult{}, fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := gz.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(scratch)
		return FetchResult{}, fmt.Errorf("finalize gzip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(scratch)
		return FetchResult{}, fmt.Errorf("close scratch file: %w", err)
	}

	return FetchResult{
		StatusCode:       resp.StatusCode,
		Headers:          resp.Header.Clone(),
		ContentHash:      hex.EncodeToString(hasher.Sum(nil)),
		ScratchPath:      scratch,
		BytesTransferred: total,
	}, nil
}
