package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seya-ai/scraper-service/internal/storage"
)

func TestConfigApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{UserAgent: "seya-scraper/1.0"}
	cfg.applyDefaults()

	require.Equal(t, 2, cfg.MaxConcurrency)
	require.Equal(t, 30*time.Second, cfg.NavTimeout)
	require.Equal(t, 12, cfg.MaxScrolls)
	require.Equal(t, 400*time.Millisecond, cfg.ScrollPause)
	require.Equal(t, 3*time.Second, cfg.SettleWindow)
	require.Equal(t, 100*time.Millisecond, cfg.SettlePoll)
	require.Equal(t, defaultIgnoreHosts, cfg.IgnoreHosts)
}

func TestConfigKeepsOverrides(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MaxConcurrency: 5,
		NavTimeout:     time.Minute,
		IgnoreHosts:    []string{"tracker.example.com"},
	}
	cfg.applyDefaults()

	require.Equal(t, 5, cfg.MaxConcurrency)
	require.Equal(t, time.Minute, cfg.NavTimeout)
	require.Equal(t, []string{"tracker.example.com"}, cfg.IgnoreHosts)
}

func TestZerosNeeded(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5, zerosNeeded(500*time.Millisecond, 100*time.Millisecond))
	require.Equal(t, 1, zerosNeeded(50*time.Millisecond, 100*time.Millisecond))
	require.Equal(t, 1, zerosNeeded(time.Second, 0))
}

func TestStoreRenderedUploadsNewContent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory("scrapes")
	html := "<html><body>fresh render</body></html>"
	key := "rendered/2026/01/02/abc.rendered.html.gz"

	hash, skipped, err := storeRendered(context.Background(), store, zaptest.NewLogger(t), key, html)
	require.NoError(t, err)
	require.False(t, skipped)

	sum := sha256.Sum256([]byte(html))
	require.Equal(t, hex.EncodeToString(sum[:]), hash)

	gz, ok := store.Object(key)
	require.True(t, ok)
	r, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, html, string(out))
}

func TestStoreRenderedSkipsUnchangedContent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory("scrapes")
	html := "<html><body>stable page</body></html>"
	key := "rendered/2026/01/02/abc.rendered.html.gz"
	logger := zaptest.NewLogger(t)

	_, skipped, err := storeRendered(context.Background(), store, logger, key, html)
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, 1, store.Len())
	first, ok := store.Object(key)
	require.True(t, ok)

	hash, skipped, err := storeRendered(context.Background(), store, logger, key, html)
	require.NoError(t, err)
	require.True(t, skipped, "matching stored hash must skip the upload")
	require.Equal(t, 1, store.Len())

	sum := sha256.Sum256([]byte(html))
	require.Equal(t, hex.EncodeToString(sum[:]), hash)
	second, ok := store.Object(key)
	require.True(t, ok)
	require.Equal(t, first, second, "skipped upload must not rewrite the object")
}

func TestStoreRenderedReplacesChangedContent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory("scrapes")
	key := "rendered/2026/01/02/abc.rendered.html.gz"
	logger := zaptest.NewLogger(t)

	_, _, err := storeRendered(context.Background(), store, logger, key, "<p>version one</p>")
	require.NoError(t, err)

	hash, skipped, err := storeRendered(context.Background(), store, logger, key, "<p>version two</p>")
	require.NoError(t, err)
	require.False(t, skipped, "different content must be uploaded")

	stored, err := store.StoredHash(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, hash, stored)
}

func TestGzipBytesRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("<html><body>rendered output</body></html>")
	gz, err := gzipBytes(payload)
	require.NoError(t, err)
	require.NotEqual(t, payload, gz)

	r, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}
