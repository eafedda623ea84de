package scraper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// NormalizeURL standardizes a URL so that equivalent spellings collapse to
// one metadata record. It lowercases the host, defaults the scheme to https,
// strips fragments and trims trailing slashes from non-root paths.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	return u.String(), nil
}

// Domain returns the normalized origin key used for admission control.
func Domain(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// HashURL returns the hex SHA-256 digest of a normalized URL.
func HashURL(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Storage keys are addressed by URL hash plus a date partition, not by
// content hash: re-fetches of the same URL overwrite in place while the
// object's metadata carries the current content hash for dedupe checks.

// RawKey builds the object key for streamed (static) content.
func RawKey(urlHash string, at time.Time) string {
	return fmt.Sprintf("raw/%s/sha256-%s.html.gz", datePartition(at), urlHash)
}

// RenderedKey builds the object key for headless-rendered content.
func RenderedKey(urlHash string, at time.Time) string {
	return fmt.Sprintf("rendered/%s/sha256-%s.rendered.html.gz", datePartition(at), urlHash)
}

// SnapshotKey builds the object key for a render screenshot.
func SnapshotKey(urlHash string, at time.Time) string {
	return fmt.Sprintf("snapshot/%s/sha256-%s.png", datePartition(at), urlHash)
}

func datePartition(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%04d/%02d/%02d", at.Year(), at.Month(), at.Day())
}
