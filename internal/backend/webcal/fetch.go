package webcal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"deskcal/internal/backend"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

// KV is where the last good body and its validators are kept.
type KV interface {
	Load(ctx context.Context, name string, v any) (bool, error)
	Save(ctx context.Context, name string, v any) error
}

// cacheEntry holds the HTTP cache metadata and body for one subscription.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Body         string    `json:"body"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// fetchResult is the body of one fetch, fresh or from cache.
type fetchResult struct {
	Body      []byte
	FromCache bool
}

// CacheName is the storage key for a subscription's cached body.
func CacheName(name string) string {
	return "web_cal_" + name
}

// fetch downloads the feed honouring ETag and Last-Modified. When the network
// or the server fails and a cached body exists, the cached body is used.
func (b *Backend) fetch(ctx context.Context) (fetchResult, error) {
	var cached cacheEntry
	if _, err := b.kv.Load(ctx, b.cacheName, &cached); err != nil {
		appLog.Warn("webcal: cache load failed", "plugin", b.cfg.ID, "err", err)
	}
	if cached.URL != b.cfg.URL {
		cached = cacheEntry{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.URL, nil)
	if err != nil {
		return fetchResult{}, fmt.Errorf("webcal: building request: %w", err)
	}
	if cached.ETag != "" {
		req.Header.Set("If-None-Match", cached.ETag)
	}
	if cached.LastModified != "" {
		req.Header.Set("If-Modified-Since", cached.LastModified)
	}
	if b.cfg.Username != "" {
		req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	}

	redacted := backend.RedactURL(b.cfg.URL)
	appLog.Debug("webcal: fetch start", "plugin", b.cfg.ID, "url", redacted)

	resp, err := b.client.Do(req)
	if err != nil {
		if cached.Body != "" && model.IsSyncError(err) {
			appLog.Error("webcal: fetch failed, using cached body", err, "plugin", b.cfg.ID, "url", redacted)
			return fetchResult{Body: []byte(cached.Body), FromCache: true}, nil
		}
		return fetchResult{}, fmt.Errorf("webcal: fetching %s: %w", redacted, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fetchResult{}, fmt.Errorf("webcal: reading body: %w", backend.Classify("read", err))
		}
		entry := cacheEntry{
			URL:          b.cfg.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         string(body),
			UpdatedAt:    b.nowFunc().UTC(),
		}
		if err := b.kv.Save(ctx, b.cacheName, entry); err != nil {
			appLog.Error("webcal: cache save failed", err, "plugin", b.cfg.ID)
		}
		appLog.Info("webcal: fetch success", "plugin", b.cfg.ID, "url", redacted, "bytes", len(body))
		return fetchResult{Body: body}, nil

	case http.StatusNotModified:
		if cached.Body == "" {
			return fetchResult{}, errors.New("webcal: 304 Not Modified but no cached body available")
		}
		appLog.Debug("webcal: not modified, using cache", "plugin", b.cfg.ID)
		return fetchResult{Body: []byte(cached.Body), FromCache: true}, nil

	default:
		if cached.Body != "" {
			appLog.Error("webcal: unexpected status, using cached body", errors.New(resp.Status), "plugin", b.cfg.ID, "status", resp.StatusCode)
			return fetchResult{Body: []byte(cached.Body), FromCache: true}, nil
		}
		return fetchResult{}, fmt.Errorf("webcal: fetching %s: unexpected status %s", redacted, resp.Status)
	}
}
