// Package backend holds what the remote calendar backends share: an HTTP
// transport that sorts failures into the sync engine's error classes, and
// URL redaction for logs.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"deskcal/internal/model"
)

// ErrNotFound is returned for 404 and 410 responses.
var ErrNotFound = model.ErrNotFound

const defaultTimeout = 30 * time.Second

// NewHTTPClient returns a client whose transport converts retryable HTTP
// statuses into model.SyncError, rejected credentials into
// model.ErrCredentials and missing objects into ErrNotFound.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{Base: http.DefaultTransport},
	}
}

// Transport classifies responses. Statuses it does not classify are passed
// through untouched, so callers still see 2xx, 3xx and other 4xx responses.
type Transport struct {
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, Classify(req.Method+" "+RedactURL(req.URL.String()), err)
	}

	if statusErr := StatusError(req.Method+" "+RedactURL(req.URL.String()), resp.StatusCode, resp.Status); statusErr != nil {
		resp.Body.Close()
		return nil, statusErr
	}
	return resp, nil
}

// StatusError maps an HTTP status to the error taxonomy, or nil when the
// status is left to the caller.
func StatusError(op string, code int, status string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", op, status, model.ErrCredentials)
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%s: %s: %w", op, status, ErrNotFound)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return model.NewSyncError(op, errors.New(status))
	default:
		return nil
	}
}

// Classify turns transport-level failures into a model.SyncError. Context
// cancellation and errors that are already classified pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, model.ErrSync) ||
		errors.Is(err, model.ErrCredentials) ||
		errors.Is(err, ErrNotFound) {
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewSyncError(op, err)
	}
	return err
}

// RedactURL keeps only scheme and host so tokens embedded in paths or
// queries never reach the logs.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "url://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
