package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBodyBytes = 20 << 20
	userAgent           = "calendar-sync/1.0"
)

// FetchErrorKind classifies a failed fetch.
type FetchErrorKind string

// FetchErrorKind constants
const (
	FetchErrorTimeout   FetchErrorKind = "timeout"
	FetchErrorStatus    FetchErrorKind = "status"
	FetchErrorTransport FetchErrorKind = "transport"
)

// FetchError is returned when a feed could not be retrieved.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchErrorStatus {
		return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Validators are the HTTP cache validators remembered from the last successful fetch.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchResult is the outcome of a conditional GET.
type FetchResult struct {
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
	StatusCode   int
	FetchedAt    time.Time
	Duration     time.Duration
}

// Fetcher retrieves feed bodies over HTTP with conditional requests.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// NewFetcher creates a fetcher. A nil client uses a default one; the
// per-request deadline comes from timeout.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client:   client,
		timeout:  timeout,
		maxBytes: defaultMaxBodyBytes,
	}
}

// Fetch performs a GET for rawURL, sending If-None-Match / If-Modified-Since
// from v. A 304 returns a result with NotModified set and no body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, v Validators) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	redacted := RedactURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchErrorTransport, URL: redacted, Err: err}
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.5")
	req.Header.Set("User-Agent", userAgent)
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classifyTransportError(ctx, err), URL: redacted, Err: err}
	}
	defer resp.Body.Close()

	result := &FetchResult{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    start.UTC(),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.NotModified = true
		if result.ETag == "" {
			result.ETag = v.ETag
		}
		if result.LastModified == "" {
			result.LastModified = v.LastModified
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return nil, &FetchError{Kind: classifyTransportError(ctx, err), URL: redacted, Err: err}
		}
		if int64(len(body)) > f.maxBytes {
			return nil, &FetchError{
				Kind: FetchErrorTransport,
				URL:  redacted,
				Err:  fmt.Errorf("body exceeds %d bytes", f.maxBytes),
			}
		}
		result.Body = body
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: FetchErrorStatus, StatusCode: resp.StatusCode, URL: redacted}
	}

	result.Duration = time.Since(start)
	slog.Debug("feed fetched",
		"url", redacted,
		"status", resp.StatusCode,
		"bytes", len(result.Body),
		"duration", result.Duration)

	return result, nil
}

func classifyTransportError(ctx context.Context, err error) FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FetchErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchErrorTimeout
	}
	return FetchErrorTransport
}

// RedactURL strips path and query from a feed URL before logging; feed URLs
// usually embed a private token.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
