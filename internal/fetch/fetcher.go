// Package fetch retrieves raw image bytes for a job, either from an HTTP(S)
// URL or from an inline data URL handed over by a surface.
package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// FetchError reports a non-success HTTP response.
type FetchError struct {
	URL    string
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status (%d)", e.URL, e.Status)
}

// NetworkError reports a transport-level failure before any HTTP status was
// received.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Config holds fetcher settings.
type Config struct {
	// TimeoutSec bounds a single fetch. Zero means no client timeout.
	TimeoutSec int `mapstructure:"timeout_sec"`
	// MaxBytes caps the downloaded payload. Zero selects DefaultMaxBytes.
	MaxBytes int64 `mapstructure:"max_bytes"`
	// UserAgent is sent with every request when non-empty.
	UserAgent string `mapstructure:"user_agent"`
}

// DefaultMaxBytes caps image downloads at 32 MiB.
const DefaultMaxBytes = 32 << 20

// DefaultConfig returns fetcher defaults.
func DefaultConfig() Config {
	return Config{TimeoutSec: 30, MaxBytes: DefaultMaxBytes}
}

// Fetcher downloads image bytes. The client carries a cookie jar so ambient
// credentials acquired on earlier requests ride along with later ones, the
// way the browser's credentialed fetch behaves.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// New creates a Fetcher from config.
func New(cfg Config) *Fetcher {
	jar, _ := cookiejar.New(nil)
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client: &http.Client{
			Jar:     jar,
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		maxBytes:  maxBytes,
		userAgent: cfg.UserAgent,
	}
}

// NewWithClient creates a Fetcher using the given HTTP client. Useful for
// tests and callers that manage their own transport.
func NewWithClient(client *http.Client, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch retrieves the bytes behind src and the reported content type.
// data: URLs are decoded inline. No retries: a failed fetch fails the job.
func (f *Fetcher) Fetch(ctx context.Context, src string) ([]byte, string, error) {
	if strings.HasPrefix(src, "data:") {
		return decodeDataURL(src)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", &NetworkError{URL: src, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &NetworkError{URL: src, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &FetchError{URL: src, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", &NetworkError{URL: src, Err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", &NetworkError{URL: src, Err: fmt.Errorf("payload exceeds %d bytes", f.maxBytes)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// decodeDataURL handles data:[<mediatype>][;base64],<payload> references.
func decodeDataURL(src string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(src, "data:")
	if !ok {
		return nil, "", &NetworkError{URL: src, Err: fmt.Errorf("not a data url")}
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", &NetworkError{URL: src, Err: fmt.Errorf("malformed data url")}
	}

	contentType := "text/plain"
	base64Encoded := false
	if meta != "" {
		parts := strings.Split(meta, ";")
		if parts[0] != "" {
			contentType = parts[0]
		}
		for _, p := range parts[1:] {
			if p == "base64" {
				base64Encoded = true
			}
		}
	}

	var data []byte
	var err error
	if base64Encoded {
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		var decoded string
		decoded, err = url.QueryUnescape(payload)
		data = []byte(decoded)
	}
	if err != nil {
		return nil, "", &NetworkError{URL: src, Err: fmt.Errorf("decode data url: %w", err)}
	}
	return data, contentType, nil
}
