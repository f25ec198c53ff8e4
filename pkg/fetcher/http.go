package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/augment/pkg/assetid"
)

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// BaseURL is the package store prefix; the object key is appended.
	BaseURL string
	// Timeout bounds one fetch. Zero means no bound beyond the caller's ctx.
	Timeout time.Duration
	// MaxBytes bounds the package size (default DefaultMaxBytes).
	MaxBytes int64
	// Client overrides the HTTP client.
	Client *http.Client
}

// HTTPFetcher fetches packages with HTTP GET.
type HTTPFetcher struct {
	baseURL  string
	timeout  time.Duration
	maxBytes int64
	client   *http.Client
	logger   hclog.Logger
}

// NewHTTPFetcher creates a new HTTP fetcher.
func NewHTTPFetcher(cfg HTTPConfig, logger hclog.Logger) (*HTTPFetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if base.RawQuery != "" || base.Fragment != "" {
		return nil, fmt.Errorf("invalid base URL %q: query and fragment are not allowed", cfg.BaseURL)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &HTTPFetcher{
		baseURL:  cfg.BaseURL,
		timeout:  cfg.Timeout,
		maxBytes: maxBytes,
		client:   client,
		logger:   logger.Named("http-fetcher"),
	}, nil
}

// URL returns the package URL for id. The object key is a single escaped
// path segment, so every identifier names exactly one object.
func (f *HTTPFetcher) URL(id assetid.ID) string {
	base := f.baseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(id.ObjectKey())
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, id assetid.ID, hash assetid.Hash) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	pkgURL := f.URL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkgURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, ID: id, Err: err}
	}
	req.Header.Set(VersionHeader, hash.String())

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		fe := classify(ctx, id, err)
		f.logger.Warn("fetch failed", "url", pkgURL, "kind", fe.Kind, "error", err)
		return nil, fe
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		f.logger.Warn("fetch returned error status", "url", pkgURL, "status", resp.StatusCode)
		return nil, &Error{Kind: KindHTTPStatus, ID: id, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		fe := classify(ctx, id, err)
		f.logger.Warn("reading package body failed", "url", pkgURL, "kind", fe.Kind, "error", err)
		return nil, fe
	}
	if int64(len(body)) > f.maxBytes {
		return nil, Corrupt(id, fmt.Errorf("package exceeds %d bytes", f.maxBytes))
	}

	f.logger.Debug("fetched package",
		"url", pkgURL,
		"bytes", len(body),
		"duration", time.Since(start),
	)
	return body, nil
}
