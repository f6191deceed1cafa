// Package catalog talks to the Crypko search and asset endpoints: it
// enumerates card ids page by page and fetches artifacts directly when the
// catalog carries enough information to address them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/decode"
)

// ErrMalformed marks a response body that is not structurally valid JSON.
var ErrMalformed = errors.New("malformed response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Permanent reports whether retrying cannot help (HTTP 4xx).
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// ClientConfig holds the request identity sent to the API.
type ClientConfig struct {
	UserAgent      string
	Referer        string
	AcceptLanguage string
	Timeout        time.Duration
	// Verbose logs content-encoding and content-type of every response.
	Verbose bool
}

// Client performs GET requests with browser-like headers and decodes the
// body according to its Content-Encoding.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a Client. A nil httpClient gets a pooled transport.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: newHTTPTransport(), Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

func newHTTPTransport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 16
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second
	// Content-Encoding is negotiated explicitly and decoded by the decode package.
	transport.DisableCompression = true
	return transport
}

// Get fetches url and returns the decoded body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	c.logger.Info("get", zap.String("url", url))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	encoding := resp.Header.Get("Content-Encoding")
	if c.cfg.Verbose {
		c.logger.Debug("response",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.String("content_encoding", encoding),
			zap.String("content_type", resp.Header.Get("Content-Type")),
		)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", url, err)
	}
	body, err := decode.Decode(raw, encoding)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if c.cfg.Referer != "" {
		req.Header.Set("Referer", c.cfg.Referer)
	}
	if c.cfg.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", c.cfg.AcceptLanguage)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
}
