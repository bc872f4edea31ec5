package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CrawlFailure is a classified crawl failure returned as a value
type CrawlFailure struct {
	Type       FailureType
	StatusCode int
	Err        error
}

func (f *CrawlFailure) Error() string {
	if f.Type == FailureHTTPError {
		return fmt.Sprintf("discovery endpoint returned HTTP %d", f.StatusCode)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Type, f.Err)
	}
	return string(f.Type)
}

// CrawlerConfig bounds the crawler's outbound HTTP behavior
type CrawlerConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxPayloadSize int64
}

// DefaultCrawlerConfig returns the default crawl bounds
func DefaultCrawlerConfig() CrawlerConfig {
	return CrawlerConfig{
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxPayloadSize: 4 << 20,
	}
}

// Crawler fetches discovery documents from registered apps. It is the only
// component with an outbound network dependency; every call is timeout-bound.
type Crawler struct {
	client *http.Client
	config CrawlerConfig
}

// NewCrawler creates a new crawler
func NewCrawler(config CrawlerConfig) *Crawler {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxPayloadSize <= 0 {
		config.MaxPayloadSize = 4 << 20
	}
	return &Crawler{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
	}
}

// discoveryDocument is the expected shape of a discovery endpoint response
type discoveryDocument struct {
	Endpoints []RawEndpoint `json:"endpoints"`
}

// Fetch retrieves and validates the discovery document at endpoint.
// Transient transport errors are retried with exponential backoff inside the
// attempt budget; HTTP error statuses and schema violations are terminal.
func (c *Crawler) Fetch(ctx context.Context, endpoint string) (raw []RawEndpoint, contentHash string, failure *CrawlFailure) {
	var body []byte
	var lastErr error

	backoff := c.config.InitialBackoff
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		var terminal *CrawlFailure
		body, terminal, lastErr = c.fetchOnce(ctx, endpoint)
		if terminal != nil {
			return nil, "", terminal
		}
		if lastErr == nil {
			break
		}
		if attempt < c.config.MaxAttempts {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, "", classifyTransportError(ctx.Err())
			}
		}
	}
	if lastErr != nil {
		return nil, "", classifyTransportError(lastErr)
	}

	var doc discoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", &CrawlFailure{Type: FailureInvalidSchema, Err: err}
	}
	if err := validateDocument(&doc); err != nil {
		return nil, "", &CrawlFailure{Type: FailureInvalidSchema, Err: err}
	}

	hash := sha256.Sum256(body)
	return doc.Endpoints, hex.EncodeToString(hash[:]), nil
}

// fetchOnce performs a single GET. Terminal failures (HTTP error status) are
// returned separately from retryable transport errors.
func (c *Crawler) fetchOnce(ctx context.Context, endpoint string) ([]byte, *CrawlFailure, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &CrawlFailure{Type: FailureUnreachable, Err: err}, nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CrawlFailure{Type: FailureHTTPError, StatusCode: resp.StatusCode}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxPayloadSize))
	if err != nil {
		return nil, nil, err
	}
	return body, nil, nil
}

func validateDocument(doc *discoveryDocument) error {
	if doc.Endpoints == nil {
		return fmt.Errorf("missing endpoints array")
	}
	for i, ep := range doc.Endpoints {
		if ep.Resource == "" {
			return fmt.Errorf("endpoint %d: missing resource", i)
		}
		if ep.Action == "" {
			return fmt.Errorf("endpoint %d: missing action", i)
		}
	}
	return nil
}

func classifyTransportError(err error) *CrawlFailure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &CrawlFailure{Type: FailureTimeout, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CrawlFailure{Type: FailureTimeout, Err: err}
	}
	return &CrawlFailure{Type: FailureUnreachable, Err: err}
}
