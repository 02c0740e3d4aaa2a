// Package httpsender delivers outbox items to an HTTP endpoint and reports
// endpoint reachability as a connectivity stream.
package httpsender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	outbox "github.com/velmie/chatoutbox"
)

const (
	// HeaderIdempotencyKey carries the item's idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderClientID carries the item's client id.
	HeaderClientID = "X-Client-Id"

	defaultUserAgent = "chatoutbox/1.0"
	maxErrorBody     = 64 * 1024
	maxErrorMessage  = 200
)

var (
	// ErrInvalidURL is returned for endpoints that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("httpsender: invalid url")
	// ErrTemporaryFailure wraps transport errors.
	ErrTemporaryFailure = errors.New("httpsender: temporary failure")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("httpsender: endpoint returned status %d", e.StatusCode)
	}

	return fmt.Sprintf("httpsender: endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Option configures a Sender.
type Option func(*Sender)

// WithClient replaces the default HTTP client.
func WithClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithHeader adds a static header to every request, e.g. Authorization.
func WithHeader(key, value string) Option {
	return func(s *Sender) {
		s.headers.Set(key, value)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Sender) {
		s.userAgent = ua
	}
}

// Sender POSTs each item's payload as JSON.
// Zero value is not usable; use New.
type Sender struct {
	client    *http.Client
	endpoint  string
	headers   http.Header
	userAgent string
}

var _ outbox.Sender = (*Sender)(nil)

// New creates a Sender for endpoint.
func New(endpoint string, opts ...Option) (*Sender, error) {
	if err := validateURL(endpoint); err != nil {
		return nil, err
	}

	s := &Sender{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint:  endpoint,
		headers:   make(http.Header),
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Send implements outbox.Sender. Client errors other than 408, 425 and 429
// are wrapped with outbox.Permanent so the item is not retried.
func (s *Sender) Send(ctx context.Context, item outbox.Item) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("httpsender: create request: %w", err)
	}
	for k, v := range s.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderIdempotencyKey, item.IdempotencyKey)
	req.Header.Set(HeaderClientID, item.ClientID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTemporaryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: sanitizeBody(body)}
	if isPermanentStatus(resp.StatusCode) {
		return outbox.Permanent(statusErr)
	}

	return statusErr
}

func isPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	default:
		return true
	}
}

func sanitizeBody(body []byte) string {
	msg := strings.TrimSpace(strings.ReplaceAll(string(body), "\n", " "))
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage] + "..."
	}

	return msg
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: only http and https schemes are supported", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}

	return nil
}
