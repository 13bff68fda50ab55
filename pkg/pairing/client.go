// Package pairing implements the web side of the QR cross-device auth
// handshake: it asks the issuer for a pairing session, renders the returned
// payload as a QR code (left to the caller), and polls the resolver until a
// mobile client completes sign-in.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrIssuerUnavailable is returned when a pairing session cannot be
	// created. It is terminal for that pairing attempt.
	ErrIssuerUnavailable = errors.New("pairing issuer unavailable")

	// ErrSessionNotFound is returned when the resolver does not know the
	// session identifier, or the session has expired.
	ErrSessionNotFound = errors.New("pairing session not found")

	// ErrMalformedResponse is returned when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed pairing response")

	// ErrWatchTimeout is reported by a Watcher that exhausted its attempt
	// budget without observing authentication.
	ErrWatchTimeout = errors.New("pairing watch timed out")
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 90
)

type State string

const (
	StatePending       State = "pending"
	StateAuthenticated State = "authenticated"
)

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Session is the issuer's answer to a new pairing request.
type Session struct {
	ID        string `json:"sessionId"`
	QRString  string `json:"qrString"`
	ExpiresIn int    `json:"expiresIn"`
}

// Status is the resolver's view of a session.
type Status struct {
	State State `json:"status"`
	User  *User `json:"user,omitempty"`
}

type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	maxAttempts  int
	logf         func(format string, args ...any)
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

func WithMaxAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithLogger redirects transient poll failure logging. The default drops them.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(c *Client) {
		c.logf = logf
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
		logf:         func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BeginPairing requests a new pairing session from the issuer.
func (c *Client) BeginPairing(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/qr/generate", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: issuer returned status %d", ErrIssuerUnavailable, resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if session.ID == "" || session.QRString == "" {
		return nil, fmt.Errorf("%w: missing session fields", ErrMalformedResponse)
	}

	return &session, nil
}

// PollStatus queries the resolver once for the current state of a session.
func (c *Client) PollStatus(ctx context.Context, sessionID string) (*Status, error) {
	url := fmt.Sprintf("%s/api/qr/status/%s", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll status: resolver returned status %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if status.State != StatePending && status.State != StateAuthenticated {
		return nil, fmt.Errorf("%w: unknown state %q", ErrMalformedResponse, status.State)
	}
	if status.State == StateAuthenticated && status.User == nil {
		return nil, fmt.Errorf("%w: authenticated without user", ErrMalformedResponse)
	}

	return &status, nil
}
