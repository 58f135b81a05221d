package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erazemk/najdeno/internal/model"
)

// TokenHeader is the header the token travels in, both inbound and towards
// the identity service.
const TokenHeader = "x-auth-token"

// DefaultTimeout bounds a single call to the identity service.
const DefaultTimeout = 5 * time.Second

// maxResponseSize caps how much of an identity service response is read.
const maxResponseSize = 1 << 20

// Client is the HTTP client for the identity service. It implements both
// Verifier and Directory.
type Client struct {
	baseURL string
	http    *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. A client without a
// timeout gets DefaultTimeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc == nil {
			return
		}
		if hc.Timeout <= 0 {
			copied := *hc
			copied.Timeout = DefaultTimeout
			hc = &copied
		}
		c.http = hc
	}
}

// WithRetries allows up to n extra attempts when the identity service is
// unavailable. Explicit token rejections are never retried.
func WithRetries(n int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a client for the identity service rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		backoff: 100 * time.Millisecond,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// verifyResponse is the body of a successful verify-token call.
type verifyResponse struct {
	ID    subjectID `json:"id"`
	Role  string    `json:"role"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// subjectID accepts the subject either as a JSON string or a JSON number.
type subjectID string

func (s *subjectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = subjectID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("subject id must be a string or number: %w", err)
	}
	*s = subjectID(num.String())
	return nil
}

// Verify asks the identity service who token belongs to.
func (c *Client) Verify(ctx context.Context, token string) (Claim, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying token verification", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return Claim{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		claim, err := c.verifyOnce(ctx, token)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return claim, err
		}
		lastErr = err
	}
	return Claim{}, lastErr
}

func (c *Client) verifyOnce(ctx context.Context, token string) (Claim, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/verify-token", nil)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}
	req.Header.Set(TokenHeader, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return Claim{}, ErrInvalidToken
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return Claim{}, fmt.Errorf("%w: verify-token returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return Claim{}, fmt.Errorf("%w: decoding verify-token response: %v", ErrUnavailable, err)
	}
	if body.ID == "" {
		return Claim{}, fmt.Errorf("%w: verify-token response has no subject id", ErrUnavailable)
	}
	role, err := model.ParseRole(body.Role)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Claim{
		Subject: string(body.ID),
		Role:    role,
		Name:    body.Name,
		Email:   body.Email,
	}, nil
}

// Lookup fetches reporter profiles on behalf of the caller whose token is in
// ctx. Unknown ids are absent from the result.
func (c *Client) Lookup(ctx context.Context, ids []string) (map[string]model.Reporter, error) {
	result := make(map[string]model.Reporter, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/users?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building lookup request: %w", err)
	}
	if token := TokenFromContext(ctx); token != "" {
		req.Header.Set(TokenHeader, token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("looking up reporters: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, fmt.Errorf("looking up reporters: identity service returned %d", resp.StatusCode)
	}

	var profiles []struct {
		ID    subjectID `json:"id"`
		Name  string    `json:"name"`
		Email string    `json:"email"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&profiles); err != nil {
		return nil, fmt.Errorf("decoding reporters: %w", err)
	}

	for _, p := range profiles {
		id := string(p.ID)
		result[id] = model.Reporter{ID: id, Name: p.Name, Email: p.Email}
	}
	return result, nil
}
