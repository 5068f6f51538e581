package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// GatewayClient fetches telemetry from a device gateway over HTTP.
type GatewayClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	log     zerolog.Logger
}

func NewGatewayClient(baseURL, token string, log zerolog.Logger) *GatewayClient {
	return &GatewayClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// GatewayError is a non-success response from the gateway.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter string
}

func (e *GatewayError) Error() string {
	return e.Message
}

// Fetch reads the latest readings for node.
func (c *GatewayClient) Fetch(ctx context.Context, node string) (*Snapshot, error) {
	if node == "" {
		return nil, fmt.Errorf("node is required")
	}
	u, err := url.Parse(c.BaseURL + "/v1/nodes/" + url.PathEscape(node) + "/telemetry")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("node", node).Dur("duration", time.Since(start)).Msg("telemetry request failed")
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	c.log.Debug().Int("status", resp.StatusCode).Str("node", node).Dur("duration", time.Since(start)).Msg("telemetry response")

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &GatewayError{StatusCode: resp.StatusCode, Code: "UNAUTHORIZED", Message: "gateway rejected credentials"}
	case http.StatusNotFound:
		return nil, &GatewayError{StatusCode: resp.StatusCode, Code: "UNKNOWN_NODE", Message: fmt.Sprintf("gateway has no node %q", node)}
	case http.StatusTooManyRequests:
		retry := resp.Header.Get("Retry-After")
		return nil, &GatewayError{
			StatusCode: resp.StatusCode,
			Code:       "RATE_LIMIT_EXCEEDED",
			Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retry),
			RetryAfter: retry,
		}
	default:
		return nil, &GatewayError{
			StatusCode: resp.StatusCode,
			Code:       "GATEWAY_ERROR",
			Message:    fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, resp.Status),
		}
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &snap, nil
}

// Poll fetches node's telemetry into s every interval until ctx ends.
// Failures are logged and retried on the next tick.
func (c *GatewayClient) Poll(ctx context.Context, node string, s *Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if snap, err := c.Fetch(ctx, node); err != nil {
			c.log.Warn().Err(err).Str("node", node).Msg("telemetry poll failed")
		} else {
			s.Apply(snap)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
