package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"concierge/internal/config"
	"concierge/internal/constants"
	"concierge/pkg/circuitbreaker"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/logging"
)

// restClient is the JSON transport shared by the collaborator clients.
type restClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *circuitbreaker.Breaker
}

func newRESTClient(name string, cfg config.CollaboratorConfig, cbCfg config.CircuitBreakerConfig) *restClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &restClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		cb:      circuitbreaker.New(name, cbCfg),
	}
}

func (c *restClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	_, err := circuitbreaker.Do(ctx, c.cb, func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, in, out)
	})
	return err
}

func (c *restClient) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", c.name, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(constants.HeaderAPIKey, c.apiKey)
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.ErrServiceUnavailable.
			WithDetail("service", c.name).
			WithCause(fmt.Errorf("%s request failed: %w", c.name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return statusError(c.name, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}

func statusError(service string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := fmt.Sprintf("%s returned status: %d", service, resp.StatusCode)
	if len(msg) > 0 {
		detail += ": " + strings.TrimSpace(string(msg))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.ErrNotFound.WithDetail("message", detail).WithDetail("service", service)
	case resp.StatusCode == http.StatusConflict:
		return apperrors.ErrConflict.WithDetail("message", detail).WithDetail("service", service)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.ErrServiceUnavailable.WithDetail("message", detail).WithDetail("service", service)
	default:
		return apperrors.ErrValidation.WithDetail("message", detail).WithDetail("service", service)
	}
}
