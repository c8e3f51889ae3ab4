// Package api is the REST client for the backend's snapshot and mutation endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/sandwichfarm/chorus/internal/config"
	"github.com/sandwichfarm/chorus/internal/mutation"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// Client talks to the backend over HTTP. Failures wrap one of the
// mutation error sentinels so callers can classify them.
type Client struct {
	baseURL    string
	httpClient *resty.Client
	logger     *ops.Logger
}

// NewClient builds a client from the backend configuration
func NewClient(cfg *config.Backend, logger *ops.Logger) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if logger == nil {
		logger = ops.Discard()
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout())
	if cfg.AuthToken != "" {
		httpClient.SetAuthToken(cfg.AuthToken)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.WithComponent("api"),
	}, nil
}

// BaseURL returns the normalized backend url
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.httpClient.R().SetContext(ctx)
}

// check maps a transport error or non-2xx response onto the error taxonomy
func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%w: %s: %v", mutation.ErrTransient, op, err)
	}
	if !resp.IsError() {
		return nil
	}

	status := resp.StatusCode()
	body := strings.TrimSpace(resp.String())
	if len(body) > 200 {
		body = body[:200]
	}
	c.logger.Debug("backend request failed", "op", op, "status", status)

	return fmt.Errorf("%w: %s (%d): %s", StatusError(status), op, status, body)
}

// StatusError returns the sentinel for an HTTP error status
func StatusError(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return mutation.ErrAuthorization
	case status == http.StatusNotFound, status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return mutation.ErrConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return mutation.ErrTransient
	default:
		return errRejected
	}
}

var errRejected = errors.New("request rejected")
