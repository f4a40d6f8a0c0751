package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// MaxLogBodyBytes is the hard cap on fetched log bodies. Fetches above
// it return LOG_TOO_LARGE without downloading the body.
const MaxLogBodyBytes = 20 * 1024 * 1024

// TokenProvider supplies a valid access token for each request. The
// pool's implementation refreshes near expiry with single-flighting;
// Invalidate drops the cached token after a 401.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticToken is a TokenProvider around a fixed token. Used by tests
// and manual-token auth.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) { return string(s), nil }
func (s StaticToken) Invalidate()                               {}

// Client is the REST client for one org connection. All calls are rate
// limited, retried on transient failures, and bounded by the per-call
// timeout.
type Client struct {
	httpClient  *http.Client
	instanceURL string
	apiVersion  string
	orgID       string
	userID      string
	tokens      TokenProvider
	limiter     *rate.Limiter
	retry       *RetryPolicy
	timeout     time.Duration
	logger      arbor.ILogger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	InstanceURL    string
	APIVersion     string
	OrgID          string
	UserID         string
	Tokens         TokenProvider
	RequestTimeout time.Duration
	RequestsPerSec float64
	HTTPClient     *http.Client // Optional; tests inject httptest clients here
}

// NewClient creates a platform REST client.
func NewClient(opts ClientOptions, logger arbor.ILogger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 10
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	return &Client{
		httpClient:  httpClient,
		instanceURL: strings.TrimRight(opts.InstanceURL, "/"),
		apiVersion:  opts.APIVersion,
		orgID:       opts.OrgID,
		userID:      opts.UserID,
		tokens:      opts.Tokens,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSec), int(opts.RequestsPerSec)+1),
		retry:       NewRetryPolicy(),
		timeout:     opts.RequestTimeout,
		logger:      logger,
	}
}

func (c *Client) UserID() string { return c.userID }
func (c *Client) OrgID() string  { return c.orgID }

// queryResponse is the envelope the query endpoints return.
type queryResponse struct {
	TotalSize int             `json:"totalSize"`
	Done      bool            `json:"done"`
	Records   json.RawMessage `json:"records"`
}

// Query runs a SOQL query against the data API and decodes the records
// array into out.
func (c *Client) Query(ctx context.Context, soql string, out interface{}) error {
	path := fmt.Sprintf("/services/data/%s/query?q=%s", c.apiVersion, url.QueryEscape(soql))
	return c.queryInto(ctx, path, out)
}

// ToolingQuery runs a SOQL query against the Tooling API.
func (c *Client) ToolingQuery(ctx context.Context, soql string, out interface{}) error {
	path := fmt.Sprintf("/services/data/%s/tooling/query?q=%s", c.apiVersion, url.QueryEscape(soql))
	return c.queryInto(ctx, path, out)
}

func (c *Client) queryInto(ctx context.Context, path string, out interface{}) error {
	var resp queryResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if out == nil || len(resp.Records) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Records, out); err != nil {
		return models.WrapError(models.ErrQueryFailed, "failed to decode query records", err)
	}
	return nil
}

// createResponse is returned by sobject POSTs.
type createResponse struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

// ToolingCreate creates a Tooling sobject row and returns its id.
func (c *Client) ToolingCreate(ctx context.Context, sobject string, body interface{}) (string, error) {
	path := fmt.Sprintf("/services/data/%s/tooling/sobjects/%s", c.apiVersion, sobject)
	var resp createResponse
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if !resp.Success && resp.ID == "" {
		return "", models.NewError(models.ErrQueryFailed,
			fmt.Sprintf("%s create rejected: %s", sobject, strings.Join(resp.Errors, "; ")),
			"check the request payload against the Tooling API schema")
	}
	return resp.ID, nil
}

// ToolingUpdate patches a Tooling sobject row.
func (c *Client) ToolingUpdate(ctx context.Context, sobject, id string, body interface{}) error {
	if !ValidateID(id) {
		return models.NewError(models.ErrQueryFailed, "malformed record id", "record ids are 15 or 18 alphanumeric characters")
	}
	path := fmt.Sprintf("/services/data/%s/tooling/sobjects/%s/%s", c.apiVersion, sobject, id)
	return c.doJSON(ctx, http.MethodPatch, path, body, nil)
}

// ToolingDelete deletes a Tooling sobject row.
func (c *Client) ToolingDelete(ctx context.Context, sobject, id string) error {
	if !ValidateID(id) {
		return models.NewError(models.ErrQueryFailed, "malformed record id", "record ids are 15 or 18 alphanumeric characters")
	}
	path := fmt.Sprintf("/services/data/%s/tooling/sobjects/%s/%s", c.apiVersion, sobject, id)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// DeleteSObject deletes a data-API sobject row.
func (c *Client) DeleteSObject(ctx context.Context, sobject, id string) error {
	if !ValidateID(id) {
		return models.NewError(models.ErrQueryFailed, "malformed record id", "record ids are 15 or 18 alphanumeric characters")
	}
	path := fmt.Sprintf("/services/data/%s/sobjects/%s/%s", c.apiVersion, sobject, id)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// GetLogBody fetches a raw ApexLog body, enforcing MaxLogBodyBytes both
// from Content-Length and while reading.
func (c *Client) GetLogBody(ctx context.Context, logID string) (string, error) {
	if !ValidateID(logID) {
		return "", models.NewError(models.ErrQueryFailed, "malformed log id", "record ids are 15 or 18 alphanumeric characters")
	}
	path := fmt.Sprintf("/services/data/%s/sobjects/ApexLog/%s/Body", c.apiVersion, logID)

	var body string
	err := c.withRetry(ctx, func(reqCtx context.Context) (int, error) {
		req, err := c.newRequest(reqCtx, http.MethodGet, path, nil)
		if err != nil {
			return 0, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, c.mapHTTPError(resp)
		}
		if resp.ContentLength > MaxLogBodyBytes {
			return resp.StatusCode, models.NewError(models.ErrLogTooLarge,
				fmt.Sprintf("log body is %d bytes, cap is %d", resp.ContentLength, MaxLogBodyBytes),
				"narrow the debug level preset or delete older logs")
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxLogBodyBytes+1))
		if err != nil {
			return resp.StatusCode, err
		}
		if len(data) > MaxLogBodyBytes {
			return resp.StatusCode, models.NewError(models.ErrLogTooLarge,
				fmt.Sprintf("log body exceeds the %d byte cap", MaxLogBodyBytes),
				"narrow the debug level preset or delete older logs")
		}
		body = string(data)
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", err
	}
	return body, nil
}

// doJSON performs one JSON request/response cycle with rate limiting,
// retry, and token refresh on 401.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	return c.withRetry(ctx, func(reqCtx context.Context) (int, error) {
		var payload io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal request body: %w", err)
			}
			payload = bytes.NewReader(data)
		}

		req, err := c.newRequest(reqCtx, method, path, payload)
		if err != nil {
			return 0, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, c.mapHTTPError(resp)
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, models.WrapError(models.ErrQueryFailed, "failed to decode response", err)
		}
		return resp.StatusCode, nil
	})
}

// withRetry applies rate limiting, the per-call timeout, the transient
// retry policy, and a single token refresh on 401.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) (int, error)) error {
	refreshed := false
	_, err := c.retry.ExecuteWithRetry(ctx, c.logger, func() (int, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		status, err := fn(reqCtx)
		if status == http.StatusUnauthorized && !refreshed {
			// One refresh attempt per call site, then the session fails
			refreshed = true
			c.tokens.Invalidate()
			if err := c.limiter.Wait(ctx); err != nil {
				return status, err
			}
			retryCtx, cancelRetry := context.WithTimeout(ctx, c.timeout)
			defer cancelRetry()
			status, err = fn(retryCtx)
		}
		return status, err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return models.WrapError(models.ErrCancelled, "platform call cancelled", ctx.Err())
	}
	if _, ok := err.(*models.AppError); ok {
		return err
	}
	if isRetryableError(err) {
		return models.WrapError(models.ErrTimeout, "platform call timed out", err).AsRetryable()
	}
	return models.WrapError(models.ErrQueryFailed, "platform call failed", err)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+path, body)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, models.WrapError(models.ErrAuthFailed, "no access token available", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// apiError is the platform's error envelope (an array of these).
type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// mapHTTPError converts a non-2xx response into a typed AppError.
func (c *Client) mapHTTPError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	detail := strings.TrimSpace(string(data))

	var apiErrs []apiError
	if json.Unmarshal(data, &apiErrs) == nil && len(apiErrs) > 0 {
		detail = apiErrs[0].ErrorCode + ": " + apiErrs[0].Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return models.NewError(models.ErrTokenExpired, "access token rejected", "re-authenticate or refresh the session token")
	case resp.StatusCode == http.StatusForbidden:
		return models.NewError(models.ErrAuthFailed, "request forbidden: "+detail, "check the connected user's permissions")
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.NewError(models.ErrRateLimited, "platform rate limit hit", "retry after a short delay").AsRetryable()
	case strings.Contains(detail, "UNABLE_TO_LOCK_ROW"):
		return models.NewError(models.ErrTraceFlagConflict, "row locked by a concurrent writer", "retry once after a short backoff").AsRetryable()
	case resp.StatusCode >= 500:
		return models.NewError(models.ErrQueryFailed,
			fmt.Sprintf("platform error %d: %s", resp.StatusCode, detail),
			"transient server error, retry").AsRetryable()
	default:
		return models.NewError(models.ErrQueryFailed,
			fmt.Sprintf("platform error %d: %s", resp.StatusCode, detail),
			"check the query or payload")
	}
}

// Ensure interface compliance
var _ interfaces.SalesforceClient = (*Client)(nil)
