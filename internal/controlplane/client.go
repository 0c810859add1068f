package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pgbranch/internal/config"
)

// maxErrorBody caps how much of an error response is kept
const maxErrorBody = 64 << 10

// HTTPClient interface for HTTP operations (allows mocking in tests)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the branching control-plane API. It never retries and
// never follows redirects.
type Client struct {
	baseURL    string
	apiKey     string
	projectID  string
	httpClient HTTPClient
	limiter    *rate.Limiter
}

// NewHTTPClient returns an http.Client that hands 3xx responses back to the
// caller instead of following them
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewClient creates a control-plane client. A nil httpClient gets the
// redirect-refusing default.
func NewClient(cfg *config.ControlPlaneConfig, httpClient HTTPClient) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout.Duration)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		projectID:  cfg.ProjectID,
		httpClient: httpClient,
		limiter:    limiter,
	}
}

// ProjectID returns the project every endpoint helper is scoped to
func (c *Client) ProjectID() string {
	return c.projectID
}

// Request sends one call to the control plane and decodes a 2xx JSON body
// into out (if non-nil)
func (c *Client) Request(ctx context.Context, method, endpoint string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Method: method, Endpoint: endpoint, Err: err}
		}
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return &RedirectError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Location:   resp.Header.Get("Location"),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, endpoint, err)
	}

	return nil
}

func (c *Client) projectPath(parts ...string) string {
	var b strings.Builder
	b.WriteString("/projects/")
	b.WriteString(url.PathEscape(c.projectID))
	for _, p := range parts {
		b.WriteString("/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// ListBranches returns every branch in the project, in API order
func (c *Client) ListBranches(ctx context.Context) ([]Branch, error) {
	var resp branchesResponse
	if err := c.Request(ctx, http.MethodGet, c.projectPath("branches"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Branches, nil
}

// CreateBranch creates a branch under parentID with one read-write compute endpoint
func (c *Client) CreateBranch(ctx context.Context, name, parentID string) (*BranchMutation, error) {
	body := createBranchRequest{
		Branch:    createBranchSpec{Name: name, ParentID: parentID},
		Endpoints: []createEndpointSpec{{Type: "read_write"}},
	}

	var resp BranchMutation
	if err := c.Request(ctx, http.MethodPost, c.projectPath("branches"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteBranch deletes a branch by id
func (c *Client) DeleteBranch(ctx context.Context, branchID string) (*BranchMutation, error) {
	var resp BranchMutation
	if err := c.Request(ctx, http.MethodDelete, c.projectPath("branches", branchID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOperation fetches the current state of an operation
func (c *Client) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	var resp operationResponse
	if err := c.Request(ctx, http.MethodGet, c.projectPath("operations", operationID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Operation, nil
}

// ListDatabases returns the databases on a branch, in API order
func (c *Client) ListDatabases(ctx context.Context, branchID string) ([]Database, error) {
	var resp databasesResponse
	if err := c.Request(ctx, http.MethodGet, c.projectPath("branches", branchID, "databases"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Databases, nil
}

// ListRoles returns the roles on a branch, in API order
func (c *Client) ListRoles(ctx context.Context, branchID string) ([]Role, error) {
	var resp rolesResponse
	if err := c.Request(ctx, http.MethodGet, c.projectPath("branches", branchID, "roles"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Roles, nil
}

// GetConnectionURI asks the control plane to synthesise a connection string.
// An empty uri is returned as-is; callers decide whether that is fatal.
func (c *Client) GetConnectionURI(ctx context.Context, branchID, database, role string) (string, error) {
	q := url.Values{}
	q.Set("branch_id", branchID)
	q.Set("database_name", database)
	q.Set("role_name", role)

	var resp connectionURIResponse
	if err := c.Request(ctx, http.MethodGet, c.projectPath("connection_uri")+"?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	return resp.URI, nil
}

// IsRedirect reports whether err came from a refused redirect
func IsRedirect(err error) bool {
	var redirect *RedirectError
	return errors.As(err, &redirect)
}
