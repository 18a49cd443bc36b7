// Package backend is a thin, domain-specific client over the marketplace
// backend REST API, built on top of internal/apibridge's generic
// request/retry engine the way the requester and provider flows need it:
// bearer-authenticated JSON calls against the nine endpoints the core
// consumes, never retrying on 401/403 since those indicate a credential
// problem no amount of backoff fixes.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"hokipoki/internal/apibridge"
)

const DefaultBaseURL = "https://api.hoki-poki.ai"

// Client calls the marketplace backend with a bearer token supplied per
// call, since the identity agent may refresh it between calls.
type Client struct {
	bridge *apibridge.Client
}

// New constructs a Client against baseURL (DefaultBaseURL if empty).
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	bridge, err := apibridge.NewClient(apibridge.Config{
		BaseURL:      baseURL,
		Component:    "backend",
		Timeout:      30 * time.Second,
		MaxRetries:   2,
		HTTPClient:   httpClient,
		RetryDecider: retryExceptAuthFailures,
	})
	if err != nil {
		return nil, err
	}
	return &Client{bridge: bridge}, nil
}

// retryExceptAuthFailures behaves like apibridge.DefaultRetryDecider except
// it never retries 401/403: a stale or rejected token will not start working
// on the next attempt.
func retryExceptAuthFailures(ctx context.Context, attempt int, req apibridge.Request, resp *http.Response, body []byte, callErr error) apibridge.RetryDecision {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return apibridge.RetryDecision{}
	}
	return apibridge.DefaultRetryDecider(ctx, attempt, req, resp, body, callErr)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body any, out any) error {
	resp, err := c.bridge.Do(ctx, apibridge.Request{
		Method:   method,
		Path:     path,
		Headers:  bearer(token),
		JSONBody: body,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

// CheckVerified asks whether email has completed email verification.
func (c *Client) CheckVerified(ctx context.Context, token, email string) (bool, error) {
	var out struct {
		Verified bool `json:"verified"`
	}
	resp, err := c.bridge.Do(ctx, apibridge.Request{
		Method:  http.MethodGet,
		Path:    "/api/auth/check-verified",
		Params:  map[string]string{"email": email},
		Headers: bearer(token),
	})
	if err != nil {
		return false, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return false, err
	}
	return out.Verified, nil
}

// Workspace is a membership the authenticated user belongs to.
type Workspace struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPersonal bool   `json:"isPersonal,omitempty"`
}

// Profile is the authenticated user's identity and workspace memberships.
type Profile struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
	Workspaces  []Workspace `json:"workspaces"`
}

func (c *Client) Profile(ctx context.Context, token string) (Profile, error) {
	var out Profile
	err := c.doJSON(ctx, http.MethodGet, "/api/profile", token, nil, &out)
	return out, err
}

// TunnelToken is the reverse-tunnel provisioning payload issued per user.
type TunnelToken struct {
	Token          string `json:"token"`
	ServerAddr     string `json:"serverAddr"`
	ServerPort     int    `json:"serverPort"`
	SubdomainHost  string `json:"subdomainHost"`
	PublicHTTPPort int    `json:"publicHttpPort"`
}

func (c *Client) TunnelToken(ctx context.Context, token string) (TunnelToken, error) {
	var out TunnelToken
	err := c.doJSON(ctx, http.MethodGet, "/api/tunnel/token", token, nil, &out)
	return out, err
}

// ProviderTools lists the tools the user has registered as a provider for.
func (c *Client) ProviderTools(ctx context.Context, token string) ([]string, error) {
	var out struct {
		Tools []string `json:"tools"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/provider/tools", token, nil, &out)
	return out.Tools, err
}

// RegisterProviderTools records which tools this provider can serve.
func (c *Client) RegisterProviderTools(ctx context.Context, token string, tools []string) error {
	body := struct {
		Tools []string `json:"tools"`
	}{Tools: tools}
	return c.doJSON(ctx, http.MethodPost, "/api/provider/tools", token, body, nil)
}

// ActiveTasks reports whether the caller has any non-terminal task.
type ActiveTasksResponse struct {
	HasActiveTasks bool        `json:"hasActiveTasks"`
	ActiveTasks    []TaskEntry `json:"activeTasks"`
}

type TaskEntry struct {
	ID            string  `json:"id"`
	Tool          string  `json:"tool"`
	Model         string  `json:"model,omitempty"`
	Description   string  `json:"description"`
	Status        string  `json:"status"`
	Credits       float64 `json:"credits"`
	CreatedAt     string  `json:"createdAt"`
	CompletedAt   string  `json:"completedAt,omitempty"`
	ProviderID    string  `json:"providerId,omitempty"`
	CommitSummary string  `json:"summary,omitempty"`
}

func (c *Client) ActiveTasks(ctx context.Context, token string) (ActiveTasksResponse, error) {
	var out ActiveTasksResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/tasks/active", token, nil, &out)
	return out, err
}

// UpsertTask records or updates a task for dashboard/history purposes.
func (c *Client) UpsertTask(ctx context.Context, token string, task TaskEntry) error {
	return c.doJSON(ctx, http.MethodPost, "/api/tasks", token, task, nil)
}

// BindProvider records which provider was matched to a task.
func (c *Client) BindProvider(ctx context.Context, token, taskID, providerID string) error {
	body := struct {
		ProviderID string `json:"providerId"`
	}{ProviderID: providerID}
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%s/provider", taskID), token, body, nil)
}

// CancelTask marks a task cancelled on the backend, used on SIGINT/SIGTERM
// with a caller-supplied short timeout context (the core gives this 3s).
func (c *Client) CancelTask(ctx context.Context, token, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%s/cancel", taskID), token, nil, nil)
}
