package velonodesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client is a minimal VeloNode HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Account represents a ledger account.
type Account struct {
	Identity  string `json:"identity"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

// Job represents the API job model.
type Job struct {
	ID            string `json:"id"`
	Researcher    string `json:"researcher"`
	Image         string `json:"image"`
	InputHash     string `json:"input_hash"`
	VRAM          int    `json:"vram"`
	Bounty        int64  `json:"bounty"`
	Status        string `json:"status"`
	Worker        string `json:"worker,omitempty"`
	ResultHash    string `json:"result_hash,omitempty"`
	Verified      bool   `json:"verified"`
	CreatedAt     string `json:"created_at"`
	StartedAt     string `json:"started_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	LastStep      int64  `json:"last_step,omitempty"`
}

// Event represents an audit log entry. Payload is raw JSON.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// Build represents a finished image build.
type Build struct {
	BuildID string `json:"build_id"`
	Image   string `json:"image"`
}

// JobSpec is the job creation request.
type JobSpec struct {
	Image      string `json:"image"`
	InputHash  string `json:"input_hash"`
	VRAM       int    `json:"vram"`
	Bounty     int64  `json:"bounty"`
	GoldenHash string `json:"golden_hash,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterAccount registers the caller's account. Idempotent.
func (c *Client) RegisterAccount(ctx context.Context) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "v1/accounts", nil, &resp)
	return resp, err
}

// Account fetches an account by identity.
func (c *Client) Account(ctx context.Context, identity string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "v1/accounts/"+url.PathEscape(identity), nil, &resp)
	return resp, err
}

// Accounts lists the public ledger.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp []Account
	err := c.do(ctx, http.MethodGet, "v1/accounts", nil, &resp)
	return resp, err
}

// CreateJob posts a job, escrowing the bounty from the caller's balance.
func (c *Client) CreateJob(ctx context.Context, spec JobSpec) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs", spec, &resp)
	return resp, err
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, status string) ([]Job, error) {
	endpoint := "v1/jobs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Job fetches a job by id.
func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.jobPath(id, ""), nil, &resp)
	return resp, err
}

// ClaimJob claims an open job for the caller.
func (c *Client) ClaimJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "claim"), nil, &resp)
	return resp, err
}

// SubmitResult submits a result hash for an assigned job.
func (c *Client) SubmitResult(ctx context.Context, id, resultHash string) (Job, error) {
	body := map[string]any{"result_hash": resultHash}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "result"), body, &resp)
	return resp, err
}

// ApproveJob approves a verifying job, releasing the escrow to the worker.
func (c *Client) ApproveJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "approve"), nil, &resp)
	return resp, err
}

// Heartbeat reports worker liveness for an assigned job.
func (c *Client) Heartbeat(ctx context.Context, id string, gpuUsage int, step int64) error {
	body := map[string]any{"gpu_usage": gpuUsage, "step": step}
	return c.do(ctx, http.MethodPost, c.jobPath(id, "heartbeat"), body, nil)
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Token exchanges an identity for a bearer token. Only available when the
// node runs with a JWT secret.
func (c *Client) Token(ctx context.Context, identity string) (string, error) {
	body := map[string]any{"identity": identity}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v1/auth/token", body, &resp)
	return resp.Token, err
}

// UploadBuild streams code and optional data archives to the build endpoint
// and returns the built image reference. dataPath may be empty.
func (c *Client) UploadBuild(ctx context.Context, codePath, dataPath string, fields map[string]string) (Build, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := attachFile(mw, "code", codePath); err != nil {
		return Build{}, err
	}
	if dataPath != "" {
		if err := attachFile(mw, "data", dataPath); err != nil {
			return Build{}, err
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Build{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Build{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/v1/builds", &buf)
	if err != nil {
		return Build{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return Build{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Build{}, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out Build
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func attachFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) jobPath(id, action string) string {
	p := "v1/jobs/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
