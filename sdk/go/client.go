package appbuildersdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a minimal app builder HTTP API client.
type Client struct {
	BaseURL string
	Timeout time.Duration

	rc *resty.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Attachment is a file passed inline as a data URI.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TaskRequest is the intake payload.
type TaskRequest struct {
	Email         string       `json:"email"`
	Secret        string       `json:"secret"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks,omitempty"`
	EvaluationURL string       `json:"evaluation_url"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// SubmitResponse is the intake acknowledgement. Status is "accepted" for new
// work and "ok" for a duplicate.
type SubmitResponse struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type Health struct {
	Status    string   `json:"status"`
	Service   string   `json:"service"`
	Endpoints []string `json:"endpoints"`
}

// Outcome is what the evaluator received for a finished request.
type Outcome struct {
	Email     string  `json:"email"`
	Task      string  `json:"task"`
	Round     int     `json:"round"`
	Nonce     string  `json:"nonce"`
	RepoURL   string  `json:"repo_url"`
	CommitSHA *string `json:"commit_sha"`
	PagesURL  *string `json:"pages_url"`
}

// Record is one idempotency entry.
type Record struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one entry of a run report.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Run describes one background publish run.
type Run struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"`
	State     string     `json:"state"`
	Status    string     `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`
	Report    *struct {
		Steps []Step `json:"steps"`
	} `json:"report,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit posts a task request to the intake endpoint.
func (c *Client) Submit(ctx context.Context, req TaskRequest) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.do(ctx, http.MethodPost, "api-endpoint", "", req, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", "", nil, &resp)
	return resp, err
}

// Records lists idempotency records. token is an admin bearer JWT.
func (c *Client) Records(ctx context.Context, token string) ([]Record, error) {
	var resp struct {
		Records []Record `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "admin/records", token, nil, &resp)
	return resp.Records, err
}

// Runs lists background publish runs. token is an admin bearer JWT.
func (c *Client) Runs(ctx context.Context, token string) ([]Run, error) {
	var resp struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, "admin/runs", token, nil, &resp)
	return resp.Runs, err
}

func (c *Client) Run(ctx context.Context, token, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "admin/runs/"+url.PathEscape(id), token, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body any, out any) error {
	if c.rc == nil {
		c.rc = resty.New().SetTimeout(c.Timeout)
	}
	req := c.rc.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if token != "" {
		req.SetAuthToken(token)
	}
	if out != nil {
		req.SetResult(out)
	}
	res, err := req.Execute(method, c.base()+"/"+strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return err
	}
	if res.StatusCode() >= 300 {
		return &APIError{StatusCode: res.StatusCode(), Body: string(res.Body())}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
