// Package github publishes generated sites through the GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("github: not found")

// descriptionLimit is the longest repository description GitHub accepts.
const descriptionLimit = 350

type Repo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
}

// Publisher is the repository surface a publish run needs.
type Publisher interface {
	GetOrCreate(ctx context.Context, task, description string) (Repo, error)
	GetFile(ctx context.Context, repo Repo, path string) ([]byte, error)
	CommitText(ctx context.Context, repo Repo, path, text, message string) error
	CommitBinary(ctx context.Context, repo Repo, path string, data []byte, message string) error
	EnablePages(ctx context.Context, task string) (bool, error)
	LatestCommitSHA(ctx context.Context, repo Repo) (string, error)
	RepoURL(repo Repo) string
}

type Config struct {
	APIURL   string
	Token    string
	Username string
	Branch   string
	Private  bool
	Timeout  time.Duration
}

// APIError is a non-2xx answer from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github: status %d", e.StatusCode)
	}
	return fmt.Sprintf("github: status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	cfg    Config
	client *resty.Client
}

func New(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28").
		SetHeader("User-Agent", "appbuilder")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client{cfg: cfg, client: rc}
}

type reqCallback func(req *resty.Request)

type apiMessage struct {
	Message string `json:"message"`
}

func (c *Client) request(ctx context.Context, method, path string, callback reqCallback, out any) (*resty.Response, error) {
	var apiErr apiMessage
	req := c.client.R().SetContext(ctx).SetError(&apiErr)
	if callback != nil {
		callback(req)
	}
	if out != nil {
		req.SetResult(out)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		return nil, errors.Wrapf(err, "github %s %s", method, path)
	}
	if res.IsError() {
		return res, &APIError{StatusCode: res.StatusCode(), Message: apiErr.Message}
	}
	return res, nil
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func repoPath(owner, name string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

func contentsPath(repo Repo, file string) string {
	parts := strings.Split(strings.TrimPrefix(file, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return repoPath(repo.Owner, repo.Name) + "/contents/" + strings.Join(parts, "/")
}

type repoResp struct {
	Name          string `json:"name"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (r repoResp) repo() Repo {
	return Repo{Owner: r.Owner.Login, Name: r.Name, HTMLURL: r.HTMLURL, DefaultBranch: r.DefaultBranch}
}

// GetOrCreate returns the account's repository named task, creating it with an
// initial commit when it does not exist yet.
func (c *Client) GetOrCreate(ctx context.Context, task, description string) (Repo, error) {
	repo, err := c.getRepo(ctx, task)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Repo{}, err
	}

	if r := []rune(description); len(r) > descriptionLimit {
		description = string(r[:descriptionLimit])
	}
	// GitHub rejects control characters in descriptions.
	description = strings.Map(func(r rune) rune {
		if r < 0x20 {
			return ' '
		}
		return r
	}, description)

	var created repoResp
	_, err = c.request(ctx, http.MethodPost, "/user/repos", func(req *resty.Request) {
		req.SetBody(map[string]any{
			"name":        task,
			"description": description,
			"private":     c.cfg.Private,
			"auto_init":   true,
		})
	}, &created)
	if err != nil {
		if statusOf(err) == http.StatusUnprocessableEntity {
			// Lost a creation race; the repository exists now.
			return c.getRepo(ctx, task)
		}
		return Repo{}, errors.Wrapf(err, "create repo %s", task)
	}
	log.WithField("repo", created.HTMLURL).Info("github: created repository")
	return created.repo(), nil
}

func (c *Client) getRepo(ctx context.Context, name string) (Repo, error) {
	var resp repoResp
	_, err := c.request(ctx, http.MethodGet, repoPath(c.cfg.Username, name), nil, &resp)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return Repo{}, ErrNotFound
		}
		return Repo{}, errors.Wrapf(err, "get repo %s", name)
	}
	return resp.repo(), nil
}

type contentResp struct {
	Type     string `json:"type"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (c *Client) getContent(ctx context.Context, repo Repo, path string) (contentResp, error) {
	var resp contentResp
	_, err := c.request(ctx, http.MethodGet, contentsPath(repo, path), func(req *resty.Request) {
		req.SetQueryParam("ref", c.branch(repo))
	}, &resp)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return contentResp{}, ErrNotFound
		}
		return contentResp{}, errors.Wrapf(err, "get %s", path)
	}
	return resp, nil
}

// GetFile returns the decoded content of path, or ErrNotFound.
func (c *Client) GetFile(ctx context.Context, repo Repo, path string) ([]byte, error) {
	resp, err := c.getContent(ctx, repo, path)
	if err != nil {
		return nil, err
	}
	if resp.Encoding != "" && resp.Encoding != "base64" {
		return []byte(resp.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return data, nil
}

func (c *Client) CommitText(ctx context.Context, repo Repo, path, text, message string) error {
	return c.put(ctx, repo, path, []byte(text), message)
}

func (c *Client) CommitBinary(ctx context.Context, repo Repo, path string, data []byte, message string) error {
	return c.put(ctx, repo, path, data, message)
}

// put creates path or updates it in place, passing the current blob sha when
// the file already exists.
func (c *Client) put(ctx context.Context, repo Repo, path string, data []byte, message string) error {
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(data),
		"branch":  c.branch(repo),
	}
	existing, err := c.getContent(ctx, repo, path)
	switch {
	case err == nil:
		body["sha"] = existing.SHA
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	_, err = c.request(ctx, http.MethodPut, contentsPath(repo, path), func(req *resty.Request) {
		req.SetBody(body)
	}, nil)
	if err != nil {
		return errors.Wrapf(err, "commit %s", path)
	}
	return nil
}

// EnablePages turns on Pages for the task repository from the root of the
// branch files are committed to. An already enabled site counts as success.
func (c *Client) EnablePages(ctx context.Context, task string) (bool, error) {
	repo, err := c.getRepo(ctx, task)
	if err != nil {
		return false, errors.Wrapf(err, "enable pages for %s", task)
	}
	_, err = c.request(ctx, http.MethodPost, repoPath(repo.Owner, repo.Name)+"/pages", func(req *resty.Request) {
		req.SetBody(map[string]any{
			"source": map[string]string{"branch": c.branch(repo), "path": "/"},
		})
	}, nil)
	if err == nil {
		return true, nil
	}
	if statusOf(err) == http.StatusConflict {
		return true, nil
	}
	return false, errors.Wrapf(err, "enable pages for %s", task)
}

func (c *Client) LatestCommitSHA(ctx context.Context, repo Repo) (string, error) {
	var commits []struct {
		SHA string `json:"sha"`
	}
	_, err := c.request(ctx, http.MethodGet, repoPath(repo.Owner, repo.Name)+"/commits", func(req *resty.Request) {
		req.SetQueryParams(map[string]string{"per_page": "1", "sha": c.branch(repo)})
	}, &commits)
	if err != nil {
		return "", errors.Wrapf(err, "list commits of %s", repo.Name)
	}
	if len(commits) == 0 {
		return "", errors.Errorf("repo %s has no commits", repo.Name)
	}
	return commits[0].SHA, nil
}

func (c *Client) RepoURL(repo Repo) string {
	if repo.HTMLURL != "" {
		return repo.HTMLURL
	}
	return "https://github.com/" + repo.Owner + "/" + repo.Name
}

func (c *Client) branch(repo Repo) string {
	if repo.DefaultBranch != "" {
		return repo.DefaultBranch
	}
	return c.cfg.Branch
}

var _ Publisher = (*Client)(nil)
