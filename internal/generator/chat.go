package generator

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"appbuilder/internal/domain"
)

type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ChatBackend talks to an OpenAI compatible chat completions endpoint.
type ChatBackend struct {
	model  string
	client *resty.Client
}

func NewChat(cfg ChatConfig) *ChatBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}
	return &ChatBackend{model: cfg.Model, client: rc}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *ChatBackend) Generate(ctx context.Context, req Request) (domain.GeneratedArtifact, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(req)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	var (
		resp   chatResponse
		errRes chatError
	)
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&resp).
		SetError(&errRes).
		Post("/chat/completions")
	if err != nil {
		return domain.GeneratedArtifact{}, errors.Wrap(err, "chat completion request")
	}
	if res.StatusCode() != http.StatusOK {
		msg := errRes.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(res.String())
		}
		return domain.GeneratedArtifact{}, errors.Errorf("chat completion: status %d: %s", res.StatusCode(), msg)
	}
	if len(resp.Choices) == 0 {
		return domain.GeneratedArtifact{}, errors.New("chat completion returned no choices")
	}
	files, err := ParseFiles(resp.Choices[0].Message.Content)
	if err != nil {
		return domain.GeneratedArtifact{}, err
	}
	warnMissing(files)
	return domain.GeneratedArtifact{Files: files, Attachments: req.Attachments}, nil
}

func warnMissing(files map[string]string) {
	for _, p := range []string{"index.html", "README.md"} {
		if _, ok := files[p]; !ok {
			log.WithField("path", p).Warn("generator: expected file missing from answer")
		}
	}
}

var _ Generator = (*ChatBackend)(nil)
