// Package notify delivers publish outcomes to the evaluator callback URL.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"appbuilder/internal/domain"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096
)

type Notifier interface {
	Notify(ctx context.Context, url string, outcome domain.PublishOutcome) error
}

// HTTPNotifier POSTs the outcome as JSON. It makes exactly one attempt.
type HTTPNotifier struct {
	client *resty.Client
}

func New(timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPNotifier{client: resty.New().SetTimeout(timeout)}
}

func (n *HTTPNotifier) Notify(ctx context.Context, url string, outcome domain.PublishOutcome) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("notify: empty evaluation url")
	}
	res, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(outcome).
		Post(url)
	if err != nil {
		return fmt.Errorf("notify %s: %w", url, err)
	}
	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		body := res.Body()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("notify %s: status %d: %s", url, res.StatusCode(), strings.TrimSpace(string(body)))
	}
	return nil
}

var _ Notifier = (*HTTPNotifier)(nil)
