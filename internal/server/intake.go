package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"appbuilder/internal/domain"
	"appbuilder/internal/engine"
)

var intakeEndpoints = []string{"/api-endpoint"}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status":    "healthy",
			"service":   "auto-app-builder",
			"endpoints": intakeEndpoints,
		}}, nil
	})
}

func registerIntake(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "build-app",
		Method:        http.MethodPost,
		Path:          "/api-endpoint",
		Summary:       "Build or update an application",
		Description:   "Accepts a task brief and, in the background, generates the app, publishes it to a GitHub repository with Pages enabled and notifies the evaluation server. Duplicate submissions are answered without new work.",
		Tags:          []string{"App Builder"},
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body domain.TaskRequest
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		res, err := e.Submit(ctx, input.Body)
		if err != nil {
			if errors.Is(err, engine.ErrUnauthorized) {
				return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "Invalid secret", nil)
			}
			log.WithError(err).WithField("task", input.Body.Task).Error("intake failed")
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
		}
		return &struct {
			Body engine.SubmitResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerWelcome(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, welcomeHTML)
	})
}

const welcomeHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Auto App Builder API</title>
  <style>
    body { font-family: Arial, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; background: #f5f5f5; }
    .container { background: white; padding: 30px; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
    code, pre { background: #f4f4f4; padding: 2px 6px; border-radius: 3px; }
    pre { padding: 15px; overflow-x: auto; }
    a { color: #3498db; }
  </style>
</head>
<body>
  <div class="container">
    <h1>Auto App Builder API</h1>
    <p>Send a task brief and get a generated app deployed on GitHub Pages.</p>
    <h2>Endpoints</h2>
    <ul>
      <li><code>POST /api-endpoint</code> submit a task (round 1 builds, later rounds revise)</li>
      <li><code>GET /health</code> service health</li>
      <li><a href="/docs">/docs</a> interactive API documentation</li>
    </ul>
    <h2>Example request</h2>
    <pre>{
  "email": "student@example.com",
  "secret": "my-secret-token",
  "task": "captcha-solver-abc123",
  "round": 1,
  "nonce": "ab12-cd34-ef56",
  "brief": "Create a captcha solver that handles ?url=https://.../image.png",
  "checks": ["Repo has MIT license", "Page displays captcha URL passed at ?url=..."],
  "evaluation_url": "https://example.com/notify",
  "attachments": [{"name": "sample.png", "url": "data:image/png;base64,iVBORw..."}]
}</pre>
    <p>The request is acknowledged immediately; the build runs in the background and the result is posted to <code>evaluation_url</code>.</p>
  </div>
</body>
</html>
`
