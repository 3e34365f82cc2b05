package domain

import (
	"fmt"
	"path"
	"strings"
)

type Attachment struct {
	_    struct{} `json:"-" additionalProperties:"true"`
	Name string   `json:"name" doc:"Filename of the attachment" example:"sample.png"`
	URL  string   `json:"url" doc:"Data URI (e.g. data:image/png;base64,...)" example:"data:text/plain;base64,aGVsbG8="`
}

// TaskRequest is the intake payload. Unknown fields are accepted and ignored.
type TaskRequest struct {
	_             struct{}     `json:"-" additionalProperties:"true"`
	Email         string       `json:"email" doc:"Student email ID" example:"student@example.com"`
	Secret        string       `json:"secret" doc:"Student-provided secret" example:"my-secret-token"`
	Task          string       `json:"task" doc:"Unique task ID" example:"captcha-solver-abc123"`
	Round         int          `json:"round" minimum:"1" maximum:"3" doc:"Round number" example:"1"`
	Nonce         string       `json:"nonce" doc:"Unique nonce to pass back" example:"ab12-cd34-ef56"`
	Brief         string       `json:"brief" doc:"Description of what the app needs to do"`
	Checks        []string     `json:"checks,omitempty" doc:"Evaluation criteria"`
	EvaluationURL string       `json:"evaluation_url" doc:"URL to send repo details after deployment" example:"https://example.com/notify"`
	Attachments   []Attachment `json:"attachments,omitempty" doc:"Files encoded as data URIs"`
}

// IdempotencyKey identifies one logical publish attempt. Payload differences
// other than email, task, round and nonce do not change it.
func IdempotencyKey(email, task string, round int, nonce string) string {
	return fmt.Sprintf("%s::%s::round%d::nonce%s", email, task, round, nonce)
}

func (r TaskRequest) Key() string {
	return IdempotencyKey(r.Email, r.Task, r.Round, r.Nonce)
}

// PublishOutcome is both the evaluator payload and the stored processed record.
type PublishOutcome struct {
	Email     string  `json:"email"`
	Task      string  `json:"task"`
	Round     int     `json:"round"`
	Nonce     string  `json:"nonce"`
	RepoURL   string  `json:"repo_url"`
	CommitSHA *string `json:"commit_sha"`
	PagesURL  *string `json:"pages_url"`
}

type SavedAttachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
	MIME string `json:"mime"`
}

type GeneratedArtifact struct {
	Files       map[string]string `json:"files"`
	Attachments []SavedAttachment `json:"attachments"`
}

var textExtensions = []string{".md", ".csv", ".json", ".txt"}

// IsTextAttachment reports whether an attachment is committed as text rather
// than as a binary blob plus base64 backup.
func IsTextAttachment(name, mime string) bool {
	if strings.HasPrefix(mime, "text") {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range textExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// BackupPath is where the base64 copy of a binary attachment is committed.
func BackupPath(name string) string {
	return "attachments/" + name + ".b64"
}

func StringPtr(s string) *string {
	return &s
}
