package generator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"appbuilder/internal/attachments"
	"appbuilder/internal/domain"
)

const (
	seededDir       = "attachments"
	maxHarvestBytes = 1 << 20
)

type CopilotConfig struct {
	Model string
	// WorkDir holds the per-generation temp workspaces. Empty means os.TempDir.
	WorkDir string
	Timeout time.Duration
}

// CopilotBackend lets a Copilot agent write the site into a scratch workspace
// and harvests whatever files it leaves behind.
type CopilotBackend struct {
	cfg    CopilotConfig
	client copilotClient

	startOnce sync.Once
	startErr  error
}

func NewCopilot(cfg CopilotConfig) *CopilotBackend {
	return newCopilotBackend(cfg, newCopilotClient(&copilot.ClientOptions{
		LogLevel:  "error",
		AutoStart: copilot.Bool(false),
	}))
}

func newCopilotBackend(cfg CopilotConfig, client copilotClient) *CopilotBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	return &CopilotBackend{cfg: cfg, client: client}
}

func (c *CopilotBackend) Generate(ctx context.Context, req Request) (domain.GeneratedArtifact, error) {
	c.startOnce.Do(func() {
		c.startErr = c.client.Start(ctx)
	})
	if c.startErr != nil {
		return domain.GeneratedArtifact{}, errors.Wrap(c.startErr, "copilot failed to start")
	}

	workspace, err := os.MkdirTemp(c.cfg.WorkDir, "appbuilder-gen-*")
	if err != nil {
		return domain.GeneratedArtifact{}, errors.WithStack(err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			log.WithError(err).WithField("workspace", workspace).Warn("generator: workspace cleanup failed")
		}
	}()
	if err := seedWorkspace(workspace, req.Attachments); err != nil {
		return domain.GeneratedArtifact{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	session, err := c.client.CreateSession(ctx, &copilot.SessionConfig{
		Model:               c.cfg.Model,
		OnPermissionRequest: allowAllTools,
		WorkingDirectory:    workspace,
	})
	if err != nil {
		return domain.GeneratedArtifact{}, errors.Wrap(err, "create copilot session")
	}

	var (
		mu      sync.Mutex
		replies []string
	)
	unsubscribe := session.On(func(event copilot.SessionEvent) {
		if event.Type == copilot.AssistantMessage && event.Data.Content != nil {
			mu.Lock()
			replies = append(replies, *event.Data.Content)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	prompt := BuildPrompt(req) + "\n## Output\nWrite every file directly into the current working directory. Do not modify the `" + seededDir + "` directory.\n"
	if _, err := session.SendAndWait(ctx, copilot.MessageOptions{Prompt: prompt}); err != nil {
		return domain.GeneratedArtifact{}, errors.Wrap(err, "copilot generation")
	}

	files, err := harvest(workspace)
	if err != nil {
		return domain.GeneratedArtifact{}, err
	}
	if len(files) == 0 {
		// Some models answer with the JSON object instead of writing files.
		mu.Lock()
		last := ""
		if len(replies) > 0 {
			last = replies[len(replies)-1]
		}
		mu.Unlock()
		if files, err = ParseFiles(last); err != nil {
			return domain.GeneratedArtifact{}, errors.Wrap(err, "copilot wrote no files")
		}
	} else if files, err = normalizeFiles(files); err != nil {
		return domain.GeneratedArtifact{}, err
	}
	warnMissing(files)
	return domain.GeneratedArtifact{Files: files, Attachments: req.Attachments}, nil
}

// Close stops the Copilot CLI process.
func (c *CopilotBackend) Close() error {
	return c.client.Stop()
}

func allowAllTools(request copilot.PermissionRequest, invocation copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
	return copilot.PermissionRequestResult{Kind: "approved"}, nil
}

func seedWorkspace(workspace string, atts []domain.SavedAttachment) error {
	if len(atts) == 0 {
		return nil
	}
	dir := filepath.Join(workspace, seededDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	for _, att := range atts {
		data, err := attachments.ReadFile(att)
		if err != nil {
			return errors.Wrapf(err, "seed attachment %s", att.Name)
		}
		if err := os.WriteFile(filepath.Join(dir, att.Name), data, 0o644); err != nil {
			return errors.Wrapf(err, "seed attachment %s", att.Name)
		}
	}
	return nil
}

// harvest collects every UTF-8 file under workspace except the seeded
// attachments and VCS metadata.
func harvest(workspace string) (map[string]string, error) {
	files := map[string]string{}
	err := filepath.WalkDir(workspace, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == seededDir || rel == ".git" || strings.HasPrefix(filepath.Base(rel), ".copilot") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxHarvestBytes {
			log.WithField("path", rel).Warn("generator: skipping oversized file")
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			log.WithField("path", rel).Warn("generator: skipping non-text file")
			return nil
		}
		files[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "harvest workspace")
	}
	return files, nil
}

var _ Generator = (*CopilotBackend)(nil)
