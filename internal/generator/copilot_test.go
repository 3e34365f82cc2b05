package generator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/internal/domain"
)

type fakeCopilotClient struct {
	startErr   error
	session    *fakeSession
	startCalls int
	stopCalls  int
	lastConfig *copilot.SessionConfig
}

func (c *fakeCopilotClient) Start(ctx context.Context) error {
	c.startCalls++
	return c.startErr
}

func (c *fakeCopilotClient) Stop() error {
	c.stopCalls++
	return nil
}

func (c *fakeCopilotClient) CreateSession(ctx context.Context, config *copilot.SessionConfig) (copilotSession, error) {
	c.lastConfig = config
	c.session.workspace = config.WorkingDirectory
	return c.session, nil
}

type fakeSession struct {
	workspace string
	handlers  []copilot.SessionEventHandler
	prompt    string
	sendFn    func(s *fakeSession) error
}

func (s *fakeSession) On(handler copilot.SessionEventHandler) func() {
	s.handlers = append(s.handlers, handler)
	return func() {}
}

func (s *fakeSession) SendAndWait(ctx context.Context, opts copilot.MessageOptions) (*copilot.SessionEvent, error) {
	s.prompt = opts.Prompt
	if s.sendFn != nil {
		if err := s.sendFn(s); err != nil {
			return nil, err
		}
	}
	return &copilot.SessionEvent{Type: copilot.AssistantMessage}, nil
}

func (s *fakeSession) reply(content string) {
	for _, h := range s.handlers {
		h(copilot.SessionEvent{Type: copilot.AssistantMessage, Data: copilot.Data{Content: &content}})
	}
}

func (s *fakeSession) write(t *testing.T, rel, content string) {
	p := filepath.Join(s.workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func savedAttachment(t *testing.T) domain.SavedAttachment {
	p := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(p, []byte("x,y\n"), 0o644))
	return domain.SavedAttachment{Name: "data.csv", Path: p, MIME: "text/csv"}
}

func TestCopilotHarvestsWrittenFiles(t *testing.T) {
	session := &fakeSession{}
	session.sendFn = func(s *fakeSession) error {
		_, err := os.Stat(filepath.Join(s.workspace, seededDir, "data.csv"))
		require.NoError(t, err, "attachments are seeded before the prompt")
		s.write(t, "index.html", "<h1>hi</h1>")
		s.write(t, "js/app.js", "console.log(1)")
		s.write(t, seededDir+"/extra.csv", "ignored")
		return nil
	}
	client := &fakeCopilotClient{session: session}
	workRoot := t.TempDir()
	g := newCopilotBackend(CopilotConfig{Model: "gpt-5", WorkDir: workRoot}, client)

	att := savedAttachment(t)
	art, err := g.Generate(context.Background(), Request{Brief: "b", Round: 1, Attachments: []domain.SavedAttachment{att}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"index.html": "<h1>hi</h1>", "js/app.js": "console.log(1)"}, art.Files)
	assert.Equal(t, []domain.SavedAttachment{att}, art.Attachments)
	assert.Equal(t, "gpt-5", client.lastConfig.Model)
	assert.NotNil(t, client.lastConfig.OnPermissionRequest)
	assert.Contains(t, session.prompt, "current working directory")

	_, err = os.Stat(session.workspace)
	assert.True(t, os.IsNotExist(err), "workspace is removed")

	_, err = g.Generate(context.Background(), Request{Brief: "again", Attachments: []domain.SavedAttachment{att}})
	require.NoError(t, err)
	assert.Equal(t, 1, client.startCalls, "client starts once")

	require.NoError(t, g.Close())
	assert.Equal(t, 1, client.stopCalls)
}

func TestCopilotFallsBackToJSONReply(t *testing.T) {
	session := &fakeSession{}
	session.sendFn = func(s *fakeSession) error {
		s.reply(`{"files":{"index.html":"<p>json</p>"}}`)
		return nil
	}
	g := newCopilotBackend(CopilotConfig{WorkDir: t.TempDir()}, &fakeCopilotClient{session: session})
	art, err := g.Generate(context.Background(), Request{Brief: "b"})
	require.NoError(t, err)
	assert.Equal(t, "<p>json</p>", art.Files["index.html"])
}

func TestCopilotErrors(t *testing.T) {
	g := newCopilotBackend(CopilotConfig{WorkDir: t.TempDir()}, &fakeCopilotClient{startErr: errors.New("no cli"), session: &fakeSession{}})
	_, err := g.Generate(context.Background(), Request{Brief: "b"})
	require.ErrorContains(t, err, "copilot failed to start")

	session := &fakeSession{sendFn: func(*fakeSession) error { return errors.New("model exploded") }}
	g = newCopilotBackend(CopilotConfig{WorkDir: t.TempDir()}, &fakeCopilotClient{session: session})
	_, err = g.Generate(context.Background(), Request{Brief: "b"})
	require.ErrorContains(t, err, "model exploded")

	g = newCopilotBackend(CopilotConfig{WorkDir: t.TempDir()}, &fakeCopilotClient{session: &fakeSession{}})
	_, err = g.Generate(context.Background(), Request{Brief: "b"})
	require.ErrorContains(t, err, "copilot wrote no files")
}
