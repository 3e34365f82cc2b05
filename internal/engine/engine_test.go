package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"appbuilder/internal/attachments"
	"appbuilder/internal/domain"
	"appbuilder/internal/engine"
	"appbuilder/internal/generator"
	"appbuilder/internal/github"
	"appbuilder/internal/store"
)

type commit struct {
	Path, Message string
	Binary        bool
	Content       string
}

type fakePublisher struct {
	mu         sync.Mutex
	commits    []commit
	readme     []byte
	readmeErr  error
	fileReads  int
	repoErr    error
	commitErr  map[string]error
	pagesOK    bool
	pagesErr   error
	pagesCalls int
	shaErr     error
}

func (p *fakePublisher) GetOrCreate(ctx context.Context, task, description string) (github.Repo, error) {
	if p.repoErr != nil {
		return github.Repo{}, p.repoErr
	}
	return github.Repo{Owner: "octo", Name: task, HTMLURL: "https://github.com/octo/" + task}, nil
}

func (p *fakePublisher) GetFile(ctx context.Context, repo github.Repo, path string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fileReads++
	if p.readmeErr != nil {
		return nil, p.readmeErr
	}
	if p.readme == nil {
		return nil, github.ErrNotFound
	}
	return p.readme, nil
}

func (p *fakePublisher) record(c commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.commitErr[c.Path]; err != nil {
		return err
	}
	p.commits = append(p.commits, c)
	return nil
}

func (p *fakePublisher) CommitText(ctx context.Context, repo github.Repo, path, text, message string) error {
	return p.record(commit{Path: path, Message: message, Content: text})
}

func (p *fakePublisher) CommitBinary(ctx context.Context, repo github.Repo, path string, data []byte, message string) error {
	return p.record(commit{Path: path, Message: message, Binary: true, Content: string(data)})
}

func (p *fakePublisher) EnablePages(ctx context.Context, task string) (bool, error) {
	p.mu.Lock()
	p.pagesCalls++
	p.mu.Unlock()
	return p.pagesOK, p.pagesErr
}

func (p *fakePublisher) LatestCommitSHA(ctx context.Context, repo github.Repo) (string, error) {
	if p.shaErr != nil {
		return "", p.shaErr
	}
	return "cafe01", nil
}

func (p *fakePublisher) RepoURL(repo github.Repo) string { return repo.HTMLURL }

func (p *fakePublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.commits))
	for _, c := range p.commits {
		out = append(out, c.Message)
	}
	return out
}

type fakeGenerator struct {
	mu    sync.Mutex
	files map[string]string
	err   error
	reqs  []generator.Request
}

func (g *fakeGenerator) Generate(ctx context.Context, req generator.Request) (domain.GeneratedArtifact, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.err != nil {
		return domain.GeneratedArtifact{}, g.err
	}
	return domain.GeneratedArtifact{Files: g.files, Attachments: req.Attachments}, nil
}

type notification struct {
	URL     string
	Outcome domain.PublishOutcome
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, url string, outcome domain.PublishOutcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{URL: url, Outcome: outcome})
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNotifier) last() notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[len(n.calls)-1]
}

type recordingScheduler struct {
	mu   sync.Mutex
	reqs []domain.TaskRequest
	err  error
}

func (s *recordingScheduler) Schedule(req domain.TaskRequest, run engine.RunFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.reqs = append(s.reqs, req)
	return "task-1", nil
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type testEnv struct {
	Engine    engine.Engine
	Store     *store.FileStore
	Publisher *fakePublisher
	Generator *fakeGenerator
	Notifier  *fakeNotifier
	Scheduler *recordingScheduler
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		Store:     store.NewFileStore(filepath.Join(dir, "processed.json")),
		Publisher: &fakePublisher{pagesOK: true},
		Generator: &fakeGenerator{files: map[string]string{"index.html": "<h1>app</h1>", "README.md": "# App", "css/site.css": "body{}"}},
		Notifier:  &fakeNotifier{},
		Scheduler: &recordingScheduler{},
		Ctx:       context.Background(),
	}
	env.Engine = engine.Engine{
		Secret:      "s3cret",
		Account:     "octo",
		Store:       env.Store,
		Attachments: attachments.New(filepath.Join(dir, "attachments")),
		Generator:   env.Generator,
		Publisher:   env.Publisher,
		Notifier:    env.Notifier,
		Scheduler:   env.Scheduler,
		Now:         func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID:       func() string { return "run-1" },
	}
	return env
}

func taskRequest(round int) domain.TaskRequest {
	return domain.TaskRequest{
		Email:         "student@example.com",
		Secret:        "s3cret",
		Task:          "csv-viewer",
		Round:         round,
		Nonce:         "nonce-1",
		Brief:         "Show a CSV as a table",
		Checks:        []string{"has a table"},
		EvaluationURL: "https://eval.example.com/notify",
		Attachments: []domain.Attachment{
			{Name: "notes.md", URL: "data:text/markdown;base64,IyBub3Rlcw=="},
			{Name: "logo.png", URL: "data:image/png;base64,iVBORw0KGgo="},
		},
	}
}

func TestSubmitRejectsWrongSecret(t *testing.T) {
	env := newTestEnv(t)
	req := taskRequest(1)
	req.Secret = "nope"

	_, err := env.Engine.Submit(env.Ctx, req)
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	assert.Zero(t, env.Scheduler.count())
	_, err = env.Store.Lookup(env.Ctx, req.Key())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitAcceptsThenDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	req := taskRequest(2)

	res, err := env.Engine.Submit(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.SubmitResult{Status: engine.StatusAccepted, Note: "processing round 2 started"}, res)
	require.Equal(t, 1, env.Scheduler.count())

	other := req
	other.Brief = "something else entirely"
	res, err = env.Engine.Submit(env.Ctx, other)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusDuplicate, res.Status)
	assert.Equal(t, engine.NoteInProgress, res.Note)
	assert.Equal(t, 1, env.Scheduler.count(), "in-flight duplicates schedule nothing")
	assert.Zero(t, env.Notifier.count())
}

func TestSubmitRenotifiesFinishedDuplicate(t *testing.T) {
	env := newTestEnv(t)
	req := taskRequest(1)
	stored := domain.PublishOutcome{Email: req.Email, Task: req.Task, Round: 1, Nonce: req.Nonce, RepoURL: "https://github.com/octo/csv-viewer"}
	require.NoError(t, env.Store.Complete(env.Ctx, req.Key(), stored))

	req.EvaluationURL = "https://eval.example.com/second"
	res, err := env.Engine.Submit(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.SubmitResult{Status: "ok", Note: "duplicate handled & re-notified"}, res)
	assert.Zero(t, env.Scheduler.count())

	require.Eventually(t, func() bool { return env.Notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	n := env.Notifier.last()
	assert.Equal(t, "https://eval.example.com/second", n.URL)
	assert.Equal(t, stored, n.Outcome)
}

func TestSubmitReleasesWhenSchedulingFails(t *testing.T) {
	env := newTestEnv(t)
	env.Scheduler.err = errors.New("queue closed")
	req := taskRequest(1)

	_, err := env.Engine.Submit(env.Ctx, req)
	require.Error(t, err)
	_, err = env.Store.Lookup(env.Ctx, req.Key())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentSubmitsScheduleOnce(t *testing.T) {
	env := newTestEnv(t)
	var accepted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			res, err := env.Engine.Submit(env.Ctx, taskRequest(1))
			if res.Status == engine.StatusAccepted {
				accepted.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 1, env.Scheduler.count())
}

func TestRunRoundOne(t *testing.T) {
	env := newTestEnv(t)
	req := taskRequest(1)

	report, err := env.Engine.Run(env.Ctx, req)
	require.NoError(t, err)
	assert.Empty(t, report.Err)
	assert.Equal(t, "run-1", report.RunID)
	require.NotNil(t, report.FinishedAt)

	assert.Equal(t, []string{
		"Add attachment notes.md",
		"Add binary logo.png",
		"Backup logo.png.b64",
		"Add/Update README.md",
		"Add/Update css/site.css",
		"Add/Update index.html",
		"Add MIT license",
	}, env.Publisher.messages())
	assert.Equal(t, 1, env.Publisher.pagesCalls)
	assert.Zero(t, env.Publisher.fileReads, "round 1 never reads the README")

	backup := env.Publisher.commits[2]
	assert.Equal(t, "attachments/logo.png.b64", backup.Path)
	assert.Equal(t, "iVBORw0KGgo=", backup.Content)
	license := env.Publisher.commits[6]
	assert.Equal(t, "LICENSE", license.Path)
	assert.Contains(t, license.Content, "Copyright (c) 2026 octo")

	want := domain.PublishOutcome{
		Email: req.Email, Task: req.Task, Round: 1, Nonce: req.Nonce,
		RepoURL:   "https://github.com/octo/csv-viewer",
		CommitSHA: domain.StringPtr("cafe01"),
		PagesURL:  domain.StringPtr("https://octo.github.io/csv-viewer/"),
	}
	require.Equal(t, 1, env.Notifier.count())
	assert.Equal(t, notification{URL: req.EvaluationURL, Outcome: want}, env.Notifier.last())
	assert.Equal(t, map[string]domain.PublishOutcome{req.Key(): want}, env.Store.Load())

	gen := env.Generator.reqs[0]
	assert.Nil(t, gen.PrevReadme)
	require.Len(t, gen.Attachments, 2)
	assert.Equal(t, "text/markdown", gen.Attachments[0].MIME)
}

func TestRunRoundTwoRevises(t *testing.T) {
	env := newTestEnv(t)
	env.Publisher.readme = []byte("# Old App\n")
	env.Publisher.pagesOK = false

	report, err := env.Engine.Run(env.Ctx, taskRequest(2))
	require.NoError(t, err)

	gen := env.Generator.reqs[0]
	require.NotNil(t, gen.PrevReadme)
	assert.Equal(t, "# Old App\n", *gen.PrevReadme)
	assert.Zero(t, env.Publisher.pagesCalls, "later rounds synthesize the Pages URL")
	for _, m := range env.Publisher.messages() {
		assert.NotContains(t, m, "attachment")
		assert.NotContains(t, m, "binary")
	}
	require.NotNil(t, report.Outcome.PagesURL)
	assert.Equal(t, "https://octo.github.io/csv-viewer/", *report.Outcome.PagesURL)
}

func TestRunRoundTwoWithoutPreviousReadme(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(p *fakePublisher)
		status domain.StepStatus
	}{
		{name: "fetch error", setup: func(p *fakePublisher) { p.readmeErr = errors.New("boom") }, status: domain.StepFailed},
		{name: "missing", setup: func(p *fakePublisher) { p.readme = nil }, status: domain.StepSkipped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			tc.setup(env.Publisher)
			req := taskRequest(2)

			report, err := env.Engine.Run(env.Ctx, req)
			require.NoError(t, err)
			assert.Equal(t, 1, env.Publisher.fileReads)
			require.Len(t, env.Generator.reqs, 1)
			assert.Nil(t, env.Generator.reqs[0].PrevReadme)

			step, ok := report.Step("readme")
			require.True(t, ok)
			assert.Equal(t, tc.status, step.Status)
			assert.Contains(t, env.Publisher.messages(), "Add MIT license")
			assert.Equal(t, 1, env.Notifier.count())

			e, err := env.Store.Lookup(env.Ctx, req.Key())
			require.NoError(t, err)
			assert.Equal(t, store.StatusDone, e.Status)
		})
	}
}

func TestRunRoundThreeSkipsReadme(t *testing.T) {
	env := newTestEnv(t)
	env.Publisher.readme = []byte("# Old App\n")

	report, err := env.Engine.Run(env.Ctx, taskRequest(3))
	require.NoError(t, err)
	assert.Zero(t, env.Publisher.fileReads)
	assert.Nil(t, env.Generator.reqs[0].PrevReadme)
	step, ok := report.Step("readme")
	require.True(t, ok)
	assert.Equal(t, domain.StepSkipped, step.Status)
}

func TestRunToleratesBestEffortFailures(t *testing.T) {
	env := newTestEnv(t)
	env.Publisher.pagesOK = false
	env.Publisher.pagesErr = errors.New("pages forbidden")
	env.Publisher.shaErr = errors.New("commits unavailable")
	env.Publisher.commitErr = map[string]error{"logo.png": errors.New("blob too large")}
	env.Notifier.err = errors.New("evaluator down")
	req := taskRequest(1)
	req.Attachments = append(req.Attachments, domain.Attachment{Name: "bad.bin", URL: "not-a-data-uri"})

	report, err := env.Engine.Run(env.Ctx, req)
	require.NoError(t, err)
	require.NotNil(t, report.Outcome)
	assert.Nil(t, report.Outcome.PagesURL)
	assert.Nil(t, report.Outcome.CommitSHA)

	for _, name := range []string{"attachments", "attachment:logo.png", "pages", "commit_sha", "notify"} {
		step, ok := report.Step(name)
		require.True(t, ok, name)
		assert.Equal(t, domain.StepFailed, step.Status, name)
	}
	msgs := env.Publisher.messages()
	assert.Contains(t, msgs, "Add attachment notes.md")
	assert.Contains(t, msgs, "Add MIT license")

	e, err := env.Store.Lookup(env.Ctx, req.Key())
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, e.Status, "a failed notification still records the request")
}

func TestRunFatalFailureReleasesReservation(t *testing.T) {
	cases := map[string]func(env testEnv){
		"repo":     func(env testEnv) { env.Publisher.repoErr = errors.New("bad credentials") },
		"generate": func(env testEnv) { env.Generator.err = errors.New("model timeout") },
		"file":     func(env testEnv) { env.Publisher.commitErr = map[string]error{"css/site.css": errors.New("conflict")} },
		"license":  func(env testEnv) { env.Publisher.commitErr = map[string]error{"LICENSE": errors.New("conflict")} },
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			breakIt(env)
			req := taskRequest(1)
			_, _, err := env.Store.Reserve(env.Ctx, req)
			require.NoError(t, err)

			report, err := env.Engine.Run(env.Ctx, req)
			require.Error(t, err)
			assert.NotEmpty(t, report.Err)
			assert.Nil(t, report.Outcome)
			assert.Zero(t, env.Notifier.count())

			_, err = env.Store.Lookup(env.Ctx, req.Key())
			assert.ErrorIs(t, err, store.ErrNotFound)

			res, err := env.Engine.Submit(env.Ctx, req)
			require.NoError(t, err)
			assert.Equal(t, engine.StatusAccepted, res.Status, "a failed run can be resubmitted")
		})
	}
}

type failingCompleteStore struct {
	store.Store
}

func (failingCompleteStore) Complete(ctx context.Context, key string, outcome domain.PublishOutcome) error {
	return errors.New("disk full")
}

func TestRunRecordFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Store = failingCompleteStore{Store: env.Store}
	req := taskRequest(1)
	_, reserved, err := env.Store.Reserve(env.Ctx, req)
	require.NoError(t, err)
	require.True(t, reserved)

	report, err := env.Engine.Run(env.Ctx, req)
	require.Error(t, err)
	step, ok := report.Step("record")
	require.True(t, ok)
	assert.Equal(t, domain.StepFailed, step.Status)

	_, err = env.Store.Lookup(env.Ctx, req.Key())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, reserved, err = env.Store.Reserve(env.Ctx, req)
	require.NoError(t, err)
	assert.True(t, reserved, "a run whose record was lost can be resubmitted")
}

func TestRunGenerationFailureCommitsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Generator.err = errors.New("model timeout")
	_, err := env.Engine.Run(env.Ctx, taskRequest(1))
	require.Error(t, err)
	assert.Empty(t, env.Publisher.messages())
}

func TestTaskManagerRunsSubmittedWork(t *testing.T) {
	env := newTestEnv(t)
	tasks := engine.NewTaskManager(2)
	env.Engine.Scheduler = tasks
	req := taskRequest(1)

	res, err := env.Engine.Submit(env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, engine.StatusAccepted, res.Status)

	require.Eventually(t, func() bool {
		e, err := env.Store.Lookup(env.Ctx, req.Key())
		return err == nil && e.Status == store.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		runs := tasks.Runs()
		return len(runs) == 1 && runs[0].Status == "done" && runs[0].Report != nil
	}, 5*time.Second, 10*time.Millisecond)
	run := tasks.Runs()[0]
	assert.Equal(t, req.Key(), run.Key)
	assert.Equal(t, "publish csv-viewer round 1", run.Name)

	got, ok := tasks.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, run.ID, got.ID)
	_, ok = tasks.Get("missing")
	assert.False(t, ok)

	res, err = env.Engine.Submit(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.NoteRenotified, res.Note)
}

func TestTaskManagerFailedRunIsNotRetried(t *testing.T) {
	tasks := engine.NewTaskManager(1)
	var calls atomic.Int32
	_, err := tasks.Schedule(taskRequest(1), func(ctx context.Context, req domain.TaskRequest) (domain.RunReport, error) {
		calls.Add(1)
		assert.Empty(t, req.Secret, "secrets never reach the task list")
		return domain.RunReport{Err: "boom"}, errors.New("boom")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runs := tasks.Runs()
		return len(runs) == 1 && runs[0].Status == "failed"
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTaskManagerKeepsNewestFinishedRuns(t *testing.T) {
	tasks := engine.NewTaskManager(1)
	tasks.KeepFinished = 2
	ok := func(ctx context.Context, req domain.TaskRequest) (domain.RunReport, error) {
		return domain.RunReport{Task: req.Task}, nil
	}
	for i := 0; i < 5; i++ {
		req := taskRequest(1)
		req.Nonce = fmt.Sprintf("n%d", i)
		_, err := tasks.Schedule(req, ok)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			runs := tasks.Runs()
			return runs[len(runs)-1].State == "succeeded"
		}, 5*time.Second, 10*time.Millisecond)
	}

	runs := tasks.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, taskRequest(1).Task, runs[0].Report.Task)
	assert.Contains(t, runs[0].Key, "noncen3")
	assert.Contains(t, runs[1].Key, "noncen4")
}

func TestCommitOrderIsSorted(t *testing.T) {
	paths := generator.SortedPaths(map[string]string{"b.js": "", "a/z.css": "", "README.md": "", "index.html": ""})
	assert.True(t, sort.StringsAreSorted(paths))
	assert.Equal(t, []string{"README.md", "a/z.css", "b.js", "index.html"}, paths)
}
