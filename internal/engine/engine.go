package engine

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"appbuilder/internal/attachments"
	"appbuilder/internal/domain"
	"appbuilder/internal/generator"
	"appbuilder/internal/github"
	"appbuilder/internal/notify"
	"appbuilder/internal/store"
)

var ErrUnauthorized = errors.New("invalid secret")

const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "ok"

	NoteRenotified = "duplicate handled & re-notified"
	NoteInProgress = "duplicate of a request still in progress"
)

type SubmitResult struct {
	Status string `json:"status" enum:"accepted,ok" doc:"accepted for new work, ok for a duplicate"`
	Note   string `json:"note"`
}

type Materializer interface {
	Materialize(ctx context.Context, atts []domain.Attachment) ([]domain.SavedAttachment, error)
}

// RunFunc executes one publish run.
type RunFunc func(ctx context.Context, req domain.TaskRequest) (domain.RunReport, error)

// Scheduler queues exactly one background run per call.
type Scheduler interface {
	Schedule(req domain.TaskRequest, run RunFunc) (string, error)
}

type Engine struct {
	Secret string
	// Account owns the published repositories and the Pages sites.
	Account     string
	Store       store.Store
	Attachments Materializer
	Generator   generator.Generator
	Publisher   github.Publisher
	Notifier    notify.Notifier
	Scheduler   Scheduler
	Now         func() time.Time
	NewID       func() string
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Submit authenticates req and either schedules a run or answers as a
// duplicate. A secret mismatch touches nothing.
func (e Engine) Submit(ctx context.Context, req domain.TaskRequest) (SubmitResult, error) {
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(e.Secret)) != 1 {
		return SubmitResult{}, ErrUnauthorized
	}
	key := req.Key()
	logger := log.WithFields(log.Fields{"task": req.Task, "round": req.Round, "key": key})

	existing, reserved, err := e.Store.Reserve(ctx, req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if !reserved {
		if existing.Status == store.StatusDone && existing.Outcome != nil {
			outcome := *existing.Outcome
			url := req.EvaluationURL
			notifyCtx := context.WithoutCancel(ctx)
			go func() {
				if err := e.Notifier.Notify(notifyCtx, url, outcome); err != nil {
					logger.WithError(err).Warn("re-notify failed")
					return
				}
				logger.Info("duplicate re-notified")
			}()
			return SubmitResult{Status: StatusDuplicate, Note: NoteRenotified}, nil
		}
		logger.Info("duplicate of an in-flight request")
		return SubmitResult{Status: StatusDuplicate, Note: NoteInProgress}, nil
	}

	id, err := e.Scheduler.Schedule(req, e.Run)
	if err != nil {
		if rerr := e.Store.Release(ctx, key); rerr != nil {
			logger.WithError(rerr).Error("release reservation failed")
		}
		return SubmitResult{}, fmt.Errorf("schedule %s: %w", key, err)
	}
	logger.WithField("task_id", id).Info("request accepted")
	return SubmitResult{Status: StatusAccepted, Note: fmt.Sprintf("processing round %d started", req.Round)}, nil
}

// Run performs the publish sequence for req. Only repository acquisition,
// generation, file commits and the license commit abort the run; every other
// step records its failure in the report and carries on.
func (e Engine) Run(ctx context.Context, req domain.TaskRequest) (domain.RunReport, error) {
	key := req.Key()
	report := domain.RunReport{RunID: e.newID(), Key: key, Task: req.Task, Round: req.Round, StartedAt: e.now().UTC()}
	logger := log.WithFields(log.Fields{"task": req.Task, "round": req.Round, "key": key, "run_id": report.RunID})
	logger.Info("publish run started")

	fatal := func(step string, err error) (domain.RunReport, error) {
		report.Fail(step, err)
		report.Err = err.Error()
		e.finish(&report)
		logger.WithError(err).WithField("step", step).Error("publish run failed")
		if rerr := e.Store.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.WithError(rerr).Error("release reservation failed")
		}
		return report, fmt.Errorf("%s: %w", step, err)
	}

	saved, err := e.Attachments.Materialize(ctx, req.Attachments)
	switch {
	case err != nil:
		logger.WithError(err).Warn("some attachments could not be decoded")
		report.Fail("attachments", err)
	case len(req.Attachments) == 0:
		report.Skip("attachments", "none")
	default:
		report.OK("attachments", fmt.Sprintf("%d saved", len(saved)))
	}

	repo, err := e.Publisher.GetOrCreate(ctx, req.Task, "Auto-generated app for task: "+req.Brief)
	if err != nil {
		return fatal("repo", err)
	}
	repoURL := e.Publisher.RepoURL(repo)
	report.OK("repo", repoURL)

	var prevReadme *string
	if req.Round == 2 {
		data, err := e.Publisher.GetFile(ctx, repo, "README.md")
		switch {
		case errors.Is(err, github.ErrNotFound):
			report.Skip("readme", "no previous README")
		case err != nil:
			logger.WithError(err).Warn("previous README unavailable")
			report.Fail("readme", err)
		default:
			text := strings.ToValidUTF8(string(data), "")
			prevReadme = &text
			report.OK("readme", "loaded")
		}
	} else {
		report.Skip("readme", fmt.Sprintf("round %d", req.Round))
	}

	artifact, err := e.Generator.Generate(ctx, generator.Request{
		Brief:       req.Brief,
		Attachments: saved,
		Checks:      req.Checks,
		Round:       req.Round,
		PrevReadme:  prevReadme,
	})
	if err != nil {
		return fatal("generate", err)
	}
	report.OK("generate", fmt.Sprintf("%d files", len(artifact.Files)))

	if req.Round == 1 {
		for _, att := range artifact.Attachments {
			step := "attachment:" + att.Name
			if err := e.commitAttachment(ctx, repo, att); err != nil {
				logger.WithError(err).WithField("attachment", att.Name).Warn("attachment commit failed")
				report.Fail(step, err)
				continue
			}
			report.OK(step, "committed")
		}
	}

	for _, p := range generator.SortedPaths(artifact.Files) {
		if err := e.Publisher.CommitText(ctx, repo, p, artifact.Files[p], "Add/Update "+p); err != nil {
			return fatal("file:"+p, err)
		}
		report.OK("file:"+p, "committed")
	}

	license := github.MITLicense(e.Account, e.now().Year())
	if err := e.Publisher.CommitText(ctx, repo, "LICENSE", license, "Add MIT license"); err != nil {
		return fatal("license", err)
	}
	report.OK("license", "committed")

	var pagesURL *string
	if req.Round == 1 {
		ok, err := e.Publisher.EnablePages(ctx, req.Task)
		switch {
		case ok:
			pagesURL = domain.StringPtr(github.PagesURL(e.Account, req.Task))
			report.OK("pages", *pagesURL)
		case err != nil:
			logger.WithError(err).Warn("pages not enabled")
			report.Fail("pages", err)
		default:
			report.Fail("pages", errors.New("pages not enabled"))
		}
	} else {
		pagesURL = domain.StringPtr(github.PagesURL(e.Account, req.Task))
		report.OK("pages", *pagesURL)
	}

	var commitSHA *string
	if sha, err := e.Publisher.LatestCommitSHA(ctx, repo); err != nil {
		logger.WithError(err).Warn("latest commit unavailable")
		report.Fail("commit_sha", err)
	} else {
		commitSHA = &sha
		report.OK("commit_sha", sha)
	}

	outcome := domain.PublishOutcome{
		Email:     req.Email,
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		RepoURL:   repoURL,
		CommitSHA: commitSHA,
		PagesURL:  pagesURL,
	}
	report.Outcome = &outcome

	if err := e.Notifier.Notify(ctx, req.EvaluationURL, outcome); err != nil {
		logger.WithError(err).Warn("evaluator notification failed")
		report.Fail("notify", err)
	} else {
		report.OK("notify", req.EvaluationURL)
	}

	if err := e.Store.Complete(context.WithoutCancel(ctx), key, outcome); err != nil {
		report.Fail("record", err)
		report.Err = err.Error()
		e.finish(&report)
		logger.WithError(err).Error("saving processed record failed")
		if rerr := e.Store.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.WithError(rerr).Error("release reservation failed")
		}
		return report, fmt.Errorf("record: %w", err)
	}
	report.OK("record", "saved")
	e.finish(&report)
	logger.Info("publish run finished")
	return report, nil
}

func (e Engine) finish(r *domain.RunReport) {
	t := e.now().UTC()
	r.FinishedAt = &t
}

// commitAttachment commits text attachments as-is. Anything else is committed
// as a blob plus a base64 backup under attachments/.
func (e Engine) commitAttachment(ctx context.Context, repo github.Repo, att domain.SavedAttachment) error {
	data, err := attachments.ReadFile(att)
	if err != nil {
		return err
	}
	if domain.IsTextAttachment(att.Name, att.MIME) {
		return e.Publisher.CommitText(ctx, repo, att.Name, strings.ToValidUTF8(string(data), ""), "Add attachment "+att.Name)
	}
	if err := e.Publisher.CommitBinary(ctx, repo, att.Name, data, "Add binary "+att.Name); err != nil {
		return err
	}
	return e.Publisher.CommitText(ctx, repo, domain.BackupPath(att.Name), base64.StdEncoding.EncodeToString(data), "Backup "+att.Name+".b64")
}
