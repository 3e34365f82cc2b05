package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OpenListTeam/tache"

	"appbuilder/internal/domain"
)

// PublishTask is one scheduled publish run.
type PublishTask struct {
	tache.Base
	Request domain.TaskRequest

	run      RunFunc
	mu       sync.Mutex
	status   string
	started  *time.Time
	finished *time.Time
	report   *domain.RunReport
}

func (t *PublishTask) GetName() string {
	return fmt.Sprintf("publish %s round %d", t.Request.Task, t.Request.Round)
}

func (t *PublishTask) GetStatus() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *PublishTask) times() (*time.Time, *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started, t.finished
}

func (t *PublishTask) Run() error {
	start := time.Now()
	t.mu.Lock()
	t.status = "running"
	t.started = &start
	t.mu.Unlock()

	report, err := t.run(context.Background(), t.Request)
	end := time.Now()
	t.mu.Lock()
	t.finished = &end
	t.report = &report
	if err != nil {
		t.status = "failed"
	} else {
		t.status = "done"
	}
	t.mu.Unlock()
	return err
}

// Report is the run report, nil until the run has finished.
func (t *PublishTask) Report() *domain.RunReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

// DefaultKeepFinished is how many finished runs a TaskManager remembers.
const DefaultKeepFinished = 100

// TaskManager runs publish tasks on a bounded worker pool. Failed runs are
// never retried. Only the newest KeepFinished finished runs are kept.
type TaskManager struct {
	KeepFinished int

	manager *tache.Manager[*PublishTask]
}

func NewTaskManager(workers int) *TaskManager {
	if workers <= 0 {
		workers = 1
	}
	return &TaskManager{
		KeepFinished: DefaultKeepFinished,
		manager:      tache.NewManager[*PublishTask](tache.WithWorks(workers), tache.WithMaxRetry(0)),
	}
}

var finishedStates = []tache.State{tache.StateSucceeded, tache.StateFailed, tache.StateCanceled, tache.StateErrored}

// prune drops the oldest finished runs beyond KeepFinished.
func (m *TaskManager) prune() {
	keep := m.KeepFinished
	if keep <= 0 {
		keep = DefaultKeepFinished
	}
	done := m.manager.GetByState(finishedStates...)
	if len(done) <= keep {
		return
	}
	sort.Slice(done, func(i, j int) bool {
		_, a := done[i].times()
		_, b := done[j].times()
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	for _, t := range done[:len(done)-keep] {
		m.manager.Remove(t.GetID())
	}
}

func (m *TaskManager) Schedule(req domain.TaskRequest, run RunFunc) (string, error) {
	if m == nil || m.manager == nil {
		return "", errors.New("task manager not started")
	}
	if run == nil {
		return "", errors.New("nil run func")
	}
	m.prune()
	req.Secret = ""
	t := &PublishTask{Request: req, run: run, status: "queued"}
	m.manager.Add(t)
	return t.GetID(), nil
}

type RunInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Key       string            `json:"key"`
	State     string            `json:"state"`
	Status    string            `json:"status"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Error     string            `json:"error,omitempty"`
	Report    *domain.RunReport `json:"report,omitempty"`
}

func (m *TaskManager) info(t *PublishTask) RunInfo {
	started, finished := t.times()
	ri := RunInfo{
		ID:        t.GetID(),
		Name:      t.GetName(),
		Key:       t.Request.Key(),
		State:     stateName(t.GetState()),
		Status:    t.GetStatus(),
		StartTime: started,
		EndTime:   finished,
		Report:    t.Report(),
	}
	if err := t.GetErr(); err != nil {
		ri.Error = err.Error()
	}
	return ri
}

// Runs lists every known run, oldest first.
func (m *TaskManager) Runs() []RunInfo {
	m.prune()
	tasks := m.manager.GetAll()
	out := make([]RunInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, m.info(t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].StartTime, out[j].StartTime
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	return out
}

func (m *TaskManager) Get(id string) (RunInfo, bool) {
	t, ok := m.manager.GetByID(id)
	if !ok {
		return RunInfo{}, false
	}
	return m.info(t), true
}

func stateName(s tache.State) string {
	switch s {
	case tache.StatePending:
		return "pending"
	case tache.StateRunning:
		return "running"
	case tache.StateSucceeded:
		return "succeeded"
	case tache.StateFailed:
		return "failed"
	case tache.StateCanceling:
		return "canceling"
	case tache.StateCanceled:
		return "canceled"
	case tache.StateErrored:
		return "errored"
	case tache.StateFailing:
		return "failing"
	case tache.StateWaitingRetry:
		return "waiting_retry"
	case tache.StateBeforeRetry:
		return "before_retry"
	}
	return fmt.Sprintf("state_%d", int(s))
}
