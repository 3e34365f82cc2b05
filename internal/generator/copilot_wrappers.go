package generator

import (
	"context"

	copilot "github.com/github/copilot-sdk/go"
)

// copilotSession is the part of [*copilot.Session] a generation needs.
type copilotSession interface {
	On(handler copilot.SessionEventHandler) func()
	SendAndWait(ctx context.Context, options copilot.MessageOptions) (*copilot.SessionEvent, error)
}

// copilotClient is the part of [*copilot.Client] a generation needs.
type copilotClient interface {
	Start(ctx context.Context) error
	Stop() error
	CreateSession(ctx context.Context, config *copilot.SessionConfig) (copilotSession, error)
}

type copilotClientWrapper struct {
	inner *copilot.Client
}

func newCopilotClient(opts *copilot.ClientOptions) copilotClient {
	return &copilotClientWrapper{inner: copilot.NewClient(opts)}
}

func (w *copilotClientWrapper) Start(ctx context.Context) error { return w.inner.Start(ctx) }

func (w *copilotClientWrapper) Stop() error { return w.inner.Stop() }

func (w *copilotClientWrapper) CreateSession(ctx context.Context, config *copilot.SessionConfig) (copilotSession, error) {
	sess, err := w.inner.CreateSession(ctx, config)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
