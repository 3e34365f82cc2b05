// Package app wires a resolved config into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"appbuilder/internal/attachments"
	"appbuilder/internal/config"
	"appbuilder/internal/engine"
	"appbuilder/internal/generator"
	"appbuilder/internal/github"
	"appbuilder/internal/notify"
	"appbuilder/internal/server"
	"appbuilder/internal/store"
)

// Service bundles everything the HTTP server needs.
type Service struct {
	Config  *config.Config
	Store   store.Store
	Engine  engine.Engine
	Tasks   *engine.TaskManager
	Handler http.Handler

	closers []io.Closer
}

// Build opens the store and constructs the pipeline described by cfg.
func Build(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc := &Service{Config: cfg, Store: st}
	svc.closers = append(svc.closers, st)

	gen, err := NewGenerator(cfg.Generator)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	if c, ok := gen.(io.Closer); ok {
		svc.closers = append(svc.closers, c)
	}

	svc.Tasks = engine.NewTaskManager(cfg.Workers)
	if cfg.KeepRuns > 0 {
		svc.Tasks.KeepFinished = cfg.KeepRuns
	}
	svc.Engine = engine.Engine{
		Secret:      cfg.Auth.Secret,
		Account:     cfg.GitHub.Username,
		Store:       st,
		Attachments: attachments.New(cfg.Attachments.Dir),
		Generator:   gen,
		Publisher: github.New(github.Config{
			APIURL:   cfg.GitHub.APIURL,
			Token:    cfg.GitHub.Token,
			Username: cfg.GitHub.Username,
			Branch:   cfg.GitHub.Branch,
			Private:  cfg.GitHub.Private,
		}),
		Notifier:  notify.New(cfg.Notify.Timeout.Std()),
		Scheduler: svc.Tasks,
	}
	if cfg.GitHub.Token == "" {
		log.Warn("github.token is empty; repository calls will be unauthenticated")
	}

	svc.Handler, err = server.New(server.Config{
		Engine: svc.Engine,
		Store:  st,
		Runs:   svc.Tasks,
		Auth:   server.AuthConfig{AdminJWTSecret: cfg.Auth.AdminJWTSecret},
	})
	if err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("build server: %w", err)
	}
	log.WithFields(log.Fields{
		"store":     cfg.Store.Backend,
		"generator": cfg.Generator.Backend,
		"workers":   cfg.Workers,
	}).Info("service ready")
	return svc, nil
}

// OpenStore opens the idempotency store selected by cfg.Store.Backend.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreFile:
		return store.NewFileStore(cfg.Store.Path), nil
	case config.StoreSQLite:
		st, err := store.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// NewGenerator returns the generation backend selected by cfg.Backend.
func NewGenerator(cfg config.GeneratorConfig) (generator.Generator, error) {
	switch cfg.Backend {
	case config.GeneratorChat:
		if cfg.APIKey == "" {
			log.Warn("generator.api_key is empty; chat requests will be unauthenticated")
		}
		return generator.NewChat(generator.ChatConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Std(),
		}), nil
	case config.GeneratorCopilot:
		return generator.NewCopilot(generator.CopilotConfig{
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Std(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator backend %q", cfg.Backend)
	}
}

// Close releases the store and any generator process. Safe to call twice.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
