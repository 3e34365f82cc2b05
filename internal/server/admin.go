package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	log "github.com/sirupsen/logrus"

	"appbuilder/internal/engine"
	"appbuilder/internal/store"
)

func registerAdmin(api huma.API, st store.Store, runs RunLister) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-records",
		Method:      http.MethodGet,
		Path:        adminPrefix + "/records",
		Summary:     "List idempotency records",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Records []store.Entry `json:"records"`
		}
	}, error) {
		if st == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no store configured", nil)
		}
		entries, err := st.List(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
		}
		if entries == nil {
			entries = []store.Entry{}
		}
		if p, ok := principalFromContext(ctx); ok {
			log.WithField("subject", p.Subject).Debug("admin listed records")
		}
		out := &struct {
			Body struct {
				Records []store.Entry `json:"records"`
			}
		}{}
		out.Body.Records = entries
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-runs",
		Method:      http.MethodGet,
		Path:        adminPrefix + "/runs",
		Summary:     "List background publish runs",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Runs []engine.RunInfo `json:"runs"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Runs []engine.RunInfo `json:"runs"`
			}
		}{}
		out.Body.Runs = []engine.RunInfo{}
		if runs != nil {
			out.Body.Runs = runs.Runs()
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-run",
		Method:      http.MethodGet,
		Path:        adminPrefix + "/runs/{id}",
		Summary:     "Get one publish run",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.RunInfo
	}, error) {
		if runs == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run not found", nil)
		}
		run, ok := runs.Get(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run not found", map[string]any{"id": input.ID})
		}
		return &struct {
			Body engine.RunInfo
		}{Body: run}, nil
	})
}
