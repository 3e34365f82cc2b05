package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/internal/config"
	"appbuilder/internal/generator"
	"appbuilder/internal/store"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Secret = "s3cret"
	cfg.GitHub.Username = "octo"
	cfg.Store.Backend = backend
	dir := t.TempDir()
	if backend == config.StoreSQLite {
		cfg.Store.Path = filepath.Join(dir, "records.db")
	} else {
		cfg.Store.Path = filepath.Join(dir, "processed_requests.json")
	}
	cfg.Attachments.Dir = filepath.Join(dir, "attachments")
	return cfg
}

func TestBuildServesHealth(t *testing.T) {
	for _, backend := range []string{config.StoreFile, config.StoreSQLite} {
		t.Run(backend, func(t *testing.T) {
			svc, err := Build(context.Background(), testConfig(t, backend))
			require.NoError(t, err)
			t.Cleanup(func() { _ = svc.Close() })

			rec := httptest.NewRecorder()
			svc.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "auto-app-builder")

			entries, err := svc.Store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, entries)
			assert.Equal(t, "octo", svc.Engine.Account)
		})
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, config.StoreFile)
	cfg.Auth.Secret = ""
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)

	_, err = Build(context.Background(), nil)
	require.Error(t, err)
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	st, err := OpenStore(context.Background(), testConfig(t, config.StoreFile))
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, st)

	st, err = OpenStore(context.Background(), testConfig(t, config.StoreSQLite))
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, st)
	require.NoError(t, st.Close())

	cfg := testConfig(t, config.StoreFile)
	cfg.Store.Backend = "redis"
	_, err = OpenStore(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewGeneratorSelectsBackend(t *testing.T) {
	cfg := config.Default().Generator
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)
	assert.IsType(t, &generator.ChatBackend{}, gen)

	cfg.Backend = config.GeneratorCopilot
	gen, err = NewGenerator(cfg)
	require.NoError(t, err)
	assert.IsType(t, &generator.CopilotBackend{}, gen)

	cfg.Backend = "bard"
	_, err = NewGenerator(cfg)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, err := Build(context.Background(), testConfig(t, config.StoreSQLite))
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
