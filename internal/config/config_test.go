package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNeedsSecrets(t *testing.T) {
	cfg := Default()
	assert.Equal(t, StoreFile, cfg.Store.Backend)
	assert.Equal(t, "/tmp/processed_requests.json", cfg.Store.Path)
	assert.Equal(t, 180*time.Second, cfg.Generator.Timeout.Std())
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 100, cfg.KeepRuns)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")

	cfg.Auth.Secret = "s"
	cfg.GitHub.Username = "octo"
	require.NoError(t, cfg.Validate())
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
store:
  backend: sqlite
  path: /var/lib/appbuilder/state.db
notify:
  timeout: 3s
`))
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, 3*time.Second, cfg.Notify.Timeout.Std())
	assert.Equal(t, "main", cfg.GitHub.Branch, "unset keys keep their defaults")

	_, err = FromYAML([]byte("notify:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := Default()
	cfg.Auth.Secret = "s"
	cfg.GitHub.Username = "octo"
	cfg.Store.Backend = "redis"
	require.ErrorContains(t, cfg.Validate(), "store.backend")

	cfg.Store.Backend = StoreFile
	cfg.Generator.Backend = "magic"
	require.ErrorContains(t, cfg.Validate(), "generator.backend")
}

func TestResolveAppliesLegacyEnv(t *testing.T) {
	t.Setenv("USER_SECRET", "from-env")
	t.Setenv("GITHUB_USERNAME", "octo")
	t.Setenv("APPBUILDER_NOTIFY_TIMEOUT", "2s")

	dir := t.TempDir()
	path := filepath.Join(dir, "appbuilder.yml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\n"), 0o644))

	v := viper.New()
	v.SetEnvPrefix("APPBUILDER")
	v.AutomaticEnv()
	require.NoError(t, BindEnv(v))
	v.SetEnvKeyReplacer(KeyReplacer)

	cfg, err := Resolve(path, v)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, "octo", cfg.GitHub.Username)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.Notify.Timeout.Std())
}

func TestResolveMissingFileUsesDefaults(t *testing.T) {
	v := viper.New()
	v.Set("auth.secret", "s")
	v.Set("github.username", "octo")
	cfg, err := Resolve(filepath.Join(t.TempDir(), "missing.yml"), v)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7860", cfg.Server.Addr)
}
