package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envAliases lists the unprefixed variable names the service has always read,
// checked after the APPBUILDER_* form.
var envAliases = map[string][]string{
	"auth.secret":           {"USER_SECRET"},
	"auth.admin_jwt_secret": {"ADMIN_JWT_SECRET"},
	"github.username":       {"GITHUB_USERNAME"},
	"github.token":          {"GITHUB_TOKEN"},
	"generator.api_key":     {"OPENAI_API_KEY", "LLM_API_KEY"},
	"generator.base_url":    {"OPENAI_BASE_URL", "LLM_BASE_URL"},
	"generator.model":       {"LLM_MODEL"},
}

// KeyReplacer maps nested viper keys onto environment variable names.
var KeyReplacer = strings.NewReplacer(".", "_", "-", "_")

// Keys are the viper keys Overlay understands.
var Keys = []string{
	"server.addr",
	"auth.secret",
	"auth.admin_jwt_secret",
	"github.username",
	"github.token",
	"github.api_url",
	"github.branch",
	"github.private",
	"generator.backend",
	"generator.base_url",
	"generator.api_key",
	"generator.model",
	"generator.timeout",
	"store.backend",
	"store.path",
	"attachments.dir",
	"notify.timeout",
	"workers",
	"keep_runs",
	"log.level",
	"log.format",
	"log.file",
}

// BindEnv registers the legacy environment names for every key that has one.
func BindEnv(v *viper.Viper) error {
	for key, aliases := range envAliases {
		args := append([]string{key, "APPBUILDER_" + envName(key)}, aliases...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Overlay copies every key set in v (flag, env or explicit) onto cfg.
func Overlay(cfg *Config, v *viper.Viper) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	dur := func(key string, dst *Duration) error {
		if !v.IsSet(key) {
			return nil
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = Duration(d)
		return nil
	}
	str("server.addr", &cfg.Server.Addr)
	str("auth.secret", &cfg.Auth.Secret)
	str("auth.admin_jwt_secret", &cfg.Auth.AdminJWTSecret)
	str("github.username", &cfg.GitHub.Username)
	str("github.token", &cfg.GitHub.Token)
	str("github.api_url", &cfg.GitHub.APIURL)
	str("github.branch", &cfg.GitHub.Branch)
	if v.IsSet("github.private") {
		cfg.GitHub.Private = v.GetBool("github.private")
	}
	str("generator.backend", &cfg.Generator.Backend)
	str("generator.base_url", &cfg.Generator.BaseURL)
	str("generator.api_key", &cfg.Generator.APIKey)
	str("generator.model", &cfg.Generator.Model)
	if err := dur("generator.timeout", &cfg.Generator.Timeout); err != nil {
		return err
	}
	str("store.backend", &cfg.Store.Backend)
	str("store.path", &cfg.Store.Path)
	str("attachments.dir", &cfg.Attachments.Dir)
	if err := dur("notify.timeout", &cfg.Notify.Timeout); err != nil {
		return err
	}
	if v.IsSet("workers") {
		cfg.Workers = v.GetInt("workers")
	}
	if v.IsSet("keep_runs") {
		cfg.KeepRuns = v.GetInt("keep_runs")
	}
	str("log.level", &cfg.Log.Level)
	str("log.format", &cfg.Log.Format)
	str("log.file", &cfg.Log.File)
	return nil
}

func envName(key string) string {
	return strings.ToUpper(KeyReplacer.Replace(key))
}

// Resolve loads the config file at path (if present) and applies v on top.
func Resolve(path string, v *viper.Viper) (*Config, error) {
	cfg, err := LoadOptional(path)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := Overlay(cfg, v); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
