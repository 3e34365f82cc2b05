package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models appbuilder.yml.
type Config struct {
	Server struct {
		Addr string `yaml:"addr" json:"addr"`
	} `yaml:"server" json:"server"`
	Auth struct {
		Secret         string `yaml:"secret" json:"-"`
		AdminJWTSecret string `yaml:"admin_jwt_secret" json:"-"`
	} `yaml:"auth" json:"auth"`
	GitHub struct {
		Username string `yaml:"username" json:"username"`
		Token    string `yaml:"token" json:"-"`
		APIURL   string `yaml:"api_url" json:"api_url"`
		Branch   string `yaml:"branch" json:"branch"`
		Private  bool   `yaml:"private" json:"private"`
	} `yaml:"github" json:"github"`
	Generator GeneratorConfig `yaml:"generator" json:"generator"`
	Store     struct {
		Backend string `yaml:"backend" json:"backend"`
		Path    string `yaml:"path" json:"path"`
	} `yaml:"store" json:"store"`
	Attachments struct {
		Dir string `yaml:"dir" json:"dir"`
	} `yaml:"attachments" json:"attachments"`
	Notify struct {
		Timeout Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"notify" json:"notify"`
	Workers  int       `yaml:"workers" json:"workers"`
	// KeepRuns bounds how many finished runs the operator endpoints remember.
	KeepRuns int       `yaml:"keep_runs" json:"keep_runs"`
	Log      LogConfig `yaml:"log" json:"log"`
}

type GeneratorConfig struct {
	Backend string   `yaml:"backend" json:"backend"`
	BaseURL string   `yaml:"base_url" json:"base_url"`
	APIKey  string   `yaml:"api_key" json:"-"`
	Model   string   `yaml:"model" json:"model"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// Duration accepts Go duration strings ("30s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"

	GeneratorChat    = "chat"
	GeneratorCopilot = "copilot"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("config.auth.secret is required (USER_SECRET)")
	}
	if strings.TrimSpace(c.GitHub.Username) == "" {
		return fmt.Errorf("config.github.username is required (GITHUB_USERNAME)")
	}
	switch c.Store.Backend {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("config.store.backend must be %q or %q", StoreFile, StoreSQLite)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config.store.path is required")
	}
	switch c.Generator.Backend {
	case GeneratorChat:
		if c.Generator.BaseURL == "" {
			return fmt.Errorf("config.generator.base_url is required for the chat backend")
		}
		if c.Generator.Model == "" {
			return fmt.Errorf("config.generator.model is required for the chat backend")
		}
	case GeneratorCopilot:
	default:
		return fmt.Errorf("config.generator.backend must be %q or %q", GeneratorChat, GeneratorCopilot)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config.workers must be positive")
	}
	if c.KeepRuns < 0 {
		return fmt.Errorf("config.keep_runs must not be negative")
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("config.generator.timeout must be positive")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("config.notify.timeout must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "appbuilder.yml")
}

// Default returns the default Config. Secrets and the account name still have
// to come from the environment or a config file.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes on top of the defaults. It does not
// validate, since environment overrides are usually applied afterwards.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 0.0.0.0:7860

auth:
  secret: ""
  admin_jwt_secret: ""

github:
  username: ""
  token: ""
  api_url: https://api.github.com
  branch: main
  private: false

generator:
  backend: chat
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  timeout: 180s

store:
  backend: file
  path: /tmp/processed_requests.json

attachments:
  dir: /tmp/appbuilder/attachments

notify:
  timeout: 15s

workers: 4
keep_runs: 100

log:
  level: info
  format: text
  file: ""
`
