// Package config loads connector settings from defaults, an optional YAML
// file and BROCONNECTOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/lox/broconnector/internal/logging"
)

const (
	EnvPrefix     = "BROCONNECTOR_"
	PathEnvVar    = "CONFIG_PATH"
	demoPortal    = "https://demo.bronhouderportaal-bro.nl/api"
	productPortal = "https://www.bronhouderportaal-bro.nl/api"
)

var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/broconnector/config.yaml",
}

type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Registry  RegistryConfig  `koanf:"registry"`
	Public    PublicConfig    `koanf:"public"`
	Envelopes EnvelopesConfig `koanf:"envelopes"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Import    ImportConfig    `koanf:"import"`
	Dedup     DedupConfig     `koanf:"dedup"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// Credential is a bronhouderportaal token scoped to one organisation.
type Credential struct {
	KVK       string `koanf:"kvk" validate:"required"`
	User      string `koanf:"user" validate:"required"`
	Token     string `koanf:"token" validate:"required"`
	ProjectID string `koanf:"project_id"`
}

type RegistryConfig struct {
	Environment string        `koanf:"environment" validate:"oneof=demo production"`
	BaseURL     string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
	ProjectID   string        `koanf:"project_id"`

	// User and Token apply to every organisation without its own credential.
	User        string       `koanf:"user"`
	Token       string       `koanf:"token"`
	Credentials []Credential `koanf:"credentials" validate:"dive"`
}

// URL returns the portal base URL for the configured environment.
func (r RegistryConfig) URL() string {
	if r.BaseURL != "" {
		return strings.TrimRight(r.BaseURL, "/")
	}
	if r.Environment == "production" {
		return productPortal
	}
	return demoPortal
}

// CredentialFor returns the credential for kvk, falling back to the shared
// user and token.
func (r RegistryConfig) CredentialFor(kvk string) (Credential, bool) {
	for _, c := range r.Credentials {
		if c.KVK == kvk {
			if c.ProjectID == "" {
				c.ProjectID = r.ProjectID
			}
			return c, true
		}
	}
	if r.User != "" && r.Token != "" {
		return Credential{KVK: kvk, User: r.User, Token: r.Token, ProjectID: r.ProjectID}, true
	}
	return Credential{}, false
}

type PublicConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	PDOKURL string        `koanf:"pdok_url" validate:"required,url"`
	Rate    float64       `koanf:"rate" validate:"gt=0"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

type EnvelopesConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

type SchedulerConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

type ImportConfig struct {
	BatchSize     int `koanf:"batch_size" validate:"gte=5000"`
	Concurrency   int `koanf:"concurrency" validate:"gte=1,lte=32"`
	QuadrantLimit int `koanf:"quadrant_limit" validate:"gte=1"`
	MaxDepth      int `koanf:"max_depth" validate:"gte=1,lte=24"`
}

type DedupConfig struct {
	Weights           []float64 `koanf:"weights" validate:"len=5,dive,gte=0"`
	TolerantThreshold string    `koanf:"tolerant_threshold" validate:"datetime=2006-01-02"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Logging converts the section into logger settings.
func (c LoggingConfig) Logging() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format, Caller: c.Caller, Timestamp: true}
}

func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "broconnector.db"},
		Registry: RegistryConfig{
			Environment: "demo",
			Timeout:     60 * time.Second,
		},
		Public: PublicConfig{
			BaseURL: "https://publiek.broservices.nl",
			PDOKURL: "https://api.pdok.nl/bzk/bro-gminsamenhang-karakteristieken/ogc/v1",
			Rate:    5,
			Timeout: 60 * time.Second,
		},
		Envelopes: EnvelopesConfig{Dir: "envelopes"},
		Scheduler: SchedulerConfig{Interval: 15 * time.Minute},
		Import: ImportConfig{
			BatchSize:     5000,
			Concurrency:   4,
			QuadrantLimit: 1000,
			MaxDepth:      12,
		},
		Dedup: DedupConfig{
			Weights:           []float64{1, 1, 1, 1, 1},
			TolerantThreshold: "2000-01-01",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load layers defaults, the config file at path (or the first default path
// that exists) and environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps BROCONNECTOR_REGISTRY_BASE_URL to registry.base_url.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + rest
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Threshold parses the tolerant regime construction date split.
func (d DedupConfig) Threshold() time.Time {
	t, err := time.Parse("2006-01-02", d.TolerantThreshold)
	if err != nil {
		return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}
