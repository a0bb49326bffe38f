package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.URL() != demoPortal {
		t.Errorf("URL = %q, want demo portal", cfg.Registry.URL())
	}
	if cfg.Import.BatchSize != 5000 {
		t.Errorf("BatchSize = %d, want 5000", cfg.Import.BatchSize)
	}
	if cfg.Scheduler.Interval != 15*time.Minute {
		t.Errorf("Interval = %v", cfg.Scheduler.Interval)
	}
	if len(cfg.Dedup.Weights) != 5 {
		t.Errorf("Weights = %v", cfg.Dedup.Weights)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
registry:
  environment: production
  timeout: 30s
  credentials:
    - kvk: "27376655"
      user: alice
      token: secret
      project_id: "1234"
envelopes:
  dir: /var/lib/broconnector
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BROCONNECTOR_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("BROCONNECTOR_IMPORT_CONCURRENCY", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.URL() != productPortal {
		t.Errorf("URL = %q, want production portal", cfg.Registry.URL())
	}
	if cfg.Registry.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Registry.Timeout)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Import.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Import.Concurrency)
	}
	if cfg.Envelopes.Dir != "/var/lib/broconnector" {
		t.Errorf("Envelopes.Dir = %q", cfg.Envelopes.Dir)
	}

	cred, ok := cfg.Registry.CredentialFor("27376655")
	if !ok {
		t.Fatal("CredentialFor: not found")
	}
	if cred.User != "alice" || cred.ProjectID != "1234" {
		t.Errorf("credential = %+v", cred)
	}
	if _, ok := cfg.Registry.CredentialFor("00000000"); ok {
		t.Error("CredentialFor unknown kvk succeeded without shared token")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"small batch", func(c *Config) { c.Import.BatchSize = 100 }},
		{"bad environment", func(c *Config) { c.Registry.Environment = "staging" }},
		{"negative weight", func(c *Config) { c.Dedup.Weights = []float64{1, -1, 1, 1, 1} }},
		{"missing envelope dir", func(c *Config) { c.Envelopes.Dir = "" }},
		{"credential without token", func(c *Config) {
			c.Registry.Credentials = []Credential{{KVK: "1", User: "u"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"BROCONNECTOR_DATABASE_PATH":      "database.path",
		"BROCONNECTOR_REGISTRY_BASE_URL":  "registry.base_url",
		"BROCONNECTOR_IMPORT_BATCH_SIZE":  "import.batch_size",
		"BROCONNECTOR_SCHEDULER_INTERVAL": "scheduler.interval",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
