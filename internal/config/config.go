// Package config loads the fleet orchestrator's runtime configuration
// from environment variables, with an optional YAML file overlay and a
// JSON credentials-file fallback for the VM API token.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the orchestrator's runtime configuration.
type Config struct {
	// VM control service.
	VersAPIKey    string // VERS_API_KEY
	VersBaseURL   string // VERS_BASE_URL
	VersInfraURL  string // VERS_INFRA_URL (enables external registry when set)
	VersAuthToken string // VERS_AUTH_TOKEN (external registry bearer token)

	// Provider credentials forwarded to workers verbatim (the variables
	// named in providerKeyPrefixes), keyed by env var name.
	ProviderKeys map[string]string

	// SSHProxySuffix is appended to a VM id to form its SSH-over-TLS host:
	// "<vmId>.<suffix>:443".
	SSHProxySuffix string
	// SSHProxyBinary is the TLS client binary invoked in front of ssh.
	SSHProxyBinary string

	// DataDir holds the lieutenants snapshot, audit log database, and
	// cached SSH keys.
	DataDir string

	// Tuning knobs.
	WaitPollInterval    time.Duration // default 2s
	WaitDefaultTimeout  time.Duration // default 300s
	ResumePollInterval  time.Duration // default 2s
	ResumePollAttempts  int           // default 15
	ReadinessTimeout    time.Duration // default 45s, remote workers only (local handshakes use a fixed 30s)
	OutputHistoryCap    int           // default 20
	EventsRingCap       int           // default 200
	SummaryTailChars    int           // default 500, swarm wait() truncation
	DefaultReadTailSize int           // default 5000, worker read() truncation

	StatusPageAddr string // default ":9327"
}

// providerKeyPrefixes lists the environment variable names forwarded to
// workers as LLM provider credentials.
var providerKeyPrefixes = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"OPENROUTER_API_KEY",
}

func defaults() map[string]interface{} {
	home, _ := os.UserHomeDir()
	return map[string]interface{}{
		"vers_base_url":          "https://api.vers.dev",
		"ssh_proxy_suffix":       "vers-proxy.dev",
		"ssh_proxy_binary":       "ssh",
		"data_dir":               filepath.Join(home, ".pi"),
		"wait_poll_interval":     "2s",
		"wait_default_timeout":   "300s",
		"resume_poll_interval":   "2s",
		"resume_poll_attempts":   15,
		"readiness_timeout":      "45s",
		"output_history_cap":     20,
		"events_ring_cap":        200,
		"summary_tail_chars":     500,
		"default_read_tail_size": 5000,
		"status_page_addr":       ":9327",
	}
}

// Load builds a Config from defaults, an optional YAML file (yamlPath,
// may be empty to skip), and environment variables, in that order of
// increasing priority. It then applies the VERS_API_KEY credentials-file
// fallback and validates the result.
func Load(yamlPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if yamlPath != "" {
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", yamlPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		VersAPIKey:          k.String("vers_api_key"),
		VersBaseURL:         k.String("vers_base_url"),
		VersInfraURL:        k.String("vers_infra_url"),
		VersAuthToken:       k.String("vers_auth_token"),
		ProviderKeys:        make(map[string]string),
		SSHProxySuffix:      k.String("ssh_proxy_suffix"),
		SSHProxyBinary:      k.String("ssh_proxy_binary"),
		DataDir:             k.String("data_dir"),
		WaitPollInterval:    k.Duration("wait_poll_interval"),
		WaitDefaultTimeout:  k.Duration("wait_default_timeout"),
		ResumePollInterval:  k.Duration("resume_poll_interval"),
		ResumePollAttempts:  k.Int("resume_poll_attempts"),
		ReadinessTimeout:    k.Duration("readiness_timeout"),
		OutputHistoryCap:    k.Int("output_history_cap"),
		EventsRingCap:       k.Int("events_ring_cap"),
		SummaryTailChars:    k.Int("summary_tail_chars"),
		DefaultReadTailSize: k.Int("default_read_tail_size"),
		StatusPageAddr:      k.String("status_page_addr"),
	}

	for _, name := range providerKeyPrefixes {
		if v := os.Getenv(name); v != "" {
			cfg.ProviderKeys[name] = v
		}
	}

	if cfg.VersAPIKey == "" {
		key, err := loadCredentialsFallback()
		if err != nil {
			return nil, fmt.Errorf("load credentials fallback: %w", err)
		}
		cfg.VersAPIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and ensures DataDir exists.
func (c *Config) Validate() error {
	if c.VersAPIKey == "" {
		return fmt.Errorf("VERS_API_KEY is required (env var or ~/.vers/keys.json)")
	}
	if c.VersBaseURL == "" {
		return fmt.Errorf("VERS_BASE_URL is required")
	}
	if (c.VersInfraURL == "") != (c.VersAuthToken == "") {
		return fmt.Errorf("VERS_INFRA_URL and VERS_AUTH_TOKEN must both be set or both be empty")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// RegistryEnabled reports whether the external registry is configured.
func (c *Config) RegistryEnabled() bool {
	return c.VersInfraURL != "" && c.VersAuthToken != ""
}

// SnapshotPath returns the path to the lieutenants JSON snapshot.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "lieutenants.json")
}

// AuditLogPath returns the path to the audit log SQLite database.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

type credentialsFile struct {
	Keys map[string]string `json:"keys"`
}

// loadCredentialsFallback reads <home>/.vers/keys.json, shape
// {"keys": {"VERS_API_KEY": "..."}}. Returns "" with no error if the
// file is absent.
func loadCredentialsFallback() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	path := filepath.Join(home, ".vers", "keys.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	return creds.Keys["VERS_API_KEY"], nil
}
