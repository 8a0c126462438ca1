// Package config holds OPERATOR-LEVEL configuration for a Harmonic
// automation deployment.
//
// This is infrastructure config set by whoever deploys the engine, NOT
// tenant or end-user configuration. Tenant rules live in the rule store;
// per-rule webhook secrets are generated at rule creation and never pass
// through this package.
//
// Set via env vars (HARMONIC_*) or config file (harmonic.config.yaml).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ibis-coordination/harmonic-automation/internal/agent"
	"github.com/ibis-coordination/harmonic-automation/internal/tenant"
)

// Viper keys. Each maps to an env var with the HARMONIC_ prefix
// (e.g. "data_dir" → HARMONIC_DATA_DIR) and to a YAML field in
// harmonic.config.yaml.
const (
	KeyDataDir         = "data_dir"
	KeyPort            = "port"
	KeyWorkers         = "workers"
	KeyDirectoryFile   = "directory_file"
	KeyPlatformBaseURL = "platform_base_url"
	KeyPlatformToken   = "platform_token"
	KeyAPIKeys         = "api_keys"
)

const (
	DefaultPort        = 8080
	DefaultWorkers     = 4
	DefaultPlatformURL = "http://localhost:3000"
)

// Config holds resolved operator-level configuration for one process.
type Config struct {
	DataDir         string // Base directory for all state (~/.harmonic)
	Port            int    // HTTP listen port
	Workers         int    // Worker pool size for runs and deliveries
	DirectoryFile   string // YAML file describing tenants, studios, and agents
	PlatformBaseURL string // Coordination platform endpoint for internal actions and agent tasks
	PlatformToken   string // Service token for the platform endpoint
	APIKeys         string // Comma-separated key:tenant:actor entries
}

// AutomationDBPath returns the full path to the SQLite database holding
// rules, runs, and deliveries.
func (c *Config) AutomationDBPath() string {
	return filepath.Join(c.DataDir, "automation.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("HARMONIC")
	viper.AutomaticEnv()
	viper.SetDefault(KeyPort, DefaultPort)
	viper.SetDefault(KeyWorkers, DefaultWorkers)
	viper.SetDefault(KeyPlatformBaseURL, DefaultPlatformURL)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         resolveDataDir(),
		Port:            viper.GetInt(KeyPort),
		Workers:         viper.GetInt(KeyWorkers),
		DirectoryFile:   viper.GetString(KeyDirectoryFile),
		PlatformBaseURL: viper.GetString(KeyPlatformBaseURL),
		PlatformToken:   viper.GetString(KeyPlatformToken),
		APIKeys:         viper.GetString(KeyAPIKeys),
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".harmonic"
	}
	return filepath.Join(home, ".harmonic")
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535 (got %d)", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive (got %d)", c.Workers)
	}
	return nil
}

// Directory is the parsed tenant/studio/agent inventory loaded from the
// directory file.
type Directory struct {
	Tenants []tenant.Tenant `yaml:"tenants"`
	Agents  []agent.Agent   `yaml:"agents"`
}

// LoadDirectory reads the tenants/agents YAML file. A missing path
// yields an empty directory so single-purpose deployments work without
// one.
func LoadDirectory(path string) (*Directory, error) {
	if path == "" {
		return &Directory{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory file: %w", err)
	}
	var dir Directory
	if err := yaml.Unmarshal(raw, &dir); err != nil {
		return nil, fmt.Errorf("parsing directory file: %w", err)
	}
	return &dir, nil
}

// ParseAPIKeys parses comma-separated credential entries of the form
// key:tenant_id or key:tenant_id:actor_id.
func ParseAPIKeys(raw string) map[string]Keyed {
	m := make(map[string]Keyed)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		entry := Keyed{TenantID: "default"}
		if len(fields) > 1 && fields[1] != "" {
			entry.TenantID = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			entry.ActorID = strings.TrimSpace(fields[2])
		}
		m[strings.TrimSpace(fields[0])] = entry
	}
	return m
}

// Keyed is the tenant/actor pair an API key resolves to.
type Keyed struct {
	TenantID string
	ActorID  string
}
