// Package config provides configuration loading and management for the
// sudocode core. It includes standard environment variable loading,
// workspace discovery, and the configuration structs shared by the server,
// the workflow engine, and the federation layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
)

// EnvPrefix is the prefix for all environment variables read by the core.
const EnvPrefix = "SUDOCODE"

// WorkspaceDirName is the per-project state directory discovered by the
// runner. It holds cache.db, issues.jsonl and specs.jsonl.
const WorkspaceDirName = ".sudocode"

// envString reads SUDOCODE_<key>, falling back to def when unset or empty.
func envString(key, def string) string {
	if v := os.Getenv(EnvPrefix + "_" + key); v != "" {
		return v
	}
	return def
}

// envInt reads an integer variable; malformed values fall back to def.
func envInt(key string, def int) int {
	v := os.Getenv(EnvPrefix + "_" + key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envBool reads a boolean variable; malformed values fall back to def.
func envBool(key string, def bool) bool {
	v := os.Getenv(EnvPrefix + "_" + key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDuration reads a time.ParseDuration variable; malformed values fall
// back to def.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + "_" + key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envList reads a comma-separated variable, dropping empty elements.
func envList(key string, def []string) []string {
	v := os.Getenv(EnvPrefix + "_" + key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // Requests per second (0 = no limit)
	APIKey          string  // X-API-Key for the local API; empty disables the check
	Debug           bool
}

// LoadServerConfig loads server configuration from environment
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Port:            envInt("PORT", 8321),
		Host:            envString("HOST", "0.0.0.0"),
		BodyLimit:       envString("BODY_LIMIT", "10M"),
		ReadTimeout:     envDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    envDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		AllowedOrigins:  envList("ALLOWED_ORIGINS", []string{"*"}),
		RateLimit:       0,
		APIKey:          envString("API_KEY", ""),
		Debug:           envBool("DEBUG", false),
	}
}

// EventBufferConfig bounds the per-execution replay buffers.
type EventBufferConfig struct {
	MaxEventsPerRun int
	Retention       time.Duration
	SweepInterval   time.Duration
}

// LoadEventBufferConfig loads event buffer configuration from environment
func LoadEventBufferConfig() EventBufferConfig {
	return EventBufferConfig{
		MaxEventsPerRun: envInt("EVENT_BUFFER_MAX", 10000),
		Retention:       envDuration("EVENT_BUFFER_RETENTION", time.Hour),
		SweepInterval:   envDuration("EVENT_BUFFER_SWEEP", 5*time.Minute),
	}
}

// FederationConfig contains federation layer configuration
type FederationConfig struct {
	LocalRepoURL   string // URL under which this repository is known to peers
	SigningKey     string // HS256 key for peer-facing JWT auth
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	WSMaxIdle      time.Duration // client silence beyond this tears the connection down
}

// LoadFederationConfig loads federation configuration from environment
func LoadFederationConfig() FederationConfig {
	return FederationConfig{
		LocalRepoURL:   envString("FEDERATION_LOCAL_URL", ""),
		SigningKey:     envString("FEDERATION_SIGNING_KEY", ""),
		RequestTimeout: envDuration("FEDERATION_TIMEOUT", 30*time.Second),
		MaxRetries:     envInt("FEDERATION_MAX_RETRIES", 3),
		RetryBaseDelay: envDuration("FEDERATION_RETRY_DELAY", time.Second),
		WSMaxIdle:      envDuration("FEDERATION_WS_MAX_IDLE", 5*time.Minute),
	}
}

// ServiceConfig aggregates everything the serve command needs.
type ServiceConfig struct {
	WorkDir     string // project directory containing .sudocode/
	LogLevel    string
	LogFormat   string
	Server      ServerConfig
	EventBuffer EventBufferConfig
	Federation  FederationConfig
}

// Load builds the full service configuration for a working directory.
// An empty workDir resolves to the current directory.
func Load(workDir string) (*ServiceConfig, error) {
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}
	expanded, err := homedir.Expand(workDir)
	if err != nil {
		return nil, fmt.Errorf("expanding working directory: %w", err)
	}

	return &ServiceConfig{
		WorkDir:     expanded,
		LogLevel:    envString("LOG_LEVEL", "info"),
		LogFormat:   envString("LOG_FORMAT", "text"),
		Server:      LoadServerConfig(),
		EventBuffer: LoadEventBufferConfig(),
		Federation:  LoadFederationConfig(),
	}, nil
}

// WorkspaceDir returns the .sudocode directory for the configured project.
func (c *ServiceConfig) WorkspaceDir() string {
	return filepath.Join(c.WorkDir, WorkspaceDirName)
}

// DatabasePath returns the path of the SQLite cache database.
func (c *ServiceConfig) DatabasePath() string {
	return filepath.Join(c.WorkspaceDir(), "cache.db")
}

// IssuesPath returns the path of the issues JSONL log.
func (c *ServiceConfig) IssuesPath() string {
	return filepath.Join(c.WorkspaceDir(), "issues.jsonl")
}

// SpecsPath returns the path of the specs JSONL log.
func (c *ServiceConfig) SpecsPath() string {
	return filepath.Join(c.WorkspaceDir(), "specs.jsonl")
}

// EnsureWorkspace creates the .sudocode directory if it does not exist.
func (c *ServiceConfig) EnsureWorkspace() error {
	return os.MkdirAll(c.WorkspaceDir(), 0755)
}
