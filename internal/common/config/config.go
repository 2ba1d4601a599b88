// Package config provides configuration management for the bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigError reports an invalid or incomplete configuration. It is fatal:
// the process refuses to start while one is outstanding.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Config holds all configuration sections for the bridge.
type Config struct {
	Linear   LinearConfig   `mapstructure:"linear"`
	Server   ServerConfig   `mapstructure:"server"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Git      GitConfig      `mapstructure:"git"`
	Boss     BossConfig     `mapstructure:"boss"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Triggers TriggersConfig `mapstructure:"triggers"`
}

// LinearConfig holds tracker identity and webhook authentication.
type LinearConfig struct {
	APIToken       string `mapstructure:"apiToken"`
	OrganizationID string `mapstructure:"organizationId"`
	AgentUserID    string `mapstructure:"agentUserId"`
	WebhookSecret  string `mapstructure:"webhookSecret"`
	APIURL         string `mapstructure:"apiUrl"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // in seconds
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// SessionsConfig holds session lifecycle and persistence configuration.
type SessionsConfig struct {
	TimeoutMinutes    int    `mapstructure:"timeoutMinutes"`
	MaxConcurrent     int    `mapstructure:"maxConcurrent"`
	CleanupMaxAgeDays int    `mapstructure:"cleanupMaxAgeDays"`
	StoreBackend      string `mapstructure:"storeBackend"` // file, memory, sqlite, postgres
	StoreDir          string `mapstructure:"storeDir"`
	SQLitePath        string `mapstructure:"sqlitePath"`
	PostgresDSN       string `mapstructure:"postgresDsn"`
}

// GitConfig holds repository, branch, and worktree configuration.
type GitConfig struct {
	ProjectRootDir  string `mapstructure:"projectRootDir"`
	DefaultBranch   string `mapstructure:"defaultBranch"`
	CreateBranches  bool   `mapstructure:"createBranches"`
	WorktreeBaseDir string `mapstructure:"worktreeBaseDir"`
	BranchPrefix    string `mapstructure:"branchPrefix"`
}

// BossConfig holds delegation configuration for the boss agent path.
type BossConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	Threshold            int      `mapstructure:"threshold"`
	TaskTypes            []string `mapstructure:"taskTypes"`
	CodegenURL           string   `mapstructure:"codegenUrl"`
	CodegenToken         string   `mapstructure:"codegenToken"`
	CodegenWebhookSecret string   `mapstructure:"codegenWebhookSecret"`
	PollIntervalSeconds  int      `mapstructure:"pollIntervalSeconds"`
	ProgressWaitMinutes  int      `mapstructure:"progressWaitMinutes"`
}

// ExecutorConfig selects and configures the execution backend.
type ExecutorConfig struct {
	Kind        string   `mapstructure:"kind"` // local or docker
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"` // {prompt} expands to the task prompt
	DockerImage string   `mapstructure:"dockerImage"`
	DockerHost  string   `mapstructure:"dockerHost"`
}

// EventsConfig holds event bus configuration.
// An empty URL selects the in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientName    string `mapstructure:"clientName"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TriggersConfig points at an optional YAML lexicon that overrides the
// built-in trigger token sets.
type TriggersConfig struct {
	RulesPath string `mapstructure:"rulesPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionTimeout returns the per-session timeout as a time.Duration.
func (s *SessionsConfig) SessionTimeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// PollInterval returns the runner poll interval as a time.Duration.
func (b *BossConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// ProgressWait returns how long to wait for a progress callback before
// falling back to polling.
func (b *BossConfig) ProgressWait() time.Duration {
	return time.Duration(b.ProgressWaitMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AGENTBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Linear defaults
	v.SetDefault("linear.apiToken", "")
	v.SetDefault("linear.organizationId", "")
	v.SetDefault("linear.agentUserId", "")
	v.SetDefault("linear.webhookSecret", "")
	v.SetDefault("linear.apiUrl", "https://api.linear.app/graphql")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3005)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:3000", "http://localhost:5173"})

	// Session defaults
	v.SetDefault("sessions.timeoutMinutes", 30)
	v.SetDefault("sessions.maxConcurrent", 16)
	v.SetDefault("sessions.cleanupMaxAgeDays", 7)
	v.SetDefault("sessions.storeBackend", "file")
	v.SetDefault("sessions.storeDir", "")
	v.SetDefault("sessions.sqlitePath", "")
	v.SetDefault("sessions.postgresDsn", "")

	// Git defaults
	v.SetDefault("git.projectRootDir", "")
	v.SetDefault("git.defaultBranch", "main")
	v.SetDefault("git.createBranches", true)
	v.SetDefault("git.worktreeBaseDir", "")
	v.SetDefault("git.branchPrefix", "claude/")

	// Boss agent defaults
	v.SetDefault("boss.enabled", false)
	v.SetDefault("boss.threshold", 6)
	v.SetDefault("boss.taskTypes", []string{"feature", "refactor", "perf"})
	v.SetDefault("boss.codegenUrl", "")
	v.SetDefault("boss.codegenToken", "")
	v.SetDefault("boss.codegenWebhookSecret", "")
	v.SetDefault("boss.pollIntervalSeconds", 30)
	v.SetDefault("boss.progressWaitMinutes", 10)

	// Executor defaults
	v.SetDefault("executor.kind", "local")
	v.SetDefault("executor.command", "claude")
	v.SetDefault("executor.args", []string{"-p", "{prompt}", "--output-format", "json"})
	v.SetDefault("executor.dockerImage", "")
	v.SetDefault("executor.dockerHost", "unix:///var/run/docker.sock")

	// Event bus defaults - empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientName", "agentbridge")
	v.SetDefault("events.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Trigger lexicon defaults
	v.SetDefault("triggers.rulesPath", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTBRIDGE_ with snake_case naming;
// the flat deployment variables (LINEAR_API_TOKEN etc.) are bound explicitly.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentbridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat deployment env vars. AutomaticEnv does
	// not handle camelCase to SNAKE_CASE conversion, and the deployment
	// surface predates the prefixed scheme, so both spellings are honored.
	_ = v.BindEnv("linear.apiToken", "LINEAR_API_TOKEN")
	_ = v.BindEnv("linear.organizationId", "LINEAR_ORGANIZATION_ID")
	_ = v.BindEnv("linear.agentUserId", "CLAUDE_AGENT_USER_ID")
	_ = v.BindEnv("linear.webhookSecret", "LINEAR_WEBHOOK_SECRET")
	_ = v.BindEnv("server.port", "WEBHOOK_PORT")
	_ = v.BindEnv("sessions.timeoutMinutes", "SESSION_TIMEOUT_MINUTES")
	_ = v.BindEnv("sessions.maxConcurrent", "MAX_CONCURRENT_SESSIONS")
	_ = v.BindEnv("sessions.storeBackend", "SESSION_STORE_BACKEND")
	_ = v.BindEnv("sessions.postgresDsn", "SESSION_STORE_POSTGRES_DSN")
	_ = v.BindEnv("git.projectRootDir", "PROJECT_ROOT_DIR")
	_ = v.BindEnv("git.defaultBranch", "DEFAULT_BRANCH")
	_ = v.BindEnv("git.createBranches", "CREATE_BRANCHES")
	_ = v.BindEnv("boss.enabled", "ENABLE_BOSS_AGENT")
	_ = v.BindEnv("boss.threshold", "BOSS_AGENT_THRESHOLD")
	_ = v.BindEnv("boss.codegenUrl", "CODEGEN_API_URL")
	_ = v.BindEnv("boss.codegenToken", "CODEGEN_API_TOKEN")
	_ = v.BindEnv("boss.codegenWebhookSecret", "CODEGEN_WEBHOOK_SECRET")
	_ = v.BindEnv("events.natsUrl", "NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentbridge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvironmentHints(&cfg)
	applyDerivedDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvironmentHints adjusts configuration for hosted environments.
// Preview deployments route all traffic to a fixed port regardless of the
// configured one.
func applyEnvironmentHints(cfg *Config) {
	if os.Getenv("PREVIEW_URL") != "" {
		cfg.Server.Port = 3000
	}
	if isTruthy(os.Getenv("DEBUG")) {
		cfg.Logging.Level = "debug"
	}
}

// applyDerivedDefaults fills paths that default relative to the project root.
func applyDerivedDefaults(cfg *Config) {
	root := cfg.Git.ProjectRootDir
	if root == "" {
		return
	}
	if cfg.Sessions.StoreDir == "" {
		cfg.Sessions.StoreDir = filepath.Join(root, ".agentbridge", "sessions")
	}
	if cfg.Sessions.SQLitePath == "" {
		cfg.Sessions.SQLitePath = filepath.Join(root, ".agentbridge", "agentbridge.db")
	}
	if cfg.Git.WorktreeBaseDir == "" {
		cfg.Git.WorktreeBaseDir = filepath.Join(root, ".agentbridge", "worktrees")
	}
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Linear.APIToken == "" {
		errs = append(errs, "linear.apiToken is required (set LINEAR_API_TOKEN)")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Git.ProjectRootDir == "" {
		errs = append(errs, "git.projectRootDir is required (set PROJECT_ROOT_DIR)")
	} else if info, err := os.Stat(cfg.Git.ProjectRootDir); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Sprintf("git.projectRootDir %q does not exist", cfg.Git.ProjectRootDir))
	}

	if cfg.Sessions.TimeoutMinutes <= 0 {
		errs = append(errs, "sessions.timeoutMinutes must be positive")
	}
	if cfg.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, "sessions.maxConcurrent must be positive")
	}
	switch cfg.Sessions.StoreBackend {
	case "file", "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "sessions.storeBackend must be one of: file, memory, sqlite, postgres")
	}
	if cfg.Sessions.StoreBackend == "postgres" && cfg.Sessions.PostgresDSN == "" {
		errs = append(errs, "sessions.postgresDsn is required for the postgres store backend")
	}

	if cfg.Boss.Enabled {
		if cfg.Boss.Threshold < 1 || cfg.Boss.Threshold > 10 {
			errs = append(errs, "boss.threshold must be between 1 and 10")
		}
		if cfg.Boss.CodegenURL == "" {
			errs = append(errs, "boss.codegenUrl is required when the boss agent is enabled")
		}
	}

	switch cfg.Executor.Kind {
	case "local", "docker":
	default:
		errs = append(errs, "executor.kind must be one of: local, docker")
	}
	if cfg.Executor.Kind == "docker" && cfg.Executor.DockerImage == "" {
		errs = append(errs, "executor.dockerImage is required for the docker executor")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return &ConfigError{Reason: strings.Join(errs, "; ")}
	}

	return nil
}

// Sanitized returns the subset of the configuration that is safe to expose
// over the admin API. Tokens and secrets are never included.
func (c *Config) Sanitized() map[string]interface{} {
	return map[string]interface{}{
		"organizationId":        c.Linear.OrganizationID,
		"agentUserId":           c.Linear.AgentUserID,
		"webhookSecretSet":      c.Linear.WebhookSecret != "",
		"port":                  c.Server.Port,
		"projectRootDir":        c.Git.ProjectRootDir,
		"defaultBranch":         c.Git.DefaultBranch,
		"createBranches":        c.Git.CreateBranches,
		"branchPrefix":          c.Git.BranchPrefix,
		"sessionTimeoutMinutes": c.Sessions.TimeoutMinutes,
		"maxConcurrentSessions": c.Sessions.MaxConcurrent,
		"storeBackend":          c.Sessions.StoreBackend,
		"bossAgentEnabled":      c.Boss.Enabled,
		"bossAgentThreshold":    c.Boss.Threshold,
		"executorKind":          c.Executor.Kind,
	}
}
