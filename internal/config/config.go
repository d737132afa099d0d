package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	GitHub      GitHubConfig
	Credentials CredentialsConfig
	Allowlist   AllowlistConfig
	Schedule    ScheduleConfig
	Points      PointsConfig
	Reconcile   ReconcileConfig
	OAuth       OAuthConfig
	Telemetry   TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// GitHubConfig configures GitHub API interactions.
type GitHubConfig struct {
	APIBaseURL            string
	RequestTimeout        time.Duration
	MaxCredentialAttempts int
	MinRateLimitWait      time.Duration
	MaxRateLimitWait      time.Duration
	RotateOnRateLimit     bool
	ServiceToken          string
	App                   GitHubAppConfig
}

// GitHubAppConfig configures an optional GitHub App installation token source.
type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Enabled reports whether an installation token source is configured.
func (c GitHubAppConfig) Enabled() bool {
	return c.AppID > 0 || c.InstallationID > 0 || strings.TrimSpace(c.PrivateKeyPath) != ""
}

// CredentialsConfig configures the credential pool backend.
type CredentialsConfig struct {
	Backend            string   `yaml:"backend"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	RedisKey           string   `yaml:"redis_key"`
}

// AllowlistConfig locates the watched repository list.
type AllowlistConfig struct {
	Path  string   `yaml:"path"`
	Repos []string `yaml:"repos"`
}

// ScheduleConfig configures the ingestion loop timing.
type ScheduleConfig struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// PointsConfig is the points policy.
type PointsConfig struct {
	Merged int `yaml:"merged"`
	Other  int `yaml:"other"`
}

// ReconcileConfig toggles optional reconciliation passes.
type ReconcileConfig struct {
	RefreshClosed bool
}

// OAuthConfig configures the GitHub OAuth application used for registration.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Enabled reports whether login routes should be served.
func (c OAuthConfig) Enabled() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

// Load reads configuration from YAML, applies environment overrides and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return load(reader, os.LookupEnv)
}

// LoadDotEnv loads variables from the given .env files into the process environment.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat env file %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

func load(reader io.Reader, lookupEnv func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyEnv(cfg, lookupEnv)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, "storage.path is required")
	}
	if strings.TrimSpace(c.Allowlist.Path) == "" && len(c.Allowlist.Repos) == 0 {
		errs = append(errs, "allowlist.path or allowlist.repos is required")
	}

	if c.GitHub.MaxCredentialAttempts <= 0 {
		errs = append(errs, "github.max_credential_attempts must be > 0")
	}
	if c.GitHub.RequestTimeout < 0 {
		errs = append(errs, "github.request_timeout must be >= 0")
	}
	if c.GitHub.MaxRateLimitWait < 0 {
		errs = append(errs, "github.max_rate_limit_wait must be >= 0")
	}
	if c.GitHub.App.Enabled() {
		if c.GitHub.App.AppID <= 0 {
			errs = append(errs, "github.app.app_id must be > 0")
		}
		if c.GitHub.App.InstallationID <= 0 {
			errs = append(errs, "github.app.installation_id must be > 0")
		}
		if strings.TrimSpace(c.GitHub.App.PrivateKeyPath) == "" {
			errs = append(errs, "github.app.private_key_path is required")
		}
	}

	switch c.Credentials.Backend {
	case "memory":
	case "redis":
		switch c.Credentials.RedisMode {
		case "standalone":
			if strings.TrimSpace(c.Credentials.RedisAddr) == "" {
				errs = append(errs, "credentials.redis_addr is required when credentials.backend=redis")
			}
		case "sentinel":
			if strings.TrimSpace(c.Credentials.RedisMasterSet) == "" || len(c.Credentials.RedisSentinelAddrs) == 0 {
				errs = append(errs, "credentials.redis_master_set and credentials.redis_sentinel_addrs are required when credentials.redis_mode=sentinel")
			}
		default:
			errs = append(errs, "credentials.redis_mode must be standalone or sentinel")
		}
	default:
		errs = append(errs, "credentials.backend must be memory or redis")
	}

	if c.Schedule.Interval <= 0 {
		errs = append(errs, "schedule.interval must be > 0")
	}
	if c.Schedule.BackoffBase <= 0 {
		errs = append(errs, "schedule.backoff_base must be > 0")
	}
	if c.Schedule.BackoffMax < c.Schedule.BackoffBase {
		errs = append(errs, "schedule.backoff_max must be >= schedule.backoff_base")
	}

	if c.Points.Merged < 0 || c.Points.Other < 0 {
		errs = append(errs, "points values must be >= 0")
	}

	if strings.TrimSpace(c.OAuth.ClientID) != "" && strings.TrimSpace(c.OAuth.ClientSecret) == "" {
		errs = append(errs, "oauth.client_secret is required when oauth.client_id is set")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) {
	if lookupEnv == nil {
		return
	}
	override := func(target *string, key string) {
		if value, ok := lookupEnv(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	override(&cfg.OAuth.ClientID, "GITHUB_CLIENT_ID")
	override(&cfg.OAuth.ClientSecret, "GITHUB_CLIENT_SECRET")
	override(&cfg.OAuth.RedirectURL, "GITHUB_REDIRECT_URL")
	override(&cfg.GitHub.ServiceToken, "GITHUB_TOKEN")
	override(&cfg.Storage.Path, "SQLITE_DB_PATH")
	override(&cfg.Credentials.RedisPassword, "REDIS_PASSWORD")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./app.db"
	}
	if cfg.GitHub.MaxCredentialAttempts == 0 {
		cfg.GitHub.MaxCredentialAttempts = 3
	}
	if cfg.GitHub.MinRateLimitWait <= 0 {
		cfg.GitHub.MinRateLimitWait = 60 * time.Second
	}
	if cfg.Credentials.Backend == "" {
		cfg.Credentials.Backend = "memory"
	}
	if cfg.Credentials.RedisMode == "" {
		cfg.Credentials.RedisMode = "standalone"
	}
	if cfg.Credentials.RedisKey == "" {
		cfg.Credentials.RedisKey = "pr-leaderboard:credentials"
	}
	if cfg.Schedule.Interval == 0 {
		cfg.Schedule.Interval = 45 * time.Minute
	}
	if cfg.Schedule.BackoffBase == 0 {
		cfg.Schedule.BackoffBase = 60 * time.Second
	}
	if cfg.Schedule.BackoffMax == 0 {
		cfg.Schedule.BackoffMax = 300 * time.Second
	}
	if cfg.Points.Merged == 0 && cfg.Points.Other == 0 {
		cfg.Points.Merged = 10
		cfg.Points.Other = 5
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	GitHub      rawGitHub         `yaml:"github"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Allowlist   AllowlistConfig   `yaml:"allowlist"`
	Schedule    rawSchedule       `yaml:"schedule"`
	Points      PointsConfig      `yaml:"points"`
	Reconcile   rawReconcile      `yaml:"reconcile"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type rawGitHub struct {
	APIBaseURL            string          `yaml:"api_base_url"`
	RequestTimeout        *duration       `yaml:"request_timeout"`
	MaxCredentialAttempts int             `yaml:"max_credential_attempts"`
	MinRateLimitWait      duration        `yaml:"min_rate_limit_wait"`
	MaxRateLimitWait      duration        `yaml:"max_rate_limit_wait"`
	RotateOnRateLimit     bool            `yaml:"rotate_on_rate_limit"`
	ServiceToken          string          `yaml:"service_token"`
	App                   GitHubAppConfig `yaml:"app"`
}

type rawSchedule struct {
	Interval    duration `yaml:"interval"`
	BackoffBase duration `yaml:"backoff_base"`
	BackoffMax  duration `yaml:"backoff_max"`
}

type rawReconcile struct {
	RefreshClosed *bool `yaml:"refresh_closed"`
}

func (r rawConfig) toConfig() *Config {
	requestTimeout := 30 * time.Second
	if r.GitHub.RequestTimeout != nil {
		requestTimeout = r.GitHub.RequestTimeout.Duration
	}
	refreshClosed := true
	if r.Reconcile.RefreshClosed != nil {
		refreshClosed = *r.Reconcile.RefreshClosed
	}

	return &Config{
		Server:  r.Server,
		Storage: r.Storage,
		GitHub: GitHubConfig{
			APIBaseURL:            r.GitHub.APIBaseURL,
			RequestTimeout:        requestTimeout,
			MaxCredentialAttempts: r.GitHub.MaxCredentialAttempts,
			MinRateLimitWait:      r.GitHub.MinRateLimitWait.Duration,
			MaxRateLimitWait:      r.GitHub.MaxRateLimitWait.Duration,
			RotateOnRateLimit:     r.GitHub.RotateOnRateLimit,
			ServiceToken:          r.GitHub.ServiceToken,
			App:                   r.GitHub.App,
		},
		Credentials: r.Credentials,
		Allowlist: AllowlistConfig{
			Path:  r.Allowlist.Path,
			Repos: slices.Clone(r.Allowlist.Repos),
		},
		Schedule: ScheduleConfig{
			Interval:    r.Schedule.Interval.Duration,
			BackoffBase: r.Schedule.BackoffBase.Duration,
			BackoffMax:  r.Schedule.BackoffMax.Duration,
		},
		Points: r.Points,
		Reconcile: ReconcileConfig{
			RefreshClosed: refreshClosed,
		},
		OAuth:     r.OAuth,
		Telemetry: r.Telemetry,
	}
}
