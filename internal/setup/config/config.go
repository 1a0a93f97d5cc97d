package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrMissingDiscordToken   = errors.New("discord token is not configured")
	ErrInvalidPacing         = errors.New("invalid pacing mode")
	ErrInvalidCacheBackend   = errors.New("invalid cache backend")
)

// RepositoryVersion is the repository version tag for config file references.
const RepositoryVersion = "v0.4.0"

// CurrentVersion is the current version of the config file.
const CurrentVersion = 1

// EnvPrefix is the prefix for structured environment overrides.
// ROLESYNC_SYNC__CHUNK_SIZE maps to sync.chunk_size.
const EnvPrefix = "ROLESYNC_"

// Pacing modes for inter-operation delays.
const (
	PacingConservative = "conservative"
	PacingAggressive   = "aggressive"
)

// Cache backends for the sync cache.
const (
	CacheBackendRedis  = "redis"
	CacheBackendSQLite = "sqlite"
)

// legacyEnv maps the flat variable names used by earlier deployments onto config keys.
var legacyEnv = map[string]string{
	"DISCORD_TOKEN":          "discord.token",
	"DISCORD_APPLICATION_ID": "discord.application_id",
	"GUILD_ID":               "discord.guild_id",
	"ETHOS_API_KEY":          "ethos.api_key",
	"ETHOS_API_URL":          "ethos.base_url",
	"AUTH_TOKEN":             "api.auth_token",
	"API_SECRET":             "api.auth_token",
	"PORT":                   "api.port",
	"REDIS_HOST":             "redis.host",
	"REDIS_PORT":             "redis.port",
	"REDIS_PASSWORD":         "redis.password",
	"SYNC_DURATION_HOURS":    "sync.freshness_hours",
	"CHUNK_SIZE":             "sync.chunk_size",
	"BATCH_SIZE":             "ethos.batch_size",
	"AGGRESSIVE_MODE":        "sync.aggressive",
	"AUTO_CONTINUE":          "sync.auto_continue",
	"ENABLE_DAILY_SYNC":      "schedule.enable_sync",
	"ENABLE_VALIDATOR_CHECK": "schedule.enable_validator_check",
}

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	Discord    Discord    `koanf:"discord"`
	Roles      Roles      `koanf:"roles"`
	Ethos      Ethos      `koanf:"ethos"`
	Sync       Sync       `koanf:"sync"`
	Schedule   Schedule   `koanf:"schedule"`
	API        API        `koanf:"api"`
	Cache      Cache      `koanf:"cache"`
	Redis      Redis      `koanf:"redis"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Mirror logs to stdout.
	Stdout bool `koanf:"stdout"`
	// Enable pprof debugging.
	EnablePprof bool `koanf:"enable_pprof"`
	// pprof server port.
	PprofPort int `koanf:"pprof_port"`
}

// Discord contains Discord bot configuration.
type Discord struct {
	// Discord bot token for authentication.
	Token string `koanf:"token"`
	// Application ID used for command registration.
	ApplicationID uint64 `koanf:"application_id"`
	// Default guild for role synchronization.
	GuildID uint64 `koanf:"guild_id"`
	// Base URL of the Discord REST API.
	APIBaseURL string `koanf:"api_base_url"`
	// Request timeout in milliseconds.
	RequestTimeout int `koanf:"request_timeout"`
	// Register slash commands on startup.
	RegisterCommands bool `koanf:"register_commands"`
}

// Roles contains the role identifiers managed by the bot.
type Roles struct {
	// Baseline role for members who connected their account.
	Verified uint64 `koanf:"verified"`
	// Role for members with an indexed Ethos profile.
	Profile uint64 `koanf:"profile"`
	// Regular score tier roles.
	Exemplary    uint64 `koanf:"exemplary"`
	Reputable    uint64 `koanf:"reputable"`
	Neutral      uint64 `koanf:"neutral"`
	Questionable uint64 `koanf:"questionable"`
	Untrusted    uint64 `koanf:"untrusted"`
	// Validator score tier roles. The untrusted tier has no validator variant.
	ValidatorExemplary    uint64 `koanf:"validator_exemplary"`
	ValidatorReputable    uint64 `koanf:"validator_reputable"`
	ValidatorNeutral      uint64 `koanf:"validator_neutral"`
	ValidatorQuestionable uint64 `koanf:"validator_questionable"`
}

// Ethos contains profile directory configuration.
type Ethos struct {
	// Base URL of the Ethos API.
	BaseURL string `koanf:"base_url"`
	// Optional API key sent as a bearer token.
	APIKey string `koanf:"api_key"`
	// Client identifier header value.
	ClientName string `koanf:"client_name"`
	// Identities per bulk request.
	BatchSize int `koanf:"batch_size"`
	// Concurrent validator lookups during batch passes.
	ValidatorConcurrency int `koanf:"validator_concurrency"`
	// Request timeout in milliseconds.
	RequestTimeout int `koanf:"request_timeout"`
	// Maximum retries for transient directory failures.
	MaxRetries int `koanf:"max_retries"`
}

// Sync contains reconciliation configuration.
type Sync struct {
	// Hours after a successful sync during which a user is skipped.
	FreshnessHours int `koanf:"freshness_hours"`
	// Users per chunk for resumable runs.
	ChunkSize int `koanf:"chunk_size"`
	// Wall-clock budget per chunk in milliseconds.
	MaxChunkDuration int `koanf:"max_chunk_duration_ms"`
	// Delay between users in milliseconds.
	MemberDelay int `koanf:"member_delay_ms"`
	// Delay between role operations in milliseconds.
	RoleDelay int `koanf:"role_delay_ms"`
	// Delay between batches in milliseconds.
	BatchDelay int `koanf:"batch_delay_ms"`
	// Pacing mode (conservative or aggressive).
	Pacing string `koanf:"pacing"`
	// Legacy switch for aggressive pacing.
	Aggressive bool `koanf:"aggressive"`
	// Keep running chunks until the guild is complete.
	AutoContinue bool `koanf:"auto_continue"`
	// Maximum concurrent interactive /verify syncs.
	MaxInteractive int64 `koanf:"max_interactive"`
}

// Schedule contains timer-triggered pass configuration.
type Schedule struct {
	EnableSync               bool `koanf:"enable_sync"`
	SyncIntervalMinutes      int  `koanf:"sync_interval_minutes"`
	EnableValidatorCheck     bool `koanf:"enable_validator_check"`
	ValidatorIntervalMinutes int  `koanf:"validator_interval_minutes"`
}

// API contains the HTTP trigger server configuration.
type API struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// Bearer token required on trigger endpoints. Empty disables authentication.
	AuthToken string `koanf:"auth_token"`
	// Requests per second allowed per client IP.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	// Burst size per client IP.
	BurstSize int `koanf:"burst_size"`
	// Honor X-Forwarded-For and X-Real-IP when behind a reverse proxy.
	TrustProxy bool `koanf:"trust_proxy"`
	// Graceful shutdown timeout in seconds.
	ShutdownTimeout int `koanf:"shutdown_timeout"`
}

// Cache contains sync cache configuration.
type Cache struct {
	// Backend is either redis or sqlite.
	Backend string `koanf:"backend"`
	// SQLite database path for the sqlite backend.
	SQLitePath string `koanf:"sqlite_path"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// PostgreSQL contains role-change ledger database configuration.
type PostgreSQL struct {
	// Enable the role-change ledger.
	Enabled bool `koanf:"enabled"`

	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"db_name"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Idle timeout in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Default returns the built-in configuration that files and environment override.
func Default() Config {
	return Config{
		Version: CurrentVersion,
		Debug: Debug{
			LogLevel:      "info",
			MaxLogsToKeep: 10,
			MaxLogLines:   100000,
			PprofPort:     6060,
		},
		Discord: Discord{
			APIBaseURL:       "https://discord.com/api/v10",
			RequestTimeout:   15000,
			RegisterCommands: true,
		},
		Roles: Roles{
			Verified:              1330927513056186501,
			Profile:               1367923031040721046,
			Exemplary:             1253205892917231677,
			Reputable:             1253206005169258537,
			Neutral:               1253206143556255897,
			Questionable:          1253206381587337249,
			Untrusted:             1253206448201011332,
			ValidatorExemplary:    1377477396759842936,
			ValidatorReputable:    1377479773353279599,
			ValidatorNeutral:      1377479816894349332,
			ValidatorQuestionable: 1377479855956365375,
		},
		Ethos: Ethos{
			BaseURL:              "https://api.ethos.network",
			ClientName:           "rolesync",
			BatchSize:            500,
			ValidatorConcurrency: 10,
			RequestTimeout:       10000,
			MaxRetries:           3,
		},
		Sync: Sync{
			FreshnessHours:   72,
			ChunkSize:        50,
			MaxChunkDuration: 240000,
			MemberDelay:      300,
			RoleDelay:        200,
			BatchDelay:       2000,
			Pacing:           PacingConservative,
			AutoContinue:     true,
			MaxInteractive:   4,
		},
		Schedule: Schedule{
			SyncIntervalMinutes:      24 * 60,
			ValidatorIntervalMinutes: 6 * 60,
		},
		API: API{
			Host:              "0.0.0.0",
			Port:              8080,
			RequestsPerSecond: 2,
			BurstSize:         10,
			ShutdownTimeout:   30,
		},
		Cache: Cache{
			Backend:    CacheBackendRedis,
			SQLitePath: "data/sync_cache.db",
		},
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		PostgreSQL: PostgreSQL{
			Host:         "localhost",
			Port:         5432,
			User:         "postgres",
			DBName:       "rolesync",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  30,
			MaxIdleTime:  5,
		},
	}
}

// FreshnessWindow returns the sync cache freshness window.
func (s *Sync) FreshnessWindow() time.Duration {
	return time.Duration(s.FreshnessHours) * time.Hour
}

// ChunkBudget returns the wall-clock budget per chunk.
func (s *Sync) ChunkBudget() time.Duration {
	return time.Duration(s.MaxChunkDuration) * time.Millisecond
}

// Delays returns the member, role and batch delays adjusted for the pacing mode.
func (s *Sync) Delays() (member, role, batch time.Duration) {
	member = time.Duration(s.MemberDelay) * time.Millisecond
	role = time.Duration(s.RoleDelay) * time.Millisecond
	batch = time.Duration(s.BatchDelay) * time.Millisecond

	if s.IsAggressive() {
		return member / 2, role / 2, batch / 2
	}

	return member, role, batch
}

// IsAggressive reports whether aggressive pacing is enabled.
func (s *Sync) IsAggressive() bool {
	return s.Aggressive || s.Pacing == PacingAggressive
}

// Address returns the listen address of the HTTP server.
func (a *API) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// RequestTimeoutDuration returns the Discord request timeout.
func (d *Discord) RequestTimeoutDuration() time.Duration {
	return time.Duration(d.RequestTimeout) * time.Millisecond
}

// RequestTimeoutDuration returns the Ethos request timeout.
func (e *Ethos) RequestTimeoutDuration() time.Duration {
	return time.Duration(e.RequestTimeout) * time.Millisecond
}

// LoadConfig loads the configuration from the first config.toml found in the
// search paths, then applies environment overrides.
// Returns the config along with the used config directory (empty when no file was found).
func LoadConfig() (*Config, string, error) {
	k := koanf.New(".")

	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	// List search paths
	configPaths := []string{
		".rolesync",
		homeDir + "/.rolesync/config",
		"/etc/rolesync/config",
		"/app/config",
		"config",
		".",
	}

	var usedConfigPath string

	for _, path := range configPaths {
		configPath := path + "/config.toml"
		if _, err := os.Stat(configPath); err != nil {
			continue
		}

		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, "", fmt.Errorf("failed to parse %s: %w", configPath, err)
		}

		usedConfigPath = path

		break
	}

	// Environment overrides
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := unmarshal(k, usedConfigPath != "")
	if err != nil {
		return nil, "", err
	}

	return cfg, usedConfigPath, nil
}

// LoadFile loads configuration from a single file without searching or
// reading the environment.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return unmarshal(k, true)
}

// unmarshal decodes the koanf tree over the defaults and validates the result.
func unmarshal(k *koanf.Koanf, fromFile bool) (*Config, error) {
	config := Default()
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if fromFile && k.Exists("version") {
		if err := checkConfigVersion(config.Version, CurrentVersion); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values that have a fixed set of options.
func (c *Config) Validate() error {
	switch c.Sync.Pacing {
	case PacingConservative, PacingAggressive:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPacing, c.Sync.Pacing)
	}

	switch c.Cache.Backend {
	case CacheBackendRedis, CacheBackendSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCacheBackend, c.Cache.Backend)
	}

	return nil
}

// envKey maps an environment variable name to a config key.
// Unrelated variables map to the empty string and are skipped.
func envKey(name string) string {
	if strings.HasPrefix(name, EnvPrefix) {
		key := strings.TrimPrefix(name, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	}

	return legacyEnv[name]
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(current, expected int) error {
	if current != expected {
		return fmt.Errorf(
			"%w: config.toml (got: %d, expected: %d)\n"+
				"Please update your config file from: https://github.com/ethoslink/rolesync/tree/%s/config/config.toml",
			ErrConfigVersionMismatch,
			current,
			expected,
			RepositoryVersion,
		)
	}

	return nil
}
