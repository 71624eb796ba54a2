// Package config provides application configuration.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvConfig holds all environment-based configuration.
// Field names map to environment variables with the CIDX_ prefix.
// Nested structs use underscore delimiter (e.g. CIDX_EMBEDDING_BASE_URL).
type EnvConfig struct {
	// Host is the server host to bind to.
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	// Port is the server port to listen on.
	Port int `envconfig:"PORT" default:"8080"`

	// DataDir is the data directory path. Default: ~/.cidx
	DataDir string `envconfig:"DATA_DIR"`

	// DBURL is the database connection URL.
	// Default: sqlite:///{data_dir}/cidx.db
	DBURL string `envconfig:"DB_URL"`

	// LogLevel is the log verbosity level.
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	// LogFormat is the log output format (pretty or json).
	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	// MaxConcurrentJobs caps concurrently running background jobs.
	MaxConcurrentJobs int `envconfig:"MAX_CONCURRENT_JOBS" default:"5"`

	// MaxConcurrentRefresh caps concurrently running golden repo refreshes.
	MaxConcurrentRefresh int `envconfig:"MAX_CONCURRENT_REFRESH" default:"2"`

	// RefreshInterval is the cadence of the golden repo refresh scheduler
	// in seconds. Zero disables scheduled refresh.
	RefreshInterval float64 `envconfig:"REFRESH_INTERVAL" default:"1800"`

	// JobTimeout is the default per-job timeout in seconds. Individual job
	// kinds may override it via JOB_TIMEOUTS (kind=seconds, comma separated).
	JobTimeout  float64 `envconfig:"JOB_TIMEOUT" default:"1800"`
	JobTimeouts string  `envconfig:"JOB_TIMEOUTS"`

	// JobResultTTL is how long completed job results stay retrievable,
	// in seconds.
	JobResultTTL float64 `envconfig:"JOB_RESULT_TTL" default:"86400"`

	// SearchLimit is the default search result limit.
	SearchLimit int `envconfig:"SEARCH_LIMIT" default:"10"`

	// RepoQueryTimeout is the per-repository query timeout in seconds.
	RepoQueryTimeout float64 `envconfig:"REPO_QUERY_TIMEOUT" default:"30"`

	// PayloadTokenBudget is the token threshold above which result content
	// is parked behind a cache handle.
	PayloadTokenBudget int `envconfig:"PAYLOAD_TOKEN_BUDGET" default:"5000"`

	// Embedding configures the embedding endpoint.
	Embedding EndpointEnv `envconfig:"EMBEDDING"`

	// Auth configures session tokens and bootstrap credentials.
	Auth AuthEnv `envconfig:"AUTH"`
}

// EndpointEnv holds environment configuration for the embedding endpoint.
type EndpointEnv struct {
	// BaseURL is the base URL for the endpoint.
	BaseURL string `envconfig:"BASE_URL"`

	// Model is the embedding model identifier.
	Model string `envconfig:"MODEL" default:"text-embedding-3-small"`

	// APIKey is the API key for authentication.
	APIKey string `envconfig:"API_KEY"`

	// MaxBatchTokens is the hard token cap per embedding request.
	MaxBatchTokens int `envconfig:"MAX_BATCH_TOKENS" default:"120000"`

	// Timeout is the request timeout in seconds.
	Timeout float64 `envconfig:"TIMEOUT" default:"60"`

	// MaxRetries is the maximum number of retries.
	MaxRetries int `envconfig:"MAX_RETRIES" default:"5"`

	// InitialDelay is the initial retry delay in seconds.
	InitialDelay float64 `envconfig:"INITIAL_DELAY" default:"2.0"`

	// BackoffFactor is the retry backoff multiplier.
	BackoffFactor float64 `envconfig:"BACKOFF_FACTOR" default:"2.0"`
}

// AuthEnv holds environment configuration for authentication.
type AuthEnv struct {
	// TokenSecret signs session access tokens.
	TokenSecret string `envconfig:"TOKEN_SECRET"`

	// SessionTTL is the session token lifetime in minutes.
	SessionTTL float64 `envconfig:"SESSION_TTL" default:"15"`

	// BootstrapAdminPassword seeds the initial admin user on first boot.
	BootstrapAdminPassword string `envconfig:"BOOTSTRAP_ADMIN_PASSWORD"`
}

// LoadEnv reads configuration from the environment.
func LoadEnv() (EnvConfig, error) {
	var cfg EnvConfig
	if err := envconfig.Process("CIDX", &cfg); err != nil {
		return EnvConfig{}, err
	}
	return cfg, nil
}

// Seconds converts a float seconds value to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
