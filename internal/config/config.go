package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LogFormat represents the log output format.
type LogFormat string

// LogFormat values.
const (
	LogFormatPretty LogFormat = "pretty"
	LogFormatJSON   LogFormat = "json"
)

// AppConfig is the validated application configuration.
// It is the single source of truth for server settings; components never
// read ad-hoc environment variables.
type AppConfig struct {
	env         EnvConfig
	dataDir     string
	dbURL       string
	jobTimeouts map[string]time.Duration
}

// NewAppConfig builds an AppConfig from the environment.
func NewAppConfig() (AppConfig, error) {
	env, err := LoadEnv()
	if err != nil {
		return AppConfig{}, fmt.Errorf("load environment: %w", err)
	}
	return NewAppConfigFromEnv(env)
}

// NewAppConfigFromEnv builds an AppConfig from an already-loaded EnvConfig.
func NewAppConfigFromEnv(env EnvConfig) (AppConfig, error) {
	dataDir := env.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return AppConfig{}, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".cidx")
	}

	dbURL := env.DBURL
	if dbURL == "" {
		dbURL = "sqlite:///" + filepath.Join(dataDir, "cidx.db")
	}

	timeouts, err := parseJobTimeouts(env.JobTimeouts)
	if err != nil {
		return AppConfig{}, err
	}

	return AppConfig{
		env:         env,
		dataDir:     dataDir,
		dbURL:       dbURL,
		jobTimeouts: timeouts,
	}, nil
}

// parseJobTimeouts parses "kind=seconds,kind=seconds" overrides.
func parseJobTimeouts(raw string) (map[string]time.Duration, error) {
	timeouts := make(map[string]time.Duration)
	if raw == "" {
		return timeouts, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kind, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid job timeout override %q (want kind=seconds)", pair)
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid job timeout override %q: %v", pair, err)
		}
		timeouts[strings.TrimSpace(kind)] = Seconds(secs)
	}
	return timeouts, nil
}

// Addr returns the host:port the server binds to.
func (c AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.env.Host, c.env.Port)
}

// DataDir returns the data directory path.
func (c AppConfig) DataDir() string { return c.dataDir }

// CloneDir returns the directory golden repositories are cloned under.
func (c AppConfig) CloneDir() string { return filepath.Join(c.dataDir, "repos") }

// ActivatedDir returns the directory activated copies are cloned under.
func (c AppConfig) ActivatedDir() string { return filepath.Join(c.dataDir, "activated") }

// IndexDir returns the root directory for per-repository indexes.
func (c AppConfig) IndexDir() string { return filepath.Join(c.dataDir, "index") }

// DBURL returns the database connection URL.
func (c AppConfig) DBURL() string { return c.dbURL }

// LogLevel returns the configured log level.
func (c AppConfig) LogLevel() string { return c.env.LogLevel }

// LogFormat returns the configured log format.
func (c AppConfig) LogFormat() LogFormat {
	if strings.EqualFold(c.env.LogFormat, string(LogFormatJSON)) {
		return LogFormatJSON
	}
	return LogFormatPretty
}

// MaxConcurrentJobs returns the background job concurrency cap.
func (c AppConfig) MaxConcurrentJobs() int {
	if c.env.MaxConcurrentJobs <= 0 {
		return 5
	}
	return c.env.MaxConcurrentJobs
}

// MaxConcurrentRefresh returns the refresh concurrency cap.
func (c AppConfig) MaxConcurrentRefresh() int {
	if c.env.MaxConcurrentRefresh <= 0 {
		return 1
	}
	return c.env.MaxConcurrentRefresh
}

// RefreshInterval returns the refresh scheduler cadence. Zero disables it.
func (c AppConfig) RefreshInterval() time.Duration {
	return Seconds(c.env.RefreshInterval)
}

// JobTimeout returns the timeout for the given job kind.
func (c AppConfig) JobTimeout(kind string) time.Duration {
	if d, ok := c.jobTimeouts[kind]; ok {
		return d
	}
	return Seconds(c.env.JobTimeout)
}

// MaxJobTimeout returns the largest configured job timeout across all kinds.
// The queue derives its drain window from this value.
func (c AppConfig) MaxJobTimeout() time.Duration {
	maxTimeout := Seconds(c.env.JobTimeout)
	for _, d := range c.jobTimeouts {
		if d > maxTimeout {
			maxTimeout = d
		}
	}
	return maxTimeout
}

// JobResultTTL returns how long terminal job results stay retrievable.
func (c AppConfig) JobResultTTL() time.Duration {
	return Seconds(c.env.JobResultTTL)
}

// SearchLimit returns the default search result limit.
func (c AppConfig) SearchLimit() int {
	if c.env.SearchLimit <= 0 {
		return 10
	}
	return c.env.SearchLimit
}

// RepoQueryTimeout returns the per-repository query timeout.
func (c AppConfig) RepoQueryTimeout() time.Duration {
	return Seconds(c.env.RepoQueryTimeout)
}

// PayloadTokenBudget returns the token threshold for cache-handle spilling.
func (c AppConfig) PayloadTokenBudget() int {
	if c.env.PayloadTokenBudget <= 0 {
		return 5000
	}
	return c.env.PayloadTokenBudget
}

// Embedding returns the embedding endpoint configuration.
func (c AppConfig) Embedding() EndpointEnv { return c.env.Embedding }

// TokenSecret returns the secret used to sign session tokens.
func (c AppConfig) TokenSecret() string { return c.env.Auth.TokenSecret }

// SessionTTL returns the session token lifetime.
func (c AppConfig) SessionTTL() time.Duration {
	return time.Duration(c.env.Auth.SessionTTL * float64(time.Minute))
}

// BootstrapAdminPassword returns the initial admin password, if configured.
func (c AppConfig) BootstrapAdminPassword() string {
	return c.env.Auth.BootstrapAdminPassword
}
