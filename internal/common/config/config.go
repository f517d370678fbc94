// Package config loads Coordinator and Runner configuration from the
// environment via viper, the way cmd/agent-manager's config.Load did in the
// teacher repository.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorConfig holds everything the coordinator binary needs to boot.
type CoordinatorConfig struct {
	Port int

	SQLitePath string

	AdminAPIKey string
	AuthDisabled bool
	OIDCIssuer   string
	OIDCAudience string

	SweepInterval    time.Duration
	ClaimTimeout     time.Duration
	RunTimeout       time.Duration
	HeartbeatTimeout time.Duration
	PollTimeout      time.Duration

	NATSURL string

	Logging LoggingConfig
}

// RunnerConfig holds everything the runner binary needs to boot.
type RunnerConfig struct {
	CoordinatorURL string
	Hostname       string
	ProjectDir     string
	ExecutorType   string
	ExecutorPath   string
	Tags           []string

	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
	MaxRetries        int
	StopGracePeriod   time.Duration

	Logging LoggingConfig
}

// LoggingConfig mirrors logger.LoggingConfig without importing it, keeping
// this package dependency-light; callers convert at the boundary.
type LoggingConfig struct {
	Level  string
	Format string
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// LoadCoordinator reads CoordinatorConfig from the environment, applying the
// defaults named in the external interface contract.
func LoadCoordinator() (*CoordinatorConfig, error) {
	v := newViper("")
	v.SetDefault("PORT", 8080)
	v.SetDefault("SQLITE_PATH", "./coordinator.db")
	v.SetDefault("ADMIN_API_KEY", "")
	v.SetDefault("AUTH_DISABLED", false)
	v.SetDefault("OIDC_ISSUER", "")
	v.SetDefault("OIDC_AUDIENCE", "")
	v.SetDefault("SWEEP_INTERVAL_SECONDS", 10)
	v.SetDefault("CLAIM_TIMEOUT_SECONDS", 60)
	v.SetDefault("RUN_TIMEOUT_SECONDS", 600)
	v.SetDefault("HEARTBEAT_TIMEOUT_SECONDS", 120)
	v.SetDefault("POLL_TIMEOUT_SECONDS", 30)
	v.SetDefault("NATS_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	cfg := &CoordinatorConfig{
		Port:             v.GetInt("PORT"),
		SQLitePath:       v.GetString("SQLITE_PATH"),
		AdminAPIKey:      v.GetString("ADMIN_API_KEY"),
		AuthDisabled:     v.GetBool("AUTH_DISABLED"),
		OIDCIssuer:       v.GetString("OIDC_ISSUER"),
		OIDCAudience:     v.GetString("OIDC_AUDIENCE"),
		SweepInterval:    time.Duration(v.GetInt("SWEEP_INTERVAL_SECONDS")) * time.Second,
		ClaimTimeout:     time.Duration(v.GetInt("CLAIM_TIMEOUT_SECONDS")) * time.Second,
		RunTimeout:       time.Duration(v.GetInt("RUN_TIMEOUT_SECONDS")) * time.Second,
		HeartbeatTimeout: time.Duration(v.GetInt("HEARTBEAT_TIMEOUT_SECONDS")) * time.Second,
		PollTimeout:      time.Duration(v.GetInt("POLL_TIMEOUT_SECONDS")) * time.Second,
		NATSURL:          v.GetString("NATS_URL"),
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if !cfg.AuthDisabled && cfg.AdminAPIKey == "" && cfg.OIDCIssuer == "" {
		return nil, fmt.Errorf("either ADMIN_API_KEY or OIDC_ISSUER must be set unless AUTH_DISABLED=true")
	}

	return cfg, nil
}

// LoadRunner reads RunnerConfig from the environment.
func LoadRunner() (*RunnerConfig, error) {
	v := newViper("")
	v.SetDefault("COORDINATOR_URL", "http://localhost:8080")
	v.SetDefault("RUNNER_HOSTNAME", "")
	v.SetDefault("RUNNER_PROJECT_DIR", "")
	v.SetDefault("RUNNER_EXECUTOR_TYPE", "")
	v.SetDefault("RUNNER_EXECUTOR_PATH", "")
	v.SetDefault("RUNNER_TAGS", "")
	v.SetDefault("POLL_TIMEOUT_SECONDS", 30)
	v.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 60)
	v.SetDefault("CHECK_INTERVAL_SECONDS", 1)
	v.SetDefault("MAX_CONNECTION_RETRIES", 3)
	v.SetDefault("STOP_GRACE_PERIOD_SECONDS", 5)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")

	tags := v.GetString("RUNNER_TAGS")
	var tagList []string
	if tags != "" {
		for _, t := range strings.Split(tags, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				tagList = append(tagList, t)
			}
		}
	}

	cfg := &RunnerConfig{
		CoordinatorURL:    v.GetString("COORDINATOR_URL"),
		Hostname:          v.GetString("RUNNER_HOSTNAME"),
		ProjectDir:        v.GetString("RUNNER_PROJECT_DIR"),
		ExecutorType:      v.GetString("RUNNER_EXECUTOR_TYPE"),
		ExecutorPath:      v.GetString("RUNNER_EXECUTOR_PATH"),
		Tags:              tagList,
		PollTimeout:       time.Duration(v.GetInt("POLL_TIMEOUT_SECONDS")) * time.Second,
		HeartbeatInterval: time.Duration(v.GetInt("HEARTBEAT_INTERVAL_SECONDS")) * time.Second,
		CheckInterval:     time.Duration(v.GetInt("CHECK_INTERVAL_SECONDS")) * time.Second,
		MaxRetries:        v.GetInt("MAX_CONNECTION_RETRIES"),
		StopGracePeriod:   time.Duration(v.GetInt("STOP_GRACE_PERIOD_SECONDS")) * time.Second,
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if cfg.ExecutorPath == "" {
		return nil, fmt.Errorf("RUNNER_EXECUTOR_PATH must be set")
	}

	return cfg, nil
}
