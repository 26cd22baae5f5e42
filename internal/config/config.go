// Package config loads eventlogd and evlog configuration through viper:
// defaults, then an optional YAML file, then environment variables
// (eventlog.segment_size → EVENTLOG_SEGMENT_SIZE).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

// Config is the full configuration tree.
type Config struct {
	EventLog struct {
		Dir               string `mapstructure:"dir"`
		SegmentSize       int    `mapstructure:"segment_size"`
		SnapshotEvery     int    `mapstructure:"snapshot_every"`
		RetentionSegments int    `mapstructure:"retention_segments"`
		MaxExportEvents   int    `mapstructure:"max_export_events"`
		MaxReplayEvents   int    `mapstructure:"max_replay_events"`
	} `mapstructure:"eventlog"`

	Server struct {
		Port            int      `mapstructure:"port"`
		GRPCPort        int      `mapstructure:"grpc_port"`
		CORSOrigins     []string `mapstructure:"cors_origins"`
		RateLimitRPS    int      `mapstructure:"rate_limit_rps"`
		AdminSecretHash string   `mapstructure:"admin_secret_hash"`
		TokenTTLSeconds int      `mapstructure:"token_ttl_seconds"`
		Issuer          string   `mapstructure:"issuer"`
	} `mapstructure:"server"`

	Identity struct {
		KeyDir string `mapstructure:"key_dir"`
	} `mapstructure:"identity"`

	Backup struct {
		Dir  string `mapstructure:"dir"`
		Sign bool   `mapstructure:"sign"`
	} `mapstructure:"backup"`

	Health struct {
		CheckInterval time.Duration `mapstructure:"check_interval"`
		FullEvery     int           `mapstructure:"full_every"`
	} `mapstructure:"health"`

	Recorder struct {
		FailureBuffer int `mapstructure:"failure_buffer"`
	} `mapstructure:"recorder"`

	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`

	Mirror struct {
		SyncInterval time.Duration `mapstructure:"sync_interval"`
		BatchSize    int           `mapstructure:"batch_size"`
	} `mapstructure:"mirror"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("eventlog.dir", "data/eventlog")
	v.SetDefault("eventlog.segment_size", eventlog.DefaultSegmentSize)
	v.SetDefault("eventlog.snapshot_every", eventlog.DefaultSnapshotEvery)
	v.SetDefault("eventlog.retention_segments", 0)
	v.SetDefault("eventlog.max_export_events", eventlog.DefaultMaxExportEvents)
	v.SetDefault("eventlog.max_replay_events", eventlog.DefaultMaxReplayEvents)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.admin_secret_hash", "")
	v.SetDefault("server.token_ttl_seconds", 3600)
	v.SetDefault("server.issuer", "eventlogd")

	v.SetDefault("identity.key_dir", "keys")

	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.sign", true)

	v.SetDefault("health.check_interval", "5m")
	v.SetDefault("health.full_every", 12)

	v.SetDefault("recorder.failure_buffer", 50)

	v.SetDefault("database.url", "")
	v.SetDefault("mirror.sync_interval", "30s")
	v.SetDefault("mirror.batch_size", 500)
}

// New returns a viper instance with defaults and environment overrides
// wired, reading file when non-empty or eventlogd.yaml from configs/ or the
// working directory otherwise.
func New(file string) *viper.Viper {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("eventlogd")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration. A missing config file is logged and ignored; a
// malformed one is an error.
func Load(file string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := New(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || file != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", v.ConfigFileUsed()))
	}
	return Decode(v)
}

// Decode unmarshals v into a Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// EventLogConfig converts the eventlog section for eventlog.Open.
func (c *Config) EventLogConfig() eventlog.Config {
	return eventlog.Config{
		Dir:               c.EventLog.Dir,
		SegmentSize:       c.EventLog.SegmentSize,
		SnapshotEvery:     c.EventLog.SnapshotEvery,
		RetentionSegments: c.EventLog.RetentionSegments,
		MaxExportEvents:   c.EventLog.MaxExportEvents,
		MaxReplayEvents:   c.EventLog.MaxReplayEvents,
	}
}

// TokenTTL returns the operator token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Server.TokenTTLSeconds) * time.Second
}
