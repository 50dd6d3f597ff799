// Package config resolves the gateway configuration from defaults, an
// optional config file and AETHERDOCK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aetherdock/backend/internal/fleet"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "AETHERDOCK"
	configName = "aetherdock"
)

type Config struct {
	Addr      string          `mapstructure:"addr"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Actions   ActionsConfig   `mapstructure:"actions"`
	Session   SessionConfig   `mapstructure:"session"`
	DB        DBConfig        `mapstructure:"db"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Log       LogConfig       `mapstructure:"log"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Static    StaticConfig    `mapstructure:"static"`
}

type DockerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host string `mapstructure:"host"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StatsConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type LogsConfig struct {
	Tail int `mapstructure:"tail"`
}

type ActionsConfig struct {
	Policy  string        `mapstructure:"policy"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type DBConfig struct {
	// Path of the SQLite journal. Empty disables the journal.
	Path string `mapstructure:"path"`
}

type JournalConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	MaxRows       int           `mapstructure:"max_rows"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type StaticConfig struct {
	Dir string `mapstructure:"dir"`
}

// SetDefaults registers every key so that environment overrides resolve
// even when no config file is present.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("docker.host", "")
	v.SetDefault("reconcile.interval", fleet.DefaultReconcileInterval.String())
	v.SetDefault("reconcile.timeout", fleet.DefaultReconcileTimeout.String())
	v.SetDefault("stats.interval", fleet.DefaultStatsInterval.String())
	v.SetDefault("stats.min_interval", fleet.MinStatsInterval.String())
	v.SetDefault("logs.tail", fleet.DefaultLogTail)
	v.SetDefault("actions.policy", string(fleet.PolicyQueue))
	v.SetDefault("actions.timeout", fleet.DefaultActionTimeout.String())
	v.SetDefault("session.buffer", fleet.DefaultSessionBuffer)
	v.SetDefault("db.path", "/data/aetherdock.db")
	v.SetDefault("journal.retention", "168h")
	v.SetDefault("journal.max_rows", 10000)
	v.SetDefault("journal.prune_interval", "10m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("static.dir", "")
}

// Prepare wires defaults, environment lookup and the config file into v.
// An explicit path must exist; otherwise aetherdock.{yaml,toml,json} is
// looked up in the working directory and /etc/aetherdock and may be absent.
func Prepare(v *viper.Viper, path string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aetherdock")
	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

// Load prepares v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	if err := Prepare(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if _, err := fleet.ParseDispatchPolicy(c.Actions.Policy); err != nil {
		return fmt.Errorf("actions.policy: %w", err)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	positive := map[string]time.Duration{
		"reconcile.interval": c.Reconcile.Interval,
		"reconcile.timeout":  c.Reconcile.Timeout,
		"stats.interval":     c.Stats.Interval,
		"stats.min_interval": c.Stats.MinInterval,
		"actions.timeout":    c.Actions.Timeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Journal.Retention < 0 || c.Journal.MaxRows < 0 || c.Journal.PruneInterval < 0 {
		return errors.New("journal settings must not be negative")
	}
	if c.Logs.Tail < 0 {
		return fmt.Errorf("logs.tail must not be negative, got %d", c.Logs.Tail)
	}
	if c.Session.Buffer <= 0 {
		return fmt.Errorf("session.buffer must be positive, got %d", c.Session.Buffer)
	}
	return nil
}

// EngineOptions maps the configuration onto engine options. journal may be
// nil.
func (c Config) EngineOptions(journal fleet.Journal) fleet.Options {
	policy, _ := fleet.ParseDispatchPolicy(c.Actions.Policy)
	tail := c.Logs.Tail
	return fleet.Options{
		ReconcileInterval: c.Reconcile.Interval,
		ReconcileTimeout:  c.Reconcile.Timeout,
		StatsInterval:     c.Stats.Interval,
		MinStatsInterval:  c.Stats.MinInterval,
		LogTail:           &tail,
		ActionPolicy:      policy,
		ActionTimeout:     c.Actions.Timeout,
		SessionBuffer:     c.Session.Buffer,
		Journal:           journal,
	}
}
