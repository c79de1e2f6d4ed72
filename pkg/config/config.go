// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and TXGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/hed1ad/txguard/pkg/alert"
	"github.com/hed1ad/txguard/pkg/dedup"
	"github.com/hed1ad/txguard/pkg/detectors"
	"github.com/hed1ad/txguard/pkg/model"
	"github.com/hed1ad/txguard/pkg/monitor"
)

// EnvPrefix prefixes every environment override, e.g. TXGUARD_SERVER_ADDR.
const EnvPrefix = "TXGUARD"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Model    ModelConfig    `mapstructure:"model"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Alert    AlertConfig    `mapstructure:"alert"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ModelConfig struct {
	ArtifactPath  string        `mapstructure:"artifact_path"`
	MinSamples    int           `mapstructure:"min_samples"`
	Contamination float64       `mapstructure:"contamination"`
	Trees         int           `mapstructure:"trees"`
	SampleRatio   float64       `mapstructure:"sample_ratio"`
	Seed          int64         `mapstructure:"seed"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type DedupConfig struct {
	Tolerance string        `mapstructure:"tolerance"`
	Window    time.Duration `mapstructure:"window"`
}

type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	BestEffortAlerts bool          `mapstructure:"best_effort_alerts"`
	AutoStart        bool          `mapstructure:"auto_start"`
	FeedSize         int           `mapstructure:"feed_size"`
}

// AlertConfig holds the journal location and mail settings. When
// ConfigFile is set, mail settings are read from that JSON file instead.
type AlertConfig struct {
	JournalPath string        `mapstructure:"journal_path"`
	ConfigFile  string        `mapstructure:"config_file"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Mail        alert.Config  `mapstructure:",squash"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.path", "data/txguard.db")

	v.SetDefault("model.artifact_path", "data/model.txgm")
	v.SetDefault("model.min_samples", model.DefaultMinSamples)
	v.SetDefault("model.contamination", detectors.DefaultConfig().Contamination)
	v.SetDefault("model.trees", detectors.DefaultConfig().Trees)
	v.SetDefault("model.sample_ratio", detectors.DefaultConfig().SampleRatio)
	v.SetDefault("model.seed", detectors.DefaultConfig().RandomSeed)
	v.SetDefault("model.retry_backoff", model.DefaultConfig().RetryBackoff)

	v.SetDefault("dedup.tolerance", dedup.DefaultTolerance.String())
	v.SetDefault("dedup.window", dedup.DefaultWindow)

	v.SetDefault("monitor.interval", monitor.DefaultInterval)
	v.SetDefault("monitor.batch_size", monitor.DefaultBatchSize)
	v.SetDefault("monitor.best_effort_alerts", false)
	v.SetDefault("monitor.auto_start", false)
	v.SetDefault("monitor.feed_size", monitor.DefaultFeedSize)

	v.SetDefault("alert.journal_path", "fraud_alerts.log")
	v.SetDefault("alert.config_file", "")
	v.SetDefault("alert.timeout", alert.DefaultTimeout)
	v.SetDefault("alert.sender_email", "")
	v.SetDefault("alert.smtp_server", "")
	v.SetDefault("alert.smtp_port", 0)
	v.SetDefault("alert.username", "")
	v.SetDefault("alert.password", "")
	v.SetDefault("alert.recipients", []string{})
	v.SetDefault("alert.dashboard_url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration into v. file may be empty, in which case
// ./txguard.yaml is used if present.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("txguard")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Alert.ConfigFile != "" {
		mail, err := alert.LoadConfig(cfg.Alert.ConfigFile)
		if err != nil {
			return nil, err
		}
		if mail.DashboardURL == "" {
			mail.DashboardURL = cfg.Alert.Mail.DashboardURL
		}
		cfg.Alert.Mail = mail
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Alert.Timeout <= 0 {
		return fmt.Errorf("alert.timeout must be positive, got %s", c.Alert.Timeout)
	}
	if c.Model.Contamination <= 0 || c.Model.Contamination > 0.5 {
		return fmt.Errorf("model.contamination must be in (0, 0.5], got %g", c.Model.Contamination)
	}
	if c.Model.Trees <= 0 {
		return fmt.Errorf("model.trees must be positive, got %d", c.Model.Trees)
	}
	if c.Model.SampleRatio <= 0 || c.Model.SampleRatio > 1 {
		return fmt.Errorf("model.sample_ratio must be in (0, 1], got %g", c.Model.SampleRatio)
	}
	if c.Model.MinSamples < 2 {
		return fmt.Errorf("model.min_samples must be at least 2, got %d", c.Model.MinSamples)
	}
	if _, err := c.DedupPolicy(); err != nil {
		return err
	}
	return nil
}

// ModelSettings converts the model section.
func (c *Config) ModelSettings() model.Config {
	return model.Config{
		Detector: detectors.Config{
			Contamination: c.Model.Contamination,
			Trees:         c.Model.Trees,
			SampleRatio:   c.Model.SampleRatio,
			RandomSeed:    c.Model.Seed,
		},
		MinSamples:   c.Model.MinSamples,
		RetryBackoff: c.Model.RetryBackoff,
	}
}

// DedupPolicy converts the dedup section.
func (c *Config) DedupPolicy() (dedup.Config, error) {
	tol, err := decimal.NewFromString(strings.TrimSpace(c.Dedup.Tolerance))
	if err != nil {
		return dedup.Config{}, fmt.Errorf("dedup.tolerance %q: %w", c.Dedup.Tolerance, err)
	}
	if !tol.IsPositive() {
		return dedup.Config{}, fmt.Errorf("dedup.tolerance must be positive, got %s", tol)
	}
	if c.Dedup.Window <= 0 {
		return dedup.Config{}, fmt.Errorf("dedup.window must be positive, got %s", c.Dedup.Window)
	}
	return dedup.Config{Tolerance: tol, Window: c.Dedup.Window}, nil
}
