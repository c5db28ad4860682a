// backend/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/utils"
)

type ServerConfig struct {
	Port string `yaml:"port" env:"APL_SERVER_PORT"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver" env:"APL_DB_DRIVER"` // "mysql" or "sqlite"
	Host         string `yaml:"host" env:"APL_DB_HOST"`
	Port         string `yaml:"port" env:"APL_DB_PORT"`
	User         string `yaml:"user" env:"APL_DB_USER"`
	Password     string `yaml:"password" env:"APL_DB_PASSWORD"`
	DBName       string `yaml:"dbname" env:"APL_DB_NAME"`
	Path         string `yaml:"path" env:"APL_DB_PATH"` // sqlite file
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"APL_LOG_LEVEL"`
	Format string `yaml:"format" env:"APL_LOG_FORMAT"` // "json" or "console"
}

type RedisConfig struct {
	Addr       string        `yaml:"addr" env:"APL_REDIS_ADDR"`
	Password   string        `yaml:"password" env:"APL_REDIS_PASSWORD"`
	DB         int           `yaml:"db"`
	LockTTLStr string        `yaml:"lock_ttl"`
	LockTTL    time.Duration `yaml:"-"`
}

type WorkerConfig struct {
	UserAgent          string        `yaml:"user_agent"`
	RunTimeoutStr      string        `yaml:"run_timeout"`
	DownloadTimeoutStr string        `yaml:"download_timeout"`
	CommitTimeoutStr   string        `yaml:"commit_timeout"`
	InitialBackoffStr  string        `yaml:"initial_backoff"`
	MaxBackoffStr      string        `yaml:"max_backoff"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RunOnStartup       bool          `yaml:"run_on_startup"`
	RunTimeout         time.Duration `yaml:"-"`
	DownloadTimeout    time.Duration `yaml:"-"`
	CommitTimeout      time.Duration `yaml:"-"`
	InitialBackoff     time.Duration `yaml:"-"`
	MaxBackoff         time.Duration `yaml:"-"`
}

type SESConfig struct {
	Region string   `yaml:"region"`
	From   string   `yaml:"from"`
	To     []string `yaml:"to"`
}

type AlertsConfig struct {
	WebhookURL                  string        `yaml:"webhook_url" env:"APL_ALERT_WEBHOOK_URL"`
	SES                         SESConfig     `yaml:"ses"`
	ConsecutiveFailureThreshold int           `yaml:"consecutive_failure_threshold"`
	StaleAfterStr               string        `yaml:"stale_after"`
	StaleAfter                  time.Duration `yaml:"-"`
}

type ArchiveConfig struct {
	Type       string `yaml:"type"` // "", "local" or "s3"
	LocalDir   string `yaml:"local_dir"`
	S3Bucket   string `yaml:"s3_bucket" env:"APL_ARCHIVE_BUCKET"`
	S3Region   string `yaml:"s3_region"`
	S3Prefix   string `yaml:"s3_prefix"`
	AWSProfile string `yaml:"aws_profile" env:"AWS_PROFILE"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SourceConfig describes one upstream feed.
type SourceConfig struct {
	Name                  string              `yaml:"name"`
	State                 string              `yaml:"state"`
	DataSource            string              `yaml:"data_source"`
	URL                   string              `yaml:"url"`
	LocalPath             string              `yaml:"local_path"`
	LandingPage           string              `yaml:"landing_page"`
	LinkSelector          string              `yaml:"link_selector"`
	EffectiveDateSelector string              `yaml:"effective_date_selector"`
	Format                string              `yaml:"format"` // csv, tsv, psv, xlsx; inferred when empty
	Sheet                 string              `yaml:"sheet"`
	Mapping               string              `yaml:"mapping"` // built-in field map name
	ColumnOverrides       map[string][]string `yaml:"column_overrides"`
	Headers               map[string]string   `yaml:"headers"`
	Username              string              `yaml:"username"`
	Password              string              `yaml:"password"`
	Cron                  string              `yaml:"cron"`
	ExpectedMinEntries    int                 `yaml:"expected_min_entries"`
	ExpectedMaxEntries    int                 `yaml:"expected_max_entries"`
	SkipUnchanged         bool                `yaml:"skip_unchanged"`
	EffectiveDateStr      string              `yaml:"effective_date"`
	EffectiveDate         *time.Time          `yaml:"-"`
}

type DyeBanConfig struct {
	State            string     `yaml:"state"`
	EffectiveFromStr string     `yaml:"effective_from"`
	ExtraKeywords    []string   `yaml:"extra_keywords"`
	EffectiveFrom    *time.Time `yaml:"-"`
}

type ContractConfig struct {
	State    string    `yaml:"state"`
	Category string    `yaml:"category"` // substring matched against the benefit category
	Brand    string    `yaml:"brand"`
	StartStr string    `yaml:"start"`
	EndStr   string    `yaml:"end"`
	Start    time.Time `yaml:"-"`
	End      time.Time `yaml:"-"`
}

type RolloutPhaseConfig struct {
	State      string        `yaml:"state"`
	Name       string        `yaml:"name"`
	StartStr   string        `yaml:"start"`
	EndStr     string        `yaml:"end"`
	CadenceStr string        `yaml:"cadence"`
	Start      time.Time     `yaml:"-"`
	End        time.Time     `yaml:"-"`
	Cadence    time.Duration `yaml:"-"`
}

type PolicyConfig struct {
	DefaultCadenceStr string               `yaml:"default_cadence"`
	DyeBans           []DyeBanConfig       `yaml:"dye_bans"`
	Contracts         []ContractConfig     `yaml:"contracts"`
	RolloutPhases     []RolloutPhaseConfig `yaml:"rollout_phases"`
	DefaultCadence    time.Duration        `yaml:"-"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Policy   PolicyConfig   `yaml:"policy"`
	Sources  []SourceConfig `yaml:"sources"`
}

// AppConfig is the configuration loaded at startup. It is read once; changes require a restart.
var AppConfig Config

const dateLayout = "2006-01-02"

// LoadConfig reads configuration from the YAML file, then applies a .env file
// (if present) and environment variable overrides.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		potentialPaths := []string{
			"config.yaml",
			"config/config.yaml",
			"./backend/config/config.yaml",
		}
		for _, p := range potentialPaths {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
		if configPath == "" {
			return nil, fmt.Errorf("config.yaml not found in standard locations")
		}
	}

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(file)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = *cfg
	return cfg, nil
}

// Parse decodes YAML bytes, parses duration and date strings and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolve() error {
	var err error
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Worker.UserAgent == "" {
		c.Worker.UserAgent = "aplsync/1.0 (+approved-product-list ingestion)"
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 4
	}
	if c.Alerts.ConsecutiveFailureThreshold <= 0 {
		c.Alerts.ConsecutiveFailureThreshold = 3
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"redis.lock_ttl", c.Redis.LockTTLStr, &c.Redis.LockTTL, 45 * time.Minute},
		{"worker.run_timeout", c.Worker.RunTimeoutStr, &c.Worker.RunTimeout, 30 * time.Minute},
		{"worker.download_timeout", c.Worker.DownloadTimeoutStr, &c.Worker.DownloadTimeout, 60 * time.Second},
		{"worker.commit_timeout", c.Worker.CommitTimeoutStr, &c.Worker.CommitTimeout, 5 * time.Minute},
		{"worker.initial_backoff", c.Worker.InitialBackoffStr, &c.Worker.InitialBackoff, 30 * time.Second},
		{"worker.max_backoff", c.Worker.MaxBackoffStr, &c.Worker.MaxBackoff, 10 * time.Minute},
		{"alerts.stale_after", c.Alerts.StaleAfterStr, &c.Alerts.StaleAfter, 7 * 24 * time.Hour},
		{"policy.default_cadence", c.Policy.DefaultCadenceStr, &c.Policy.DefaultCadence, 7 * 24 * time.Hour},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		if *d.dst, err = time.ParseDuration(d.raw); err != nil {
			return fmt.Errorf("failed to parse %s: %w", d.name, err)
		}
	}

	for i := range c.Sources {
		s := &c.Sources[i]
		s.State = utils.NormalizeStateCode(s.State)
		s.DataSource = strings.ToLower(strings.TrimSpace(s.DataSource))
		if s.Name == "" {
			s.Name = strings.ToLower(s.State) + "-" + s.DataSource
		}
		if s.EffectiveDateStr != "" {
			t, err := time.Parse(dateLayout, s.EffectiveDateStr)
			if err != nil {
				return fmt.Errorf("source %s: failed to parse effective_date: %w", s.Name, err)
			}
			s.EffectiveDate = &t
		}
	}

	for i := range c.Policy.DyeBans {
		d := &c.Policy.DyeBans[i]
		d.State = strings.ToUpper(d.State)
		if d.EffectiveFromStr != "" {
			t, err := time.Parse(dateLayout, d.EffectiveFromStr)
			if err != nil {
				return fmt.Errorf("dye ban %s: failed to parse effective_from: %w", d.State, err)
			}
			d.EffectiveFrom = &t
		}
	}
	for i := range c.Policy.Contracts {
		k := &c.Policy.Contracts[i]
		k.State = strings.ToUpper(k.State)
		if k.Start, err = time.Parse(dateLayout, k.StartStr); err != nil {
			return fmt.Errorf("contract %s/%s: failed to parse start: %w", k.State, k.Brand, err)
		}
		if k.End, err = time.Parse(dateLayout, k.EndStr); err != nil {
			return fmt.Errorf("contract %s/%s: failed to parse end: %w", k.State, k.Brand, err)
		}
	}
	for i := range c.Policy.RolloutPhases {
		p := &c.Policy.RolloutPhases[i]
		p.State = strings.ToUpper(p.State)
		if p.Start, err = time.Parse(dateLayout, p.StartStr); err != nil {
			return fmt.Errorf("rollout phase %s: failed to parse start: %w", p.Name, err)
		}
		if p.End, err = time.Parse(dateLayout, p.EndStr); err != nil {
			return fmt.Errorf("rollout phase %s: failed to parse end: %w", p.Name, err)
		}
		p.Cadence = 24 * time.Hour
		if p.CadenceStr != "" {
			if p.Cadence, err = time.ParseDuration(p.CadenceStr); err != nil {
				return fmt.Errorf("rollout phase %s: failed to parse cadence: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want mysql or sqlite", c.Database.Driver))
	}
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if s.State == "" || s.DataSource == "" {
			errs = append(errs, fmt.Errorf("source %s: state and data_source are required", s.Name))
		} else {
			if !utils.IsValidState(s.State) {
				errs = append(errs, fmt.Errorf("source %s: unrecognized state %q", s.Name, s.State))
			}
			if !models.DataSource(s.DataSource).Valid() {
				errs = append(errs, fmt.Errorf("source %s: unknown data_source %q", s.Name, s.DataSource))
			}
		}
		if s.URL == "" && s.LocalPath == "" && s.LandingPage == "" {
			errs = append(errs, fmt.Errorf("source %s: one of url, local_path or landing_page is required", s.Name))
		}
		if s.ExpectedMaxEntries > 0 && s.ExpectedMinEntries > s.ExpectedMaxEntries {
			errs = append(errs, fmt.Errorf("source %s: expected_min_entries exceeds expected_max_entries", s.Name))
		}
		key := s.State + "/" + s.DataSource
		if seen[key] {
			errs = append(errs, fmt.Errorf("source %s: duplicate state/data_source %s", s.Name, key))
		}
		seen[key] = true
	}
	for _, k := range c.Policy.Contracts {
		if !k.End.After(k.Start) {
			errs = append(errs, fmt.Errorf("contract %s/%s: end must be after start", k.State, k.Brand))
		}
	}
	for _, p := range c.Policy.RolloutPhases {
		if !p.End.After(p.Start) {
			errs = append(errs, fmt.Errorf("rollout phase %s: end must be after start", p.Name))
		}
	}
	return errors.Join(errs...)
}

// Source returns the configured source for a state and data source tag.
func (c *Config) Source(state, dataSource string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if strings.EqualFold(s.State, state) && strings.EqualFold(s.DataSource, dataSource) {
			return s, true
		}
	}
	return SourceConfig{}, false
}
