// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Ops        OpsConfig        `mapstructure:"ops"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Session    SessionConfig    `mapstructure:"session"`
	Credential CredentialConfig `mapstructure:"credential"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	DB         DBConfig         `mapstructure:"db"`
	Spool      SpoolConfig      `mapstructure:"spool"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// OpsConfig controls the operational HTTP server.
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

// PipelineConfig governs the orchestrator's run behavior.
type PipelineConfig struct {
	ExternalCallTimeoutSeconds int  `mapstructure:"external_call_timeout_seconds"`
	BlacklistPermanentFailures bool `mapstructure:"blacklist_permanent_failures"`
}

// ScheduleConfig defines the daily trigger set.
type ScheduleConfig struct {
	PrepTime           string   `mapstructure:"prep_time"`
	PublishSlots       []string `mapstructure:"publish_slots"`
	WakeSeconds        int      `mapstructure:"wake_seconds"`
	GraceWindowMinutes int      `mapstructure:"grace_window_minutes"`
}

// SessionConfig tunes the login-session state machine.
type SessionConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds"`
	MaxLoginAttempts    int  `mapstructure:"max_login_attempts"`
	FailureThreshold    int  `mapstructure:"failure_threshold"`
}

// CredentialConfig controls the credential lifecycle manager. Identity and
// Secret are normally supplied through the environment, never the file.
type CredentialConfig struct {
	Service            string `mapstructure:"service"`
	TokenDir           string `mapstructure:"token_dir"`
	Identity           string `mapstructure:"identity"`
	Secret             string `mapstructure:"secret"`
	MaxRefreshAttempts int    `mapstructure:"max_refresh_attempts"`
	BackoffInitialMs   int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int    `mapstructure:"backoff_max_ms"`
	ExpirySkewMinutes  int    `mapstructure:"expiry_skew_minutes"`
}

// SourcesConfig locates the durable source list.
type SourcesConfig struct {
	Path string `mapstructure:"path"`
}

// DBConfig controls access to the relational database. When the DSN is
// empty the in-memory stores are used instead.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	LedgerTable   string `mapstructure:"ledger_table"`
	ScheduleTable string `mapstructure:"schedule_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

// SpoolConfig sets the blob store for fetched payloads.
type SpoolConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for the event fan-out topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TransportConfig configures the operator command channel.
type TransportConfig struct {
	AllowedIssuers []int64 `mapstructure:"allowed_issuers"`
}

// FetchConfig configures the listing fetch collaborator.
type FetchConfig struct {
	UserAgent          string  `mapstructure:"user_agent"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	SourceQPS          float64 `mapstructure:"source_qps"`
	ListingURLTemplate string  `mapstructure:"listing_url_template"`
	MaxItemsPerSource  int     `mapstructure:"max_items_per_source"`
}

// ScraperConfig configures the headless browser session collaborator.
type ScraperConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	LoginPath         string `mapstructure:"login_path"`
	ItemsPath         string `mapstructure:"items_path"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	Headless          bool   `mapstructure:"headless"`
	UserAgent         string `mapstructure:"user_agent"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REELPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ops.port", 8080)
	v.SetDefault("pipeline.external_call_timeout_seconds", 60)
	v.SetDefault("pipeline.blacklist_permanent_failures", false)
	v.SetDefault("schedule.prep_time", "22:00")
	v.SetDefault("schedule.publish_slots", []string{"06:00", "12:00", "17:00"})
	v.SetDefault("schedule.wake_seconds", 60)
	v.SetDefault("schedule.grace_window_minutes", 2)
	v.SetDefault("session.enabled", false)
	v.SetDefault("session.poll_interval_seconds", 60)
	v.SetDefault("session.max_login_attempts", 3)
	v.SetDefault("session.failure_threshold", 3)
	v.SetDefault("credential.service", "publisher")
	v.SetDefault("credential.token_dir", ".reelpipe/tokens")
	v.SetDefault("credential.max_refresh_attempts", 3)
	v.SetDefault("credential.backoff_initial_ms", 500)
	v.SetDefault("credential.backoff_max_ms", 10000)
	v.SetDefault("credential.expiry_skew_minutes", 10)
	v.SetDefault("sources.path", ".reelpipe/sources.json")
	v.SetDefault("db.ledger_table", "ledger_entries")
	v.SetDefault("db.schedule_table", "schedule_entries")
	v.SetDefault("spool.provider", "local")
	v.SetDefault("spool.local_dir", ".reelpipe/spool")
	v.SetDefault("spool.prefix", "payloads")
	v.SetDefault("spool.content_type", "video/mp4")
	v.SetDefault("fetch.user_agent", "reelpipe-bot/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.source_qps", 1.0)
	v.SetDefault("fetch.max_items_per_source", 20)
	v.SetDefault("scraper.nav_timeout_seconds", 25)
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.user_agent", "reelpipe-bot/0.1")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0")
	}
	if c.Pipeline.ExternalCallTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.external_call_timeout_seconds must be > 0")
	}
	if c.Session.PollIntervalSeconds <= 0 {
		return fmt.Errorf("session.poll_interval_seconds must be > 0")
	}
	if c.Session.FailureThreshold <= 0 {
		return fmt.Errorf("session.failure_threshold must be > 0")
	}
	if len(c.Schedule.PublishSlots) == 0 {
		return fmt.Errorf("schedule.publish_slots must not be empty")
	}
	switch c.Spool.Provider {
	case "gcs":
		if c.Spool.GCSBucket == "" {
			return fmt.Errorf("spool.gcs_bucket must be set when spool.provider is gcs")
		}
	case "local", "memory":
	default:
		return fmt.Errorf("unknown spool provider: %s", c.Spool.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// ExternalCallTimeout converts the configured timeout into a duration.
func (c Config) ExternalCallTimeout() time.Duration {
	return time.Duration(c.Pipeline.ExternalCallTimeoutSeconds) * time.Second
}
