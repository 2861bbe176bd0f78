//nolint:lll // struct tags can't be split
package bot

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "DISCORD_BOT_ENV_PREFIX"
	DefaultEnvPrefix   = "BOT"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "discord-bot.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultIntakeSize        = 512
	DefaultDedupWindowSize   = 2048
	DefaultLaneSize          = 16
	DefaultWorkerPoolSize    = 32
	DefaultScopeIdleTimeout  = 30 * time.Minute
	DefaultEvictionInterval  = time.Minute
	DefaultConfigCacheTTL    = 5 * time.Minute
	DefaultStoreMaxAttempts  = 4
	DefaultStoreRetryInitial = 250 * time.Millisecond
	DefaultStoreRetryMax     = 5 * time.Second

	DefaultNotifyMaxAttempts   = 5
	DefaultNotifyRetryInitial  = 5 * time.Second
	DefaultNotifyRetryMax      = 5 * time.Minute
	DefaultNotifyPollInterval  = time.Second
	DefaultNotifyRatePerSecond = 5

	DefaultAlertSweepInterval = 5 * time.Minute
	DefaultAlertFirstReminder = 72 * time.Hour
	DefaultAlertLastReminder  = 24 * time.Hour

	DefaultMailPollInterval = 5 * time.Minute

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordCustomStatus  = "/alert and /config"
	DefaultDiscordStartupMsg    = "I'm here!"
	discordMaxMessageLength     = 2000
)

// Config is the top-level bot configuration, loaded via viper in cmd/.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds bot initialization. If it elapses, startup aborts.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Dispatch configures event intake and the per-scope lanes
	Dispatch *DispatchConfig `yaml:"dispatch" mapstructure:"dispatch" json:"dispatch"`

	// Store configures the per-scope config store and its cache
	Store *StoreConfig `yaml:"store" mapstructure:"store" json:"store"`

	// Notify configures the outbound notification gateway
	Notify *NotifyConfig `yaml:"notify" mapstructure:"notify" json:"notify"`

	// Alert configures the reminder feature
	Alert *AlertConfig `yaml:"alert" mapstructure:"alert" json:"alert"`

	// Mail configures inbound mail forwarding
	Mail *MailConfig `yaml:"mail" mapstructure:"mail" json:"mail"`

	// Discord configures the Discord connection itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the operator API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`
}

// DispatchConfig configures event intake, the dedup window and the
// per-scope lane behavior.
type DispatchConfig struct {
	// Size of the channel between the gateway adapter and the normalizer
	IntakeSize int `yaml:"intake_size" mapstructure:"intake_size" json:"intake_size" binding:"min=1"`

	// Number of recent delivery IDs remembered for duplicate suppression
	DedupWindowSize int `yaml:"dedup_window_size" mapstructure:"dedup_window_size" json:"dedup_window_size" binding:"min=1"`

	// Maximum number of events buffered per scope. Submissions beyond this
	// are rejected with ErrScopeBusy.
	LaneSize int `yaml:"lane_size" mapstructure:"lane_size" json:"lane_size" binding:"min=1"`

	// Maximum number of lanes drained concurrently
	WorkerPoolSize int `yaml:"worker_pool_size" mapstructure:"worker_pool_size" json:"worker_pool_size" binding:"min=1"`

	// Scopes idle longer than this are eligible for eviction
	ScopeIdleTimeout time.Duration `yaml:"scope_idle_timeout" mapstructure:"scope_idle_timeout" json:"scope_idle_timeout"`

	// Interval between idle-scope eviction sweeps
	EvictionInterval time.Duration `yaml:"eviction_interval" mapstructure:"eviction_interval" json:"eviction_interval"`
}

// StoreConfig configures the state store adapter.
type StoreConfig struct {
	// Bounded staleness window for cached config entries
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" json:"cache_ttl"`

	// Attempt ceiling for transient store failures
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	// Initial retry delay
	RetryInitial time.Duration `yaml:"retry_initial" mapstructure:"retry_initial" json:"retry_initial"`

	// Retry delay ceiling
	RetryMax time.Duration `yaml:"retry_max" mapstructure:"retry_max" json:"retry_max"`
}

// NotifyConfig configures the notification gateway scheduler.
type NotifyConfig struct {
	// Attempt ceiling before a job is dead-lettered
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	// Initial reschedule delay after a transient delivery failure
	RetryInitial time.Duration `yaml:"retry_initial" mapstructure:"retry_initial" json:"retry_initial"`

	// Reschedule delay ceiling
	RetryMax time.Duration `yaml:"retry_max" mapstructure:"retry_max" json:"retry_max"`

	// Interval between due-job polls
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval"`

	// Outbound deliveries allowed per second, across all sinks
	RatePerSecond int `yaml:"rate_per_second" mapstructure:"rate_per_second" json:"rate_per_second" binding:"min=1"`
}

// AlertConfig configures the /alert reminder feature.
type AlertConfig struct {
	// ChannelID is the channel reminders are sent to
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// RoleID is mentioned in reminder messages
	RoleID string `yaml:"role_id" mapstructure:"role_id" json:"role_id"`

	// FirstReminder is how far before the alert date the first reminder fires
	FirstReminder time.Duration `yaml:"first_reminder" mapstructure:"first_reminder" json:"first_reminder"`

	// LastReminder is how far before the alert date the final reminder fires
	LastReminder time.Duration `yaml:"last_reminder" mapstructure:"last_reminder" json:"last_reminder"`

	// SweepInterval is the interval between reminder sweeps
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`
}

// MailConfig configures inbound mail forwarding.
type MailConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// URL of the inbound mailbox
	URL string `yaml:"url" mapstructure:"url" json:"url" log:"[redacted]" binding:"required_if=Enabled true"`

	// ChannelID is the channel new mail is forwarded to
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"required_if=Enabled true"`

	// PollInterval is the interval between mailbox polls
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotificationChannelID receives the startup message, when set
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on gateway connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot's custom status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// APIConfig configures the operator API server.
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// Argon2id hash of the operator bearer token
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" json:"token_hash" log:"[redacted]"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Allowed CORS origins; empty disables cross-origin access
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`

	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// Validate checks the configuration against its binding tags.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.SetTagName("binding")
	return validate.Struct(c)
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Dispatch: &DispatchConfig{
			IntakeSize:       DefaultIntakeSize,
			DedupWindowSize:  DefaultDedupWindowSize,
			LaneSize:         DefaultLaneSize,
			WorkerPoolSize:   DefaultWorkerPoolSize,
			ScopeIdleTimeout: DefaultScopeIdleTimeout,
			EvictionInterval: DefaultEvictionInterval,
		},
		Store: &StoreConfig{
			CacheTTL:     DefaultConfigCacheTTL,
			MaxAttempts:  DefaultStoreMaxAttempts,
			RetryInitial: DefaultStoreRetryInitial,
			RetryMax:     DefaultStoreRetryMax,
		},
		Notify: &NotifyConfig{
			MaxAttempts:   DefaultNotifyMaxAttempts,
			RetryInitial:  DefaultNotifyRetryInitial,
			RetryMax:      DefaultNotifyRetryMax,
			PollInterval:  DefaultNotifyPollInterval,
			RatePerSecond: DefaultNotifyRatePerSecond,
		},
		Alert: &AlertConfig{
			FirstReminder: DefaultAlertFirstReminder,
			LastReminder:  DefaultAlertLastReminder,
			SweepInterval: DefaultAlertSweepInterval,
		},
		Mail: &MailConfig{
			PollInterval: DefaultMailPollInterval,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			StartupMessage:    DefaultDiscordStartupMsg,
			CustomStatus:      DefaultDiscordCustomStatus,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
