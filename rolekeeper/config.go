//nolint:lll // struct tags can't be split
package rolekeeper

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "ROLEKEEPER_ENV_PREFIX"
	DefaultEnvPrefix   = "RK"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "rolekeeper.sqlite3"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultSweepInterval is how often the scheduler checks for due
	// delayed-role queue entries and expired temporary grants.
	DefaultSweepInterval = time.Minute

	// DefaultSweepMaxAttempts caps role-mutation retries for a single queue
	// entry. Once exceeded, the entry is cancelled with a failure reason
	// instead of retrying forever.
	DefaultSweepMaxAttempts = 5

	// DefaultReassignmentRetention is how long a departed member's role
	// snapshot is kept for restoration on rejoin.
	DefaultReassignmentRetention = 30 * 24 * time.Hour

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	// DefaultRoleMutationsPerSecond paces calls to the Discord role
	// endpoints, which share a tight per-guild rate limit.
	DefaultRoleMutationsPerSecond = 2

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers
	DefaultDiscordStartupMessage = "Role automation online!"
)

// Config is the static (start-time) configuration for a RoleKeeper instance.
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

	// Discord configures the bot connection itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// SweepInterval is the interval between scheduler sweeps
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`

	// SweepMaxAttempts is the maximum number of role-mutation attempts for
	// a single delayed-role queue entry before it's cancelled
	SweepMaxAttempts int `yaml:"sweep_max_attempts" mapstructure:"sweep_max_attempts" json:"sweep_max_attempts"`

	// ReassignmentRetention is how long a leaving member's role snapshot
	// is kept before it's discarded
	ReassignmentRetention time.Duration `yaml:"reassignment_retention" mapstructure:"reassignment_retention" json:"reassignment_retention"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID restricts the bot to a single guild when set. Leave empty to
	// serve every guild the bot is a member of.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotificationChannelID, when set, receives operator-facing messages
	// (startup notices, sweep failures surfaced for visibility)
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID whenever the bot
	// connects to the discord gateway, if both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Must include guild member intents for
	// join/leave tracking. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// RoleMutationsPerSecond paces role add/remove API calls
	RoleMutationsPerSecond float64 `yaml:"role_mutations_per_second" mapstructure:"role_mutations_per_second" json:"role_mutations_per_second"`

	httpClient *http.Client
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		SweepInterval:         DefaultSweepInterval,
		SweepMaxAttempts:      DefaultSweepMaxAttempts,
		ReassignmentRetention: DefaultReassignmentRetention,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:         DefaultDiscordGatewayIntent,
			LogLevel:               discordLogLevel,
			DiscordGoLogLevel:      discordgoLogLevel,
			StartupMessage:         DefaultDiscordStartupMessage,
			RoleMutationsPerSecond: DefaultRoleMutationsPerSecond,
		},
	}
}
