//nolint:lll // struct tags can't be split
package bot

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"log/slog"
)

const (
	EnvvarSetEnvPrefix = "CHATROOM_ENV_PREFIX"
	DefaultEnvPrefix   = "CHATROOM"

	DefaultDatabase              = "chatrooms.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultCompletionLogLevel    = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultSessionIdleThreshold = 30 * time.Minute
	DefaultSweepInterval        = 30 * time.Minute

	DefaultCompletionTimeout              = 10 * time.Second
	DefaultCompletionMaxRequestsPerSecond = 1
	DefaultCompletionModel                = "gpt-3.5-turbo"

	// Room chat relay requires the privileged message content intent
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentMessageContent
	DefaultDiscordCustomStatus  = "managing chat rooms"
	DefaultDiscordStartupMessage = "I'm here!"

	DefaultAPIListen        = "127.0.0.1:5000"
	defaultListenNetwork    = "tcp"
	DefaultReadTimeout      = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
	DefaultCORSMaxAge       = 12 * time.Hour
	discordMaxMessageLength = 2000
)

// Config is the full static configuration for the bot. Values are loaded
// from a YAML file, .env file and CHATROOM_* environment variables by the
// cmd package.
type Config struct {
	// App holds branding fields used in embeds and the panel message
	App AppConfig `yaml:"app" mapstructure:"app" json:"app"`

	// Database is the SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// LogFile, if set, mirrors log output into a rotating file at this path
	LogFile string `yaml:"log_file" mapstructure:"log_file" json:"log_file"`

	// Discord configures the bot user, target guild/category and room permissions
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Completion configures the upstream completion providers and proxy pool
	Completion *CompletionConfig `yaml:"completion" mapstructure:"completion" json:"completion"`

	// Sessions configures room idle expiry
	Sessions *SessionConfig `yaml:"sessions" mapstructure:"sessions" json:"sessions"`

	// API configures the read-only status HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// AppConfig holds branding fields shown in embeds
type AppConfig struct {
	Name string `yaml:"name" mapstructure:"name" json:"name"`
	URL  string `yaml:"url" mapstructure:"url" json:"url"`
	Logo string `yaml:"logo" mapstructure:"logo" json:"logo"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// ChatCategoryID is the category new room channels are created under
	ChatCategoryID string `yaml:"chat_category_id" mapstructure:"chat_category_id" json:"chat_category_id"`

	// LogsChannelID, if set, receives the startup message when the gateway connects
	LogsChannelID string `yaml:"logs_channel_id" mapstructure:"logs_channel_id" json:"logs_channel_id"`

	// HideRoleIDs lists role IDs explicitly denied access to new rooms,
	// in addition to @everyone
	HideRoleIDs []string `yaml:"hide_role_ids" mapstructure:"hide_role_ids" json:"hide_role_ids"`

	// StartupMessage is sent to LogsChannelID on gateway connect, if both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot user's custom status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// CompletionProvider identifies one upstream completion backend candidate.
// Providers are tried in order until one succeeds.
type CompletionProvider struct {
	// Name is only used for logging
	Name string `yaml:"name" mapstructure:"name" json:"name"`

	// BaseURL is the OpenAI-compatible API base (ex: "https://host/v1")
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model to request from this provider
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// Token is an optional bearer token - many of the free/reversed
	// endpoints accept anything here
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
}

// CompletionConfig configures the upstream completion client
type CompletionConfig struct {
	// Providers are tried in sequence until one returns a completion
	Providers []CompletionProvider `yaml:"providers" mapstructure:"providers" json:"providers"`

	// ShuffleProviders randomizes provider order at client construction
	ShuffleProviders bool `yaml:"shuffle_providers" mapstructure:"shuffle_providers" json:"shuffle_providers"`

	// ProxyFile is a path to a file with one proxy (host:port) per line.
	// When set, outbound completion requests are routed through a proxy
	// chosen at random, re-rolled after a failed call.
	ProxyFile string `yaml:"proxy_file" mapstructure:"proxy_file" json:"proxy_file"`

	// RequestTimeout bounds a single SendPrompt call, across all providers
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`

	// MaxRequestsPerSecond rate-limits outbound completion requests
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// Completion client log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// SessionConfig configures room idle expiry
type SessionConfig struct {
	// IdleThreshold is how long a session may go unused before the
	// sweeper reaps it
	IdleThreshold time.Duration `yaml:"idle_threshold" mapstructure:"idle_threshold" json:"idle_threshold"`

	// SweepInterval is how often the sweeper runs
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`
}

// APIConfig configures the read-only status HTTP server
type APIConfig struct {
	// Enabled determines whether the status server runs at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
)

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	completionLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	completionLogLevel.Set(DefaultCompletionLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Completion: &CompletionConfig{
			RequestTimeout:       DefaultCompletionTimeout,
			MaxRequestsPerSecond: DefaultCompletionMaxRequestsPerSecond,
			LogLevel:             completionLogLevel,
		},
		Sessions: &SessionConfig{
			IdleThreshold: DefaultSessionIdleThreshold,
			SweepInterval: DefaultSweepInterval,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			LogLevel:      apiLogLevel,
			ReadTimeout:   DefaultReadTimeout,
			WriteTimeout:  DefaultWriteTimeout,
			IdleTimeout:   DefaultIdleTimeout,
			CORS:          DefaultCORSConfig(),
		},
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  defaultMethods,
		AllowHeaders:  defaultHeaders,
		ExposeHeaders: []string{"Content-Type", "Content-Length"},
		MaxAge:        DefaultCORSMaxAge,
	}
}

// Validate checks required fields. Any error returned here is fatal at
// startup - nothing is partially initialized.
func (c *Config) Validate() error {
	var errs []error
	if c.Discord == nil || c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if c.Discord == nil || c.Discord.ApplicationID == "" {
		errs = append(errs, errors.New("discord.application_id is required"))
	}
	if c.Completion == nil || len(c.Completion.Providers) == 0 {
		errs = append(errs, errors.New("completion.providers must list at least one provider"))
	}
	if c.Sessions != nil && c.Sessions.IdleThreshold <= 0 {
		errs = append(errs, errors.New("sessions.idle_threshold must be > 0"))
	}
	if c.Sessions != nil && c.Sessions.SweepInterval <= 0 {
		errs = append(errs, errors.New("sessions.sweep_interval must be > 0"))
	}
	return errors.Join(errs...)
}

// LoadProxies reads the configured proxy file, one host:port per line.
// Blank lines and '#' comments are skipped. A missing ProxyFile setting
// returns an empty pool, not an error.
func (c *CompletionConfig) LoadProxies() ([]string, error) {
	if c.ProxyFile == "" {
		return nil, nil
	}
	f, err := os.Open(c.ProxyFile)
	if err != nil {
		return nil, fmt.Errorf("error opening proxy file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading proxy file: %w", err)
	}
	return proxies, nil
}
