//nolint:lll // struct tags can't be split
package chatrelay

import (
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "CHATRELAY_ENV_PREFIX"
	DefaultEnvPrefix      = "CR"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "chatrelay.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultCompletionBaseURL     = "https://api.groq.com/openai/v1"
	DefaultCompletionModel       = "mixtral-8x7b-32768"
	DefaultCompletionTemperature = 0.05
	DefaultCompletionMaxTokens   = 32768
	DefaultCompletionTopP        = 1
	DefaultCompletionLogLevel    = slog.LevelInfo

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultUITLSMinVersion   = tls.VersionTLS12

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers
	DefaultDiscordLogLevel     = slog.LevelWarn
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordErrorMessage = "An error occurred."
	DefaultDiscordCustomStatus = "/ask me anything!"
	discordMaxMessageLength    = 2000

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	defaultListenNetwork         = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodDelete,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string (or sqlite file path) for the audit log
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to connect to discord and
	// register commands
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=1s"`

	History    *HistoryConfig    `yaml:"history" mapstructure:"history" json:"history" binding:"required"`
	Routing    *RoutingConfig    `yaml:"routing" mapstructure:"routing" json:"routing" binding:"required"`
	Completion *CompletionConfig `yaml:"completion" mapstructure:"completion" json:"completion" binding:"required"`
	Classifier *ClassifierConfig `yaml:"classifier" mapstructure:"classifier" json:"classifier" binding:"required"`
	Discord    *DiscordConfig    `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	API        *APIConfig        `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// HistoryConfig configures conversation history buffers
type HistoryConfig struct {
	// Size is the number of entries kept per conversation
	Size int `yaml:"size" mapstructure:"size" json:"size" binding:"min=1"`

	// Scope decides which events share a history buffer
	Scope Scope `yaml:"scope" mapstructure:"scope" json:"scope" binding:"oneof=global user guild"`
}

// RoutingConfig configures how `/talk` reply channels are keyed
type RoutingConfig struct {
	Scope Scope `yaml:"scope" mapstructure:"scope" json:"scope" binding:"oneof=user guild"`
}

// CompletionConfig configures the OpenAI-compatible completion API
type CompletionConfig struct {
	// APIKeys is the credential pool. One is chosen at random per request.
	APIKeys []string `yaml:"api_keys" mapstructure:"api_keys" json:"api_keys" log:"[redacted]"`

	// APIKeysFile is a path to a JSON array of API keys, appended to APIKeys
	APIKeysFile string `yaml:"api_keys_file" mapstructure:"api_keys_file" json:"api_keys_file"`

	// BaseURL of the OpenAI-compatible API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	Model       string  `yaml:"model" mapstructure:"model" json:"model" binding:"required"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=0"`
	TopP        float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p" binding:"min=0,max=1"`

	// SystemPrompt, if set, is sent as the first message of every request.
	// It's never stored in history.
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Credentials returns the non-empty configured API keys, from both
// APIKeys and APIKeysFile.
func (c *CompletionConfig) Credentials() ([]string, error) {
	keys := make([]string, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if c.APIKeysFile != "" {
		fileKeys, err := loadAPIKeysFile(c.APIKeysFile)
		if err != nil {
			return nil, err
		}
		for _, k := range fileKeys {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	return keys, nil
}

// ClassifierConfig configures the nickname severity classifier
type ClassifierConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Model used for classification. Defaults to CompletionConfig.Model.
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// DefaultThreshold applies to guilds without a `/severity` setting
	DefaultThreshold int `yaml:"default_threshold" mapstructure:"default_threshold" json:"default_threshold" binding:"min=1,max=5"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// ErrorMessage is shown to users when a reply couldn't be generated
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// CustomStatus is shown as the bot's custom status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret required as a bearer token for /api endpoints. If empty,
	// /api endpoints are not mounted, unless Development is set, in which
	// case they're served without authentication.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. If no cert is set, the API is served
	// over plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development sets gin to debug mode, allows any CORS origin and
	// serves pprof under /debug
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
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

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:  append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders: append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:        DefaultCORSMaxAge,
	}
}

// Validate checks the config against its `binding` tags
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	completionLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	completionLogLevel.Set(DefaultCompletionLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		History: &HistoryConfig{
			Size:  DefaultHistorySize,
			Scope: ScopeGlobal,
		},
		Routing: &RoutingConfig{Scope: ScopeUser},
		Completion: &CompletionConfig{
			BaseURL:     DefaultCompletionBaseURL,
			Model:       DefaultCompletionModel,
			Temperature: DefaultCompletionTemperature,
			MaxTokens:   DefaultCompletionMaxTokens,
			TopP:        DefaultCompletionTopP,
			LogLevel:    completionLogLevel,
		},
		Classifier: &ClassifierConfig{
			Enabled:          true,
			DefaultThreshold: DefaultSeverityThreshold,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			ErrorMessage:      DefaultDiscordErrorMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
