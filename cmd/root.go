package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/chatrelay/chatrelay"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = chatrelay.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"completion.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// stringSliceKeys are the config keys that may be given as a
// whitespace-separated string in the environment
var stringSliceKeys = []string{
	"completion.api_keys",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "chatrelay [flags]",
	Short: "Discord bot relaying conversations to an OpenAI-compatible chat API",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(viper.GetViper(), cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes v into config. Slices and maps already set on
// config (the defaults) are replaced rather than merged, so a shorter
// list from the environment doesn't keep the default's trailing items.
func unmarshalConfig(v *viper.Viper, config *chatrelay.Config) error {
	return v.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes a level name ("INFO", "debug", ...) into
// a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", chatrelay.DefaultDatabase)
	viper.SetDefault("database_type", chatrelay.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", chatrelay.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", chatrelay.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", chatrelay.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", chatrelay.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", chatrelay.DefaultShutdownTimeout)

	viper.SetDefault("history.size", chatrelay.DefaultHistorySize)
	viper.SetDefault("history.scope", string(chatrelay.ScopeGlobal))
	viper.SetDefault("routing.scope", string(chatrelay.ScopeUser))

	// Completion API
	viper.SetDefault("completion.api_keys", []string{})
	viper.SetDefault("completion.api_keys_file", "")
	viper.SetDefault("completion.base_url", chatrelay.DefaultCompletionBaseURL)
	viper.SetDefault("completion.model", chatrelay.DefaultCompletionModel)
	viper.SetDefault("completion.temperature", chatrelay.DefaultCompletionTemperature)
	viper.SetDefault("completion.max_tokens", chatrelay.DefaultCompletionMaxTokens)
	viper.SetDefault("completion.top_p", chatrelay.DefaultCompletionTopP)
	viper.SetDefault("completion.system_prompt", "")
	viper.SetDefault("completion.log_level", chatrelay.DefaultCompletionLogLevel.String())

	// Nickname classifier
	viper.SetDefault("classifier.enabled", true)
	viper.SetDefault("classifier.model", "")
	viper.SetDefault("classifier.default_threshold", chatrelay.DefaultSeverityThreshold)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", chatrelay.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", chatrelay.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(chatrelay.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.error_message", chatrelay.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.custom_status", chatrelay.DefaultDiscordCustomStatus)

	// Admin API
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", chatrelay.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", chatrelay.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", chatrelay.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", chatrelay.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", chatrelay.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", chatrelay.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", chatrelay.DefaultUITLSMinVersion)

	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", chatrelay.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", chatrelay.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", chatrelay.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_credentials", false)
	viper.SetDefault("api.cors.max_age", chatrelay.DefaultCORSMaxAge)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(chatrelay.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = chatrelay.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
