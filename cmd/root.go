package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kWAYTV/chatgpt-discord-bot/bot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = bot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "chatgpt-discord-bot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
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

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// during viper unmarshaling.
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

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
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
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", bot.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		bot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		bot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", bot.DefaultLogLevel.String())
	viper.SetDefault("log_file", "")

	viper.SetDefault("startup_timeout", bot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", bot.DefaultShutdownTimeout)

	// App branding
	viper.SetDefault("app.name", "ChatGPT")
	viper.SetDefault("app.url", "")
	viper.SetDefault("app.logo", "")

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.chat_category_id", "")
	viper.SetDefault("discord.logs_channel_id", "")
	viper.SetDefault("discord.hide_role_ids", []string{})
	viper.SetDefault("discord.startup_message", bot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", bot.DefaultDiscordCustomStatus)
	viper.SetDefault(
		"discord.log_level",
		bot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		bot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		bot.DefaultDiscordGatewayIntent,
	)

	// Completion config
	viper.SetDefault("completion.shuffle_providers", false)
	viper.SetDefault("completion.proxy_file", "")
	viper.SetDefault("completion.request_timeout", bot.DefaultCompletionTimeout)
	viper.SetDefault(
		"completion.max_requests_per_second",
		bot.DefaultCompletionMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"completion.log_level",
		bot.DefaultCompletionLogLevel.String(),
	)

	// Session expiry
	viper.SetDefault("sessions.idle_threshold", bot.DefaultSessionIdleThreshold)
	viper.SetDefault("sessions.sweep_interval", bot.DefaultSweepInterval)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", bot.DefaultAPIListen)
	viper.SetDefault("api.log_level", bot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", bot.DefaultReadTimeout)
	viper.SetDefault("api.write_timeout", bot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", bot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", bot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", bot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", bot.DefaultCORSMaxAge)

	envPrefix := os.Getenv(bot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = bot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"discord.hide_role_ids",
		viper.GetStringSlice("discord.hide_role_ids"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"completion.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
