package cmd

import (
	"log/slog"
	"testing"
	"time"

	"github.com/kWAYTV/chatgpt-discord-bot/bot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshalConfig(t testing.TB) *bot.Config {
	t.Helper()
	cfg := bot.DefaultConfig()
	err := viper.Unmarshal(
		cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)
	return cfg
}

func TestInitConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	initConfig()
	cfg := unmarshalConfig(t)

	assert.Equal(t, bot.DefaultDatabase, cfg.Database)
	assert.Equal(t, bot.DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, bot.DefaultShutdownTimeout, cfg.ShutdownTimeout)

	require.NotNil(t, cfg.Sessions)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.SweepInterval)

	require.NotNil(t, cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())

	require.NotNil(t, cfg.API)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, bot.DefaultAPIListen, cfg.API.Listen)
}

func TestInitConfigEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("CHATROOM_DISCORD_TOKEN", "env-token")
	t.Setenv("CHATROOM_DISCORD_APPLICATION_ID", "env-app-id")
	t.Setenv("CHATROOM_DATABASE", "/tmp/env-test.sqlite3")
	t.Setenv("CHATROOM_LOG_LEVEL", "DEBUG")
	t.Setenv("CHATROOM_SESSIONS_IDLE_THRESHOLD", "45m")

	initConfig()
	cfg := unmarshalConfig(t)

	assert.Equal(t, "env-token", cfg.Discord.Token)
	assert.Equal(t, "env-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "/tmp/env-test.sqlite3", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 45*time.Minute, cfg.Sessions.IdleThreshold)
}

func TestLevelToStringHook(t *testing.T) {
	lvl, err := getLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	_, err = getLogLevel("LOUD")
	assert.Error(t, err)

	levelVar, err := levelStringToLevelVar("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, levelVar.Level())
}
