package bot

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)

	require.NotNil(t, cfg.Sessions)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.SweepInterval)

	require.NotNil(t, cfg.Completion)
	assert.Equal(t, DefaultCompletionTimeout, cfg.Completion.RequestTimeout)
	assert.False(t, cfg.Completion.ShuffleProviders)

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)

	require.NotNil(t, cfg.API)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.False(t, cfg.API.Enabled)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("missing required fields", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.ErrorContains(t, err, "discord.token")
		assert.ErrorContains(t, err, "discord.application_id")
		assert.ErrorContains(t, err, "completion.providers")
	})

	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Discord.Token = "token"
		cfg.Discord.ApplicationID = "app-id"
		cfg.Completion.Providers = []CompletionProvider{
			{Name: "one", BaseURL: "https://example.com/v1"},
		}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad session durations", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Discord.Token = "token"
		cfg.Discord.ApplicationID = "app-id"
		cfg.Completion.Providers = []CompletionProvider{
			{Name: "one", BaseURL: "https://example.com/v1"},
		}
		cfg.Sessions.IdleThreshold = 0
		cfg.Sessions.SweepInterval = -time.Minute
		err := cfg.Validate()
		require.Error(t, err)
		assert.ErrorContains(t, err, "idle_threshold")
		assert.ErrorContains(t, err, "sweep_interval")
	})
}

func TestLoadProxies(t *testing.T) {
	t.Parallel()

	t.Run("no file configured", func(t *testing.T) {
		cfg := &CompletionConfig{}
		proxies, err := cfg.LoadProxies()
		require.NoError(t, err)
		assert.Empty(t, proxies)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		cfg := &CompletionConfig{ProxyFile: "/does/not/exist.txt"}
		_, err := cfg.LoadProxies()
		assert.Error(t, err)
	})

	t.Run("skips comments and blank lines", func(t *testing.T) {
		proxyFile := filepath.Join(t.TempDir(), "proxies.txt")
		content := `# proxy pool
10.0.0.1:8080

10.0.0.2:3128
  10.0.0.3:8080
# trailing comment
`
		require.NoError(t, os.WriteFile(proxyFile, []byte(content), 0644))

		cfg := &CompletionConfig{ProxyFile: proxyFile}
		proxies, err := cfg.LoadProxies()
		require.NoError(t, err)
		assert.Equal(
			t,
			[]string{"10.0.0.1:8080", "10.0.0.2:3128", "10.0.0.3:8080"},
			proxies,
		)
	})
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"

	val := structToSlogValue(cfg.Discord)
	var tokenValue string
	for _, attr := range val.Group() {
		if attr.Key == "token" {
			tokenValue = attr.Value.String()
		}
	}
	assert.Equal(t, "[redacted]", tokenValue)
	assert.NotContains(t, val.String(), "super-secret-token")
}
