package cmd

import (
	"bytes"
	"testing"

	"github.com/kWAYTV/chatgpt-discord-bot/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := bot.Version
	originalCommitSHA := bot.CommitSHA
	originalBuildTime := bot.BuildTime
	t.Cleanup(
		func() {
			bot.Version = originalVersion
			bot.CommitSHA = originalCommitSHA
			bot.BuildTime = originalBuildTime
		},
	)

	bot.Version = "1.0.0"
	bot.CommitSHA = "abc123"
	bot.BuildTime = "2024-10-01T12:00:00Z"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())
	assert.NotNil(t, versionCmd)
}
