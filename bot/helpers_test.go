package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

// gormDB creates a temporary SQLite database for testing purposes.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", strings.ReplaceAll(t.Name(), "/", "_")))

	db, err := CreateDB(
		context.Background(),
		dbfile,
		newLogHandler(defaultLogWriter, slog.LevelWarn),
		DefaultDatabaseSlowThreshold,
	)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

func newTestStore(t testing.TB) *SessionStore {
	t.Helper()
	db := gormDB(t)
	logger := slog.Default().With("test", t.Name())
	return NewSessionStore(db, NewDatabase(db, logger), logger)
}

// mockDiscordSession implements DiscordSessionHandler for tests,
// recording calls and allowing per-method error injection.
type mockDiscordSession struct {
	mu sync.Mutex

	createdChannels []discordgo.GuildChannelCreateData
	deletedChannels []string
	sentMessages    map[string][]string
	sentComplex     map[string][]*discordgo.MessageSend
	responses       []*discordgo.InteractionResponse
	followups       []*discordgo.WebhookParams

	channelCreateErr error
	channelDeleteErr func(channelID string) error

	nextChannelID int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		sentMessages: map[string][]string{},
		sentComplex:  map[string][]*discordgo.MessageSend{},
	}
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMessages[channelID] = append(m.sentMessages[channelID], message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentComplex[channelID] = append(m.sentComplex[channelID], data)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (m *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelCreateErr != nil {
		return nil, m.channelCreateErr
	}
	m.createdChannels = append(m.createdChannels, data)
	m.nextChannelID++
	return &discordgo.Channel{
		ID:      fmt.Sprintf("chan-%d", m.nextChannelID),
		Name:    data.Name,
		GuildID: guildID,
	}, nil
}

func (m *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelDeleteErr != nil {
		if err := m.channelDeleteErr(channelID); err != nil {
			return nil, err
		}
	}
	m.deletedChannels = append(m.deletedChannels, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(string) error { return nil }

func (m *mockDiscordSession) AddHandler(any) func() { return func() {} }

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, data)
	return &discordgo.Message{Content: data.Content}, nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (m *mockDiscordSession) GatewayBot(
	_ ...discordgo.RequestOption,
) (*discordgo.GatewayBotResponse, error) {
	return &discordgo.GatewayBotResponse{}, nil
}

// stubCompletion implements CompletionRequester with a canned reply.
type stubCompletion struct {
	reply string
	err   error

	mu      sync.Mutex
	prompts []string
	history [][]ChatMessage
}

func (s *stubCompletion) SendPrompt(
	_ context.Context,
	history []ChatMessage,
	prompt string,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	s.history = append(s.history, history)
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func testRoomConfig() *Config {
	cfg := DefaultConfig()
	cfg.App.Name = "Test Rooms"
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "app-1"
	cfg.Discord.ChatCategoryID = "category-1"
	return cfg
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "héllo", truncate("héllo world", 5))
}

func TestSplitMessage(t *testing.T) {
	t.Run("short content is untouched", func(t *testing.T) {
		chunks := splitMessage("hello", 10)
		assert.Equal(t, []string{"hello"}, chunks)
	})

	t.Run("long content is chunked under the limit", func(t *testing.T) {
		content := strings.Repeat("line of text\n", 400)
		chunks := splitMessage(content, discordMaxMessageLength)
		assert.Greater(t, len(chunks), 1)
		var rebuilt []string
		for _, chunk := range chunks {
			assert.LessOrEqual(t, len([]rune(chunk)), discordMaxMessageLength)
			rebuilt = append(rebuilt, chunk)
		}
		joined := strings.Join(rebuilt, "\n")
		assert.Equal(
			t,
			strings.ReplaceAll(strings.TrimRight(content, "\n"), "\n", ""),
			strings.ReplaceAll(joined, "\n", ""),
		)
	})

	t.Run("prefers newline boundaries", func(t *testing.T) {
		content := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 10)
		chunks := splitMessage(content, 20)
		assert.Equal(t, strings.Repeat("a", 15), chunks[0])
	})
}
