package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completionRequestLog struct {
	mu       sync.Mutex
	order    []string
	payloads []map[string]any
}

func (l *completionRequestLog) record(name string, body map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, name)
	l.payloads = append(l.payloads, body)
}

func (l *completionRequestLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.order...)
}

// completionServer returns an httptest server that responds to chat
// completion requests with the given content, or a 500 when content is
// empty.
func completionServer(
	t testing.TB,
	name string,
	content string,
	log *completionRequestLog,
) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				_ = json.NewDecoder(r.Body).Decode(&body)
				log.record(name, body)

				if content == "" {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(
					map[string]any{
						"id":     "chatcmpl-test",
						"object": "chat.completion",
						"model":  "gpt-3.5-turbo",
						"choices": []map[string]any{
							{
								"index": 0,
								"message": map[string]any{
									"role":    "assistant",
									"content": content,
								},
								"finish_reason": "stop",
							},
						},
					},
				)
			},
		),
	)
	t.Cleanup(server.Close)
	return server
}

func newTestCompletionClient(
	t testing.TB,
	config *CompletionConfig,
) *CompletionClient {
	t.Helper()
	client, err := NewCompletionClient(config, nil)
	require.NoError(t, err)
	// skip the retrying transport so failures return immediately
	client.httpClient = http.DefaultClient
	return client
}

func TestSendPromptProviderFallback(t *testing.T) {
	t.Parallel()
	reqLog := &completionRequestLog{}
	broken := completionServer(t, "broken", "", reqLog)
	backup := completionServer(t, "backup", "hello from backup", reqLog)

	client := newTestCompletionClient(
		t, &CompletionConfig{
			Providers: []CompletionProvider{
				{Name: "broken", BaseURL: broken.URL + "/v1"},
				{Name: "backup", BaseURL: backup.URL + "/v1"},
			},
			RequestTimeout:       10 * time.Second,
			MaxRequestsPerSecond: 100,
		},
	)

	reply, err := client.SendPrompt(context.Background(), nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello from backup", reply)
	assert.Equal(t, []string{"broken", "backup"}, reqLog.names())
}

func TestSendPromptFirstProviderWins(t *testing.T) {
	t.Parallel()
	reqLog := &completionRequestLog{}
	primary := completionServer(t, "primary", "primary says hi", reqLog)
	backup := completionServer(t, "backup", "backup says hi", reqLog)

	client := newTestCompletionClient(
		t, &CompletionConfig{
			Providers: []CompletionProvider{
				{Name: "primary", BaseURL: primary.URL + "/v1"},
				{Name: "backup", BaseURL: backup.URL + "/v1"},
			},
			RequestTimeout:       10 * time.Second,
			MaxRequestsPerSecond: 100,
		},
	)

	reply, err := client.SendPrompt(context.Background(), nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "primary says hi", reply)
	assert.Equal(t, []string{"primary"}, reqLog.names())
}

func TestSendPromptAllProvidersFailed(t *testing.T) {
	t.Parallel()
	reqLog := &completionRequestLog{}
	brokenA := completionServer(t, "broken-a", "", reqLog)
	brokenB := completionServer(t, "broken-b", "", reqLog)

	client := newTestCompletionClient(
		t, &CompletionConfig{
			Providers: []CompletionProvider{
				{Name: "broken-a", BaseURL: brokenA.URL + "/v1"},
				{Name: "broken-b", BaseURL: brokenB.URL + "/v1"},
			},
			RequestTimeout:       10 * time.Second,
			MaxRequestsPerSecond: 100,
		},
	)

	_, err := client.SendPrompt(context.Background(), nil, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, []string{"broken-a", "broken-b"}, reqLog.names())
}

func TestSendPromptIncludesHistory(t *testing.T) {
	t.Parallel()
	reqLog := &completionRequestLog{}
	server := completionServer(t, "primary", "ok", reqLog)

	client := newTestCompletionClient(
		t, &CompletionConfig{
			Providers: []CompletionProvider{
				{Name: "primary", BaseURL: server.URL + "/v1", Model: "test-model"},
			},
			RequestTimeout:       10 * time.Second,
			MaxRequestsPerSecond: 100,
		},
	)

	history := []ChatMessage{
		{Role: MessageRoleUser, Content: "earlier question"},
		{Role: MessageRoleAssistant, Content: "earlier answer"},
	}
	_, err := client.SendPrompt(context.Background(), history, "new question")
	require.NoError(t, err)

	require.Len(t, reqLog.payloads, 1)
	payload := reqLog.payloads[0]
	assert.Equal(t, "test-model", payload["model"])

	messages, ok := payload["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)
	last, ok := messages[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", last["role"])
	assert.Equal(t, "new question", last["content"])
}

func TestSendPromptTimeout(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				time.Sleep(500 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			},
		),
	)
	t.Cleanup(server.Close)

	client := newTestCompletionClient(
		t, &CompletionConfig{
			Providers: []CompletionProvider{
				{Name: "slow", BaseURL: server.URL + "/v1"},
			},
			RequestTimeout:       50 * time.Millisecond,
			MaxRequestsPerSecond: 100,
		},
	)

	start := time.Now()
	_, err := client.SendPrompt(context.Background(), nil, "hi")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 450*time.Millisecond)
}

func TestProviderOrderPreserved(t *testing.T) {
	t.Parallel()
	config := &CompletionConfig{
		Providers: []CompletionProvider{
			{Name: "one", BaseURL: "http://one.invalid/v1"},
			{Name: "two", BaseURL: "http://two.invalid/v1"},
			{Name: "three", BaseURL: "http://three.invalid/v1"},
		},
	}
	client, err := NewCompletionClient(config, nil)
	require.NoError(t, err)

	providers := client.Providers()
	require.Len(t, providers, 3)
	assert.Equal(t, "one", providers[0].Name)
	assert.Equal(t, "two", providers[1].Name)
	assert.Equal(t, "three", providers[2].Name)
}

func TestProxyRotation(t *testing.T) {
	t.Parallel()
	client, err := NewCompletionClient(
		&CompletionConfig{
			Providers: []CompletionProvider{
				{Name: "one", BaseURL: "http://one.invalid/v1"},
			},
		}, nil,
	)
	require.NoError(t, err)
	client.proxies = []string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"}

	client.rotateProxy()
	current := client.CurrentProxy()
	assert.Contains(t, client.proxies, current)

	httpClient, err := client.newHTTPClient()
	require.NoError(t, err)
	assert.NotNil(t, httpClient)
}
