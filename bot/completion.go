package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrAllProvidersFailed indicates every configured completion provider
// was tried for a prompt and none returned a usable completion.
var ErrAllProvidersFailed = errors.New("all completion providers failed")

const (
	completionRetryMax     = 2
	completionRetryWaitMin = 500 * time.Millisecond
	completionRetryWaitMax = 3 * time.Second
)

// CompletionRequester is the interface [CompletionClient] satisfies,
// here to enable stubbing completions in tests.
type CompletionRequester interface {
	SendPrompt(
		ctx context.Context,
		history []ChatMessage,
		prompt string,
	) (string, error)
}

// CompletionClient sends chat prompts to OpenAI-compatible endpoints.
// Providers are tried in their configured order until one returns a
// completion. If a proxy pool is loaded, each request goes out through
// the currently selected proxy, which is re-rolled after any failed
// provider call.
type CompletionClient struct {
	config    *CompletionConfig
	providers []CompletionProvider
	limiter   *rate.Limiter
	logger    *slog.Logger

	// httpClient, if set, is used for all provider requests and proxy
	// selection is skipped. Tests use this.
	httpClient *http.Client

	proxyMu      sync.Mutex
	proxies      []string
	currentProxy string

	rand *rand.Rand
}

// NewCompletionClient creates a CompletionClient from the given config,
// loading the proxy pool if one is configured.
func NewCompletionClient(
	config *CompletionConfig,
	log *slog.Logger,
) (*CompletionClient, error) {
	if config == nil {
		return nil, errors.New("nil completion config")
	}
	if len(config.Providers) == 0 {
		return nil, errors.New("no completion providers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(loggerNameKey, "completion")

	providers := make([]CompletionProvider, len(config.Providers))
	copy(providers, config.Providers)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if config.ShuffleProviders {
		rng.Shuffle(
			len(providers), func(i, j int) {
				providers[i], providers[j] = providers[j], providers[i]
			},
		)
	}

	proxies, err := config.LoadProxies()
	if err != nil {
		return nil, err
	}
	if len(proxies) > 0 {
		logger.Info("loaded proxy pool", "proxy_count", len(proxies))
	}

	maxRPS := config.MaxRequestsPerSecond
	if maxRPS <= 0 {
		maxRPS = DefaultCompletionMaxRequestsPerSecond
	}

	c := &CompletionClient{
		config:    config,
		providers: providers,
		limiter:   rate.NewLimiter(rate.Limit(maxRPS), 1),
		logger:    logger,
		proxies:   proxies,
		rand:      rng,
	}
	c.rotateProxy()
	return c, nil
}

// Providers returns the provider order this client tries.
func (c *CompletionClient) Providers() []CompletionProvider {
	providers := make([]CompletionProvider, len(c.providers))
	copy(providers, c.providers)
	return providers
}

// CurrentProxy returns the proxy the next request will use, or an empty
// string when no pool is loaded.
func (c *CompletionClient) CurrentProxy() string {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	return c.currentProxy
}

// rotateProxy picks a new random proxy from the pool. No-op when the
// pool is empty.
func (c *CompletionClient) rotateProxy() {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	if len(c.proxies) == 0 {
		return
	}
	c.currentProxy = c.proxies[c.rand.Intn(len(c.proxies))]
}

// newHTTPClient returns the HTTP client provider requests go through,
// with retries and, when a pool is loaded, the current proxy.
func (c *CompletionClient) newHTTPClient() (*http.Client, error) {
	if c.httpClient != nil {
		return c.httpClient, nil
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = completionRetryMax
	retryClient.RetryWaitMin = completionRetryWaitMin
	retryClient.RetryWaitMax = completionRetryWaitMax
	retryClient.Logger = nil

	proxy := c.CurrentProxy()
	if proxy != "" {
		proxyURL, err := url.Parse("http://" + proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		retryClient.HTTPClient.Transport = &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		}
	}
	return retryClient.StandardClient(), nil
}

// SendPrompt sends the given prompt, preceded by the session's chat
// history, to each provider in order and returns the first completion.
// The configured request timeout bounds the entire attempt sequence.
func (c *CompletionClient) SendPrompt(
	ctx context.Context,
	history []ChatMessage,
	prompt string,
) (string, error) {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("error waiting for rate limiter: %w", err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
			},
		)
	}
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		},
	)

	var errs []error
	for _, provider := range c.providers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		content, err := c.requestCompletion(ctx, provider, messages)
		if err == nil {
			c.logger.InfoContext(
				ctx,
				"completion succeeded",
				"provider", provider.Name,
				"response_length", len(content),
			)
			return content, nil
		}
		c.logger.WarnContext(
			ctx,
			"provider failed",
			tint.Err(err),
			"provider", provider.Name,
		)
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name, err))
		c.rotateProxy()
	}

	return "", fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}

// requestCompletion sends one chat completion request to one provider.
func (c *CompletionClient) requestCompletion(
	ctx context.Context,
	provider CompletionProvider,
	messages []openai.ChatCompletionMessage,
) (string, error) {
	httpClient, err := c.newHTTPClient()
	if err != nil {
		return "", err
	}

	cfg := openai.DefaultConfig(provider.Token)
	if provider.BaseURL != "" {
		cfg.BaseURL = provider.BaseURL
	}
	cfg.HTTPClient = httpClient
	client := openai.NewClientWithConfig(cfg)

	model := provider.Model
	if model == "" {
		model = DefaultCompletionModel
	}

	started := time.Now()
	resp, err := client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
		},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", errors.New("empty completion content")
	}

	c.logger.DebugContext(
		ctx,
		"completion request finished",
		"provider", provider.Name,
		"model", model,
		"duration", time.Since(started),
	)
	return content, nil
}
