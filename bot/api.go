package bot

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck   = "/health"
	apiPathSessions  = "/api/sessions"
	apiPathProviders = "/api/providers"
)

// API is a small read-only status server. It exposes health and the
// current session table, nothing that mutates state.
type API struct {
	bot        *ChatRoomBot
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// GINConfig converts the CORS settings to a gin-contrib config.
func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

func newAPI(b *ChatRoomBot, config *APIConfig) *API {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		bot:    b,
		config: config,
		engine: r,
		logger: slog.New(
			newLogHandler(newLogWriter(b.config.LogFile), config.LogLevel),
		).With(loggerNameKey, "api"),
	}

	api.httpServer = &http.Server{
		Addr:         config.Listen,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	r.Use(
		gin.Recovery(),
		api.loggingMiddleware(),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathSessions, api.getSessions)
	r.GET(apiPathProviders, api.getProviders)

	return api
}

// Serve listens on the configured address until ctx is canceled.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return err
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api server", tint.Err(err))
		}
	}()

	return a.httpServer.Serve(a.listener)
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"started_at":        a.bot.startedAt,
			"uptime":            time.Since(a.bot.startedAt).String(),
			"discord_connected": a.bot.discord.connected.Load(),
		},
	)
}

// getSessions returns the session table. Chat history content is never
// exposed here.
func (a *API) getSessions(c *gin.Context) {
	if a.bot.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
		return
	}
	sessions, err := a.bot.store.Sessions(c.Request.Context())
	if err != nil {
		a.logger.Error("error listing sessions", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// getProviders returns the configured provider order, without tokens.
func (a *API) getProviders(c *gin.Context) {
	client, ok := a.bot.completion.(*CompletionClient)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"providers": []string{}})
		return
	}
	providers := client.Providers()
	names := make([]gin.H, 0, len(providers))
	for _, p := range providers {
		names = append(
			names, gin.H{
				"name":     p.Name,
				"base_url": p.BaseURL,
				"model":    p.Model,
			},
		)
	}
	c.JSON(http.StatusOK, gin.H{"providers": names})
}
