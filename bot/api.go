package bot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const apiAuthorizationHeader = "Authorization"

// apiServer is the operator HTTP API: read-only visibility into scopes,
// dead letters and alerts, plus a health summary.
type apiServer struct {
	bot        *Bot
	config     *APIConfig
	logger     *slog.Logger
	httpServer *http.Server
	engine     *gin.Engine
}

func newAPIServer(b *Bot, config *APIConfig, log *slog.Logger) *apiServer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(loggerNameKey, "api")

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	if len(config.CORSAllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = config.CORSAllowOrigins
		corsConfig.AllowCredentials = true
		engine.Use(cors.New(corsConfig))
	}

	s := &apiServer{
		bot:    b,
		config: config,
		logger: log,
		engine: engine,
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           engine,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
	}
	s.registerRoutes()
	return s
}

func (s *apiServer) registerRoutes() {
	api := s.engine.Group("/api", s.requireToken())
	api.GET("/health", s.getHealth)
	api.GET("/scopes", s.getScopes)
	api.GET("/scopes/:id", s.getScope)
	api.GET("/deadletters", s.getDeadLetters)
	api.GET("/alerts", s.getAlerts)
}

// requestLogger logs each request with method, path, status and duration.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", c.ClientIP()),
		)
	}
}

// requireToken authenticates requests with a bearer token checked against
// the configured argon2id hash.
func (s *apiServer) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.TokenHash == "" {
			c.AbortWithStatusJSON(
				http.StatusServiceUnavailable,
				gin.H{"error": "api token not configured"},
			)
			return
		}
		header := c.GetHeader(apiAuthorizationHeader)
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "missing bearer token"},
			)
			return
		}
		valid, err := verifyToken(s.config.TokenHash, token)
		if err != nil || !valid {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "invalid token"},
			)
			return
		}
		c.Next()
	}
}

type healthResponse struct {
	DiscordConnected bool            `json:"discord_connected"`
	Scopes           int             `json:"scopes"`
	Normalizer       NormalizerStats `json:"normalizer"`
	Dispatcher       DispatcherStats `json:"dispatcher"`
	Notifier         NotifierStats   `json:"notifier"`
}

func (s *apiServer) getHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthResponse{
			DiscordConnected: s.bot.discord.connected.Load(),
			Scopes:           s.bot.registry.Len(),
			Normalizer:       s.bot.normalizer.Stats(),
			Dispatcher:       s.bot.dispatcher.Stats(),
			Notifier:         s.bot.notifier.Stats(),
		},
	)
}

func (s *apiServer) getScopes(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.registry.Snapshot())
}

func (s *apiServer) getScope(c *gin.Context) {
	scope := s.bot.registry.Get(c.Param("id"))
	if scope == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scope not found"})
		return
	}
	c.JSON(http.StatusOK, scope.Status())
}

func (s *apiServer) getDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := s.bot.notifier.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("error fetching dead letters", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *apiServer) getAlerts(c *gin.Context) {
	var alerts []Alert
	query := s.bot.db.WithContext(c.Request.Context()).Order("due_at")
	if scopeID := c.Query("scope_id"); scopeID != "" {
		query = query.Where("scope_id = ?", scopeID)
	}
	if err := query.Find(&alerts).Error; err != nil {
		s.logger.Error("error fetching alerts", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, alerts)
}

// Serve runs the API server until ctx is canceled, then shuts down
// gracefully.
func (s *apiServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
