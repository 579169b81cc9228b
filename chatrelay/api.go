package chatrelay

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	apiPrefix                  = "/api"
	apiHealthCheck             = "/healthz"
	apiMetrics                 = "/metrics"
	pprofPrefix                = "/debug"
	apiPathHistory             = "/history"
	apiPathHistoryKey          = "/history/:key"
	apiPathHistoryForget       = "/history/:key/forget"
	apiPathRoutes              = "/routes"
	apiPathSeverityThreshold   = "/guilds/:id/severity_threshold"
	apiPathCompletionLogs      = "/logs/completions"
	apiPathNicknameReviewLogs  = "/logs/nickname_reviews"
	apiPathRegisterCommands    = "/discord/register_commands"
	apiPathQuit                = "/quit"
	apiQueryLimit              = "limit"
	apiQueryConversationKey    = "key"
	apiQueryGuildID            = "guild_id"
	bearerPrefix               = "Bearer "
	registerCommandsAPITimeout = 30 * time.Second
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

// API is the admin HTTP server
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes for the admin API.
//
// /healthz and /metrics are always served. The /api group is only
// mounted when config.Secret is set, or in development mode, where pprof
// is also registered.
//
// Parameters:
//   - c: The ChatRelay whose state the API exposes.
//   - config: The API's listener, TLS, CORS and auth settings.
//
// Returns:
//   - A pointer to the new API. The server isn't started until Serve.
//   - An error if the TLS certificate couldn't be loaded.
func newAPI(c *ChatRelay, config *APIConfig) (*API, error) {
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newComponentLogger(config.LogLevel, "api"),
	}
	api.handlers = &APIHandlers{c: c, logger: api.logger}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(c.metrics),
		cors.New(corsConfig),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)
	r.GET(
		apiMetrics,
		gin.WrapH(promhttp.HandlerFor(c.metrics.registry, promhttp.HandlerOpts{})),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	switch {
	case config.Secret != "":
	case config.Development:
		api.logger.Warn("no API secret set, /api endpoints are unauthenticated (development mode)")
	default:
		api.logger.Warn("no API secret set, /api endpoints are disabled")
		return api, nil
	}

	protected := r.Group(apiPrefix)
	protected.Use(bearerAuthMiddleware(config.Secret))

	protected.GET(apiPathHistory, h.listHistory)
	protected.GET(apiPathHistoryKey, h.getHistory)
	protected.DELETE(apiPathHistoryKey, h.clearHistory)
	protected.POST(apiPathHistoryForget, h.forgetHistory)
	protected.GET(apiPathRoutes, h.getRoutes)
	protected.GET(apiPathSeverityThreshold, h.getSeverityThreshold)
	protected.PUT(apiPathSeverityThreshold, h.setSeverityThreshold)
	protected.GET(apiPathCompletionLogs, h.getCompletionLogs)
	protected.GET(apiPathNicknameReviewLogs, h.getNicknameReviews)
	protected.POST(apiPathRegisterCommands, h.discordRegisterCommands)
	protected.POST(apiPathQuit, h.botQuit)

	return api, nil
}

// Serve listens on the configured address, and serves the API until
// the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

// APIHandlers contains the handlers for the admin API endpoints
type APIHandlers struct {
	c      *ChatRelay
	logger *slog.Logger
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	HistoryBuffers          int  `json:"history_buffers"`
	Routes                  int  `json:"routes"`
}

type historySummary struct {
	Key    ConversationKey `json:"key"`
	Length int             `json:"length"`
}

type historyDetail struct {
	Key      ConversationKey     `json:"key"`
	Capacity int                 `json:"capacity"`
	Entries  []ConversationEntry `json:"entries"`
}

type forgetRequest struct {
	Content string `json:"content" binding:"required"`
}

type forgetResponse struct {
	Removed int `json:"removed"`
}

type severityThreshold struct {
	GuildID   string `json:"guild_id"`
	Threshold int    `json:"threshold" binding:"required,min=1,max=5"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.c.discord.connected.Load(),
			HistoryBuffers:          h.c.relay.Store().Len(),
			Routes:                  len(h.c.routes.All()),
		},
	)
}

// listHistory returns every conversation key, and the number of entries
// in its buffer
func (h *APIHandlers) listHistory(c *gin.Context) {
	store := h.c.relay.Store()
	keys := store.Keys()
	slices.Sort(keys)
	summaries := make([]historySummary, 0, len(keys))
	for _, k := range keys {
		b, ok := store.Peek(k)
		if !ok {
			continue
		}
		summaries = append(summaries, historySummary{Key: k, Length: b.Len()})
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *APIHandlers) getHistory(c *gin.Context) {
	key := ConversationKey(c.Param("key"))
	b, ok := h.c.relay.Store().Peek(key)
	if !ok {
		c.JSON(http.StatusNotFound, httpError{Error: "conversation not found"})
		return
	}
	c.JSON(
		http.StatusOK, historyDetail{
			Key:      key,
			Capacity: b.Capacity(),
			Entries:  b.Snapshot(nil),
		},
	)
}

func (h *APIHandlers) clearHistory(c *gin.Context) {
	key := ConversationKey(c.Param("key"))
	if !h.c.relay.Clear(key) {
		c.JSON(http.StatusNotFound, httpError{Error: "conversation not found"})
		return
	}
	ginContextLogger(c).Info("cleared history", "conversation", key)
	ginReplyMessage(c, "cleared")
}

func (h *APIHandlers) forgetHistory(c *gin.Context) {
	var req forgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	key := ConversationKey(c.Param("key"))
	if _, ok := h.c.relay.Store().Peek(key); !ok {
		c.JSON(http.StatusNotFound, httpError{Error: "conversation not found"})
		return
	}
	removed := h.c.relay.Forget(key, ExactContent(req.Content))
	ginContextLogger(c).Info("forgot entries", "conversation", key, "removed", removed)
	c.JSON(http.StatusOK, forgetResponse{Removed: removed})
}

func (h *APIHandlers) getRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, h.c.routes.All())
}

func (h *APIHandlers) getSeverityThreshold(c *gin.Context) {
	guildID := c.Param("id")
	c.JSON(
		http.StatusOK, severityThreshold{
			GuildID:   guildID,
			Threshold: h.c.thresholds.Get(guildID),
		},
	)
}

func (h *APIHandlers) setSeverityThreshold(c *gin.Context) {
	var req severityThreshold
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	req.GuildID = c.Param("id")
	if err := h.c.thresholds.Set(req.GuildID, req.Threshold); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ginContextLogger(c).Info("set severity threshold", "guild_id", req.GuildID, "threshold", req.Threshold)
	c.JSON(http.StatusOK, req)
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query(apiQueryLimit)
	if raw == "" {
		return defaultLogListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid limit"})
		return 0, false
	}
	return limit, true
}

func (h *APIHandlers) getCompletionLogs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var conds []any
	if key := c.Query(apiQueryConversationKey); key != "" {
		conds = append(conds, "conversation_key = ?", key)
	}
	var logs []CompletionLog
	if err := h.c.writeDB.Recent(c.Request.Context(), &logs, limit, conds...); err != nil {
		ginContextLogger(c).Error("error getting completion logs", tint.Err(err))
		ginReplyError(c, "error getting completion logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) getNicknameReviews(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var conds []any
	if guildID := c.Query(apiQueryGuildID); guildID != "" {
		conds = append(conds, "guild_id = ?", guildID)
	}
	var reviews []NicknameReview
	if err := h.c.writeDB.Recent(c.Request.Context(), &reviews, limit, conds...); err != nil {
		ginContextLogger(c).Error("error getting nickname reviews", tint.Err(err))
		ginReplyError(c, "error getting nickname reviews")
		return
	}
	c.JSON(http.StatusOK, reviews)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	ctx, cancel := context.WithTimeout(c.Request.Context(), registerCommandsAPITimeout)
	defer cancel()
	created, err := h.c.RegisterSlashCommands(discordgo.WithContext(ctx))
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	h.c.Stop()
	ginReplyMessage(c, "quitting")
}

// bearerAuthMiddleware rejects requests without an `Authorization: Bearer
// <secret>` header. An empty secret disables authentication, which
// newAPI only allows in development mode.
func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, bearerPrefix)
		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming request,
// and sets it as a response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it has finished
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by route and status code
func metricMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.apiRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
