package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/auth"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/roster"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/steamapi"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "rosterwatch_subject"
	maxRosterBodySize = 1 << 20
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingEngine        = errors.New("engine dependency required")
	errMissingDirectory     = errors.New("player directory dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Engine is the slice of the enrichment coordinator the control API drives.
type Engine interface {
	IngestText(ctx context.Context, text string) error
	Refresh(ctx context.Context) error
	RefreshPlayer(ctx context.Context, steamID identity.SteamID) (players.Record, error)
	RefreshPlayerBans(ctx context.Context, steamID identity.SteamID) (players.Record, error)
	Roster() []players.Record
	Player(ctx context.Context, steamID identity.SteamID) (players.Record, error)
	UpdateCosmetics(ctx context.Context, steamID identity.SteamID, patch players.Cosmetics) (players.Record, error)
	Phase() enrichment.Phase
}

// PlayerDirectory exposes stored records beyond the live roster.
type PlayerDirectory interface {
	Search(ctx context.Context, query players.Query) ([]players.Record, error)
	Delete(ctx context.Context, steamID identity.SteamID) error
}

type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.ControlClaims, error)
}

type Dependencies struct {
	Engine         Engine
	Directory      PlayerDirectory
	TokenManager   TokenValidator
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:    deps.Engine,
		directory: deps.Directory,
		tokens:    deps.TokenManager,
		realtime:  deps.Realtime,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/roster", handler.handleRoster)
	protected.POST("/roster", handler.handleIngest)
	protected.POST("/roster/refresh", handler.handleRefresh)
	protected.GET("/players/search", handler.handleSearch)
	protected.GET("/players/:id", handler.handlePlayer)
	protected.PATCH("/players/:id", handler.handleUpdateCosmetics)
	protected.DELETE("/players/:id", handler.handleDelete)
	protected.POST("/players/:id/refresh", handler.handleRefreshPlayer)
	protected.POST("/players/:id/bans/refresh", handler.handleRefreshBans)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	engine    Engine
	directory PlayerDirectory
	tokens    TokenValidator
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
}

type rosterResponsePayload struct {
	Players []players.Record `json:"players"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "phase": h.engine.Phase().String()})
}

func (h *httpHandler) handleRoster(c *gin.Context) {
	c.JSON(http.StatusOK, rosterResponsePayload{Players: h.engine.Roster()})
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRosterBodySize+1))
	if err != nil || len(body) > maxRosterBodySize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	text := string(body)
	if !roster.LooksLikeRoster(text) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "not_a_roster"})
		return
	}
	if err := h.engine.IngestText(c.Request.Context(), text); err != nil {
		h.writeEngineError(c, "ingest", err)
		return
	}
	c.JSON(http.StatusOK, rosterResponsePayload{Players: h.engine.Roster()})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	if err := h.engine.Refresh(c.Request.Context()); err != nil {
		h.writeEngineError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, rosterResponsePayload{Players: h.engine.Roster()})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query := players.Query{
		Term:            c.Query("q"),
		CaseSensitive:   queryFlag(c, "case_sensitive"),
		ExactMatch:      queryFlag(c, "exact"),
		Color:           c.Query("color"),
		VACBanned:       queryFlag(c, "vac"),
		GameBanned:      queryFlag(c, "game"),
		CommunityBanned: queryFlag(c, "community"),
		EconomyBanned:   queryFlag(c, "economy"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		query.Limit = limit
	}
	records, err := h.directory.Search(c.Request.Context(), query)
	if err != nil {
		h.writeEngineError(c, "search", err)
		return
	}
	c.JSON(http.StatusOK, rosterResponsePayload{Players: records})
}

func (h *httpHandler) handlePlayer(c *gin.Context) {
	steamID, ok := playerIDParam(c)
	if !ok {
		return
	}
	record, err := h.engine.Player(c.Request.Context(), steamID)
	if err != nil {
		h.writeEngineError(c, "player", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleUpdateCosmetics(c *gin.Context) {
	steamID, ok := playerIDParam(c)
	if !ok {
		return
	}
	var patch players.Cosmetics
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.engine.UpdateCosmetics(c.Request.Context(), steamID, patch)
	if err != nil {
		h.writeEngineError(c, "update_cosmetics", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	steamID, ok := playerIDParam(c)
	if !ok {
		return
	}
	if err := h.directory.Delete(c.Request.Context(), steamID); err != nil {
		h.writeEngineError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRefreshPlayer(c *gin.Context) {
	steamID, ok := playerIDParam(c)
	if !ok {
		return
	}
	record, err := h.engine.RefreshPlayer(c.Request.Context(), steamID)
	if err != nil {
		h.writeEngineError(c, "refresh_player", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleRefreshBans(c *gin.Context) {
	steamID, ok := playerIDParam(c)
	if !ok {
		return
	}
	record, err := h.engine.RefreshPlayerBans(c.Request.Context(), steamID)
	if err != nil {
		h.writeEngineError(c, "refresh_bans", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceEngine})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			payload, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("failed to encode realtime message", zap.String("event", message.EventType), zap.Error(err))
				return true
			}
			c.SSEvent(message.EventType, string(payload))
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceEngine})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

// writeEngineError maps engine and store errors onto HTTP statuses.
func (h *httpHandler) writeEngineError(c *gin.Context, operation string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, enrichment.ErrInvalidPlayer), errors.Is(err, identity.ErrMalformedIdentity):
		status, code = http.StatusBadRequest, "invalid_player"
	case errors.Is(err, enrichment.ErrRefreshTooSoon):
		status, code = http.StatusTooManyRequests, "refresh_too_soon"
	case errors.Is(err, steamapi.ErrNotConfigured), errors.Is(err, steamapi.ErrInvalidCredentials):
		status, code = http.StatusServiceUnavailable, "profile_service_unconfigured"
	case errors.Is(err, steamapi.ErrRateLimited):
		status, code = http.StatusServiceUnavailable, "profile_service_rate_limited"
	case errors.Is(err, steamapi.ErrNetwork), errors.Is(err, steamapi.ErrTimeout), errors.Is(err, steamapi.ErrUnexpectedResponse):
		status, code = http.StatusBadGateway, "profile_service_failed"
	case errors.Is(err, players.ErrPersistence):
		status, code = http.StatusInternalServerError, "persistence_failed"
	case errors.Is(err, context.Canceled):
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("control request failed", zap.String("operation", operation), zap.String("reason", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func playerIDParam(c *gin.Context) (identity.SteamID, bool) {
	steamID, err := identity.ParseSteamID(c.Param("id"))
	if err != nil || !steamID.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_player"})
		return 0, false
	}
	return steamID, true
}

func queryFlag(c *gin.Context, name string) bool {
	value, err := strconv.ParseBool(c.Query(name))
	return err == nil && value
}
