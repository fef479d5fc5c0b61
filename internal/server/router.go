package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coordinator/internal/agents"
	"github.com/MarcoPoloResearchLab/coordinator/internal/auth"
	"github.com/MarcoPoloResearchLab/coordinator/internal/conflict"
	"github.com/MarcoPoloResearchLab/coordinator/internal/intents"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const agentIDContextKey = "coordinator_agent_id"

var (
	errMissingTokenValidator = errors.New("agent token validator dependency required")
	errMissingIntentRegistry = errors.New("intent registry dependency required")
	errMissingAgentDirectory = errors.New("agent directory dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// AgentTokenValidator authenticates the bearer token carried by a request.
type AgentTokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AgentClaims, error)
}

// IntentRegistry is the slice of intents.Service the HTTP adapter drives.
type IntentRegistry interface {
	Register(ctx context.Context, request intents.RegisterRequest) (intents.Intent, error)
	Transition(ctx context.Context, intentID string, target intents.Status, reason, actor string) (intents.Intent, error)
	ListIntents(ctx context.Context, filter intents.IntentFilter) ([]intents.Intent, error)
	GetIntent(ctx context.Context, intentID string) (intents.Intent, error)
	GetConflicts(ctx context.Context, intentID string) ([]intents.ConflictReport, error)
	GetHistory(ctx context.Context, intentID string) ([]intents.HistoryEntry, error)
	ResolveConflict(ctx context.Context, conflictID, resolutionNotes, reviewedBy string, options ...intents.ResolveOption) (intents.ConflictReport, error)
	DeleteIntent(ctx context.Context, intentID string) error
}

// AgentDirectory records and lists authenticated agents.
type AgentDirectory interface {
	Touch(ctx context.Context, claims auth.AgentClaims) (string, error)
	RecordRegistration(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]agents.Agent, error)
}

type Dependencies struct {
	TokenValidator AgentTokenValidator
	Intents        IntentRegistry
	Agents         AgentDirectory
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Intents == nil {
		return nil, errMissingIntentRegistry
	}
	if deps.Agents == nil {
		return nil, errMissingAgentDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:  deps.TokenValidator,
		intents: deps.Intents,
		agents:  deps.Agents,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/intents", handler.handleRegisterIntent)
	protected.GET("/intents", handler.handleListIntents)
	protected.GET("/intents/:id", handler.handleGetIntent)
	protected.DELETE("/intents/:id", handler.handleDeleteIntent)
	protected.GET("/intents/:id/conflicts", handler.handleGetConflicts)
	protected.GET("/intents/:id/history", handler.handleGetHistory)
	protected.POST("/intents/:id/status", handler.handleTransition)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	protected.GET("/agents", handler.handleListAgents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens  AgentTokenValidator
	intents IntentRegistry
	agents  AgentDirectory
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRegisterIntent(c *gin.Context) {
	agentID := c.GetString(agentIDContextKey)

	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	intent, err := h.intents.Register(c.Request.Context(), intents.RegisterRequest{
		AgentID:           agentID,
		FeatureName:       request.FeatureName,
		SchemaChanges:     request.SchemaChanges,
		TablesAffected:    request.TablesAffected,
		EstimatedDuration: request.EstimatedDuration,
		RiskLevel:         intents.RiskLevel(request.RiskLevel),
		Metadata:          request.Metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.agents.RecordRegistration(c.Request.Context(), agentID); err != nil {
		h.logger.Warn("failed to record agent registration", zap.String("agent_id", agentID), zap.Error(err))
	}

	c.JSON(http.StatusCreated, newIntentPayload(intent))
}

func (h *httpHandler) handleListIntents(c *gin.Context) {
	filter := intents.IntentFilter{
		Status:  intents.Status(strings.TrimSpace(c.Query("status"))),
		AgentID: strings.TrimSpace(c.Query("agent_id")),
	}
	found, err := h.intents.ListIntents(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := intentListPayload{Intents: make([]intentPayload, 0, len(found))}
	for _, intent := range found {
		response.Intents = append(response.Intents, newIntentPayload(intent))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetIntent(c *gin.Context) {
	intent, err := h.intents.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newIntentPayload(intent))
}

func (h *httpHandler) handleDeleteIntent(c *gin.Context) {
	if err := h.intents.DeleteIntent(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetConflicts(c *gin.Context) {
	reports, err := h.intents.GetConflicts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := conflictListPayload{Conflicts: make([]conflictPayload, 0, len(reports))}
	for _, report := range reports {
		response.Conflicts = append(response.Conflicts, newConflictPayload(report))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetHistory(c *gin.Context) {
	entries, err := h.intents.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := historyListPayload{History: make([]historyPayload, 0, len(entries))}
	for _, entry := range entries {
		response.History = append(response.History, newHistoryPayload(entry))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleTransition(c *gin.Context) {
	var request transitionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Status) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, err := intents.ParseStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}

	intent, err := h.intents.Transition(c.Request.Context(), c.Param("id"), target, request.Reason, c.GetString(agentIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newIntentPayload(intent))
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var options []intents.ResolveOption
	if raw := strings.TrimSpace(request.Severity); raw != "" {
		severity, ok := conflict.ParseSeverity(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_severity"})
			return
		}
		options = append(options, intents.WithSeverityOverride(severity))
	}

	report, err := h.intents.ResolveConflict(c.Request.Context(), c.Param("id"), request.ResolutionNotes, c.GetString(agentIDContextKey), options...)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConflictPayload(report))
}

func (h *httpHandler) handleListAgents(c *gin.Context) {
	known, err := h.agents.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "agents_query_failed"})
		return
	}
	response := agentListPayload{Agents: make([]agentPayload, 0, len(known))}
	for _, agent := range known {
		response.Agents = append(response.Agents, newAgentPayload(agent))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingAgentToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredAgentToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	agentID, err := h.agents.Touch(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, agents.ErrInvalidAgent) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to record agent", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "agent_lookup_failed"})
		return
	}
	c.Set(agentIDContextKey, agentID)
	c.Next()
}

// writeError maps registry errors onto HTTP statuses. The body carries the
// stable ServiceError code when one is available.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *intents.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	var transitionErr *intents.InvalidTransitionError
	switch {
	case errors.Is(err, intents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code})
	case errors.As(err, &transitionErr), errors.Is(err, intents.ErrStatusChanged):
		c.JSON(http.StatusConflict, gin.H{"error": code})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
	default:
		h.logger.Error("intent registry request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		intents.ErrInvalidAgentID,
		intents.ErrInvalidFeatureName,
		intents.ErrEmptySchemaChanges,
		intents.ErrInvalidRiskLevel,
		intents.ErrInvalidStatus,
		intents.ErrInvalidActor,
		intents.ErrInvalidSeverity,
		intents.ErrInvalidDuration,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
