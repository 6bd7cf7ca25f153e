// Package handler exposes the turn engine over HTTP. It owns transport
// concerns only: request decoding, status mapping, and the health/metrics
// endpoints.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/metrics"
	"fable-server/internal/models"
)

// TurnExecutor is the slice of the turn service the handler needs.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, sessionID uuid.UUID, userAction, userActionID string) (*models.TurnResult, error)
}

// SessionStarter is the slice of the session service the handler needs.
type SessionStarter interface {
	StartSession(ctx context.Context, scenarioID uuid.UUID, smallModelKey, largeModelKey string) (*models.Session, *models.Scene, error)
}

// APIError is the standardized error response body.
type APIError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Step    string `json:"step,omitempty"`
}

type startSessionRequest struct {
	ScenarioID    uuid.UUID `json:"scenario_id" binding:"required"`
	SmallModelKey string    `json:"small_model_key" binding:"required"`
	LargeModelKey string    `json:"large_model_key" binding:"required"`
}

type startSessionResponse struct {
	Session *models.Session `json:"session"`
	Scene   *models.Scene   `json:"scene"`
}

type executeTurnRequest struct {
	UserAction   string `json:"user_action" binding:"required"`
	UserActionID string `json:"user_action_id" binding:"required"`
}

// Handler routes turn and session requests to the services.
type Handler struct {
	turns    TurnExecutor
	sessions SessionStarter
	events   interfaces.TurnEventRepository
	db       interfaces.DBTX
	logger   *zap.Logger
}

func NewHandler(turns TurnExecutor, sessions SessionStarter, events interfaces.TurnEventRepository, db interfaces.DBTX, logger *zap.Logger) *Handler {
	return &Handler{
		turns:    turns,
		sessions: sessions,
		events:   events,
		db:       db,
		logger:   logger.Named("HTTPHandler"),
	}
}

// RegisterRoutes mounts all routes on the engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		api.POST("/sessions", h.startSession)
		api.POST("/sessions/:session_id/turns", h.executeTurn)
		api.GET("/sessions/:session_id/turns/:turn_index/events", h.listTurnEvents)
	}
}

func (h *Handler) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body: " + err.Error()})
		return
	}

	session, scene, err := h.sessions.StartSession(c.Request.Context(), req.ScenarioID, req.SmallModelKey, req.LargeModelKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, startSessionResponse{Session: session, Scene: scene})
}

func (h *Handler) executeTurn(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid session id"})
		return
	}
	var req executeTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body: " + err.Error()})
		return
	}

	result, err := h.turns.ExecuteTurn(c.Request.Context(), sessionID, req.UserAction, req.UserActionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listTurnEvents(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid session id"})
		return
	}
	turnIndex, err := strconv.Atoi(c.Param("turn_index"))
	if err != nil || turnIndex < 0 {
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid turn index"})
		return
	}

	events, err := h.events.ListByTurn(c.Request.Context(), h.db, sessionID, turnIndex)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// respondError maps service errors onto the HTTP status vocabulary. Typed
// turn failures carry their kind and step; everything else maps by sentinel.
func (h *Handler) respondError(c *gin.Context, err error) {
	var failure *models.TurnFailure
	if errors.As(err, &failure) {
		status := http.StatusInternalServerError
		switch failure.Kind {
		case models.FailureValidation, models.FailureOperation:
			status = http.StatusUnprocessableEntity
		case models.FailureConcurrency:
			status = http.StatusConflict
		case models.FailureTransport:
			status = http.StatusBadGateway
		case models.FailureSchema, models.FailureInternal:
			status = http.StatusInternalServerError
		}
		c.JSON(status, APIError{Message: failure.Message, Kind: string(failure.Kind), Step: failure.Step})
		return
	}

	switch {
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrSceneNotFound),
		errors.Is(err, models.ErrRulesetNotFound),
		errors.Is(err, models.ErrScenarioNotFound),
		errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, APIError{Message: err.Error()})
	case errors.Is(err, models.ErrBadRequest), errors.Is(err, models.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, APIError{Message: err.Error()})
	default:
		h.logger.Error("Unhandled service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIError{Message: "internal server error"})
	}
}
