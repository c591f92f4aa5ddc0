package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"deskflow/internal/events"
	"deskflow/internal/models"
	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConversationHandler exposes the conversation lifecycle operations that
// feed the event bus, plus the SLA attachment endpoints.
type ConversationHandler struct {
	conversationService *services.ConversationService
	slaService          *services.SLAService
	logger              *logrus.Logger
}

// NewConversationHandler creates the conversation handler.
func NewConversationHandler(conversationService *services.ConversationService, slaService *services.SLAService, logger *logrus.Logger) *ConversationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConversationHandler{
		conversationService: conversationService,
		slaService:          slaService,
		logger:              logger,
	}
}

// Mutating endpoints accept an optional actor; events fall back to the
// system actor when the caller does not identify itself.
func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return events.SystemActor
	}
	return actor
}

// CreateConversation opens a conversation
// @Summary Create conversation
// @Description Opens a new conversation and publishes conversation.created
// @Tags Conversations
// @Accept json
// @Produce json
// @Success 201 {object} models.Conversation
// @Failure 400 {object} ErrorResponse
// @Router /api/conversations [post]
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req struct {
		Subject   string `json:"subject"`
		ContactID string `json:"contact_id" binding:"required"`
		Priority  string `json:"priority"`
		Actor     string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	conversation, err := h.conversationService.Create(c.Request.Context(), &services.ConversationCreateRequest{
		Subject:   req.Subject,
		ContactID: req.ContactID,
		Priority:  req.Priority,
	}, actorOrSystem(req.Actor))
	if err != nil {
		if strings.HasPrefix(err.Error(), "failed to") {
			h.logger.Errorf("Failed to create conversation: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to create conversation",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid conversation",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, conversation)
}

// GetConversation returns one conversation
// @Summary Get conversation
// @Tags Conversations
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 200 {object} models.Conversation
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id} [get]
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	conversation, err := h.conversationService.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondConversationError(c, id, err, "get conversation")
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// GetConversationSla returns the conversation's applied SLA
// @Summary Get applied SLA
// @Description Returns the applied SLA with its deadline events and policy
// @Tags Conversations
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 200 {object} models.AppliedSla
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/sla [get]
func (h *ConversationHandler) GetConversationSla(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	applied, err := h.slaService.GetByConversation(c.Request.Context(), id)
	if err != nil {
		h.logger.Errorf("Failed to get applied SLA for conversation %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get applied SLA",
			Message: err.Error(),
		})
		return
	}
	if applied == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "No SLA applied",
			Message: "conversation has no applied SLA",
		})
		return
	}

	c.JSON(http.StatusOK, applied)
}

// ApplySla attaches an SLA policy to a conversation
// @Summary Apply SLA policy
// @Description Computes deadlines from the policy and the team's business calendar
// @Tags Conversations
// @Accept json
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 201 {object} models.AppliedSla
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/conversations/{id}/sla [post]
func (h *ConversationHandler) ApplySla(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		PolicyID uint `json:"policy_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	applied, err := h.slaService.ApplySla(c.Request.Context(), id, req.PolicyID, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Conversation not found",
				Message: err.Error(),
			})
		case errors.Is(err, services.ErrPolicyNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Policy not found",
				Message: err.Error(),
			})
		case errors.Is(err, services.ErrSlaAlreadyApplied):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "SLA already applied",
				Message: err.Error(),
			})
		default:
			h.logger.Errorf("Failed to apply SLA to conversation %d: %v", id, err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to apply SLA",
				Message: err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, applied)
}

// SetStatus transitions a conversation's status
// @Summary Set conversation status
// @Description Moves the conversation to open, snoozed, resolved or closed
// @Tags Conversations
// @Accept json
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 200 {object} models.Conversation
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/status [put]
func (h *ConversationHandler) SetStatus(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
		Actor  string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	conversation, err := h.conversationService.SetStatus(c.Request.Context(), id, req.Status, actorOrSystem(req.Actor), 0)
	if err != nil {
		h.respondConversationError(c, id, err, "set status")
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// Assign assigns a conversation to a user or a team
// @Summary Assign conversation
// @Description Assigns to a user or a team; exactly one of user_id and team_id must be set
// @Tags Conversations
// @Accept json
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 200 {object} models.Conversation
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/assign [put]
func (h *ConversationHandler) Assign(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		UserID *uint  `json:"user_id"`
		TeamID *uint  `json:"team_id"`
		Actor  string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	if (req.UserID == nil) == (req.TeamID == nil) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid assignment",
			Message: "exactly one of user_id and team_id must be set",
		})
		return
	}

	actor := actorOrSystem(req.Actor)
	var conversation *models.Conversation
	var err error
	if req.UserID != nil {
		conversation, err = h.conversationService.AssignToUser(c.Request.Context(), id, *req.UserID, actor, 0)
	} else {
		conversation, err = h.conversationService.AssignToTeam(c.Request.Context(), id, *req.TeamID, actor, 0)
	}
	if err != nil {
		h.respondConversationError(c, id, err, "assign conversation")
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// Unassign clears a conversation's assignment
// @Summary Unassign conversation
// @Tags Conversations
// @Accept json
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 200 {object} models.Conversation
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/unassign [put]
func (h *ConversationHandler) Unassign(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Actor string `json:"actor"`
	}
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	conversation, err := h.conversationService.Unassign(c.Request.Context(), id, actorOrSystem(req.Actor), 0)
	if err != nil {
		h.respondConversationError(c, id, err, "unassign conversation")
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// SetPriority changes a conversation's priority
// @Summary Set conversation priority
// @Tags Conversations
// @Accept json
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 200 {object} models.Conversation
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/priority [put]
func (h *ConversationHandler) SetPriority(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Priority string `json:"priority" binding:"required"`
		Actor    string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	conversation, err := h.conversationService.SetPriority(c.Request.Context(), id, req.Priority, actorOrSystem(req.Actor), 0)
	if err != nil {
		h.respondConversationError(c, id, err, "set priority")
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// AddTag attaches a tag to a conversation
// @Summary Add tag
// @Tags Conversations
// @Accept json
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 200 {object} models.Conversation
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/tags [post]
func (h *ConversationHandler) AddTag(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Tag   string `json:"tag" binding:"required"`
		Actor string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	conversation, err := h.conversationService.AddTag(c.Request.Context(), id, req.Tag, actorOrSystem(req.Actor), 0)
	if err != nil {
		h.respondConversationError(c, id, err, "add tag")
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// RemoveTag detaches a tag from a conversation
// @Summary Remove tag
// @Tags Conversations
// @Produce json
// @Param id path int true "Conversation ID"
// @Param tag path string true "Tag name"
// @Success 200 {object} models.Conversation
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/tags/{tag} [delete]
func (h *ConversationHandler) RemoveTag(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	tag := c.Param("tag")
	conversation, err := h.conversationService.RemoveTag(c.Request.Context(), id, tag, actorOrSystem(c.Query("actor")), 0)
	if err != nil {
		h.respondConversationError(c, id, err, "remove tag")
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// RecordMessage records message activity on a conversation
// @Summary Record message
// @Description Records an incoming, outgoing or failed message and publishes the matching event
// @Tags Conversations
// @Accept json
// @Produce json
// @Param id path int true "Conversation ID"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/conversations/{id}/messages [post]
func (h *ConversationHandler) RecordMessage(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Direction  string `json:"direction" binding:"required"`
		ContactID  string `json:"contact_id"`
		AgentID    string `json:"agent_id"`
		MessageID  string `json:"message_id"`
		RetryCount int    `json:"retry_count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	switch req.Direction {
	case "incoming":
		if req.ContactID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid message",
				Message: "contact_id is required for incoming messages",
			})
			return
		}
		messageID, err := h.conversationService.RecordInboundMessage(c.Request.Context(), id, req.ContactID, 0)
		if err != nil {
			h.respondConversationError(c, id, err, "record message")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message_id": messageID, "direction": req.Direction})
	case "outgoing":
		if req.AgentID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid message",
				Message: "agent_id is required for outgoing messages",
			})
			return
		}
		messageID, err := h.conversationService.RecordOutboundMessage(c.Request.Context(), id, req.AgentID, 0)
		if err != nil {
			h.respondConversationError(c, id, err, "record message")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message_id": messageID, "direction": req.Direction})
	case "failed":
		if req.MessageID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid message",
				Message: "message_id is required for failed messages",
			})
			return
		}
		if err := h.conversationService.RecordFailedMessage(c.Request.Context(), id, req.MessageID, req.RetryCount, 0); err != nil {
			h.respondConversationError(c, id, err, "record message")
			return
		}
		c.JSON(http.StatusOK, SuccessResponse{Message: "Message failure recorded"})
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid direction",
			Message: "direction must be incoming, outgoing or failed",
		})
	}
}

// CreateTeam creates a team
// @Summary Create team
// @Description Creates a team with optional default SLA policy and business hours
// @Tags Teams
// @Accept json
// @Produce json
// @Success 201 {object} models.Team
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/teams [post]
func (h *ConversationHandler) CreateTeam(c *gin.Context) {
	var req services.TeamCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	team, err := h.conversationService.CreateTeam(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Policy not found",
				Message: err.Error(),
			})
			return
		}
		if strings.Contains(err.Error(), "already exists") {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "Team already exists",
				Message: err.Error(),
			})
			return
		}
		if strings.HasPrefix(err.Error(), "failed to") {
			h.logger.Errorf("Failed to create team: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to create team",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid team",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, team)
}

// GetTeam returns one team
// @Summary Get team
// @Tags Teams
// @Produce json
// @Param id path int true "Team ID"
// @Success 200 {object} models.Team
// @Failure 404 {object} ErrorResponse
// @Router /api/teams/{id} [get]
func (h *ConversationHandler) GetTeam(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	team, err := h.conversationService.GetTeam(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrTeamNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Team not found",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to get team %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get team",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, team)
}

// respondConversationError maps conversation service errors onto HTTP
// status codes shared by the lifecycle endpoints.
func (h *ConversationHandler) respondConversationError(c *gin.Context, id uint, err error, op string) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Conversation not found",
			Message: err.Error(),
		})
	case errors.Is(err, services.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "User not found",
			Message: err.Error(),
		})
	case errors.Is(err, services.ErrTeamNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Team not found",
			Message: err.Error(),
		})
	case strings.HasPrefix(err.Error(), "failed to"):
		h.logger.Errorf("Failed to %s for conversation %d: %v", op, id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Operation failed",
			Message: err.Error(),
		})
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
	}
}

// RegisterConversationRoutes registers conversation and team routes.
func RegisterConversationRoutes(r *gin.RouterGroup, handler *ConversationHandler) {
	conversations := r.Group("/conversations")
	{
		conversations.POST("", handler.CreateConversation)
		conversations.GET("/:id", handler.GetConversation)
		conversations.GET("/:id/sla", handler.GetConversationSla)
		conversations.POST("/:id/sla", handler.ApplySla)
		conversations.PUT("/:id/status", handler.SetStatus)
		conversations.PUT("/:id/assign", handler.Assign)
		conversations.PUT("/:id/unassign", handler.Unassign)
		conversations.PUT("/:id/priority", handler.SetPriority)
		conversations.POST("/:id/tags", handler.AddTag)
		conversations.DELETE("/:id/tags/:tag", handler.RemoveTag)
		conversations.POST("/:id/messages", handler.RecordMessage)
	}

	teams := r.Group("/teams")
	{
		teams.POST("", handler.CreateTeam)
		teams.GET("/:id", handler.GetTeam)
	}
}
