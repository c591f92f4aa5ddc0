package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler manages automation rules and their evaluation logs.
// Conditions and actions travel as JSON documents validated by the service.
type AutomationHandler struct {
	service *services.AutomationService
	logger  *logrus.Logger
}

// NewAutomationHandler creates the automation handler.
func NewAutomationHandler(service *services.AutomationService, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{service: service, logger: logger}
}

// CreateRule creates an automation rule.
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.RuleCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	rule, err := h.service.CreateRule(c.Request.Context(), &req)
	if err != nil {
		if strings.HasPrefix(err.Error(), "failed to") {
			h.logger.Errorf("Failed to create automation rule: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// ListRules lists automation rules, optionally only enabled ones.
func (h *AutomationHandler) ListRules(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"

	rules, err := h.service.ListRules(c.Request.Context(), enabledOnly)
	if err != nil {
		h.logger.Errorf("Failed to list automation rules: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, rules)
}

// GetRule returns one automation rule.
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	rule, err := h.service.GetRule(c.Request.Context(), id)
	if err != nil {
		h.respondRuleError(c, id, err, "get")
		return
	}

	c.JSON(http.StatusOK, rule)
}

// UpdateRule applies partial updates to an automation rule.
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req services.RuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	rule, err := h.service.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		if errors.Is(err, services.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Rule not found", Message: err.Error()})
			return
		}
		if strings.HasPrefix(err.Error(), "failed to") {
			h.logger.Errorf("Failed to update automation rule %d: %v", id, err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update rule", Message: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// DeleteRule removes an automation rule. Its evaluation logs are kept.
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteRule(c.Request.Context(), id); err != nil {
		h.respondRuleError(c, id, err, "delete")
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation rule deleted"})
}

// EnableRule turns a rule on.
func (h *AutomationHandler) EnableRule(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableRule turns a rule off.
func (h *AutomationHandler) DisableRule(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *AutomationHandler) setEnabled(c *gin.Context, enabled bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var err error
	if enabled {
		err = h.service.EnableRule(c.Request.Context(), id)
	} else {
		err = h.service.DisableRule(c.Request.Context(), id)
	}
	if err != nil {
		h.respondRuleError(c, id, err, "toggle")
		return
	}

	message := "Automation rule disabled"
	if enabled {
		message = "Automation rule enabled"
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: message})
}

// ListLogs returns evaluation log rows, newest first.
// Filters: rule_id, conversation_id, event_type, limit, offset.
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var filter services.EvaluationLogFilter

	if raw := c.Query("rule_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule_id", Message: "rule_id must be a valid number"})
			return
		}
		ruleID := uint(v)
		filter.RuleID = &ruleID
	}
	if raw := c.Query("conversation_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid conversation_id", Message: "conversation_id must be a valid number"})
			return
		}
		conversationID := uint(v)
		filter.ConversationID = &conversationID
	}
	filter.EventType = c.Query("event_type")
	if raw := c.DefaultQuery("limit", "0"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Limit = v
		}
	}
	if raw := c.DefaultQuery("offset", "0"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Offset = v
		}
	}

	logs, err := h.service.ListEvaluationLogs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Errorf("Failed to list evaluation logs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list logs", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, logs)
}

func (h *AutomationHandler) respondRuleError(c *gin.Context, id uint, err error, op string) {
	if errors.Is(err, services.ErrRuleNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Rule not found", Message: err.Error()})
		return
	}
	h.logger.Errorf("Failed to %s automation rule %d: %v", op, id, err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Operation failed", Message: err.Error()})
}

// RegisterAutomationRoutes registers automation rule and log routes.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	automations := r.Group("/automations")
	{
		rules := automations.Group("/rules")
		{
			rules.POST("", handler.CreateRule)
			rules.GET("", handler.ListRules)
			rules.GET("/:id", handler.GetRule)
			rules.PUT("/:id", handler.UpdateRule)
			rules.DELETE("/:id", handler.DeleteRule)
			rules.PUT("/:id/enable", handler.EnableRule)
			rules.PUT("/:id/disable", handler.DisableRule)
		}

		automations.GET("/logs", handler.ListLogs)
	}
}
