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

// SLAHandler exposes SLA policy and holiday management.
type SLAHandler struct {
	slaService *services.SLAService
	logger     *logrus.Logger
}

// NewSLAHandler creates the SLA handler.
func NewSLAHandler(slaService *services.SLAService, logger *logrus.Logger) *SLAHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SLAHandler{
		slaService: slaService,
		logger:     logger,
	}
}

// CreatePolicy creates an SLA policy
// @Summary Create SLA policy
// @Description Creates a new SLA policy with first response, next response and resolution targets
// @Tags SLA
// @Accept json
// @Produce json
// @Param policy body services.SlaPolicyCreateRequest true "Policy definition"
// @Success 201 {object} models.SlaPolicy
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/sla/policies [post]
func (h *SLAHandler) CreatePolicy(c *gin.Context) {
	var req services.SlaPolicyCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	policy, err := h.slaService.CreatePolicy(c.Request.Context(), &req)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "Policy already exists",
				Message: err.Error(),
			})
			return
		}
		if strings.HasPrefix(err.Error(), "failed to") {
			h.logger.Errorf("Failed to create SLA policy: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to create SLA policy",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid policy",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, policy)
}

// ListPolicies lists all SLA policies
// @Summary List SLA policies
// @Tags SLA
// @Produce json
// @Success 200 {array} models.SlaPolicy
// @Failure 500 {object} ErrorResponse
// @Router /api/sla/policies [get]
func (h *SLAHandler) ListPolicies(c *gin.Context) {
	policies, err := h.slaService.ListPolicies(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list SLA policies: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list SLA policies",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, policies)
}

// GetPolicy returns one SLA policy
// @Summary Get SLA policy
// @Tags SLA
// @Produce json
// @Param id path int true "Policy ID"
// @Success 200 {object} models.SlaPolicy
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/sla/policies/{id} [get]
func (h *SLAHandler) GetPolicy(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	policy, err := h.slaService.GetPolicy(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Policy not found",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to get SLA policy %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get SLA policy",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

// UpdatePolicy applies partial updates to an SLA policy
// @Summary Update SLA policy
// @Description Updates policy fields. Deadlines already applied to conversations are not recomputed.
// @Tags SLA
// @Accept json
// @Produce json
// @Param id path int true "Policy ID"
// @Param policy body services.SlaPolicyUpdateRequest true "Fields to update"
// @Success 200 {object} models.SlaPolicy
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/sla/policies/{id} [put]
func (h *SLAHandler) UpdatePolicy(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req services.SlaPolicyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	policy, err := h.slaService.UpdatePolicy(c.Request.Context(), id, &req)
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
				Error:   "Policy already exists",
				Message: err.Error(),
			})
			return
		}
		if strings.HasPrefix(err.Error(), "failed to") {
			h.logger.Errorf("Failed to update SLA policy %d: %v", id, err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to update SLA policy",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid policy",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

// DeletePolicy removes an SLA policy
// @Summary Delete SLA policy
// @Description Deletes a policy that is not applied to any conversation
// @Tags SLA
// @Produce json
// @Param id path int true "Policy ID"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/sla/policies/{id} [delete]
func (h *SLAHandler) DeletePolicy(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.slaService.DeletePolicy(c.Request.Context(), id); err != nil {
		if errors.Is(err, services.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Policy not found",
				Message: err.Error(),
			})
			return
		}
		if strings.Contains(err.Error(), "cannot delete") {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "Policy in use",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to delete SLA policy %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to delete SLA policy",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "SLA policy deleted",
	})
}

// CreateHoliday adds a holiday to the business calendar
// @Summary Create holiday
// @Description Adds a holiday excluded from all business-hour deadline math
// @Tags SLA
// @Accept json
// @Produce json
// @Param holiday body services.HolidayCreateRequest true "Holiday definition"
// @Success 201 {object} models.Holiday
// @Failure 400 {object} ErrorResponse
// @Router /api/sla/holidays [post]
func (h *SLAHandler) CreateHoliday(c *gin.Context) {
	var req services.HolidayCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	holiday, err := h.slaService.CreateHoliday(c.Request.Context(), &req)
	if err != nil {
		if strings.HasPrefix(err.Error(), "failed to") {
			h.logger.Errorf("Failed to create holiday: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to create holiday",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid holiday",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, holiday)
}

// ListHolidays lists all holidays
// @Summary List holidays
// @Tags SLA
// @Produce json
// @Success 200 {array} models.Holiday
// @Failure 500 {object} ErrorResponse
// @Router /api/sla/holidays [get]
func (h *SLAHandler) ListHolidays(c *gin.Context) {
	holidays, err := h.slaService.ListHolidays(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list holidays: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list holidays",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, holidays)
}

// DeleteHoliday removes a holiday
// @Summary Delete holiday
// @Tags SLA
// @Produce json
// @Param id path int true "Holiday ID"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/sla/holidays/{id} [delete]
func (h *SLAHandler) DeleteHoliday(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.slaService.DeleteHoliday(c.Request.Context(), id); err != nil {
		if err.Error() == "holiday not found" {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Holiday not found",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to delete holiday %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to delete holiday",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Holiday deleted",
	})
}

// parseIDParam reads a numeric path parameter, writing a 400 response when
// it is not a positive integer.
func parseIDParam(c *gin.Context, name string) (uint, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

// RegisterSLARoutes registers SLA policy and holiday routes.
func RegisterSLARoutes(r *gin.RouterGroup, handler *SLAHandler) {
	sla := r.Group("/sla")
	{
		policies := sla.Group("/policies")
		{
			policies.POST("", handler.CreatePolicy)
			policies.GET("", handler.ListPolicies)
			policies.GET("/:id", handler.GetPolicy)
			policies.PUT("/:id", handler.UpdatePolicy)
			policies.DELETE("/:id", handler.DeletePolicy)
		}

		holidays := sla.Group("/holidays")
		{
			holidays.POST("", handler.CreateHoliday)
			holidays.GET("", handler.ListHolidays)
			holidays.DELETE("/:id", handler.DeleteHoliday)
		}
	}
}
