package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskflow/internal/events"
	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	// ErrSlaAlreadyApplied is returned when a conversation already carries an SLA.
	ErrSlaAlreadyApplied = errors.New("sla already applied to conversation")
	// ErrPolicyNotFound is returned when the referenced SLA policy does not exist.
	ErrPolicyNotFound = errors.New("sla policy not found")
)

// SLAService manages SLA policies, applied SLAs and their deadline events.
type SLAService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	bus    *events.Bus
}

// NewSLAService creates the SLA service.
func NewSLAService(db *gorm.DB, logger *logrus.Logger) *SLAService {
	if logger == nil {
		logger = logrus.New()
	}

	return &SLAService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("deskflow.sla"),
	}
}

// SetEventBus wires the bus used for breach notifications.
func (s *SLAService) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// RegisterEventHandlers subscribes the SLA lifecycle reactions. Wire these
// before the automation engine so deadline bookkeeping sees each event first.
func (s *SLAService) RegisterEventHandlers(bus *events.Bus) {
	s.bus = bus
	bus.Subscribe(events.ConversationAssigned, s.handleConversationAssigned)
	bus.Subscribe(events.ConversationMessageReceived, s.handleMessageReceived)
	bus.Subscribe(events.ConversationMessageSent, s.handleMessageSent)
	bus.Subscribe(events.ConversationStatusChanged, s.handleStatusChanged)
}

// SlaPolicyCreateRequest carries the fields for a new SLA policy. Durations
// use the compact spec format: "30m", "2h", "1d".
type SlaPolicyCreateRequest struct {
	Name              string `json:"name" binding:"required"`
	Description       string `json:"description"`
	FirstResponseTime string `json:"first_response_time" binding:"required"`
	NextResponseTime  string `json:"next_response_time" binding:"required"`
	ResolutionTime    string `json:"resolution_time" binding:"required"`
}

// SlaPolicyUpdateRequest carries optional updates to an SLA policy.
type SlaPolicyUpdateRequest struct {
	Name              *string `json:"name"`
	Description       *string `json:"description"`
	FirstResponseTime *string `json:"first_response_time"`
	NextResponseTime  *string `json:"next_response_time"`
	ResolutionTime    *string `json:"resolution_time"`
}

// HolidayCreateRequest carries the fields for a new holiday.
type HolidayCreateRequest struct {
	Name      string `json:"name" binding:"required"`
	Date      string `json:"date" binding:"required"` // YYYY-MM-DD
	Recurring bool   `json:"recurring"`
}

// CreatePolicy validates and stores an SLA policy.
func (s *SLAService) CreatePolicy(ctx context.Context, req *SlaPolicyCreateRequest) (*models.SlaPolicy, error) {
	ctx, span := s.tracer.Start(ctx, "sla.create_policy")
	defer span.End()

	span.SetAttributes(attribute.String("sla.policy.name", req.Name))

	if _, err := ParseDurationSpec(req.FirstResponseTime); err != nil {
		return nil, fmt.Errorf("first_response_time: %w", err)
	}
	if _, err := ParseDurationSpec(req.NextResponseTime); err != nil {
		return nil, fmt.Errorf("next_response_time: %w", err)
	}
	if _, err := ParseDurationSpec(req.ResolutionTime); err != nil {
		return nil, fmt.Errorf("resolution_time: %w", err)
	}

	var existing models.SlaPolicy
	if err := s.db.WithContext(ctx).Where("name = ?", req.Name).First(&existing).Error; err == nil {
		return nil, fmt.Errorf("sla policy %q already exists", req.Name)
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to check existing policy: %w", err)
	}

	policy := &models.SlaPolicy{
		Name:              req.Name,
		Description:       req.Description,
		FirstResponseTime: req.FirstResponseTime,
		NextResponseTime:  req.NextResponseTime,
		ResolutionTime:    req.ResolutionTime,
	}

	if err := s.db.WithContext(ctx).Create(policy).Error; err != nil {
		span.RecordError(err)
		s.logger.Errorf("Failed to create SLA policy: %v", err)
		return nil, fmt.Errorf("failed to create SLA policy: %w", err)
	}

	s.logger.Infof("Created SLA policy: name=%s, first_response=%s, next_response=%s, resolution=%s",
		req.Name, req.FirstResponseTime, req.NextResponseTime, req.ResolutionTime)

	return policy, nil
}

// GetPolicy returns one SLA policy by id.
func (s *SLAService) GetPolicy(ctx context.Context, id uint) (*models.SlaPolicy, error) {
	ctx, span := s.tracer.Start(ctx, "sla.get_policy")
	defer span.End()

	span.SetAttributes(attribute.Int64("sla.policy.id", int64(id)))

	var policy models.SlaPolicy
	if err := s.db.WithContext(ctx).First(&policy, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrPolicyNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get SLA policy: %w", err)
	}

	return &policy, nil
}

// ListPolicies returns all SLA policies.
func (s *SLAService) ListPolicies(ctx context.Context) ([]models.SlaPolicy, error) {
	ctx, span := s.tracer.Start(ctx, "sla.list_policies")
	defer span.End()

	var policies []models.SlaPolicy
	if err := s.db.WithContext(ctx).Order("id").Find(&policies).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list SLA policies: %w", err)
	}

	return policies, nil
}

// UpdatePolicy applies partial updates to an SLA policy. Changing durations
// does not recompute deadlines already instantiated on conversations.
func (s *SLAService) UpdatePolicy(ctx context.Context, id uint, req *SlaPolicyUpdateRequest) (*models.SlaPolicy, error) {
	ctx, span := s.tracer.Start(ctx, "sla.update_policy")
	defer span.End()

	span.SetAttributes(attribute.Int64("sla.policy.id", int64(id)))

	var policy models.SlaPolicy
	if err := s.db.WithContext(ctx).First(&policy, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrPolicyNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to find SLA policy: %w", err)
	}

	if req.Name != nil && *req.Name != policy.Name {
		var existing models.SlaPolicy
		if err := s.db.WithContext(ctx).Where("name = ? AND id != ?", *req.Name, id).First(&existing).Error; err == nil {
			return nil, fmt.Errorf("sla policy %q already exists", *req.Name)
		} else if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("failed to check existing policy: %w", err)
		}
		policy.Name = *req.Name
	}
	if req.Description != nil {
		policy.Description = *req.Description
	}
	if req.FirstResponseTime != nil {
		if _, err := ParseDurationSpec(*req.FirstResponseTime); err != nil {
			return nil, fmt.Errorf("first_response_time: %w", err)
		}
		policy.FirstResponseTime = *req.FirstResponseTime
	}
	if req.NextResponseTime != nil {
		if _, err := ParseDurationSpec(*req.NextResponseTime); err != nil {
			return nil, fmt.Errorf("next_response_time: %w", err)
		}
		policy.NextResponseTime = *req.NextResponseTime
	}
	if req.ResolutionTime != nil {
		if _, err := ParseDurationSpec(*req.ResolutionTime); err != nil {
			return nil, fmt.Errorf("resolution_time: %w", err)
		}
		policy.ResolutionTime = *req.ResolutionTime
	}

	if err := s.db.WithContext(ctx).Save(&policy).Error; err != nil {
		span.RecordError(err)
		s.logger.Errorf("Failed to update SLA policy: %v", err)
		return nil, fmt.Errorf("failed to update SLA policy: %w", err)
	}

	s.logger.Infof("Updated SLA policy: id=%d, name=%s", id, policy.Name)
	return &policy, nil
}

// DeletePolicy removes an SLA policy that is not applied anywhere.
func (s *SLAService) DeletePolicy(ctx context.Context, id uint) error {
	ctx, span := s.tracer.Start(ctx, "sla.delete_policy")
	defer span.End()

	span.SetAttributes(attribute.Int64("sla.policy.id", int64(id)))

	var appliedCount int64
	if err := s.db.WithContext(ctx).Model(&models.AppliedSla{}).Where("sla_policy_id = ?", id).Count(&appliedCount).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check applied SLAs: %w", err)
	}
	if appliedCount > 0 {
		return fmt.Errorf("cannot delete SLA policy: it is applied to %d conversations", appliedCount)
	}

	result := s.db.WithContext(ctx).Delete(&models.SlaPolicy{}, id)
	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("failed to delete SLA policy: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPolicyNotFound
	}

	s.logger.Infof("Deleted SLA policy: id=%d", id)
	return nil
}

// CreateHoliday stores a holiday used by every business calendar.
func (s *SLAService) CreateHoliday(ctx context.Context, req *HolidayCreateRequest) (*models.Holiday, error) {
	ctx, span := s.tracer.Start(ctx, "sla.create_holiday")
	defer span.End()

	span.SetAttributes(attribute.String("sla.holiday.date", req.Date))

	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return nil, fmt.Errorf("invalid holiday date %q: expected YYYY-MM-DD", req.Date)
	}

	holiday := &models.Holiday{
		Name:      req.Name,
		Date:      req.Date,
		Recurring: req.Recurring,
	}

	if err := s.db.WithContext(ctx).Create(holiday).Error; err != nil {
		span.RecordError(err)
		s.logger.Errorf("Failed to create holiday: %v", err)
		return nil, fmt.Errorf("failed to create holiday: %w", err)
	}

	s.logger.Infof("Created holiday: name=%s, date=%s, recurring=%t", req.Name, req.Date, req.Recurring)
	return holiday, nil
}

// ListHolidays returns all holidays ordered by date.
func (s *SLAService) ListHolidays(ctx context.Context) ([]models.Holiday, error) {
	ctx, span := s.tracer.Start(ctx, "sla.list_holidays")
	defer span.End()

	var holidays []models.Holiday
	if err := s.db.WithContext(ctx).Order("date").Find(&holidays).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list holidays: %w", err)
	}

	return holidays, nil
}

// DeleteHoliday removes a holiday.
func (s *SLAService) DeleteHoliday(ctx context.Context, id uint) error {
	ctx, span := s.tracer.Start(ctx, "sla.delete_holiday")
	defer span.End()

	span.SetAttributes(attribute.Int64("sla.holiday.id", int64(id)))

	result := s.db.WithContext(ctx).Delete(&models.Holiday{}, id)
	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("failed to delete holiday: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("holiday not found")
	}

	s.logger.Infof("Deleted holiday: id=%d", id)
	return nil
}

// calendarFor builds the business calendar governing a conversation's
// deadlines: the assigned team's hours plus all configured holidays. A
// conversation without team hours gets a 24/7 calendar.
func (s *SLAService) calendarFor(ctx context.Context, conversation *models.Conversation) (*BusinessCalendar, error) {
	var holidays []models.Holiday
	if err := s.db.WithContext(ctx).Find(&holidays).Error; err != nil {
		return nil, fmt.Errorf("failed to load holidays: %w", err)
	}

	var hours *models.BusinessHours
	if conversation.AssignedTeamID != nil {
		var team models.Team
		if err := s.db.WithContext(ctx).First(&team, *conversation.AssignedTeamID).Error; err != nil {
			if err != gorm.ErrRecordNotFound {
				return nil, fmt.Errorf("failed to load team %d: %w", *conversation.AssignedTeamID, err)
			}
		} else if team.BusinessHours != "" {
			parsed, err := models.ParseBusinessHours(team.BusinessHours)
			if err != nil {
				return nil, fmt.Errorf("team %d business hours: %w", team.ID, err)
			}
			hours = parsed
		}
	}

	return NewBusinessCalendar(hours, holidays)
}

// ApplySla instantiates a policy on a conversation: one applied SLA plus
// pending first_response, next_response and resolution deadline events, all
// in one transaction. Deadlines are measured from base. A conversation
// carries at most one SLA.
func (s *SLAService) ApplySla(ctx context.Context, conversationID, policyID uint, base time.Time) (*models.AppliedSla, error) {
	ctx, span := s.tracer.Start(ctx, "sla.apply")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("sla.conversation.id", int64(conversationID)),
		attribute.Int64("sla.policy.id", int64(policyID)),
	)

	var conversation models.Conversation
	if err := s.db.WithContext(ctx).First(&conversation, conversationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrConversationNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	policy, err := s.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}

	var existing models.AppliedSla
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&existing).Error; err == nil {
		return nil, ErrSlaAlreadyApplied
	} else if err != gorm.ErrRecordNotFound {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to check existing SLA: %w", err)
	}

	cal, err := s.calendarFor(ctx, &conversation)
	if err != nil {
		return nil, err
	}

	base = base.UTC()
	firstResponseDeadline, err := ComputeDeadline(base, policy.FirstResponseTime, cal)
	if err != nil {
		return nil, fmt.Errorf("first_response_time: %w", err)
	}
	nextResponseDeadline, err := ComputeDeadline(base, policy.NextResponseTime, cal)
	if err != nil {
		return nil, fmt.Errorf("next_response_time: %w", err)
	}
	resolutionDeadline, err := ComputeDeadline(base, policy.ResolutionTime, cal)
	if err != nil {
		return nil, fmt.Errorf("resolution_time: %w", err)
	}

	applied := &models.AppliedSla{
		ConversationID:        conversationID,
		SlaPolicyID:           policy.ID,
		Status:                models.SlaStatusPending,
		FirstResponseDeadline: firstResponseDeadline,
		ResolutionDeadline:    resolutionDeadline,
		AppliedAt:             base,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(applied).Error; err != nil {
			return err
		}
		eventRows := []models.SlaEvent{
			{AppliedSlaID: applied.ID, EventType: models.SlaEventFirstResponse, Status: models.SlaStatusPending, DeadlineAt: firstResponseDeadline},
			{AppliedSlaID: applied.ID, EventType: models.SlaEventNextResponse, Status: models.SlaStatusPending, DeadlineAt: nextResponseDeadline},
			{AppliedSlaID: applied.ID, EventType: models.SlaEventResolution, Status: models.SlaStatusPending, DeadlineAt: resolutionDeadline},
		}
		return tx.Create(&eventRows).Error
	})
	if err != nil {
		// A concurrent apply can win between the check and the insert; the
		// unique index on conversation_id surfaces that as a create error.
		var recheck models.AppliedSla
		if s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&recheck).Error == nil {
			return nil, ErrSlaAlreadyApplied
		}
		span.RecordError(err)
		s.logger.Errorf("Failed to apply SLA: %v", err)
		return nil, fmt.Errorf("failed to apply SLA: %w", err)
	}

	s.logger.Infof("Applied SLA: conversation=%d, policy=%s, first_response=%s, resolution=%s",
		conversationID, policy.Name,
		firstResponseDeadline.Format(time.RFC3339), resolutionDeadline.Format(time.RFC3339))

	return applied, nil
}

// GetByConversation returns the conversation's applied SLA with its events
// and policy, or nil when none has been applied.
func (s *SLAService) GetByConversation(ctx context.Context, conversationID uint) (*models.AppliedSla, error) {
	ctx, span := s.tracer.Start(ctx, "sla.get_by_conversation")
	defer span.End()

	span.SetAttributes(attribute.Int64("sla.conversation.id", int64(conversationID)))

	var applied models.AppliedSla
	err := s.db.WithContext(ctx).Preload("Events").Preload("Policy").
		Where("conversation_id = ?", conversationID).First(&applied).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get applied SLA: %w", err)
	}

	return &applied, nil
}

// MarkMet settles the pending SLA event of the given type for a
// conversation, stamping met_at with the instant the tracked action
// occurred. Events that are missing or already settled are left alone.
func (s *SLAService) MarkMet(ctx context.Context, conversationID uint, eventType string, at time.Time) error {
	ctx, span := s.tracer.Start(ctx, "sla.mark_met")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("sla.conversation.id", int64(conversationID)),
		attribute.String("sla.event.type", eventType),
	)

	applied, err := s.GetByConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if applied == nil {
		return nil
	}

	at = at.UTC()
	result := s.db.WithContext(ctx).Model(&models.SlaEvent{}).
		Where("applied_sla_id = ? AND event_type = ? AND status = ?", applied.ID, eventType, models.SlaStatusPending).
		Updates(map[string]interface{}{"status": models.SlaStatusMet, "met_at": at, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("failed to mark SLA event met: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	s.logger.Infof("SLA event met: conversation=%d, type=%s", conversationID, eventType)
	return s.refreshStatus(ctx, applied.ID)
}

// refreshStatus recomputes the applied SLA's rollup from its events:
// breached wins over pending, pending over met.
func (s *SLAService) refreshStatus(ctx context.Context, appliedSlaID uint) error {
	var rows []models.SlaEvent
	if err := s.db.WithContext(ctx).Where("applied_sla_id = ?", appliedSlaID).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load SLA events: %w", err)
	}

	status := models.SlaStatusMet
	for _, row := range rows {
		switch row.Status {
		case models.SlaStatusBreached:
			status = models.SlaStatusBreached
		case models.SlaStatusPending:
			if status != models.SlaStatusBreached {
				status = models.SlaStatusPending
			}
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.AppliedSla{}).
		Where("id = ?", appliedSlaID).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update SLA status: %w", err)
	}
	return nil
}

// handleConversationAssigned applies the team's default SLA policy when a
// conversation lands on a team that has one and no SLA is applied yet.
func (s *SLAService) handleConversationAssigned(ctx context.Context, ev events.Event) error {
	payload, ok := ev.Payload.(events.AssignmentChangedPayload)
	if !ok || payload.AssignedTeamID == nil {
		return nil
	}

	var team models.Team
	if err := s.db.WithContext(ctx).First(&team, *payload.AssignedTeamID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("failed to load team %d: %w", *payload.AssignedTeamID, err)
	}
	if team.SlaPolicyID == nil {
		return nil
	}

	if _, err := s.ApplySla(ctx, ev.ConversationID, *team.SlaPolicyID, ev.OccurredAt); err != nil {
		if errors.Is(err, ErrSlaAlreadyApplied) {
			s.logger.Debugf("SLA already applied, skipping auto-apply: conversation=%d", ev.ConversationID)
			return nil
		}
		return err
	}
	return nil
}

// handleMessageReceived starts a next-response clock on an inbound contact
// message. At most one next_response event is pending at a time; further
// inbound messages do not reset a running clock.
func (s *SLAService) handleMessageReceived(ctx context.Context, ev events.Event) error {
	applied, err := s.GetByConversation(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	if applied == nil {
		return nil
	}

	var pending int64
	if err := s.db.WithContext(ctx).Model(&models.SlaEvent{}).
		Where("applied_sla_id = ? AND event_type = ? AND status = ?",
			applied.ID, models.SlaEventNextResponse, models.SlaStatusPending).
		Count(&pending).Error; err != nil {
		return fmt.Errorf("failed to count pending next_response events: %w", err)
	}
	if pending > 0 {
		return nil
	}

	var conversation models.Conversation
	if err := s.db.WithContext(ctx).First(&conversation, ev.ConversationID).Error; err != nil {
		return fmt.Errorf("failed to load conversation %d: %w", ev.ConversationID, err)
	}

	policy, err := s.GetPolicy(ctx, applied.SlaPolicyID)
	if err != nil {
		return err
	}
	cal, err := s.calendarFor(ctx, &conversation)
	if err != nil {
		return err
	}
	deadline, err := ComputeDeadline(ev.OccurredAt, policy.NextResponseTime, cal)
	if err != nil {
		return err
	}

	row := &models.SlaEvent{
		AppliedSlaID: applied.ID,
		EventType:    models.SlaEventNextResponse,
		Status:       models.SlaStatusPending,
		DeadlineAt:   deadline,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create next_response event: %w", err)
	}

	s.logger.Infof("Started next-response clock: conversation=%d, deadline=%s",
		ev.ConversationID, deadline.Format(time.RFC3339))

	return s.refreshStatus(ctx, applied.ID)
}

// handleMessageSent settles the response clocks when an agent replies.
func (s *SLAService) handleMessageSent(ctx context.Context, ev events.Event) error {
	if err := s.MarkMet(ctx, ev.ConversationID, models.SlaEventFirstResponse, ev.OccurredAt); err != nil {
		return err
	}
	return s.MarkMet(ctx, ev.ConversationID, models.SlaEventNextResponse, ev.OccurredAt)
}

// handleStatusChanged settles the resolution clock when a conversation is
// resolved or closed.
func (s *SLAService) handleStatusChanged(ctx context.Context, ev events.Event) error {
	payload, ok := ev.Payload.(events.StatusChangedPayload)
	if !ok {
		return nil
	}
	if payload.NewStatus != models.StatusResolved && payload.NewStatus != models.StatusClosed {
		return nil
	}
	return s.MarkMet(ctx, ev.ConversationID, models.SlaEventResolution, ev.OccurredAt)
}
