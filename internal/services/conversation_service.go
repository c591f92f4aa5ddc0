package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskflow/internal/events"
	"deskflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	// ErrConversationNotFound is returned when the referenced conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrUserNotFound is returned when an assignment targets a missing user.
	ErrUserNotFound = errors.New("user not found")
	// ErrTeamNotFound is returned when an assignment targets a missing team.
	ErrTeamNotFound = errors.New("team not found")
)

// ConversationService owns conversation state. Every mutation publishes the
// matching event; the depth argument is the cascade depth the event carries,
// 0 for direct API calls and triggering depth + 1 for automation actions.
type ConversationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	bus    *events.Bus
}

// NewConversationService creates the conversation service.
func NewConversationService(db *gorm.DB, logger *logrus.Logger) *ConversationService {
	if logger == nil {
		logger = logrus.New()
	}

	return &ConversationService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("deskflow.conversations"),
	}
}

// SetEventBus wires the bus conversation events are published to.
func (s *ConversationService) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

func (s *ConversationService) publish(ctx context.Context, eventType events.Type, conversationID uint, actor string, depth int, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{
		Type:           eventType,
		ConversationID: conversationID,
		ActorID:        actor,
		CascadeDepth:   depth,
		Payload:        payload,
	})
}

// ConversationCreateRequest carries the fields for a new conversation.
type ConversationCreateRequest struct {
	Subject   string `json:"subject"`
	ContactID string `json:"contact_id" binding:"required"`
	Priority  string `json:"priority"`
}

// TeamCreateRequest carries the fields for a new team.
type TeamCreateRequest struct {
	Name          string `json:"name" binding:"required"`
	SlaPolicyID   *uint  `json:"sla_policy_id"`
	BusinessHours string `json:"business_hours"`
}

// Create stores a conversation and publishes conversation.created.
func (s *ConversationService) Create(ctx context.Context, req *ConversationCreateRequest, actor string) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.create")
	defer span.End()

	span.SetAttributes(attribute.String("conversation.contact_id", req.ContactID))

	if req.Priority != "" && !models.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}

	conversation := &models.Conversation{
		Subject:   req.Subject,
		ContactID: req.ContactID,
		Status:    models.StatusOpen,
		Priority:  req.Priority,
	}

	if err := s.db.WithContext(ctx).Create(conversation).Error; err != nil {
		span.RecordError(err)
		s.logger.Errorf("Failed to create conversation: %v", err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.Infof("Created conversation: id=%d, contact=%s", conversation.ID, req.ContactID)
	s.publish(ctx, events.ConversationCreated, conversation.ID, actor, 0, nil)

	return conversation, nil
}

// GetByID returns one conversation with its tags loaded.
func (s *ConversationService) GetByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := s.db.WithContext(ctx).Preload("Tags").First(&conversation, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conversation, nil
}

// SetStatus moves a conversation to a new status and publishes
// conversation.status_changed. Setting the current status is a no-op and
// publishes nothing.
func (s *ConversationService) SetStatus(ctx context.Context, id uint, status, actor string, depth int) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.set_status")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("conversation.id", int64(id)),
		attribute.String("conversation.status", status),
	)

	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	conversation, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	oldStatus := conversation.Status
	if oldStatus == status {
		return conversation, nil
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"status": status, "updated_at": now}
	if status == models.StatusResolved {
		updates["resolved_at"] = now
		conversation.ResolvedAt = &now
	}

	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	conversation.Status = status

	s.logger.Infof("Conversation status changed: id=%d, %s -> %s, by=%s", id, oldStatus, status, actor)
	s.publish(ctx, events.ConversationStatusChanged, id, actor, depth,
		events.StatusChangedPayload{OldStatus: oldStatus, NewStatus: status})

	return conversation, nil
}

// AssignToUser assigns a conversation to an agent and publishes
// conversation.assignment_changed. The team assignment is untouched.
func (s *ConversationService) AssignToUser(ctx context.Context, id, userID uint, actor string, depth int) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.assign_user")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("conversation.id", int64(id)),
		attribute.Int64("conversation.assigned_user_id", int64(userID)),
	)

	conversation, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrUserNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"assigned_user_id": userID,
		"assigned_at":      now,
		"assigned_by":      actor,
		"updated_at":       now,
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to assign conversation: %w", err)
	}
	conversation.AssignedUserID = &userID
	conversation.AssignedAt = &now
	conversation.AssignedBy = actor

	s.logger.Infof("Assigned conversation: id=%d, user=%d, by=%s", id, userID, actor)
	s.publish(ctx, events.ConversationAssigned, id, actor, depth,
		events.AssignmentChangedPayload{AssignedUserID: &userID, AssignedTeamID: conversation.AssignedTeamID})

	return conversation, nil
}

// AssignToTeam assigns a conversation to a team and publishes
// conversation.assignment_changed. The user assignment is untouched.
func (s *ConversationService) AssignToTeam(ctx context.Context, id, teamID uint, actor string, depth int) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.assign_team")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("conversation.id", int64(id)),
		attribute.Int64("conversation.assigned_team_id", int64(teamID)),
	)

	conversation, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var team models.Team
	if err := s.db.WithContext(ctx).First(&team, teamID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrTeamNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load team: %w", err)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"assigned_team_id": teamID,
		"assigned_at":      now,
		"assigned_by":      actor,
		"updated_at":       now,
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to assign conversation: %w", err)
	}
	conversation.AssignedTeamID = &teamID
	conversation.AssignedAt = &now
	conversation.AssignedBy = actor

	s.logger.Infof("Assigned conversation: id=%d, team=%d, by=%s", id, teamID, actor)
	s.publish(ctx, events.ConversationAssigned, id, actor, depth,
		events.AssignmentChangedPayload{AssignedUserID: conversation.AssignedUserID, AssignedTeamID: &teamID})

	return conversation, nil
}

// Unassign clears both assignments and publishes conversation.unassigned.
// An unassigned conversation is a no-op.
func (s *ConversationService) Unassign(ctx context.Context, id uint, actor string, depth int) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.unassign")
	defer span.End()

	span.SetAttributes(attribute.Int64("conversation.id", int64(id)))

	conversation, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	prevUser := conversation.AssignedUserID
	prevTeam := conversation.AssignedTeamID
	if prevUser == nil && prevTeam == nil {
		return conversation, nil
	}

	updates := map[string]interface{}{
		"assigned_user_id": nil,
		"assigned_team_id": nil,
		"assigned_at":      nil,
		"assigned_by":      "",
		"updated_at":       time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unassign conversation: %w", err)
	}
	conversation.AssignedUserID = nil
	conversation.AssignedTeamID = nil
	conversation.AssignedAt = nil
	conversation.AssignedBy = ""

	s.logger.Infof("Unassigned conversation: id=%d, by=%s", id, actor)
	s.publish(ctx, events.ConversationUnassigned, id, actor, depth,
		events.UnassignedPayload{PreviousUserID: prevUser, PreviousTeamID: prevTeam})

	return conversation, nil
}

// SetPriority changes the priority and publishes
// conversation.priority_changed. Setting the current priority is a no-op.
func (s *ConversationService) SetPriority(ctx context.Context, id uint, priority, actor string, depth int) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.set_priority")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("conversation.id", int64(id)),
		attribute.String("conversation.priority", priority),
	)

	if !models.ValidPriority(priority) {
		return nil, fmt.Errorf("invalid priority %q", priority)
	}

	conversation, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	oldPriority := conversation.Priority
	if oldPriority == priority {
		return conversation, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).
		Updates(map[string]interface{}{"priority": priority, "updated_at": time.Now().UTC()}).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update priority: %w", err)
	}
	conversation.Priority = priority

	s.logger.Infof("Conversation priority changed: id=%d, %s -> %s, by=%s", id, oldPriority, priority, actor)
	s.publish(ctx, events.ConversationPriorityChanged, id, actor, depth,
		events.PriorityChangedPayload{OldPriority: oldPriority, NewPriority: priority})

	return conversation, nil
}

// AddTag attaches a tag, creating it on first use, and publishes
// conversation.tags_changed. Adding a tag already present is a no-op.
func (s *ConversationService) AddTag(ctx context.Context, id uint, tagName, actor string, depth int) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.add_tag")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("conversation.id", int64(id)),
		attribute.String("conversation.tag", tagName),
	)

	if strings.TrimSpace(tagName) == "" {
		return nil, fmt.Errorf("tag name is required")
	}

	conversation, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := conversation.TagNames()
	for _, name := range previous {
		if name == tagName {
			return conversation, nil
		}
	}

	var tag models.Tag
	if err := s.db.WithContext(ctx).Where("name = ?", tagName).FirstOrCreate(&tag, models.Tag{Name: tagName}).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get or create tag: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(conversation).Association("Tags").Append(&tag); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to attach tag: %w", err)
	}
	conversation.Tags = append(conversation.Tags, tag)

	s.logger.Infof("Added tag: conversation=%d, tag=%s, by=%s", id, tagName, actor)
	s.publish(ctx, events.ConversationTagsChanged, id, actor, depth,
		events.TagsChangedPayload{PreviousTags: previous, NewTags: conversation.TagNames()})

	return conversation, nil
}

// RemoveTag detaches a tag and publishes conversation.tags_changed.
// Removing a tag that is not attached is a no-op.
func (s *ConversationService) RemoveTag(ctx context.Context, id uint, tagName, actor string, depth int) (*models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.remove_tag")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("conversation.id", int64(id)),
		attribute.String("conversation.tag", tagName),
	)

	conversation, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := conversation.TagNames()
	var target *models.Tag
	for i := range conversation.Tags {
		if conversation.Tags[i].Name == tagName {
			target = &conversation.Tags[i]
			break
		}
	}
	if target == nil {
		return conversation, nil
	}

	if err := s.db.WithContext(ctx).Model(conversation).Association("Tags").Delete(target); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to detach tag: %w", err)
	}

	remaining := make([]models.Tag, 0, len(conversation.Tags)-1)
	for _, tag := range conversation.Tags {
		if tag.Name != tagName {
			remaining = append(remaining, tag)
		}
	}
	conversation.Tags = remaining

	s.logger.Infof("Removed tag: conversation=%d, tag=%s, by=%s", id, tagName, actor)
	s.publish(ctx, events.ConversationTagsChanged, id, actor, depth,
		events.TagsChangedPayload{PreviousTags: previous, NewTags: conversation.TagNames()})

	return conversation, nil
}

// RecordInboundMessage registers a contact message and publishes
// conversation.message_received. Message bodies are stored elsewhere; only
// the generated message id travels with the event.
func (s *ConversationService) RecordInboundMessage(ctx context.Context, id uint, contactID string, depth int) (string, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.record_inbound")
	defer span.End()

	span.SetAttributes(attribute.Int64("conversation.id", int64(id)))

	if _, err := s.GetByID(ctx, id); err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	s.publish(ctx, events.ConversationMessageReceived, id, contactID, depth,
		events.MessageReceivedPayload{MessageID: messageID, ContactID: contactID})

	return messageID, nil
}

// RecordOutboundMessage registers an agent reply and publishes
// conversation.message_sent.
func (s *ConversationService) RecordOutboundMessage(ctx context.Context, id uint, agentID string, depth int) (string, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.record_outbound")
	defer span.End()

	span.SetAttributes(attribute.Int64("conversation.id", int64(id)))

	if _, err := s.GetByID(ctx, id); err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	s.publish(ctx, events.ConversationMessageSent, id, agentID, depth,
		events.MessageSentPayload{MessageID: messageID, AgentID: agentID})

	return messageID, nil
}

// RecordFailedMessage registers a delivery failure and publishes
// conversation.message_failed.
func (s *ConversationService) RecordFailedMessage(ctx context.Context, id uint, messageID string, retryCount, depth int) error {
	ctx, span := s.tracer.Start(ctx, "conversation.record_failed")
	defer span.End()

	span.SetAttributes(attribute.Int64("conversation.id", int64(id)))

	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}

	s.publish(ctx, events.ConversationMessageFailed, id, events.SystemActor, depth,
		events.MessageFailedPayload{MessageID: messageID, RetryCount: retryCount})

	return nil
}

// CreateTeam stores a team after validating its business-hours document and
// SLA policy reference.
func (s *ConversationService) CreateTeam(ctx context.Context, req *TeamCreateRequest) (*models.Team, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.create_team")
	defer span.End()

	span.SetAttributes(attribute.String("team.name", req.Name))

	if req.BusinessHours != "" {
		if _, err := models.ParseBusinessHours(req.BusinessHours); err != nil {
			return nil, err
		}
	}
	if req.SlaPolicyID != nil {
		var policy models.SlaPolicy
		if err := s.db.WithContext(ctx).First(&policy, *req.SlaPolicyID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, ErrPolicyNotFound
			}
			span.RecordError(err)
			return nil, fmt.Errorf("failed to load SLA policy: %w", err)
		}
	}

	var existing models.Team
	if err := s.db.WithContext(ctx).Where("name = ?", req.Name).First(&existing).Error; err == nil {
		return nil, fmt.Errorf("team %q already exists", req.Name)
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to check existing team: %w", err)
	}

	team := &models.Team{
		Name:          req.Name,
		SlaPolicyID:   req.SlaPolicyID,
		BusinessHours: req.BusinessHours,
	}
	if err := s.db.WithContext(ctx).Create(team).Error; err != nil {
		span.RecordError(err)
		s.logger.Errorf("Failed to create team: %v", err)
		return nil, fmt.Errorf("failed to create team: %w", err)
	}

	s.logger.Infof("Created team: id=%d, name=%s", team.ID, team.Name)
	return team, nil
}

// GetTeam returns one team by id.
func (s *ConversationService) GetTeam(ctx context.Context, id uint) (*models.Team, error) {
	var team models.Team
	if err := s.db.WithContext(ctx).First(&team, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrTeamNotFound
		}
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &team, nil
}
