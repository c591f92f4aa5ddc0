package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskflow/internal/events"
	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrRuleNotFound is returned when the referenced automation rule does not exist.
var ErrRuleNotFound = errors.New("automation rule not found")

// DefaultMaxCascadeDepth bounds automation chains where one rule's actions
// trigger further rules.
const DefaultMaxCascadeDepth = 5

// AutomationService evaluates automation rules against conversation events
// and executes their actions.
type AutomationService struct {
	db              *gorm.DB
	logger          *logrus.Logger
	tracer          trace.Tracer
	conversations   *ConversationService
	evaluator       *ConditionEvaluator
	executor        *ActionExecutor
	maxCascadeDepth int
}

// NewAutomationService creates the automation service.
func NewAutomationService(db *gorm.DB, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}

	return &AutomationService{
		db:              db,
		logger:          logger,
		tracer:          otel.Tracer("deskflow.automation"),
		evaluator:       NewConditionEvaluator(),
		maxCascadeDepth: DefaultMaxCascadeDepth,
	}
}

// SetConversationService wires the service rule actions operate through.
func (s *AutomationService) SetConversationService(conversations *ConversationService) {
	s.conversations = conversations
	s.executor = NewActionExecutor(conversations, s.logger)
}

// SetMaxCascadeDepth overrides the cascade ceiling. Values below 1 are ignored.
func (s *AutomationService) SetMaxCascadeDepth(depth int) {
	if depth >= 1 {
		s.maxCascadeDepth = depth
	}
}

// RegisterEventHandlers subscribes the engine to every conversation event type.
func (s *AutomationService) RegisterEventHandlers(bus *events.Bus) {
	for _, eventType := range events.AllConversationTypes {
		bus.Subscribe(eventType, s.HandleEvent)
	}
}

// RuleCreateRequest carries the fields for a new automation rule.
type RuleCreateRequest struct {
	Name              string          `json:"name" binding:"required"`
	Description       string          `json:"description"`
	RuleType          string          `json:"rule_type" binding:"required"`
	EventSubscription []string        `json:"event_subscription" binding:"required"`
	Condition         json.RawMessage `json:"condition" binding:"required"`
	Actions           json.RawMessage `json:"actions" binding:"required"`
	Priority          int             `json:"priority"`
	Enabled           *bool           `json:"enabled"`
}

// RuleUpdateRequest carries optional fields for updating a rule.
type RuleUpdateRequest struct {
	Name              *string         `json:"name"`
	Description       *string         `json:"description"`
	RuleType          *string         `json:"rule_type"`
	EventSubscription []string        `json:"event_subscription"`
	Condition         json.RawMessage `json:"condition"`
	Actions           json.RawMessage `json:"actions"`
	Priority          *int            `json:"priority"`
	Enabled           *bool           `json:"enabled"`
}

// EvaluationLogFilter narrows ListEvaluationLogs.
type EvaluationLogFilter struct {
	RuleID         *uint
	ConversationID *uint
	EventType      string
	Limit          int
	Offset         int
}

func validateRuleName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(name) > 200 {
		return fmt.Errorf("rule name must be at most 200 characters")
	}
	return nil
}

func validateRulePriority(priority int) error {
	if priority < 1 || priority > 1000 {
		return fmt.Errorf("rule priority must be between 1 and 1000")
	}
	return nil
}

func validateSubscription(subscription []string) error {
	if len(subscription) == 0 {
		return fmt.Errorf("rule must subscribe to at least one event type")
	}
	for _, entry := range subscription {
		if !events.KnownType(entry) {
			return fmt.Errorf("unknown event type %q in subscription", entry)
		}
	}
	return nil
}

// CreateRule validates and stores an automation rule.
func (s *AutomationService) CreateRule(ctx context.Context, req *RuleCreateRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.create_rule")
	defer span.End()

	span.SetAttributes(attribute.String("rule.name", req.Name))

	if err := validateRuleName(req.Name); err != nil {
		return nil, err
	}
	if !models.ValidRuleType(req.RuleType) {
		return nil, fmt.Errorf("invalid rule type %q", req.RuleType)
	}
	if err := validateSubscription(req.EventSubscription); err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = 100
	}
	if err := validateRulePriority(priority); err != nil {
		return nil, err
	}
	if _, err := ParseRuleCondition(string(req.Condition)); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}
	if _, err := ParseRuleActions(string(req.Actions)); err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}

	subscription, err := json.Marshal(req.EventSubscription)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event subscription: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.AutomationRule{
		Name:              req.Name,
		Description:       req.Description,
		Enabled:           enabled,
		RuleType:          req.RuleType,
		EventSubscription: string(subscription),
		Condition:         string(req.Condition),
		Actions:           string(req.Actions),
		Priority:          priority,
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		span.RecordError(err)
		s.logger.Errorf("Failed to create automation rule: %v", err)
		return nil, fmt.Errorf("failed to create automation rule: %w", err)
	}

	s.logger.Infof("Created automation rule: id=%d, name=%s, priority=%d", rule.ID, rule.Name, rule.Priority)
	return rule, nil
}

// GetRule returns one rule by id.
func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get automation rule: %w", err)
	}
	return &rule, nil
}

// ListRules returns rules ordered by priority, creation order as tie-break.
func (s *AutomationService) ListRules(ctx context.Context, enabledOnly bool) ([]models.AutomationRule, error) {
	query := s.db.WithContext(ctx).Order("priority asc, id asc")
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}

	var rules []models.AutomationRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list automation rules: %w", err)
	}
	return rules, nil
}

// UpdateRule applies the provided fields to an existing rule.
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *RuleUpdateRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.update_rule")
	defer span.End()

	span.SetAttributes(attribute.Int64("rule.id", int64(id)))

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if err := validateRuleName(*req.Name); err != nil {
			return nil, err
		}
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.RuleType != nil {
		if !models.ValidRuleType(*req.RuleType) {
			return nil, fmt.Errorf("invalid rule type %q", *req.RuleType)
		}
		rule.RuleType = *req.RuleType
	}
	if req.EventSubscription != nil {
		if err := validateSubscription(req.EventSubscription); err != nil {
			return nil, err
		}
		subscription, err := json.Marshal(req.EventSubscription)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event subscription: %w", err)
		}
		rule.EventSubscription = string(subscription)
	}
	if req.Condition != nil {
		if _, err := ParseRuleCondition(string(req.Condition)); err != nil {
			return nil, fmt.Errorf("invalid condition: %w", err)
		}
		rule.Condition = string(req.Condition)
	}
	if req.Actions != nil {
		if _, err := ParseRuleActions(string(req.Actions)); err != nil {
			return nil, fmt.Errorf("invalid actions: %w", err)
		}
		rule.Actions = string(req.Actions)
	}
	if req.Priority != nil {
		if err := validateRulePriority(*req.Priority); err != nil {
			return nil, err
		}
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update automation rule: %w", err)
	}

	s.logger.Infof("Updated automation rule: id=%d, name=%s", rule.ID, rule.Name)
	return rule, nil
}

// DeleteRule removes a rule. Its evaluation logs are kept.
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete automation rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}

	s.logger.Infof("Deleted automation rule: id=%d", id)
	return nil
}

// EnableRule turns a rule on.
func (s *AutomationService) EnableRule(ctx context.Context, id uint) error {
	return s.setRuleEnabled(ctx, id, true)
}

// DisableRule turns a rule off without deleting it.
func (s *AutomationService) DisableRule(ctx context.Context, id uint) error {
	return s.setRuleEnabled(ctx, id, false)
}

func (s *AutomationService) setRuleEnabled(ctx context.Context, id uint, enabled bool) error {
	if _, err := s.GetRule(ctx, id); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("id = ?", id).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("failed to update automation rule: %w", err)
	}

	s.logger.Infof("Automation rule %d enabled=%v", id, enabled)
	return nil
}

// ListEvaluationLogs returns evaluation log rows, newest first.
func (s *AutomationService) ListEvaluationLogs(ctx context.Context, filter EvaluationLogFilter) ([]models.RuleEvaluationLog, error) {
	query := s.db.WithContext(ctx).Model(&models.RuleEvaluationLog{}).Order("id desc")
	if filter.RuleID != nil {
		query = query.Where("rule_id = ?", *filter.RuleID)
	}
	if filter.ConversationID != nil {
		query = query.Where("conversation_id = ?", *filter.ConversationID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query = query.Limit(limit)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var logs []models.RuleEvaluationLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list evaluation logs: %w", err)
	}
	return logs, nil
}

// HandleEvent runs every enabled rule subscribed to the event's type against
// the conversation's current state. Each rule gets exactly one log row per
// event; events at or past the cascade ceiling get a single limited row and
// no rule processing.
func (s *AutomationService) HandleEvent(ctx context.Context, ev events.Event) error {
	ctx, span := s.tracer.Start(ctx, "automation.handle_event")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.Int64("conversation.id", int64(ev.ConversationID)),
		attribute.Int("event.cascade_depth", ev.CascadeDepth),
	)

	if ev.CascadeDepth >= s.maxCascadeDepth {
		s.logger.Warnf("Cascade ceiling reached: conversation=%d, event=%s, depth=%d, ceiling=%d",
			ev.ConversationID, ev.Type, ev.CascadeDepth, s.maxCascadeDepth)
		limited := models.RuleEvaluationLog{
			RuleID:         0,
			EventID:        ev.ID,
			EventType:      string(ev.Type),
			ConversationID: ev.ConversationID,
			Matched:        false,
			ActionResult:   models.ActionResultSkipped,
			ErrorMessage:   fmt.Sprintf("cascade depth %d reached ceiling %d", ev.CascadeDepth, s.maxCascadeDepth),
			CascadeDepth:   ev.CascadeDepth,
			EvaluatedAt:    time.Now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&limited).Error; err != nil {
			s.logger.Errorf("Failed to write cascade-limited log: %v", err)
		}
		return nil
	}

	if s.conversations == nil {
		return fmt.Errorf("conversation service not configured")
	}

	// One snapshot per event; every rule of this event sees the same state.
	conversation, err := s.conversations.GetByID(ctx, ev.ConversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil
		}
		span.RecordError(err)
		return err
	}

	rules, err := s.enabledRulesFor(ctx, ev.Type)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	s.logger.Debugf("Processing %d rule(s): conversation=%d, event=%s, depth=%d",
		len(rules), ev.ConversationID, ev.Type, ev.CascadeDepth)

	for i := range rules {
		s.evaluateRule(ctx, &rules[i], ev, conversation)
	}

	span.SetAttributes(attribute.Int("automation.rules_evaluated", len(rules)))
	return nil
}

// enabledRulesFor returns enabled rules subscribed to the event type, in
// ascending priority order with id as tie-break.
func (s *AutomationService) enabledRulesFor(ctx context.Context, eventType events.Type) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).Where("enabled = ?", true).
		Order("priority asc, id asc").Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load automation rules: %w", err)
	}

	matched := make([]models.AutomationRule, 0, len(rules))
	for _, rule := range rules {
		var subscription []string
		if err := json.Unmarshal([]byte(rule.EventSubscription), &subscription); err != nil {
			s.logger.Warnf("Skipping rule with unreadable subscription: id=%d, error=%v", rule.ID, err)
			continue
		}
		for _, entry := range subscription {
			if entry == string(eventType) {
				matched = append(matched, rule)
				break
			}
		}
	}
	return matched, nil
}

// evaluateRule writes exactly one log row whatever happens; failures inside
// the rule never propagate to the caller.
func (s *AutomationService) evaluateRule(ctx context.Context, rule *models.AutomationRule, ev events.Event, conversation *models.Conversation) {
	start := time.Now()

	logRow := models.RuleEvaluationLog{
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		EventID:        ev.ID,
		EventType:      string(ev.Type),
		ConversationID: ev.ConversationID,
		Matched:        true,
		CascadeDepth:   ev.CascadeDepth,
	}

	matched := false
	condition, err := ParseRuleCondition(rule.Condition)
	if err == nil {
		matched, err = s.evaluator.Evaluate(condition, conversation)
	}
	switch {
	case err != nil:
		// An unevaluable condition is a non-match with the reason recorded.
		s.logger.Errorf("Condition evaluation failed: rule=%d (%s), error=%v", rule.ID, rule.Name, err)
		logRow.ConditionResult = models.ConditionResultError
		logRow.ErrorMessage = err.Error()
		matched = false
	case matched:
		logRow.ConditionResult = models.ConditionResultTrue
	default:
		logRow.ConditionResult = models.ConditionResultFalse
	}

	if matched {
		actions, err := ParseRuleActions(rule.Actions)
		if err != nil {
			logRow.ActionResult = models.ActionResultFailure
			logRow.ErrorMessage = err.Error()
		} else {
			logRow.ActionExecuted = true
			actor := "automation:" + rule.Name
			if err := s.executor.Execute(ctx, actions, ev.ConversationID, actor, ev.CascadeDepth); err != nil {
				logRow.ActionResult = models.ActionResultFailure
				logRow.ErrorMessage = err.Error()
			} else {
				logRow.ActionResult = models.ActionResultSuccess
			}
		}
	} else {
		logRow.ActionResult = models.ActionResultSkipped
	}

	logRow.EvaluationTimeMs = time.Since(start).Milliseconds()
	logRow.EvaluatedAt = time.Now().UTC()

	if err := s.db.WithContext(ctx).Create(&logRow).Error; err != nil {
		s.logger.Errorf("Failed to write evaluation log: rule=%d, error=%v", rule.ID, err)
	}
}
