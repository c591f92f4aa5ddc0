package models

import "time"

// Rule structural categories.
const (
	RuleTypeConversationUpdate = "conversation_update"
	RuleTypeMessageReceived    = "message_received"
	RuleTypeAssignmentChanged  = "assignment_changed"
)

// ValidRuleType reports whether rt is a known rule category.
func ValidRuleType(rt string) bool {
	switch rt {
	case RuleTypeConversationUpdate, RuleTypeMessageReceived, RuleTypeAssignmentChanged:
		return true
	}
	return false
}

// Condition outcomes recorded per evaluation.
const (
	ConditionResultTrue  = "true"
	ConditionResultFalse = "false"
	ConditionResultError = "error"
)

// Action outcomes recorded per evaluation.
const (
	ActionResultSuccess = "success"
	ActionResultFailure = "failure"
	ActionResultSkipped = "skipped"
)

// AutomationRule reacts to subscribed conversation events. Priority 1-1000,
// lower values evaluate first; creation order breaks ties.
type AutomationRule struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"not null" json:"name"`
	Description       string    `gorm:"type:text" json:"description"`
	Enabled           bool      `gorm:"default:true" json:"enabled"`
	RuleType          string    `gorm:"not null" json:"rule_type"`          // conversation_update, message_received, assignment_changed
	EventSubscription string    `gorm:"type:text;not null" json:"event_subscription"` // JSON: ["conversation.created", ...]
	Condition         string    `gorm:"type:text;not null" json:"condition"`          // JSON condition tree
	Actions           string    `gorm:"type:text;not null" json:"actions"`            // JSON: [{action_type,parameters}]
	Priority          int       `gorm:"default:100" json:"priority"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RuleEvaluationLog is the append-only audit row written per rule per
// event. Cascade-limited events get a single row with RuleID 0.
type RuleEvaluationLog struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RuleID           uint      `gorm:"index" json:"rule_id"`
	RuleName         string    `json:"rule_name"`
	EventID          string    `gorm:"index" json:"event_id"`
	EventType        string    `gorm:"index" json:"event_type"`
	ConversationID   uint      `gorm:"index" json:"conversation_id"`
	Matched          bool      `json:"matched"`
	ConditionResult  string    `json:"condition_result"` // true, false, error
	ActionExecuted   bool      `json:"action_executed"`
	ActionResult     string    `json:"action_result"` // success, failure, skipped
	ErrorMessage     string    `gorm:"type:text" json:"error_message"`
	EvaluationTimeMs int64     `json:"evaluation_time_ms"`
	CascadeDepth     int       `json:"cascade_depth"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}
