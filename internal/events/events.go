package events

import (
	"time"
)

// Type enumerates the domain event identifiers.
type Type string

const (
	ConversationCreated         Type = "conversation.created"
	ConversationStatusChanged   Type = "conversation.status_changed"
	ConversationMessageReceived Type = "conversation.message_received"
	ConversationMessageSent     Type = "conversation.message_sent"
	ConversationMessageFailed   Type = "conversation.message_failed"
	ConversationAssigned        Type = "conversation.assignment_changed"
	ConversationUnassigned      Type = "conversation.unassigned"
	ConversationTagsChanged     Type = "conversation.tags_changed"
	ConversationPriorityChanged Type = "conversation.priority_changed"
	ConversationSlaBreached     Type = "conversation.sla_breached"
)

// AllConversationTypes lists every event type the automation engine reacts to.
var AllConversationTypes = []Type{
	ConversationCreated,
	ConversationStatusChanged,
	ConversationMessageReceived,
	ConversationMessageSent,
	ConversationMessageFailed,
	ConversationAssigned,
	ConversationUnassigned,
	ConversationTagsChanged,
	ConversationPriorityChanged,
	ConversationSlaBreached,
}

// SystemActor identifies events not triggered by a specific user.
const SystemActor = "system"

// KnownType reports whether name matches one of the published event types.
func KnownType(name string) bool {
	for _, t := range AllConversationTypes {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Event is the envelope published on the bus. CascadeDepth counts how many
// automation-triggered republications precede this event; events produced by
// rule actions carry the triggering event's depth plus one.
type Event struct {
	ID             string      `json:"id"`
	Type           Type        `json:"type"`
	ConversationID uint        `json:"conversation_id"`
	ActorID        string      `json:"actor_id"`
	CascadeDepth   int         `json:"cascade_depth"`
	OccurredAt     time.Time   `json:"occurred_at"`
	Payload        interface{} `json:"payload,omitempty"`
}

// StatusChangedPayload payload for conversation.status_changed.
type StatusChangedPayload struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// MessageReceivedPayload payload for conversation.message_received.
type MessageReceivedPayload struct {
	MessageID string `json:"message_id"`
	ContactID string `json:"contact_id"`
}

// MessageSentPayload payload for conversation.message_sent.
type MessageSentPayload struct {
	MessageID string `json:"message_id"`
	AgentID   string `json:"agent_id"`
}

// MessageFailedPayload payload for conversation.message_failed.
type MessageFailedPayload struct {
	MessageID  string `json:"message_id"`
	RetryCount int    `json:"retry_count"`
}

// AssignmentChangedPayload payload for conversation.assignment_changed.
type AssignmentChangedPayload struct {
	AssignedUserID *uint `json:"assigned_user_id,omitempty"`
	AssignedTeamID *uint `json:"assigned_team_id,omitempty"`
}

// UnassignedPayload payload for conversation.unassigned.
type UnassignedPayload struct {
	PreviousUserID *uint `json:"previous_user_id,omitempty"`
	PreviousTeamID *uint `json:"previous_team_id,omitempty"`
}

// TagsChangedPayload payload for conversation.tags_changed.
type TagsChangedPayload struct {
	PreviousTags []string `json:"previous_tags"`
	NewTags      []string `json:"new_tags"`
}

// PriorityChangedPayload payload for conversation.priority_changed.
type PriorityChangedPayload struct {
	OldPriority string `json:"old_priority"`
	NewPriority string `json:"new_priority"`
}

// SlaBreachedPayload payload for conversation.sla_breached.
type SlaBreachedPayload struct {
	SlaEventID   uint      `json:"sla_event_id"`
	AppliedSlaID uint      `json:"applied_sla_id"`
	SlaEventType string    `json:"sla_event_type"`
	DeadlineAt   time.Time `json:"deadline_at"`
	BreachedAt   time.Time `json:"breached_at"`
}
