package models

import "time"

// SLA event and applied-SLA statuses. Transitions out of pending are
// terminal; met and breached never coexist on one event.
const (
	SlaStatusPending  = "pending"
	SlaStatusMet      = "met"
	SlaStatusBreached = "breached"
)

// Tracked SLA event types.
const (
	SlaEventFirstResponse = "first_response"
	SlaEventNextResponse  = "next_response"
	SlaEventResolution    = "resolution"
)

// SlaPolicy holds the three target durations as compact strings ("30m",
// "2h", "1d"); validated on create/update.
type SlaPolicy struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"unique;not null" json:"name"`
	Description       string    `gorm:"type:text" json:"description"`
	FirstResponseTime string    `gorm:"not null" json:"first_response_time"`
	NextResponseTime  string    `gorm:"not null" json:"next_response_time"`
	ResolutionTime    string    `gorm:"not null" json:"resolution_time"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AppliedSla instantiates a policy against one conversation. The unique
// index on ConversationID enforces at most one per conversation.
type AppliedSla struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	ConversationID        uint      `gorm:"uniqueIndex;not null" json:"conversation_id"`
	SlaPolicyID           uint      `gorm:"index;not null" json:"sla_policy_id"`
	Status                string    `gorm:"default:'pending'" json:"status"` // pending, met, breached
	FirstResponseDeadline time.Time `json:"first_response_deadline"`
	ResolutionDeadline    time.Time `json:"resolution_deadline"`
	AppliedAt             time.Time `json:"applied_at"`

	Policy SlaPolicy  `gorm:"foreignKey:SlaPolicyID" json:"policy,omitempty"`
	Events []SlaEvent `gorm:"foreignKey:AppliedSlaID" json:"events,omitempty"`
}

// SlaEvent tracks one deadline of an applied SLA. At most one pending row
// exists per (AppliedSlaID, EventType).
type SlaEvent struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AppliedSlaID uint       `gorm:"index;not null" json:"applied_sla_id"`
	EventType    string     `gorm:"not null" json:"event_type"`      // first_response, next_response, resolution
	Status       string     `gorm:"default:'pending'" json:"status"` // pending, met, breached
	DeadlineAt   time.Time  `gorm:"index" json:"deadline_at"`
	MetAt        *time.Time `json:"met_at"`
	BreachedAt   *time.Time `json:"breached_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Holiday excludes a date from business time. Recurring holidays match
// month and day in every year.
type Holiday struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Date      string    `gorm:"not null" json:"date"` // YYYY-MM-DD
	Recurring bool      `gorm:"default:false" json:"recurring"`
	CreatedAt time.Time `json:"created_at"`
}
