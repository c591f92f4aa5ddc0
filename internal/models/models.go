package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Conversation statuses.
const (
	StatusOpen     = "open"
	StatusSnoozed  = "snoozed"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

// Conversation priorities. Empty means unset.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusSnoozed, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known conversation priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// User is an assignable agent account.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Email     string         `gorm:"unique;not null" json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Team groups agents and carries the SLA defaults for conversations
// assigned to it.
type Team struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"unique;not null" json:"name"`
	SlaPolicyID   *uint     `gorm:"index" json:"sla_policy_id"`
	BusinessHours string    `gorm:"type:text" json:"business_hours"` // JSON: {"timezone":"...","schedule":[{day,start,end}]}
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Tag is a label attached to conversations.
type Tag struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the unit of work agents handle. SLA and automation state
// hang off it by id.
type Conversation struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Subject        string     `json:"subject"`
	ContactID      string     `gorm:"index" json:"contact_id"`
	Status         string     `gorm:"default:'open'" json:"status"` // open, snoozed, resolved, closed
	Priority       string     `json:"priority"`                     // "", low, medium, high
	AssignedUserID *uint      `gorm:"index" json:"assigned_user_id"`
	AssignedTeamID *uint      `gorm:"index" json:"assigned_team_id"`
	AssignedAt     *time.Time `json:"assigned_at"`
	AssignedBy     string     `json:"assigned_by"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	AssignedUser *User `gorm:"foreignKey:AssignedUserID" json:"assigned_user,omitempty"`
	AssignedTeam *Team `gorm:"foreignKey:AssignedTeamID" json:"assigned_team,omitempty"`
	Tags         []Tag `gorm:"many2many:conversation_tags" json:"tags,omitempty"`
}

// TagNames returns the conversation's tag names in load order.
func (c *Conversation) TagNames() []string {
	names := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		names = append(names, t.Name)
	}
	return names
}

// BusinessHours is the weekly open-hours schedule stored as JSON on a team.
type BusinessHours struct {
	Timezone string        `json:"timezone"` // IANA name, e.g. "America/New_York"
	Schedule []DaySchedule `json:"schedule"`
}

// DaySchedule is one weekday's open window in the calendar's local time.
type DaySchedule struct {
	Day   string `json:"day"`   // "Monday" .. "Sunday"
	Start string `json:"start"` // "09:00"
	End   string `json:"end"`   // "17:00"
}

// ParseBusinessHours decodes and validates a team's business-hours JSON.
func ParseBusinessHours(raw string) (*BusinessHours, error) {
	var bh BusinessHours
	if err := json.Unmarshal([]byte(raw), &bh); err != nil {
		return nil, fmt.Errorf("invalid business hours format: %w", err)
	}
	if bh.Timezone == "" {
		return nil, fmt.Errorf("business hours require a timezone")
	}
	if _, err := time.LoadLocation(bh.Timezone); err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", bh.Timezone, err)
	}
	for _, day := range bh.Schedule {
		if _, err := parseWeekday(day.Day); err != nil {
			return nil, err
		}
		for _, clock := range []string{day.Start, day.End} {
			if _, err := time.Parse("15:04", clock); err != nil {
				return nil, fmt.Errorf("invalid time %q for %s: expected HH:MM", clock, day.Day)
			}
		}
		if day.Start >= day.End {
			return nil, fmt.Errorf("window start %q must be before end %q on %s", day.Start, day.End, day.Day)
		}
	}
	return &bh, nil
}

func parseWeekday(name string) (time.Weekday, error) {
	switch name {
	case "Sunday":
		return time.Sunday, nil
	case "Monday":
		return time.Monday, nil
	case "Tuesday":
		return time.Tuesday, nil
	case "Wednesday":
		return time.Wednesday, nil
	case "Thursday":
		return time.Thursday, nil
	case "Friday":
		return time.Friday, nil
	case "Saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// Weekday converts the schedule day name; ParseBusinessHours has already
// validated it.
func (d DaySchedule) Weekday() time.Weekday {
	wd, _ := parseWeekday(d.Day)
	return wd
}
