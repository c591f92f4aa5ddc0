package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Action kinds an automation rule may execute.
const (
	ActionSetStatus    = "set_status"
	ActionAssignToUser = "assign_to_user"
	ActionAssignToTeam = "assign_to_team"
	ActionAddTag       = "add_tag"
	ActionSetPriority  = "set_priority"
)

// requiredActionParams maps each action kind to the parameter it cannot run
// without. Parameter values are checked at execution time.
var requiredActionParams = map[string]string{
	ActionSetStatus:    "status",
	ActionAssignToUser: "user_id",
	ActionAssignToTeam: "team_id",
	ActionAddTag:       "tag",
	ActionSetPriority:  "priority",
}

// RuleAction is one entry of a rule's ordered action list.
type RuleAction struct {
	ActionType string                 `json:"action_type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Validate checks the action kind and the presence of its required parameter.
func (a *RuleAction) Validate() error {
	param, ok := requiredActionParams[a.ActionType]
	if !ok {
		return fmt.Errorf("unknown action type %q", a.ActionType)
	}
	if _, ok := a.Parameters[param]; !ok {
		return fmt.Errorf("action %s requires parameter %q", a.ActionType, param)
	}
	return nil
}

// ParseRuleActions decodes and validates a stored action list.
func ParseRuleActions(raw string) ([]RuleAction, error) {
	var actions []RuleAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("invalid action list: %w", err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("rule requires at least one action")
	}
	for i := range actions {
		if err := actions[i].Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}
	return actions, nil
}

// ActionExecutor applies rule actions through the conversation service.
type ActionExecutor struct {
	conversations *ConversationService
	logger        *logrus.Logger
}

// NewActionExecutor creates an action executor.
func NewActionExecutor(conversations *ConversationService, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}

	return &ActionExecutor{
		conversations: conversations,
		logger:        logger,
	}
}

// Execute runs the action list strictly in order. Events published by the
// mutations carry depth + 1. A failing action does not stop the rest; all
// failures are returned joined.
func (e *ActionExecutor) Execute(ctx context.Context, actions []RuleAction, conversationID uint, actor string, depth int) error {
	childDepth := depth + 1

	var failures []error
	for i, action := range actions {
		if err := e.executeOne(ctx, action, conversationID, actor, childDepth); err != nil {
			e.logger.Warnf("Action failed: conversation=%d, action=%s, error=%v", conversationID, action.ActionType, err)
			failures = append(failures, fmt.Errorf("action %d (%s): %w", i, action.ActionType, err))
		}
	}

	return errors.Join(failures...)
}

func (e *ActionExecutor) executeOne(ctx context.Context, action RuleAction, conversationID uint, actor string, depth int) error {
	switch action.ActionType {
	case ActionSetStatus:
		status, err := stringParam(action.Parameters, "status")
		if err != nil {
			return err
		}
		_, err = e.conversations.SetStatus(ctx, conversationID, status, actor, depth)
		return err
	case ActionAssignToUser:
		userID, err := uintParam(action.Parameters, "user_id")
		if err != nil {
			return err
		}
		_, err = e.conversations.AssignToUser(ctx, conversationID, userID, actor, depth)
		return err
	case ActionAssignToTeam:
		teamID, err := uintParam(action.Parameters, "team_id")
		if err != nil {
			return err
		}
		_, err = e.conversations.AssignToTeam(ctx, conversationID, teamID, actor, depth)
		return err
	case ActionAddTag:
		tag, err := stringParam(action.Parameters, "tag")
		if err != nil {
			return err
		}
		_, err = e.conversations.AddTag(ctx, conversationID, tag, actor, depth)
		return err
	case ActionSetPriority:
		priority, err := stringParam(action.Parameters, "priority")
		if err != nil {
			return err
		}
		_, err = e.conversations.SetPriority(ctx, conversationID, priority, actor, depth)
		return err
	default:
		return fmt.Errorf("unknown action type %q", action.ActionType)
	}
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := value.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// uintParam accepts the float64 form JSON decoding produces alongside plain
// ints from in-process callers.
func uintParam(params map[string]interface{}, key string) (uint, error) {
	value, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch n := value.(type) {
	case float64:
		if n >= 1 && n == float64(uint(n)) {
			return uint(n), nil
		}
	case int:
		if n >= 1 {
			return uint(n), nil
		}
	}
	return 0, fmt.Errorf("parameter %q must be a positive integer", key)
}
