package services

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"deskflow/internal/models"
)

// Condition tree operators.
const (
	OperatorSimple = "simple"
	OperatorAnd    = "and"
	OperatorOr     = "or"
	OperatorNot    = "not"
)

// Comparison operators for simple conditions.
const (
	ComparisonContains    = "contains"
	ComparisonEquals      = "equals"
	ComparisonNotEquals   = "not_equals"
	ComparisonGreaterThan = "greater_than"
	ComparisonLessThan    = "less_than"
	ComparisonIn          = "in"
	ComparisonNotIn       = "not_in"
)

// conditionAttributes is the set of conversation fields a condition may read.
var conditionAttributes = map[string]bool{
	"tags":             true,
	"priority":         true,
	"status":           true,
	"assigned_user_id": true,
	"assigned_team_id": true,
}

// RuleCondition is one node of a rule's condition tree, discriminated by
// Operator: "simple" uses Attribute/Comparison/Value, "and"/"or" use
// Conditions, "not" uses Condition.
type RuleCondition struct {
	Operator   string          `json:"operator"`
	Attribute  string          `json:"attribute,omitempty"`
	Comparison string          `json:"comparison,omitempty"`
	Value      interface{}     `json:"value,omitempty"`
	Conditions []RuleCondition `json:"conditions,omitempty"`
	Condition  *RuleCondition  `json:"condition,omitempty"`
}

// ParseRuleCondition decodes and validates a stored condition document.
func ParseRuleCondition(raw string) (*RuleCondition, error) {
	var condition RuleCondition
	if err := json.Unmarshal([]byte(raw), &condition); err != nil {
		return nil, fmt.Errorf("invalid condition format: %w", err)
	}
	if err := condition.Validate(); err != nil {
		return nil, err
	}
	return &condition, nil
}

// Validate checks the tree shape: known operators and comparisons, attributes
// from the whitelist, and at least two branches under and/or.
func (c *RuleCondition) Validate() error {
	switch c.Operator {
	case OperatorSimple:
		if !conditionAttributes[c.Attribute] {
			return fmt.Errorf("unknown condition attribute %q", c.Attribute)
		}
		switch c.Comparison {
		case ComparisonContains, ComparisonEquals, ComparisonNotEquals,
			ComparisonGreaterThan, ComparisonLessThan, ComparisonIn, ComparisonNotIn:
			return nil
		}
		return fmt.Errorf("unknown comparison %q", c.Comparison)
	case OperatorAnd, OperatorOr:
		if len(c.Conditions) < 2 {
			return fmt.Errorf("%s requires at least two conditions", c.Operator)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	case OperatorNot:
		if c.Condition == nil {
			return fmt.Errorf("not requires a condition")
		}
		return c.Condition.Validate()
	}
	return fmt.Errorf("unknown condition operator %q", c.Operator)
}

// ConditionEvaluator applies a condition tree to a conversation snapshot.
type ConditionEvaluator struct{}

// NewConditionEvaluator creates a condition evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

// Evaluate walks the tree. and/or short-circuit; errors (unknown attribute,
// type mismatch) propagate up so the caller can record the rule as
// non-matching.
func (e *ConditionEvaluator) Evaluate(condition *RuleCondition, conversation *models.Conversation) (bool, error) {
	switch condition.Operator {
	case OperatorSimple:
		return e.evaluateSimple(condition, conversation)
	case OperatorAnd:
		for i := range condition.Conditions {
			ok, err := e.Evaluate(&condition.Conditions[i], conversation)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OperatorOr:
		for i := range condition.Conditions {
			ok, err := e.Evaluate(&condition.Conditions[i], conversation)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OperatorNot:
		if condition.Condition == nil {
			return false, fmt.Errorf("not operator missing condition")
		}
		ok, err := e.Evaluate(condition.Condition, conversation)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, fmt.Errorf("unknown condition operator %q", condition.Operator)
}

func (e *ConditionEvaluator) evaluateSimple(condition *RuleCondition, conversation *models.Conversation) (bool, error) {
	attr, err := e.attributeValue(conversation, condition.Attribute)
	if err != nil {
		return false, err
	}

	switch condition.Comparison {
	case ComparisonContains:
		return e.contains(attr, condition.Value)
	case ComparisonEquals:
		return jsonEqual(attr, condition.Value), nil
	case ComparisonNotEquals:
		return !jsonEqual(attr, condition.Value), nil
	case ComparisonGreaterThan:
		return e.compareNumbers(attr, condition.Value, func(a, b float64) bool { return a > b })
	case ComparisonLessThan:
		return e.compareNumbers(attr, condition.Value, func(a, b float64) bool { return a < b })
	case ComparisonIn:
		return e.in(attr, condition.Value)
	case ComparisonNotIn:
		ok, err := e.in(attr, condition.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, fmt.Errorf("unknown comparison %q", condition.Comparison)
}

// attributeValue projects one conversation field into decoded-JSON shape:
// tags as an array of strings, ids as numbers, unset optionals as nil.
func (e *ConditionEvaluator) attributeValue(conversation *models.Conversation, attribute string) (interface{}, error) {
	switch attribute {
	case "tags":
		names := conversation.TagNames()
		value := make([]interface{}, 0, len(names))
		for _, name := range names {
			value = append(value, name)
		}
		return value, nil
	case "priority":
		if conversation.Priority == "" {
			return nil, nil
		}
		return conversation.Priority, nil
	case "status":
		return conversation.Status, nil
	case "assigned_user_id":
		if conversation.AssignedUserID == nil {
			return nil, nil
		}
		return float64(*conversation.AssignedUserID), nil
	case "assigned_team_id":
		if conversation.AssignedTeamID == nil {
			return nil, nil
		}
		return float64(*conversation.AssignedTeamID), nil
	}
	return nil, fmt.Errorf("unknown condition attribute %q", attribute)
}

func (e *ConditionEvaluator) contains(attr, expected interface{}) (bool, error) {
	switch v := attr.(type) {
	case []interface{}:
		for _, item := range v {
			if jsonEqual(item, expected) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string attribute requires a string value")
		}
		return strings.Contains(v, s), nil
	}
	return false, fmt.Errorf("contains requires an array or string attribute")
}

func (e *ConditionEvaluator) compareNumbers(attr, expected interface{}, cmp func(a, b float64) bool) (bool, error) {
	a, aok := toFloat(attr)
	b, bok := toFloat(expected)
	if !aok || !bok {
		return false, fmt.Errorf("numeric comparison requires number values")
	}
	return cmp(a, b), nil
}

func (e *ConditionEvaluator) in(attr, expected interface{}) (bool, error) {
	arr, ok := expected.([]interface{})
	if !ok {
		return false, fmt.Errorf("in requires an array of values")
	}
	for _, item := range arr {
		if jsonEqual(item, attr) {
			return true, nil
		}
	}
	return false, nil
}

// jsonEqual compares decoded JSON values: numbers by value regardless of the
// concrete Go type, everything else deeply.
func jsonEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
