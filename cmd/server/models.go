package main

import (
	"github.com/liamcoop/ruleautomation/rules"
)

// API request and response models

// RuleRequest is the body for creating or replacing a rule.
// The ID may be omitted on create; one is generated.
type RuleRequest struct {
	ID            string               `json:"id,omitempty" example:"overtime.warning"`
	Name          string               `json:"name" example:"Overtime warning"`
	Description   string               `json:"description,omitempty"`
	Enabled       *bool                `json:"enabled,omitempty" example:"true"`
	Priority      int                  `json:"priority" example:"1"`
	Conditions    []rules.Condition    `json:"conditions"`
	Actions       []rules.Action       `json:"actions"`
	TriggerEvents []rules.TriggerEvent `json:"triggerEvents"`
	Schedule      *rules.Schedule      `json:"schedule,omitempty"`
}

// toRule builds the engine rule; rules are enabled unless stated otherwise
func (r RuleRequest) toRule(id string) *rules.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &rules.Rule{
		ID:            id,
		Name:          r.Name,
		Description:   r.Description,
		Enabled:       enabled,
		Priority:      r.Priority,
		Conditions:    r.Conditions,
		Actions:       r.Actions,
		TriggerEvents: r.TriggerEvents,
		Schedule:      r.Schedule,
	}
}

// RulesListResponse is the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// EventRequest is the body for dispatching a trigger event
type EventRequest struct {
	Event   rules.TriggerEvent `json:"event"`
	Context rules.Context      `json:"context"`
}

// TestRuleRequest is the optional body for a test run
type TestRuleRequest struct {
	Context rules.Context `json:"context"`
}

// ExecutionsResponse is the response for event dispatch and execution listing
type ExecutionsResponse struct {
	Executions []*rules.Execution `json:"executions"`
}

// CleanupResponse reports how many expired executions were dropped
type CleanupResponse struct {
	RemovedExecutions int `json:"removedExecutions" example:"12"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"rule not found"`
	Details string `json:"details,omitempty" example:"rule with ID overtime.warning not found"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status         string `json:"status" example:"healthy"`
	Rules          int    `json:"rules" example:"4"`
	ScheduledRules int    `json:"scheduledRules" example:"1"`
	Error          string `json:"error,omitempty"`
}
