package schema

import "time"

// HITLStatus is the state of a human approval request.
type HITLStatus string

const (
	HITLPending  HITLStatus = "pending"
	HITLApproved HITLStatus = "approved"
	HITLRejected HITLStatus = "rejected"
	HITLExpired  HITLStatus = "expired"
)

// HITLRequest is a human approval request created by a hitl node.
type HITLRequest struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"executionId"`
	StepID       string          `json:"stepId"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Assignees    []string        `json:"assignees,omitempty"`
	AssigneeRule string          `json:"assigneeRule,omitempty"`
	Status       HITLStatus      `json:"status"`
	RequestedBy  string          `json:"requestedBy,omitempty"`
	RequestedAt  time.Time       `json:"requestedAt"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy   string          `json:"resolvedBy,omitempty"`
	Resolution   *HITLResolution `json:"resolution,omitempty"`
}

// HITLResolution is the payload recorded when a request is resolved.
type HITLResolution struct {
	Decision     HITLStatus     `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	DecisionData map[string]any `json:"decisionData,omitempty"`
}
