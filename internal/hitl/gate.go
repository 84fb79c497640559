// Package hitl implements the human-in-the-loop approval gate: request
// creation, a single-resolution wait per request, timeouts and expiry, and
// assignee authorization.
package hitl

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

// RolePrefix marks an assignee entry that matches a resolver role rather
// than a resolver id, e.g. "role:finance".
const RolePrefix = "role:"

// ApprovalService is an optional external system notified of new requests.
type ApprovalService interface {
	CreateRequest(ctx context.Context, req *schema.HITLRequest) error
}

// RequestSpec describes a new approval request.
type RequestSpec struct {
	ExecutionID  string
	WorkflowID   string
	StepID       string
	Title        string
	Description  string
	Assignees    []string
	AssigneeRule string
	RequestedBy  string
	// Timeout of zero waits indefinitely.
	Timeout time.Duration
}

// Decision is a human resolution of a request.
type Decision struct {
	Approved      bool           `json:"approved"`
	ResolvedBy    string         `json:"resolvedBy"`
	ResolverRoles []string       `json:"resolverRoles,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	DecisionData  map[string]any `json:"decisionData,omitempty"`
}

// Config holds gate dependencies. Store is required.
type Config struct {
	Store     store.Store
	Rules     *expressions.RuleEngine
	Approvals ApprovalService
	Notifier  streaming.Notifier
	Logger    *slog.Logger
}

// Gate owns HITL requests and their waiters. At most one waiter exists per
// request id; a waiter is always deregistered when Wait returns.
type Gate struct {
	store     store.Store
	rules     *expressions.RuleEngine
	approvals ApprovalService
	notifier  streaming.Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	waiters map[string]chan *schema.HITLRequest
}

// NewGate creates a Gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "hitl gate requires a store")
	}
	rules := cfg.Rules
	if rules == nil {
		var err error
		if rules, err = expressions.NewRuleEngine(); err != nil {
			return nil, err
		}
	}
	return &Gate{
		store:     cfg.Store,
		rules:     rules,
		approvals: cfg.Approvals,
		notifier:  cfg.Notifier,
		logger:    logging.OrDiscard(cfg.Logger),
		now:       func() time.Time { return time.Now().UTC() },
		waiters:   make(map[string]chan *schema.HITLRequest),
	}, nil
}

// Request persists a new pending request and announces it.
func (g *Gate) Request(ctx context.Context, spec RequestSpec) (*schema.HITLRequest, error) {
	if spec.AssigneeRule != "" {
		if err := g.rules.Check(spec.AssigneeRule); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeValidation).WithStep(spec.StepID)
		}
	}
	now := g.now()
	req := &schema.HITLRequest{
		ID:           uuid.NewString(),
		ExecutionID:  spec.ExecutionID,
		StepID:       spec.StepID,
		Title:        spec.Title,
		Description:  spec.Description,
		Assignees:    spec.Assignees,
		AssigneeRule: spec.AssigneeRule,
		Status:       schema.HITLPending,
		RequestedBy:  spec.RequestedBy,
		RequestedAt:  now,
	}
	if spec.Timeout > 0 {
		exp := now.Add(spec.Timeout)
		req.ExpiresAt = &exp
	}
	if err := g.store.CreateHITLRequest(ctx, req); err != nil {
		return nil, err
	}

	if g.approvals != nil {
		if err := g.approvals.CreateRequest(ctx, req); err != nil {
			g.logger.WarnContext(ctx, "approval service notification failed",
				"request_id", req.ID, "error", err)
		}
	}
	g.emit(ctx, schema.EventHITLRequested, spec.WorkflowID, req, map[string]any{
		"requestId": req.ID,
		"title":     req.Title,
		"assignees": req.Assignees,
		"expiresAt": req.ExpiresAt,
	})
	g.logger.InfoContext(ctx, "hitl request created", "request_id", req.ID, "timeout", spec.Timeout)
	return req, nil
}

// Wait blocks until the request is resolved, expires or ctx is done. A
// request already resolved in the store returns immediately. Expiry marks
// the request expired and returns it together with a HITL_TIMEOUT error.
func (g *Gate) Wait(ctx context.Context, requestID string) (*schema.HITLRequest, error) {
	ch, err := g.register(requestID)
	if err != nil {
		return nil, err
	}
	defer g.deregister(requestID)

	req, err := g.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != schema.HITLPending {
		return g.outcome(req)
	}

	var expired <-chan time.Time
	if req.ExpiresAt != nil {
		timer := time.NewTimer(req.ExpiresAt.Sub(g.now()))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resolved := <-ch:
		return g.outcome(resolved)
	case <-expired:
		return g.expire(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) expire(ctx context.Context, req *schema.HITLRequest) (*schema.HITLRequest, error) {
	expired, err := g.store.ResolveHITLRequest(ctx, req.ID, store.HITLResolution{
		Status:     schema.HITLExpired,
		ResolvedAt: g.now(),
	})
	if err != nil {
		if schema.CodeOf(err) != schema.ErrCodeConflict {
			return nil, err
		}
		// Resolved concurrently with the timeout.
		current, getErr := g.store.GetHITLRequest(ctx, req.ID)
		if getErr != nil {
			return nil, getErr
		}
		return g.outcome(current)
	}
	g.emit(ctx, schema.EventHITLExpired, "", expired, map[string]any{"requestId": expired.ID})
	return g.outcome(expired)
}

// outcome maps a final request to the error Wait reports.
func (g *Gate) outcome(req *schema.HITLRequest) (*schema.HITLRequest, error) {
	switch req.Status {
	case schema.HITLApproved:
		return req, nil
	case schema.HITLRejected:
		reason := "request rejected"
		if req.Resolution != nil && req.Resolution.Reason != "" {
			reason = req.Resolution.Reason
		}
		return req, schema.NewErrorf(schema.ErrCodeHITLRejected, "hitl request %s rejected by %s: %s",
			req.ID, req.ResolvedBy, reason).WithStep(req.StepID)
	case schema.HITLExpired:
		return req, schema.NewErrorf(schema.ErrCodeHITLTimeout, "hitl request %s timed out", req.ID).
			WithStep(req.StepID)
	default:
		return req, schema.NewErrorf(schema.ErrCodeInvalidState, "hitl request %s is still %s", req.ID, req.Status)
	}
}

// Resolve applies a decision. The boolean reports whether this call
// performed the transition; duplicates for an already-final request are
// ignored and return the stored request with false.
func (g *Gate) Resolve(ctx context.Context, requestID string, d Decision) (*schema.HITLRequest, bool, error) {
	req, err := g.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if req.Status != schema.HITLPending {
		g.logger.DebugContext(ctx, "duplicate hitl resolution ignored",
			"request_id", requestID, "status", req.Status)
		return req, false, nil
	}
	if err := g.authorize(ctx, req, d); err != nil {
		return nil, false, err
	}

	status := schema.HITLRejected
	if d.Approved {
		status = schema.HITLApproved
	}
	resolved, err := g.store.ResolveHITLRequest(ctx, requestID, store.HITLResolution{
		Status:     status,
		ResolvedBy: d.ResolvedBy,
		ResolvedAt: g.now(),
		Resolution: &schema.HITLResolution{
			Decision:     status,
			Reason:       d.Reason,
			DecisionData: d.DecisionData,
		},
	})
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			current, getErr := g.store.GetHITLRequest(ctx, requestID)
			if getErr != nil {
				return nil, false, getErr
			}
			return current, false, nil
		}
		return nil, false, err
	}

	g.emit(ctx, schema.EventHITLResolved, "", resolved, map[string]any{
		"requestId":  resolved.ID,
		"decision":   string(status),
		"resolvedBy": d.ResolvedBy,
	})
	g.deliver(resolved)
	return resolved, true, nil
}

// authorize enforces the assignee rule, then the assignee list.
func (g *Gate) authorize(ctx context.Context, req *schema.HITLRequest, d Decision) error {
	if req.AssigneeRule != "" {
		roles := make([]any, len(d.ResolverRoles))
		for i, r := range d.ResolverRoles {
			roles[i] = r
		}
		ok, err := g.rules.Allows(ctx, req.AssigneeRule,
			map[string]any{"id": d.ResolvedBy, "roles": roles},
			map[string]any{
				"id":          req.ID,
				"executionId": req.ExecutionID,
				"stepId":      req.StepID,
				"title":       req.Title,
				"assignees":   toAnySlice(req.Assignees),
			})
		if err != nil {
			return err
		}
		if !ok {
			return schema.NewErrorf(schema.ErrCodeForbidden,
				"%q may not resolve hitl request %s", d.ResolvedBy, req.ID).WithStep(req.StepID)
		}
		return nil
	}
	if len(req.Assignees) == 0 {
		return nil
	}
	for _, a := range req.Assignees {
		if role, isRole := strings.CutPrefix(a, RolePrefix); isRole {
			if slices.Contains(d.ResolverRoles, role) {
				return nil
			}
		} else if a == d.ResolvedBy {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeForbidden,
		"%q is not an assignee of hitl request %s", d.ResolvedBy, req.ID).WithStep(req.StepID)
}

// ExpireOverdue marks pending requests past their expiry as expired,
// skipping requests with a live waiter (the waiter expires its own request).
func (g *Gate) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	pending := schema.HITLPending
	overdue, err := g.store.ListHITLRequests(ctx, store.HITLFilter{Status: &pending, ExpiresBefore: &now})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range overdue {
		if g.HasWaiter(req.ID) {
			continue
		}
		expired, err := g.store.ResolveHITLRequest(ctx, req.ID, store.HITLResolution{
			Status:     schema.HITLExpired,
			ResolvedAt: now,
		})
		if err != nil {
			if schema.CodeOf(err) == schema.ErrCodeConflict {
				continue
			}
			return n, err
		}
		g.emit(ctx, schema.EventHITLExpired, "", expired, map[string]any{"requestId": expired.ID})
		n++
	}
	return n, nil
}

// HasWaiter reports whether a Wait is in progress for requestID.
func (g *Gate) HasWaiter(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[requestID]
	return ok
}

func (g *Gate) register(requestID string) (chan *schema.HITLRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.waiters[requestID]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "hitl request %s already has a waiter", requestID)
	}
	ch := make(chan *schema.HITLRequest, 1)
	g.waiters[requestID] = ch
	return ch, nil
}

func (g *Gate) deregister(requestID string) {
	g.mu.Lock()
	delete(g.waiters, requestID)
	g.mu.Unlock()
}

func (g *Gate) deliver(req *schema.HITLRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.waiters[req.ID]; ok {
		select {
		case ch <- req:
		default:
		}
	}
}

func (g *Gate) emit(ctx context.Context, eventType, workflowID string, req *schema.HITLRequest, payload map[string]any) {
	if g.notifier == nil {
		return
	}
	event := streaming.NewEvent(eventType, req.ExecutionID, workflowID, req.StepID, payload)
	if err := g.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		g.logger.WarnContext(ctx, "hitl event notification failed", "event_type", eventType, "error", err)
	}
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
