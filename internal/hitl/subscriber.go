package hitl

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultDecisionsTopic is the watermill topic decisions are consumed from.
const DefaultDecisionsTopic = "hitl.decisions"

// DecisionMessage is the JSON payload of a decision message.
type DecisionMessage struct {
	RequestID string `json:"requestId"`
	Decision
}

// ResolveFunc applies a decision to a request.
type ResolveFunc func(ctx context.Context, requestID string, d Decision) error

// DecisionSubscriber feeds decisions from a watermill subscriber into a
// ResolveFunc. Malformed or unauthorized messages are acked and logged;
// other failures are nacked for redelivery.
type DecisionSubscriber struct {
	subscriber message.Subscriber
	topic      string
	resolve    ResolveFunc
	logger     *slog.Logger
}

// NewDecisionSubscriber creates a subscriber. An empty topic uses
// DefaultDecisionsTopic.
func NewDecisionSubscriber(sub message.Subscriber, topic string, resolve ResolveFunc, logger *slog.Logger) *DecisionSubscriber {
	if topic == "" {
		topic = DefaultDecisionsTopic
	}
	return &DecisionSubscriber{subscriber: sub, topic: topic, resolve: resolve, logger: logging.OrDiscard(logger)}
}

// Run consumes messages until ctx is done or the subscription closes.
func (s *DecisionSubscriber) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *DecisionSubscriber) handle(ctx context.Context, msg *message.Message) {
	var dm DecisionMessage
	if err := json.Unmarshal(msg.Payload, &dm); err != nil || dm.RequestID == "" {
		s.logger.WarnContext(ctx, "discarding malformed hitl decision", "message_id", msg.UUID, "error", err)
		msg.Ack()
		return
	}

	err := s.resolve(ctx, dm.RequestID, dm.Decision)
	switch schema.CodeOf(err) {
	case "":
		if err != nil {
			s.logger.ErrorContext(ctx, "hitl decision failed", "request_id", dm.RequestID, "error", err)
			msg.Nack()
			return
		}
		msg.Ack()
	case schema.ErrCodeStore:
		s.logger.ErrorContext(ctx, "hitl decision failed", "request_id", dm.RequestID, "error", err)
		msg.Nack()
	default:
		s.logger.WarnContext(ctx, "hitl decision rejected", "request_id", dm.RequestID, "error", err)
		msg.Ack()
	}
}
