package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultEventsTopic is the watermill topic lifecycle events are published on.
const DefaultEventsTopic = "agentflow.events"

// Message metadata keys set on published events.
const (
	MetadataEventType   = "event_type"
	MetadataExecutionID = "execution_id"
)

// WatermillPublisher publishes events as JSON messages on a watermill topic.
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a publisher sink. An empty topic uses
// DefaultEventsTopic.
func NewWatermillPublisher(pub message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &WatermillPublisher{publisher: pub, topic: topic}
}

// Notify publishes event.
func (p *WatermillPublisher) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	id := event.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataExecutionID, event.ExecutionID)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, p.topic, err)
	}
	return nil
}

var _ Notifier = (*WatermillPublisher)(nil)
