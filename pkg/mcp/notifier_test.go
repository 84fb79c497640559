package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

type sentNotification struct {
	SessionID string
	Method    string
	Params    map[string]any
}

type fakeClient struct {
	sent []sentNotification
	err  error
}

func (f *fakeClient) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.sent = append(f.sent, sentNotification{sessionID, method, params})
	return f.err
}

func TestMCPNotifier_DeliversToFollowingSession(t *testing.T) {
	client := &fakeClient{}
	sessions := NewSessionRegistry()
	sessions.Register("exec-1", "session-1")
	n := NewMCPNotifier(client, sessions)

	event := streaming.NewEvent(schema.EventStepCompleted, "exec-1", "wf-1", "draft", nil)
	require.NoError(t, n.Notify(context.Background(), event))

	require.Len(t, client.sent, 1)
	assert.Equal(t, "session-1", client.sent[0].SessionID)
	assert.Equal(t, "notifications/message", client.sent[0].Method)
	assert.Equal(t, "info", client.sent[0].Params["level"])
	assert.Equal(t, event, client.sent[0].Params["data"])
}

func TestMCPNotifier_NoSessionIsBestEffort(t *testing.T) {
	client := &fakeClient{}
	n := NewMCPNotifier(client, NewSessionRegistry())

	require.NoError(t, n.Notify(context.Background(), streaming.NewEvent(schema.EventExecutionStarted, "exec-9", "wf", "", nil)))
	assert.Empty(t, client.sent)
}

func TestMCPNotifier_TerminalEventForgetsExecution(t *testing.T) {
	client := &fakeClient{}
	sessions := NewSessionRegistry()
	sessions.Register("exec-1", "session-1")
	n := NewMCPNotifier(client, sessions)

	require.NoError(t, n.Notify(context.Background(), streaming.NewEvent(schema.EventExecutionFailed, "exec-1", "wf", "", nil)))
	require.Len(t, client.sent, 1)
	assert.Equal(t, "error", client.sent[0].Params["level"])

	_, ok := sessions.SessionFor("exec-1")
	assert.False(t, ok)
}

func TestMCPNotifier_ExpiredSession(t *testing.T) {
	client := &fakeClient{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	sessions.Register("exec-1", "session-1")
	sessions.Register("exec-2", "session-1")
	n := NewMCPNotifier(client, sessions)

	require.NoError(t, n.Notify(context.Background(), streaming.NewEvent(schema.EventStepStarted, "exec-1", "wf", "a", nil)))
	assert.Zero(t, sessions.Len(), "every execution of the expired session is dropped")
}

func TestMCPNotifier_SendError(t *testing.T) {
	client := &fakeClient{err: errors.New("broken pipe")}
	sessions := NewSessionRegistry()
	sessions.Register("exec-1", "session-1")
	n := NewMCPNotifier(client, sessions)

	err := n.Notify(context.Background(), streaming.NewEvent(schema.EventStepRetrying, "exec-1", "wf", "a", nil))
	assert.EqualError(t, err, "broken pipe")
	assert.Equal(t, "warning", client.sent[0].Params["level"])
}
