package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
)

func TestWebhookNotifier_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "execution.completed", r.Header.Get("X-Agentflow-Event"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, nil, nil)
	err := n.Notify(context.Background(), NewEvent("execution.completed", "exec-1", "wf-1", "", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "exec-1", got.ExecutionID)
}

func TestWebhookNotifier_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, InitialInterval: time.Millisecond}, nil, nil)
	err := n.Notify(context.Background(), Event{Type: "tick"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil, nil)
	require.Error(t, n.Notify(context.Background(), Event{Type: "tick"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWatermillPublisher(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, DefaultEventsTopic)
	require.NoError(t, err)

	p := NewWatermillPublisher(pubSub, "")
	event := NewEvent("step.completed", "exec-1", "wf-1", "agent-1", map[string]any{"cost": 0.5})
	require.NoError(t, p.Notify(ctx, event))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, event.ID, msg.UUID)
		assert.Equal(t, "step.completed", msg.Metadata.Get(MetadataEventType))
		assert.Equal(t, "exec-1", msg.Metadata.Get(MetadataExecutionID))
		var got Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "agent-1", got.StepID)
		assert.Equal(t, 0.5, got.Payload["cost"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

type recordingStore struct {
	store.Store
	mu     sync.Mutex
	events []*store.Event
}

func (r *recordingStore) AppendEvent(_ context.Context, e *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestFanOut_ContinuesPastFailures(t *testing.T) {
	var delivered []string
	failing := NotifierFunc(func(context.Context, Event) error { return errors.New("sink down") })
	ok := NotifierFunc(func(_ context.Context, e Event) error {
		delivered = append(delivered, e.Type)
		return nil
	})
	rs := &recordingStore{}

	f := NewFanOut(nil, failing, nil, ok, NewEventLogSink(rs))
	err := f.Notify(context.Background(), NewEvent("execution.started", "exec-1", "wf-1", "", map[string]any{"n": 1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Equal(t, []string{"execution.started"}, delivered)

	require.Len(t, rs.events, 1)
	assert.Equal(t, "exec-1", rs.events[0].ExecutionID)
	assert.JSONEq(t, `{"n":1}`, string(rs.events[0].Payload))
}

func TestSSEHandler_StreamsFilteredEvents(t *testing.T) {
	hub := NewMemoryHub()
	srv := httptest.NewServer(NewSSEHandler(hub, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?execution_id=exec-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Notify(ctx, Event{ID: "e0", ExecutionID: "exec-2", Type: "step.started"}))
	require.NoError(t, hub.Notify(ctx, Event{ID: "e1", ExecutionID: "exec-1", Type: "step.completed"}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "id: e1", lines[0])
	assert.Equal(t, "event: step.completed", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "data: {"))
}
