package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type published struct {
	exchange   Exchange
	routingKey RoutingKey
	msgType    MessageType
	payload    any
}

type fakePublisher struct {
	calls []published
	err   error
}

func (f *fakePublisher) PublishJSON(_ context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	f.calls = append(f.calls, published{exchange, routingKey, msgType, payload})
	return f.err
}

func TestNotifier(t *testing.T) {
	ctx := context.Background()
	runID := uuid.New()
	tenantID := uuid.New()

	tests := []struct {
		name string
		call func(n *Notifier) error
		want published
	}{
		{
			name: "run pending",
			call: func(n *Notifier) error { return n.RunPending(ctx, runID) },
			want: published{ExchangeRuns, RoutingKeyPending, MessageTypeRunPending, RunPayload{RunID: runID}},
		},
		{
			name: "run cancelled",
			call: func(n *Notifier) error { return n.RunCancelled(ctx, runID) },
			want: published{ExchangeRuns, RoutingKeyCancelled, MessageTypeRunCancelled, RunPayload{RunID: runID}},
		},
		{
			name: "resume",
			call: func(n *Notifier) error { return n.Resume(ctx, runID, "wait_1") },
			want: published{ExchangeRuns, RoutingKeyResume, MessageTypeRunResume, RunResumePayload{RunID: runID, NodeID: "wait_1"}},
		},
		{
			name: "event",
			call: func(n *Notifier) error {
				return n.PublishEvent(ctx, tenantID, "ticket_created_trigger", map[string]any{"id": 1})
			},
			want: published{ExchangeEvents, RoutingKeyInbound, MessageTypeEventInbound, EventInboundPayload{
				TenantID: tenantID, TriggerType: "ticket_created_trigger", Payload: map[string]any{"id": 1},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			require.NoError(t, tt.call(NewNotifier(pub)))
			require.Len(t, pub.calls, 1)
			assert.Equal(t, tt.want, pub.calls[0])
		})
	}

	t.Run("publish error", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("channel closed")}
		assert.Error(t, NewNotifier(pub).RunPending(ctx, runID))
	})
}

func TestParsePayload(t *testing.T) {
	runID := uuid.New()
	msg, err := NewMessage(MessageTypeRunResume, RunResumePayload{RunID: runID, NodeID: "n"})
	require.NoError(t, err)

	// конверт переживает сериализацию
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(body, &decoded))

	got, err := ParsePayload[RunResumePayload](&decoded)
	require.NoError(t, err)
	assert.Equal(t, runID, got.RunID)
	assert.Equal(t, "n", got.NodeID)

	bad := &Message{Type: MessageTypeRunPending, Payload: json.RawMessage(`"not an object"`)}
	_, err = ParsePayload[RunPayload](bad)
	assert.ErrorIs(t, err, ErrPoison)
}

func TestTracePropagation(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := injectTrace(ctx)
	assert.Contains(t, headers, "traceparent")

	restored := trace.SpanContextFromContext(extractTrace(context.Background(), headers))
	assert.Equal(t, traceID, restored.TraceID())
	assert.Equal(t, spanID, restored.SpanID())

	// пустые заголовки не меняют контекст
	empty := extractTrace(context.Background(), amqp.Table{})
	assert.False(t, trace.SpanContextFromContext(empty).IsValid())
}
